package concurrent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
	e "github.com/fansqz/go-dsf/error"
	"github.com/fansqz/go-dsf/utils"
	"github.com/fansqz/go-dsf/utils/gosync"
	"github.com/sirupsen/logrus"
)

// Executor 任务执行器
type Executor interface {
	// Execute 提交任务，执行器已关闭时返回ErrRejectedExecution，不会阻塞
	Execute(task func()) error
}

// immediateExecutor 在调用者的协程中直接执行任务
type immediateExecutor struct{}

func (immediateExecutor) Execute(task func()) error {
	task()
	return nil
}

// ImmediateExecutor 直接在调用方协程中执行任务，一般用于测试或者阻塞等待结果的场景
var ImmediateExecutor Executor = immediateExecutor{}

// SerialExecutor 串行执行器
// 所有任务按照提交顺序在同一个协程中依次执行，同一时间只会执行一个任务。
// 一个调试session的所有被调试程序相关的状态只在该执行器中读写，因此不需要其他的锁。
type SerialExecutor struct {
	name string

	lock  sync.Mutex
	cond  *sync.Cond
	queue *doublylinkedlist.List

	status     *utils.StatusManager
	terminated chan struct{}
}

// NewSerialExecutor 创建并启动一个串行执行器
func NewSerialExecutor(name string) *SerialExecutor {
	s := &SerialExecutor{
		name:       name,
		queue:      doublylinkedlist.New(),
		status:     utils.NewStatusManager(),
		terminated: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.lock)
	s.status.Set(utils.Active)
	gosync.Go(context.Background(), s.run)
	return s
}

func (s *SerialExecutor) Name() string {
	return s.name
}

func (s *SerialExecutor) Execute(task func()) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.status.Is(utils.Active) {
		return fmt.Errorf("executor %s: %w", s.name, e.ErrRejectedExecution)
	}
	s.queue.Add(task)
	s.cond.Signal()
	return nil
}

// ExecuteAfter 延迟delay以后提交任务，提交时执行器已关闭则丢弃任务
func (s *SerialExecutor) ExecuteAfter(delay time.Duration, task func()) *time.Timer {
	return time.AfterFunc(delay, func() {
		if err := s.Execute(task); err != nil {
			logrus.Debugf("[SerialExecutor] %s drop delayed task, err = %v", s.name, err)
		}
	})
}

// Shutdown 关闭执行器，已经排队的任务会继续执行完，新的任务会被拒绝
func (s *SerialExecutor) Shutdown() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.status.CompareAndSet(utils.Active, utils.ShuttingDown) {
		logrus.Infof("[SerialExecutor] %s shutting down, %d tasks pending", s.name, s.queue.Size())
	}
	s.cond.Broadcast()
}

func (s *SerialExecutor) IsShutdown() bool {
	return !s.status.Is(utils.Active)
}

// AwaitTermination 等待所有排队任务执行完毕
func (s *SerialExecutor) AwaitTermination(ctx context.Context) error {
	select {
	case <-s.terminated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SerialExecutor) run(ctx context.Context) {
	defer close(s.terminated)
	for {
		task, ok := s.next()
		if !ok {
			s.status.Set(utils.Finish)
			logrus.Infof("[SerialExecutor] %s terminated", s.name)
			return
		}
		gosync.Run(task)
	}
}

// next 取出下一个任务，执行器关闭并且队列为空时返回false
func (s *SerialExecutor) next() (func(), bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for s.queue.Empty() && s.status.Is(utils.Active) {
		s.cond.Wait()
	}
	if s.queue.Empty() {
		return nil, false
	}
	value, _ := s.queue.Get(0)
	s.queue.Remove(0)
	return value.(func()), true
}
