package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/fansqz/go-dsf/concurrent"
	"github.com/fansqz/go-dsf/datamodel"
	e "github.com/fansqz/go-dsf/error"
	"github.com/fansqz/go-dsf/utils"
	"github.com/sirupsen/logrus"
)

// Flusher 会话关闭时需要清空的缓存服务
type Flusher interface {
	Flush(scope *datamodel.Context)
}

// Session 一个调试会话
// 会话拥有自己的串行执行器、事件总线以及服务，会话之间互不影响
type Session struct {
	id       string
	name     string
	executor *concurrent.SerialExecutor
	bus      *EventBus
	status   *utils.StatusManager

	lock     sync.RWMutex
	services []any
}

func NewSession(name string) *Session {
	id := utils.GetUUID()
	executor := concurrent.NewSerialExecutor(fmt.Sprintf("session-%s-%s", name, utils.GetShortID()))
	return &Session{
		id:       id,
		name:     name,
		executor: executor,
		bus:      NewEventBus(executor),
		status:   utils.NewStatusManager(),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Name() string {
	return s.name
}

// Executor session执行器，所有被调试程序相关的状态只能在其中读写
func (s *Session) Executor() *concurrent.SerialExecutor {
	return s.executor
}

func (s *Session) Bus() *EventBus {
	return s.bus
}

func (s *Session) Status() string {
	return s.status.Get()
}

// Start 启动会话，并发出SessionStartedEvent
func (s *Session) Start() error {
	if !s.status.CompareAndSet(utils.Init, utils.Active) {
		return fmt.Errorf("session %s is %s: %w", s.name, s.status.Get(), e.ErrSessionShutdown)
	}
	logrus.Infof("[Session] session %s(%s) started", s.name, s.id)
	return s.bus.Dispatch(NewSessionStartedEvent(s.id))
}

// RegisterService 注册服务
func (s *Session) RegisterService(service any) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.services = append(s.services, service)
}

// GetService 查找第一个实现了T的服务，会话已经关闭时总是返回false
func GetService[T any](s *Session) (T, bool) {
	var zero T
	if s.status.Is(utils.ShuttingDown, utils.Finish) {
		return zero, false
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	for _, service := range s.services {
		if answer, ok := service.(T); ok {
			return answer, true
		}
	}
	return zero, false
}

// Shutdown 关闭会话
// 在session执行器中依次完成：清空所有缓存服务、分发ShutdownEvent、关闭执行器。
// 执行器关闭以后提交的任务都会失败。
func (s *Session) Shutdown() error {
	if !s.status.CompareAndSet(utils.Active, utils.ShuttingDown) &&
		!s.status.CompareAndSet(utils.Init, utils.ShuttingDown) {
		return nil
	}
	logrus.Infof("[Session] session %s(%s) shutting down", s.name, s.id)
	err := s.executor.Execute(func() {
		s.lock.Lock()
		services := s.services
		s.services = nil
		s.lock.Unlock()
		for _, service := range services {
			if flusher, ok := service.(Flusher); ok {
				flusher.Flush(nil)
			}
		}
		s.bus.dispatchNow(NewShutdownEvent())
		s.executor.Shutdown()
		s.status.Set(utils.Finish)
	})
	if err != nil {
		s.executor.Shutdown()
		s.status.Set(utils.Finish)
	}
	return err
}

// AwaitTermination 等待会话关闭完成，执行器中已经排队的任务都会执行完
func (s *Session) AwaitTermination(ctx context.Context) error {
	return s.executor.AwaitTermination(ctx)
}
