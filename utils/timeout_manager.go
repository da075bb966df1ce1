package utils

import (
	"context"
	"sync"
	"time"

	"github.com/fansqz/go-dsf/utils/gosync"
	"github.com/sirupsen/logrus"
)

// TimeoutManager 一个计时器
// 如果在timeout时间内没有执行reset或cancel，就会执行fun函数，fun最多执行一次
type TimeoutManager struct {
	name          string
	timer         *time.Timer
	timeout       time.Duration
	resetChannel  chan struct{}
	cancelChannel chan struct{}
	finished      chan struct{}
	once          sync.Once
	fun           func()
}

// NewTimeoutManager 创建一个新的计时器实例，name只用于日志
func NewTimeoutManager(name string) *TimeoutManager {
	return &TimeoutManager{
		name:          name,
		resetChannel:  make(chan struct{}, 1),
		cancelChannel: make(chan struct{}, 1),
		finished:      make(chan struct{}),
	}
}

// Start 开始计时
// 在timeout时间内没有执行reset命令，就会执行fun函数
func (t *TimeoutManager) Start(ctx context.Context, timeout time.Duration, fun func()) {
	t.timer = time.NewTimer(timeout)
	t.timeout = timeout
	t.fun = fun
	gosync.Go(ctx, func(ctx context.Context) {
		defer t.finish()
		for {
			select {
			case <-t.timer.C:
				logrus.Debugf("[TimeoutManager] %s timer expired, performing action", t.name)
				t.fun()
				return
			case <-t.resetChannel:
				logrus.Debugf("[TimeoutManager] %s reset", t.name)
				if !t.timer.Stop() {
					<-t.timer.C
				}
				t.timer.Reset(t.timeout)
			case <-t.cancelChannel:
				logrus.Debugf("[TimeoutManager] %s cancel", t.name)
				t.timer.Stop()
				return
			case <-ctx.Done():
				t.timer.Stop()
				return
			}
		}
	})
}

func (t *TimeoutManager) finish() {
	t.once.Do(func() { close(t.finished) })
}

// Reset 重置计时器，计时器已经结束时不做任何事
func (t *TimeoutManager) Reset() {
	select {
	case t.resetChannel <- struct{}{}:
	case <-t.finished:
	default:
	}
}

// Cancel 取消计时，计时器已经结束时不做任何事
func (t *TimeoutManager) Cancel() {
	select {
	case t.cancelChannel <- struct{}{}:
	case <-t.finished:
	default:
	}
}

// Done 计时器结束（超时、取消）后关闭
func (t *TimeoutManager) Done() <-chan struct{} {
	return t.finished
}
