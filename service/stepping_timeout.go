package service

import (
	"context"
	"strings"
	"time"

	"github.com/fansqz/go-dsf/datamodel"
	"github.com/fansqz/go-dsf/utils"
	"github.com/sirupsen/logrus"
)

// DefaultSteppingTimeout 单步执行的默认超时时间
const DefaultSteppingTimeout = 500 * time.Millisecond

// SteppingTimeoutMonitor 单步执行超时检测
// 线程因为单步恢复运行以后，如果在超时时间内没有再次暂停，就发出SteppingTimedOutEvent，
// 让界面把栈帧显示为运行状态。所有状态只在session执行器中读写。
type SteppingTimeoutMonitor struct {
	bus      *EventBus
	timeout  time.Duration
	timers   map[string]*utils.TimeoutManager
	timedOut map[string]bool
}

func NewSteppingTimeoutMonitor(bus *EventBus, timeout time.Duration) *SteppingTimeoutMonitor {
	if timeout <= 0 {
		timeout = DefaultSteppingTimeout
	}
	return &SteppingTimeoutMonitor{
		bus:      bus,
		timeout:  timeout,
		timers:   make(map[string]*utils.TimeoutManager),
		timedOut: make(map[string]bool),
	}
}

// IsTimedOut ctx或者它的祖先是否处于单步超时状态
func (m *SteppingTimeoutMonitor) IsTimedOut(ctx *datamodel.Context) bool {
	for current := ctx; current != nil; current = current.Parent() {
		if m.timedOut[current.Key()] {
			return true
		}
	}
	return false
}

// HandleEvent 注册到事件总线上的监听器
func (m *SteppingTimeoutMonitor) HandleEvent(ev Event) {
	switch ev := ev.(type) {
	case *ResumedEvent:
		if ev.Reason == ReasonStep {
			m.start(ev.Context())
		}
	case *SuspendedEvent:
		m.clear(ev.Context())
	case *ExitedEvent:
		m.clear(ev.Context())
	case *SteppingTimedOutEvent:
		if _, ok := m.timers[ev.Context().Key()]; ok {
			delete(m.timers, ev.Context().Key())
			m.timedOut[ev.Context().Key()] = true
		}
	case *ShutdownEvent:
		m.clear(nil)
	}
}

func (m *SteppingTimeoutMonitor) start(ctx *datamodel.Context) {
	key := ctx.Key()
	if timer, ok := m.timers[key]; ok {
		timer.Reset()
		return
	}
	timer := utils.NewTimeoutManager("stepping " + key)
	m.timers[key] = timer
	timer.Start(context.Background(), m.timeout, func() {
		logrus.Infof("[SteppingTimeoutMonitor] %s stepping timed out", key)
		_ = m.bus.Dispatch(NewSteppingTimedOutEvent(ctx))
	})
}

// clear 取消scope下所有的计时，scope为nil时取消全部
func (m *SteppingTimeoutMonitor) clear(scope *datamodel.Context) {
	for key, timer := range m.timers {
		if scope == nil || key == scope.Key() || isDescendantKey(key, scope) {
			timer.Cancel()
			delete(m.timers, key)
		}
	}
	for key := range m.timedOut {
		if scope == nil || key == scope.Key() || isDescendantKey(key, scope) {
			delete(m.timedOut, key)
		}
	}
}

func isDescendantKey(key string, scope *datamodel.Context) bool {
	return strings.HasPrefix(key, scope.Key()+"/")
}
