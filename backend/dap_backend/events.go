package dap_backend

import (
	"strconv"

	"github.com/fansqz/go-dsf/datamodel"
	"github.com/fansqz/go-dsf/service"
	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"
)

// stoppedReasons DAP stopped事件的reason到暂停原因的映射
var stoppedReasons = map[string]service.StateChangeReason{
	"step":                   service.ReasonStep,
	"breakpoint":             service.ReasonBreakpoint,
	"function breakpoint":    service.ReasonBreakpoint,
	"data breakpoint":        service.ReasonBreakpoint,
	"instruction breakpoint": service.ReasonBreakpoint,
	"exception":              service.ReasonException,
	"pause":                  service.ReasonUser,
	"entry":                  service.ReasonUser,
	"goto":                   service.ReasonUser,
}

func stoppedReason(reason string) service.StateChangeReason {
	if answer, ok := stoppedReasons[reason]; ok {
		return answer
	}
	return service.ReasonUnknown
}

// handleEvent 把adapter的事件转换成会话事件，在client的读协程中调用
func (b *DAPBackend) handleEvent(event dap.EventMessage) {
	switch event := event.(type) {
	case *dap.InitializedEvent:
		logrus.Infof("[DAPBackend] adapter initialized")
	case *dap.ProcessEvent:
		b.onProcess(event.Body)
	case *dap.ThreadEvent:
		b.onThread(event.Body)
	case *dap.StoppedEvent:
		b.onStopped(event.Body)
	case *dap.ContinuedEvent:
		b.onContinued(event.Body)
	case *dap.ExitedEvent:
		b.onExited(event.Body.ExitCode)
	case *dap.TerminatedEvent:
		logrus.Infof("[DAPBackend] debuggee terminated")
		b.lock.Lock()
		exited := b.exitCode != nil || b.process == nil
		b.lock.Unlock()
		if !exited {
			b.onExited(0)
		}
	default:
		logrus.Debugf("[DAPBackend] ignore event %s", event.GetEvent().Event)
	}
}

func (b *DAPBackend) onProcess(body dap.ProcessEventBody) {
	pid := defaultProcessID
	if body.SystemProcessId != 0 {
		pid = strconv.Itoa(body.SystemProcessId)
	}
	b.lock.Lock()
	process, created := b.ensureProcess(pid)
	b.processName = body.Name
	b.lock.Unlock()
	if created {
		b.dispatch(service.NewStartedEvent(process))
	}
}

func (b *DAPBackend) onThread(body dap.ThreadEventBody) {
	b.lock.Lock()
	switch body.Reason {
	case "started":
		_, existed := b.thread(body.ThreadId)
		process, processCreated := b.ensureProcess(defaultProcessID)
		state := b.ensureThread(body.ThreadId)
		b.lock.Unlock()
		if processCreated {
			b.dispatch(service.NewStartedEvent(process))
		}
		if !existed {
			b.dispatch(service.NewStartedEvent(state.ctx))
		}
	case "exited":
		state, ok := b.thread(body.ThreadId)
		if ok {
			b.threads.Remove(body.ThreadId)
		}
		b.lock.Unlock()
		if ok {
			b.dispatch(service.NewExitedEvent(state.ctx, 0))
		}
	default:
		b.lock.Unlock()
		logrus.Debugf("[DAPBackend] ignore thread event %s", body.Reason)
	}
}

// onStopped allThreadsStopped时整个进程暂停，Triggering为触发暂停的线程
func (b *DAPBackend) onStopped(body dap.StoppedEventBody) {
	reason := stoppedReason(body.Reason)
	b.lock.Lock()
	process, processCreated := b.ensureProcess(defaultProcessID)
	var triggering *datamodel.Context
	if body.ThreadId != 0 {
		triggering = b.ensureThread(body.ThreadId).ctx
	}
	var ev service.Event
	if body.AllThreadsStopped || triggering == nil {
		b.allStopped = true
		for _, value := range b.threads.Values() {
			suspend(value.(*threadState))
		}
		ev = service.NewSuspendedEvent(process, reason, triggering)
	} else {
		state, _ := b.thread(body.ThreadId)
		suspend(state)
		ev = service.NewSuspendedEvent(triggering, reason, triggering)
	}
	b.lock.Unlock()
	if processCreated {
		b.dispatch(service.NewStartedEvent(process))
	}
	b.dispatch(ev)
}

func suspend(state *threadState) {
	state.suspended = true
	state.stepping = false
	state.frames = nil
}

// onContinued 已经因为Resume或者Step更新过状态的线程不再重复发出事件
func (b *DAPBackend) onContinued(body dap.ContinuedEventBody) {
	b.lock.Lock()
	if b.process == nil {
		b.lock.Unlock()
		return
	}
	scope := b.process
	if !body.AllThreadsContinued && body.ThreadId != 0 {
		state, ok := b.thread(body.ThreadId)
		if !ok || !state.suspended {
			b.lock.Unlock()
			return
		}
		scope = state.ctx
	} else if !b.anySuspended() {
		b.lock.Unlock()
		return
	}
	b.lock.Unlock()
	b.resumed(scope, service.ReasonUnknown)
}

// anySuspended 需要持有锁
func (b *DAPBackend) anySuspended() bool {
	if b.allStopped {
		return true
	}
	for _, value := range b.threads.Values() {
		if value.(*threadState).suspended {
			return true
		}
	}
	return false
}

func (b *DAPBackend) onExited(exitCode int) {
	b.lock.Lock()
	process := b.process
	if process != nil {
		b.exitCode = &exitCode
		b.threads.Clear()
		b.allStopped = false
	}
	b.lock.Unlock()
	if process != nil {
		b.dispatch(service.NewExitedEvent(process, exitCode))
	}
}
