package service

import (
	"fmt"

	"github.com/fansqz/go-dsf/datamodel"
)

// Event 调试事件
// 事件集合是封闭的，只能由本包定义，新增事件时所有EventVisitor的实现都需要处理
type Event interface {
	// Context 事件关联的对象，没有时为nil
	Context() *datamodel.Context
	isEvent()
}

type baseEvent struct {
	ctx *datamodel.Context
}

func (b baseEvent) Context() *datamodel.Context {
	return b.ctx
}

func (baseEvent) isEvent() {}

// StateChangeReason 线程或者进程运行状态变化的原因
type StateChangeReason string

const (
	ReasonUnknown    StateChangeReason = "unknown"
	ReasonUser       StateChangeReason = "user request"
	ReasonStep       StateChangeReason = "step"
	ReasonBreakpoint StateChangeReason = "breakpoint"
	ReasonSignal     StateChangeReason = "signal"
	ReasonException  StateChangeReason = "exception"
	ReasonContainer  StateChangeReason = "container"
)

// SessionStartedEvent 调试会话已经建立
type SessionStartedEvent struct {
	baseEvent
	SessionID string
}

// ShutdownEvent 调试会话关闭
type ShutdownEvent struct {
	baseEvent
}

// StartedEvent 进程或者线程启动
type StartedEvent struct {
	baseEvent
}

// ExitedEvent 进程或者线程退出
type ExitedEvent struct {
	baseEvent
	ExitCode int
}

type ResumedEvent struct {
	baseEvent
	Reason StateChangeReason
}

// SuspendedEvent 进程或线程暂停
// 进程整体暂停时Triggering为触发暂停的线程，可能为nil
type SuspendedEvent struct {
	baseEvent
	Reason     StateChangeReason
	Triggering *datamodel.Context
}

// ContainerLayoutChangedEvent 进程中的线程组结构发生变化
type ContainerLayoutChangedEvent struct {
	baseEvent
}

// FocusChangedEvent 用户切换了当前线程或者栈帧
type FocusChangedEvent struct {
	baseEvent
}

// PreferenceChangedEvent 首选项发生变化
type PreferenceChangedEvent struct {
	baseEvent
	Key string
}

type TracingChangedEvent struct {
	baseEvent
	On bool
}

type VisualizationModeChangedEvent struct {
	baseEvent
	Mode string
}

// SteppingTimedOutEvent 单步执行在超时时间内没有暂停
type SteppingTimedOutEvent struct {
	baseEvent
}

// ExpandStackEvent 用户请求显示更多的栈帧
type ExpandStackEvent struct {
	baseEvent
}

// ModelProxyInstalledEvent 消费者开始监听视图模型
type ModelProxyInstalledEvent struct {
	baseEvent
}

// FullRefreshEvent 用户请求刷新整个视图
type FullRefreshEvent struct {
	baseEvent
}

func NewSessionStartedEvent(sessionID string) *SessionStartedEvent {
	return &SessionStartedEvent{SessionID: sessionID}
}

func NewShutdownEvent() *ShutdownEvent {
	return &ShutdownEvent{}
}

func NewStartedEvent(ctx *datamodel.Context) *StartedEvent {
	return &StartedEvent{baseEvent{ctx}}
}

func NewExitedEvent(ctx *datamodel.Context, exitCode int) *ExitedEvent {
	return &ExitedEvent{baseEvent: baseEvent{ctx}, ExitCode: exitCode}
}

func NewResumedEvent(ctx *datamodel.Context, reason StateChangeReason) *ResumedEvent {
	return &ResumedEvent{baseEvent: baseEvent{ctx}, Reason: reason}
}

func NewSuspendedEvent(ctx *datamodel.Context, reason StateChangeReason, triggering *datamodel.Context) *SuspendedEvent {
	if triggering == nil && ctx.Kind() == datamodel.KindThread {
		triggering = ctx
	}
	return &SuspendedEvent{baseEvent: baseEvent{ctx}, Reason: reason, Triggering: triggering}
}

func NewContainerLayoutChangedEvent(ctx *datamodel.Context) *ContainerLayoutChangedEvent {
	return &ContainerLayoutChangedEvent{baseEvent{ctx}}
}

func NewFocusChangedEvent(target *datamodel.Context) *FocusChangedEvent {
	return &FocusChangedEvent{baseEvent{target}}
}

func NewPreferenceChangedEvent(key string) *PreferenceChangedEvent {
	return &PreferenceChangedEvent{Key: key}
}

func NewTracingChangedEvent(ctx *datamodel.Context, on bool) *TracingChangedEvent {
	return &TracingChangedEvent{baseEvent: baseEvent{ctx}, On: on}
}

func NewVisualizationModeChangedEvent(mode string) *VisualizationModeChangedEvent {
	return &VisualizationModeChangedEvent{Mode: mode}
}

func NewSteppingTimedOutEvent(ctx *datamodel.Context) *SteppingTimedOutEvent {
	return &SteppingTimedOutEvent{baseEvent{ctx}}
}

func NewExpandStackEvent(thread *datamodel.Context) *ExpandStackEvent {
	return &ExpandStackEvent{baseEvent{thread}}
}

func NewModelProxyInstalledEvent() *ModelProxyInstalledEvent {
	return &ModelProxyInstalledEvent{}
}

func NewFullRefreshEvent() *FullRefreshEvent {
	return &FullRefreshEvent{}
}

// EventVisitor 按照事件类型分派，每一种事件对应一个方法
type EventVisitor[R any] interface {
	SessionStarted(ev *SessionStartedEvent) R
	Shutdown(ev *ShutdownEvent) R
	Started(ev *StartedEvent) R
	Exited(ev *ExitedEvent) R
	Resumed(ev *ResumedEvent) R
	Suspended(ev *SuspendedEvent) R
	ContainerLayoutChanged(ev *ContainerLayoutChangedEvent) R
	FocusChanged(ev *FocusChangedEvent) R
	PreferenceChanged(ev *PreferenceChangedEvent) R
	TracingChanged(ev *TracingChangedEvent) R
	VisualizationModeChanged(ev *VisualizationModeChangedEvent) R
	SteppingTimedOut(ev *SteppingTimedOutEvent) R
	ExpandStack(ev *ExpandStackEvent) R
	ModelProxyInstalled(ev *ModelProxyInstalledEvent) R
	FullRefresh(ev *FullRefreshEvent) R
}

// VisitEvent 把事件分派给visitor对应的方法
func VisitEvent[R any](ev Event, visitor EventVisitor[R]) R {
	switch ev := ev.(type) {
	case *SessionStartedEvent:
		return visitor.SessionStarted(ev)
	case *ShutdownEvent:
		return visitor.Shutdown(ev)
	case *StartedEvent:
		return visitor.Started(ev)
	case *ExitedEvent:
		return visitor.Exited(ev)
	case *ResumedEvent:
		return visitor.Resumed(ev)
	case *SuspendedEvent:
		return visitor.Suspended(ev)
	case *ContainerLayoutChangedEvent:
		return visitor.ContainerLayoutChanged(ev)
	case *FocusChangedEvent:
		return visitor.FocusChanged(ev)
	case *PreferenceChangedEvent:
		return visitor.PreferenceChanged(ev)
	case *TracingChangedEvent:
		return visitor.TracingChanged(ev)
	case *VisualizationModeChangedEvent:
		return visitor.VisualizationModeChanged(ev)
	case *SteppingTimedOutEvent:
		return visitor.SteppingTimedOut(ev)
	case *ExpandStackEvent:
		return visitor.ExpandStack(ev)
	case *ModelProxyInstalledEvent:
		return visitor.ModelProxyInstalled(ev)
	case *FullRefreshEvent:
		return visitor.FullRefresh(ev)
	}
	panic(fmt.Sprintf("unknown event type %T", ev))
}

// IsLifecycleEvent 会话生命周期事件，任何情况下都不能被合并丢弃
func IsLifecycleEvent(ev Event) bool {
	switch ev.(type) {
	case *SessionStartedEvent, *ShutdownEvent:
		return true
	}
	return false
}

// EventName 用于日志的事件名称：事件类型，有对象时附带对象的key
func EventName(ev Event) string {
	name := VisitEvent[string](ev, eventNames{})
	if ctx := ev.Context(); ctx != nil {
		return fmt.Sprintf("%s[%s]", name, ctx.Key())
	}
	return name
}

type eventNames struct{}

func (eventNames) SessionStarted(*SessionStartedEvent) string { return "SessionStarted" }
func (eventNames) Shutdown(*ShutdownEvent) string             { return "Shutdown" }
func (eventNames) Started(*StartedEvent) string               { return "Started" }
func (eventNames) Exited(*ExitedEvent) string                 { return "Exited" }
func (eventNames) Resumed(*ResumedEvent) string               { return "Resumed" }
func (eventNames) Suspended(*SuspendedEvent) string           { return "Suspended" }
func (eventNames) ContainerLayoutChanged(*ContainerLayoutChangedEvent) string {
	return "ContainerLayoutChanged"
}
func (eventNames) FocusChanged(*FocusChangedEvent) string           { return "FocusChanged" }
func (eventNames) PreferenceChanged(*PreferenceChangedEvent) string { return "PreferenceChanged" }
func (eventNames) TracingChanged(*TracingChangedEvent) string       { return "TracingChanged" }
func (eventNames) VisualizationModeChanged(*VisualizationModeChangedEvent) string {
	return "VisualizationModeChanged"
}
func (eventNames) SteppingTimedOut(*SteppingTimedOutEvent) string { return "SteppingTimedOut" }
func (eventNames) ExpandStack(*ExpandStackEvent) string           { return "ExpandStack" }
func (eventNames) ModelProxyInstalled(*ModelProxyInstalledEvent) string {
	return "ModelProxyInstalled"
}
func (eventNames) FullRefresh(*FullRefreshEvent) string { return "FullRefresh" }
