package viewmodel

import (
	"fmt"

	"github.com/fansqz/go-dsf/concurrent"
	"github.com/fansqz/go-dsf/constants"
	"github.com/fansqz/go-dsf/datamodel"
	"github.com/fansqz/go-dsf/service"
)

// StackFramesNode 栈帧节点
//
// 栈帧数量超过限制时在最后追加一个不完整栈元素，展开以后限制翻倍。
// 线程单步执行期间继续显示暂停时的栈帧，直到单步超时。
type StackFramesNode struct {
	nodeSupport
}

func newStackFramesNode(provider *Provider) *StackFramesNode {
	return &StackFramesNode{nodeSupport{provider}}
}

func (n *StackFramesNode) Name() string {
	return "stackFrames"
}

func (n *StackFramesNode) UpdateChildren(path TreePath, rm *concurrent.DataRequestMonitor[[]Element]) {
	thread := path.Last().Context()
	runControl, err := n.runControl()
	if err != nil {
		concurrent.Fail(rm, err)
		return
	}
	if !runControl.IsSuspended(thread) {
		rm.Succeed(n.steppingFrames(thread, runControl))
		return
	}
	listRm := concurrent.NewDataRequestMonitor[[]*datamodel.Context](n.executor(), rm)
	listRm.OnSuccess(func() {
		rm.Succeed(n.limitFrames(thread, listRm.Data()))
	})
	n.listChildren(thread, datamodel.KindFrame, listRm)
}

// steppingFrames 单步执行并且没有超时的线程返回上次暂停时的栈帧，其他运行中的线程没有栈帧
func (n *StackFramesNode) steppingFrames(thread *datamodel.Context, runControl service.RunControl) []Element {
	if !runControl.IsStepping(thread) || n.steppingTimedOut(thread) {
		return nil
	}
	query, err := n.query()
	if err != nil {
		return nil
	}
	children, _, ok := query.Archived(thread)
	if !ok {
		return nil
	}
	var frames []*datamodel.Context
	for _, child := range children {
		if child.Kind() == datamodel.KindFrame {
			frames = append(frames, child)
		}
	}
	return n.limitFrames(thread, frames)
}

func (n *StackFramesNode) steppingTimedOut(thread *datamodel.Context) bool {
	monitor, ok := service.GetService[*service.SteppingTimeoutMonitor](n.provider.session)
	return ok && monitor.IsTimedOut(thread)
}

func (n *StackFramesNode) limitFrames(thread *datamodel.Context, frames []*datamodel.Context) []Element {
	limit := n.provider.frameLimit(thread)
	if limit <= 0 || len(frames) <= limit {
		return elementsOf(frames)
	}
	return append(elementsOf(frames[:limit]), newIncompleteStack(thread))
}

func (n *StackFramesNode) UpdateProperties(path TreePath, props []string, rm *concurrent.DataRequestMonitor[*PropertiesResult]) {
	element := path.Last()
	f := newPropertyFanOut(n.executor(), props, rm)
	if element.IsIncompleteStack() {
		f.set(constants.PropLabel, IncompleteStackLabel)
		f.finish()
		return
	}
	frame := element.Context()
	frameProps := []string{constants.PropFunction, constants.PropFile, constants.PropLine, constants.PropAddress, constants.PropLabel}
	if f.wants(frameProps...) {
		fetchProperties(f, frameProps,
			func(rm *concurrent.DataRequestMonitor[*service.EntityData]) {
				n.frameData(frame, rm)
			},
			func(data *service.EntityData) {
				f.set(constants.PropFunction, data.Function)
				f.set(constants.PropFile, data.File)
				f.set(constants.PropLine, data.Line)
				f.set(constants.PropAddress, data.Address)
				f.set(constants.PropLabel, frameLabel(data))
			})
	}
	f.finish()
}

// frameData 线程不处于暂停状态时使用归档的栈帧数据
func (n *StackFramesNode) frameData(frame *datamodel.Context, rm *concurrent.DataRequestMonitor[*service.EntityData]) {
	if runControl, err := n.runControl(); err == nil && !runControl.IsSuspended(frame.Parent()) {
		if query, err := n.query(); err == nil {
			if _, data, ok := query.Archived(frame); ok && data != nil {
				rm.Succeed(data)
				return
			}
		}
	}
	n.entityData(frame, rm)
}

func frameLabel(data *service.EntityData) string {
	if data.File == "" {
		return fmt.Sprintf("%s() %s", data.Function, data.Address)
	}
	return fmt.Sprintf("%s() at %s:%d %s", data.Function, data.File, data.Line, data.Address)
}

func (n *StackFramesNode) DeltaFlags(ev service.Event) Flags {
	return service.VisitEvent[Flags](ev, stackFramesFlags{})
}

func (n *StackFramesNode) ContextsForEvent(parentDelta *Delta, ev service.Event, rm *concurrent.DataRequestMonitor[[]Element]) {
	rm.Succeed(nil)
}

func (n *StackFramesNode) BuildDelta(ev service.Event, parentDelta *Delta, nodeOffset int, rm *concurrent.RequestMonitor) {
	parent := parentDelta.Element().Context()
	target := ev.Context()
	switch ev := ev.(type) {
	case *service.SessionStartedEvent, *service.ShutdownEvent, *service.FullRefreshEvent:
		parentDelta.AddFlags(Content)
	case *service.SuspendedEvent:
		if parent.Kind() == datamodel.KindThread && parent.Equal(ev.Triggering) {
			parentDelta.AddFlags(Content | Expand)
			n.selectTopFrame(parentDelta, nodeOffset, Select|State, rm)
			return
		}
		if related(parent, target) {
			parentDelta.AddFlags(Content)
		}
	case *service.ResumedEvent:
		if ev.Reason != service.ReasonStep && related(parent, target) {
			parentDelta.AddFlags(Content)
		}
	case *service.FocusChangedEvent:
		if target.Kind() == datamodel.KindFrame && parent.Equal(target.Parent()) {
			n.selectFrame(target, parentDelta, nodeOffset)
		}
	case *service.PreferenceChangedEvent:
		if isFrameLimitKey(ev.Key) {
			parentDelta.AddFlags(Content)
		}
	case *service.SteppingTimedOutEvent, *service.ExpandStackEvent:
		if related(parent, target) {
			parentDelta.AddFlags(Content)
		}
	case *service.ModelProxyInstalledEvent:
		if parent.Kind() == datamodel.KindThread && parentDelta.Flags().Has(Expand) {
			n.selectTopFrame(parentDelta, nodeOffset, Select, rm)
			return
		}
	}
	rm.Done()
}

// selectTopFrame 获取线程的栈帧，给栈顶添加flags
func (n *StackFramesNode) selectTopFrame(parentDelta *Delta, nodeOffset int, flags Flags, rm *concurrent.RequestMonitor) {
	listRm := concurrent.NewDataRequestMonitor[[]Element](n.executor(), rm)
	listRm.OnCompleted(func() {
		if listRm.Err() == nil && len(listRm.Data()) > 0 && !listRm.Data()[0].IsIncompleteStack() {
			parentDelta.AddNode(listRm.Data()[0], elementIndex(nodeOffset, 0), flags)
		}
		rm.Done()
	})
	n.UpdateChildren(parentDelta.Path(), listRm)
}

// selectFrame 选中栈帧，栈帧超出当前显示的数量时扩大限制并刷新线程
func (n *StackFramesNode) selectFrame(frame *datamodel.Context, parentDelta *Delta, nodeOffset int) {
	level := frame.IntID()
	if limit := n.provider.frameLimit(frame.Parent()); limit > 0 && level >= limit {
		n.provider.raiseFrameLimit(frame.Parent(), level+1)
		parentDelta.AddFlags(Content)
		return
	}
	parentDelta.AddNode(NewElement(frame), elementIndex(nodeOffset, level), Select|Force)
}

func isFrameLimitKey(key string) bool {
	return key == constants.PrefStackFrameLimit || key == constants.PrefStackFrameLimitEnable
}

type stackFramesFlags struct{}

func (stackFramesFlags) SessionStarted(*service.SessionStartedEvent) Flags { return Content }
func (stackFramesFlags) Shutdown(*service.ShutdownEvent) Flags             { return Content }
func (stackFramesFlags) Started(*service.StartedEvent) Flags               { return NoChange }
func (stackFramesFlags) Exited(*service.ExitedEvent) Flags                 { return NoChange }
func (stackFramesFlags) Resumed(ev *service.ResumedEvent) Flags {
	if ev.Reason == service.ReasonStep {
		return NoChange
	}
	return Content
}
func (stackFramesFlags) Suspended(*service.SuspendedEvent) Flags {
	return Content | Expand | Select
}
func (stackFramesFlags) ContainerLayoutChanged(*service.ContainerLayoutChangedEvent) Flags {
	return NoChange
}
func (stackFramesFlags) FocusChanged(ev *service.FocusChangedEvent) Flags {
	return kindOnly(ev.Context(), datamodel.KindFrame, Select|Force)
}
func (stackFramesFlags) PreferenceChanged(ev *service.PreferenceChangedEvent) Flags {
	if isFrameLimitKey(ev.Key) {
		return Content
	}
	return NoChange
}
func (stackFramesFlags) TracingChanged(*service.TracingChangedEvent) Flags { return NoChange }
func (stackFramesFlags) VisualizationModeChanged(*service.VisualizationModeChangedEvent) Flags {
	return NoChange
}
func (stackFramesFlags) SteppingTimedOut(*service.SteppingTimedOutEvent) Flags { return Content }
func (stackFramesFlags) ExpandStack(*service.ExpandStackEvent) Flags           { return Content }
func (stackFramesFlags) ModelProxyInstalled(*service.ModelProxyInstalledEvent) Flags {
	return Select | Expand
}
func (stackFramesFlags) FullRefresh(*service.FullRefreshEvent) Flags { return Content }
