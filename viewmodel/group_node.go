package viewmodel

import (
	"fmt"

	"github.com/fansqz/go-dsf/concurrent"
	"github.com/fansqz/go-dsf/constants"
	"github.com/fansqz/go-dsf/datamodel"
	"github.com/fansqz/go-dsf/service"
)

// GroupNode 线程组节点，线程组只出现在进程下
type GroupNode struct {
	nodeSupport
}

func newGroupNode(provider *Provider) *GroupNode {
	return &GroupNode{nodeSupport{provider}}
}

func (n *GroupNode) Name() string {
	return "group"
}

func (n *GroupNode) UpdateChildren(path TreePath, rm *concurrent.DataRequestMonitor[[]Element]) {
	listRm := concurrent.NewDataRequestMonitor[[]*datamodel.Context](n.executor(), rm)
	listRm.OnSuccess(func() {
		rm.Succeed(elementsOf(listRm.Data()))
	})
	n.listChildren(path.Last().Context(), datamodel.KindGroup, listRm)
}

func (n *GroupNode) UpdateProperties(path TreePath, props []string, rm *concurrent.DataRequestMonitor[*PropertiesResult]) {
	group := path.Last().Context()
	f := newPropertyFanOut(n.executor(), props, rm)
	f.set(constants.PropPinned, n.provider.IsPinned(group))
	if f.wants(constants.PropState) {
		if state, err := n.runState(group); err != nil {
			f.fail(err, constants.PropState)
		} else {
			f.set(constants.PropState, state)
		}
	}
	if f.wants(constants.PropName, constants.PropID, constants.PropLabel) {
		fetchProperties(f, []string{constants.PropName, constants.PropID, constants.PropLabel},
			func(rm *concurrent.DataRequestMonitor[*service.EntityData]) {
				n.entityData(group, rm)
			},
			func(data *service.EntityData) {
				f.set(constants.PropName, data.Name)
				f.set(constants.PropID, data.ID)
				f.set(constants.PropLabel, fmt.Sprintf("Group %s [%s]", data.Name, data.ID))
			})
	}
	f.finish()
}

func (n *GroupNode) DeltaFlags(ev service.Event) Flags {
	return service.VisitEvent[Flags](ev, groupFlags{})
}

func (n *GroupNode) ContextsForEvent(parentDelta *Delta, ev service.Event, rm *concurrent.DataRequestMonitor[[]Element]) {
	contextsForEvent(parentDelta, ev, datamodel.KindGroup, rm)
}

func (n *GroupNode) BuildDelta(ev service.Event, parentDelta *Delta, nodeOffset int, rm *concurrent.RequestMonitor) {
	parent := parentDelta.Element().Context()
	switch ev.(type) {
	case *service.SessionStartedEvent, *service.ShutdownEvent, *service.FullRefreshEvent:
		parentDelta.AddFlags(Content)
	case *service.StartedEvent, *service.ExitedEvent:
		group := ev.Context().Parent()
		if group.Kind() == datamodel.KindGroup && parent.Covers(group) {
			parentDelta.AddNode(NewElement(group), -1, Content)
		}
	case *service.ContainerLayoutChangedEvent:
		if ev.Context().Covers(parent) || parent.IsAncestorOf(ev.Context()) {
			parentDelta.AddFlags(Content)
		}
	case *service.TracingChangedEvent, *service.VisualizationModeChangedEvent:
		if parent.Kind() != datamodel.KindProcess {
			// 增量只建到了祖先，直接刷新祖先的状态
			parentDelta.AddFlags(State)
			break
		}
		listRm := concurrent.NewDataRequestMonitor[[]Element](n.executor(), rm)
		listRm.OnSuccess(func() {
			for i, element := range listRm.Data() {
				parentDelta.AddNode(element, elementIndex(nodeOffset, i), State)
			}
			rm.Done()
		})
		n.UpdateChildren(parentDelta.Path(), listRm)
		return
	}
	rm.Done()
}

type groupFlags struct{}

func (groupFlags) SessionStarted(*service.SessionStartedEvent) Flags { return Content }
func (groupFlags) Shutdown(*service.ShutdownEvent) Flags             { return Content }
func (groupFlags) Started(ev *service.StartedEvent) Flags {
	return inGroupOnly(ev.Context())
}
func (groupFlags) Exited(ev *service.ExitedEvent) Flags {
	return inGroupOnly(ev.Context())
}
func (groupFlags) Resumed(*service.ResumedEvent) Flags     { return NoChange }
func (groupFlags) Suspended(*service.SuspendedEvent) Flags { return NoChange }
func (groupFlags) ContainerLayoutChanged(*service.ContainerLayoutChangedEvent) Flags {
	return Content
}
func (groupFlags) FocusChanged(*service.FocusChangedEvent) Flags           { return NoChange }
func (groupFlags) PreferenceChanged(*service.PreferenceChangedEvent) Flags { return NoChange }
func (groupFlags) TracingChanged(*service.TracingChangedEvent) Flags       { return State }
func (groupFlags) VisualizationModeChanged(*service.VisualizationModeChangedEvent) Flags {
	return State
}
func (groupFlags) SteppingTimedOut(*service.SteppingTimedOutEvent) Flags       { return NoChange }
func (groupFlags) ExpandStack(*service.ExpandStackEvent) Flags                 { return NoChange }
func (groupFlags) ModelProxyInstalled(*service.ModelProxyInstalledEvent) Flags { return NoChange }
func (groupFlags) FullRefresh(*service.FullRefreshEvent) Flags                 { return Content }

// inGroupOnly 线程启动或退出时，只有线程属于某个线程组才会影响线程组的子元素
func inGroupOnly(ctx *datamodel.Context) Flags {
	if ctx.Kind() == datamodel.KindThread && ctx.Parent().Kind() == datamodel.KindGroup {
		return Content
	}
	return NoChange
}
