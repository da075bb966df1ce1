package viewmodel

import (
	"fmt"

	"github.com/fansqz/go-dsf/concurrent"
	"github.com/fansqz/go-dsf/constants"
	"github.com/fansqz/go-dsf/datamodel"
	"github.com/fansqz/go-dsf/service"
	"github.com/sirupsen/logrus"
)

// ContainerNode 进程节点
type ContainerNode struct {
	nodeSupport
}

func newContainerNode(provider *Provider) *ContainerNode {
	return &ContainerNode{nodeSupport{provider}}
}

func (n *ContainerNode) Name() string {
	return "container"
}

func (n *ContainerNode) UpdateChildren(path TreePath, rm *concurrent.DataRequestMonitor[[]Element]) {
	listRm := concurrent.NewDataRequestMonitor[[]*datamodel.Context](n.executor(), rm)
	listRm.OnSuccess(func() {
		rm.Succeed(elementsOf(listRm.Data()))
	})
	n.listChildren(nil, datamodel.KindProcess, listRm)
}

func (n *ContainerNode) UpdateProperties(path TreePath, props []string, rm *concurrent.DataRequestMonitor[*PropertiesResult]) {
	process := path.Last().Context()
	f := newPropertyFanOut(n.executor(), props, rm)
	f.set(constants.PropPinned, n.provider.IsPinned(process))
	if f.wants(constants.PropState) {
		if state, err := n.runState(process); err != nil {
			f.fail(err, constants.PropState)
		} else {
			f.set(constants.PropState, state)
		}
	}
	if f.wants(constants.PropName, constants.PropID, constants.PropExitCode, constants.PropLabel, constants.PropState) {
		fetchProperties(f, []string{constants.PropName, constants.PropID, constants.PropExitCode, constants.PropLabel},
			func(rm *concurrent.DataRequestMonitor[*service.EntityData]) {
				n.entityData(process, rm)
			},
			func(data *service.EntityData) {
				f.set(constants.PropName, data.Name)
				f.set(constants.PropID, data.ID)
				label := fmt.Sprintf("%s [%s]", data.Name, data.ID)
				if data.ExitCode != nil {
					f.set(constants.PropExitCode, *data.ExitCode)
					f.set(constants.PropState, constants.StateExited)
					label = fmt.Sprintf("<terminated, exit value: %d>%s", *data.ExitCode, label)
				}
				f.set(constants.PropLabel, label)
			})
	}
	if f.wants(constants.PropThreadSummary) {
		fetchProperties(f, []string{constants.PropThreadSummary},
			func(rm *concurrent.DataRequestMonitor[ThreadSummary]) {
				n.threadSummary(process, rm)
			},
			func(summary ThreadSummary) {
				f.set(constants.PropThreadSummary, summary)
			})
	}
	f.finish()
}

// threadSummary 统计进程中的线程数量以及暂停的线程数量，线程组中的线程也会统计
func (n *ContainerNode) threadSummary(process *datamodel.Context, rm *concurrent.DataRequestMonitor[ThreadSummary]) {
	runControl, err := n.runControl()
	if err != nil {
		logrus.Warnf("[ContainerNode] thread summary of %s fail, err = %v", process, err)
		concurrent.Fail(rm, err)
		return
	}
	query, err := n.query()
	if err != nil {
		concurrent.Fail(rm, err)
		return
	}
	var summary ThreadSummary
	count := func(threads []*datamodel.Context) {
		for _, thread := range threads {
			if thread.Kind() != datamodel.KindThread {
				continue
			}
			summary.Total++
			if runControl.IsSuspended(thread) {
				summary.Suspended++
			}
		}
	}
	listRm := concurrent.NewDataRequestMonitor[[]*datamodel.Context](n.executor(), rm)
	listRm.OnSuccess(func() {
		crm := concurrent.NewCountingRequestMonitor(n.executor(), rm)
		crm.OnSuccess(func() {
			rm.Succeed(summary)
		})
		groups := 0
		for _, child := range listRm.Data() {
			if child.Kind() != datamodel.KindGroup {
				continue
			}
			groupRm := concurrent.NewDataRequestMonitor[[]*datamodel.Context](n.executor(), crm)
			groupRm.OnSuccess(func() {
				count(groupRm.Data())
				crm.Done()
			})
			query.ListChildren(child, groupRm)
			groups++
		}
		count(listRm.Data())
		_ = crm.SetDoneCount(groups)
	})
	query.ListChildren(process, listRm)
}

func (n *ContainerNode) DeltaFlags(ev service.Event) Flags {
	return service.VisitEvent[Flags](ev, containerFlags{})
}

func (n *ContainerNode) ContextsForEvent(parentDelta *Delta, ev service.Event, rm *concurrent.DataRequestMonitor[[]Element]) {
	contextsForEvent(parentDelta, ev, datamodel.KindProcess, rm)
}

func (n *ContainerNode) BuildDelta(ev service.Event, parentDelta *Delta, nodeOffset int, rm *concurrent.RequestMonitor) {
	process := datamodel.AncestorOfKind(ev.Context(), datamodel.KindProcess)
	switch ev.(type) {
	case *service.SessionStartedEvent, *service.ShutdownEvent, *service.FullRefreshEvent:
		parentDelta.AddFlags(Content)
	case *service.StartedEvent, *service.ExitedEvent:
		if ev.Context().Kind() == datamodel.KindProcess {
			parentDelta.AddFlags(Content)
		}
	case *service.ContainerLayoutChangedEvent:
		if process != nil {
			parentDelta.AddNode(NewElement(process), -1, Content)
		}
	case *service.ResumedEvent, *service.SuspendedEvent, *service.TracingChangedEvent, *service.VisualizationModeChangedEvent:
		if process != nil {
			parentDelta.AddNode(NewElement(process), -1, State)
			break
		}
		n.eachContainer(nodeOffset, rm, func(index int, element Element) bool {
			parentDelta.AddNode(element, index, State)
			return true
		})
		return
	case *service.ModelProxyInstalledEvent:
		n.eachContainer(nodeOffset, rm, func(index int, element Element) bool {
			parentDelta.AddNode(element, index, Expand)
			return false
		})
		return
	}
	rm.Done()
}

// eachContainer 依次访问所有进程元素，fn返回false时停止
func (n *ContainerNode) eachContainer(nodeOffset int, rm *concurrent.RequestMonitor, fn func(index int, element Element) bool) {
	listRm := concurrent.NewDataRequestMonitor[[]Element](n.executor(), rm)
	listRm.OnSuccess(func() {
		for i, element := range listRm.Data() {
			if !fn(elementIndex(nodeOffset, i), element) {
				break
			}
		}
		rm.Done()
	})
	n.UpdateChildren(RootPath(), listRm)
}

func elementIndex(nodeOffset int, i int) int {
	if nodeOffset < 0 {
		return -1
	}
	return nodeOffset + i
}

type containerFlags struct{}

func (containerFlags) SessionStarted(*service.SessionStartedEvent) Flags { return Content }
func (containerFlags) Shutdown(*service.ShutdownEvent) Flags             { return Content }
func (containerFlags) Started(ev *service.StartedEvent) Flags {
	return kindOnly(ev.Context(), datamodel.KindProcess, Content)
}
func (containerFlags) Exited(ev *service.ExitedEvent) Flags {
	return kindOnly(ev.Context(), datamodel.KindProcess, Content)
}
func (containerFlags) Resumed(*service.ResumedEvent) Flags     { return State }
func (containerFlags) Suspended(*service.SuspendedEvent) Flags { return State }
func (containerFlags) ContainerLayoutChanged(*service.ContainerLayoutChangedEvent) Flags {
	return Content
}
func (containerFlags) FocusChanged(*service.FocusChangedEvent) Flags           { return NoChange }
func (containerFlags) PreferenceChanged(*service.PreferenceChangedEvent) Flags { return NoChange }
func (containerFlags) TracingChanged(*service.TracingChangedEvent) Flags       { return State }
func (containerFlags) VisualizationModeChanged(*service.VisualizationModeChangedEvent) Flags {
	return State
}
func (containerFlags) SteppingTimedOut(*service.SteppingTimedOutEvent) Flags       { return NoChange }
func (containerFlags) ExpandStack(*service.ExpandStackEvent) Flags                 { return NoChange }
func (containerFlags) ModelProxyInstalled(*service.ModelProxyInstalledEvent) Flags { return Expand }
func (containerFlags) FullRefresh(*service.FullRefreshEvent) Flags                 { return Content }
