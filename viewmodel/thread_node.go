package viewmodel

import (
	"fmt"
	"strings"

	"github.com/fansqz/go-dsf/concurrent"
	"github.com/fansqz/go-dsf/constants"
	"github.com/fansqz/go-dsf/datamodel"
	"github.com/fansqz/go-dsf/service"
	"github.com/fansqz/go-dsf/utils"
	"github.com/sirupsen/logrus"
)

// ThreadNode 线程节点，线程可以位于进程或者线程组下
//
// 开启隐藏运行中线程以后，线程恢复或暂停不会只刷新线程自身的状态，
// 而是让父元素重新获取子元素，由父元素重新过滤。
type ThreadNode struct {
	nodeSupport
}

func newThreadNode(provider *Provider) *ThreadNode {
	return &ThreadNode{nodeSupport{provider}}
}

func (n *ThreadNode) Name() string {
	return "thread"
}

func (n *ThreadNode) hideRunning() bool {
	return n.provider.prefs.HideRunningThreads()
}

func (n *ThreadNode) UpdateChildren(path TreePath, rm *concurrent.DataRequestMonitor[[]Element]) {
	listRm := concurrent.NewDataRequestMonitor[[]*datamodel.Context](n.executor(), rm)
	listRm.OnSuccess(func() {
		threads := listRm.Data()
		if n.hideRunning() {
			runControl, err := n.runControl()
			if err != nil {
				logrus.Warnf("[ThreadNode] hide running threads of %s fail, err = %v", path.Last(), err)
			} else {
				threads = utils.FilterList(threads, runControl.IsSuspended)
			}
		}
		rm.Succeed(elementsOf(threads))
	})
	n.listChildren(path.Last().Context(), datamodel.KindThread, listRm)
}

func (n *ThreadNode) UpdateProperties(path TreePath, props []string, rm *concurrent.DataRequestMonitor[*PropertiesResult]) {
	thread := path.Last().Context()
	f := newPropertyFanOut(n.executor(), props, rm)
	f.set(constants.PropPinned, n.provider.IsPinned(thread))
	state, stateErr := n.runState(thread)
	if stateErr != nil {
		f.fail(stateErr, constants.PropState)
	} else {
		f.set(constants.PropState, state)
	}
	if f.wants(constants.PropName, constants.PropID, constants.PropCores, constants.PropLabel) {
		fetchProperties(f, []string{constants.PropName, constants.PropID, constants.PropCores, constants.PropLabel},
			func(rm *concurrent.DataRequestMonitor[*service.EntityData]) {
				n.entityData(thread, rm)
			},
			func(data *service.EntityData) {
				f.set(constants.PropName, data.Name)
				f.set(constants.PropID, data.ID)
				f.set(constants.PropCores, data.Cores)
				f.set(constants.PropLabel, threadLabel(data, state))
			})
	}
	f.finish()
}

func threadLabel(data *service.EntityData, state string) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "Thread #%s", data.ID)
	if data.Name != "" {
		fmt.Fprintf(&builder, " %s", data.Name)
	}
	if len(data.Cores) > 0 {
		cores := make([]string, len(data.Cores))
		for i, core := range data.Cores {
			cores[i] = fmt.Sprint(core)
		}
		fmt.Fprintf(&builder, " [core: %s]", strings.Join(cores, ","))
	}
	if state != "" {
		fmt.Fprintf(&builder, " (%s)", state)
	}
	return builder.String()
}

func (n *ThreadNode) DeltaFlags(ev service.Event) Flags {
	return service.VisitEvent[Flags](ev, threadFlags{n})
}

func (n *ThreadNode) ContextsForEvent(parentDelta *Delta, ev service.Event, rm *concurrent.DataRequestMonitor[[]Element]) {
	contextsForEvent(parentDelta, ev, datamodel.KindThread, rm)
}

func (n *ThreadNode) BuildDelta(ev service.Event, parentDelta *Delta, nodeOffset int, rm *concurrent.RequestMonitor) {
	parent := parentDelta.Element().Context()
	target := ev.Context()
	thread := datamodel.AncestorOfKind(target, datamodel.KindThread)
	switch ev := ev.(type) {
	case *service.SessionStartedEvent, *service.ShutdownEvent, *service.FullRefreshEvent:
		parentDelta.AddFlags(Content)
	case *service.StartedEvent, *service.ExitedEvent:
		if target.Kind() == datamodel.KindThread && parent.Equal(target.Parent()) {
			parentDelta.AddFlags(Content)
		}
	case *service.ResumedEvent, *service.SuspendedEvent:
		coversParent := target != nil && target.Covers(parent)
		if n.hideRunning() {
			if coversParent || (thread != nil && parent.Equal(thread.Parent())) {
				parentDelta.AddFlags(Content)
			}
			break
		}
		if thread != nil {
			if parent.Equal(thread.Parent()) {
				parentDelta.AddNode(NewElement(thread), -1, State)
			}
			break
		}
		if coversParent {
			n.eachThread(parentDelta, nodeOffset, rm, func(index int, element Element) bool {
				parentDelta.AddNode(element, index, State)
				return true
			})
			return
		}
	case *service.FocusChangedEvent:
		if target.Kind() == datamodel.KindThread && parent.Equal(target.Parent()) {
			n.selectThread(target, parentDelta, nodeOffset, true, rm)
			return
		}
	case *service.PreferenceChangedEvent:
		if ev.Key == constants.PrefHideRunningThreads {
			parentDelta.AddFlags(Content)
		}
	case *service.ModelProxyInstalledEvent:
		n.expandFirstSuspended(parentDelta, nodeOffset, rm)
		return
	}
	rm.Done()
}

// selectThread 在父元素的子元素中找到线程的位置并选中
// 线程不在已经获取的列表中时，清空父元素的子元素缓存重新获取一次；依然找不到就让父元素刷新
func (n *ThreadNode) selectThread(thread *datamodel.Context, parentDelta *Delta, nodeOffset int, refetch bool, rm *concurrent.RequestMonitor) {
	listRm := concurrent.NewDataRequestMonitor[[]Element](n.executor(), rm)
	listRm.OnSuccess(func() {
		element := NewElement(thread)
		if index := indexOf(listRm.Data(), element); index >= 0 {
			parentDelta.AddNode(element, elementIndex(nodeOffset, index), Select|Force)
			rm.Done()
			return
		}
		if refetch {
			if query, err := n.query(); err == nil {
				logrus.Debugf("[ThreadNode] %s not in children of %s, fetching again", thread, thread.Parent())
				query.FlushChildren(thread.Parent())
			}
			n.selectThread(thread, parentDelta, nodeOffset, false, rm)
			return
		}
		parentDelta.AddFlags(Content)
		rm.Done()
	})
	n.UpdateChildren(parentDelta.Path(), listRm)
}

func (n *ThreadNode) expandFirstSuspended(parentDelta *Delta, nodeOffset int, rm *concurrent.RequestMonitor) {
	runControl, err := n.runControl()
	if err != nil {
		rm.Done()
		return
	}
	n.eachThread(parentDelta, nodeOffset, rm, func(index int, element Element) bool {
		if runControl.IsSuspended(element.Context()) {
			parentDelta.AddNode(element, index, Expand)
			return false
		}
		return true
	})
}

// eachThread 依次访问parentDelta下的线程元素，fn返回false时停止
func (n *ThreadNode) eachThread(parentDelta *Delta, nodeOffset int, rm *concurrent.RequestMonitor, fn func(index int, element Element) bool) {
	listRm := concurrent.NewDataRequestMonitor[[]Element](n.executor(), rm)
	listRm.OnSuccess(func() {
		for i, element := range listRm.Data() {
			if !fn(elementIndex(nodeOffset, i), element) {
				break
			}
		}
		rm.Done()
	})
	n.UpdateChildren(parentDelta.Path(), listRm)
}

type threadFlags struct {
	node *ThreadNode
}

func (threadFlags) SessionStarted(*service.SessionStartedEvent) Flags { return Content }
func (threadFlags) Shutdown(*service.ShutdownEvent) Flags             { return Content }
func (threadFlags) Started(ev *service.StartedEvent) Flags {
	return kindOnly(ev.Context(), datamodel.KindThread, Content)
}
func (threadFlags) Exited(ev *service.ExitedEvent) Flags {
	return kindOnly(ev.Context(), datamodel.KindThread, Content)
}
func (f threadFlags) Resumed(*service.ResumedEvent) Flags {
	return f.runStateFlags()
}
func (f threadFlags) Suspended(*service.SuspendedEvent) Flags {
	return f.runStateFlags()
}
func (f threadFlags) runStateFlags() Flags {
	if f.node.hideRunning() {
		return State | Content
	}
	return State
}
func (threadFlags) ContainerLayoutChanged(*service.ContainerLayoutChangedEvent) Flags {
	return NoChange
}
func (threadFlags) FocusChanged(ev *service.FocusChangedEvent) Flags {
	return kindOnly(ev.Context(), datamodel.KindThread, Select|Force)
}
func (threadFlags) PreferenceChanged(ev *service.PreferenceChangedEvent) Flags {
	if ev.Key == constants.PrefHideRunningThreads {
		return Content
	}
	return NoChange
}
func (threadFlags) TracingChanged(*service.TracingChangedEvent) Flags { return NoChange }
func (threadFlags) VisualizationModeChanged(*service.VisualizationModeChangedEvent) Flags {
	return NoChange
}
func (threadFlags) SteppingTimedOut(*service.SteppingTimedOutEvent) Flags       { return NoChange }
func (threadFlags) ExpandStack(*service.ExpandStackEvent) Flags                 { return NoChange }
func (threadFlags) ModelProxyInstalled(*service.ModelProxyInstalledEvent) Flags { return Expand }
func (threadFlags) FullRefresh(*service.FullRefreshEvent) Flags                 { return Content }
