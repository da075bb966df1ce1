package viewmodel

import (
	"github.com/fansqz/go-dsf/concurrent"
	"github.com/fansqz/go-dsf/constants"
	e "github.com/fansqz/go-dsf/error"
	"github.com/fansqz/go-dsf/service"
)

// RootNode 视图的根，根元素的子元素由它的子节点提供
type RootNode struct {
	nodeSupport
}

func newRootNode(provider *Provider) *RootNode {
	return &RootNode{nodeSupport{provider}}
}

func (n *RootNode) Name() string {
	return "root"
}

func (n *RootNode) UpdateChildren(path TreePath, rm *concurrent.DataRequestMonitor[[]Element]) {
	concurrent.Fail(rm, e.ErrNotSupported)
}

func (n *RootNode) UpdateProperties(path TreePath, props []string, rm *concurrent.DataRequestMonitor[*PropertiesResult]) {
	f := newPropertyFanOut(n.executor(), props, rm)
	f.set(constants.PropName, n.provider.session.Name())
	f.set(constants.PropID, n.provider.session.ID())
	f.set(constants.PropLabel, n.provider.session.Name())
	f.finish()
}

func (n *RootNode) DeltaFlags(ev service.Event) Flags {
	return service.VisitEvent[Flags](ev, rootFlags{})
}

func (n *RootNode) ContextsForEvent(parentDelta *Delta, ev service.Event, rm *concurrent.DataRequestMonitor[[]Element]) {
	concurrent.Fail(rm, e.ErrNotSupported)
}

func (n *RootNode) BuildDelta(ev service.Event, parentDelta *Delta, nodeOffset int, rm *concurrent.RequestMonitor) {
	rm.Done()
}

// rootFlags 会话级别的事件刷新整棵树
type rootFlags struct{}

func (rootFlags) SessionStarted(*service.SessionStartedEvent) Flags { return Content }
func (rootFlags) Shutdown(*service.ShutdownEvent) Flags             { return Content }
func (rootFlags) Started(*service.StartedEvent) Flags               { return NoChange }
func (rootFlags) Exited(*service.ExitedEvent) Flags                 { return NoChange }
func (rootFlags) Resumed(*service.ResumedEvent) Flags               { return NoChange }
func (rootFlags) Suspended(*service.SuspendedEvent) Flags           { return NoChange }
func (rootFlags) ContainerLayoutChanged(*service.ContainerLayoutChangedEvent) Flags {
	return NoChange
}
func (rootFlags) FocusChanged(*service.FocusChangedEvent) Flags           { return NoChange }
func (rootFlags) PreferenceChanged(*service.PreferenceChangedEvent) Flags { return NoChange }
func (rootFlags) TracingChanged(*service.TracingChangedEvent) Flags       { return NoChange }
func (rootFlags) VisualizationModeChanged(*service.VisualizationModeChangedEvent) Flags {
	return NoChange
}
func (rootFlags) SteppingTimedOut(*service.SteppingTimedOutEvent) Flags       { return NoChange }
func (rootFlags) ExpandStack(*service.ExpandStackEvent) Flags                 { return NoChange }
func (rootFlags) ModelProxyInstalled(*service.ModelProxyInstalledEvent) Flags { return NoChange }
func (rootFlags) FullRefresh(*service.FullRefreshEvent) Flags                 { return Content }
