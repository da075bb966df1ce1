package viewmodel

import (
	"testing"

	"github.com/fansqz/go-dsf/datamodel"
	"github.com/fansqz/go-dsf/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlags_String(t *testing.T) {
	assert.Equal(t, "NO_CHANGE", NoChange.String())
	assert.Equal(t, "CONTENT|STATE", (State | Content).String())
	assert.Equal(t, "SELECT|FORCE", (Select | Force).String())
	assert.True(t, (Content | Expand).Has(Expand))
	assert.False(t, Content.Has(State|Select))
}

func TestDelta_AddNodeMerges(t *testing.T) {
	process := datamodel.NewProcess("s", "1")
	root := NewRootDelta(NoChange)
	first := root.AddNode(NewElement(process), -1, State)
	second := root.AddNode(NewElement(process), 2, Expand)

	assert.Same(t, first, second)
	assert.Len(t, root.Children(), 1)
	assert.Equal(t, State|Expand, first.Flags())
	assert.Equal(t, 2, first.Index())

	root.AddNode(NewElement(process), -1, NoChange)
	assert.Equal(t, 2, first.Index(), "unknown index keeps the known one")
}

func TestDelta_PathAndFind(t *testing.T) {
	process := datamodel.NewProcess("s", "1")
	thread := datamodel.NewThread(process, "3")
	root := NewRootDelta(NoChange)
	threadDelta := root.AddNode(NewElement(process), 0, NoChange).AddNode(NewElement(thread), 1, Select)

	assert.Equal(t, PathOf(thread).Key(), threadDelta.Path().Key())
	assert.Same(t, threadDelta, root.Find(NewElement(thread)))
	assert.Nil(t, root.Find(NewElement(datamodel.NewThread(process, "4"))))
}

func TestDelta_Prune(t *testing.T) {
	process := datamodel.NewProcess("s", "1")
	thread := datamodel.NewThread(process, "1")
	idle := datamodel.NewThread(process, "2")
	frame := datamodel.NewFrame(thread, 0)

	root := NewRootDelta(NoChange)
	processDelta := root.AddNode(NewElement(process), 0, Content)
	processDelta.AddNode(NewElement(thread), 0, Content|State|Expand).
		AddNode(NewElement(frame), 0, State|Select)
	processDelta.AddNode(NewElement(idle), 1, State)
	root.AddNode(NewElement(datamodel.NewProcess("s", "2")), 1, NoChange)

	root.Prune()

	require.Len(t, root.Children(), 1, root.String())
	assert.Equal(t, Content, processDelta.Flags())
	threadDelta := root.Find(NewElement(thread))
	require.NotNil(t, threadDelta)
	assert.Equal(t, Expand, threadDelta.Flags())
	assert.Equal(t, Select, root.Find(NewElement(frame)).Flags())
	assert.Nil(t, root.Find(NewElement(idle)), "empty leaf is removed")
}

func TestDelta_FrozenPanics(t *testing.T) {
	root := NewRootDelta(Content)
	child := root.AddNode(NewElement(datamodel.NewProcess("s", "1")), 0, State)
	root.Freeze()

	assert.True(t, child.IsFrozen())
	assert.Panics(t, func() { child.AddFlags(Content) })
	assert.Panics(t, func() { root.AddNode(RootElement, 0, State) })
	assert.Panics(t, func() { root.Prune() })
}

func TestDelta_String(t *testing.T) {
	process := datamodel.NewProcess("s", "1")
	root := NewRootDelta(NoChange)
	root.AddNode(NewElement(process), 0, Content)
	text := root.String()
	assert.Contains(t, text, "Flags: NO_CHANGE")
	assert.Contains(t, text, "Flags: CONTENT")
	assert.Contains(t, text, process.Key())
}

func TestProvider_DeltaFlagsFolding(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("1", "a.out")
	thread := datamodel.NewThread(process, "1")
	suspended := service.NewSuspendedEvent(thread, service.ReasonBreakpoint, thread)

	// 子节点的CONTENT对父节点来说只是STATE
	assert.Equal(t, State|Expand|Select, f.provider.deltaFlags(f.provider.threadNode, nil, suspended))
	assert.Equal(t, State|Expand|Select, f.provider.deltaFlags(f.provider.containerNode, nil, suspended))
	assert.Equal(t, NoChange, f.provider.deltaFlags(f.provider.rootNode, nil, service.NewPreferenceChangedEvent("unknown")))

	// 祖先已经有CONTENT时去掉CONTENT和STATE
	parent := NewRootDelta(Content).AddNode(NewElement(process), 0, NoChange)
	assert.Equal(t, Expand|Select, f.provider.deltaFlags(f.provider.threadNode, parent, suspended))
}
