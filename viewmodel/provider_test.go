package viewmodel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fansqz/go-dsf/constants"
	"github.com/fansqz/go-dsf/datamodel"
	e "github.com/fansqz/go-dsf/error"
	"github.com/fansqz/go-dsf/preference"
	"github.com/fansqz/go-dsf/service"
	"github.com/fansqz/go-dsf/service/servicetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deliveredDelta struct {
	delta *Delta
	ev    service.Event
}

type fixture struct {
	session  *service.Session
	debuggee *servicetest.FakeDebuggee
	cache    *service.CachingQueryService
	prefs    *preference.Store
	provider *Provider
	deltas   chan deliveredDelta

	lock      sync.Mutex
	traces    map[service.Event][]EventState
	delivered []service.Event
}

type fixtureOptions struct {
	withoutRunControl bool
	steppingTimeout   time.Duration
	prefs             func(prefs *preference.Store)
}

type fixtureOption func(o *fixtureOptions)

func withoutRunControl() fixtureOption {
	return func(o *fixtureOptions) { o.withoutRunControl = true }
}

func withSteppingTimeout(timeout time.Duration) fixtureOption {
	return func(o *fixtureOptions) { o.steppingTimeout = timeout }
}

func withPrefs(fn func(prefs *preference.Store)) fixtureOption {
	return func(o *fixtureOptions) { o.prefs = fn }
}

// newFixture 创建session和provider，返回前SessionStarted的增量已经交付
func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	options := &fixtureOptions{}
	for _, opt := range opts {
		opt(options)
	}
	session := service.NewSession("test")
	debuggee := servicetest.NewFakeDebuggee(session.ID())
	cache := service.NewCachingQueryService(debuggee)
	session.RegisterService(cache)
	session.Bus().AddListener(cache.HandleEvent)
	if !options.withoutRunControl {
		session.RegisterService(debuggee)
	}
	if options.steppingTimeout > 0 {
		monitor := service.NewSteppingTimeoutMonitor(session.Bus(), options.steppingTimeout)
		session.RegisterService(monitor)
		session.Bus().AddListener(monitor.HandleEvent)
	}
	prefs := preference.NewStore()
	if options.prefs != nil {
		options.prefs(prefs)
	}
	f := &fixture{
		session:  session,
		debuggee: debuggee,
		cache:    cache,
		prefs:    prefs,
		deltas:   make(chan deliveredDelta, 256),
		traces:   make(map[service.Event][]EventState),
	}
	f.provider = NewProvider(session, prefs, WithEventTrace(f.record))
	f.provider.AddDeltaListener(func(delta *Delta, ev service.Event) {
		f.lock.Lock()
		f.delivered = append(f.delivered, ev)
		f.lock.Unlock()
		f.deltas <- deliveredDelta{delta: delta, ev: ev}
	})
	t.Cleanup(func() {
		f.provider.Dispose()
		_ = session.Shutdown()
	})
	require.NoError(t, session.Start())
	f.waitDelta(t, isEvent[*service.SessionStartedEvent])
	return f
}

func (f *fixture) record(ev service.Event, state EventState) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.traces[ev] = append(f.traces[ev], state)
}

func (f *fixture) states(ev service.Event) []EventState {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]EventState(nil), f.traces[ev]...)
}

func (f *fixture) wasDelivered(ev service.Event) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	for _, delivered := range f.delivered {
		if delivered == ev {
			return true
		}
	}
	return false
}

func isEvent[T service.Event](ev service.Event) bool {
	_, ok := ev.(T)
	return ok
}

func (f *fixture) waitDelta(t *testing.T, match func(ev service.Event) bool) *Delta {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case delivered := <-f.deltas:
			if match(delivered.ev) {
				return delivered.delta
			}
		case <-timeout:
			require.FailNow(t, "delta not delivered")
			return nil
		}
	}
}

func (f *fixture) dispatch(t *testing.T, ev service.Event) *Delta {
	t.Helper()
	require.NoError(t, f.session.Bus().Dispatch(ev))
	return f.waitDelta(t, func(delivered service.Event) bool { return delivered == ev })
}

// flushUI 等待provider执行器中已经提交的任务执行完
func (f *fixture) flushUI(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, f.provider.Executor().Execute(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "provider executor blocked")
	}
}

func (f *fixture) children(t *testing.T, path TreePath) []Element {
	t.Helper()
	elements, err := f.childrenErr(path)
	require.NoError(t, err)
	return elements
}

func (f *fixture) childrenErr(path TreePath) ([]Element, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return f.provider.Children(ctx, path)
}

func (f *fixture) properties(t *testing.T, path TreePath, props ...string) *PropertiesResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := f.provider.Properties(ctx, path, props)
	require.NoError(t, err)
	return result
}

func keys(elements []Element) []string {
	answer := make([]string, len(elements))
	for i, element := range elements {
		answer[i] = element.Key()
	}
	return answer
}

func contextKeys(contexts ...*datamodel.Context) []string {
	answer := make([]string, len(contexts))
	for i, ctx := range contexts {
		answer[i] = ctx.Key()
	}
	return answer
}

func TestProvider_UpdateChildren(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("1", "a.out")
	group := f.debuggee.AddGroup(process, "g1", "workers")
	main := f.debuggee.AddThread(process, "1", "main", true)
	worker := f.debuggee.AddThread(group, "2", "worker", true)
	f.debuggee.SetFrameCount(main, 2)

	assert.Equal(t, contextKeys(process), keys(f.children(t, RootPath())))
	assert.Equal(t, contextKeys(group, main), keys(f.children(t, PathOf(process))))
	assert.Equal(t, contextKeys(worker), keys(f.children(t, PathOf(group))))
	frames := f.children(t, PathOf(main))
	assert.Equal(t, contextKeys(datamodel.NewFrame(main, 0), datamodel.NewFrame(main, 1)), keys(frames))
	assert.Empty(t, f.children(t, PathOf(main).Append(frames[0])))
}

func TestProvider_UpdateChildrenFailure(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("1", "a.out")
	boom := errors.New("boom")
	f.debuggee.FailChildren(process, boom)

	_, err := f.childrenErr(PathOf(process))
	assert.ErrorIs(t, err, boom)

	f.debuggee.FailChildren(process, nil)
	assert.Empty(t, f.children(t, PathOf(process)))
}

func TestProvider_UpdateProperties(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("1", "a.out")
	main := f.debuggee.AddThread(process, "1", "main", true)
	f.debuggee.SetFrameCount(main, 1)

	result := f.properties(t, PathOf(process), constants.PropName, constants.PropLabel, constants.PropState, constants.PropThreadSummary)
	assert.Equal(t, "a.out", result.Values[constants.PropName])
	assert.Equal(t, "a.out [1]", result.Values[constants.PropLabel])
	assert.Equal(t, constants.StateSuspended, result.Values[constants.PropState])
	assert.Equal(t, ThreadSummary{Total: 1, Suspended: 1}, result.Values[constants.PropThreadSummary])
	assert.Empty(t, result.Errors)

	result = f.properties(t, PathOf(main), constants.PropName, constants.PropID, constants.PropState, constants.PropLabel)
	assert.Equal(t, "main", result.Values[constants.PropName])
	assert.Equal(t, "1", result.Values[constants.PropID])
	assert.Equal(t, constants.StateSuspended, result.Values[constants.PropState])
	assert.Contains(t, result.Values[constants.PropLabel], "Thread #1 main")

	frame := PathOf(datamodel.NewFrame(main, 0))
	result = f.properties(t, frame, constants.PropFunction, constants.PropLine, constants.PropLabel)
	assert.Equal(t, "func0", result.Values[constants.PropFunction])
	assert.Equal(t, 10, result.Values[constants.PropLine])
	assert.Equal(t, "func0() at main.c:10 0x1000", result.Values[constants.PropLabel])

	_, ok := result.Value(constants.PropFile)
	assert.False(t, ok, "only requested properties are returned")
}

func TestProvider_ExitedProcessLabel(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("7", "a.out")
	f.debuggee.SetExitCode(process, 3)

	result := f.properties(t, PathOf(process), constants.PropLabel, constants.PropExitCode, constants.PropState)
	assert.Equal(t, "<terminated, exit value: 3>a.out [7]", result.Values[constants.PropLabel])
	assert.Equal(t, 3, result.Values[constants.PropExitCode])
	assert.Equal(t, constants.StateExited, result.Values[constants.PropState])
}

func TestProvider_PropertiesPartialFailure(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("1", "a.out")
	main := f.debuggee.AddThread(process, "1", "main", true)
	boom := errors.New("boom")
	f.debuggee.FailData(main, boom)
	f.provider.Pin(main)

	result := f.properties(t, PathOf(main), constants.PropName, constants.PropLabel, constants.PropState, constants.PropPinned)
	assert.ErrorIs(t, result.Err(constants.PropName), boom)
	assert.ErrorIs(t, result.Err(constants.PropLabel), boom)
	assert.Equal(t, constants.StateSuspended, result.Values[constants.PropState])
	assert.Equal(t, true, result.Values[constants.PropPinned])
	assert.NoError(t, result.Err(constants.PropState))

	f.provider.Unpin(main)
	f.debuggee.FailData(main, nil)
	result = f.properties(t, PathOf(main), constants.PropName, constants.PropPinned)
	assert.Equal(t, "main", result.Values[constants.PropName])
	assert.Equal(t, false, result.Values[constants.PropPinned])
}

func TestProvider_ThreadSummaryWithoutRunControl(t *testing.T) {
	f := newFixture(t, withoutRunControl())
	process := f.debuggee.AddProcess("1", "a.out")
	f.debuggee.AddThread(process, "1", "main", true)

	result := f.properties(t, PathOf(process), constants.PropName, constants.PropThreadSummary, constants.PropState)
	assert.ErrorIs(t, result.Err(constants.PropThreadSummary), e.ErrInvalidHandle)
	assert.ErrorIs(t, result.Err(constants.PropState), e.ErrInvalidHandle)
	assert.Equal(t, "a.out", result.Values[constants.PropName])
}

func TestProvider_ThreadSummaryCountsGroups(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("1", "a.out")
	group := f.debuggee.AddGroup(process, "g1", "workers")
	f.debuggee.AddThread(process, "1", "main", true)
	f.debuggee.AddThread(group, "2", "worker", false)
	f.debuggee.AddThread(group, "3", "worker", true)

	result := f.properties(t, PathOf(process), constants.PropThreadSummary)
	assert.Equal(t, ThreadSummary{Total: 3, Suspended: 2}, result.Values[constants.PropThreadSummary])
}

func TestProvider_HideRunningThreads(t *testing.T) {
	f := newFixture(t, withPrefs(func(prefs *preference.Store) {
		prefs.SetHideRunningThreads(true)
	}))
	process := f.debuggee.AddProcess("1", "a.out")
	control := f.debuggee.AddThread(process, "1", "control", true)
	t2 := f.debuggee.AddThread(process, "2", "t2", true)
	t3 := f.debuggee.AddThread(process, "3", "t3", true)
	assert.Equal(t, contextKeys(control, t2, t3), keys(f.children(t, PathOf(process))))

	f.debuggee.SetSuspended(t2, false)
	delta := f.dispatch(t, service.NewResumedEvent(t2, service.ReasonUser))
	processDelta := delta.Find(NewElement(process))
	require.NotNil(t, processDelta, delta.String())
	assert.True(t, processDelta.Flags().Has(Content), delta.String())
	assert.Equal(t, contextKeys(control, t3), keys(f.children(t, PathOf(process))))

	f.debuggee.SetSuspended(t2, true)
	delta = f.dispatch(t, service.NewSuspendedEvent(t2, service.ReasonBreakpoint, t2))
	processDelta = delta.Find(NewElement(process))
	require.NotNil(t, processDelta, delta.String())
	assert.True(t, processDelta.Flags().Has(Content), delta.String())
	assert.Equal(t, contextKeys(control, t2, t3), keys(f.children(t, PathOf(process))))
}

func TestProvider_ResumeWithoutFilterRefreshesThreadState(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("1", "a.out")
	control := f.debuggee.AddThread(process, "1", "control", true)
	t2 := f.debuggee.AddThread(process, "2", "t2", true)
	f.children(t, PathOf(process))

	f.debuggee.SetSuspended(t2, false)
	delta := f.dispatch(t, service.NewResumedEvent(t2, service.ReasonUser))
	threadDelta := delta.Find(NewElement(t2))
	require.NotNil(t, threadDelta, delta.String())
	assert.True(t, threadDelta.Flags().Has(State), delta.String())
	assert.False(t, delta.Find(NewElement(process)).Flags().Has(Content), delta.String())
	assert.Equal(t, contextKeys(control, t2), keys(f.children(t, PathOf(process))))
	assert.Equal(t, constants.StateRunning, f.properties(t, PathOf(t2), constants.PropState).Values[constants.PropState])
}

func TestProvider_HideRunningPreferenceChange(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("1", "a.out")
	control := f.debuggee.AddThread(process, "1", "control", true)
	f.debuggee.AddThread(process, "2", "t2", false)
	assert.Len(t, f.children(t, PathOf(process)), 2)

	f.prefs.SetHideRunningThreads(true)
	delta := f.waitDelta(t, isEvent[*service.PreferenceChangedEvent])
	processDelta := delta.Find(NewElement(process))
	require.NotNil(t, processDelta, delta.String())
	assert.True(t, processDelta.Flags().Has(Content))
	assert.Equal(t, contextKeys(control), keys(f.children(t, PathOf(process))))
}

func TestProvider_FocusFetchesMissingThread(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("1", "a.out")
	f.debuggee.AddThread(process, "1", "main", true)
	assert.Len(t, f.children(t, PathOf(process)), 1)
	assert.Equal(t, 1, f.debuggee.ChildrenCalls(process))

	// 新线程没有发出Started事件，缓存中还没有它
	late := f.debuggee.AddThread(process, "2", "late", true)
	require.NoError(t, f.provider.Focus(late))
	delta := f.waitDelta(t, isEvent[*service.FocusChangedEvent])

	threadDelta := delta.Find(NewElement(late))
	require.NotNil(t, threadDelta, delta.String())
	assert.Equal(t, Select|Force, threadDelta.Flags())
	assert.Equal(t, 1, threadDelta.Index())
	assert.Equal(t, 2, f.debuggee.ChildrenCalls(process))
}

func TestProvider_FocusUnknownThreadRefreshesParent(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("1", "a.out")
	f.debuggee.AddThread(process, "1", "main", true)
	f.children(t, PathOf(process))

	require.NoError(t, f.provider.Focus(datamodel.NewThread(process, "9")))
	delta := f.waitDelta(t, isEvent[*service.FocusChangedEvent])
	assert.Nil(t, delta.Find(NewElement(datamodel.NewThread(process, "9"))))
	processDelta := delta.Find(NewElement(process))
	require.NotNil(t, processDelta, delta.String())
	assert.True(t, processDelta.Flags().Has(Content))
}

func TestProvider_SuspendSelectsTopFrame(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("1", "a.out")
	main := f.debuggee.AddThread(process, "1", "main", false)
	f.debuggee.SetFrameCount(main, 3)
	assert.Empty(t, f.children(t, PathOf(main)))

	f.debuggee.SetSuspended(main, true)
	delta := f.dispatch(t, service.NewSuspendedEvent(main, service.ReasonBreakpoint, main))

	threadDelta := delta.Find(NewElement(main))
	require.NotNil(t, threadDelta, delta.String())
	assert.True(t, threadDelta.Flags().Has(Content), delta.String())
	assert.True(t, threadDelta.Flags().Has(Expand), delta.String())
	frameDelta := delta.Find(NewElement(datamodel.NewFrame(main, 0)))
	require.NotNil(t, frameDelta, delta.String())
	assert.True(t, frameDelta.Flags().Has(Select), delta.String())
	assert.False(t, frameDelta.Flags().Has(State), "state under a content ancestor is pruned")
	assert.Equal(t, 0, frameDelta.Index())
	assert.Len(t, f.children(t, PathOf(main)), 3)
}

func TestProvider_StackFrameLimit(t *testing.T) {
	f := newFixture(t, withPrefs(func(prefs *preference.Store) {
		prefs.SetStackFrameLimit(3)
	}))
	process := f.debuggee.AddProcess("1", "a.out")
	main := f.debuggee.AddThread(process, "1", "main", true)
	f.debuggee.SetFrameCount(main, 8)

	frames := f.children(t, PathOf(main))
	require.Len(t, frames, 4)
	assert.True(t, frames[3].IsIncompleteStack())
	result := f.properties(t, PathOf(main).Append(frames[3]), constants.PropLabel)
	assert.Equal(t, IncompleteStackLabel, result.Values[constants.PropLabel])

	f.provider.ExpandStack(main)
	delta := f.waitDelta(t, isEvent[*service.ExpandStackEvent])
	threadDelta := delta.Find(NewElement(main))
	require.NotNil(t, threadDelta, delta.String())
	assert.True(t, threadDelta.Flags().Has(Content))
	frames = f.children(t, PathOf(main))
	require.Len(t, frames, 7)
	assert.True(t, frames[6].IsIncompleteStack())

	f.provider.ExpandStack(main)
	f.waitDelta(t, isEvent[*service.ExpandStackEvent])
	frames = f.children(t, PathOf(main))
	require.Len(t, frames, 8)
	assert.False(t, frames[7].IsIncompleteStack())

	// 线程退出以后临时限制失效
	require.NoError(t, f.session.Bus().Dispatch(service.NewExitedEvent(main, 0)))
	f.waitDelta(t, isEvent[*service.ExitedEvent])
	assert.Equal(t, 3, f.provider.frameLimit(main))
}

func TestProvider_StackFrameLimitDisabled(t *testing.T) {
	f := newFixture(t, withPrefs(func(prefs *preference.Store) {
		prefs.SetStackFrameLimitEnable(false)
	}))
	process := f.debuggee.AddProcess("1", "a.out")
	main := f.debuggee.AddThread(process, "1", "main", true)
	f.debuggee.SetFrameCount(main, 25)
	assert.Len(t, f.children(t, PathOf(main)), 25)
}

func TestProvider_FocusFrameBeyondLimit(t *testing.T) {
	f := newFixture(t, withPrefs(func(prefs *preference.Store) {
		prefs.SetStackFrameLimit(2)
	}))
	process := f.debuggee.AddProcess("1", "a.out")
	main := f.debuggee.AddThread(process, "1", "main", true)
	f.debuggee.SetFrameCount(main, 6)
	f.children(t, PathOf(main))

	require.NoError(t, f.provider.Focus(datamodel.NewFrame(main, 1)))
	delta := f.waitDelta(t, isEvent[*service.FocusChangedEvent])
	frameDelta := delta.Find(NewElement(datamodel.NewFrame(main, 1)))
	require.NotNil(t, frameDelta, delta.String())
	assert.Equal(t, Select|Force, frameDelta.Flags())

	require.NoError(t, f.provider.Focus(datamodel.NewFrame(main, 4)))
	delta = f.waitDelta(t, isEvent[*service.FocusChangedEvent])
	threadDelta := delta.Find(NewElement(main))
	require.NotNil(t, threadDelta, delta.String())
	assert.True(t, threadDelta.Flags().Has(Content))
	assert.Equal(t, 5, f.provider.frameLimit(main))
	assert.Len(t, f.children(t, PathOf(main)), 6)
}

func TestProvider_SteppingKeepsFramesUntilTimeout(t *testing.T) {
	f := newFixture(t, withSteppingTimeout(300*time.Millisecond))
	process := f.debuggee.AddProcess("1", "a.out")
	main := f.debuggee.AddThread(process, "1", "main", true)
	f.debuggee.SetFrameCount(main, 3)
	assert.Len(t, f.children(t, PathOf(main)), 3)

	f.debuggee.SetSuspended(main, false)
	f.debuggee.SetStepping(main, true)
	f.dispatch(t, service.NewResumedEvent(main, service.ReasonStep))
	assert.Len(t, f.children(t, PathOf(main)), 3)
	result := f.properties(t, PathOf(datamodel.NewFrame(main, 0)), constants.PropFunction)
	assert.Equal(t, "func0", result.Values[constants.PropFunction])

	delta := f.waitDelta(t, isEvent[*service.SteppingTimedOutEvent])
	threadDelta := delta.Find(NewElement(main))
	require.NotNil(t, threadDelta, delta.String())
	assert.True(t, threadDelta.Flags().Has(Content))
	assert.Empty(t, f.children(t, PathOf(main)))
}

func TestProvider_ResumeClearsFrames(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("1", "a.out")
	main := f.debuggee.AddThread(process, "1", "main", true)
	f.debuggee.SetFrameCount(main, 3)
	assert.Len(t, f.children(t, PathOf(main)), 3)

	f.debuggee.SetSuspended(main, false)
	delta := f.dispatch(t, service.NewResumedEvent(main, service.ReasonUser))
	threadDelta := delta.Find(NewElement(main))
	require.NotNil(t, threadDelta, delta.String())
	assert.True(t, threadDelta.Flags().Has(Content))
	assert.Empty(t, f.children(t, PathOf(main)))
}

func TestProvider_StartedThreadInGroup(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("1", "a.out")
	group := f.debuggee.AddGroup(process, "g1", "workers")
	assert.Empty(t, f.children(t, PathOf(group)))

	worker := f.debuggee.AddThread(group, "2", "worker", true)
	delta := f.dispatch(t, service.NewStartedEvent(worker))
	groupDelta := delta.Find(NewElement(group))
	require.NotNil(t, groupDelta, delta.String())
	assert.True(t, groupDelta.Flags().Has(Content))
	assert.False(t, delta.Find(NewElement(process)).Flags().Has(Content), delta.String())
	assert.Equal(t, contextKeys(worker), keys(f.children(t, PathOf(group))))
}

func TestProvider_ResumedThreadInGroup(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("1", "a.out")
	group := f.debuggee.AddGroup(process, "g1", "workers")
	main := f.debuggee.AddThread(process, "1", "main", true)
	worker := f.debuggee.AddThread(group, "7", "worker", true)
	f.children(t, PathOf(process))
	f.children(t, PathOf(group))

	f.debuggee.SetSuspended(worker, false)
	delta := f.dispatch(t, service.NewResumedEvent(worker, service.ReasonUser))
	processDelta := delta.Child(NewElement(process))
	require.NotNil(t, processDelta, delta.String())
	assert.Nil(t, processDelta.Child(NewElement(worker)), delta.String())
	assert.Nil(t, processDelta.Child(NewElement(main)), delta.String())
	groupDelta := processDelta.Child(NewElement(group))
	require.NotNil(t, groupDelta, delta.String())
	workerDelta := groupDelta.Child(NewElement(worker))
	require.NotNil(t, workerDelta, delta.String())
	assert.True(t, workerDelta.Flags().Has(State), delta.String())
}

func TestProvider_StartedProcess(t *testing.T) {
	f := newFixture(t)
	assert.Empty(t, f.children(t, RootPath()))

	process := f.debuggee.AddProcess("1", "a.out")
	delta := f.dispatch(t, service.NewStartedEvent(process))
	assert.True(t, delta.Flags().Has(Content), delta.String())
	assert.Equal(t, contextKeys(process), keys(f.children(t, RootPath())))
}

func TestProvider_ModelProxyInstalled(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("1", "a.out")
	f.debuggee.AddThread(process, "1", "running", false)
	suspended := f.debuggee.AddThread(process, "2", "suspended", true)
	f.debuggee.SetFrameCount(suspended, 2)

	f.provider.Install()
	delta := f.waitDelta(t, isEvent[*service.ModelProxyInstalledEvent])
	processDelta := delta.Find(NewElement(process))
	require.NotNil(t, processDelta, delta.String())
	assert.True(t, processDelta.Flags().Has(Expand))
	threadDelta := delta.Find(NewElement(suspended))
	require.NotNil(t, threadDelta, delta.String())
	assert.True(t, threadDelta.Flags().Has(Expand))
	frameDelta := delta.Find(NewElement(datamodel.NewFrame(suspended, 0)))
	require.NotNil(t, frameDelta, delta.String())
	assert.True(t, frameDelta.Flags().Has(Select))
}

func TestProvider_Coalescing(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("1", "a.out")

	// 阻塞session执行器，让第一个事件停留在构建中
	release := make(chan struct{})
	require.NoError(t, f.session.Executor().Execute(func() { <-release }))
	first := service.NewTracingChangedEvent(process, true)
	second := service.NewTracingChangedEvent(process, false)
	third := service.NewTracingChangedEvent(process, true)
	f.provider.post(first)
	f.provider.post(second)
	f.provider.post(third)
	f.flushUI(t)

	assert.Contains(t, f.states(first), Dispatched)
	assert.Contains(t, f.states(first), Canceled)
	assert.Contains(t, f.states(second), Skipped)
	assert.NotContains(t, f.states(second), Dispatched)
	assert.NotContains(t, f.states(third), Canceled)
	close(release)

	coalesced := f.waitDelta(t, func(ev service.Event) bool { return ev == third })
	f.flushUI(t)
	assert.False(t, f.wasDelivered(first))
	assert.False(t, f.wasDelivered(second))

	// 单独处理同一个事件得到的增量相同
	replay := service.NewTracingChangedEvent(process, true)
	f.provider.post(replay)
	serial := f.waitDelta(t, func(ev service.Event) bool { return ev == replay })
	assert.Equal(t, serial.String(), coalesced.String())
	require.NotNil(t, coalesced.Find(NewElement(process)))
	assert.True(t, coalesced.Find(NewElement(process)).Flags().Has(State))
}

func TestProvider_LifecycleEventsAreNotSkipped(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("1", "a.out")
	thread := datamodel.NewThread(process, "1")

	cases := []struct {
		name     string
		newEvent service.Event
		queued   service.Event
		skip     bool
	}{
		{"tracing", service.NewTracingChangedEvent(process, false), service.NewTracingChangedEvent(process, true), true},
		{"tracing other process", service.NewTracingChangedEvent(process, false), service.NewTracingChangedEvent(datamodel.NewProcess(f.session.ID(), "2"), true), false},
		{"visualization", service.NewVisualizationModeChangedEvent("b"), service.NewVisualizationModeChangedEvent("a"), true},
		{"focus", service.NewFocusChangedEvent(thread), service.NewFocusChangedEvent(process), true},
		{"resumed", service.NewResumedEvent(thread, service.ReasonUser), service.NewResumedEvent(thread, service.ReasonUser), false},
		{"focus after tracing", service.NewFocusChangedEvent(thread), service.NewTracingChangedEvent(process, true), false},
		{"shutdown", service.NewShutdownEvent(), service.NewTracingChangedEvent(process, true), false},
		{"after started", service.NewFocusChangedEvent(thread), service.NewSessionStartedEvent(f.session.ID()), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.skip, f.provider.CanSkipHandlingEvent(c.newEvent, c.queued))
		})
	}
}

func TestProvider_NonDeltaEventsAreDiscarded(t *testing.T) {
	f := newFixture(t)
	ev := service.NewPreferenceChangedEvent(constants.PrefSteppingTimeout)
	f.provider.post(ev)
	f.flushUI(t)
	assert.Equal(t, []EventState{Received, Discarded}, f.states(ev))
	assert.False(t, f.wasDelivered(ev))
}

func TestProvider_ShutdownDeliversRootContent(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("1", "a.out")
	f.debuggee.AddThread(process, "1", "main", true)
	f.children(t, PathOf(process))
	require.Positive(t, f.cache.ValidCount())

	require.NoError(t, f.session.Shutdown())
	delta := f.waitDelta(t, isEvent[*service.ShutdownEvent])
	assert.True(t, delta.Element().IsRoot())
	assert.True(t, delta.Flags().Has(Content))
	assert.True(t, delta.IsFrozen())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.session.AwaitTermination(ctx))
	assert.Zero(t, f.cache.ValidCount())
	assert.ErrorIs(t, f.session.Executor().Execute(func() {}), e.ErrRejectedExecution)

	_, err := f.childrenErr(PathOf(process))
	assert.ErrorIs(t, err, e.ErrRejectedExecution)
}

func TestProvider_PropertiesPendingAtShutdown(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("1", "a.out")
	thread := f.debuggee.AddThread(process, "1", "main", true)
	release := f.debuggee.Hold(thread)
	defer release()

	type answer struct {
		result *PropertiesResult
		err    error
	}
	answers := make(chan answer, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		result, err := f.provider.Properties(ctx, PathOf(thread), []string{constants.PropName, constants.PropState})
		answers <- answer{result: result, err: err}
	}()
	require.Eventually(t, func() bool { return f.debuggee.DataCalls(thread) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.session.Shutdown())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.session.AwaitTermination(ctx))
	release()

	select {
	case a := <-answers:
		require.NoError(t, a.err)
		assert.ErrorIs(t, a.result.Err(constants.PropName), e.ErrRejectedExecution)
		assert.Equal(t, constants.StateSuspended, a.result.Values[constants.PropState])
	case <-time.After(2 * time.Second):
		require.FailNow(t, "properties request did not complete after shutdown")
	}
}

func TestProvider_ShutdownDuringDeltaBuild(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("1", "a.out")
	f.debuggee.AddThread(process, "1", "main", false)
	f.cache.Flush(nil)
	calls := f.debuggee.ChildrenCalls(nil)
	release := f.debuggee.Hold(nil)
	defer release()

	f.prefs.SetHideRunningThreads(true)
	require.Eventually(t, func() bool { return f.debuggee.ChildrenCalls(nil) > calls }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.session.Shutdown())
	release()

	delta := f.waitDelta(t, isEvent[*service.PreferenceChangedEvent])
	assert.True(t, delta.Element().IsRoot())
	assert.True(t, delta.Flags().Has(Content), delta.String())

	delta = f.waitDelta(t, isEvent[*service.ShutdownEvent])
	assert.True(t, delta.Element().IsRoot())
	assert.True(t, delta.Flags().Has(Content), delta.String())
	idle := make(chan bool, 1)
	require.NoError(t, f.provider.Executor().Execute(func() {
		idle <- f.provider.current == nil && f.provider.queue.Empty()
	}))
	assert.True(t, <-idle)
}

func TestProvider_ResolvePath(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("1", "a.out")
	main := f.debuggee.AddThread(process, "1", "main", true)
	f.children(t, RootPath())
	f.children(t, PathOf(process))

	path, err := f.provider.ResolvePath([]string{RootElement.Key(), process.Key(), main.Key()})
	require.NoError(t, err)
	assert.Equal(t, PathOf(main).Key(), path.Key())

	_, err = f.provider.ResolvePath([]string{process.Key(), "missing"})
	assert.ErrorIs(t, err, e.ErrUnknownElement)
}

func TestProvider_DisposeStopsDelivery(t *testing.T) {
	f := newFixture(t)
	process := f.debuggee.AddProcess("1", "a.out")
	f.provider.Dispose()
	require.NoError(t, f.session.Bus().Dispatch(service.NewStartedEvent(process)))
	select {
	case delivered := <-f.deltas:
		assert.Failf(t, "unexpected delta", "%s", service.EventName(delivered.ev))
	case <-time.After(100 * time.Millisecond):
	}
}
