package viewmodel

import (
	"context"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
	"github.com/emirpasic/gods/sets/hashset"
	"github.com/fansqz/go-dsf/concurrent"
	"github.com/fansqz/go-dsf/datamodel"
	e "github.com/fansqz/go-dsf/error"
	"github.com/fansqz/go-dsf/preference"
	"github.com/fansqz/go-dsf/service"
	"github.com/fansqz/go-dsf/utils/gosync"
	"github.com/sirupsen/logrus"
)

// EventState 事件处理过程中的状态
type EventState int

const (
	Received EventState = iota
	CoalesceChecked
	// Skipped 还在队列中的事件被后来的事件替代
	Skipped
	// Canceled 正在处理的事件被后来的事件替代，增量不会交给监听器
	Canceled
	Dispatched
	Assembled
	Delivered
	Discarded
	// Aborted session执行器拒绝了任务或者构建失败，监听器会收到根元素的Content增量
	Aborted
)

func (s EventState) String() string {
	switch s {
	case Received:
		return "received"
	case CoalesceChecked:
		return "coalesceChecked"
	case Skipped:
		return "skipped"
	case Canceled:
		return "canceled"
	case Dispatched:
		return "dispatched"
	case Assembled:
		return "assembled"
	case Delivered:
		return "delivered"
	case Discarded:
		return "discarded"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("EventState(%d)", int(s))
}

// DeltaListener 增量监听器，在provider的执行器中调用
type DeltaListener func(delta *Delta, ev service.Event)

// EventTrace 事件状态跟踪
type EventTrace func(ev service.Event, state EventState)

type Option func(p *Provider)

// WithExecutor 指定provider的执行器，默认新建一个
func WithExecutor(executor *concurrent.SerialExecutor) Option {
	return func(p *Provider) {
		p.executor = executor
	}
}

func WithEventTrace(trace EventTrace) Option {
	return func(p *Provider) {
		p.trace = trace
	}
}

// pendingEvent 队列中的事件
type pendingEvent struct {
	ev       service.Event
	canceled bool
}

type stackLimit struct {
	thread *datamodel.Context
	limit  int
}

// Provider 视图模型
//
// 事件在provider自己的执行器中排队，同一时间只处理一个事件，增量在session执行器中构建。
// 节点的查询都在session执行器中进行，结果通过rm交回调用方的执行器。
type Provider struct {
	session      *service.Session
	prefs        *preference.Store
	executor     *concurrent.SerialExecutor
	ownsExecutor bool
	trace        EventTrace

	rootNode      *RootNode
	containerNode *ContainerNode
	groupNode     *GroupNode
	threadNode    *ThreadNode
	framesNode    *StackFramesNode
	schema        map[Node][]Node

	// 以下字段只在provider执行器中访问
	queue   *doublylinkedlist.List
	current *pendingEvent

	lock           sync.Mutex
	listeners      map[int]DeltaListener
	nextListenerID int
	pinned         *hashset.Set
	frameLimits    map[string]stackLimit
	elements       map[string]Element
	removers       []func()
	disposed       bool
}

func NewProvider(session *service.Session, prefs *preference.Store, opts ...Option) *Provider {
	p := &Provider{
		session:     session,
		prefs:       prefs,
		queue:       doublylinkedlist.New(),
		listeners:   make(map[int]DeltaListener),
		pinned:      hashset.New(),
		frameLimits: make(map[string]stackLimit),
		elements:    make(map[string]Element),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.executor == nil {
		p.executor = concurrent.NewSerialExecutor("provider-" + session.Name())
		p.ownsExecutor = true
	}
	p.rootNode = newRootNode(p)
	p.containerNode = newContainerNode(p)
	p.groupNode = newGroupNode(p)
	p.threadNode = newThreadNode(p)
	p.framesNode = newStackFramesNode(p)
	p.schema = map[Node][]Node{
		p.rootNode:      {p.containerNode},
		p.containerNode: {p.groupNode, p.threadNode},
		p.groupNode:     {p.threadNode},
		p.threadNode:    {p.framesNode},
	}
	p.removers = append(p.removers,
		session.Bus().AddListener(p.post),
		prefs.AddListener(func(key string) {
			p.post(service.NewPreferenceChangedEvent(key))
		}))
	return p
}

func (p *Provider) Session() *service.Session {
	return p.session
}

func (p *Provider) Executor() *concurrent.SerialExecutor {
	return p.executor
}

// childNodes node的子节点，按照定义顺序
func (p *Provider) childNodes(node Node) []Node {
	return p.schema[node]
}

// nodeFor 元素所属的节点
func (p *Provider) nodeFor(element Element) (Node, error) {
	if element.IsRoot() {
		return p.rootNode, nil
	}
	if element.IsIncompleteStack() {
		return p.framesNode, nil
	}
	switch element.Context().Kind() {
	case datamodel.KindProcess:
		return p.containerNode, nil
	case datamodel.KindGroup:
		return p.groupNode, nil
	case datamodel.KindThread:
		return p.threadNode, nil
	case datamodel.KindFrame:
		return p.framesNode, nil
	}
	return nil, fmt.Errorf("element %s: %w", element, e.ErrUnknownElement)
}

// deltaFlags node以及它的子孙节点可能产生的增量
// 子孙节点的CONTENT对node来说只是STATE；parentDelta或者它的祖先已经有CONTENT时去掉CONTENT和STATE。
func (p *Provider) deltaFlags(node Node, parentDelta *Delta, ev service.Event) Flags {
	flags := node.DeltaFlags(ev)
	for _, child := range p.childNodes(node) {
		if child == node {
			continue
		}
		childFlags := p.deltaFlags(child, parentDelta, ev)
		if childFlags.Has(Content) {
			childFlags = childFlags&^Content | State
		}
		flags |= childFlags
	}
	if parentDelta != nil && (parentDelta.Flags().Has(Content) || parentDelta.HasContentAncestor()) {
		flags &^= Content | State
	}
	return flags
}

// IsDeltaEvent 事件是否可能产生增量
func (p *Provider) IsDeltaEvent(ev service.Event) bool {
	return p.deltaFlags(p.rootNode, nil, ev) != NoChange
}

// CanSkipHandlingEvent eventToSkip还没有处理完时，newEvent是否让它变得多余
// 只有同类的追踪状态、可视化模式和焦点事件可以互相替代，生命周期事件永远不会被跳过
func (p *Provider) CanSkipHandlingEvent(newEvent service.Event, eventToSkip service.Event) bool {
	if service.IsLifecycleEvent(newEvent) || service.IsLifecycleEvent(eventToSkip) {
		return false
	}
	switch newEvent.(type) {
	case *service.TracingChangedEvent:
		old, ok := eventToSkip.(*service.TracingChangedEvent)
		return ok && old.Context().Equal(newEvent.Context())
	case *service.VisualizationModeChangedEvent:
		_, ok := eventToSkip.(*service.VisualizationModeChangedEvent)
		return ok
	case *service.FocusChangedEvent:
		_, ok := eventToSkip.(*service.FocusChangedEvent)
		return ok
	}
	return false
}

// post 把事件交给provider执行器处理
func (p *Provider) post(ev service.Event) {
	if err := p.executor.Execute(func() { p.handleEvent(ev) }); err != nil {
		logrus.Debugf("[Provider] drop %s, err = %v", service.EventName(ev), err)
	}
}

func (p *Provider) traceEvent(ev service.Event, state EventState) {
	logrus.Debugf("[Provider] %s %s", service.EventName(ev), state)
	if p.trace != nil {
		p.trace(ev, state)
	}
}

func (p *Provider) isDisposed() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.disposed
}

func (p *Provider) handleEvent(ev service.Event) {
	if p.isDisposed() {
		return
	}
	p.traceEvent(ev, Received)
	if exited, ok := ev.(*service.ExitedEvent); ok {
		p.clearFrameLimits(exited.Context())
	}
	if !p.IsDeltaEvent(ev) {
		p.traceEvent(ev, Discarded)
		return
	}
	// 从队尾开始丢弃可以被替代的事件
	for !p.queue.Empty() {
		last, _ := p.queue.Get(p.queue.Size() - 1)
		pending := last.(*pendingEvent)
		if !p.CanSkipHandlingEvent(ev, pending.ev) {
			break
		}
		p.queue.Remove(p.queue.Size() - 1)
		p.traceEvent(pending.ev, Skipped)
	}
	p.traceEvent(ev, CoalesceChecked)
	if p.queue.Empty() && p.current != nil && !p.current.canceled && p.CanSkipHandlingEvent(ev, p.current.ev) {
		p.current.canceled = true
		p.traceEvent(p.current.ev, Canceled)
	}
	pending := &pendingEvent{ev: ev}
	if p.current == nil {
		p.process(pending)
		return
	}
	p.queue.Add(pending)
}

// process 在session执行器中构建增量，完成以后回到provider执行器
func (p *Provider) process(pending *pendingEvent) {
	p.current = pending
	p.traceEvent(pending.ev, Dispatched)
	rm := concurrent.NewDataRequestMonitor[*Delta](p.executor, nil)
	rm.OnCompleted(func() {
		p.deltaAssembled(pending, rm)
	})
	builder := newDeltaBuilder(p, pending.ev)
	if err := p.session.Executor().Execute(func() { builder.build(rm) }); err != nil {
		concurrent.Fail(rm, fmt.Errorf("dispatch %s: %w", service.EventName(pending.ev), err))
	}
}

func (p *Provider) deltaAssembled(pending *pendingEvent, rm *concurrent.DataRequestMonitor[*Delta]) {
	delta := rm.Data()
	if err := rm.Err(); err != nil {
		logrus.Warnf("[Provider] build delta for %s fail, err = %v", service.EventName(pending.ev), err)
		p.traceEvent(pending.ev, Aborted)
		delta = NewRootDelta(Content)
	} else {
		p.traceEvent(pending.ev, Assembled)
	}
	if !pending.canceled && !p.isDisposed() {
		delta.Freeze()
		p.deliver(delta, pending.ev)
		p.traceEvent(pending.ev, Delivered)
	}
	p.traceEvent(pending.ev, Discarded)
	p.current = nil
	if p.queue.Empty() {
		return
	}
	next, _ := p.queue.Get(0)
	p.queue.Remove(0)
	p.process(next.(*pendingEvent))
}

func (p *Provider) deliver(delta *Delta, ev service.Event) {
	p.lock.Lock()
	listeners := make([]DeltaListener, 0, len(p.listeners))
	for id := 0; id < p.nextListenerID; id++ {
		if listener, ok := p.listeners[id]; ok {
			listeners = append(listeners, listener)
		}
	}
	p.lock.Unlock()
	logrus.Debugf("[Provider] delta for %s\n%s", service.EventName(ev), delta)
	for _, listener := range listeners {
		gosync.Run(func() { listener(delta, ev) })
	}
}

// AddDeltaListener 添加增量监听器，返回的函数用于移除
func (p *Provider) AddDeltaListener(listener DeltaListener) func() {
	p.lock.Lock()
	defer p.lock.Unlock()
	id := p.nextListenerID
	p.nextListenerID++
	p.listeners[id] = listener
	return func() {
		p.lock.Lock()
		defer p.lock.Unlock()
		delete(p.listeners, id)
	}
}

// UpdateChildren 获取path最后一个元素的子元素，依次拼接各个子节点的结果
// 任意一个子节点失败时整个请求失败
func (p *Provider) UpdateChildren(path TreePath, rm *concurrent.DataRequestMonitor[[]Element]) {
	node, err := p.nodeFor(path.Last())
	if err != nil {
		concurrent.Fail(rm, err)
		return
	}
	childNodes := p.childNodes(node)
	if len(childNodes) == 0 {
		rm.Succeed(nil)
		return
	}
	executor := p.session.Executor()
	err = executor.Execute(func() {
		results := make([][]Element, len(childNodes))
		crm := concurrent.NewCountingRequestMonitor(executor, rm)
		crm.OnSuccess(func() {
			var elements []Element
			for _, result := range results {
				elements = append(elements, result...)
			}
			p.remember(elements)
			rm.Succeed(elements)
		})
		for i, child := range childNodes {
			index := i
			childRm := concurrent.NewDataRequestMonitor[[]Element](executor, crm)
			childRm.OnSuccess(func() {
				results[index] = childRm.Data()
				crm.Done()
			})
			child.UpdateChildren(path, childRm)
		}
		if err := crm.SetDoneCount(len(childNodes)); err != nil {
			logrus.Errorf("[Provider] children of %s set done count fail, err = %v", path.Last(), err)
		}
	})
	if err != nil {
		concurrent.Fail(rm, err)
	}
}

// UpdateProperties 获取path最后一个元素的属性
func (p *Provider) UpdateProperties(path TreePath, props []string, rm *concurrent.DataRequestMonitor[*PropertiesResult]) {
	node, err := p.nodeFor(path.Last())
	if err != nil {
		concurrent.Fail(rm, err)
		return
	}
	if err = p.session.Executor().Execute(func() { node.UpdateProperties(path, props, rm) }); err != nil {
		concurrent.Fail(rm, err)
	}
}

// Children 阻塞获取子元素
func (p *Provider) Children(ctx context.Context, path TreePath) ([]Element, error) {
	return concurrent.Await(ctx, func(rm *concurrent.DataRequestMonitor[[]Element]) {
		p.UpdateChildren(path, rm)
	})
}

// Properties 阻塞获取属性
func (p *Provider) Properties(ctx context.Context, path TreePath, props []string) (*PropertiesResult, error) {
	return concurrent.Await(ctx, func(rm *concurrent.DataRequestMonitor[*PropertiesResult]) {
		p.UpdateProperties(path, props, rm)
	})
}

// remember 记录交给使用者的元素，用于根据key还原路径
func (p *Provider) remember(elements []Element) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, element := range elements {
		p.elements[element.Key()] = element
	}
}

// ResolvePath 根据元素的key还原路径，keys不包含根元素
func (p *Provider) ResolvePath(keys []string) (TreePath, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	path := RootPath()
	for _, key := range keys {
		if key == RootElement.Key() {
			continue
		}
		element, ok := p.elements[key]
		if !ok {
			return nil, fmt.Errorf("element %s: %w", key, e.ErrUnknownElement)
		}
		path = path.Append(element)
	}
	return path, nil
}

func (p *Provider) Pin(ctx *datamodel.Context) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.pinned.Add(ctx.Key())
}

func (p *Provider) Unpin(ctx *datamodel.Context) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.pinned.Remove(ctx.Key())
}

func (p *Provider) IsPinned(ctx *datamodel.Context) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.pinned.Contains(ctx.Key())
}

// frameLimit 线程的栈帧数量限制，0表示不限制
func (p *Provider) frameLimit(thread *datamodel.Context) int {
	limit := p.prefs.StackFrameLimit()
	if limit <= 0 {
		return 0
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if temporary, ok := p.frameLimits[thread.Key()]; ok && temporary.limit > limit {
		return temporary.limit
	}
	return limit
}

// raiseFrameLimit 把线程的临时限制提高到至少limit
func (p *Provider) raiseFrameLimit(thread *datamodel.Context, limit int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if current, ok := p.frameLimits[thread.Key()]; ok && current.limit >= limit {
		return
	}
	p.frameLimits[thread.Key()] = stackLimit{thread: thread, limit: limit}
}

func (p *Provider) clearFrameLimits(scope *datamodel.Context) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for key, limit := range p.frameLimits {
		if scope.Covers(limit.thread) {
			delete(p.frameLimits, key)
		}
	}
}

// ExpandStack 线程显示的栈帧数量翻倍
func (p *Provider) ExpandStack(thread *datamodel.Context) {
	if limit := p.frameLimit(thread); limit > 0 {
		p.raiseFrameLimit(thread, limit*2)
	}
	p.post(service.NewExpandStackEvent(thread))
}

// Refresh 清空缓存并刷新整棵树
func (p *Provider) Refresh() error {
	return p.session.Bus().Dispatch(service.NewFullRefreshEvent())
}

// Focus 选中target
func (p *Provider) Focus(target *datamodel.Context) error {
	return p.session.Bus().Dispatch(service.NewFocusChangedEvent(target))
}

// Install 视图安装完成，展开并选中第一个暂停的线程
func (p *Provider) Install() {
	p.post(service.NewModelProxyInstalledEvent())
}

// Dispose 移除所有监听器，provider不再处理事件
func (p *Provider) Dispose() {
	p.lock.Lock()
	if p.disposed {
		p.lock.Unlock()
		return
	}
	p.disposed = true
	removers := p.removers
	p.removers = nil
	p.lock.Unlock()
	for _, remove := range removers {
		remove()
	}
	if p.ownsExecutor {
		p.executor.Shutdown()
	}
	logrus.Infof("[Provider] provider of session %s disposed", p.session.Name())
}
