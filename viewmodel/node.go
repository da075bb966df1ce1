package viewmodel

import (
	"fmt"

	"github.com/emirpasic/gods/sets"
	"github.com/fansqz/go-dsf/concurrent"
	"github.com/fansqz/go-dsf/constants"
	"github.com/fansqz/go-dsf/datamodel"
	e "github.com/fansqz/go-dsf/error"
	"github.com/fansqz/go-dsf/service"
	"github.com/fansqz/go-dsf/utils"
	"github.com/sirupsen/logrus"
)

// Node 视图树中一层元素的提供者
// 除DeltaFlags以外的方法都在session执行器中调用，结果通过rm返回。
type Node interface {
	Name() string
	// UpdateChildren 获取path最后一个元素下属于该节点的子元素
	UpdateChildren(path TreePath, rm *concurrent.DataRequestMonitor[[]Element])
	// UpdateProperties 获取path最后一个元素的属性，单个属性失败不会影响其他属性
	UpdateProperties(path TreePath, props []string, rm *concurrent.DataRequestMonitor[*PropertiesResult])
	// DeltaFlags 事件可能对该节点的元素产生的增量，只依赖事件本身
	DeltaFlags(ev service.Event) Flags
	// ContextsForEvent 事件针对的、位于parentDelta之下的元素
	// 无法确定时以ErrNotSupported失败，这时会对parentDelta下该节点的所有元素生成增量
	ContextsForEvent(parentDelta *Delta, ev service.Event, rm *concurrent.DataRequestMonitor[[]Element])
	// BuildDelta 把该节点的增量添加到parentDelta上，nodeOffset为该节点第一个元素在父元素子元素中的位置，未知时为-1
	BuildDelta(ev service.Event, parentDelta *Delta, nodeOffset int, rm *concurrent.RequestMonitor)
}

// PropertiesResult 属性查询结果
type PropertiesResult struct {
	Values map[string]any
	Errors map[string]error
}

func NewPropertiesResult() *PropertiesResult {
	return &PropertiesResult{
		Values: make(map[string]any),
		Errors: make(map[string]error),
	}
}

func (r *PropertiesResult) Value(prop string) (any, bool) {
	value, ok := r.Values[prop]
	return value, ok
}

func (r *PropertiesResult) Err(prop string) error {
	return r.Errors[prop]
}

// ThreadSummary 进程的线程统计
type ThreadSummary struct {
	Total     int `json:"total"`
	Suspended int `json:"suspended"`
}

// nodeSupport 各个节点共用的服务访问
type nodeSupport struct {
	provider *Provider
}

func (s nodeSupport) executor() concurrent.Executor {
	return s.provider.session.Executor()
}

func (s nodeSupport) query() (*service.CachingQueryService, error) {
	query, ok := service.GetService[*service.CachingQueryService](s.provider.session)
	if !ok {
		return nil, fmt.Errorf("query service: %w", e.ErrServiceUnavailable)
	}
	return query, nil
}

func (s nodeSupport) runControl() (service.RunControl, error) {
	runControl, ok := service.GetService[service.RunControl](s.provider.session)
	if !ok {
		return nil, fmt.Errorf("run control: %w", e.ErrInvalidHandle)
	}
	return runControl, nil
}

// listChildren 获取parent的子对象并按类型过滤
func (s nodeSupport) listChildren(parent *datamodel.Context, kind datamodel.Kind, rm *concurrent.DataRequestMonitor[[]*datamodel.Context]) {
	query, err := s.query()
	if err != nil {
		concurrent.Fail(rm, err)
		return
	}
	listRm := concurrent.NewDataRequestMonitor[[]*datamodel.Context](s.executor(), rm)
	listRm.OnSuccess(func() {
		rm.Succeed(utils.FilterList(listRm.Data(), func(ctx *datamodel.Context) bool {
			return ctx.Kind() == kind
		}))
	})
	query.ListChildren(parent, listRm)
}

// elementsOf 把对象列表转换为元素列表
func elementsOf(contexts []*datamodel.Context) []Element {
	elements := make([]Element, len(contexts))
	for i, ctx := range contexts {
		elements[i] = NewElement(ctx)
	}
	return elements
}

// contextsForEvent 节点共用的事件元素解析
// 事件没有对象，或者事件对象覆盖了parentDelta的元素时无法确定；
// 事件对象有kind类型的祖先（包括自身）并且该祖先是parentDelta元素的直接子对象时返回该祖先；
// 否则事件与该节点在parentDelta下的元素无关，比如线程组中的线程不属于进程下的线程节点。
func contextsForEvent(parentDelta *Delta, ev service.Event, kind datamodel.Kind, rm *concurrent.DataRequestMonitor[[]Element]) {
	target := ev.Context()
	parent := parentDelta.Element().Context()
	if target == nil || (parent != nil && target.Covers(parent)) {
		concurrent.Fail(rm, e.ErrNotSupported)
		return
	}
	ancestor := datamodel.AncestorOfKind(target, kind)
	if ancestor == nil || !ancestor.Parent().Equal(parent) {
		rm.Succeed(nil)
		return
	}
	rm.Succeed([]Element{NewElement(ancestor)})
}

// kindOnly ctx为kind类型时返回flags
func kindOnly(ctx *datamodel.Context, kind datamodel.Kind, flags Flags) Flags {
	if ctx.Kind() == kind {
		return flags
	}
	return NoChange
}

// related 两个对象位于同一条祖先链上，nil表示根
func related(a *datamodel.Context, b *datamodel.Context) bool {
	return a == nil || b == nil || a.Covers(b) || b.Covers(a)
}

// propertyFanOut 属性查询的扇出
// 每个子查询只影响自己负责的属性，所有子查询发出以后才登记数量，全部完成以后rm才会完成
type propertyFanOut struct {
	executor concurrent.Executor
	result   *PropertiesResult
	wanted   sets.Set
	crm      *concurrent.CountingRequestMonitor
	count    int
}

func newPropertyFanOut(executor concurrent.Executor, props []string, rm *concurrent.DataRequestMonitor[*PropertiesResult]) *propertyFanOut {
	f := &propertyFanOut{
		executor: executor,
		result:   NewPropertiesResult(),
		wanted:   utils.List2set(props),
	}
	f.crm = concurrent.NewCountingRequestMonitor(executor, rm)
	f.crm.OnCompleted(func() {
		rm.Succeed(f.result)
	})
	return f
}

// wants 是否请求了其中任意一个属性
func (f *propertyFanOut) wants(props ...string) bool {
	for _, prop := range props {
		if f.wanted.Contains(prop) {
			return true
		}
	}
	return false
}

func (f *propertyFanOut) set(prop string, value any) {
	if f.wanted.Contains(prop) {
		f.result.Values[prop] = value
	}
}

func (f *propertyFanOut) fail(err error, props ...string) {
	for _, prop := range props {
		if f.wanted.Contains(prop) {
			logrus.Debugf("[Node] property %s fail, err = %v", prop, err)
			f.result.Errors[prop] = err
		}
	}
}

// finish 登记子查询数量
func (f *propertyFanOut) finish() {
	if err := f.crm.SetDoneCount(f.count); err != nil {
		logrus.Errorf("[Node] register property queries fail, err = %v", err)
	}
}

// fetchProperties 发起一个子查询，成功时由fill填充属性，失败时props都记为失败
func fetchProperties[T any](f *propertyFanOut, props []string, fetch func(rm *concurrent.DataRequestMonitor[T]), fill func(data T)) {
	child := concurrent.NewDataRequestMonitor[T](f.executor, f.crm)
	child.OnCompleted(func() {
		if err := child.Err(); err != nil {
			f.fail(err, props...)
		} else {
			fill(child.Data())
		}
		f.crm.Done()
	})
	f.count++
	fetch(child)
}

// entityData 获取对象属性
func (s nodeSupport) entityData(ctx *datamodel.Context, rm *concurrent.DataRequestMonitor[*service.EntityData]) {
	query, err := s.query()
	if err != nil {
		concurrent.Fail(rm, err)
		return
	}
	query.GetData(ctx, rm)
}

// runState 对象的运行状态
func (s nodeSupport) runState(ctx *datamodel.Context) (string, error) {
	runControl, err := s.runControl()
	if err != nil {
		return "", err
	}
	if runControl.IsSuspended(ctx) {
		return constants.StateSuspended, nil
	}
	if runControl.IsStepping(ctx) {
		return constants.StateStepping, nil
	}
	return constants.StateRunning, nil
}
