package servicetest

import (
	"fmt"
	"sync"

	"github.com/fansqz/go-dsf/concurrent"
	"github.com/fansqz/go-dsf/datamodel"
	e "github.com/fansqz/go-dsf/error"
	"github.com/fansqz/go-dsf/service"
)

type entity struct {
	ctx       *datamodel.Context
	name      string
	suspended bool
	stepping  bool
	cores     []int
	exitCode  *int
	frames    []service.EntityData
	children  []*datamodel.Context
}

// FakeDebuggee 内存中的被调试程序，实现了QueryService和RunControl
// 默认在新的协程中完成请求，模拟真实后端的异步返回
type FakeDebuggee struct {
	SessionID string
	// Sync 为true时在调用方协程中直接完成请求
	Sync bool

	lock          sync.Mutex
	entities      map[string]*entity
	processes     []*datamodel.Context
	childrenCalls map[string]int
	dataCalls     map[string]int
	childrenErr   map[string]error
	dataErr       map[string]error
	held          map[string]chan struct{}
}

func NewFakeDebuggee(sessionID string) *FakeDebuggee {
	return &FakeDebuggee{
		SessionID:     sessionID,
		entities:      make(map[string]*entity),
		childrenCalls: make(map[string]int),
		dataCalls:     make(map[string]int),
		childrenErr:   make(map[string]error),
		dataErr:       make(map[string]error),
		held:          make(map[string]chan struct{}),
	}
}

func (f *FakeDebuggee) AddProcess(pid string, name string) *datamodel.Context {
	f.lock.Lock()
	defer f.lock.Unlock()
	ctx := datamodel.NewProcess(f.SessionID, pid)
	f.entities[ctx.Key()] = &entity{ctx: ctx, name: name}
	f.processes = append(f.processes, ctx)
	return ctx
}

func (f *FakeDebuggee) AddGroup(parent *datamodel.Context, id string, name string) *datamodel.Context {
	return f.addChild(datamodel.NewGroup(parent, id), name, false)
}

func (f *FakeDebuggee) AddThread(parent *datamodel.Context, tid string, name string, suspended bool) *datamodel.Context {
	return f.addChild(datamodel.NewThread(parent, tid), name, suspended)
}

func (f *FakeDebuggee) addChild(ctx *datamodel.Context, name string, suspended bool) *datamodel.Context {
	f.lock.Lock()
	defer f.lock.Unlock()
	parent, ok := f.entities[ctx.Parent().Key()]
	if !ok {
		panic(fmt.Sprintf("unknown parent %s", ctx.Parent()))
	}
	parent.children = append(parent.children, ctx)
	f.entities[ctx.Key()] = &entity{ctx: ctx, name: name, suspended: suspended, cores: []int{len(parent.children) - 1}}
	return ctx
}

// SetFrames 设置线程的调用栈，frames[0]为栈顶
func (f *FakeDebuggee) SetFrames(thread *datamodel.Context, frames ...service.EntityData) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.entities[thread.Key()].frames = frames
}

// SetFrameCount 生成count个栈帧
func (f *FakeDebuggee) SetFrameCount(thread *datamodel.Context, count int) {
	frames := make([]service.EntityData, count)
	for i := range frames {
		frames[i] = service.EntityData{
			Function: fmt.Sprintf("func%d", i),
			File:     "main.c",
			Line:     10 + i,
			Address:  fmt.Sprintf("0x%x", 0x1000+i*0x10),
		}
	}
	f.SetFrames(thread, frames...)
}

// Remove 删除对象以及它的所有子对象
func (f *FakeDebuggee) Remove(ctx *datamodel.Context) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for key, value := range f.entities {
		if ctx.Covers(value.ctx) {
			delete(f.entities, key)
		}
	}
	if parent, ok := f.entities[ctx.Parent().Key()]; ok {
		parent.children = removeContext(parent.children, ctx)
	}
	f.processes = removeContext(f.processes, ctx)
}

func (f *FakeDebuggee) SetSuspended(ctx *datamodel.Context, suspended bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.entities[ctx.Key()].suspended = suspended
	if suspended {
		f.entities[ctx.Key()].stepping = false
	}
}

func (f *FakeDebuggee) SetStepping(ctx *datamodel.Context, stepping bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.entities[ctx.Key()].stepping = stepping
}

func (f *FakeDebuggee) SetExitCode(ctx *datamodel.Context, code int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.entities[ctx.Key()].exitCode = &code
}

// FailChildren 让ctx的子对象查询失败，err为nil时恢复
func (f *FakeDebuggee) FailChildren(ctx *datamodel.Context, err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.childrenErr[ctx.Key()] = err
}

// FailData 让ctx的属性查询失败，err为nil时恢复
func (f *FakeDebuggee) FailData(ctx *datamodel.Context, err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.dataErr[ctx.Key()] = err
}

// ChildrenCalls ListChildren(ctx)被调用的次数
func (f *FakeDebuggee) ChildrenCalls(ctx *datamodel.Context) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.childrenCalls[ctx.Key()]
}

func (f *FakeDebuggee) DataCalls(ctx *datamodel.Context) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.dataCalls[ctx.Key()]
}

func (f *FakeDebuggee) ListChildren(parent *datamodel.Context, rm *concurrent.DataRequestMonitor[[]*datamodel.Context]) {
	f.lock.Lock()
	f.childrenCalls[parent.Key()]++
	err := f.childrenErr[parent.Key()]
	var children []*datamodel.Context
	if err == nil {
		children, err = f.children(parent)
	}
	gate := f.held[parent.Key()]
	f.lock.Unlock()
	f.complete(gate, func() {
		if err != nil {
			concurrent.Fail(rm, err)
			return
		}
		rm.Succeed(children)
	})
}

func (f *FakeDebuggee) children(parent *datamodel.Context) ([]*datamodel.Context, error) {
	if parent == nil {
		return append([]*datamodel.Context(nil), f.processes...), nil
	}
	value, ok := f.entities[parent.Key()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", parent, e.ErrInvalidHandle)
	}
	if parent.Kind() != datamodel.KindThread {
		return append([]*datamodel.Context(nil), value.children...), nil
	}
	if !value.suspended {
		return nil, nil
	}
	frames := make([]*datamodel.Context, len(value.frames))
	for i := range value.frames {
		frames[i] = datamodel.NewFrame(parent, i)
	}
	return frames, nil
}

func (f *FakeDebuggee) GetData(ctx *datamodel.Context, rm *concurrent.DataRequestMonitor[*service.EntityData]) {
	f.lock.Lock()
	f.dataCalls[ctx.Key()]++
	err := f.dataErr[ctx.Key()]
	var data *service.EntityData
	if err == nil {
		data, err = f.data(ctx)
	}
	gate := f.held[ctx.Key()]
	f.lock.Unlock()
	f.complete(gate, func() {
		if err != nil {
			concurrent.Fail(rm, err)
			return
		}
		rm.Succeed(data)
	})
}

func (f *FakeDebuggee) data(ctx *datamodel.Context) (*service.EntityData, error) {
	if ctx.Kind() == datamodel.KindFrame {
		thread, ok := f.entities[ctx.Parent().Key()]
		level := ctx.IntID()
		if !ok || level < 0 || level >= len(thread.frames) {
			return nil, fmt.Errorf("%s: %w", ctx, e.ErrInvalidHandle)
		}
		frame := thread.frames[level]
		return &frame, nil
	}
	value, ok := f.entities[ctx.Key()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ctx, e.ErrInvalidHandle)
	}
	return &service.EntityData{
		Name:     value.name,
		ID:       ctx.ID(),
		Cores:    value.cores,
		ExitCode: value.exitCode,
	}, nil
}

// IsSuspended 线程返回自身状态，进程和线程组在所有线程都暂停时返回true
func (f *FakeDebuggee) IsSuspended(ctx *datamodel.Context) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.isSuspended(ctx)
}

func (f *FakeDebuggee) isSuspended(ctx *datamodel.Context) bool {
	if thread := datamodel.AncestorOfKind(ctx, datamodel.KindThread); thread != nil {
		value, ok := f.entities[thread.Key()]
		return ok && value.suspended
	}
	value, ok := f.entities[ctx.Key()]
	if !ok || len(value.children) == 0 {
		return false
	}
	for _, child := range value.children {
		if !f.isSuspended(child) {
			return false
		}
	}
	return true
}

func (f *FakeDebuggee) IsStepping(ctx *datamodel.Context) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	value, ok := f.entities[ctx.Key()]
	return ok && value.stepping
}

// Hold ctx的查询在调用release之前不会返回，ctx为nil时对应根的子对象查询
func (f *FakeDebuggee) Hold(ctx *datamodel.Context) (release func()) {
	f.lock.Lock()
	defer f.lock.Unlock()
	gate := make(chan struct{})
	f.held[ctx.Key()] = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			f.lock.Lock()
			if f.held[ctx.Key()] == gate {
				delete(f.held, ctx.Key())
			}
			f.lock.Unlock()
			close(gate)
		})
	}
}

func (f *FakeDebuggee) complete(gate chan struct{}, fn func()) {
	if gate != nil {
		go func() {
			<-gate
			fn()
		}()
		return
	}
	if f.Sync {
		fn()
		return
	}
	go fn()
}

func removeContext(list []*datamodel.Context, ctx *datamodel.Context) []*datamodel.Context {
	answer := make([]*datamodel.Context, 0, len(list))
	for _, item := range list {
		if !item.Equal(ctx) {
			answer = append(answer, item)
		}
	}
	return answer
}
