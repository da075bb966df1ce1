package dap_backend

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/fansqz/go-dsf/concurrent"
	"github.com/fansqz/go-dsf/datamodel"
	e "github.com/fansqz/go-dsf/error"
	"github.com/fansqz/go-dsf/service"
	"github.com/fansqz/go-dsf/utils/gosync"
	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"
)

// DefaultRequestTimeout 单个DAP请求的超时时间
const DefaultRequestTimeout = 5 * time.Second

// 没有收到process事件时使用的进程id
const defaultProcessID = "0"

type threadState struct {
	ctx       *datamodel.Context
	name      string
	suspended bool
	stepping  bool
	frames    []dap.StackFrame
}

// DAPBackend 通过DAP协议访问被调试程序，实现了QueryService和RunControl
// adapter发来的事件被转换成会话事件分发到事件总线上。
type DAPBackend struct {
	session *service.Session
	client  *Client
	timeout time.Duration

	lock        sync.Mutex
	process     *datamodel.Context
	processName string
	exitCode    *int
	// threads 线程id -> *threadState，按照线程id排序
	threads    *treemap.Map
	allStopped bool
}

func NewDAPBackend(session *service.Session, conn io.ReadWriteCloser) *DAPBackend {
	b := &DAPBackend{
		session: session,
		timeout: DefaultRequestTimeout,
		threads: treemap.NewWithIntComparator(),
	}
	b.client = NewClient(conn, b.handleEvent)
	return b
}

// SetRequestTimeout 设置单个请求的超时时间
func (b *DAPBackend) SetRequestTimeout(timeout time.Duration) {
	if timeout > 0 {
		b.timeout = timeout
	}
}

func (b *DAPBackend) Client() *Client {
	return b.client
}

// Run 读取adapter的消息，直到连接关闭
func (b *DAPBackend) Run(ctx context.Context) error {
	return b.client.Run(ctx)
}

// Initialize 发送initialize请求
func (b *DAPBackend) Initialize(ctx context.Context) error {
	_, err := b.client.Send(ctx, &dap.InitializeRequest{
		Request: newRequest("initialize"),
		Arguments: dap.InitializeRequestArguments{
			ClientID:      "go-dsf",
			AdapterID:     "go-dsf",
			LinesStartAt1: true,
		},
	})
	if err != nil {
		logrus.Errorf("[DAPBackend] initialize fail, err = %v", err)
	}
	return err
}

func (b *DAPBackend) Close() error {
	return b.client.Close()
}

func newRequest(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Type: "request"},
		Command:         command,
	}
}

// ListChildren 根返回进程，进程返回线程，暂停的线程返回栈帧
func (b *DAPBackend) ListChildren(parent *datamodel.Context, rm *concurrent.DataRequestMonitor[[]*datamodel.Context]) {
	if parent == nil {
		b.lock.Lock()
		process := b.process
		b.lock.Unlock()
		if process == nil {
			rm.Succeed(nil)
			return
		}
		rm.Succeed([]*datamodel.Context{process})
		return
	}
	switch parent.Kind() {
	case datamodel.KindProcess:
		if !b.isProcess(parent) {
			concurrent.Fail(rm, fmt.Errorf("%s: %w", parent, e.ErrInvalidHandle))
			return
		}
		complete(b, rm, b.fetchThreads)
	case datamodel.KindThread:
		if !b.IsSuspended(parent) {
			rm.Succeed(nil)
			return
		}
		complete(b, rm, func(ctx context.Context) ([]*datamodel.Context, error) {
			frames, err := b.fetchFrames(ctx, parent)
			if err != nil {
				return nil, err
			}
			answer := make([]*datamodel.Context, len(frames))
			for i := range frames {
				answer[i] = datamodel.NewFrame(parent, i)
			}
			return answer, nil
		})
	default:
		concurrent.Fail(rm, fmt.Errorf("list children of %s: %w", parent, e.ErrNotSupported))
	}
}

func (b *DAPBackend) GetData(ctx *datamodel.Context, rm *concurrent.DataRequestMonitor[*service.EntityData]) {
	if ctx.Kind() == datamodel.KindFrame {
		b.frameData(ctx, rm)
		return
	}
	data, err := b.entityData(ctx)
	if err != nil {
		concurrent.Fail(rm, err)
		return
	}
	rm.Succeed(data)
}

func (b *DAPBackend) entityData(ctx *datamodel.Context) (*service.EntityData, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	switch ctx.Kind() {
	case datamodel.KindProcess:
		if !ctx.Equal(b.process) {
			return nil, fmt.Errorf("%s: %w", ctx, e.ErrInvalidHandle)
		}
		return &service.EntityData{Name: b.processName, ID: ctx.ID(), ExitCode: b.exitCode}, nil
	case datamodel.KindThread:
		state, ok := b.thread(ctx.IntID())
		if !ok || !state.ctx.Equal(ctx) {
			return nil, fmt.Errorf("%s: %w", ctx, e.ErrInvalidHandle)
		}
		return &service.EntityData{Name: state.name, ID: ctx.ID()}, nil
	default:
		return nil, fmt.Errorf("data of %s: %w", ctx, e.ErrNotSupported)
	}
}

// frameData 优先使用线程暂停以后已经取到的调用栈
func (b *DAPBackend) frameData(ctx *datamodel.Context, rm *concurrent.DataRequestMonitor[*service.EntityData]) {
	thread := ctx.Parent()
	level := ctx.IntID()
	b.lock.Lock()
	var frames []dap.StackFrame
	if state, ok := b.thread(thread.IntID()); ok {
		frames = state.frames
	}
	b.lock.Unlock()
	if level >= 0 && level < len(frames) {
		rm.Succeed(toEntityData(frames[level]))
		return
	}
	complete(b, rm, func(requestCtx context.Context) (*service.EntityData, error) {
		frames, err := b.fetchFrames(requestCtx, thread)
		if err != nil {
			return nil, err
		}
		if level < 0 || level >= len(frames) {
			return nil, fmt.Errorf("%s: %w", ctx, e.ErrInvalidHandle)
		}
		return toEntityData(frames[level]), nil
	})
}

func toEntityData(frame dap.StackFrame) *service.EntityData {
	data := &service.EntityData{
		Name:     frame.Name,
		ID:       strconv.Itoa(frame.Id),
		Function: frame.Name,
		Line:     frame.Line,
		Address:  frame.InstructionPointerReference,
	}
	if frame.Source != nil {
		data.File = frame.Source.Name
		if data.File == "" {
			data.File = filepath.Base(frame.Source.Path)
		}
	}
	return data
}

// complete 在新的协程中执行请求，并把结果写入rm
func complete[T any](b *DAPBackend, rm *concurrent.DataRequestMonitor[T], fetch func(ctx context.Context) (T, error)) {
	gosync.Go(context.Background(), func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		data, err := fetch(ctx)
		if err != nil {
			concurrent.Fail(rm, err)
			return
		}
		rm.Succeed(data)
	})
}

// fetchThreads 查询线程列表，adapter返回的列表为准
func (b *DAPBackend) fetchThreads(ctx context.Context) ([]*datamodel.Context, error) {
	response, err := b.client.Send(ctx, &dap.ThreadsRequest{Request: newRequest("threads")})
	if err != nil {
		return nil, err
	}
	threadsResponse, ok := response.(*dap.ThreadsResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected threads response %T", response)
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	alive := make(map[int]bool, len(threadsResponse.Body.Threads))
	answer := make([]*datamodel.Context, 0, len(threadsResponse.Body.Threads))
	for _, thread := range threadsResponse.Body.Threads {
		state := b.ensureThread(thread.Id)
		state.name = thread.Name
		alive[thread.Id] = true
		answer = append(answer, state.ctx)
	}
	for _, key := range b.threads.Keys() {
		if !alive[key.(int)] {
			b.threads.Remove(key)
		}
	}
	return answer, nil
}

func (b *DAPBackend) fetchFrames(ctx context.Context, thread *datamodel.Context) ([]dap.StackFrame, error) {
	response, err := b.client.Send(ctx, &dap.StackTraceRequest{
		Request:   newRequest("stackTrace"),
		Arguments: dap.StackTraceArguments{ThreadId: thread.IntID()},
	})
	if err != nil {
		return nil, err
	}
	stackTraceResponse, ok := response.(*dap.StackTraceResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected stackTrace response %T", response)
	}
	frames := stackTraceResponse.Body.StackFrames
	b.lock.Lock()
	if state, ok := b.thread(thread.IntID()); ok && state.suspended {
		state.frames = frames
	}
	b.lock.Unlock()
	return frames, nil
}

// IsSuspended 线程返回自身状态，进程在所有线程都暂停时返回true
func (b *DAPBackend) IsSuspended(ctx *datamodel.Context) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	if thread := datamodel.AncestorOfKind(ctx, datamodel.KindThread); thread != nil {
		state, ok := b.thread(thread.IntID())
		return ok && state.suspended
	}
	if !ctx.Equal(b.process) {
		return false
	}
	if b.threads.Empty() {
		return b.allStopped
	}
	for _, value := range b.threads.Values() {
		if !value.(*threadState).suspended {
			return false
		}
	}
	return true
}

func (b *DAPBackend) IsStepping(ctx *datamodel.Context) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	state, ok := b.thread(ctx.IntID())
	return ctx.Kind() == datamodel.KindThread && ok && state.stepping
}

// Resume 恢复线程或者整个进程的运行
func (b *DAPBackend) Resume(ctx context.Context, target *datamodel.Context) error {
	tid, err := b.threadID(target)
	if err != nil {
		return err
	}
	_, err = b.client.Send(ctx, &dap.ContinueRequest{
		Request:   newRequest("continue"),
		Arguments: dap.ContinueArguments{ThreadId: tid, SingleThread: target.Kind() == datamodel.KindThread},
	})
	if err != nil {
		return err
	}
	b.resumed(target, service.ReasonUser)
	return nil
}

// Step 单步执行线程
func (b *DAPBackend) Step(ctx context.Context, thread *datamodel.Context) error {
	if thread.Kind() != datamodel.KindThread {
		return fmt.Errorf("step %s: %w", thread, e.ErrNotSupported)
	}
	_, err := b.client.Send(ctx, &dap.NextRequest{
		Request:   newRequest("next"),
		Arguments: dap.NextArguments{ThreadId: thread.IntID()},
	})
	if err != nil {
		return err
	}
	b.resumed(thread, service.ReasonStep)
	return nil
}

// Suspend 暂停线程，暂停完成以后adapter会发送stopped事件
func (b *DAPBackend) Suspend(ctx context.Context, target *datamodel.Context) error {
	tid, err := b.threadID(target)
	if err != nil {
		return err
	}
	_, err = b.client.Send(ctx, &dap.PauseRequest{
		Request:   newRequest("pause"),
		Arguments: dap.PauseArguments{ThreadId: tid},
	})
	return err
}

// threadID 线程返回自身id，进程返回第一个线程的id
func (b *DAPBackend) threadID(target *datamodel.Context) (int, error) {
	switch target.Kind() {
	case datamodel.KindThread:
		return target.IntID(), nil
	case datamodel.KindProcess:
		b.lock.Lock()
		defer b.lock.Unlock()
		if !target.Equal(b.process) {
			return 0, fmt.Errorf("%s: %w", target, e.ErrInvalidHandle)
		}
		if key, _ := b.threads.Min(); key != nil {
			return key.(int), nil
		}
		return 0, fmt.Errorf("%s has no threads: %w", target, e.ErrInvalidHandle)
	default:
		return 0, fmt.Errorf("run control of %s: %w", target, e.ErrNotSupported)
	}
}

func (b *DAPBackend) isProcess(ctx *datamodel.Context) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return ctx.Equal(b.process)
}

// thread 需要持有锁
func (b *DAPBackend) thread(tid int) (*threadState, bool) {
	value, found := b.threads.Get(tid)
	if !found {
		return nil, false
	}
	return value.(*threadState), true
}

// ensureProcess 需要持有锁，返回进程以及是否为新建
func (b *DAPBackend) ensureProcess(pid string) (*datamodel.Context, bool) {
	if b.process != nil {
		return b.process, false
	}
	b.process = datamodel.NewProcess(b.session.ID(), pid)
	return b.process, true
}

// ensureThread 需要持有锁
func (b *DAPBackend) ensureThread(tid int) *threadState {
	if state, ok := b.thread(tid); ok {
		return state
	}
	process, _ := b.ensureProcess(defaultProcessID)
	state := &threadState{
		ctx:       datamodel.NewThread(process, strconv.Itoa(tid)),
		name:      fmt.Sprintf("Thread %d", tid),
		suspended: b.allStopped,
	}
	b.threads.Put(tid, state)
	return state
}

// resumed 更新scope下所有线程的状态并发出ResumedEvent
func (b *DAPBackend) resumed(scope *datamodel.Context, reason service.StateChangeReason) {
	b.lock.Lock()
	for _, value := range b.threads.Values() {
		state := value.(*threadState)
		if scope.Covers(state.ctx) {
			state.suspended = false
			state.stepping = reason == service.ReasonStep
			state.frames = nil
		}
	}
	if scope.Kind() == datamodel.KindProcess {
		b.allStopped = false
	}
	b.lock.Unlock()
	b.dispatch(service.NewResumedEvent(scope, reason))
}

func (b *DAPBackend) dispatch(ev service.Event) {
	logrus.Debugf("[DAPBackend] %s %s", service.EventName(ev), ev.Context())
	_ = b.session.Bus().Dispatch(ev)
}
