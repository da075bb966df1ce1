package concurrent

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	e "github.com/fansqz/go-dsf/error"
	"github.com/sirupsen/logrus"
)

// Monitor 一次异步操作的结果句柄
// 生产者在得到结果以后调用SetError（如果失败）和Done，
// 完成回调会被提交到monitor的执行器上执行，不会在生产者的协程中同步执行。
// 执行器拒绝时例外：monitor以ErrRejectedExecution失败，回调在调用Done的协程中执行。
type Monitor interface {
	Executor() Executor
	SetError(err error)
	Done()
	IsCanceled() bool
}

// RequestMonitor 异步请求的完成句柄
// 没有设置回调时，完成以后会把结果传递给parent：成功则parent.Done()，失败则先把错误设置到parent。
type RequestMonitor struct {
	executor Executor
	parent   Monitor

	lock sync.Mutex
	err  error
	done bool

	canceled atomic.Bool

	onSuccess   func()
	onError     func(err error)
	onCompleted func()
}

// NewRequestMonitor 创建RequestMonitor，parent可以为nil
func NewRequestMonitor(executor Executor, parent Monitor) *RequestMonitor {
	if executor == nil {
		executor = ImmediateExecutor
	}
	return &RequestMonitor{
		executor: executor,
		parent:   parent,
	}
}

// OnSuccess 设置成功回调，失败时仍然把错误传递给parent
func (rm *RequestMonitor) OnSuccess(fn func()) *RequestMonitor {
	rm.onSuccess = fn
	return rm
}

// OnError 设置失败回调
func (rm *RequestMonitor) OnError(fn func(err error)) *RequestMonitor {
	rm.onError = fn
	return rm
}

// OnCompleted 设置完成回调，无论成功失败都会执行，设置以后OnSuccess和OnError不再生效
func (rm *RequestMonitor) OnCompleted(fn func()) *RequestMonitor {
	rm.onCompleted = fn
	return rm
}

func (rm *RequestMonitor) Executor() Executor {
	return rm.executor
}

func (rm *RequestMonitor) Parent() Monitor {
	return rm.parent
}

// SetError 设置失败原因，多次设置时保留所有错误
func (rm *RequestMonitor) SetError(err error) {
	if err == nil {
		return
	}
	rm.lock.Lock()
	defer rm.lock.Unlock()
	if rm.err == nil {
		rm.err = err
	} else {
		rm.err = errors.Join(rm.err, err)
	}
}

func (rm *RequestMonitor) Err() error {
	rm.lock.Lock()
	defer rm.lock.Unlock()
	return rm.err
}

func (rm *RequestMonitor) IsSuccess() bool {
	return rm.Err() == nil
}

func (rm *RequestMonitor) IsDone() bool {
	rm.lock.Lock()
	defer rm.lock.Unlock()
	return rm.done
}

// Cancel 标记取消，由生产者自行决定是否提前结束
func (rm *RequestMonitor) Cancel() {
	rm.canceled.Store(true)
}

// IsCanceled 自身或者任意一个祖先被取消
func (rm *RequestMonitor) IsCanceled() bool {
	if rm.canceled.Load() {
		return true
	}
	return rm.parent != nil && rm.parent.IsCanceled()
}

// Done 完成请求，只能调用一次
func (rm *RequestMonitor) Done() {
	rm.lock.Lock()
	if rm.done {
		rm.lock.Unlock()
		logrus.Warnf("[RequestMonitor] Done called twice, err = %v", e.ErrMonitorCompleted)
		return
	}
	rm.done = true
	rm.lock.Unlock()

	if err := rm.executor.Execute(rm.complete); err != nil {
		rm.handleRejectedExecution(err)
	}
}

func (rm *RequestMonitor) complete() {
	if rm.onCompleted != nil {
		rm.onCompleted()
		return
	}
	if err := rm.Err(); err != nil {
		if rm.onError != nil {
			rm.onError(err)
			return
		}
		rm.propagate(err)
		return
	}
	if rm.onSuccess != nil {
		rm.onSuccess()
		return
	}
	rm.propagate(nil)
}

func (rm *RequestMonitor) propagate(err error) {
	if rm.parent == nil {
		return
	}
	rm.parent.SetError(err)
	rm.parent.Done()
}

// handleRejectedExecution 执行器已经关闭，以失败在当前协程中完成，
// 回调照常执行，没有回调时失败传递给parent，等待中的请求不会一直挂起
func (rm *RequestMonitor) handleRejectedExecution(err error) {
	logrus.Debugf("[RequestMonitor] completion rejected, err = %v", err)
	if !errors.Is(err, e.ErrRejectedExecution) {
		err = fmt.Errorf("%w: %v", e.ErrRejectedExecution, err)
	}
	rm.SetError(err)
	rm.complete()
}

// Fail 设置错误并完成
func Fail(rm Monitor, err error) {
	rm.SetError(err)
	rm.Done()
}

// DataRequestMonitor 带返回数据的RequestMonitor
type DataRequestMonitor[T any] struct {
	*RequestMonitor
	data T
}

func NewDataRequestMonitor[T any](executor Executor, parent Monitor) *DataRequestMonitor[T] {
	return &DataRequestMonitor[T]{
		RequestMonitor: NewRequestMonitor(executor, parent),
	}
}

func (d *DataRequestMonitor[T]) SetData(data T) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.data = data
}

func (d *DataRequestMonitor[T]) Data() T {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.data
}

func (d *DataRequestMonitor[T]) OnSuccess(fn func()) *DataRequestMonitor[T] {
	d.RequestMonitor.OnSuccess(fn)
	return d
}

func (d *DataRequestMonitor[T]) OnError(fn func(err error)) *DataRequestMonitor[T] {
	d.RequestMonitor.OnError(fn)
	return d
}

func (d *DataRequestMonitor[T]) OnCompleted(fn func()) *DataRequestMonitor[T] {
	d.RequestMonitor.OnCompleted(fn)
	return d
}

// Succeed 设置数据并完成
func (d *DataRequestMonitor[T]) Succeed(data T) {
	d.SetData(data)
	d.Done()
}
