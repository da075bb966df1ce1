package concurrent

import (
	"context"
	"fmt"

	e "github.com/fansqz/go-dsf/error"
)

// Await 阻塞等待一个异步请求的结果
// call负责把请求提交出去，请求完成以后结果通过channel带回调用方。
// 只能在不属于任何串行执行器的协程中调用，否则可能导致死锁。
func Await[T any](ctx context.Context, call func(rm *DataRequestMonitor[T])) (T, error) {
	type result struct {
		data T
		err  error
	}
	channel := make(chan result, 1)
	rm := NewDataRequestMonitor[T](ImmediateExecutor, nil)
	rm.OnCompleted(func() {
		channel <- result{data: rm.Data(), err: rm.Err()}
	})
	call(rm)
	select {
	case r := <-channel:
		return r.data, r.err
	case <-ctx.Done():
		rm.Cancel()
		var zero T
		return zero, fmt.Errorf("%w: %v", e.ErrRequestTimeout, ctx.Err())
	}
}
