package concurrent

import (
	"errors"
	"fmt"
	"sync"

	e "github.com/fansqz/go-dsf/error"
	"github.com/sirupsen/logrus"
)

// CountingRequestMonitor 等待N个子请求完成以后才完成的RequestMonitor
//
// 子请求把它作为parent，或者直接调用它的Done。
// 完成回调只会执行一次，并且只有在SetDoneCount登记了期望数量、
// 并且收到的Done数量达到期望数量以后才会执行。
// 子请求在SetDoneCount之前完成是允许的，这时只计数，不会提前完成。
// 子请求的失败不会中断其他子请求，所有错误在完成时合并。
type CountingRequestMonitor struct {
	*RequestMonitor

	countLock sync.Mutex
	doneCount int
	received  int
	errs      []error
	fired     bool
}

func NewCountingRequestMonitor(executor Executor, parent Monitor) *CountingRequestMonitor {
	return &CountingRequestMonitor{
		RequestMonitor: NewRequestMonitor(executor, parent),
		doneCount:      -1,
	}
}

// SetDoneCount 登记期望的子请求数量，只能调用一次；count为0时立即完成
func (c *CountingRequestMonitor) SetDoneCount(count int) error {
	c.countLock.Lock()
	if c.doneCount >= 0 {
		c.countLock.Unlock()
		return e.ErrDoneCountAlreadySet
	}
	if count < 0 {
		count = 0
	}
	c.doneCount = count
	if c.received > count {
		logrus.Warnf("[CountingRequestMonitor] received %d done signals, expected %d", c.received, count)
	}
	c.countLock.Unlock()
	c.tryComplete()
	return nil
}

// SetError 记录子请求的错误
func (c *CountingRequestMonitor) SetError(err error) {
	if err == nil {
		return
	}
	c.countLock.Lock()
	defer c.countLock.Unlock()
	c.errs = append(c.errs, err)
}

// Done 一个子请求完成
func (c *CountingRequestMonitor) Done() {
	c.countLock.Lock()
	if c.fired {
		c.countLock.Unlock()
		logrus.Warnf("[CountingRequestMonitor] extra done signal after completion")
		return
	}
	c.received++
	c.countLock.Unlock()
	c.tryComplete()
}

// Received 已经收到的Done数量
func (c *CountingRequestMonitor) Received() int {
	c.countLock.Lock()
	defer c.countLock.Unlock()
	return c.received
}

func (c *CountingRequestMonitor) tryComplete() {
	c.countLock.Lock()
	if c.fired || c.doneCount < 0 || c.received < c.doneCount {
		c.countLock.Unlock()
		return
	}
	c.fired = true
	errs := c.errs
	c.countLock.Unlock()

	if len(errs) > 0 {
		c.RequestMonitor.SetError(errors.Join(errs...))
	}
	c.RequestMonitor.Done()
}

func (c *CountingRequestMonitor) String() string {
	c.countLock.Lock()
	defer c.countLock.Unlock()
	return fmt.Sprintf("CountingRequestMonitor(%d/%d)", c.received, c.doneCount)
}
