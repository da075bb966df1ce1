package service

import (
	"sync"

	"github.com/fansqz/go-dsf/concurrent"
	"github.com/fansqz/go-dsf/utils/gosync"
	"github.com/sirupsen/logrus"
)

// EventListener 事件监听器，在session执行器中调用
type EventListener func(ev Event)

type listenerEntry struct {
	id       int
	listener EventListener
}

// EventBus 事件总线
// 事件按照到达顺序在session执行器中依次分发给监听器，监听器按照注册顺序调用
type EventBus struct {
	executor concurrent.Executor

	lock      sync.Mutex
	listeners []listenerEntry
	nextID    int
}

func NewEventBus(executor concurrent.Executor) *EventBus {
	return &EventBus{
		executor: executor,
	}
}

// AddListener 注册监听器，返回取消注册的函数
func (b *EventBus) AddListener(listener EventListener) func() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listenerEntry{id: id, listener: listener})
	return func() {
		b.removeListener(id)
	}
}

func (b *EventBus) removeListener(id int) {
	b.lock.Lock()
	defer b.lock.Unlock()
	for i, entry := range b.listeners {
		if entry.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Dispatch 把事件提交到session执行器中分发，执行器已经关闭时返回ErrRejectedExecution
func (b *EventBus) Dispatch(ev Event) error {
	err := b.executor.Execute(func() {
		b.dispatchNow(ev)
	})
	if err != nil {
		logrus.Warnf("[EventBus] dispatch %s fail, err = %v", EventName(ev), err)
	}
	return err
}

// dispatchNow 在当前任务中直接分发，只能在session执行器中调用
func (b *EventBus) dispatchNow(ev Event) {
	b.lock.Lock()
	listeners := make([]listenerEntry, len(b.listeners))
	copy(listeners, b.listeners)
	b.lock.Unlock()

	logrus.Debugf("[EventBus] dispatch %s to %d listeners", EventName(ev), len(listeners))
	for _, entry := range listeners {
		listener := entry.listener
		gosync.Run(func() { listener(ev) })
	}
}
