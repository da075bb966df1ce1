package service

import (
	"sync"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/fansqz/go-dsf/concurrent"
	"github.com/fansqz/go-dsf/datamodel"
	"github.com/sirupsen/logrus"
)

// flight 一次正在进行的查询，查询完成前的同一请求都会等待这次查询的结果
type flight[T any] struct {
	generation int
	waiters    []*concurrent.DataRequestMonitor[T]
}

// cacheSlot 一个缓存值
// flush只会把值标记为无效并归档，不会删除。
// 每次flush都会让generation加一，flush之前发出的查询返回时不会再写入缓存。
type cacheSlot[T any] struct {
	value      T
	valid      bool
	archived   T
	hasArchive bool
	generation int
	inflight   *flight[T]
}

func (s *cacheSlot[T]) flush() {
	if s.valid {
		s.archived = s.value
		s.hasArchive = true
	}
	s.valid = false
	s.generation++
	s.inflight = nil
}

type cacheEntry struct {
	ctx      *datamodel.Context
	children cacheSlot[[]*datamodel.Context]
	data     cacheSlot[*EntityData]
}

// CachingQueryService 带缓存的QueryService
// 结果一直有效，直到显式flush。同一个对象的并发查询只会向被调试程序发出一次。
type CachingQueryService struct {
	delegate QueryService

	lock       sync.Mutex
	entries    *linkedhashmap.Map
	flushCount int
}

func NewCachingQueryService(delegate QueryService) *CachingQueryService {
	return &CachingQueryService{
		delegate: delegate,
		entries:  linkedhashmap.New(),
	}
}

// ListChildren 获取子对象，缓存有效时直接返回
func (c *CachingQueryService) ListChildren(parent *datamodel.Context, rm *concurrent.DataRequestMonitor[[]*datamodel.Context]) {
	c.lock.Lock()
	slot := &c.entry(parent).children
	getCached(c, slot, rm, func(fetch *concurrent.DataRequestMonitor[[]*datamodel.Context]) {
		c.delegate.ListChildren(parent, fetch)
	})
}

// GetData 获取对象属性，缓存有效时直接返回
func (c *CachingQueryService) GetData(ctx *datamodel.Context, rm *concurrent.DataRequestMonitor[*EntityData]) {
	c.lock.Lock()
	slot := &c.entry(ctx).data
	getCached(c, slot, rm, func(fetch *concurrent.DataRequestMonitor[*EntityData]) {
		c.delegate.GetData(ctx, fetch)
	})
}

// getCached 调用前需要持有c.lock，函数返回前会释放
func getCached[T any](c *CachingQueryService, slot *cacheSlot[T], rm *concurrent.DataRequestMonitor[T],
	fetch func(fetch *concurrent.DataRequestMonitor[T])) {
	if slot.valid {
		value := slot.value
		c.lock.Unlock()
		rm.Succeed(value)
		return
	}
	if slot.inflight != nil {
		slot.inflight.waiters = append(slot.inflight.waiters, rm)
		c.lock.Unlock()
		return
	}
	current := &flight[T]{generation: slot.generation, waiters: []*concurrent.DataRequestMonitor[T]{rm}}
	slot.inflight = current
	c.lock.Unlock()

	// 查询结果直接在返回的协程中处理，再由每个等待者自己的执行器回调，
	// 这样session执行器关闭以后等待者依然能够收到失败
	fetchRm := concurrent.NewDataRequestMonitor[T](concurrent.ImmediateExecutor, nil)
	fetchRm.OnCompleted(func() {
		c.lock.Lock()
		if slot.inflight == current {
			slot.inflight = nil
		}
		if fetchRm.IsSuccess() && slot.generation == current.generation {
			slot.value = fetchRm.Data()
			slot.valid = true
		}
		waiters := current.waiters
		c.lock.Unlock()

		for _, waiter := range waiters {
			if err := fetchRm.Err(); err != nil {
				concurrent.Fail(waiter, err)
				continue
			}
			waiter.Succeed(fetchRm.Data())
		}
	})
	fetch(fetchRm)
}

// entry 调用前需要持有c.lock
func (c *CachingQueryService) entry(ctx *datamodel.Context) *cacheEntry {
	if value, found := c.entries.Get(ctx.Key()); found {
		return value.(*cacheEntry)
	}
	entry := &cacheEntry{ctx: ctx}
	c.entries.Put(ctx.Key(), entry)
	return entry
}

// Flush 让scope以及它所有后代的缓存失效，scope为nil时清空全部缓存
func (c *CachingQueryService) Flush(scope *datamodel.Context) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.flushCount++
	flushed := 0
	c.entries.Each(func(_ interface{}, value interface{}) {
		entry := value.(*cacheEntry)
		if scope == nil || scope.Covers(entry.ctx) {
			entry.children.flush()
			entry.data.flush()
			flushed++
		}
	})
	logrus.Debugf("[CachingQueryService] flush %v, %d entries", scope, flushed)
}

// FlushChildren 只让parent的子对象列表失效
func (c *CachingQueryService) FlushChildren(parent *datamodel.Context) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.flushCount++
	if value, found := c.entries.Get(parent.Key()); found {
		value.(*cacheEntry).children.flush()
	}
}

// IsValid ctx是否有任意一项缓存有效
func (c *CachingQueryService) IsValid(ctx *datamodel.Context) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	value, found := c.entries.Get(ctx.Key())
	if !found {
		return false
	}
	entry := value.(*cacheEntry)
	return entry.children.valid || entry.data.valid
}

// ValidCount 有效的缓存项数量
func (c *CachingQueryService) ValidCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	count := 0
	c.entries.Each(func(_ interface{}, value interface{}) {
		entry := value.(*cacheEntry)
		if entry.children.valid || entry.data.valid {
			count++
		}
	})
	return count
}

// Archived 最近一次失效前的缓存值
func (c *CachingQueryService) Archived(ctx *datamodel.Context) ([]*datamodel.Context, *EntityData, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	value, found := c.entries.Get(ctx.Key())
	if !found {
		return nil, nil, false
	}
	entry := value.(*cacheEntry)
	return entry.children.archived, entry.data.archived, entry.children.hasArchive || entry.data.hasArchive
}

// FlushCount flush的次数
func (c *CachingQueryService) FlushCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.flushCount
}

// HandleEvent 按照事件让相关的缓存失效，需要在其他监听器之前注册到事件总线上
func (c *CachingQueryService) HandleEvent(ev Event) {
	switch ev := ev.(type) {
	case *StartedEvent:
		c.FlushChildren(ev.Context().Parent())
	case *ExitedEvent:
		c.FlushChildren(ev.Context().Parent())
		c.Flush(ev.Context())
	case *SuspendedEvent:
		c.Flush(ev.Context())
	case *ResumedEvent:
		c.Flush(ev.Context())
	case *ContainerLayoutChangedEvent:
		c.Flush(ev.Context())
	case *FullRefreshEvent, *ShutdownEvent:
		c.Flush(nil)
	}
}
