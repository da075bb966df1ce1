package datamodel

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind 调试对象的类型
type Kind int

const (
	KindProcess Kind = iota + 1
	KindGroup
	KindThread
	KindFrame
)

func (k Kind) String() string {
	switch k {
	case KindProcess:
		return "process"
	case KindGroup:
		return "group"
	case KindThread:
		return "thread"
	case KindFrame:
		return "frame"
	default:
		return "unknown"
	}
}

func (k Kind) short() string {
	switch k {
	case KindProcess:
		return "p"
	case KindGroup:
		return "g"
	case KindThread:
		return "t"
	case KindFrame:
		return "f"
	default:
		return "?"
	}
}

// Context 被调试程序中一个对象（进程、线程组、线程、栈帧）的标识
//
// Context创建以后不会再被修改，对象发生变化时创建一个相同标识的新Context。
// 两个Context只要session、类型、id以及整条父链相同就相等，
// 因此独立获取的两个"进程7的线程3"可以作为同一个缓存key使用。
type Context struct {
	sessionID string
	kind      Kind
	id        string
	parent    *Context
	key       string
}

func newContext(sessionID string, kind Kind, id string, parent *Context) *Context {
	c := &Context{
		sessionID: sessionID,
		kind:      kind,
		id:        id,
		parent:    parent,
	}
	prefix := sessionID
	if parent != nil {
		prefix = parent.key
	}
	c.key = fmt.Sprintf("%s/%s:%s", prefix, kind.short(), escape(id))
	return c
}

// NewProcess 创建进程标识
func NewProcess(sessionID string, pid string) *Context {
	return newContext(sessionID, KindProcess, pid, nil)
}

// NewGroup 创建线程组标识，parent为进程或者线程组
func NewGroup(parent *Context, id string) *Context {
	return newContext(parent.sessionID, KindGroup, id, parent)
}

// NewThread 创建线程标识
func NewThread(parent *Context, tid string) *Context {
	return newContext(parent.sessionID, KindThread, tid, parent)
}

// NewFrame 创建栈帧标识，level为栈帧在调用栈中的层级，栈顶为0
func NewFrame(thread *Context, level int) *Context {
	return newContext(thread.sessionID, KindFrame, strconv.Itoa(level), thread)
}

func (c *Context) SessionID() string {
	if c == nil {
		return ""
	}
	return c.sessionID
}

func (c *Context) Kind() Kind {
	if c == nil {
		return 0
	}
	return c.kind
}

func (c *Context) ID() string {
	if c == nil {
		return ""
	}
	return c.id
}

// IntID id为数字时返回该数字，否则返回-1
func (c *Context) IntID() int {
	if c == nil {
		return -1
	}
	id, err := strconv.Atoi(c.id)
	if err != nil {
		return -1
	}
	return id
}

func (c *Context) Parent() *Context {
	if c == nil {
		return nil
	}
	return c.parent
}

// Key 结构化的唯一标识，可以作为map的key
func (c *Context) Key() string {
	if c == nil {
		return ""
	}
	return c.key
}

// Equal 结构化比较
func (c *Context) Equal(other *Context) bool {
	return c.Key() == other.Key()
}

// AncestorOfKind 沿着父链查找最近的指定类型的对象，包括自身，没有时返回nil
func AncestorOfKind(c *Context, kind Kind) *Context {
	for current := c; current != nil; current = current.parent {
		if current.kind == kind {
			return current
		}
	}
	return nil
}

// IsAncestorOf 判断c是否为other的祖先（不包括other自身）
func (c *Context) IsAncestorOf(other *Context) bool {
	if c == nil || other == nil {
		return false
	}
	for current := other.parent; current != nil; current = current.parent {
		if current.key == c.key {
			return true
		}
	}
	return false
}

// Covers c与other相等或者是other的祖先
func (c *Context) Covers(other *Context) bool {
	return c.Equal(other) || c.IsAncestorOf(other)
}

// Depth 父链的长度，进程为1
func (c *Context) Depth() int {
	depth := 0
	for current := c; current != nil; current = current.parent {
		depth++
	}
	return depth
}

func (c *Context) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%s)", c.kind, c.key)
}

func escape(id string) string {
	return strings.NewReplacer("%", "%25", "/", "%2F", ":", "%3A").Replace(id)
}
