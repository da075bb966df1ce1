package viewmodel

import (
	"fmt"
	"strings"
)

// Flags 增量标志位
type Flags uint32

const (
	NoChange Flags = 0
	// Content 元素的子元素需要重新获取
	Content Flags = 1 << iota
	// State 元素自身的显示需要刷新
	State
	Select
	Expand
	// Force 与Select一起使用，即使用户已经选中了其他元素也强制选中
	Force
)

func (f Flags) Has(flags Flags) bool {
	return f&flags != 0
}

func (f Flags) String() string {
	if f == NoChange {
		return "NO_CHANGE"
	}
	var names []string
	for _, item := range []struct {
		flag Flags
		name string
	}{{Content, "CONTENT"}, {State, "STATE"}, {Select, "SELECT"}, {Expand, "EXPAND"}, {Force, "FORCE"}} {
		if f.Has(item.flag) {
			names = append(names, item.name)
		}
	}
	return strings.Join(names, "|")
}

// Delta 描述视图树需要如何更新的增量树
// 交给消费者之前会被冻结，冻结以后任何修改都会panic
type Delta struct {
	element    Element
	parent     *Delta
	flags      Flags
	index      int
	childCount int
	children   []*Delta
	frozen     bool
}

// NewRootDelta 创建根元素的增量
func NewRootDelta(flags Flags) *Delta {
	return &Delta{
		element:    RootElement,
		flags:      flags,
		index:      0,
		childCount: -1,
	}
}

func (d *Delta) checkMutable() {
	if d.root().frozen {
		panic(fmt.Sprintf("delta for %s is frozen", d.element))
	}
}

func (d *Delta) root() *Delta {
	current := d
	for current.parent != nil {
		current = current.parent
	}
	return current
}

// AddNode 添加子元素的增量，已经存在时合并标志位，index不小于0时更新位置
func (d *Delta) AddNode(element Element, index int, flags Flags) *Delta {
	d.checkMutable()
	if child := d.Child(element); child != nil {
		child.flags |= flags
		if index >= 0 {
			child.index = index
		}
		return child
	}
	child := &Delta{
		element:    element,
		parent:     d,
		flags:      flags,
		index:      index,
		childCount: -1,
	}
	d.children = append(d.children, child)
	return child
}

func (d *Delta) AddFlags(flags Flags) {
	d.checkMutable()
	d.flags |= flags
}

func (d *Delta) SetFlags(flags Flags) {
	d.checkMutable()
	d.flags = flags
}

func (d *Delta) SetChildCount(count int) {
	d.checkMutable()
	d.childCount = count
}

func (d *Delta) Element() Element {
	return d.element
}

func (d *Delta) Parent() *Delta {
	return d.parent
}

func (d *Delta) Flags() Flags {
	return d.flags
}

// Index 元素在父元素所有子元素中的位置，未知时为-1
func (d *Delta) Index() int {
	return d.index
}

func (d *Delta) ChildCount() int {
	return d.childCount
}

func (d *Delta) Children() []*Delta {
	return append([]*Delta(nil), d.children...)
}

// Child 直接子元素的增量
func (d *Delta) Child(element Element) *Delta {
	for _, child := range d.children {
		if child.element.Equal(element) {
			return child
		}
	}
	return nil
}

// Find 在整棵增量树中查找元素的增量
func (d *Delta) Find(element Element) *Delta {
	var answer *Delta
	d.Walk(func(delta *Delta, _ int) bool {
		if answer == nil && delta.element.Equal(element) {
			answer = delta
		}
		return answer == nil
	})
	return answer
}

// Path 从根元素到该增量元素的路径
func (d *Delta) Path() TreePath {
	var reversed []Element
	for current := d; current != nil; current = current.parent {
		reversed = append(reversed, current.element)
	}
	path := make(TreePath, len(reversed))
	for i, element := range reversed {
		path[len(reversed)-1-i] = element
	}
	return path
}

// Walk 先序遍历，fn返回false时不再访问该增量的子元素
func (d *Delta) Walk(fn func(delta *Delta, depth int) bool) {
	d.walk(fn, 0)
}

func (d *Delta) walk(fn func(delta *Delta, depth int) bool, depth int) {
	if !fn(d, depth) {
		return
	}
	for _, child := range d.children {
		child.walk(fn, depth+1)
	}
}

// HasContentAncestor 是否有祖先带有Content标志
func (d *Delta) HasContentAncestor() bool {
	for current := d.parent; current != nil; current = current.parent {
		if current.flags.Has(Content) {
			return true
		}
	}
	return false
}

// Prune 去掉冗余的标志位
// 祖先已经有Content时子孙的Content和State都是多余的，Select、Expand、Force保留。
// 之后没有标志位也没有子增量的节点会被删除。
func (d *Delta) Prune() {
	d.checkMutable()
	d.Walk(func(delta *Delta, _ int) bool {
		if delta.flags.Has(Content|State) && delta.HasContentAncestor() {
			delta.flags &^= Content | State
		}
		return true
	})
	d.removeEmpty()
}

func (d *Delta) removeEmpty() bool {
	kept := d.children[:0]
	for _, child := range d.children {
		if !child.removeEmpty() {
			kept = append(kept, child)
		}
	}
	for i := len(kept); i < len(d.children); i++ {
		d.children[i] = nil
	}
	d.children = kept
	return d.parent != nil && d.flags == NoChange && len(d.children) == 0
}

// Freeze 冻结整棵增量树
func (d *Delta) Freeze() {
	d.root().frozen = true
}

func (d *Delta) IsFrozen() bool {
	return d.root().frozen
}

func (d *Delta) String() string {
	var builder strings.Builder
	d.Walk(func(delta *Delta, depth int) bool {
		indent := strings.Repeat("    ", depth)
		fmt.Fprintf(&builder, "%sElement: %s\n", indent, delta.element)
		fmt.Fprintf(&builder, "%s    Flags: %s\n", indent, delta.flags)
		fmt.Fprintf(&builder, "%s    Index: %d Child Count: %d\n", indent, delta.index, delta.childCount)
		return true
	})
	return builder.String()
}
