package viewmodel

import (
	"strings"

	"github.com/fansqz/go-dsf/datamodel"
)

// ElementKind 视图元素的类型
type ElementKind int

const (
	// ElementRoot 视图的根元素
	ElementRoot ElementKind = iota
	// ElementEntity 被调试程序中的一个对象
	ElementEntity
	// ElementIncompleteStack 栈帧数量超过限制时，放在最后一个栈帧后面的占位元素
	ElementIncompleteStack
)

const (
	rootKey            = "<root>"
	incompleteStackKey = "<more>"
	// IncompleteStackLabel 占位元素的显示文本
	IncompleteStackLabel = "<...more frames...>"
)

// Element 视图树中的一个元素
type Element struct {
	kind ElementKind
	ctx  *datamodel.Context
}

// RootElement 所有路径的第一个元素
var RootElement = Element{kind: ElementRoot}

func NewElement(ctx *datamodel.Context) Element {
	return Element{kind: ElementEntity, ctx: ctx}
}

func newIncompleteStack(thread *datamodel.Context) Element {
	return Element{kind: ElementIncompleteStack, ctx: thread}
}

func (e Element) Kind() ElementKind {
	return e.kind
}

// Context 元素对应的对象，根元素返回nil，占位元素返回所属线程
func (e Element) Context() *datamodel.Context {
	return e.ctx
}

func (e Element) IsRoot() bool {
	return e.kind == ElementRoot
}

func (e Element) IsIncompleteStack() bool {
	return e.kind == ElementIncompleteStack
}

func (e Element) Key() string {
	switch e.kind {
	case ElementRoot:
		return rootKey
	case ElementIncompleteStack:
		return e.ctx.Key() + "/" + incompleteStackKey
	default:
		return e.ctx.Key()
	}
}

func (e Element) Equal(other Element) bool {
	return e.Key() == other.Key()
}

func (e Element) String() string {
	switch e.kind {
	case ElementRoot:
		return rootKey
	case ElementIncompleteStack:
		return IncompleteStackLabel
	default:
		return e.ctx.String()
	}
}

// TreePath 从根元素到某个元素的路径
type TreePath []Element

// RootPath 只包含根元素的路径
func RootPath() TreePath {
	return TreePath{RootElement}
}

// PathOf 根据对象的父链构造路径
func PathOf(ctx *datamodel.Context) TreePath {
	chain := make([]Element, 0, ctx.Depth()+1)
	for current := ctx; current != nil; current = current.Parent() {
		chain = append(chain, NewElement(current))
	}
	path := make(TreePath, 0, len(chain)+1)
	path = append(path, RootElement)
	for i := len(chain) - 1; i >= 0; i-- {
		path = append(path, chain[i])
	}
	return path
}

// Last 路径的最后一个元素，空路径返回根元素
func (p TreePath) Last() Element {
	if len(p) == 0 {
		return RootElement
	}
	return p[len(p)-1]
}

// Append 返回追加了element的新路径，不会修改p
func (p TreePath) Append(element Element) TreePath {
	answer := make(TreePath, len(p), len(p)+1)
	copy(answer, p)
	return append(answer, element)
}

func (p TreePath) Parent() TreePath {
	if len(p) <= 1 {
		return RootPath()
	}
	return p[:len(p)-1]
}

func (p TreePath) Key() string {
	keys := make([]string, len(p))
	for i, element := range p {
		keys[i] = element.Key()
	}
	return strings.Join(keys, "|")
}

func (p TreePath) String() string {
	names := make([]string, len(p))
	for i, element := range p {
		names[i] = element.String()
	}
	return strings.Join(names, " > ")
}

func indexOf(elements []Element, element Element) int {
	for i, current := range elements {
		if current.Equal(element) {
			return i
		}
	}
	return -1
}
