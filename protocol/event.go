package protocol

import "github.com/fansqz/go-dsf/constants"

// DeltaEvent
// 视图树需要更新，Cause为产生增量的事件
type DeltaEvent struct {
	Event constants.EventType `json:"event"`
	Cause string              `json:"cause"`
	Delta *DeltaNode          `json:"delta"`
}

// DeltaNode 增量树中的一个节点
type DeltaNode struct {
	Key   string `json:"key"`
	Flags string `json:"flags"`
	// Index 元素在父元素所有子元素中的位置，未知时为-1
	Index      int          `json:"index"`
	ChildCount int          `json:"childCount"`
	Children   []*DeltaNode `json:"children,omitempty"`
}

// TerminatedEvent
// 调试会话结束
type TerminatedEvent struct {
	Event constants.EventType `json:"event"`
}
