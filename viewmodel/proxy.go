package viewmodel

import (
	"errors"

	"github.com/fansqz/go-dsf/concurrent"
	e "github.com/fansqz/go-dsf/error"
	"github.com/fansqz/go-dsf/service"
	"github.com/sirupsen/logrus"
)

// nodeFlags 子节点和它可能产生的增量
type nodeFlags struct {
	node  Node
	flags Flags
}

// deltaBuilder 为一个事件构建增量
// 所有方法都在session执行器中执行，builder只在一次事件处理中使用。
type deltaBuilder struct {
	provider *Provider
	ev       service.Event
	executor concurrent.Executor
}

func newDeltaBuilder(provider *Provider, ev service.Event) *deltaBuilder {
	return &deltaBuilder{
		provider: provider,
		ev:       ev,
		executor: provider.session.Executor(),
	}
}

// build 从根元素开始构建增量，完成后去掉冗余的标志
func (b *deltaBuilder) build(rm *concurrent.DataRequestMonitor[*Delta]) {
	rootNode := b.provider.rootNode
	root := NewRootDelta(rootNode.DeltaFlags(b.ev))
	childNodes := b.childNodesWithDeltaFlags(rootNode, root)
	if len(childNodes) == 0 {
		rm.Succeed(root)
		return
	}
	buildRm := concurrent.NewRequestMonitor(b.executor, rm)
	buildRm.OnSuccess(func() {
		root.Prune()
		rm.Succeed(root)
	})
	b.callChildNodesToBuildDelta(rootNode, childNodes, root, buildRm)
}

// deltaFlags node以及它的子孙节点可能产生的增量
// 子孙节点的CONTENT对node来说只是STATE；祖先已经有CONTENT时不再需要CONTENT和STATE。
func (b *deltaBuilder) deltaFlags(node Node, parentDelta *Delta) Flags {
	return b.provider.deltaFlags(node, parentDelta, b.ev)
}

// childNodesWithDeltaFlags 按照定义顺序返回有增量的子节点
func (b *deltaBuilder) childNodesWithDeltaFlags(node Node, parentDelta *Delta) []nodeFlags {
	var answer []nodeFlags
	for _, child := range b.provider.childNodes(node) {
		if child == node {
			continue
		}
		if flags := b.deltaFlags(child, parentDelta); flags != NoChange {
			answer = append(answer, nodeFlags{child, flags})
		}
	}
	return answer
}

// callChildNodesToBuildDelta 让子节点在delta上构建增量，再继续构建子节点元素下的增量
func (b *deltaBuilder) callChildNodesToBuildDelta(node Node, childNodes []nodeFlags, delta *Delta, rm *concurrent.RequestMonitor) {
	calculateOffsets := false
	for _, child := range childNodes {
		if child.flags.Has(Select) || child.flags.Has(Expand) {
			calculateOffsets = true
			break
		}
	}
	offsetsRm := concurrent.NewDataRequestMonitor[map[Node]int](b.executor, rm)
	offsetsRm.OnSuccess(func() {
		offsets := offsetsRm.Data()
		delta.SetChildCount(offsets[nil])
		multiRm := concurrent.NewCountingRequestMonitor(b.executor, rm)
		count := 0
		for _, child := range childNodes {
			childNode := child.node
			nodeOffset := offsets[childNode]
			buildRm := concurrent.NewRequestMonitor(b.executor, multiRm)
			buildRm.OnSuccess(func() {
				b.buildChildDeltas(childNode, delta, nodeOffset, concurrent.NewRequestMonitor(b.executor, multiRm))
			})
			childNode.BuildDelta(b.ev, delta, nodeOffset, buildRm)
			count++
		}
		b.setDoneCount(multiRm, count)
	})
	b.childNodeOffsets(node, delta, calculateOffsets, offsetsRm)
}

// childNodeOffsets 每个子节点的第一个元素在delta子元素中的位置，key为nil时是子元素总数
// 不需要计算时位置都是-1
func (b *deltaBuilder) childNodeOffsets(node Node, delta *Delta, calculate bool, rm *concurrent.DataRequestMonitor[map[Node]int]) {
	childNodes := b.provider.childNodes(node)
	if !calculate {
		offsets := map[Node]int{nil: -1}
		for _, child := range childNodes {
			offsets[child] = -1
		}
		rm.Succeed(offsets)
		return
	}
	counts := make([]int, len(childNodes))
	crm := concurrent.NewCountingRequestMonitor(b.executor, rm)
	crm.OnSuccess(func() {
		offsets := make(map[Node]int, len(childNodes)+1)
		offset := 0
		for i, child := range childNodes {
			offsets[child] = offset
			offset += counts[i]
		}
		offsets[nil] = offset
		rm.Succeed(offsets)
	})
	path := delta.Path()
	for i, child := range childNodes {
		index := i
		countRm := concurrent.NewDataRequestMonitor[[]Element](b.executor, crm)
		countRm.OnCompleted(func() {
			if err := countRm.Err(); err != nil {
				logrus.Debugf("[DeltaBuilder] count children of %s fail, err = %v", path.Last(), err)
			}
			counts[index] = len(countRm.Data())
			crm.Done()
		})
		child.UpdateChildren(path, countRm)
	}
	b.setDoneCount(crm, len(childNodes))
}

// buildChildDeltas 为node中与事件相关的元素构建子增量
// node无法确定事件相关的元素时，对parentDelta下node的所有元素构建
func (b *deltaBuilder) buildChildDeltas(node Node, parentDelta *Delta, nodeOffset int, rm *concurrent.RequestMonitor) {
	contextsRm := concurrent.NewDataRequestMonitor[[]Element](b.executor, rm)
	contextsRm.OnCompleted(func() {
		err := contextsRm.Err()
		switch {
		case err == nil:
			b.buildChildDeltasForEventContext(contextsRm.Data(), node, parentDelta, nodeOffset, rm)
		case errors.Is(err, e.ErrNotSupported):
			b.buildChildDeltasForAllContexts(node, parentDelta, nodeOffset, rm)
		default:
			concurrent.Fail(rm, err)
		}
	})
	node.ContextsForEvent(parentDelta, b.ev, contextsRm)
}

func (b *deltaBuilder) buildChildDeltasForEventContext(elements []Element, node Node, parentDelta *Delta, nodeOffset int, rm *concurrent.RequestMonitor) {
	childNodes := b.childNodesWithDeltaFlags(node, parentDelta)
	if len(childNodes) == 0 || len(elements) == 0 {
		rm.Done()
		return
	}
	calculateIndex := false
	if nodeOffset >= 0 {
		for _, child := range childNodes {
			if child.flags.Has(Select) || child.flags.Has(Expand) {
				calculateIndex = true
				break
			}
		}
	}
	if !calculateIndex {
		crm := concurrent.NewCountingRequestMonitor(b.executor, rm)
		for _, element := range elements {
			delta := parentDelta.AddNode(element, -1, NoChange)
			b.callChildNodesToBuildDelta(node, childNodes, delta, concurrent.NewRequestMonitor(b.executor, crm))
		}
		b.setDoneCount(crm, len(elements))
		return
	}
	// 需要先获取所有元素才能知道事件元素的位置
	listRm := concurrent.NewDataRequestMonitor[[]Element](b.executor, rm)
	listRm.OnSuccess(func() {
		all := listRm.Data()
		crm := concurrent.NewCountingRequestMonitor(b.executor, rm)
		count := 0
		for _, element := range elements {
			i := indexOf(all, element)
			if i < 0 {
				continue
			}
			delta := parentDelta.AddNode(element, nodeOffset+i, NoChange)
			b.callChildNodesToBuildDelta(node, childNodes, delta, concurrent.NewRequestMonitor(b.executor, crm))
			count++
		}
		b.setDoneCount(crm, count)
	})
	node.UpdateChildren(parentDelta.Path(), listRm)
}

func (b *deltaBuilder) buildChildDeltasForAllContexts(node Node, parentDelta *Delta, nodeOffset int, rm *concurrent.RequestMonitor) {
	childNodes := b.childNodesWithDeltaFlags(node, parentDelta)
	if len(childNodes) == 0 {
		rm.Done()
		return
	}
	// 子节点只有STATE时不需要元素的路径，直接在parentDelta上构建；
	// 更深的节点需要CONTENT时也加在parentDelta上
	mustGetElements := false
	updateFlagsOnly := true
	for _, child := range childNodes {
		if child.flags&^State != 0 {
			mustGetElements = true
		}
		if child.flags&^(State|Content) != 0 {
			updateFlagsOnly = false
		}
	}
	if !mustGetElements {
		b.callChildNodesToBuildDelta(node, childNodes, parentDelta, rm)
		return
	}
	listRm := concurrent.NewDataRequestMonitor[[]Element](b.executor, rm)
	listRm.OnCompleted(func() {
		if err := listRm.Err(); err != nil {
			logrus.Debugf("[DeltaBuilder] %s children of %s fail, err = %v", node.Name(), parentDelta.Element(), err)
		}
		elements := listRm.Data()
		if len(elements) == 0 {
			if updateFlagsOnly {
				b.callChildNodesToBuildDelta(node, childNodes, parentDelta, rm)
			} else {
				rm.Done()
			}
			return
		}
		crm := concurrent.NewCountingRequestMonitor(b.executor, rm)
		for i, element := range elements {
			delta := parentDelta.AddNode(element, elementIndex(nodeOffset, i), NoChange)
			b.callChildNodesToBuildDelta(node, childNodes, delta, concurrent.NewRequestMonitor(b.executor, crm))
		}
		b.setDoneCount(crm, len(elements))
	})
	node.UpdateChildren(parentDelta.Path(), listRm)
}

func (b *deltaBuilder) setDoneCount(crm *concurrent.CountingRequestMonitor, count int) {
	if err := crm.SetDoneCount(count); err != nil {
		logrus.Errorf("[DeltaBuilder] %s set done count fail, err = %v", service.EventName(b.ev), err)
	}
}
