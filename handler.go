package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fansqz/go-dsf/constants"
	"github.com/fansqz/go-dsf/datamodel"
	e "github.com/fansqz/go-dsf/error"
	"github.com/fansqz/go-dsf/protocol"
	"github.com/fansqz/go-dsf/viewmodel"
	"github.com/sirupsen/logrus"
)

const (
	RequestTimeout = 10 * time.Second
	OptionTimeout  = 5 * time.Second
)

// Sender 把响应和事件发送给消费者
type Sender interface {
	Send(message interface{})
}

// RunController 运行控制命令，由调试后端实现
type RunController interface {
	Resume(ctx context.Context, target *datamodel.Context) error
	Step(ctx context.Context, thread *datamodel.Context) error
	Suspend(ctx context.Context, target *datamodel.Context) error
}

type ViewModelHandler struct {
	provider   *viewmodel.Provider
	runControl RunController
}

func NewViewModelHandler(provider *viewmodel.Provider, runControl RunController) *ViewModelHandler {
	return &ViewModelHandler{
		provider:   provider,
		runControl: runControl,
	}
}

func (h *ViewModelHandler) handle(ctx context.Context, sender Sender, req []byte) {
	type reqStruct struct {
		Type     constants.RequestType `json:"type"`
		Sequence uint                  `json:"sequence"`
	}
	r := &reqStruct{}
	// 判断请求类型
	if err := json.Unmarshal(req, &r); err != nil {
		logrus.Warnf("parse request error, err = %v", err)
		return
	}
	switch r.Type {
	case constants.ChildrenRequest:
		h.handleChildrenRequest(ctx, sender, req)
	case constants.PropertiesRequest:
		h.handlePropertiesRequest(ctx, sender, req)
	case constants.PinRequest:
		h.handlePinRequest(ctx, sender, req)
	case constants.UnpinRequest:
		h.handleUnpinRequest(ctx, sender, req)
	case constants.ExpandStackRequest:
		h.handleExpandStackRequest(ctx, sender, req)
	case constants.RefreshRequest:
		h.handleRefreshRequest(ctx, sender, req)
	case constants.FocusRequest:
		h.handleFocusRequest(ctx, sender, req)
	case constants.ContinueRequest, constants.StepRequest, constants.SuspendRequest:
		h.handleRunControlRequest(ctx, sender, r.Type, req)
	default:
		h.sendResponse(sender, r.Sequence, false, "request type not support", nil)
	}
}

func (h *ViewModelHandler) sendResponse(sender Sender, sequence uint, success bool, message string, body interface{}) {
	sender.Send(&protocol.Response{
		Sequence: sequence,
		Success:  success,
		Message:  message,
		Data:     body,
	})
}

func (h *ViewModelHandler) handleChildrenRequest(ctx context.Context, sender Sender, reqData []byte) {
	req := protocol.ChildrenRequest{}
	if err := json.Unmarshal(reqData, &req); err != nil {
		logrus.Warnf("parse request error, err = %v", err)
		h.sendResponse(sender, req.Sequence, false, err.Error(), nil)
		return
	}
	path, err := h.provider.ResolvePath(req.Path)
	if err != nil {
		h.sendResponse(sender, req.Sequence, false, err.Error(), nil)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()
	children, err := h.provider.Children(ctx, path)
	if err != nil {
		h.sendResponse(sender, req.Sequence, false, err.Error(), nil)
		return
	}
	answer := make([]protocol.Element, len(children))
	for i, child := range children {
		answer[i] = toProtocolElement(child)
	}
	h.sendResponse(sender, req.Sequence, true, "", answer)
}

func (h *ViewModelHandler) handlePropertiesRequest(ctx context.Context, sender Sender, reqData []byte) {
	req := protocol.PropertiesRequest{}
	if err := json.Unmarshal(reqData, &req); err != nil {
		logrus.Warnf("parse request error, err = %v", err)
		h.sendResponse(sender, req.Sequence, false, err.Error(), nil)
		return
	}
	path, err := h.provider.ResolvePath(req.Path)
	if err != nil {
		h.sendResponse(sender, req.Sequence, false, err.Error(), nil)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()
	result, err := h.provider.Properties(ctx, path, req.Properties)
	if err != nil {
		h.sendResponse(sender, req.Sequence, false, err.Error(), nil)
		return
	}
	answer := protocol.Properties{
		Values: make(map[string]interface{}, len(result.Values)),
		Errors: make(map[string]string, len(result.Errors)),
	}
	for prop, value := range result.Values {
		answer.Values[prop] = value
	}
	for prop, propErr := range result.Errors {
		answer.Errors[prop] = propErr.Error()
	}
	h.sendResponse(sender, req.Sequence, true, "", answer)
}

func (h *ViewModelHandler) handlePinRequest(ctx context.Context, sender Sender, reqData []byte) {
	req := protocol.PinRequest{}
	if err := json.Unmarshal(reqData, &req); err != nil {
		logrus.Warnf("parse request error, err = %v", err)
		h.sendResponse(sender, req.Sequence, false, err.Error(), nil)
		return
	}
	target, err := h.resolveContext(req.Path)
	if err != nil {
		h.sendResponse(sender, req.Sequence, false, err.Error(), nil)
		return
	}
	h.provider.Pin(target)
	h.sendResponse(sender, req.Sequence, true, "", nil)
}

func (h *ViewModelHandler) handleUnpinRequest(ctx context.Context, sender Sender, reqData []byte) {
	req := protocol.UnpinRequest{}
	if err := json.Unmarshal(reqData, &req); err != nil {
		logrus.Warnf("parse request error, err = %v", err)
		h.sendResponse(sender, req.Sequence, false, err.Error(), nil)
		return
	}
	target, err := h.resolveContext(req.Path)
	if err != nil {
		h.sendResponse(sender, req.Sequence, false, err.Error(), nil)
		return
	}
	h.provider.Unpin(target)
	h.sendResponse(sender, req.Sequence, true, "", nil)
}

func (h *ViewModelHandler) handleExpandStackRequest(ctx context.Context, sender Sender, reqData []byte) {
	req := protocol.ExpandStackRequest{}
	if err := json.Unmarshal(reqData, &req); err != nil {
		logrus.Warnf("parse request error, err = %v", err)
		h.sendResponse(sender, req.Sequence, false, err.Error(), nil)
		return
	}
	target, err := h.resolveContext(req.Path)
	if err != nil {
		h.sendResponse(sender, req.Sequence, false, err.Error(), nil)
		return
	}
	thread := datamodel.AncestorOfKind(target, datamodel.KindThread)
	if thread == nil {
		h.sendResponse(sender, req.Sequence, false, fmt.Sprintf("%s is not a thread", target), nil)
		return
	}
	h.provider.ExpandStack(thread)
	h.sendResponse(sender, req.Sequence, true, "", nil)
}

func (h *ViewModelHandler) handleRefreshRequest(ctx context.Context, sender Sender, reqData []byte) {
	req := protocol.RefreshRequest{}
	if err := json.Unmarshal(reqData, &req); err != nil {
		logrus.Warnf("parse request error, err = %v", err)
		h.sendResponse(sender, req.Sequence, false, err.Error(), nil)
		return
	}
	if err := h.provider.Refresh(); err != nil {
		h.sendResponse(sender, req.Sequence, false, err.Error(), nil)
		return
	}
	h.sendResponse(sender, req.Sequence, true, "", nil)
}

func (h *ViewModelHandler) handleFocusRequest(ctx context.Context, sender Sender, reqData []byte) {
	req := protocol.FocusRequest{}
	if err := json.Unmarshal(reqData, &req); err != nil {
		logrus.Warnf("parse request error, err = %v", err)
		h.sendResponse(sender, req.Sequence, false, err.Error(), nil)
		return
	}
	target, err := h.resolveContext(req.Path)
	if err != nil {
		h.sendResponse(sender, req.Sequence, false, err.Error(), nil)
		return
	}
	if err = h.provider.Focus(target); err != nil {
		h.sendResponse(sender, req.Sequence, false, err.Error(), nil)
		return
	}
	h.sendResponse(sender, req.Sequence, true, "", nil)
}

// handleRunControlRequest continue、step、suspend三种请求的格式相同
func (h *ViewModelHandler) handleRunControlRequest(ctx context.Context, sender Sender, requestType constants.RequestType, reqData []byte) {
	req := protocol.ContinueRequest{}
	if err := json.Unmarshal(reqData, &req); err != nil {
		logrus.Warnf("parse request error, err = %v", err)
		h.sendResponse(sender, req.Sequence, false, err.Error(), nil)
		return
	}
	if h.runControl == nil {
		h.sendResponse(sender, req.Sequence, false, e.ErrServiceUnavailable.Error(), nil)
		return
	}
	target, err := h.resolveContext(req.Path)
	if err != nil {
		h.sendResponse(sender, req.Sequence, false, err.Error(), nil)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, OptionTimeout)
	defer cancel()
	switch requestType {
	case constants.ContinueRequest:
		err = h.runControl.Resume(ctx, target)
	case constants.StepRequest:
		err = h.runControl.Step(ctx, target)
	default:
		err = h.runControl.Suspend(ctx, target)
	}
	if err != nil {
		h.sendResponse(sender, req.Sequence, false, err.Error(), nil)
		return
	}
	h.sendResponse(sender, req.Sequence, true, "", nil)
}

// resolveContext 路径最后一个元素对应的调试对象
func (h *ViewModelHandler) resolveContext(keys []string) (*datamodel.Context, error) {
	path, err := h.provider.ResolvePath(keys)
	if err != nil {
		return nil, err
	}
	last := path.Last()
	if last.IsRoot() {
		return nil, fmt.Errorf("root element: %w", e.ErrInvalidHandle)
	}
	return last.Context(), nil
}

func toProtocolElement(element viewmodel.Element) protocol.Element {
	if element.IsIncompleteStack() {
		return protocol.Element{Key: element.Key(), Kind: "incompleteStack"}
	}
	return protocol.Element{
		Key:  element.Key(),
		Kind: "entity",
		Type: element.Context().Kind().String(),
	}
}

// toDeltaNode 转换成推送给消费者的增量树
func toDeltaNode(delta *viewmodel.Delta) *protocol.DeltaNode {
	node := &protocol.DeltaNode{
		Key:        delta.Element().Key(),
		Flags:      delta.Flags().String(),
		Index:      delta.Index(),
		ChildCount: delta.ChildCount(),
	}
	for _, child := range delta.Children() {
		node.Children = append(node.Children, toDeltaNode(child))
	}
	return node
}
