package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fansqz/go-dsf/constants"
	"github.com/fansqz/go-dsf/datamodel"
	"github.com/fansqz/go-dsf/preference"
	"github.com/fansqz/go-dsf/protocol"
	"github.com/fansqz/go-dsf/service"
	"github.com/fansqz/go-dsf/service/servicetest"
	"github.com/fansqz/go-dsf/viewmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	lock     sync.Mutex
	messages []interface{}
}

func (r *recordingSender) Send(message interface{}) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.messages = append(r.messages, message)
}

func (r *recordingSender) last(t *testing.T) *protocol.Response {
	t.Helper()
	r.lock.Lock()
	defer r.lock.Unlock()
	require.NotEmpty(t, r.messages)
	response, ok := r.messages[len(r.messages)-1].(*protocol.Response)
	require.True(t, ok)
	return response
}

type runCall struct {
	command string
	target  *datamodel.Context
}

type fakeRunControl struct {
	lock  sync.Mutex
	calls []runCall
	err   error
}

func (f *fakeRunControl) record(command string, target *datamodel.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls = append(f.calls, runCall{command: command, target: target})
	return f.err
}

func (f *fakeRunControl) Resume(ctx context.Context, target *datamodel.Context) error {
	return f.record("resume", target)
}

func (f *fakeRunControl) Step(ctx context.Context, thread *datamodel.Context) error {
	return f.record("step", thread)
}

func (f *fakeRunControl) Suspend(ctx context.Context, target *datamodel.Context) error {
	return f.record("suspend", target)
}

type handlerHelper struct {
	session    *service.Session
	debuggee   *servicetest.FakeDebuggee
	provider   *viewmodel.Provider
	runControl *fakeRunControl
	handler    *ViewModelHandler
	sender     *recordingSender
	process    *datamodel.Context
	thread     *datamodel.Context
}

func newHandlerHelper(t *testing.T) *handlerHelper {
	session := service.NewSession("handler")
	debuggee := servicetest.NewFakeDebuggee(session.ID())
	cache := service.NewCachingQueryService(debuggee)
	session.RegisterService(cache)
	session.RegisterService(debuggee)
	session.Bus().AddListener(cache.HandleEvent)
	provider := viewmodel.NewProvider(session, preference.NewStore())
	runControl := &fakeRunControl{}
	h := &handlerHelper{
		session:    session,
		debuggee:   debuggee,
		provider:   provider,
		runControl: runControl,
		handler:    NewViewModelHandler(provider, runControl),
		sender:     &recordingSender{},
	}
	h.process = debuggee.AddProcess("100", "a.out")
	h.thread = debuggee.AddThread(h.process, "1", "main", true)
	debuggee.SetFrameCount(h.thread, 3)
	t.Cleanup(func() {
		provider.Dispose()
		_ = session.Shutdown()
	})
	require.NoError(t, session.Start())
	return h
}

func (h *handlerHelper) request(t *testing.T, request interface{}) *protocol.Response {
	t.Helper()
	data, err := json.Marshal(request)
	require.NoError(t, err)
	h.handler.handle(context.Background(), h.sender, data)
	return h.sender.last(t)
}

// expand 依次获取根、进程的子元素，让路径可以被解析
func (h *handlerHelper) expand(t *testing.T) {
	response := h.request(t, protocol.ChildrenRequest{Type: constants.ChildrenRequest, Sequence: 1})
	require.True(t, response.Success, response.Message)
	response = h.request(t, protocol.ChildrenRequest{Type: constants.ChildrenRequest, Sequence: 2, Path: []string{h.process.Key()}})
	require.True(t, response.Success, response.Message)
}

func TestViewModelHandler_Children(t *testing.T) {
	h := newHandlerHelper(t)
	response := h.request(t, protocol.ChildrenRequest{Type: constants.ChildrenRequest, Sequence: 7})
	assert.Equal(t, uint(7), response.Sequence)
	require.True(t, response.Success, response.Message)
	assert.Equal(t, []protocol.Element{{Key: h.process.Key(), Kind: "entity", Type: "process"}}, response.Data)

	response = h.request(t, protocol.ChildrenRequest{Type: constants.ChildrenRequest, Sequence: 8, Path: []string{h.process.Key()}})
	require.True(t, response.Success, response.Message)
	assert.Equal(t, []protocol.Element{{Key: h.thread.Key(), Kind: "entity", Type: "thread"}}, response.Data)

	response = h.request(t, protocol.ChildrenRequest{Type: constants.ChildrenRequest, Sequence: 9, Path: []string{h.process.Key(), h.thread.Key()}})
	require.True(t, response.Success, response.Message)
	assert.Len(t, response.Data, 3)
}

func TestViewModelHandler_Properties(t *testing.T) {
	h := newHandlerHelper(t)
	h.expand(t)
	response := h.request(t, protocol.PropertiesRequest{
		Type:       constants.PropertiesRequest,
		Sequence:   3,
		Path:       []string{h.process.Key(), h.thread.Key()},
		Properties: []string{constants.PropName, constants.PropState},
	})
	require.True(t, response.Success, response.Message)
	properties, ok := response.Data.(protocol.Properties)
	require.True(t, ok)
	assert.Equal(t, "main", properties.Values[constants.PropName])
	assert.Equal(t, constants.StateSuspended, properties.Values[constants.PropState])
	assert.Empty(t, properties.Errors)
}

func TestViewModelHandler_UnknownPath(t *testing.T) {
	h := newHandlerHelper(t)
	response := h.request(t, protocol.ChildrenRequest{Type: constants.ChildrenRequest, Sequence: 4, Path: []string{"missing"}})
	assert.False(t, response.Success)
	assert.Contains(t, response.Message, "unknown element")

	response = h.request(t, map[string]interface{}{"type": "disassemble", "sequence": 5})
	assert.False(t, response.Success)
	assert.Equal(t, "request type not support", response.Message)
}

func TestViewModelHandler_PinAndExpandStack(t *testing.T) {
	h := newHandlerHelper(t)
	h.expand(t)
	threadPath := []string{h.process.Key(), h.thread.Key()}

	response := h.request(t, protocol.PinRequest{Type: constants.PinRequest, Sequence: 1, Path: threadPath})
	require.True(t, response.Success, response.Message)
	assert.True(t, h.provider.IsPinned(h.thread))
	response = h.request(t, protocol.UnpinRequest{Type: constants.UnpinRequest, Sequence: 2, Path: threadPath})
	require.True(t, response.Success, response.Message)
	assert.False(t, h.provider.IsPinned(h.thread))

	response = h.request(t, protocol.ExpandStackRequest{Type: constants.ExpandStackRequest, Sequence: 3, Path: []string{h.process.Key()}})
	assert.False(t, response.Success)
	assert.Contains(t, response.Message, "is not a thread")
	response = h.request(t, protocol.ExpandStackRequest{Type: constants.ExpandStackRequest, Sequence: 4, Path: threadPath})
	assert.True(t, response.Success, response.Message)

	response = h.request(t, protocol.PinRequest{Type: constants.PinRequest, Sequence: 5})
	assert.False(t, response.Success)
}

func TestViewModelHandler_RunControl(t *testing.T) {
	h := newHandlerHelper(t)
	h.expand(t)
	threadPath := []string{h.process.Key(), h.thread.Key()}

	for i, requestType := range []constants.RequestType{constants.ContinueRequest, constants.StepRequest, constants.SuspendRequest} {
		response := h.request(t, protocol.ContinueRequest{Type: requestType, Sequence: uint(i), Path: threadPath})
		require.True(t, response.Success, response.Message)
	}
	require.Len(t, h.runControl.calls, 3)
	assert.Equal(t, "resume", h.runControl.calls[0].command)
	assert.Equal(t, "step", h.runControl.calls[1].command)
	assert.Equal(t, "suspend", h.runControl.calls[2].command)
	assert.True(t, h.thread.Equal(h.runControl.calls[1].target))

	h.runControl.err = errors.New("adapter gone")
	response := h.request(t, protocol.StepRequest{Type: constants.StepRequest, Sequence: 9, Path: threadPath})
	assert.False(t, response.Success)
	assert.Equal(t, "adapter gone", response.Message)

	h.handler.runControl = nil
	response = h.request(t, protocol.SuspendRequest{Type: constants.SuspendRequest, Sequence: 10, Path: threadPath})
	assert.False(t, response.Success)
	assert.Equal(t, "service unavailable", response.Message)
}

func TestToDeltaNode(t *testing.T) {
	process := datamodel.NewProcess("s", "1")
	thread := datamodel.NewThread(process, "2")
	root := viewmodel.NewRootDelta(viewmodel.NoChange)
	root.AddNode(viewmodel.NewElement(process), 0, viewmodel.State).
		AddNode(viewmodel.NewElement(thread), 3, viewmodel.Select|viewmodel.Force)

	node := toDeltaNode(root)
	assert.Equal(t, "NO_CHANGE", node.Flags)
	require.Len(t, node.Children, 1)
	assert.Equal(t, process.Key(), node.Children[0].Key)
	assert.Equal(t, "STATE", node.Children[0].Flags)
	require.Len(t, node.Children[0].Children, 1)
	child := node.Children[0].Children[0]
	assert.Equal(t, thread.Key(), child.Key)
	assert.Equal(t, "SELECT|FORCE", child.Flags)
	assert.Equal(t, 3, child.Index)
}

func TestServer_ResponsesAndDeltas(t *testing.T) {
	h := newHandlerHelper(t)
	server := NewServer(h.provider, h.runControl)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- server.Serve(ctx, listener)
	}()

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	encoder := json.NewEncoder(conn)
	decoder := json.NewDecoder(conn)
	require.NoError(t, encoder.Encode(protocol.ChildrenRequest{Type: constants.ChildrenRequest, Sequence: 1}))
	require.NoError(t, encoder.Encode(protocol.RefreshRequest{Type: constants.RefreshRequest, Sequence: 2}))

	type message struct {
		Event    string          `json:"event"`
		Cause    string          `json:"cause"`
		Sequence uint            `json:"sequence"`
		Success  bool            `json:"success"`
		Data     json.RawMessage `json:"data"`
		Delta    json.RawMessage `json:"delta"`
	}
	responses := make(map[uint]message)
	refreshed := false
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for len(responses) < 2 || !refreshed {
		var m message
		require.NoError(t, decoder.Decode(&m))
		if m.Event == string(constants.DeltaEvent) {
			refreshed = refreshed || m.Cause == service.EventName(service.NewFullRefreshEvent())
			continue
		}
		responses[m.Sequence] = m
	}
	assert.True(t, responses[1].Success)
	assert.Contains(t, string(responses[1].Data), h.process.Key())
	assert.True(t, responses[2].Success)

	server.Terminate()
	var terminated message
	for terminated.Event != string(constants.TerminatedEvent) {
		require.NoError(t, decoder.Decode(&terminated))
	}

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "server did not stop")
	}
}
