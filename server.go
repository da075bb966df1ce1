package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/fansqz/go-dsf/constants"
	"github.com/fansqz/go-dsf/protocol"
	"github.com/fansqz/go-dsf/service"
	"github.com/fansqz/go-dsf/utils"
	"github.com/fansqz/go-dsf/utils/gosync"
	"github.com/fansqz/go-dsf/viewmodel"
	"github.com/sirupsen/logrus"
)

// Server 视图模型服务
// 每个tcp连接是一个消费者，请求和响应都是json，增量通过DeltaEvent推送
type Server struct {
	provider *viewmodel.Provider
	handler  *ViewModelHandler

	lock     sync.Mutex
	sessions map[string]*ConsumerSession
}

func NewServer(provider *viewmodel.Provider, runControl RunController) *Server {
	return &Server{
		provider: provider,
		handler:  NewViewModelHandler(provider, runControl),
		sessions: make(map[string]*ConsumerSession),
	}
}

// Serve 接受连接直到ctx结束或者listener被关闭
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	gosync.Go(ctx, func(ctx context.Context) {
		<-ctx.Done()
		_ = listener.Close()
		s.closeAll()
	})
	logrus.Infof("[Server] started listening at: %s", listener.Addr().String())
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logrus.Warnf("[Server] connection failed: %v", err)
			continue
		}
		// 每个连接在独立的协程中处理
		gosync.Go(ctx, func(ctx context.Context) {
			s.handleConnection(ctx, conn)
		})
	}
}

// Broadcast 发送消息给所有消费者
func (s *Server) Broadcast(message interface{}) {
	s.lock.Lock()
	sessions := make([]*ConsumerSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.lock.Unlock()
	for _, session := range sessions {
		session.Send(message)
	}
}

func (s *Server) closeAll() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, session := range s.sessions {
		session.close()
	}
}

// Terminate 通知所有消费者会话已经结束
func (s *Server) Terminate() {
	s.Broadcast(&protocol.TerminatedEvent{Event: constants.TerminatedEvent})
}

// handleConnection handles a connection from a single consumer.
// It decodes the incoming requests and dispatches them to per-request
// goroutines. Responses and pushed deltas go through the session's
// send queue, written by a single goroutine.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	session := newConsumerSession(conn)
	s.lock.Lock()
	s.sessions[session.id] = session
	s.lock.Unlock()
	logrus.Infof("[Server] consumer %s connected from %s", session.id, conn.RemoteAddr())

	gosync.Go(ctx, func(ctx context.Context) {
		session.sendFromQueue()
	})
	removeListener := s.provider.AddDeltaListener(func(delta *viewmodel.Delta, ev service.Event) {
		session.Send(&protocol.DeltaEvent{
			Event: constants.DeltaEvent,
			Cause: service.EventName(ev),
			Delta: toDeltaNode(delta),
		})
	})
	s.provider.Install()

	var wg sync.WaitGroup
	decoder := json.NewDecoder(conn)
	for {
		var request json.RawMessage
		if err := decoder.Decode(&request); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logrus.Warnf("[Server] read request from %s fail, err = %v", session.id, err)
			}
			break
		}
		wg.Add(1)
		gosync.Go(ctx, func(ctx context.Context) {
			defer wg.Done()
			s.handler.handle(ctx, session, request)
		})
	}

	removeListener()
	wg.Wait()
	s.lock.Lock()
	delete(s.sessions, session.id)
	s.lock.Unlock()
	session.close()
	logrus.Infof("[Server] closing connection from %s", conn.RemoteAddr())
}

// ConsumerSession 一个消费者连接
type ConsumerSession struct {
	id   string
	conn net.Conn
	// sendQueue is used to capture messages from multiple request
	// processing goroutines and delta listeners while writing them
	// to the connection from a single goroutine via sendFromQueue.
	sendQueue chan interface{}
	done      chan struct{}
	closeOnce sync.Once
}

func newConsumerSession(conn net.Conn) *ConsumerSession {
	return &ConsumerSession{
		id:        utils.GetUUID(),
		conn:      conn,
		sendQueue: make(chan interface{}, 64),
		done:      make(chan struct{}),
	}
}

// Send 连接关闭以后的消息会被丢弃
func (c *ConsumerSession) Send(message interface{}) {
	select {
	case c.sendQueue <- message:
	case <-c.done:
	}
}

func (c *ConsumerSession) sendFromQueue() {
	defer c.conn.Close()
	encoder := json.NewEncoder(c.conn)
	for {
		select {
		case message := <-c.sendQueue:
			c.write(encoder, message)
		case <-c.done:
			// 关闭之前写完已经排队的消息
			for {
				select {
				case message := <-c.sendQueue:
					c.write(encoder, message)
				default:
					return
				}
			}
		}
	}
}

func (c *ConsumerSession) write(encoder *json.Encoder, message interface{}) {
	if err := encoder.Encode(message); err != nil {
		logrus.Warnf("[Server] write to %s fail, err = %v", c.id, err)
	}
}

func (c *ConsumerSession) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
