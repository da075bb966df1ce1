package dap_backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	e "github.com/fansqz/go-dsf/error"
	"github.com/fansqz/go-dsf/utils/gosync"
	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"
)

// EventHandler 处理adapter发来的事件，在读协程中调用
type EventHandler func(event dap.EventMessage)

// Client DAP客户端
// 请求按照seq和响应的request_seq配对，事件交给EventHandler处理。
type Client struct {
	conn    io.ReadWriteCloser
	reader  *bufio.Reader
	handler EventHandler

	// writeLock 保证一条消息完整写出
	writeLock sync.Mutex

	lock    sync.Mutex
	seq     int
	pending map[int]chan dap.ResponseMessage
	err     error
	done    chan struct{}
}

func NewClient(conn io.ReadWriteCloser, handler EventHandler) *Client {
	return &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		handler: handler,
		pending: make(map[int]chan dap.ResponseMessage),
		done:    make(chan struct{}),
	}
}

// Run 读取adapter的消息直到连接关闭或者ctx结束，连接正常关闭时返回nil
func (c *Client) Run(ctx context.Context) error {
	gosync.Go(ctx, func(ctx context.Context) {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
		case <-c.done:
		}
	})
	for {
		message, err := dap.ReadProtocolMessage(c.reader)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				c.close(e.ErrSessionShutdown)
				return nil
			}
			c.close(err)
			return err
		}
		c.dispatch(message)
	}
}

func (c *Client) dispatch(message dap.Message) {
	switch message := message.(type) {
	case dap.ResponseMessage:
		requestSeq := message.GetResponse().RequestSeq
		c.lock.Lock()
		channel, ok := c.pending[requestSeq]
		delete(c.pending, requestSeq)
		c.lock.Unlock()
		if !ok {
			logrus.Warnf("[DAPClient] response for unknown request %d", requestSeq)
			return
		}
		channel <- message
	case dap.EventMessage:
		if c.handler != nil {
			gosync.Run(func() { c.handler(message) })
		}
	default:
		logrus.Warnf("[DAPClient] unexpected message %T", message)
	}
}

// Send 发送请求并等待响应，adapter返回失败时error中带有adapter的消息
func (c *Client) Send(ctx context.Context, request dap.RequestMessage) (dap.ResponseMessage, error) {
	channel := make(chan dap.ResponseMessage, 1)
	c.lock.Lock()
	if c.err != nil {
		err := c.err
		c.lock.Unlock()
		return nil, err
	}
	c.seq++
	seq := c.seq
	c.pending[seq] = channel
	c.lock.Unlock()

	base := request.GetRequest()
	base.Seq = seq
	base.Type = "request"
	c.writeLock.Lock()
	err := dap.WriteProtocolMessage(c.conn, request)
	c.writeLock.Unlock()
	if err != nil {
		c.forget(seq)
		return nil, fmt.Errorf("send %s fail: %w", base.Command, err)
	}

	select {
	case response := <-channel:
		if !response.GetResponse().Success {
			return response, fmt.Errorf("%s fail: %s", base.Command, responseMessage(response))
		}
		return response, nil
	case <-c.done:
		c.forget(seq)
		return nil, c.Err()
	case <-ctx.Done():
		c.forget(seq)
		return nil, fmt.Errorf("%s: %w", base.Command, e.ErrRequestTimeout)
	}
}

func responseMessage(response dap.ResponseMessage) string {
	if errorResponse, ok := response.(*dap.ErrorResponse); ok && errorResponse.Body.Error != nil {
		return errorResponse.Body.Error.Format
	}
	return response.GetResponse().Message
}

func (c *Client) forget(seq int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.pending, seq)
}

// Err 连接关闭的原因
func (c *Client) Err() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.err
}

// Done 连接关闭以后返回的channel会被关闭
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	c.close(e.ErrSessionShutdown)
	return c.conn.Close()
}

func (c *Client) close(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	c.pending = make(map[int]chan dap.ResponseMessage)
	close(c.done)
}
