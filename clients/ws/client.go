// Package ws provides a JSON-RPC WebSocket client for the tether gateway.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/dohr-michael/tether/internal/protocol"
)

// ErrClosed is returned for calls pending or issued after the connection ended.
var ErrClosed = errors.New("ws client closed")

// Client is a WebSocket client for the tether gateway.
type Client struct {
	conn   *websocket.Conn
	reqSeq atomic.Uint64
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan protocol.Message
	err     error

	notifications chan protocol.Message
	done          chan struct{}
}

// Dial connects to the gateway WebSocket endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	clientCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:          conn,
		ctx:           clientCtx,
		cancel:        cancel,
		pending:       make(map[string]chan protocol.Message),
		notifications: make(chan protocol.Message, 256),
		done:          make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Notifications delivers server-initiated notifications (task progress,
// server events). It is closed when the connection ends. Notifications are
// dropped while the channel is full.
func (c *Client) Notifications() <-chan protocol.Message {
	return c.notifications
}

// Done is closed once the connection ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Call sends a request and waits for its response. A JSON-RPC error response
// is returned as *rpcerr.Envelope. A nil result discards the response body.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	id := strconv.FormatUint(c.reqSeq.Add(1), 10)
	msg, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan protocol.Message, 1)
	key := string(msg.ID)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.err
	}
	c.pending[key] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, msg); err != nil {
		return err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify sends a notification; the server sends nothing back.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.write(ctx, msg)
}

func (c *Client) write(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("ws write: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.notifications)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.fail()
			return
		}
		msg, err := protocol.Unmarshal(data)
		if err != nil {
			continue
		}

		if msg.IsResponse() {
			c.mu.Lock()
			ch, ok := c.pending[string(msg.ID)]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- msg:
				default:
				}
			}
			continue
		}

		select {
		case c.notifications <- msg:
		default:
		}
	}
}

// fail wakes every pending call with ErrClosed.
func (c *Client) fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = ErrClosed
	for key, ch := range c.pending {
		close(ch)
		delete(c.pending, key)
	}
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "bye")
	c.cancel()
	<-c.done
	return err
}
