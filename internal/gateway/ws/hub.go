// Package ws serves the JSON-RPC WebSocket endpoint and pushes server
// events to connected clients.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/dohr-michael/tether/internal/dispatch"
	"github.com/dohr-michael/tether/internal/events"
	"github.com/dohr-michael/tether/internal/protocol"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
)

var (
	// ErrClientClosed is returned by Send once the client disconnected.
	ErrClientClosed = errors.New("ws: client closed")
	// ErrHubClosed is returned by SendServerEvent once the hub is closed.
	ErrHubClosed = errors.New("ws: hub closed")
)

// Dispatcher is the part of dispatch.Dispatcher the hub drives.
type Dispatcher interface {
	Go(ctx context.Context, sess dispatch.Session, data []byte)
	CancelSession(id string) int
}

// Client is one connected WebSocket peer. It is the dispatch.Session its
// requests run under.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	hub  *Hub
	once sync.Once
}

// Hub manages WebSocket clients and bridges them to the dispatcher.
type Hub struct {
	dispatcher Dispatcher
	log        *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
	// attached is closed while at least one client is connected, or once
	// the hub is closed.
	attached      chan struct{}
	attachedFired bool
}

// NewHub creates a hub feeding incoming frames to d.
func NewHub(d Dispatcher, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		dispatcher: d,
		log:        logger,
		clients:    make(map[string]*Client),
		attached:   make(chan struct{}),
	}
}

// ID implements dispatch.Session.
func (c *Client) ID() string { return c.id }

// Send implements dispatch.Session. It blocks while the send buffer is full
// and fails once the client is gone.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// SendServerEvent implements events.Transport by broadcasting a
// connection/didReceiveServerEvent notification to every client. It blocks
// while a client's send buffer is full, so a slow UI leaves the backlog in
// the router's bounded queue. With no client attached it waits for the next
// one. It fails only once the hub is closed or ctx is done.
func (h *Hub) SendServerEvent(ctx context.Context, e events.ServerEvent) error {
	msg, err := protocol.NewNotification(protocol.MethodDidReceiveServerEvent, protocol.DidReceiveServerEventParams{
		ConnectionID: e.ConnectionID,
		Event:        e,
	})
	if err != nil {
		return err
	}
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}

	for {
		clients, attached, err := h.snapshot()
		if err != nil {
			return err
		}
		if len(clients) == 0 {
			select {
			case <-attached:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		sent := 0
		for _, c := range clients {
			select {
			case c.send <- data:
				sent++
			case <-c.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if sent > 0 {
			return nil
		}
		// Every client is leaving; retry once they are unregistered.
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *Hub) snapshot() ([]*Client, <-chan struct{}, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, nil, ErrHubClosed
	}
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	return clients, h.attached, nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	if !h.attachedFired {
		close(h.attached)
		h.attachedFired = true
	}
	h.log.Info("ws client connected", "client", c.id, "clients", len(h.clients))
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	n := len(h.clients)
	if n == 0 && h.attachedFired && !h.closed {
		h.attached = make(chan struct{})
		h.attachedFired = false
	}
	h.mu.Unlock()

	c.shutdown()
	if !ok {
		return
	}
	cancelled := h.dispatcher.CancelSession(c.id)
	h.log.Info("ws client disconnected", "client", c.id, "clients", n, "cancelled_tasks", cancelled)
}

// ServeWS handles a WebSocket upgrade and manages the client lifecycle.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local IDE bridge, any origin
	})
	if err != nil {
		h.log.Error("ws accept", "error", err)
		return
	}
	conn.SetReadLimit(4 << 20)

	client := &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		hub:  h,
	}
	if !h.register(client) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	// Requests outlive the HTTP handler context only until the client leaves.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	go client.writePump(ctx)
	client.readPump(ctx)
}

// readPump reads frames and hands them to the dispatcher.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				c.hub.log.Debug("ws read closed", "client", c.id, "status", websocket.CloseStatus(err))
			} else {
				c.hub.log.Debug("ws read error", "client", c.id, "error", err)
			}
			return
		}
		c.hub.dispatcher.Go(ctx, c, data)
	}
}

// writePump writes queued frames until the client is done.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.hub.log.Warn("ws write failed, dropping client", "client", c.id, "error", err)
				c.shutdown()
				c.conn.CloseNow()
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close disconnects all clients and rejects further server events.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	if !h.attachedFired {
		close(h.attached)
		h.attachedFired = true
	}
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
