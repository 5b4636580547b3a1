package events

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/dohr-michael/tether/internal/rpcerr"
)

// DefaultQueueCapacity bounds each connection's outbound queue.
const DefaultQueueCapacity = 256

// ErrRouterClosed is returned by OpenConnection after Close.
var ErrRouterClosed = errors.New("event router is closed")

// Status is the lifecycle state of a connection subscription.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusClosed Status = "CLOSED"
)

// Transport forwards one event to the client. A returned error closes the
// connection's subscription; retrying is the transport's business.
type Transport interface {
	SendServerEvent(ctx context.Context, e ServerEvent) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, e ServerEvent) error

func (f TransportFunc) SendServerEvent(ctx context.Context, e ServerEvent) error {
	return f(ctx, e)
}

// ConnectionInfo describes one subscription.
type ConnectionInfo struct {
	ConnectionID string `json:"connectionId"`
	Status       Status `json:"status"`
	Queued       int    `json:"queued"`
	Delivered    uint64 `json:"delivered"`
	Dropped      uint64 `json:"dropped"`
}

// RouterConfig holds configuration for building a Router.
type RouterConfig struct {
	QueueCapacity int          // 0 = DefaultQueueCapacity
	Logger        *slog.Logger // nil = slog.Default()
}

// Router owns one subscription per upstream connection and runs an
// independent delivery goroutine for each.
type Router struct {
	transport Transport
	capacity  int
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

type subscription struct {
	id   string
	wake chan struct{}
	done chan struct{}
	// ctx bounds in-flight transport sends; cancelled on close.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	status    Status
	queue     *Queue
	delivered uint64
	dropped   uint64
}

// NewRouter creates a router delivering through transport.
func NewRouter(transport Transport, cfg RouterConfig) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		transport: transport,
		capacity:  cfg.QueueCapacity,
		log:       cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string]*subscription),
	}
	if r.capacity <= 0 {
		r.capacity = DefaultQueueCapacity
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// OpenConnection creates an ACTIVE subscription for id. A CLOSED
// subscription with the same id is replaced.
func (r *Router) OpenConnection(id string) error {
	if id == "" {
		return rpcerr.InvalidParams("connection id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRouterClosed
	}
	if existing, ok := r.subs[id]; ok && existing.isActive() {
		return rpcerr.New(rpcerr.KindDuplicateConnection, "connection %q is already open", id)
	}

	ctx, cancel := context.WithCancel(r.ctx)
	sub := &subscription{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		status: StatusActive,
		queue:  NewQueue(r.capacity),
	}
	r.subs[id] = sub

	r.wg.Add(1)
	go r.deliver(sub)

	r.log.Info("connection opened", "connection_id", id)
	return nil
}

// CloseConnection marks id CLOSED and discards its buffered events. Closing
// an unknown or already closed connection does nothing.
func (r *Router) CloseConnection(id string) bool {
	r.mu.Lock()
	sub := r.subs[id]
	r.mu.Unlock()

	if sub == nil {
		return false
	}
	discarded, ok := sub.close()
	if !ok {
		return false
	}
	r.log.Info("connection closed", "connection_id", id, "discarded", discarded)
	return true
}

// Publish enqueues e for connection id. Events for unknown or closed
// connections are dropped. It never blocks on the transport.
func (r *Router) Publish(id string, e ServerEvent) bool {
	r.mu.Lock()
	sub := r.subs[id]
	r.mu.Unlock()

	if sub == nil {
		r.log.Debug("event for unknown connection dropped", "connection_id", id, "type", e.Type)
		return false
	}
	if e.ConnectionID == "" {
		e.ConnectionID = id
	}

	sub.mu.Lock()
	if sub.status != StatusActive {
		sub.mu.Unlock()
		r.log.Debug("event for closed connection dropped", "connection_id", id, "type", e.Type)
		return false
	}
	evicted, full := sub.queue.Push(e)
	if full {
		sub.dropped++
	}
	sub.mu.Unlock()

	if full {
		r.log.Warn("event queue full, dropped oldest",
			"connection_id", id, "dropped_event", evicted.ID, "dropped_type", evicted.Type, "capacity", r.capacity)
	}

	select {
	case sub.wake <- struct{}{}:
	default:
	}
	return true
}

// Status returns the state of id.
func (r *Router) Status(id string) (ConnectionInfo, bool) {
	r.mu.Lock()
	sub := r.subs[id]
	r.mu.Unlock()

	if sub == nil {
		return ConnectionInfo{}, false
	}
	return sub.info(), true
}

// List returns every known subscription ordered by id.
func (r *Router) List() []ConnectionInfo {
	r.mu.Lock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	out := make([]ConnectionInfo, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// ActiveCount returns the number of ACTIVE subscriptions.
func (r *Router) ActiveCount() int {
	n := 0
	for _, info := range r.List() {
		if info.Status == StatusActive {
			n++
		}
	}
	return n
}

// Close closes every connection and waits for the delivery goroutines to
// exit. It returns how many connections were still active.
func (r *Router) Close() int {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0
	}
	r.closed = true
	subs := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	n := 0
	for _, s := range subs {
		if _, ok := s.close(); ok {
			n++
		}
	}
	r.cancel()
	r.wg.Wait()
	r.log.Info("event router closed", "closed_connections", n)
	return n
}

func (r *Router) deliver(sub *subscription) {
	defer r.wg.Done()

	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}

		for {
			sub.mu.Lock()
			if sub.status != StatusActive {
				sub.mu.Unlock()
				return
			}
			e, ok := sub.queue.Pop()
			sub.mu.Unlock()
			if !ok {
				break
			}

			if err := r.transport.SendServerEvent(sub.ctx, e); err != nil {
				discarded, ok := sub.close()
				if !ok {
					// Closed while the send was pending.
					return
				}
				r.log.Warn("transport rejected event, closing connection",
					"connection_id", sub.id, "event", e.ID, "discarded", discarded, "error", err)
				return
			}

			sub.mu.Lock()
			sub.delivered++
			sub.mu.Unlock()
		}
	}
}

func (s *subscription) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusActive
}

// close transitions to CLOSED under the subscription lock, so no Publish can
// enqueue after the queue is cleared.
func (s *subscription) close() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed {
		return 0, false
	}
	s.status = StatusClosed
	n := s.queue.Clear()
	close(s.done)
	s.cancel()
	return n, true
}

func (s *subscription) info() ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ConnectionInfo{
		ConnectionID: s.id,
		Status:       s.status,
		Queued:       s.queue.Len(),
		Delivered:    s.delivered,
		Dropped:      s.dropped,
	}
}
