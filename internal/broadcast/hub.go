package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	ErrBadTopic   = errors.New("broadcast: unknown topic")
	ErrForbidden  = errors.New("broadcast: forbidden")
	ErrOutboxFull = errors.New("broadcast: outbox full")
)

// DeliveryError is a per-connection delivery failure. It is logged, never
// returned to publishers.
type DeliveryError struct {
	ConnID string
	Topic  string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s on %q: %v", e.ConnID, e.Topic, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Conn is one subscriber connection. Send is only ever called from the
// connection's own actor goroutine.
type Conn interface {
	ID() string
	Send(e Event) error
}

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID string
	Admin  bool
}

// Snapshotter reads current job state for authorization and the subscribe snapshot.
type Snapshotter interface {
	Snapshot(ctx context.Context, callID string) (Snapshot, error)
}

// SnapshotFunc adapts a function to Snapshotter.
type SnapshotFunc func(ctx context.Context, callID string) (Snapshot, error)

func (f SnapshotFunc) Snapshot(ctx context.Context, callID string) (Snapshot, error) {
	return f(ctx, callID)
}

// Publisher is the fan-out side consumed by the pipeline.
type Publisher interface {
	Publish(topic string, e Event)
}

// Hub is the topic registry. Each connection gets one actor goroutine that
// drains a bounded outbox, so a slow connection never blocks Publish.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]map[string]*client
	clients map[string]*client

	jobs   Snapshotter
	outbox int
	clock  func() time.Time
	log    *slog.Logger
}

type client struct {
	conn   Conn
	out    chan envelope
	done   chan struct{}
	once   sync.Once
	topics map[string]struct{} // guarded by Hub.mu
}

type envelope struct {
	topic string
	event Event
}

func NewHub(jobs Snapshotter, outbox int, log *slog.Logger) *Hub {
	if outbox <= 0 {
		outbox = 64
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		topics:  map[string]map[string]*client{},
		clients: map[string]*client{},
		jobs:    jobs,
		outbox:  outbox,
		clock:   time.Now,
		log:     log.With("component", "broadcast"),
	}
}

// Subscribe authorizes and registers conn under topic. Registering twice is a
// no-op. A first job subscription queues a status snapshot for conn only.
func (h *Hub) Subscribe(ctx context.Context, topic string, conn Conn, id Identity) error {
	kind, key, ok := ParseTopic(topic)
	if !ok {
		return ErrBadTopic
	}

	var snap *Snapshot
	switch kind {
	case "user":
		if id.UserID == "" || id.UserID != key {
			return ErrForbidden
		}
	case "job":
		if h.jobs == nil {
			return errors.New("broadcast: snapshot source not configured")
		}
		s, err := h.jobs.Snapshot(ctx, key)
		if err != nil {
			return err
		}
		if !id.Admin && (id.UserID == "" || s.OwnerID != id.UserID) {
			return ErrForbidden
		}
		snap = &s
	}

	h.mu.Lock()
	c := h.attachLocked(conn)
	subs := h.topics[topic]
	if subs == nil {
		subs = map[string]*client{}
		h.topics[topic] = subs
	}
	_, already := subs[conn.ID()]
	subs[conn.ID()] = c
	c.topics[topic] = struct{}{}
	// Queued before unlocking so no Publish to topic can overtake it.
	if snap != nil && !already {
		h.enqueue(c, topic, snap.Event())
	}
	h.mu.Unlock()
	return nil
}

// Unsubscribe removes conn from topic; absent registrations are ignored.
func (h *Hub) Unsubscribe(topic string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(topic, conn.ID())
}

// Disconnect drops every registration of conn and stops its actor. It must
// run on every disconnect path.
func (h *Hub) Disconnect(conn Conn) {
	h.mu.Lock()
	c, ok := h.clients[conn.ID()]
	if ok {
		for topic := range c.topics {
			h.removeLocked(topic, conn.ID())
		}
		delete(h.clients, conn.ID())
	}
	h.mu.Unlock()

	if ok {
		c.stop()
	}
}

// Publish fans e out to every connection currently subscribed to topic.
// It never blocks on a connection and never fails.
func (h *Hub) Publish(topic string, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = h.clock().UTC()
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.topics[topic]))
	for _, c := range h.topics[topic] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.enqueue(c, topic, e)
	}
}

// Deliver sends e to conn alone, attaching it if needed.
func (h *Hub) Deliver(conn Conn, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = h.clock().UTC()
	}
	h.mu.Lock()
	c := h.attachLocked(conn)
	h.mu.Unlock()
	h.enqueue(c, "", e)
}

// Subscribers lists connection ids registered on topic, sorted.
func (h *Hub) Subscribers(topic string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.topics[topic]))
	for id := range h.topics[topic] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Topics lists the topics conn is registered on, sorted.
func (h *Hub) Topics(conn Conn) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[conn.ID()]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Close stops every actor. Registrations are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = map[string]*client{}
	h.topics = map[string]map[string]*client{}
	h.mu.Unlock()

	for _, c := range clients {
		c.stop()
	}
}

func (h *Hub) attachLocked(conn Conn) *client {
	if c, ok := h.clients[conn.ID()]; ok {
		return c
	}
	c := &client{
		conn:   conn,
		out:    make(chan envelope, h.outbox),
		done:   make(chan struct{}),
		topics: map[string]struct{}{},
	}
	h.clients[conn.ID()] = c
	go h.run(c)
	return c
}

func (h *Hub) removeLocked(topic, connID string) {
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	if c, ok := subs[connID]; ok {
		delete(c.topics, topic)
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

func (h *Hub) enqueue(c *client, topic string, e Event) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- envelope{topic: topic, event: e}:
	default:
		h.dropped(&DeliveryError{ConnID: c.conn.ID(), Topic: topic, Err: ErrOutboxFull}, e)
	}
}

// run is the connection actor.
func (h *Hub) run(c *client) {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.out:
			if err := c.conn.Send(env.event); err != nil {
				h.dropped(&DeliveryError{ConnID: c.conn.ID(), Topic: env.topic, Err: err}, env.event)
			}
		}
	}
}

func (h *Hub) dropped(err *DeliveryError, e Event) {
	h.log.Warn("event dropped", "conn_id", err.ConnID, "topic", err.Topic, "type", e.Type, "call_id", e.CallID, "err", err.Err)
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

var _ Publisher = (*Hub)(nil)
