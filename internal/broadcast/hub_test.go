package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"call-insights/internal/calls"
)

type fakeConn struct {
	id     string
	events chan Event
	block  chan struct{}
	fail   bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, events: make(chan Event, 128)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(e Event) error {
	if c.block != nil {
		<-c.block
	}
	if c.fail {
		return errors.New("broken pipe")
	}
	c.events <- e
	return nil
}

func (c *fakeConn) next(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-c.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("conn %s: timed out waiting for event", c.id)
		return Event{}
	}
}

func (c *fakeConn) expectNone(t *testing.T) {
	t.Helper()
	select {
	case e := <-c.events:
		t.Fatalf("conn %s: unexpected event %+v", c.id, e)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeJobs struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
}

func (f *fakeJobs) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[id]
	if !ok {
		return Snapshot{}, calls.ErrNotFound
	}
	return s, nil
}

func newTestHub() *Hub {
	jobs := &fakeJobs{snaps: map[string]Snapshot{
		"A": {CallID: "A", OwnerID: "u1", Status: calls.StatusProcessing, HasTranscription: true},
		"B": {CallID: "B", OwnerID: "u2", Status: calls.StatusPending},
	}}
	return NewHub(jobs, 8, nil)
}

func TestHub_SubscribeSendsSnapshotToSubscriberOnly(t *testing.T) {
	h := newTestHub()
	defer h.Close()
	ctx := context.Background()

	c1, c2 := newFakeConn("c1"), newFakeConn("c2")
	if err := h.Subscribe(ctx, JobTopic("A"), c2, Identity{UserID: "u1"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	c2.next(t)

	if err := h.Subscribe(ctx, JobTopic("A"), c1, Identity{UserID: "u1"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	e := c1.next(t)
	if e.Type != EventStatus || e.Status != calls.StatusProcessing {
		t.Fatalf("unexpected snapshot: %+v", e)
	}
	if e.HasTranscription == nil || !*e.HasTranscription || e.HasAnalysis == nil || *e.HasAnalysis {
		t.Fatalf("unexpected snapshot flags: %+v", e)
	}
	c2.expectNone(t)
}

func TestHub_SubscribeIsIdempotent(t *testing.T) {
	h := newTestHub()
	defer h.Close()
	ctx := context.Background()
	c := newFakeConn("c")

	for i := 0; i < 3; i++ {
		if err := h.Subscribe(ctx, JobTopic("A"), c, Identity{UserID: "u1"}); err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	}
	c.next(t)
	c.expectNone(t)

	if got := h.Subscribers(JobTopic("A")); len(got) != 1 {
		t.Fatalf("expected one registration, got %v", got)
	}
	h.Publish(JobTopic("A"), Event{Type: EventProgress, CallID: "A"})
	c.next(t)
	c.expectNone(t)
}

func TestHub_Authorization(t *testing.T) {
	h := newTestHub()
	defer h.Close()
	ctx := context.Background()
	c := newFakeConn("c")

	if err := h.Subscribe(ctx, JobTopic("A"), c, Identity{UserID: "u2"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for non-owner, got %v", err)
	}
	if err := h.Subscribe(ctx, JobTopic("A"), c, Identity{UserID: "admin", Admin: true}); err != nil {
		t.Fatalf("admin must be allowed: %v", err)
	}
	if err := h.Subscribe(ctx, UserTopic("u2"), c, Identity{UserID: "u1"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for foreign user topic, got %v", err)
	}
	if err := h.Subscribe(ctx, UserTopic("u1"), c, Identity{UserID: "u1"}); err != nil {
		t.Fatalf("own user topic must be allowed: %v", err)
	}
	if err := h.Subscribe(ctx, "global", c, Identity{UserID: "u1"}); !errors.Is(err, ErrBadTopic) {
		t.Fatalf("expected bad topic, got %v", err)
	}
	if err := h.Subscribe(ctx, JobTopic("missing"), c, Identity{UserID: "u1"}); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if got := h.Topics(c); len(got) != 2 {
		t.Fatalf("expected two topics, got %v", got)
	}
}

func TestHub_BroadcastIsolation(t *testing.T) {
	h := newTestHub()
	defer h.Close()
	ctx := context.Background()

	a, b := newFakeConn("a"), newFakeConn("b")
	if err := h.Subscribe(ctx, JobTopic("A"), a, Identity{UserID: "u1"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := h.Subscribe(ctx, JobTopic("B"), b, Identity{UserID: "u2"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	a.next(t)
	b.next(t)

	for i := 0; i < 5; i++ {
		h.Publish(JobTopic("B"), Event{Type: EventProgress, CallID: "B"})
	}
	for i := 0; i < 5; i++ {
		if e := b.next(t); e.CallID != "B" {
			t.Fatalf("unexpected event %+v", e)
		}
	}
	a.expectNone(t)
}

func TestHub_SlowOrBrokenConnectionDoesNotAffectOthers(t *testing.T) {
	h := NewHub(&fakeJobs{snaps: map[string]Snapshot{}}, 1, nil)
	defer h.Close()
	ctx := context.Background()

	slow := newFakeConn("slow")
	slow.block = make(chan struct{})
	broken := newFakeConn("broken")
	broken.fail = true
	ok := newFakeConn("ok")

	for _, c := range []*fakeConn{slow, broken, ok} {
		if err := h.Subscribe(ctx, UserTopic("u1"), c, Identity{UserID: "u1"}); err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			h.Publish(UserTopic("u1"), Event{Type: EventCallUpdated, CallID: "x"})
			time.Sleep(time.Millisecond)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow connection")
	}

	// ok drains concurrently, so it sees at least one event even with a tiny outbox.
	ok.next(t)
	close(slow.block)
}

func TestHub_DisconnectDropsAllRegistrations(t *testing.T) {
	h := newTestHub()
	defer h.Close()
	ctx := context.Background()
	c := newFakeConn("c")

	_ = h.Subscribe(ctx, JobTopic("A"), c, Identity{UserID: "u1"})
	_ = h.Subscribe(ctx, UserTopic("u1"), c, Identity{UserID: "u1"})
	c.next(t)

	h.Disconnect(c)
	if got := h.Topics(c); len(got) != 0 {
		t.Fatalf("expected no topics after disconnect, got %v", got)
	}
	if got := h.Subscribers(JobTopic("A")); len(got) != 0 {
		t.Fatalf("expected no subscribers after disconnect, got %v", got)
	}
	h.Publish(JobTopic("A"), Event{Type: EventProgress, CallID: "A"})
	c.expectNone(t)

	// Disconnect of an unknown connection is a no-op.
	h.Disconnect(newFakeConn("ghost"))
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	h := newTestHub()
	defer h.Close()
	c := newFakeConn("c")

	_ = h.Subscribe(context.Background(), UserTopic("u1"), c, Identity{UserID: "u1"})
	h.Unsubscribe(UserTopic("u1"), c)
	h.Unsubscribe(UserTopic("u1"), c)

	h.Publish(UserTopic("u1"), Event{Type: EventCallCreated})
	c.expectNone(t)

	h.Deliver(c, Event{Type: EventPong})
	if e := c.next(t); e.Type != EventPong {
		t.Fatalf("expected pong, got %+v", e)
	}
}

func TestParseTopic(t *testing.T) {
	if k, key, ok := ParseTopic("job:42"); !ok || k != "job" || key != "42" {
		t.Fatalf("unexpected parse: %s %s %v", k, key, ok)
	}
	if _, _, ok := ParseTopic("job:"); ok {
		t.Fatalf("empty key must be rejected")
	}
	if _, _, ok := ParseTopic("room:1"); ok {
		t.Fatalf("unknown prefix must be rejected")
	}
}

func TestHub_SnapshotPrecedesConcurrentPublishes(t *testing.T) {
	h := newTestHub()
	defer h.Close()
	ctx := context.Background()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h.Publish(JobTopic("A"), Event{Type: EventStatus, CallID: "A", Status: calls.StatusCompleted})
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for i := 0; i < 200; i++ {
		c := newFakeConn(fmt.Sprintf("race-%d", i))
		if err := h.Subscribe(ctx, JobTopic("A"), c, Identity{UserID: "u1"}); err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		first := c.next(t)
		if first.HasTranscription == nil || first.Status != calls.StatusProcessing {
			t.Fatalf("iteration %d: expected snapshot first, got %+v", i, first)
		}
		h.Disconnect(c)
	}
}
