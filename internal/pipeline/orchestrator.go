package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"call-insights/internal/audit"
	"call-insights/internal/broadcast"
	"call-insights/internal/calls"
	"call-insights/internal/engine"
)

// Config tunes the orchestrator. Zero values fall back to defaults.
type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	// RetryBackoff is the fixed delay before each retry re-entry.
	RetryBackoff time.Duration
	// EngineTimeout bounds each engine call; 0 disables it.
	EngineTimeout time.Duration
	// LockTTL must exceed the longest expected attempt.
	LockTTL time.Duration
	// ContentionDelay is how long a job waits before re-queueing when its
	// single-flight lock is held elsewhere.
	ContentionDelay time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.RetryBackoff <= 0 {
		out.RetryBackoff = 60 * time.Second
	}
	if out.EngineTimeout < 0 {
		out.EngineTimeout = 0
	}
	if out.LockTTL <= 0 {
		out.LockTTL = 2 * time.Hour
	}
	if out.ContentionDelay <= 0 {
		out.ContentionDelay = time.Second
	}
	return out
}

// Notifier is the external delivery collaborator. Its failures are logged and
// never reach job state.
type Notifier interface {
	CallCompleted(ctx context.Context, ownerID, callID string) error
	CallFailed(ctx context.Context, ownerID, callID, message string) error
}

// Deps are the orchestrator's collaborators. Store, Transcriber and Analyzer
// are required.
type Deps struct {
	Store       calls.Store
	Transcriber engine.Transcriber
	Analyzer    engine.Analyzer
	Publisher   broadcast.Publisher
	Locker      Locker
	Notifier    Notifier
	Audit       *audit.Service
	Logger      *slog.Logger
}

// Orchestrator owns the Call lifecycle: it queues jobs, runs them on a bounded
// worker pool under a per-job single-flight lock, retries failed attempts and
// emits an event after every transition.
//
// Invariants:
//   - At most one worker runs the pipeline body for a given call id.
//   - Every status write is followed by its event in the same step.
//   - The single-flight lock is released on every exit path.
type Orchestrator struct {
	store       calls.Store
	transcriber engine.Transcriber
	analyzer    engine.Analyzer
	pub         broadcast.Publisher
	locker      Locker
	notifier    Notifier
	audit       *audit.Service

	cfg    Config
	policy RetryPolicy
	clock  func() time.Time
	log    *slog.Logger

	queue chan ticket

	mu      sync.Mutex
	queued  map[string]struct{}
	retries map[string]RetryState
	timers  map[string]*time.Timer
	runCtx  context.Context

	notifications sync.WaitGroup
}

type ticket struct {
	callID string
	// retry marks a scheduled re-entry; it is the only way a processing job
	// is picked up by a worker.
	retry bool
}

func New(cfg Config, deps Deps) *Orchestrator {
	cfg = cfg.withDefaults()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	pub := deps.Publisher
	if pub == nil {
		pub = nopPublisher{}
	}
	locker := deps.Locker
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &Orchestrator{
		store:       deps.Store,
		transcriber: deps.Transcriber,
		analyzer:    deps.Analyzer,
		pub:         pub,
		locker:      locker,
		notifier:    deps.Notifier,
		audit:       deps.Audit,
		cfg:         cfg,
		policy:      RetryPolicy{MaxAttempts: cfg.MaxAttempts, Backoff: cfg.RetryBackoff},
		clock:       time.Now,
		log:         log.With("component", "pipeline"),
		queue:       make(chan ticket, cfg.QueueSize),
		queued:      map[string]struct{}{},
		retries:     map[string]RetryState{},
		timers:      map[string]*time.Timer{},
		runCtx:      context.Background(),
	}
}

// Accept validates intake input, creates a pending call and submits it.
// Validation failures return a *calls.ValidationError and create nothing.
func (o *Orchestrator) Accept(ctx context.Context, in calls.NewCall) (calls.Call, error) {
	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return calls.Call{}, err
	}
	c, err := o.store.Create(ctx, in)
	if err != nil {
		return calls.Call{}, fmt.Errorf("create call: %w", err)
	}
	o.log.Info("call accepted", "call_id", c.ID, "owner_id", c.OwnerID, "source", c.Source)
	o.pub.Publish(broadcast.UserTopic(c.OwnerID), broadcast.Event{
		Type:   broadcast.EventCallCreated,
		CallID: c.ID,
		Status: c.Status,
		Call:   &c,
	})
	o.Submit(ctx, c.ID)
	return c, nil
}

// Submit enqueues a pending job. It reports whether a queue entry was added;
// jobs that are missing, not pending, or already queued are skipped.
func (o *Orchestrator) Submit(ctx context.Context, callID string) bool {
	c, err := o.store.Get(ctx, callID)
	if err != nil {
		o.log.Warn("submit skipped: lookup failed", "call_id", callID, "err", err)
		return false
	}
	if c.Status != calls.StatusPending {
		o.log.Info("submit skipped: not pending", "call_id", callID, "status", c.Status)
		return false
	}
	return o.enqueue(ctx, ticket{callID: callID})
}

// ResubmitPending queues every stored pending call and returns how many were
// added. Queue entries live only in memory, so this recovers work after a
// restart or after another process moved calls back to pending.
func (o *Orchestrator) ResubmitPending(ctx context.Context) (int, error) {
	all, err := o.store.ListCreatedBefore(ctx, o.clock())
	if err != nil {
		return 0, fmt.Errorf("list calls: %w", err)
	}
	n := 0
	for _, c := range all {
		if c.Status == calls.StatusPending && o.Submit(ctx, c.ID) {
			n++
		}
	}
	if n > 0 {
		o.log.Info("pending calls resubmitted", "count", n)
	}
	return n, nil
}

// Reprocess is the explicit re-entry command. Failed jobs may always be
// reprocessed; completed jobs only with force. A processing job is rejected.
func (o *Orchestrator) Reprocess(ctx context.Context, callID string, actor audit.Actor, force bool) error {
	c, err := o.store.Get(ctx, callID)
	if err != nil {
		return err
	}
	switch c.Status {
	case calls.StatusPending:
		o.Submit(ctx, callID)
		return nil
	case calls.StatusFailed:
	case calls.StatusCompleted:
		if !force {
			return fmt.Errorf("%w: completed call requires force", calls.ErrInvalidTransition)
		}
	default:
		return fmt.Errorf("%w: call is %s", calls.ErrInvalidTransition, c.Status)
	}

	if _, err := o.transition(ctx, c, calls.StatusPending, broadcast.Event{Type: broadcast.EventStatus}); err != nil {
		return err
	}
	o.clearRetry(callID)
	if o.audit != nil {
		msg := fmt.Sprintf("reprocess from %s", c.Status)
		if err := o.audit.LogCallAction(ctx, audit.EventTypeReprocess, actor, callID, msg, ""); err != nil {
			o.log.Warn("audit append failed", "call_id", callID, "err", err)
		}
	}
	o.Submit(ctx, callID)
	return nil
}

// Requeue moves a stuck processing job back to pending and resubmits it.
// Calls in any other status are left alone; requeued is false then.
func (o *Orchestrator) Requeue(ctx context.Context, callID string) (requeued bool, err error) {
	c, err := o.store.Get(ctx, callID)
	if err != nil {
		return false, err
	}
	if c.Status != calls.StatusProcessing {
		return false, nil
	}
	if _, err := o.transition(ctx, c, calls.StatusPending, broadcast.Event{Type: broadcast.EventStatus}); err != nil {
		if errors.Is(err, calls.ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}
	o.clearRetry(callID)
	o.Submit(ctx, callID)
	return true, nil
}

// Delete removes a call and its derived records and tells the owner.
func (o *Orchestrator) Delete(ctx context.Context, callID string) error {
	c, err := o.store.Get(ctx, callID)
	if err != nil {
		return err
	}
	if err := o.store.Delete(ctx, callID); err != nil {
		return err
	}
	o.clearRetry(callID)
	o.log.Info("call deleted", "call_id", callID, "owner_id", c.OwnerID)
	o.pub.Publish(broadcast.UserTopic(c.OwnerID), broadcast.Event{Type: broadcast.EventCallDeleted, CallID: callID})
	return nil
}

// Snapshot implements broadcast.Snapshotter.
func (o *Orchestrator) Snapshot(ctx context.Context, callID string) (broadcast.Snapshot, error) {
	c, err := o.store.Get(ctx, callID)
	if err != nil {
		return broadcast.Snapshot{}, err
	}
	s := broadcast.Snapshot{CallID: c.ID, OwnerID: c.OwnerID, Status: c.Status}
	if _, err := o.store.GetTranscription(ctx, callID); err == nil {
		s.HasTranscription = true
	} else if !errors.Is(err, calls.ErrNotFound) {
		return broadcast.Snapshot{}, err
	}
	if _, err := o.store.GetAnalysis(ctx, callID); err == nil {
		s.HasAnalysis = true
	} else if !errors.Is(err, calls.ErrNotFound) {
		return broadcast.Snapshot{}, err
	}
	return s, nil
}

// RetryState returns the retry bookkeeping for callID, if any.
func (o *Orchestrator) RetryState(callID string) (RetryState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.retries[callID]
	return s, ok
}

// QueueLen is the number of queued, not yet dequeued jobs.
func (o *Orchestrator) QueueLen() int { return len(o.queue) }

// Run starts the worker pool and blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.runCtx = ctx
	o.mu.Unlock()

	o.log.Info("workers starting", "workers", o.cfg.Workers, "queue_size", o.cfg.QueueSize)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		g.Go(func() error {
			o.work(gctx)
			return nil
		})
	}
	err := g.Wait()

	o.mu.Lock()
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
	o.mu.Unlock()
	o.notifications.Wait()
	o.log.Info("workers stopped")
	return err
}

func (o *Orchestrator) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-o.queue:
			o.handle(ctx, t)
		}
	}
}

func (o *Orchestrator) enqueue(ctx context.Context, t ticket) bool {
	o.mu.Lock()
	if _, ok := o.queued[t.callID]; ok {
		o.mu.Unlock()
		return false
	}
	o.queued[t.callID] = struct{}{}
	o.mu.Unlock()

	select {
	case o.queue <- t:
		return true
	case <-ctx.Done():
		o.mu.Lock()
		delete(o.queued, t.callID)
		o.mu.Unlock()
		o.log.Warn("enqueue abandoned", "call_id", t.callID, "err", ctx.Err())
		return false
	}
}

// later re-enqueues t after d using the pool's context.
func (o *Orchestrator) later(d time.Duration, t ticket) {
	o.mu.Lock()
	if old := o.timers[t.callID]; old != nil {
		old.Stop()
	}
	o.timers[t.callID] = time.AfterFunc(d, func() {
		o.mu.Lock()
		delete(o.timers, t.callID)
		ctx := o.runCtx
		o.mu.Unlock()
		o.enqueue(ctx, t)
	})
	o.mu.Unlock()
}

func (o *Orchestrator) handle(ctx context.Context, t ticket) {
	o.mu.Lock()
	delete(o.queued, t.callID)
	o.mu.Unlock()

	log := o.log.With("call_id", t.callID)

	release, err := o.locker.Acquire(ctx, lockKey(t.callID), o.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			log.Debug("single-flight lock held, re-queueing")
		} else {
			log.Error("lock acquire failed, re-queueing", "err", err)
		}
		o.later(o.cfg.ContentionDelay, t)
		return
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := release(rctx); err != nil {
			log.Error("lock release failed", "err", err)
		}
	}()

	c, err := o.store.Get(ctx, t.callID)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			log.Warn("job vanished before processing, abandoning")
			o.clearRetry(t.callID)
			return
		}
		log.Error("job lookup failed, re-queueing", "err", err)
		o.later(o.cfg.ContentionDelay, t)
		return
	}

	switch {
	case c.Status == calls.StatusPending:
		// A pending job with retry state never got its processing write
		// through; only the scheduled retry may continue the count.
		if !t.retry && o.hasRetry(t.callID) {
			log.Debug("retry pending, fresh queue entry dropped")
			return
		}
	case c.Status == calls.StatusProcessing && t.retry && o.hasRetry(t.callID):
	default:
		log.Debug("stale queue entry dropped", "status", c.Status, "retry", t.retry)
		return
	}
	o.attempt(ctx, c)
}

// attempt runs one pass of the pipeline body. The caller holds the lock.
func (o *Orchestrator) attempt(ctx context.Context, c calls.Call) {
	state, _ := o.RetryState(c.ID)
	n := state.Attempts + 1
	log := o.log.With("call_id", c.ID, "attempt", n)

	c, err := o.transition(ctx, c, calls.StatusProcessing, broadcast.Event{Type: broadcast.EventStatus, Attempt: n})
	if err != nil {
		if errors.Is(err, calls.ErrInvalidTransition) || errors.Is(err, calls.ErrNotFound) {
			log.Warn("job changed underneath worker, abandoning", "err", err)
			return
		}
		o.fail(ctx, c, n, err)
		return
	}

	tr, an, err := o.process(ctx, c)
	if err != nil {
		o.fail(ctx, c, n, err)
		return
	}

	done := broadcast.Event{
		Type: broadcast.EventCompleted,
		Transcription: &broadcast.TranscriptionSummary{
			Text:       tr.Text,
			Confidence: tr.Confidence,
			Segments:   len(tr.Segments),
		},
	}
	if an != nil {
		done.Analysis = &broadcast.AnalysisSummary{
			Category:  an.Category,
			Sentiment: an.Sentiment,
			Keywords:  an.Keywords,
			Summary:   an.Summary,
		}
	}
	if _, err := o.transition(ctx, c, calls.StatusCompleted, done); err != nil {
		if errors.Is(err, calls.ErrInvalidTransition) || errors.Is(err, calls.ErrNotFound) {
			log.Warn("job changed underneath worker, completion dropped", "err", err)
			return
		}
		o.fail(ctx, c, n, err)
		return
	}
	o.clearRetry(c.ID)
	log.Info("job completed")

	owner, id := c.OwnerID, c.ID
	o.notify(log, func(ctx context.Context, n Notifier) error { return n.CallCompleted(ctx, owner, id) })
}

// process runs transcription then analysis. A transcription left by an
// earlier attempt is reused. Analysis is nil when the analyzer has no model
// for the call's language.
func (o *Orchestrator) process(ctx context.Context, c calls.Call) (calls.Transcription, *calls.Analysis, error) {
	tr, err := o.store.GetTranscription(ctx, c.ID)
	switch {
	case errors.Is(err, calls.ErrNotFound):
		tr, err = o.transcribe(ctx, c)
		if err != nil {
			return calls.Transcription{}, nil, err
		}
	case err != nil:
		return calls.Transcription{}, nil, fmt.Errorf("load transcription: %w", err)
	}

	an, err := o.store.GetAnalysis(ctx, c.ID)
	if err == nil {
		return tr, &an, nil
	}
	if !errors.Is(err, calls.ErrNotFound) {
		return calls.Transcription{}, nil, fmt.Errorf("load analysis: %w", err)
	}

	ectx, cancel := o.engineContext(ctx)
	an, err = o.analyzer.Analyze(ectx, tr, c.Language)
	cancel()
	if errors.Is(err, engine.ErrUnavailable) {
		o.log.Info("analysis skipped: no model for language", "call_id", c.ID, "language", c.Language)
		return tr, nil, nil
	}
	if err != nil {
		return calls.Transcription{}, nil, asEngineError(engine.StageAnalysis, err)
	}
	an.CallID = c.ID
	saved, err := o.store.CreateAnalysis(ctx, an)
	if errors.Is(err, calls.ErrAlreadyExists) {
		saved, err = o.store.GetAnalysis(ctx, c.ID)
	}
	if err != nil {
		return calls.Transcription{}, nil, fmt.Errorf("persist analysis: %w", err)
	}
	return tr, &saved, nil
}

func (o *Orchestrator) transcribe(ctx context.Context, c calls.Call) (calls.Transcription, error) {
	ectx, cancel := o.engineContext(ctx)
	res, err := o.transcriber.Transcribe(ectx, c.AudioPath, c.Language)
	cancel()
	if err != nil {
		return calls.Transcription{}, asEngineError(engine.StageTranscription, err)
	}

	if res.Duration > 0 {
		if err := o.store.SetDuration(ctx, c.ID, res.Duration); err != nil {
			return calls.Transcription{}, fmt.Errorf("persist duration: %w", err)
		}
	}

	total := len(res.Segments)
	for i := range res.Segments {
		seg := res.Segments[i]
		pct := (i + 1) * 100 / total
		o.pub.Publish(broadcast.JobTopic(c.ID), broadcast.Event{
			Type:     broadcast.EventProgress,
			CallID:   c.ID,
			Progress: &pct,
			Text:     seg.Text,
			Segment:  &seg,
		})
	}

	text := res.Text
	if text == "" {
		text = calls.JoinText(res.Segments)
	}
	tr, err := o.store.CreateTranscription(ctx, calls.Transcription{
		CallID:     c.ID,
		Text:       text,
		Confidence: calls.MeanConfidence(res.Segments),
		Segments:   res.Segments,
	})
	if errors.Is(err, calls.ErrAlreadyExists) {
		tr, err = o.store.GetTranscription(ctx, c.ID)
	}
	if err != nil {
		return calls.Transcription{}, fmt.Errorf("persist transcription: %w", err)
	}
	return tr, nil
}

// fail handles a failed attempt: it emits the error event, then either
// schedules a retry or moves the job to failed.
//
// IMPORTANT:
//   - An attempt cut short by shutdown is not counted. The job stays where it
//     is and the reaper or ResubmitPending picks it up.
//   - A worker whose job was requeued or deleted meanwhile records nothing
//     and sends no notification.
//   - c.Status is pending when the processing write itself failed. Once the
//     budget is spent such a job stays pending, since pending may not move
//     to failed.
func (o *Orchestrator) fail(ctx context.Context, c calls.Call, attempt int, cause error) {
	log := o.log.With("call_id", c.ID, "attempt", attempt)
	if ctx.Err() != nil {
		log.Info("attempt interrupted by shutdown", "err", cause)
		return
	}
	if cur, err := o.store.Get(ctx, c.ID); errors.Is(err, calls.ErrNotFound) || (err == nil && cur.Status != c.Status) {
		log.Warn("job changed underneath worker, failure dropped", "err", cause)
		return
	}
	log.Error("attempt failed", "err", cause)

	o.pub.Publish(broadcast.JobTopic(c.ID), broadcast.Event{
		Type:    broadcast.EventError,
		CallID:  c.ID,
		Error:   cause.Error(),
		Attempt: attempt,
	})

	o.mu.Lock()
	state, retry := o.policy.Next(o.retries[c.ID], o.clock().UTC(), cause)
	o.retries[c.ID] = state
	o.mu.Unlock()

	if retry {
		delay := state.NextRetryAt.Sub(o.clock().UTC())
		log.Warn("retry scheduled", "next_retry_at", state.NextRetryAt, "max_attempts", o.policy.MaxAttempts)
		o.later(delay, ticket{callID: c.ID, retry: true})
		return
	}

	if c.Status == calls.StatusPending {
		o.clearRetry(c.ID)
		log.Error("retries exhausted before processing was recorded, job left pending", "attempts", state.Attempts)
		return
	}
	if _, err := o.transition(ctx, c, calls.StatusFailed, broadcast.Event{Type: broadcast.EventStatus, Final: true, Error: cause.Error()}); err != nil {
		if errors.Is(err, calls.ErrInvalidTransition) || errors.Is(err, calls.ErrNotFound) {
			log.Warn("job changed underneath worker, failure dropped", "err", err)
			return
		}
		log.Error("could not mark job failed, leaving it to the reaper", "err", err)
		return
	}
	o.clearRetry(c.ID)
	log.Error("job failed permanently", "attempts", state.Attempts)

	owner, id, msg := c.OwnerID, c.ID, cause.Error()
	o.notify(log, func(ctx context.Context, n Notifier) error { return n.CallFailed(ctx, owner, id, msg) })
}

// transition persists a status change and emits its events: jobEvent on the
// job topic and call_updated on the owner's topic.
func (o *Orchestrator) transition(ctx context.Context, c calls.Call, to calls.Status, jobEvent broadcast.Event) (calls.Call, error) {
	next, err := o.store.UpdateStatus(ctx, c.ID, to, o.clock())
	if err != nil {
		return c, err
	}
	o.log.Info("call transition", "call_id", c.ID, "from", c.Status, "to", to)

	jobEvent.CallID = c.ID
	jobEvent.Status = to
	o.pub.Publish(broadcast.JobTopic(c.ID), jobEvent)
	o.pub.Publish(broadcast.UserTopic(c.OwnerID), broadcast.Event{
		Type:   broadcast.EventCallUpdated,
		CallID: c.ID,
		Status: to,
		Call:   &next,
	})
	return next, nil
}

func (o *Orchestrator) notify(log *slog.Logger, fn func(ctx context.Context, n Notifier) error) {
	if o.notifier == nil {
		return
	}
	o.notifications.Add(1)
	go func() {
		defer o.notifications.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error("notifier panicked", "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := fn(ctx, o.notifier); err != nil {
			log.Warn("notification failed", "err", err)
		}
	}()
}

func (o *Orchestrator) engineContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.EngineTimeout > 0 {
		return context.WithTimeout(ctx, o.cfg.EngineTimeout)
	}
	return context.WithCancel(ctx)
}

func (o *Orchestrator) hasRetry(callID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.retries[callID]
	return ok && s.Attempts > 0
}

func (o *Orchestrator) clearRetry(callID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.retries, callID)
	if t := o.timers[callID]; t != nil {
		t.Stop()
		delete(o.timers, callID)
	}
}

func asEngineError(stage engine.Stage, err error) error {
	var ee *engine.Error
	if errors.As(err, &ee) {
		return err
	}
	return &engine.Error{Stage: stage, Err: err}
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, broadcast.Event) {}

var _ broadcast.Snapshotter = (*Orchestrator)(nil)
