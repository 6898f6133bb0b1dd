package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"

	"call-insights/internal/audit"
	"call-insights/internal/calls"
)

// Lister is the read side of the Job Store the sweeps need.
type Lister interface {
	ListStuck(ctx context.Context, olderThan time.Time) ([]calls.Call, error)
	ListCreatedBefore(ctx context.Context, t time.Time) ([]calls.Call, error)
}

// Requeuer moves a processing job back to pending and resubmits it,
// emitting the transition events. The orchestrator implements it.
type Requeuer interface {
	Requeue(ctx context.Context, callID string) (bool, error)
}

// Result summarises one reaper pass.
type Result struct {
	Stuck    int      `json:"stuck"`
	Requeued []string `json:"requeued"`
	Skipped  []string `json:"skipped,omitempty"`
}

// Reaper returns jobs that sat in processing longer than the timeout to the
// queue. A worker that died mid-attempt leaves exactly this shape behind.
//
// Invariants:
//   - Only processing calls with UpdatedAt strictly before now-timeout are touched.
//   - Running twice over the same state requeues nothing the second time.
type Reaper struct {
	store   Lister
	jobs    Requeuer
	audit   *audit.Service
	timeout time.Duration
	clock   func() time.Time
	log     *slog.Logger
}

func New(store Lister, jobs Requeuer, timeout time.Duration, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Reaper{
		store:   store,
		jobs:    jobs,
		timeout: timeout,
		clock:   time.Now,
		log:     log.With("component", "reaper"),
	}
}

func (r *Reaper) WithAudit(a *audit.Service) *Reaper {
	r.audit = a
	return r
}

func (r *Reaper) WithClock(clock func() time.Time) *Reaper {
	if clock != nil {
		r.clock = clock
	}
	return r
}

// Timeout is the stuck threshold in use.
func (r *Reaper) Timeout() time.Duration { return r.timeout }

// Run performs one pass. Per-job errors are collected; the pass keeps going.
func (r *Reaper) Run(ctx context.Context) (Result, error) {
	cutoff := r.clock().UTC().Add(-r.timeout)
	stuck, err := r.store.ListStuck(ctx, cutoff)
	if err != nil {
		return Result{}, fmt.Errorf("list stuck: %w", err)
	}

	res := Result{Stuck: len(stuck), Requeued: []string{}}
	var errs []error
	for _, c := range stuck {
		ok, err := r.jobs.Requeue(ctx, c.ID)
		if err != nil {
			if errors.Is(err, calls.ErrNotFound) {
				res.Skipped = append(res.Skipped, c.ID)
				continue
			}
			errs = append(errs, fmt.Errorf("requeue %s: %w", c.ID, err))
			continue
		}
		if !ok {
			// Moved on between the listing and the requeue.
			res.Skipped = append(res.Skipped, c.ID)
			continue
		}
		res.Requeued = append(res.Requeued, c.ID)
		r.log.Warn("stuck job requeued", "call_id", c.ID, "owner_id", c.OwnerID, "stuck_since", c.UpdatedAt)
		if r.audit != nil {
			msg := fmt.Sprintf("processing since %s", c.UpdatedAt.Format(time.RFC3339))
			if err := r.audit.LogCallAction(ctx, audit.EventTypeReaperRequeue, audit.System, c.ID, msg, ""); err != nil {
				r.log.Warn("audit append failed", "call_id", c.ID, "err", err)
			}
		}
	}

	if len(stuck) > 0 {
		r.log.Info("reaper pass finished", "stuck", res.Stuck, "requeued", len(res.Requeued), "skipped", len(res.Skipped))
	}
	return res, errors.Join(errs...)
}

// Deleter removes a call and announces the deletion.
type Deleter interface {
	Delete(ctx context.Context, callID string) error
}

// SweepResult summarises one retention pass.
type SweepResult struct {
	Cutoff  time.Time      `json:"cutoff"`
	DryRun  bool           `json:"dry_run"`
	Matched int            `json:"matched"`
	Deleted []string       `json:"deleted"`
	ByState map[string]int `json:"by_status"`
}

// Retention deletes calls older than a fixed number of days.
type Retention struct {
	store Lister
	jobs  Deleter
	audit *audit.Service
	days  int
	clock func() time.Time
	log   *slog.Logger
}

func NewRetention(store Lister, jobs Deleter, days int, log *slog.Logger) *Retention {
	if log == nil {
		log = slog.Default()
	}
	return &Retention{
		store: store,
		jobs:  jobs,
		days:  days,
		clock: time.Now,
		log:   log.With("component", "retention"),
	}
}

func (r *Retention) WithAudit(a *audit.Service) *Retention {
	r.audit = a
	return r
}

func (r *Retention) WithClock(clock func() time.Time) *Retention {
	if clock != nil {
		r.clock = clock
	}
	return r
}

// Enabled is false when days <= 0.
func (r *Retention) Enabled() bool { return r.days > 0 }

// Sweep deletes every call created before now minus the retention window.
// Jobs still in processing are kept so a live worker never loses its row.
// With dryRun nothing is deleted and Deleted lists what would go.
func (r *Retention) Sweep(ctx context.Context, dryRun bool) (SweepResult, error) {
	if !r.Enabled() {
		return SweepResult{DryRun: dryRun, Deleted: []string{}, ByState: map[string]int{}}, nil
	}
	cutoff := r.clock().UTC().AddDate(0, 0, -r.days)
	old, err := r.store.ListCreatedBefore(ctx, cutoff)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list old calls: %w", err)
	}
	victims := lo.Filter(old, func(c calls.Call, _ int) bool { return c.Status != calls.StatusProcessing })

	res := SweepResult{
		Cutoff:  cutoff,
		DryRun:  dryRun,
		Matched: len(victims),
		Deleted: []string{},
		ByState: lo.CountValuesBy(victims, func(c calls.Call) string { return string(c.Status) }),
	}
	if dryRun {
		res.Deleted = lo.Map(victims, func(c calls.Call, _ int) string { return c.ID })
		r.log.Info("retention dry run", "cutoff", cutoff, "matched", res.Matched)
		return res, nil
	}

	var errs []error
	for _, c := range victims {
		if err := r.jobs.Delete(ctx, c.ID); err != nil {
			if errors.Is(err, calls.ErrNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("delete %s: %w", c.ID, err))
			continue
		}
		res.Deleted = append(res.Deleted, c.ID)
	}

	r.log.Info("retention sweep finished", "cutoff", cutoff, "matched", res.Matched, "deleted", len(res.Deleted))
	if r.audit != nil && len(res.Deleted) > 0 {
		msg := fmt.Sprintf("deleted %d calls created before %s", len(res.Deleted), cutoff.Format(time.DateOnly))
		if err := r.audit.LogSweep(ctx, audit.EventTypeRetention, audit.System, msg, strings.Join(res.Deleted, ",")); err != nil {
			r.log.Warn("audit append failed", "err", err)
		}
	}
	return res, errors.Join(errs...)
}
