package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"call-insights/internal/calls"
	"call-insights/internal/reporting"
)

// MemoryStore is an in-memory Job Store and report repository for tests and
// local development. It is not intended for production use.

type MemoryStore struct {
	mu sync.Mutex

	calls          map[string]calls.Call
	transcriptions map[string]calls.Transcription
	analyses       map[string]calls.Analysis
	reports        map[string]reporting.DailyReport

	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:          map[string]calls.Call{},
		transcriptions: map[string]calls.Transcription{},
		analyses:       map[string]calls.Analysis{},
		reports:        map[string]reporting.DailyReport{},
		clock:          time.Now,
	}
}

// WithClock replaces the time source used for created_at/updated_at.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Put stores c as-is, bypassing the state machine. Test seeding only.
func (s *MemoryStore) Put(c calls.Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[c.ID] = c
}

func (s *MemoryStore) Get(ctx context.Context, id string) (calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return calls.Call{}, calls.ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) Create(ctx context.Context, in calls.NewCall) (calls.Call, error) {
	now := s.clock().UTC()
	c := calls.Call{
		ID:        uuid.NewString(),
		OwnerID:   in.OwnerID,
		Status:    calls.StatusPending,
		Source:    in.Source,
		Language:  in.Language,
		AudioPath: in.AudioPath,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[c.ID] = c
	return c, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status calls.Status, at time.Time) (calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return calls.Call{}, calls.ErrNotFound
	}
	next, err := calls.Transition(c, status, at)
	if err != nil {
		return c, err
	}
	s.calls[id] = next
	return next, nil
}

func (s *MemoryStore) SetDuration(ctx context.Context, id string, seconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return calls.ErrNotFound
	}
	c.Duration = &seconds
	s.calls[id] = c
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[id]; !ok {
		return calls.ErrNotFound
	}
	delete(s.calls, id)
	delete(s.transcriptions, id)
	delete(s.analyses, id)
	return nil
}

func (s *MemoryStore) GetTranscription(ctx context.Context, callID string) (calls.Transcription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transcriptions[callID]
	if !ok {
		return calls.Transcription{}, calls.ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) CreateTranscription(ctx context.Context, t calls.Transcription) (calls.Transcription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[t.CallID]; !ok {
		return calls.Transcription{}, calls.ErrNotFound
	}
	if _, ok := s.transcriptions[t.CallID]; ok {
		return calls.Transcription{}, calls.ErrAlreadyExists
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.clock().UTC()
	}
	t.Segments = slices.Clone(t.Segments)
	s.transcriptions[t.CallID] = t
	return t, nil
}

func (s *MemoryStore) GetAnalysis(ctx context.Context, callID string) (calls.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[callID]
	if !ok {
		return calls.Analysis{}, calls.ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) CreateAnalysis(ctx context.Context, a calls.Analysis) (calls.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transcriptions[a.CallID]; !ok {
		return calls.Analysis{}, calls.ErrNotFound
	}
	if _, ok := s.analyses[a.CallID]; ok {
		return calls.Analysis{}, calls.ErrAlreadyExists
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock().UTC()
	}
	s.analyses[a.CallID] = a
	return a, nil
}

func (s *MemoryStore) ListStuck(ctx context.Context, olderThan time.Time) ([]calls.Call, error) {
	return s.filter(func(c calls.Call) bool {
		return c.Status == calls.StatusProcessing && c.UpdatedAt.Before(olderThan)
	}), nil
}

func (s *MemoryStore) ListCreatedBefore(ctx context.Context, t time.Time) ([]calls.Call, error) {
	return s.filter(func(c calls.Call) bool { return c.CreatedAt.Before(t) }), nil
}

func (s *MemoryStore) ListCalls(ctx context.Context, from, to time.Time) ([]calls.Call, error) {
	return s.filter(func(c calls.Call) bool {
		return !c.CreatedAt.Before(from) && c.CreatedAt.Before(to)
	}), nil
}

func (s *MemoryStore) ListAnalyses(ctx context.Context, callIDs []string) ([]calls.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]calls.Analysis, 0, len(callIDs))
	for _, id := range callIDs {
		if a, ok := s.analyses[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertDailyReport(ctx context.Context, r reporting.DailyReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cats := make(map[string]int, len(r.Categories))
	for k, v := range r.Categories {
		cats[k] = v
	}
	r.Categories = cats
	s.reports[r.Date] = r
	return nil
}

func (s *MemoryStore) GetDailyReport(ctx context.Context, date string) (reporting.DailyReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[date]
	if !ok {
		return reporting.DailyReport{}, reporting.ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListDailyReports(ctx context.Context, from, to string) ([]reporting.DailyReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]reporting.DailyReport, 0, len(s.reports))
	for d, r := range s.reports {
		if from != "" && d < from {
			continue
		}
		if to != "" && d > to {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// filter returns matching calls ordered by created_at, then id.
func (s *MemoryStore) filter(keep func(calls.Call) bool) []calls.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]calls.Call, 0)
	for _, c := range s.calls {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

var (
	_ calls.Store          = (*MemoryStore)(nil)
	_ reporting.Repository = (*MemoryStore)(nil)
)
