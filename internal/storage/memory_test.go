package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"call-insights/internal/calls"
	"call-insights/internal/reporting"
)

func newTestStore(now *time.Time) *MemoryStore {
	return NewMemoryStore().WithClock(func() time.Time { return *now })
}

func TestMemoryStore_CreateIsPending(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	s := newTestStore(&now)

	c, err := s.Create(context.Background(), calls.NewCall{OwnerID: "u1", AudioPath: "/a.wav", Source: calls.SourceBot, Language: "en"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.ID == "" || c.Status != calls.StatusPending {
		t.Fatalf("unexpected call: %+v", c)
	}
	if !c.CreatedAt.Equal(now) || !c.UpdatedAt.Equal(now) {
		t.Fatalf("expected timestamps from clock")
	}
}

func TestMemoryStore_UpdateStatusEnforcesStateMachine(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	s := newTestStore(&now)
	ctx := context.Background()
	c, _ := s.Create(ctx, calls.NewCall{OwnerID: "u1", AudioPath: "/a.wav"})

	if _, err := s.UpdateStatus(ctx, c.ID, calls.StatusCompleted, now); !errors.Is(err, calls.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	later := now.Add(time.Second)
	got, err := s.UpdateStatus(ctx, c.ID, calls.StatusProcessing, later)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !got.UpdatedAt.Equal(later) {
		t.Fatalf("expected updated_at bumped")
	}
	if _, err := s.UpdateStatus(ctx, "missing", calls.StatusProcessing, later); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStore_DerivedRecordsAtMostOnce(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	s := newTestStore(&now)
	ctx := context.Background()
	c, _ := s.Create(ctx, calls.NewCall{OwnerID: "u1", AudioPath: "/a.wav"})

	if _, err := s.CreateAnalysis(ctx, calls.Analysis{CallID: c.ID}); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("analysis without transcription must fail, got %v", err)
	}
	if _, err := s.CreateTranscription(ctx, calls.Transcription{CallID: c.ID, Text: "hi"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := s.CreateTranscription(ctx, calls.Transcription{CallID: c.ID, Text: "again"}); !errors.Is(err, calls.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if _, err := s.CreateAnalysis(ctx, calls.Analysis{CallID: c.ID, Category: calls.CategoryOther}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := s.CreateAnalysis(ctx, calls.Analysis{CallID: c.ID}); !errors.Is(err, calls.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}

	if err := s.Delete(ctx, c.ID); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := s.GetTranscription(ctx, c.ID); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("transcription must be deleted with the call")
	}
	if _, err := s.GetAnalysis(ctx, c.ID); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("analysis must be deleted with the call")
	}
}

func TestMemoryStore_ListStuckUsesStrictCutoff(t *testing.T) {
	s := NewMemoryStore()
	base := time.Unix(1700000000, 0).UTC()
	s.Put(calls.Call{ID: "old", Status: calls.StatusProcessing, CreatedAt: base, UpdatedAt: base.Add(-40 * time.Minute)})
	s.Put(calls.Call{ID: "edge", Status: calls.StatusProcessing, CreatedAt: base, UpdatedAt: base.Add(-30 * time.Minute)})
	s.Put(calls.Call{ID: "fresh", Status: calls.StatusProcessing, CreatedAt: base, UpdatedAt: base.Add(-10 * time.Minute)})
	s.Put(calls.Call{ID: "pending", Status: calls.StatusPending, CreatedAt: base, UpdatedAt: base.Add(-40 * time.Minute)})

	out, err := s.ListStuck(context.Background(), base.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(out) != 1 || out[0].ID != "old" {
		t.Fatalf("expected only the old processing call, got %+v", out)
	}
}

func TestMemoryStore_DailyReportUpsertAndRange(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, d := range []string{"2025-01-03", "2025-01-01", "2025-01-02"} {
		if err := s.UpsertDailyReport(ctx, reporting.DailyReport{Date: d, TotalCalls: 1}); err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	}
	if err := s.UpsertDailyReport(ctx, reporting.DailyReport{Date: "2025-01-02", TotalCalls: 7}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	got, err := s.GetDailyReport(ctx, "2025-01-02")
	if err != nil || got.TotalCalls != 7 {
		t.Fatalf("expected overwritten report, got %+v err=%v", got, err)
	}

	list, _ := s.ListDailyReports(ctx, "2025-01-02", "")
	if len(list) != 2 || list[0].Date != "2025-01-02" || list[1].Date != "2025-01-03" {
		t.Fatalf("unexpected range: %+v", list)
	}
	if _, err := s.GetDailyReport(ctx, "2024-12-31"); !errors.Is(err, reporting.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
