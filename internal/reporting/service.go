package reporting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"call-insights/internal/calls"
)

var (
	ErrInvalidRequest = errors.New("reporting: invalid request")
	ErrNotFound       = errors.New("reporting: report not found")
)

// Repository abstracts data access for reporting.
//
// IMPORTANT:
//   - ListCalls returns calls with from <= created_at < to.
//   - UpsertDailyReport overwrites any existing row for the same date.

type Repository interface {
	ListCalls(ctx context.Context, from, to time.Time) ([]calls.Call, error)
	ListAnalyses(ctx context.Context, callIDs []string) ([]calls.Analysis, error)

	UpsertDailyReport(ctx context.Context, r DailyReport) error
	GetDailyReport(ctx context.Context, date string) (DailyReport, error)
	ListDailyReports(ctx context.Context, from, to string) ([]DailyReport, error)
}

// Publisher receives generated reports (admin chat). Failures are logged only.
type Publisher interface {
	SendDailyReport(ctx context.Context, r DailyReport) error
}

type Service struct {
	repo      Repository
	publisher Publisher
	loc       *time.Location
	clock     func() time.Time
	log       *slog.Logger
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, loc: time.UTC, clock: time.Now, log: log.With("component", "reporting")}
}

func (s *Service) WithPublisher(p Publisher) *Service { s.publisher = p; return s }

func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.clock = clock
	}
	return s
}

func (s *Service) WithLocation(loc *time.Location) *Service {
	if loc != nil {
		s.loc = loc
	}
	return s
}

// Generate computes and upserts the report for date. A nil date means yesterday.
func (s *Service) Generate(ctx context.Context, date *time.Time) (DailyReport, error) {
	if s.repo == nil {
		return DailyReport{}, errors.New("reporting: repository not configured")
	}
	day := s.clock().In(s.loc).AddDate(0, 0, -1)
	if date != nil {
		day = *date
	}
	rng := DayRange(day, s.loc)

	rows, err := s.repo.ListCalls(ctx, rng.From, rng.To)
	if err != nil {
		return DailyReport{}, fmt.Errorf("reporting: list calls: %w", err)
	}

	out := DailyReport{Date: rng.From.Format(DateLayout), Categories: map[string]int{}}
	ids := make([]string, 0, len(rows))
	var withDuration int
	for _, c := range rows {
		ids = append(ids, c.ID)
		out.TotalCalls++
		switch c.Status {
		case calls.StatusPending:
			out.PendingCalls++
		case calls.StatusProcessing:
			out.ProcessingCalls++
		case calls.StatusCompleted:
			out.CompletedCalls++
		case calls.StatusFailed:
			out.FailedCalls++
		}
		if c.Duration != nil {
			out.TotalDurationSeconds += *c.Duration
			withDuration++
		}
	}
	if withDuration > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / float64(withDuration)
	}

	if len(ids) > 0 {
		analyses, err := s.repo.ListAnalyses(ctx, ids)
		if err != nil {
			return DailyReport{}, fmt.Errorf("reporting: list analyses: %w", err)
		}
		for _, a := range analyses {
			out.Categories[string(a.Category)]++
		}
	}

	if err := s.repo.UpsertDailyReport(ctx, out); err != nil {
		return DailyReport{}, fmt.Errorf("reporting: upsert: %w", err)
	}
	s.log.Info("daily report generated", "date", out.Date, "total_calls", out.TotalCalls)

	if s.publisher != nil {
		if err := s.publisher.SendDailyReport(ctx, out); err != nil {
			s.log.Warn("daily report delivery failed", "date", out.Date, "err", err)
		}
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, date string) (DailyReport, error) {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return DailyReport{}, ErrInvalidRequest
	}
	return s.repo.GetDailyReport(ctx, date)
}

// List returns reports with from <= date <= to, ordered by date.
func (s *Service) List(ctx context.Context, from, to string) ([]DailyReport, error) {
	for _, d := range []string{from, to} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(DateLayout, d); err != nil {
			return nil, ErrInvalidRequest
		}
	}
	if from != "" && to != "" && to < from {
		return nil, ErrInvalidRequest
	}
	return s.repo.ListDailyReports(ctx, from, to)
}
