package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"call-insights/internal/audit"
	"call-insights/internal/calls"
	"call-insights/internal/reporting"
	"call-insights/pkg/utils"
)

// NOTE: PostgresStore assumes the tables in Schema exist. EnsureSchema
// creates them for local setups; production migrations own them otherwise.

const Schema = `
CREATE TABLE IF NOT EXISTS calls (
  id          TEXT PRIMARY KEY,
  owner_id    TEXT NOT NULL,
  status      TEXT NOT NULL,
  source      TEXT NOT NULL,
  language    TEXT NOT NULL,
  audio_path  TEXT NOT NULL,
  duration    DOUBLE PRECISION,
  created_at  TIMESTAMPTZ NOT NULL,
  updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS calls_status_updated_at_idx ON calls (status, updated_at);
CREATE INDEX IF NOT EXISTS calls_created_at_idx ON calls (created_at);

CREATE TABLE IF NOT EXISTS transcriptions (
  id          TEXT PRIMARY KEY,
  call_id     TEXT NOT NULL UNIQUE REFERENCES calls(id) ON DELETE CASCADE,
  text        TEXT NOT NULL,
  confidence  DOUBLE PRECISION NOT NULL,
  segments    JSONB NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS analyses (
  id              TEXT PRIMARY KEY,
  call_id         TEXT NOT NULL UNIQUE REFERENCES calls(id) ON DELETE CASCADE,
  category        TEXT NOT NULL,
  keywords        JSONB NOT NULL,
  sentiment       TEXT NOT NULL,
  word_frequency  JSONB NOT NULL,
  speaker_stats   JSONB NOT NULL,
  summary         TEXT NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_reports (
  date                      DATE PRIMARY KEY,
  total_calls               INTEGER NOT NULL,
  pending_calls             INTEGER NOT NULL,
  processing_calls          INTEGER NOT NULL,
  completed_calls           INTEGER NOT NULL,
  failed_calls              INTEGER NOT NULL,
  total_duration_seconds    DOUBLE PRECISION NOT NULL,
  average_duration_seconds  DOUBLE PRECISION NOT NULL,
  categories                JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS telegram_chats (
  user_id     TEXT PRIMARY KEY,
  chat_id     TEXT NOT NULL,
  updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
  id             TEXT PRIMARY KEY,
  type           TEXT NOT NULL,
  actor_user_id  TEXT NOT NULL DEFAULT '',
  actor_role     TEXT NOT NULL DEFAULT '',
  ip_address     TEXT NOT NULL DEFAULT '',
  call_id        TEXT NOT NULL DEFAULT '',
  message        TEXT NOT NULL DEFAULT '',
  metadata       TEXT NOT NULL DEFAULT '',
  created_at     TIMESTAMPTZ NOT NULL
);
`

var callColumns = []string{"id", "owner_id", "status", "source", "language", "audio_path", "duration", "created_at", "updated_at"}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore is the durable Job Store and report repository.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (calls.Call, error) {
	var (
		c   calls.Call
		dur sql.NullFloat64
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Status, &c.Source, &c.Language, &c.AudioPath, &dur, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Call{}, calls.ErrNotFound
		}
		return calls.Call{}, err
	}
	if dur.Valid {
		v := dur.Float64
		c.Duration = &v
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (calls.Call, error) {
	q, args, err := psql.Select(callColumns...).From("calls").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return calls.Call{}, err
	}
	return scanCall(s.db.QueryRowContext(ctx, q, args...))
}

func (s *PostgresStore) Create(ctx context.Context, in calls.NewCall) (calls.Call, error) {
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
	q, args, err := psql.Insert("calls").
		Columns(callColumns...).
		Values(c.ID, c.OwnerID, c.Status, c.Source, c.Language, c.AudioPath, nil, c.CreatedAt, c.UpdatedAt).
		ToSql()
	if err != nil {
		return calls.Call{}, err
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return calls.Call{}, fmt.Errorf("insert call: %w", err)
	}
	return c, nil
}

// UpdateStatus is a conditional update: the row changes only when its current
// status may move to status.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status calls.Status, at time.Time) (calls.Call, error) {
	from := make([]string, 0, 4)
	for _, st := range calls.AllowedFrom(status) {
		from = append(from, string(st))
	}
	q, args, err := psql.Update("calls").
		Set("status", string(status)).
		Set("updated_at", at.UTC()).
		Where(sq.Eq{"id": id, "status": from}).
		Suffix("RETURNING " + strings.Join(callColumns, ", ")).
		ToSql()
	if err != nil {
		return calls.Call{}, err
	}
	c, err := scanCall(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, calls.ErrNotFound) {
		cur, getErr := s.Get(ctx, id)
		if getErr != nil {
			return calls.Call{}, getErr
		}
		return cur, fmt.Errorf("%w: %s -> %s", calls.ErrInvalidTransition, cur.Status, status)
	}
	return c, err
}

func (s *PostgresStore) SetDuration(ctx context.Context, id string, seconds float64) error {
	q, args, err := psql.Update("calls").Set("duration", seconds).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	return expectOne(s.db.ExecContext(ctx, q, args...))
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	q, args, err := psql.Delete("calls").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	return expectOne(s.db.ExecContext(ctx, q, args...))
}

func (s *PostgresStore) GetTranscription(ctx context.Context, callID string) (calls.Transcription, error) {
	q, args, err := psql.Select("id", "call_id", "text", "confidence", "segments", "created_at").
		From("transcriptions").Where(sq.Eq{"call_id": callID}).ToSql()
	if err != nil {
		return calls.Transcription{}, err
	}
	var (
		t    calls.Transcription
		segs []byte
	)
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&t.ID, &t.CallID, &t.Text, &t.Confidence, &segs, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Transcription{}, calls.ErrNotFound
		}
		return calls.Transcription{}, err
	}
	if err := json.Unmarshal(segs, &t.Segments); err != nil {
		return calls.Transcription{}, fmt.Errorf("decode segments: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) CreateTranscription(ctx context.Context, t calls.Transcription) (calls.Transcription, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.clock().UTC()
	}
	segs, err := json.Marshal(t.Segments)
	if err != nil {
		return calls.Transcription{}, err
	}
	q, args, err := psql.Insert("transcriptions").
		Columns("id", "call_id", "text", "confidence", "segments", "created_at").
		Values(t.ID, t.CallID, t.Text, t.Confidence, string(segs), t.CreatedAt).
		Suffix("ON CONFLICT (call_id) DO NOTHING").
		ToSql()
	if err != nil {
		return calls.Transcription{}, err
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return calls.Transcription{}, fmt.Errorf("insert transcription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return calls.Transcription{}, calls.ErrAlreadyExists
	}
	return t, nil
}

const analysisColumns = "id, call_id, category, keywords, sentiment, word_frequency, speaker_stats, summary, created_at"

func scanAnalysis(row rowScanner) (calls.Analysis, error) {
	var (
		a                     calls.Analysis
		keywords, freq, stats []byte
	)
	if err := row.Scan(&a.ID, &a.CallID, &a.Category, &keywords, &a.Sentiment, &freq, &stats, &a.Summary, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Analysis{}, calls.ErrNotFound
		}
		return calls.Analysis{}, err
	}
	if err := errors.Join(
		json.Unmarshal(keywords, &a.Keywords),
		json.Unmarshal(freq, &a.WordFrequency),
		json.Unmarshal(stats, &a.SpeakerStats),
	); err != nil {
		return calls.Analysis{}, fmt.Errorf("decode analysis: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, callID string) (calls.Analysis, error) {
	q, args, err := psql.Select(analysisColumns).From("analyses").Where(sq.Eq{"call_id": callID}).ToSql()
	if err != nil {
		return calls.Analysis{}, err
	}
	return scanAnalysis(s.db.QueryRowContext(ctx, q, args...))
}

func (s *PostgresStore) CreateAnalysis(ctx context.Context, a calls.Analysis) (calls.Analysis, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock().UTC()
	}
	keywords, err1 := json.Marshal(a.Keywords)
	freq, err2 := json.Marshal(a.WordFrequency)
	stats, err3 := json.Marshal(a.SpeakerStats)
	if err := errors.Join(err1, err2, err3); err != nil {
		return calls.Analysis{}, err
	}
	q, args, err := psql.Insert("analyses").
		Columns("id", "call_id", "category", "keywords", "sentiment", "word_frequency", "speaker_stats", "summary", "created_at").
		Values(a.ID, a.CallID, a.Category, string(keywords), a.Sentiment, string(freq), string(stats), a.Summary, a.CreatedAt).
		Suffix("ON CONFLICT (call_id) DO NOTHING").
		ToSql()
	if err != nil {
		return calls.Analysis{}, err
	}
	// The transcription row is share-locked so a concurrent call delete cannot
	// orphan the analysis between the check and the insert.
	err = utils.WithTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var one int
		lock, largs, err := psql.Select("1").From("transcriptions").Where(sq.Eq{"call_id": a.CallID}).Suffix("FOR SHARE").ToSql()
		if err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, lock, largs...).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return calls.ErrNotFound
			}
			return err
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("insert analysis: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return calls.ErrAlreadyExists
		}
		return nil
	})
	if err != nil {
		return calls.Analysis{}, err
	}
	return a, nil
}

func (s *PostgresStore) ListStuck(ctx context.Context, olderThan time.Time) ([]calls.Call, error) {
	return s.listCalls(ctx, sq.And{
		sq.Eq{"status": string(calls.StatusProcessing)},
		sq.Lt{"updated_at": olderThan.UTC()},
	})
}

func (s *PostgresStore) ListCreatedBefore(ctx context.Context, t time.Time) ([]calls.Call, error) {
	return s.listCalls(ctx, sq.Lt{"created_at": t.UTC()})
}

func (s *PostgresStore) ListCalls(ctx context.Context, from, to time.Time) ([]calls.Call, error) {
	return s.listCalls(ctx, sq.And{
		sq.GtOrEq{"created_at": from.UTC()},
		sq.Lt{"created_at": to.UTC()},
	})
}

func (s *PostgresStore) listCalls(ctx context.Context, where sq.Sqlizer) ([]calls.Call, error) {
	q, args, err := psql.Select(callColumns...).From("calls").Where(where).OrderBy("created_at", "id").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	out := make([]calls.Call, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListAnalyses(ctx context.Context, callIDs []string) ([]calls.Analysis, error) {
	if len(callIDs) == 0 {
		return nil, nil
	}
	q, args, err := psql.Select(analysisColumns).From("analyses").Where(sq.Eq{"call_id": callIDs}).OrderBy("call_id").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query analyses: %w", err)
	}
	defer rows.Close()

	out := make([]calls.Analysis, 0, len(callIDs))
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const reportColumns = "date::text, total_calls, pending_calls, processing_calls, completed_calls, failed_calls, total_duration_seconds, average_duration_seconds, categories"

func (s *PostgresStore) UpsertDailyReport(ctx context.Context, r reporting.DailyReport) error {
	cats, err := json.Marshal(r.Categories)
	if err != nil {
		return err
	}
	q, args, err := psql.Insert("daily_reports").
		Columns("date", "total_calls", "pending_calls", "processing_calls", "completed_calls", "failed_calls",
			"total_duration_seconds", "average_duration_seconds", "categories").
		Values(r.Date, r.TotalCalls, r.PendingCalls, r.ProcessingCalls, r.CompletedCalls, r.FailedCalls,
			r.TotalDurationSeconds, r.AverageDurationSeconds, string(cats)).
		Suffix(`ON CONFLICT (date) DO UPDATE SET
  total_calls = EXCLUDED.total_calls,
  pending_calls = EXCLUDED.pending_calls,
  processing_calls = EXCLUDED.processing_calls,
  completed_calls = EXCLUDED.completed_calls,
  failed_calls = EXCLUDED.failed_calls,
  total_duration_seconds = EXCLUDED.total_duration_seconds,
  average_duration_seconds = EXCLUDED.average_duration_seconds,
  categories = EXCLUDED.categories`).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("upsert daily report: %w", err)
	}
	return nil
}

func scanReport(row rowScanner) (reporting.DailyReport, error) {
	var (
		r    reporting.DailyReport
		cats []byte
	)
	if err := row.Scan(&r.Date, &r.TotalCalls, &r.PendingCalls, &r.ProcessingCalls, &r.CompletedCalls, &r.FailedCalls,
		&r.TotalDurationSeconds, &r.AverageDurationSeconds, &cats); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return reporting.DailyReport{}, reporting.ErrNotFound
		}
		return reporting.DailyReport{}, err
	}
	if err := json.Unmarshal(cats, &r.Categories); err != nil {
		return reporting.DailyReport{}, fmt.Errorf("decode categories: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) GetDailyReport(ctx context.Context, date string) (reporting.DailyReport, error) {
	q, args, err := psql.Select(reportColumns).From("daily_reports").Where(sq.Eq{"date": date}).ToSql()
	if err != nil {
		return reporting.DailyReport{}, err
	}
	return scanReport(s.db.QueryRowContext(ctx, q, args...))
}

func (s *PostgresStore) ListDailyReports(ctx context.Context, from, to string) ([]reporting.DailyReport, error) {
	b := psql.Select(reportColumns).From("daily_reports").OrderBy("date")
	if from != "" {
		b = b.Where(sq.GtOrEq{"date": from})
	}
	if to != "" {
		b = b.Where(sq.LtOrEq{"date": to})
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query daily reports: %w", err)
	}
	defer rows.Close()

	out := make([]reporting.DailyReport, 0)
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan daily report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Append inserts an audit event. The table is insert-only.
func (s *PostgresStore) Append(ctx context.Context, e audit.Event) error {
	q, args, err := psql.Insert("audit_events").
		Columns("id", "type", "actor_user_id", "actor_role", "ip_address", "call_id", "message", "metadata", "created_at").
		Values(e.ID, string(e.Type), e.ActorUserID, e.ActorRole, e.IPAddress, e.CallID, e.Message, e.Metadata, e.CreatedAt.UTC()).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return calls.ErrNotFound
	}
	return nil
}

var (
	_ calls.Store          = (*PostgresStore)(nil)
	_ reporting.Repository = (*PostgresStore)(nil)
	_ audit.Repository     = (*PostgresStore)(nil)
)
