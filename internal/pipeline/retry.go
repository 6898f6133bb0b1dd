package pipeline

import "time"

// RetryPolicy bounds automatic re-entry of a failing job. It is a pure value;
// the orchestrator owns the per-job RetryState.
type RetryPolicy struct {
	// MaxAttempts counts every attempt, including the first.
	MaxAttempts int
	// Backoff is the fixed delay before each re-entry.
	Backoff time.Duration
}

// RetryState is the inspectable retry bookkeeping of one job.
type RetryState struct {
	Attempts    int       `json:"attempts"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Next records a failed attempt at now. retry is false once the attempt
// budget is spent; NextRetryAt is zero in that case.
func (p RetryPolicy) Next(s RetryState, now time.Time, cause error) (next RetryState, retry bool) {
	s.Attempts++
	if cause != nil {
		s.LastError = cause.Error()
	}
	limit := p.MaxAttempts
	if limit <= 0 {
		limit = 1
	}
	if s.Attempts >= limit {
		s.NextRetryAt = time.Time{}
		return s, false
	}
	s.NextRetryAt = now.Add(p.Backoff)
	return s, true
}
