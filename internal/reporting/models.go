package reporting

import "time"

// DateLayout is the calendar key of a DailyReport.
const DateLayout = "2006-01-02"

// DailyReport is the rollup of all calls created on one calendar date.
//
// Invariants:
//   - Date is unique; writes are upserts keyed by Date.
//   - Only the Service writes reports; the pipeline never touches them.
//   - No timestamps are carried, so recomputing unchanged data yields identical output.

type DailyReport struct {
	Date string `json:"date" db:"date"`

	TotalCalls      int `json:"total_calls" db:"total_calls"`
	PendingCalls    int `json:"pending_calls" db:"pending_calls"`
	ProcessingCalls int `json:"processing_calls" db:"processing_calls"`
	CompletedCalls  int `json:"completed_calls" db:"completed_calls"`
	FailedCalls     int `json:"failed_calls" db:"failed_calls"`

	TotalDurationSeconds   float64 `json:"total_duration_seconds" db:"total_duration_seconds"`
	AverageDurationSeconds float64 `json:"average_duration_seconds" db:"average_duration_seconds"`

	// Categories is a histogram over analyses of the day's calls.
	Categories map[string]int `json:"categories" db:"categories"`
}

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// DayRange returns [start of day, start of next day) for t in loc.
func DayRange(t time.Time, loc *time.Location) TimeRange {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	from := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return TimeRange{From: from, To: from.AddDate(0, 0, 1)}
}
