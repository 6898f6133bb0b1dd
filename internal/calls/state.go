package calls

import (
	"fmt"
	"time"
)

// CanTransition enforces the Call lifecycle edges.
//
//	pending    -> processing
//	processing -> processing (retry re-entry), completed, failed
//	processing -> pending    (reaper requeue only)
//	failed     -> pending    (explicit reprocess)
//	completed  -> pending    (forced reprocess only)
//
// Nothing leaves completed automatically.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed || to == StatusPending
	case StatusFailed, StatusCompleted:
		return to == StatusPending
	default:
		return false
	}
}

// AllowedFrom lists the statuses that may move to to. Stores use it for a
// conditional update so a stale writer cannot clobber a newer status.
func AllowedFrom(to Status) []Status {
	out := make([]Status, 0, 4)
	for _, from := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Transition returns a copy of c moved to status to, with UpdatedAt bumped.
func Transition(c Call, to Status, now time.Time) (Call, error) {
	if !CanTransition(c.Status, to) {
		return c, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	c.Status = to
	c.UpdatedAt = now.UTC()
	return c, nil
}
