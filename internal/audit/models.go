package audit

import "time"

// Event is an immutable, append-only audit log record of an operator or
// recovery action on calls.
//
// Invariants:
//   - Events are never updated or deleted.
//   - actor capture is best-effort; do not block pipeline flows on audit failures.
//
// Storage recommendation (Postgres):
//   - Table audit_events with an INSERT-only policy.
//   - Optional: partition by time for retention.

type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated user causing the event. Empty for
	// system actions (reaper, retention).
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	CallID string `json:"call_id,omitempty" db:"call_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeReprocess     EventType = "call_reprocess"
	EventTypeReaperRequeue EventType = "reaper_requeue"
	EventTypeRetention     EventType = "retention_sweep"
	EventTypeCallDelete    EventType = "call_delete"
)

// Actor identifies who triggered an action.
type Actor struct {
	UserID string
	Role   string
	IP     string
}

// System is the actor for scheduled recovery work.
var System = Actor{Role: "system"}
