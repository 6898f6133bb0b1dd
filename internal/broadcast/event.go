package broadcast

import (
	"strings"
	"time"

	"call-insights/internal/calls"
)

// EventType classifies messages fanned out to subscribers.
type EventType string

const (
	// job:<id> topic
	EventStatus    EventType = "status"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"

	// user:<id> topic
	EventCallCreated EventType = "call_created"
	EventCallUpdated EventType = "call_updated"
	EventCallDeleted EventType = "call_deleted"

	// direct replies
	EventPong EventType = "pong"
)

// Event is an ephemeral, never persisted notification.
type Event struct {
	Type      EventType `json:"type"`
	CallID    string    `json:"call_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Status   calls.Status   `json:"status,omitempty"`
	Progress *int           `json:"progress,omitempty"`
	Text     string         `json:"text,omitempty"`
	Segment  *calls.Segment `json:"segment,omitempty"`

	Transcription *TranscriptionSummary `json:"transcription,omitempty"`
	Analysis      *AnalysisSummary      `json:"analysis,omitempty"`

	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Final   bool   `json:"final,omitempty"`

	// Status snapshot fields, set only on the one-shot snapshot sent on subscribe.
	HasTranscription *bool `json:"has_transcription,omitempty"`
	HasAnalysis      *bool `json:"has_analysis,omitempty"`

	Call *calls.Call `json:"call,omitempty"`
}

type TranscriptionSummary struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Segments   int     `json:"segments"`
}

type AnalysisSummary struct {
	Category  calls.Category  `json:"category"`
	Sentiment calls.Sentiment `json:"sentiment"`
	Keywords  []string        `json:"keywords"`
	Summary   string          `json:"summary"`
}

// Snapshot is the point-in-time job state sent to a new job subscriber.
type Snapshot struct {
	CallID           string
	OwnerID          string
	Status           calls.Status
	HasTranscription bool
	HasAnalysis      bool
}

func (s Snapshot) Event() Event {
	ht, ha := s.HasTranscription, s.HasAnalysis
	return Event{
		Type:             EventStatus,
		CallID:           s.CallID,
		Status:           s.Status,
		HasTranscription: &ht,
		HasAnalysis:      &ha,
	}
}

const (
	jobPrefix  = "job:"
	userPrefix = "user:"
)

func JobTopic(callID string) string { return jobPrefix + callID }

func UserTopic(userID string) string { return userPrefix + userID }

// ParseTopic splits a topic into its kind ("job" or "user") and key.
func ParseTopic(topic string) (kind, key string, ok bool) {
	switch {
	case strings.HasPrefix(topic, jobPrefix):
		kind, key = "job", strings.TrimPrefix(topic, jobPrefix)
	case strings.HasPrefix(topic, userPrefix):
		kind, key = "user", strings.TrimPrefix(topic, userPrefix)
	default:
		return "", "", false
	}
	return kind, key, key != ""
}
