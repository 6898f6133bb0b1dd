package calls

import (
	"strings"
	"time"
)

// Call is one user-submitted audio item tracked through the processing pipeline.
//
// Invariants:
//   - ID, OwnerID and CreatedAt are immutable after creation.
//   - Status changes only through Transition (driven by the pipeline or the reaper).
//   - UpdatedAt is bumped on every status change.
//
// Duration is nil until the audio length is known.

type Call struct {
	ID      string `json:"id" db:"id"`
	OwnerID string `json:"owner_id" db:"owner_id"`

	Status Status `json:"status" db:"status"`
	Source Source `json:"source" db:"source"`

	Language  string   `json:"language" db:"language"`
	AudioPath string   `json:"-" db:"audio_path"`
	Duration  *float64 `json:"duration,omitempty" db:"duration"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Source is informational only; it never changes pipeline behavior.
type Source string

const (
	SourceWeb Source = "web"
	SourceBot Source = "bot"
	SourceAPI Source = "api"
)

const DefaultLanguage = "ru"

// Segment is one timed piece of a transcription.
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Transcription is created at most once per Call and is deleted with it.
// Confidence is the mean of segment confidences.
type Transcription struct {
	ID         string    `json:"id" db:"id"`
	CallID     string    `json:"call_id" db:"call_id"`
	Text       string    `json:"text" db:"text"`
	Confidence float64   `json:"confidence" db:"confidence"`
	Segments   []Segment `json:"segments" db:"segments"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Analysis is created at most once per Call and requires a Transcription.
type Analysis struct {
	ID            string         `json:"id" db:"id"`
	CallID        string         `json:"call_id" db:"call_id"`
	Category      Category       `json:"category" db:"category"`
	Keywords      []string       `json:"keywords" db:"keywords"`
	Sentiment     Sentiment      `json:"sentiment" db:"sentiment"`
	WordFrequency map[string]int `json:"word_frequency" db:"word_frequency"`
	SpeakerStats  SpeakerStats   `json:"speaker_stats" db:"speaker_stats"`
	Summary       string         `json:"summary" db:"summary"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
}

type Category string

const (
	CategoryComplaint Category = "complaint"
	CategoryOrder     Category = "order"
	CategorySupport   Category = "support"
	CategoryInquiry   Category = "inquiry"
	CategoryOther     Category = "other"
)

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

type SpeakerStats struct {
	TotalSegments        int     `json:"total_segments"`
	TotalDuration        float64 `json:"total_duration"`
	AverageSegmentLength float64 `json:"average_segment_length"`
}

// NewCall is the intake request used to create a pending Call.
type NewCall struct {
	OwnerID   string `json:"owner_id"`
	Source    Source `json:"source"`
	Language  string `json:"language"`
	AudioPath string `json:"audio_path"`
}

// Normalize applies defaults without validating.
func (n NewCall) Normalize() NewCall {
	n.OwnerID = strings.TrimSpace(n.OwnerID)
	n.AudioPath = strings.TrimSpace(n.AudioPath)
	n.Language = strings.ToLower(strings.TrimSpace(n.Language))
	if n.Language == "" {
		n.Language = DefaultLanguage
	}
	if n.Source == "" {
		n.Source = SourceWeb
	}
	return n
}

// Validate rejects bad input before a job exists.
func (n NewCall) Validate() error {
	if n.OwnerID == "" {
		return &ValidationError{Field: "owner_id", Message: "required"}
	}
	if n.AudioPath == "" {
		return &ValidationError{Field: "audio_path", Message: "required"}
	}
	if !n.Source.Valid() {
		return &ValidationError{Field: "source", Message: "must be one of web, bot, api"}
	}
	if l := len(n.Language); l < 2 || l > 5 {
		return &ValidationError{Field: "language", Message: "must be a 2-5 letter code"}
	}
	return nil
}

func (s Source) Valid() bool {
	switch s {
	case SourceWeb, SourceBot, SourceAPI:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// MeanConfidence averages segment confidences; an empty list yields 0.
func MeanConfidence(segments []Segment) float64 {
	if len(segments) == 0 {
		return 0
	}
	var sum float64
	for _, s := range segments {
		sum += s.Confidence
	}
	return sum / float64(len(segments))
}

// JoinText concatenates trimmed segment texts with single spaces.
func JoinText(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
