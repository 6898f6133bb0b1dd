package engine

import (
	"context"
	"errors"
	"fmt"

	"call-insights/internal/calls"
)

// ErrUnavailable means no model exists for the requested input (for example,
// an unsupported language). It is a permanent skip, not a failure.
var ErrUnavailable = errors.New("engine: unavailable")

type Stage string

const (
	StageTranscription Stage = "transcription"
	StageAnalysis      Stage = "analysis"
)

// Error is an engine failure. The pipeline retries these.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("%s engine: %v", e.Stage, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Transcript is the output of a Transcriber.
// Duration is the audio length in seconds, or 0 when unknown.
type Transcript struct {
	Text     string
	Segments []calls.Segment
	Duration float64
}

// Transcriber turns audio into ordered, timed segments. It may block for minutes.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, language string) (Transcript, error)
}

// Analyzer derives content analysis from a finished transcription.
// It returns ErrUnavailable when it has no model for language.
type Analyzer interface {
	Analyze(ctx context.Context, t calls.Transcription, language string) (calls.Analysis, error)
}

// TranscriberFunc adapts a function to Transcriber.
type TranscriberFunc func(ctx context.Context, audioPath, language string) (Transcript, error)

func (f TranscriberFunc) Transcribe(ctx context.Context, audioPath, language string) (Transcript, error) {
	return f(ctx, audioPath, language)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, t calls.Transcription, language string) (calls.Analysis, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, t calls.Transcription, language string) (calls.Analysis, error) {
	return f(ctx, t, language)
}
