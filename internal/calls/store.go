package calls

import (
	"context"
	"time"
)

// Store is the durable Job Store contract consumed by the pipeline core.
//
// IMPORTANT:
//   - UpdateStatus is reserved for the pipeline and the reaper. It applies the
//     state machine atomically and returns ErrInvalidTransition when the stored
//     status cannot move to the requested one.
//   - CreateTranscription / CreateAnalysis return ErrAlreadyExists on a second write for the same call.
//   - Deleting a Call deletes its Transcription and Analysis.
type Store interface {
	Get(ctx context.Context, id string) (Call, error)
	Create(ctx context.Context, in NewCall) (Call, error)
	UpdateStatus(ctx context.Context, id string, status Status, at time.Time) (Call, error)
	SetDuration(ctx context.Context, id string, seconds float64) error
	Delete(ctx context.Context, id string) error

	GetTranscription(ctx context.Context, callID string) (Transcription, error)
	CreateTranscription(ctx context.Context, t Transcription) (Transcription, error)
	GetAnalysis(ctx context.Context, callID string) (Analysis, error)
	CreateAnalysis(ctx context.Context, a Analysis) (Analysis, error)

	// ListStuck returns processing calls whose UpdatedAt is strictly before olderThan.
	ListStuck(ctx context.Context, olderThan time.Time) ([]Call, error)
	// ListCreatedBefore returns calls created strictly before t.
	ListCreatedBefore(ctx context.Context, t time.Time) ([]Call, error)
}
