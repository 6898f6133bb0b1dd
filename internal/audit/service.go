package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
//   - Audit is internal-only. Do not expose these records to regular users.
//   - Callers should treat audit logging as best-effort.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogCallAction records an action against a single call.
func (s *Service) LogCallAction(ctx context.Context, typ EventType, actor Actor, callID, message, metadata string) error {
	if callID == "" {
		return ErrInvalidEvent
	}
	return s.Append(ctx, Event{
		Type:        typ,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		IPAddress:   actor.IP,
		CallID:      callID,
		Message:     message,
		Metadata:    metadata,
	})
}

// LogSweep records a batch action not tied to one call.
func (s *Service) LogSweep(ctx context.Context, typ EventType, actor Actor, message, metadata string) error {
	return s.Append(ctx, Event{
		Type:        typ,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		IPAddress:   actor.IP,
		Message:     message,
		Metadata:    metadata,
	})
}
