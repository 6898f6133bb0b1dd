package auth

import (
	"context"
	"errors"
)

var ErrNoIdentity = errors.New("auth: identity not in context")

// Identity is the verified caller attached to a request context.
type Identity struct {
	UserID string
	Role   string
}

type identityKey struct{}

func WithIdentity(ctx context.Context, userID, role string) context.Context {
	return context.WithValue(ctx, identityKey{}, Identity{UserID: userID, Role: role})
}

// IdentityFrom returns the caller, or ErrNoIdentity on unauthenticated paths.
func IdentityFrom(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

func UserID(ctx context.Context) (string, error) {
	id, err := IdentityFrom(ctx)
	return id.UserID, err
}

func Role(ctx context.Context) (string, error) {
	id, err := IdentityFrom(ctx)
	if err == nil && id.Role == "" {
		err = ErrNoIdentity
	}
	return id.Role, err
}
