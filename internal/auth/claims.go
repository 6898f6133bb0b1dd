package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// UserID is the owner id every call and subscription is checked against.
// Admin capabilities are decided server-side from Role, never from extra claims.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}
