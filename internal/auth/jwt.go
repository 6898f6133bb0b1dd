package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"call-insights/internal/config"
)

var (
	// ErrInvalidToken covers bad signatures, malformed tokens and failed
	// registered-claim checks (exp, iat, iss, aud).
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrWrongTokenType is returned when a refresh token is presented where an
	// access token is required, or the reverse.
	ErrWrongTokenType = errors.New("auth: wrong token type")
)

// clockSkew is tolerated on exp and iat.
const clockSkew = 30 * time.Second

// Manager issues and verifies HS256 tokens for one issuer/audience pair.
type Manager struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.AccessTokenTTL <= 0 || cfg.RefreshTokenTTL <= 0 {
		return nil, errors.New("token TTLs must be positive")
	}
	return &Manager{
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.JWTIssuer,
		audience:   cfg.JWTAudience,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
	}, nil
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64 `json:"expires_in"`
}

// IssuePair signs an access token carrying role and a role-less refresh token.
func (m *Manager) IssuePair(now time.Time, userID, role string) (TokenPair, error) {
	if userID == "" || role == "" {
		return TokenPair{}, errors.New("auth: user id and role are required")
	}
	access, err := m.sign(now, m.accessTTL, Claims{UserID: userID, Role: role, TokenType: TokenTypeAccess})
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := m.sign(now, m.refreshTTL, Claims{UserID: userID, TokenType: TokenTypeRefresh})
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(m.accessTTL / time.Second),
	}, nil
}

// Verify checks the signature, then validates registered claims against now
// rather than the wall clock, then the token type and identity fields.
func (m *Manager) Verify(token string, expected TokenType, now time.Time) (Claims, error) {
	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if err := m.validator(now).Validate(claims.RegisteredClaims); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.TokenType != expected {
		return Claims{}, ErrWrongTokenType
	}
	if claims.UserID == "" {
		return Claims{}, fmt.Errorf("%w: user_id missing", ErrInvalidToken)
	}
	if expected == TokenTypeAccess && claims.Role == "" {
		return Claims{}, fmt.Errorf("%w: role missing", ErrInvalidToken)
	}
	return claims, nil
}

func (m *Manager) validator(now time.Time) *jwt.Validator {
	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}
	return jwt.NewValidator(opts...)
}

func (m *Manager) sign(now time.Time, ttl time.Duration, c Claims) (string, error) {
	c.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    m.issuer,
		Subject:   c.UserID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if m.audience != "" {
		c.Audience = jwt.ClaimStrings{m.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.secret)
}
