package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for malformed, expired or forged tokens
var ErrInvalidToken = errors.New("auth: invalid token")

// Token kinds
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

// Claims are the JWT claims issued to API users
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Kind     string `json:"kind"`
	jwt.RegisteredClaims
}

// JWTManager issues and verifies HS256 tokens
type JWTManager struct {
	secretKey       []byte
	issuer          string
	accessDuration  time.Duration
	refreshDuration time.Duration
	now             func() time.Time
}

// NewJWTManager creates a manager. Refresh tokens live seven times longer
// than access tokens.
func NewJWTManager(secretKey, issuer string, duration time.Duration) *JWTManager {
	if duration <= 0 {
		duration = 24 * time.Hour
	}
	return &JWTManager{
		secretKey:       []byte(secretKey),
		issuer:          issuer,
		accessDuration:  duration,
		refreshDuration: 7 * duration,
		now:             time.Now,
	}
}

// GenerateToken issues an access token
func (m *JWTManager) GenerateToken(userID, username, role string) (string, time.Time, error) {
	return m.generate(userID, username, role, KindAccess, m.accessDuration)
}

// GenerateRefreshToken issues a refresh token
func (m *JWTManager) GenerateRefreshToken(userID, username, role string) (string, time.Time, error) {
	return m.generate(userID, username, role, KindRefresh, m.refreshDuration)
}

func (m *JWTManager) generate(userID, username, role, kind string, ttl time.Duration) (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		UserID:   userID,
		Username: username,
		Role:     role,
		Kind:     kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken verifies the signature, issuer and expiry of an access token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	return m.validate(tokenString, KindAccess)
}

// ValidateRefreshToken verifies a refresh token
func (m *JWTManager) ValidateRefreshToken(tokenString string) (*Claims, error) {
	return m.validate(tokenString, KindRefresh)
}

func (m *JWTManager) validate(tokenString, kind string) (*Claims, error) {
	claims := &Claims{}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		options = append(options, jwt.WithIssuer(m.issuer))
	}

	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return m.secretKey, nil
	}, options...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("%w: expected %s token, got %q", ErrInvalidToken, kind, claims.Kind)
	}
	return claims, nil
}
