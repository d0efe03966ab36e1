package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims carries the authenticated operator identity.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Manager signs and validates control-plane tokens.
type Manager struct {
	secretKey []byte
	expiry    time.Duration
	enabled   bool
}

// NewManager creates a token manager. An empty secret disables auth
// entirely; expiry defaults to 24h.
func NewManager(secret string, expiry time.Duration) *Manager {
	enabled := secret != ""
	if secret == "" {
		// A random secret keeps token handling functional in dev mode.
		randomBytes := make([]byte, 32)
		rand.Read(randomBytes)
		secret = hex.EncodeToString(randomBytes)
	}
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Manager{
		secretKey: []byte(secret),
		expiry:    expiry,
		enabled:   enabled,
	}
}

// IsEnabled reports whether requests must carry a token.
func (m *Manager) IsEnabled() bool {
	return m.enabled
}

// GenerateToken creates a signed token for an operator.
func (m *Manager) GenerateToken(username string) (string, time.Time, error) {
	expiresAt := time.Now().Add(m.expiry)

	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "vigil",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(m.secretKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// ValidateToken checks signature and expiry and returns the claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
