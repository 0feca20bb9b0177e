package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidCookie = errors.New("invalid session cookie")

// CookieClaims is the signed cookie payload. Only identifiers travel
// to the client; all mutable session state stays server-side.
type CookieClaims struct {
	SessionID string `json:"sid"`
	UserID    int64  `json:"uid"`
	jwt.RegisteredClaims
}

// CookieManager signs and verifies the session cookie
type CookieManager struct {
	secret []byte
	ttl    time.Duration
}

func NewCookieManager(secret string, ttl time.Duration) *CookieManager {
	return &CookieManager{secret: []byte(secret), ttl: ttl}
}

// Issue creates a signed cookie value for the session
func (m *CookieManager) Issue(sessionID string, userID int64) (string, error) {
	now := time.Now().UTC()
	claims := CookieClaims{
		SessionID: sessionID,
		UserID:    userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign cookie: %w", err)
	}
	return signed, nil
}

// Parse verifies a cookie value and returns its session and user ids
func (m *CookieManager) Parse(value string) (string, int64, error) {
	claims := &CookieClaims{}
	token, err := jwt.ParseWithClaims(value, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid || claims.SessionID == "" {
		return "", 0, ErrInvalidCookie
	}
	return claims.SessionID, claims.UserID, nil
}
