package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenService issues and validates the bearer tokens the API accepts.
// Tokens are stateless HS256 JWTs; revocation is handled by expiry.
type TokenService struct {
	secretKey []byte
	tokenTTL  time.Duration
}

// Claims are the claims carried by our tokens.
type Claims struct {
	UserID    string `json:"user_id"`
	Anonymous bool   `json:"anonymous,omitempty"`
	jwt.RegisteredClaims
}

// NewTokenService creates a token service. ttlMinutes of zero or less
// defaults to 24 hours.
func NewTokenService(secretKey string, ttlMinutes int) *TokenService {
	ttl := time.Duration(ttlMinutes) * time.Minute
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenService{secretKey: []byte(secretKey), tokenTTL: ttl}
}

// Issue creates a signed token for the user.
func (ts *TokenService) Issue(userID string, anonymous bool) (string, time.Time, error) {
	expiresAt := time.Now().Add(ts.tokenTTL)
	claims := &Claims{
		UserID:    userID,
		Anonymous: anonymous,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "zhiwei",
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign JWT: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses a token and returns the user id it carries.
func (ts *TokenService) Validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ts.secretKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}
	if claims.UserID == "" {
		return "", fmt.Errorf("token carries no user")
	}
	return claims.UserID, nil
}
