package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// TokenManager issues tokens accepted by JWTAuthenticator
type TokenManager struct {
	secretKey  []byte
	issuer     string
	defaultTTL time.Duration
	clock      clockwork.Clock
}

// NewTokenManager creates a new token manager
func NewTokenManager(secretKey []byte, issuer string, defaultTTL time.Duration) *TokenManager {
	return &TokenManager{
		secretKey:  secretKey,
		issuer:     issuer,
		defaultTTL: defaultTTL,
		clock:      clockwork.NewRealClock(),
	}
}

// WithClock replaces the clock used for token timestamps
func (tm *TokenManager) WithClock(clock clockwork.Clock) *TokenManager {
	tm.clock = clock
	return tm
}

// GenerateJWT creates a signed token for subject. A zero ttl uses the
// manager's default.
func (tm *TokenManager) GenerateJWT(subject string, permissions []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = tm.defaultTTL
	}
	now := tm.clock.Now()
	claims := &Claims{
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tm.issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.secretKey)
}
