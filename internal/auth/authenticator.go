package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Permissions granted by tokens
const (
	PermissionRead  = "cube:read"
	PermissionWrite = "cube:write"
	PermissionAll   = "*"
)

var (
	ErrMissingToken     = errors.New("missing authentication token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrPermissionDenied = errors.New("permission denied")
)

// Authenticator validates bearer tokens and checks permissions
type Authenticator interface {
	// ValidateToken validates a JWT token and returns the claims
	ValidateToken(ctx context.Context, token string) (*Claims, error)

	// Authorize checks if the claims grant the permission
	Authorize(ctx context.Context, claims *Claims, permission string) error
}

// Claims represents the JWT token claims
type Claims struct {
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Has reports whether the claims grant permission
func (c *Claims) Has(permission string) bool {
	for _, p := range c.Permissions {
		if p == permission || p == PermissionAll {
			return true
		}
	}
	return false
}

// JWTAuthenticator implements Authenticator with HS256 tokens
type JWTAuthenticator struct {
	secretKey []byte
	issuer    string
}

// NewJWTAuthenticator creates a new JWT-based authenticator
func NewJWTAuthenticator(secretKey []byte, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{
		secretKey: secretKey,
		issuer:    issuer,
	}
}

// ValidateToken validates a JWT token and returns the claims. Expiry and
// issuer are checked by the parser.
func (ja *JWTAuthenticator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ja.secretKey, nil
	},
		jwt.WithIssuer(ja.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authorize checks if the authenticated subject holds the permission
func (ja *JWTAuthenticator) Authorize(ctx context.Context, claims *Claims, permission string) error {
	if claims != nil && claims.Has(permission) {
		return nil
	}
	return fmt.Errorf("%w: %s required", ErrPermissionDenied, permission)
}

// ExtractBearer strips the "Bearer " prefix from an Authorization header
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):]), nil
	}
	return "", fmt.Errorf("%w: expected a bearer token", ErrInvalidToken)
}
