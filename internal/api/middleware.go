package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"cube-engine/internal/auth"
)

const (
	claimsKey    = "claims"
	requestIDKey = "request_id"
)

// requestID tags every request with an id, reusing X-Request-ID when the
// caller sends one
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// accessLog logs one line per request
func accessLog(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request served",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetString(requestIDKey))
	}
}

// cors allows browser clients from any origin
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// authenticate validates the bearer token and stores its claims
func authenticate(a auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.ExtractBearer(c.GetHeader("Authorization"))
		if err != nil {
			abort(c, "Authentication required", err)
			return
		}
		claims, err := a.ValidateToken(c.Request.Context(), token)
		if err != nil {
			abort(c, "Authentication failed", err)
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// permit checks that the authenticated token grants permission. It passes
// everything through when auth is disabled.
func permit(a auth.Authenticator, permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a == nil {
			c.Next()
			return
		}
		claims, _ := c.Get(claimsKey)
		cl, _ := claims.(*auth.Claims)
		if err := a.Authorize(c.Request.Context(), cl, permission); err != nil {
			abort(c, "Forbidden", err)
			return
		}
		c.Next()
	}
}
