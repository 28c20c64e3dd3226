package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// requireToken rejects requests without "Authorization: Bearer <token>".
// An empty token disables the check.
func requireToken(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		h := c.GetHeader("Authorization")
		got, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
			c.Header("WWW-Authenticate", `Bearer realm="craftvisor"`)
			writeJSON(c, http.StatusUnauthorized, errorResp{Error: "missing or invalid bearer token"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// rateLimit throttles a route with a shared token bucket. A nil limiter
// disables throttling.
func rateLimit(l *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l != nil && !l.Allow() {
			c.Header("Retry-After", "1")
			writeJSON(c, http.StatusTooManyRequests, errorResp{Error: "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}
