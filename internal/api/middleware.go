package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	serviceSecretHeader = "X-Service-Secret"
	requestIDHeader     = "X-Request-ID"
)

/* Every route but healthz requires either the service secret or a bearer
* token whose groups claim holds role. */
func (srv *HTTPService) AuthMiddleware(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// if service secret exists and validated, grant access
		if secret := c.GetHeader(serviceSecretHeader); secret != "" {
			if len(srv.Config.SERVICE_SECRET_KEY) > 0 &&
				subtle.ConstantTimeCompare([]byte(secret), srv.Config.SERVICE_SECRET_KEY) == 1 {
				c.Set("principal", "service")
				c.Next()
				return
			}
			srv.Log.Warnf("[%s] invalid service secret from %s", requestID(c), c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid service secret"})
			return
		}

		tokenString, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Bearer token is required"})
			return
		}
		if len(srv.Config.JWT_SECRET_KEY) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token authentication is disabled"})
			return
		}

		claims, err := ParseToken(srv.Config.JWT_SECRET_KEY, srv.Config.ISSUER, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}
		if !claims.HasGroup(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient privileges"})
			return
		}

		c.Set("principal", claims.Username)
		c.Set("groups", claims.Groups)
		c.Next()
	}
}

// requestIDMiddleware tags each request, reusing an incoming id.
func requestIDMiddleware(c *gin.Context) {
	id := c.GetHeader(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set("request_id", id)
	c.Header(requestIDHeader, id)
	c.Next()
}

func requestID(c *gin.Context) string {
	return c.GetString("request_id")
}

// lockDeadline bounds the time a request may spend waiting on file locks.
func lockDeadline(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
