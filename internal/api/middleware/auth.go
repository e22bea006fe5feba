package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/liliang-cn/askgen/internal/domain"
)

// Auth returns an API key authentication middleware.
//
// The key is read from X-API-Key, a bearer Authorization header, or the
// api_key query parameter for websocket clients that cannot set headers.
func Auth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip auth if no API key configured
		if apiKey == "" {
			c.Next()
			return
		}

		if subtle.ConstantTimeCompare([]byte(requestKey(c)), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": domain.ErrUnauthorized.Error()})
			return
		}

		c.Next()
	}
}

func requestKey(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.Query("api_key")
}
