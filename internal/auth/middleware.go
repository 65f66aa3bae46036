package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Middleware rejects requests without a valid bearer token. A token may
// also arrive as a ?token= query parameter for WebSocket upgrades and
// QR-bootstrapped first requests.
func Middleware(token *Token) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := bearerToken(c.GetHeader("Authorization"))
		if presented == "" {
			presented = c.Query("token")
		}
		if !token.Verify(presented) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "missing or invalid bearer token",
			})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
