package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const operatorTokenHeader = "X-Operator-Token"

// OperatorOnly rejects requests that do not carry the operator token.
// An empty token leaves the route open, which is meant for local runs.
func OperatorOnly(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got := c.GetHeader(operatorTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "operator token required"})
			return
		}
		c.Next()
	}
}
