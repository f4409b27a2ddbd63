// Package middleware holds the gin middleware the router chains ahead
// of every handler: panic recovery and request-id propagation.
package middleware

import (
	"log"
	"net/http"

	"github.com/broccoli-judge/judge-core/internal/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

// RequestID assigns a request id (from the incoming header if present,
// otherwise a freshly generated uuid), stores it in the gin context, and
// echoes it back on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// Recovery turns a panic in any downstream handler into a 500 response
// in the common envelope shape instead of crashing the process.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("httpapi: panic recovered request_id=%v: %v", c.GetString("request_id"), r)
				common.Fail(c, http.StatusInternalServerError, 50000, "internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}
