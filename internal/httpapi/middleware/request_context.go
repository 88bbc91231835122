package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/meshinfer/meshinfer/internal/platform/requestid"
)

const HeaderRequestID = "X-Request-Id"

// AttachRequestContext assigns (or propagates) a request id and stamps it on
// the response so client-side logs and server-side traces can be joined.
func AttachRequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = requestid.New()
		}
		c.Set("request_id", id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}
