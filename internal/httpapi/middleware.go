package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/BatmanBruc/coinmeter/internal/contextkeys"
)

const (
	headerUserID        = "X-User-ID"
	headerIdempotency   = "Idempotency-Key"
	headerRequestID     = "X-Request-ID"
	headerInternalToken = "X-Internal-Token"
)

func (s *Server) requestID(c *gin.Context) {
	id := strings.TrimSpace(c.GetHeader(headerRequestID))
	if id == "" {
		id = uuid.NewString()
	}
	c.Header(headerRequestID, id)
	c.Request = c.Request.WithContext(contextkeys.WithRequestID(c.Request.Context(), id))
	c.Next()
}

func (s *Server) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()

	status := c.Writer.Status()
	ev := s.log.Debug()
	if status >= http.StatusInternalServerError {
		ev = s.log.Error()
	}
	ev.Str("method", c.Request.Method).
		Str("path", c.FullPath()).
		Int("status", status).
		Dur("latency", time.Since(start)).
		Str("request_id", contextkeys.GetRequestID(c.Request.Context())).
		Msg("request")
}

func (s *Server) authenticate(c *gin.Context) {
	userID := strings.TrimSpace(c.GetHeader(headerUserID))
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + headerUserID})
		return
	}
	c.Request = c.Request.WithContext(contextkeys.WithUserID(c.Request.Context(), userID))
	c.Next()
}

func (s *Server) nonce(c *gin.Context) {
	if key := strings.TrimSpace(c.GetHeader(headerIdempotency)); key != "" {
		c.Request = c.Request.WithContext(contextkeys.WithNonce(c.Request.Context(), key))
	}
	c.Next()
}

func (s *Server) internalOnly(c *gin.Context) {
	got := c.GetHeader(headerInternalToken)
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.deps.InternalToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func userID(c *gin.Context) string {
	id, _ := contextkeys.GetUserID(c.Request.Context())
	return id
}

func nonceOf(c *gin.Context) string {
	return contextkeys.GetNonce(c.Request.Context())
}
