package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/BatmanBruc/coinmeter/types"
)

var statusByErr = []struct {
	err    error
	status int
	code   string
}{
	{types.ErrInsufficientFunds, http.StatusPaymentRequired, "insufficient_funds"},
	{types.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{types.ErrDuplicateRequest, http.StatusConflict, "duplicate_request"},
	{types.ErrCreatorUnavailable, http.StatusConflict, "creator_unavailable"},
	{types.ErrForbidden, http.StatusForbidden, "forbidden"},
	{types.ErrNotFound, http.StatusNotFound, "not_found"},
	{types.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{types.ErrTimeout, http.StatusGatewayTimeout, "timeout"},
	{types.ErrUnavailable, http.StatusServiceUnavailable, "unavailable"},
}

// writeError maps domain errors onto status codes. Timeouts and unavailability
// are marked retryable: the client should repeat the request with the same
// Idempotency-Key.
func (s *Server) writeError(c *gin.Context, err error) {
	for _, m := range statusByErr {
		if errors.Is(err, m.err) {
			c.JSON(m.status, gin.H{
				"error":     m.code,
				"message":   err.Error(),
				"retryable": types.IsRetryable(err),
			})
			return
		}
	}
	s.log.Error().Err(err).Str("path", c.FullPath()).Msg("unmapped error")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "retryable": true})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": err.Error(), "retryable": false})
}
