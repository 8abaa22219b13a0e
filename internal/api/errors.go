package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/chronoctx/internal/ir"
)

// Codes used only at the HTTP layer.
const (
	codeRateLimited = "RATE_LIMITED"
	codeInternal    = "INTERNAL"
	codeCancelled   = "CANCELLED"
	codeTooLarge    = "PAYLOAD_TOO_LARGE"
)

// ErrorBody is the JSON error envelope: {"error": {"code", "message"}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failed request.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch ir.CodeOf(err) {
	case ir.CodeNotFound:
		return http.StatusNotFound
	case ir.CodeOutOfRange:
		return http.StatusRequestedRangeNotSatisfiable
	case ir.CodeInvalidArgument:
		return http.StatusBadRequest
	case ir.CodeConflict:
		return http.StatusInternalServerError
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// abortWithError writes the error envelope. Store failures are logged and
// reported without their internal detail.
func (s *Server) abortWithError(c *gin.Context, err error) {
	status := StatusFor(err)

	var e *ir.Error
	switch {
	case errors.As(err, &e):
		c.AbortWithStatusJSON(status, ErrorBody{Error: ErrorDetail{Code: string(e.Code), Message: e.Message}})
	case status == http.StatusServiceUnavailable:
		c.AbortWithStatusJSON(status, ErrorBody{Error: ErrorDetail{Code: codeCancelled, Message: err.Error()}})
	default:
		s.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.AbortWithStatusJSON(status, ErrorBody{Error: ErrorDetail{Code: codeInternal, Message: "internal error"}})
	}
}

// abortBadRequest rejects a request that failed decoding or validation.
func abortBadRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorBody{Error: ErrorDetail{
		Code:    string(ir.CodeInvalidArgument),
		Message: describeValidation(err),
	}})
}

// abortUnreadable rejects a request whose body could not be read. Bodies
// over maxBodyBytes get 413.
func abortUnreadable(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: ErrorDetail{
			Code:    codeTooLarge,
			Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
		}})
		return
	}
	abortBadRequest(c, err)
}
