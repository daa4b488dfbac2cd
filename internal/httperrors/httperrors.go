// Package httperrors provides generic error responses for the HTTP endpoints.
// It ensures that internal implementation details are not leaked to clients.
package httperrors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorResponse represents a generic error response for clients
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Generic error messages that don't expose internal details
const (
	MsgInternalError      = "An internal error occurred"
	MsgServiceUnavailable = "Service temporarily unavailable"
	MsgResourceNotFound   = "Resource not found"
)

// Error codes for client-side handling
const (
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeNotFound           = "NOT_FOUND"
)

// RespondInternalError sends a 500 response with a generic message
func RespondInternalError(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
		Error: MsgInternalError,
		Code:  CodeInternalError,
	})
}

// RespondServiceUnavailable sends a 503 response naming the failed dependency
func RespondServiceUnavailable(c *gin.Context, dependency string) {
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{
		Error:   MsgServiceUnavailable,
		Code:    CodeServiceUnavailable,
		Details: dependency,
	})
}

// RespondNotFound sends a 404 response
func RespondNotFound(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{
		Error: MsgResourceNotFound,
		Code:  CodeNotFound,
	})
}

// Recovery converts panics in HTTP handlers into a generic 500 response
func Recovery(onPanic func(c *gin.Context, recovered any)) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		// No else needed: optional operation (report the panic)
		if onPanic != nil {
			onPanic(c, recovered)
		}
		RespondInternalError(c)
	})
}
