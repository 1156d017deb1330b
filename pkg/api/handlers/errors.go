// Package handlers implements the JSON endpoints of the disk and VM API.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mhrivnak/vmorch/pkg/services"
)

// APIError represents a structured API error response
type APIError struct {
	Code    int    `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// NewAPIError creates a new API error response
func NewAPIError(code int, error string, message string, details ...string) *APIError {
	apiErr := &APIError{
		Code:    code,
		Error:   error,
		Message: message,
	}
	if len(details) > 0 {
		apiErr.Details = details[0]
	}
	return apiErr
}

// SendError sends a structured error response
func SendError(c *gin.Context, apiErr *APIError) {
	c.AbortWithStatusJSON(apiErr.Code, apiErr)
}

// statusForKind maps service error kinds to HTTP status codes
var statusForKind = map[services.ErrorKind]int{
	services.KindValidation:        http.StatusBadRequest,
	services.KindNotFound:          http.StatusNotFound,
	services.KindConflict:          http.StatusConflict,
	services.KindInvalidState:      http.StatusConflict,
	services.KindProvisioning:      http.StatusBadGateway,
	services.KindStorageAllocation: http.StatusInternalServerError,
	services.KindInternal:          http.StatusInternalServerError,
}

// sendServiceError translates a service error into the API error shape. The cause of
// hypervisor and storage failures is passed on as details; internal causes are only logged.
func sendServiceError(c *gin.Context, logger *slog.Logger, err error) {
	var svcErr *services.Error
	if !errors.As(err, &svcErr) {
		svcErr = &services.Error{Kind: services.KindInternal, Message: "internal server error", Err: err}
	}

	code, ok := statusForKind[svcErr.Kind]
	if !ok {
		code = http.StatusInternalServerError
	}

	var details []string
	switch svcErr.Kind {
	case services.KindProvisioning, services.KindStorageAllocation:
		if svcErr.Err != nil {
			details = append(details, svcErr.Err.Error())
		}
	}

	if code >= http.StatusInternalServerError {
		logger.Error("Request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "kind", svcErr.Kind, "error", err)
	}

	SendError(c, NewAPIError(code, string(svcErr.Kind), svcErr.Message, details...))
}

// sendBindError reports a malformed request body
func sendBindError(c *gin.Context, err error) {
	SendError(c, NewAPIError(http.StatusBadRequest, string(services.KindValidation), "Invalid request body", err.Error()))
}
