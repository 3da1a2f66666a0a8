// Package errors provides custom error types for the fleet controller.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	ErrCodeBusUnavailable         = "BUS_UNAVAILABLE"
	ErrCodeAgentUnavailable       = "AGENT_UNAVAILABLE"
	ErrCodeModuleUnknown          = "MODULE_UNKNOWN"
	ErrCodeSchemaRejected         = "SCHEMA_REJECTED"
	ErrCodeStopTimeout            = "STOP_TIMEOUT"
	ErrCodeQueueFull              = "QUEUE_FULL"
	ErrCodeWorkflowNotFound       = "WORKFLOW_NOT_FOUND"
	ErrCodePersistenceUnavailable = "PERSISTENCE_UNAVAILABLE"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// ServiceUnavailable creates a new service unavailable error.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// BusUnavailable indicates the message bus cannot accept the operation.
func BusUnavailable(err error) *AppError {
	return &AppError{
		Code:       ErrCodeBusUnavailable,
		Message:    "message bus unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// AgentUnavailable indicates the target agent is unknown or not alive.
func AgentUnavailable(agentID string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentUnavailable,
		Message:    fmt.Sprintf("agent '%s' is not available", agentID),
		HTTPStatus: http.StatusConflict,
	}
}

// ModuleUnknown indicates the agent does not advertise the module.
func ModuleUnknown(agentID, module string) *AppError {
	return &AppError{
		Code:       ErrCodeModuleUnknown,
		Message:    fmt.Sprintf("agent '%s' has no module '%s'", agentID, module),
		HTTPStatus: http.StatusNotFound,
	}
}

// SchemaRejected indicates the request failed input-schema validation.
func SchemaRejected(module string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeSchemaRejected,
		Message:    fmt.Sprintf("request rejected by schema of module '%s'", module),
		HTTPStatus: http.StatusUnprocessableEntity,
		Err:        err,
	}
}

// StopTimeout indicates a worker did not stop within the bounded wait.
func StopTimeout(module string) *AppError {
	return &AppError{
		Code:       ErrCodeStopTimeout,
		Message:    fmt.Sprintf("module '%s' did not stop in time", module),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// QueueFull indicates the bounded execution queue rejected the request.
func QueueFull() *AppError {
	return &AppError{
		Code:       ErrCodeQueueFull,
		Message:    "execution queue is full",
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// WorkflowNotFound indicates no workflow record exists for the id.
func WorkflowNotFound(workflowID string) *AppError {
	return &AppError{
		Code:       ErrCodeWorkflowNotFound,
		Message:    fmt.Sprintf("workflow '%s' not found", workflowID),
		HTTPStatus: http.StatusNotFound,
	}
}

// PersistenceUnavailable indicates the persistence port cannot serve reads.
func PersistenceUnavailable(err error) *AppError {
	return &AppError{
		Code:       ErrCodePersistenceUnavailable,
		Message:    "persistence unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// HasCode checks whether the error is an AppError with the given code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound || appErr.Code == ErrCodeWorkflowNotFound
	}
	return false
}

// IsBadRequest checks if the error is a bad request error.
func IsBadRequest(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeBadRequest || appErr.Code == ErrCodeValidationError
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
