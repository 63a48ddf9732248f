// Package errors provides a structured error system for FlashFS with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for FlashFS operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration Errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Argument and descriptor errors
	ErrCodeInvalidArgument   ErrorCode = "INVALID_ARGUMENT"
	ErrCodeInvalidDescriptor ErrorCode = "INVALID_DESCRIPTOR"

	// Filesystem Errors
	ErrCodeMountFailed  ErrorCode = "MOUNT_FAILED"
	ErrCodeFormatFailed ErrorCode = "FORMAT_FAILED"
	ErrCodeEngineError  ErrorCode = "ENGINE_ERROR"
	ErrCodeDriverError  ErrorCode = "DRIVER_ERROR"

	// Resource Errors
	ErrCodeQueueFull    ErrorCode = "QUEUE_FULL"
	ErrCodeQueueTimeout ErrorCode = "QUEUE_TIMEOUT"
	ErrCodeLockTimeout  ErrorCode = "LOCK_TIMEOUT"

	// State Errors
	ErrCodeNotReady       ErrorCode = "NOT_READY"
	ErrCodeAlreadyStarted ErrorCode = "ALREADY_STARTED"
	ErrCodeWorkerStopped  ErrorCode = "WORKER_STOPPED"

	// Archive Errors
	ErrCodeObjectNotFound    ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeStorageRead       ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite      ErrorCode = "STORAGE_WRITE"
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeImageCorrupt      ErrorCode = "IMAGE_CORRUPT"

	// Operation Errors
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"

	// Internal System Errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnknownError  ErrorCode = "UNKNOWN_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryArgument      ErrorCategory = "argument"
	CategoryFilesystem    ErrorCategory = "filesystem"
	CategoryResource      ErrorCategory = "resource"
	CategoryState         ErrorCategory = "state"
	CategoryArchive       ErrorCategory = "archive"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// FlashFSError represents a structured error with context and metadata.
type FlashFSError struct {
	// Core error information
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// Error handling hints
	Retryable  bool `json:"retryable"`
	UserFacing bool `json:"user_facing"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *FlashFSError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *FlashFSError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *FlashFSError) Is(target error) bool {
	if t, ok := target.(*FlashFSError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *FlashFSError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.RequestID != "" {
		parts = append(parts, fmt.Sprintf("RequestID=%s", e.RequestID))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("FlashFSError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *FlashFSError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new FlashFS error with default values.
func NewError(code ErrorCode, message string) *FlashFSError {
	return &FlashFSError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		UserFacing: IsUserFacingByDefault(code),
	}
}

// Newf creates a new FlashFS error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *FlashFSError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new FlashFS error with the given cause.
func Wrap(cause error, code ErrorCode, message string) *FlashFSError {
	return NewError(code, message).WithCause(cause)
}

// Sentinels for errors.Is comparisons. Only the code is compared.
var (
	ErrInvalidArgument   = &FlashFSError{Code: ErrCodeInvalidArgument}
	ErrInvalidDescriptor = &FlashFSError{Code: ErrCodeInvalidDescriptor}
	ErrNotReady          = &FlashFSError{Code: ErrCodeNotReady}
	ErrEngine            = &FlashFSError{Code: ErrCodeEngineError}
	ErrQueueFull         = &FlashFSError{Code: ErrCodeQueueFull}
	ErrQueueTimeout      = &FlashFSError{Code: ErrCodeQueueTimeout}
	ErrMountFailed       = &FlashFSError{Code: ErrCodeMountFailed}
	ErrLockTimeout       = &FlashFSError{Code: ErrCodeLockTimeout}
	ErrWorkerStopped     = &FlashFSError{Code: ErrCodeWorkerStopped}
)

// CodeOf returns the code of the first FlashFSError in err's chain.
func CodeOf(err error) ErrorCode {
	var fe *FlashFSError
	if stderr.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "INVALID_"):
		return CategoryArgument
	case strings.HasPrefix(codeStr, "MOUNT_") || strings.HasPrefix(codeStr, "FORMAT_") ||
		strings.HasPrefix(codeStr, "ENGINE_") || strings.HasPrefix(codeStr, "DRIVER_"):
		return CategoryFilesystem
	case strings.HasPrefix(codeStr, "QUEUE_") || strings.HasPrefix(codeStr, "LOCK_"):
		return CategoryResource
	case strings.HasPrefix(codeStr, "NOT_READY") || strings.HasPrefix(codeStr, "ALREADY_") ||
		strings.HasPrefix(codeStr, "WORKER_"):
		return CategoryState
	case strings.HasPrefix(codeStr, "OBJECT_") || strings.HasPrefix(codeStr, "STORAGE_") ||
		strings.HasPrefix(codeStr, "CONNECTION_") || strings.HasPrefix(codeStr, "IMAGE_"):
		return CategoryArchive
	case strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "RETRY_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeConnectionTimeout: true,
		ErrCodeConnectionFailed:  true,
		ErrCodeOperationTimeout:  true,
		ErrCodeLockTimeout:       true,
		ErrCodeQueueFull:         true,
		ErrCodeInternalError:     true,
	}
	return retryableCodes[code]
}

// IsUserFacingByDefault determines if an error should be shown to users.
func IsUserFacingByDefault(code ErrorCode) bool {
	userFacingCodes := map[ErrorCode]bool{
		ErrCodeInvalidConfig:     true,
		ErrCodeConfigValidation:  true,
		ErrCodeInvalidArgument:   true,
		ErrCodeInvalidDescriptor: true,
		ErrCodeNotReady:          true,
		ErrCodeMountFailed:       true,
		ErrCodeQueueFull:         true,
		ErrCodeObjectNotFound:    true,
	}
	return userFacingCodes[code]
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *FlashFSError) WithContext(key, value string) *FlashFSError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *FlashFSError) WithDetail(key string, value interface{}) *FlashFSError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *FlashFSError) WithComponent(component string) *FlashFSError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *FlashFSError) WithOperation(operation string) *FlashFSError {
	e.Operation = operation
	return e
}

// WithRequestID sets the request the error belongs to
func (e *FlashFSError) WithRequestID(id string) *FlashFSError {
	e.RequestID = id
	return e
}

// WithCause sets the underlying cause
func (e *FlashFSError) WithCause(cause error) *FlashFSError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *FlashFSError) WithStack() *FlashFSError {
	e.Stack = CaptureStack(2)
	return e
}

// GetRecommendation returns a user-friendly recommendation for fixing the error
func (e *FlashFSError) GetRecommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeInvalidDescriptor: "The descriptor was issued before the volume was remounted or reformatted, " +
			"or it was already closed. Open the file again.",
		ErrCodeNotReady: "The filesystem instance has not been mounted. " +
			"Check the mount diagnostics in the log; a volume that fails mount after format stays unusable.",
		ErrCodeMountFailed: "Mount failed even after formatting. " +
			"Check the driver geometry and the flash device wiring.",
		ErrCodeQueueFull: "The record queue is full. " +
			"Retry later, enqueue with wait enabled, or raise the queue capacity in configuration.",
		ErrCodeLockTimeout: "The instance stayed busy longer than the lock timeout. " +
			"Consider increasing access.lock_timeout.",
		ErrCodeInvalidConfig: "Configuration validation failed. " +
			"Check your configuration file syntax and required parameters.",
		ErrCodeConnectionFailed: "Verify the archive endpoint, credentials and network connectivity.",
		ErrCodeObjectNotFound:   "The requested partition image does not exist in the archive bucket.",
	}

	if rec, exists := recommendations[e.Code]; exists {
		return rec
	}

	return "Please check the error message for details."
}

// UserFacingMessage returns a simplified message suitable for end users
func (e *FlashFSError) UserFacingMessage() string {
	if !e.UserFacing {
		return "An internal error occurred."
	}

	messages := map[ErrorCode]string{
		ErrCodeInvalidArgument:   "Invalid argument",
		ErrCodeInvalidDescriptor: "Stale or invalid file descriptor",
		ErrCodeNotReady:          "Filesystem not ready",
		ErrCodeMountFailed:       "Failed to mount filesystem",
		ErrCodeQueueFull:         "Request queue full",
		ErrCodeInvalidConfig:     "Invalid configuration",
		ErrCodeObjectNotFound:    "Partition image not found",
	}

	if msg, exists := messages[e.Code]; exists {
		return msg
	}

	return e.Message
}

// DetailedDiagnostic returns a comprehensive diagnostic message
func (e *FlashFSError) DetailedDiagnostic() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Error: %s", e.UserFacingMessage()))
	parts = append(parts, fmt.Sprintf("Code: %s", e.Code))
	parts = append(parts, fmt.Sprintf("Category: %s", e.Category))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component: %s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation: %s", e.Operation))
	}

	if len(e.Context) > 0 {
		parts = append(parts, "\nContext:")
		for k, v := range e.Context {
			parts = append(parts, fmt.Sprintf("  %s: %s", k, v))
		}
	}

	if len(e.Details) > 0 {
		parts = append(parts, "\nDetails:")
		for k, v := range e.Details {
			parts = append(parts, fmt.Sprintf("  %s: %v", k, v))
		}
	}

	parts = append(parts, "\nRecommendation:")
	parts = append(parts, "  "+e.GetRecommendation())

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("\nUnderlying cause: %s", e.Cause.Error()))
	}

	return strings.Join(parts, "\n")
}
