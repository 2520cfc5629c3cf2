// Package errors provides the structured error type used across the sync and cache layers,
// with error codes, categories, retry hints, and component context.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Connection errors
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"
	ErrCodeOffline           ErrorCode = "NETWORK_OFFLINE"
	ErrCodeCircuitOpen       ErrorCode = "CONNECTION_CIRCUIT_OPEN"

	// Storage errors
	ErrCodeStorageRead   ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite  ErrorCode = "STORAGE_WRITE"
	ErrCodeKeyNotFound   ErrorCode = "STORAGE_KEY_NOT_FOUND"
	ErrCodeRemoteApply   ErrorCode = "STORAGE_REMOTE_APPLY"
	ErrCodeQueueTable    ErrorCode = "STORAGE_QUEUE_TABLE"
	ErrCodeAccessDenied  ErrorCode = "ACCESS_DENIED"
	ErrCodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"

	// Cache errors
	ErrCodeNoCachedData  ErrorCode = "CACHE_NO_DATA"
	ErrCodeCacheCorrupt  ErrorCode = "CACHE_CORRUPT"
	ErrCodeInvalidPolicy ErrorCode = "CACHE_INVALID_POLICY"

	// Sync errors
	ErrCodeSyncInFlight    ErrorCode = "SYNC_IN_FLIGHT"
	ErrCodeSyncRateLimited ErrorCode = "SYNC_RATE_LIMITED"
	ErrCodeSyncItemDropped ErrorCode = "SYNC_ITEM_DROPPED"
	ErrCodeMutationQueued  ErrorCode = "SYNC_MUTATION_QUEUED"
	ErrCodeInvalidAction   ErrorCode = "SYNC_INVALID_ACTION"

	// State errors
	ErrCodeAlreadyStarted     ErrorCode = "ALREADY_STARTED"
	ErrCodeNotInitialized     ErrorCode = "NOT_INITIALIZED"
	ErrCodeShutdownInProgress ErrorCode = "SHUTDOWN_IN_PROGRESS"

	// Operation errors
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryStorage       ErrorCategory = "storage"
	CategoryCache         ErrorCategory = "cache"
	CategorySync          ErrorCategory = "sync"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// SyncError represents a structured error with context and metadata.
type SyncError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	// Retryable marks transient failures the retry strategy may repeat.
	Retryable bool `json:"retryable"`
	// UserFacing marks failures the UI should acknowledge (e.g. a toast).
	UserFacing bool `json:"user_facing"`
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Cause)
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
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is matches another *SyncError by code.
func (e *SyncError) Is(target error) bool {
	if t, ok := target.(*SyncError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *SyncError) String() string {
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

	return fmt.Sprintf("SyncError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new error with code-derived defaults.
func NewError(code ErrorCode, message string) *SyncError {
	return &SyncError{
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

// Wrap creates a new error carrying cause.
func Wrap(code ErrorCode, message string, cause error) *SyncError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "CONNECTION_") || strings.HasPrefix(codeStr, "NETWORK_"):
		return CategoryConnection
	case strings.HasPrefix(codeStr, "STORAGE_") || strings.HasPrefix(codeStr, "ACCESS_") ||
		strings.HasPrefix(codeStr, "QUOTA_"):
		return CategoryStorage
	case strings.HasPrefix(codeStr, "CACHE_"):
		return CategoryCache
	case strings.HasPrefix(codeStr, "SYNC_"):
		return CategorySync
	case strings.HasPrefix(codeStr, "ALREADY_") || strings.HasPrefix(codeStr, "NOT_INITIALIZED") ||
		strings.HasPrefix(codeStr, "SHUTDOWN_"):
		return CategoryState
	case strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "RETRY_") ||
		strings.HasPrefix(codeStr, "VALIDATION_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeConnectionTimeout, ErrCodeConnectionFailed, ErrCodeNetworkError,
		ErrCodeOperationTimeout, ErrCodeRemoteApply, ErrCodeQueueTable, ErrCodeInternalError:
		return true
	}
	return false
}

// IsUserFacingByDefault determines if an error should be shown to users.
func IsUserFacingByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigValidation, ErrCodeNoCachedData,
		ErrCodeMutationQueued, ErrCodeSyncItemDropped, ErrCodeAccessDenied,
		ErrCodeQuotaExceeded, ErrCodeOffline:
		return true
	}
	return false
}

// WithContext adds contextual information to an error
func (e *SyncError) WithContext(key, value string) *SyncError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *SyncError) WithComponent(component string) *SyncError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *SyncError) WithOperation(operation string) *SyncError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *SyncError) WithCause(cause error) *SyncError {
	e.Cause = cause
	return e
}

// HasCode reports whether err, or anything it wraps, is a *SyncError with code.
func HasCode(err error, code ErrorCode) bool {
	var se *SyncError
	for err != nil {
		if !stderr.As(err, &se) {
			return false
		}
		if se.Code == code {
			return true
		}
		err = se.Cause
	}
	return false
}

// IsRetryable reports whether err is marked retryable. Errors that are not
// *SyncError are treated as transient transport failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *SyncError
	if stderr.As(err, &se) {
		return se.Retryable
	}
	return true
}

// UserFacingMessage returns a simplified message suitable for end users
func (e *SyncError) UserFacingMessage() string {
	if !e.UserFacing {
		return "Something went wrong. Please try again."
	}

	messages := map[ErrorCode]string{
		ErrCodeNoCachedData:    "This data isn't available offline yet",
		ErrCodeMutationQueued:  "Couldn't save right now. Your change will sync when you're back online",
		ErrCodeSyncItemDropped: "Some changes could not be saved",
		ErrCodeOffline:         "You're offline",
		ErrCodeInvalidConfig:   "Invalid configuration",
		ErrCodeAccessDenied:    "Access denied",
		ErrCodeQuotaExceeded:   "Storage quota exceeded",
	}

	if msg, exists := messages[e.Code]; exists {
		return msg
	}
	return e.Message
}
