package errors

import (
	stderrors "errors"
	"fmt"
)

// Error codes
const (
	CodeMonitorError   = "MONITOR_ERROR"
	CodeTransientFetch = "TRANSIENT_FETCH_ERROR"
	CodeProtocol       = "PROTOCOL_ERROR"
	CodeInvalidState   = "INVALID_STATE_ERROR"
	CodeValidation     = "VALIDATION_ERROR"
	CodeAPIError       = "API_ERROR"
	CodeKeyRotation    = "KEY_ROTATION_ERROR"
	CodeCache          = "CACHE_ERROR"
	CodeStorage        = "STORAGE_ERROR"
)

type MonitorError struct {
	Message    string
	Code       string
	StatusCode int
	Context    map[string]any
	Cause      error
}

func (e *MonitorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *MonitorError) Unwrap() error {
	return e.Cause
}

func NewMonitorError(message, code string, statusCode int, context map[string]any) *MonitorError {
	return &MonitorError{
		Message:    message,
		Code:       code,
		StatusCode: statusCode,
		Context:    context,
	}
}

func (e *MonitorError) WithCause(cause error) *MonitorError {
	e.Cause = cause
	return e
}

// TransientFetchError is a network or timeout failure talking to the chat endpoint.
// It is retried while a monitor initializes and is fatal to the monitor afterwards.
type TransientFetchError struct {
	*MonitorError
	VideoID string
}

func NewTransientFetchError(message, videoID string, cause error) *TransientFetchError {
	return &TransientFetchError{
		MonitorError: &MonitorError{
			Message: message,
			Code:    CodeTransientFetch,
			Context: map[string]any{
				"video_id": videoID,
			},
			Cause: cause,
		},
		VideoID: videoID,
	}
}

// ProtocolError means the chat endpoint returned something we cannot continue from:
// a missing continuation token, missing session tokens or a malformed document.
type ProtocolError struct {
	*MonitorError
	Path string
}

func NewProtocolError(message, path string, cause error) *ProtocolError {
	return &ProtocolError{
		MonitorError: &MonitorError{
			Message: message,
			Code:    CodeProtocol,
			Context: map[string]any{
				"path": path,
			},
			Cause: cause,
		},
		Path: path,
	}
}

type InvalidStateError struct {
	*MonitorError
	Operation string
}

func NewInvalidStateError(message, operation string) *InvalidStateError {
	return &InvalidStateError{
		MonitorError: &MonitorError{
			Message: message,
			Code:    CodeInvalidState,
			Context: map[string]any{
				"operation": operation,
			},
		},
		Operation: operation,
	}
}

type ValidationError struct {
	*MonitorError
	Field string
	Value interface{}
}

func NewValidationError(message, field string, value interface{}) *ValidationError {
	return &ValidationError{
		MonitorError: &MonitorError{
			Message:    message,
			Code:       CodeValidation,
			StatusCode: 400,
			Context: map[string]any{
				"field": field,
				"value": value,
			},
		},
		Field: field,
		Value: value,
	}
}

type APIError struct {
	*MonitorError
}

func NewAPIError(message string, statusCode int, context map[string]any) *APIError {
	return &APIError{
		MonitorError: &MonitorError{
			Message:    message,
			Code:       CodeAPIError,
			StatusCode: statusCode,
			Context:    context,
		},
	}
}

type KeyRotationError struct {
	*APIError
}

func NewKeyRotationError(message string, statusCode int, context map[string]any) *KeyRotationError {
	return &KeyRotationError{
		APIError: &APIError{
			MonitorError: &MonitorError{
				Message:    message,
				Code:       CodeKeyRotation,
				StatusCode: statusCode,
				Context:    context,
			},
		},
	}
}

type CacheError struct {
	*MonitorError
	Operation string
	Key       string
}

func NewCacheError(message, operation, key string, cause error) *CacheError {
	return &CacheError{
		MonitorError: &MonitorError{
			Message:    message,
			Code:       CodeCache,
			StatusCode: 500,
			Context: map[string]any{
				"operation": operation,
				"key":       key,
			},
			Cause: cause,
		},
		Operation: operation,
		Key:       key,
	}
}

type StorageError struct {
	*MonitorError
	Backend   string
	Operation string
}

func NewStorageError(message, backend, operation string, cause error) *StorageError {
	return &StorageError{
		MonitorError: &MonitorError{
			Message:    message,
			Code:       CodeStorage,
			StatusCode: 500,
			Context: map[string]any{
				"backend":   backend,
				"operation": operation,
			},
			Cause: cause,
		},
		Backend:   backend,
		Operation: operation,
	}
}

func IsTransient(err error) bool {
	var target *TransientFetchError
	return stderrors.As(err, &target)
}

func IsProtocol(err error) bool {
	var target *ProtocolError
	return stderrors.As(err, &target)
}

func IsInvalidState(err error) bool {
	var target *InvalidStateError
	return stderrors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return stderrors.As(err, &target)
}
