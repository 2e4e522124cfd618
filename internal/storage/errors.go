package storage

import (
	stderrors "errors"
	"fmt"
)

// ErrorType represents different types of storage errors
type ErrorType string

const (
	ErrorTypeStorage       ErrorType = "STORAGE_ERROR"
	ErrorTypeValidation    ErrorType = "VALIDATION_ERROR"
	ErrorTypeEncryption    ErrorType = "ENCRYPTION_ERROR"
	ErrorTypeNetwork       ErrorType = "NETWORK_ERROR"
	ErrorTypeConfiguration ErrorType = "CONFIGURATION_ERROR"
	ErrorTypeNotFound      ErrorType = "NOT_FOUND_ERROR"
)

// Error represents errors raised by storage providers
type Error struct {
	Type     ErrorType              `json:"type"`
	Provider string                 `json:"provider,omitempty"`
	Message  string                 `json:"message"`
	Cause    error                  `json:"-"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	prefix := string(e.Type)
	if e.Provider != "" {
		prefix = fmt.Sprintf("%s[%s]", e.Type, e.Provider)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying cause error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new storage Error
func NewError(errorType ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithProvider tags the error with the provider that raised it
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithContext adds context information to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Common error constructors
func NewStorageError(message string, cause error) *Error {
	return NewError(ErrorTypeStorage, message, cause)
}

func NewValidationError(message string, cause error) *Error {
	return NewError(ErrorTypeValidation, message, cause)
}

func NewEncryptionError(message string, cause error) *Error {
	return NewError(ErrorTypeEncryption, message, cause)
}

func NewNetworkError(message string, cause error) *Error {
	return NewError(ErrorTypeNetwork, message, cause)
}

func NewConfigurationError(message string, cause error) *Error {
	return NewError(ErrorTypeConfiguration, message, cause)
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	var storageErr *Error
	if stderrors.As(err, &storageErr) {
		switch storageErr.Type {
		case ErrorTypeNetwork, ErrorTypeStorage:
			return true
		}
	}
	return false
}

// IsPermanent determines if an error is permanent and should not be retried
func IsPermanent(err error) bool {
	var storageErr *Error
	if stderrors.As(err, &storageErr) {
		switch storageErr.Type {
		case ErrorTypeValidation, ErrorTypeEncryption, ErrorTypeConfiguration:
			return true
		}
	}
	return false
}
