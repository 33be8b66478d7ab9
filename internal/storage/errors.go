package storage

import (
	"errors"
	"fmt"
)

// Common storage errors
var (
	ErrNotConnected = errors.New("storage not connected")
	ErrNotFound     = errors.New("resource not found")
)

// StorageError wraps a storage operation failure with a stable code.
type StorageError struct {
	Message string
	Code    string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewConnectionError creates an error for a failed connection attempt.
func NewConnectionError(message string, cause error) *StorageError {
	return &StorageError{Message: message, Code: "CONNECTION_ERROR", Cause: cause}
}

// NewQueryError creates an error for a failed query.
func NewQueryError(message string, cause error) *StorageError {
	return &StorageError{Message: message, Code: "QUERY_ERROR", Cause: cause}
}
