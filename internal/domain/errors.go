package domain

import (
	"errors"
	"fmt"
)

// Error types for domain-specific errors
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeConfig      ErrorType = "config"
	ErrorTypeIO          ErrorType = "io"
	ErrorTypeAPI         ErrorType = "api"
	ErrorTypeAuth        ErrorType = "auth"
	ErrorTypeUnavailable ErrorType = "unavailable"
	ErrorTypeRejected    ErrorType = "rejected"
	ErrorTypeStorage     ErrorType = "storage"
	ErrorTypePublish     ErrorType = "publish"
)

// DomainError represents a domain-specific error with context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewError creates a new domain error
func NewError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// Common error constructors
func ValidationError(message string, err error) *DomainError {
	return NewError(ErrorTypeValidation, message, err)
}

func ConfigError(message string, err error) *DomainError {
	return NewError(ErrorTypeConfig, message, err)
}

func IOError(message string, err error) *DomainError {
	return NewError(ErrorTypeIO, message, err)
}

func APIError(message string, err error) *DomainError {
	return NewError(ErrorTypeAPI, message, err)
}

func AuthError(message string, err error) *DomainError {
	return NewError(ErrorTypeAuth, message, err)
}

func UnavailableError(message string, err error) *DomainError {
	return NewError(ErrorTypeUnavailable, message, err)
}

func RejectedError(message string, err error) *DomainError {
	return NewError(ErrorTypeRejected, message, err)
}

func StorageError(message string, err error) *DomainError {
	return NewError(ErrorTypeStorage, message, err)
}

func PublishError(message string, err error) *DomainError {
	return NewError(ErrorTypePublish, message, err)
}

// Stage names a pipeline step for per-item error reporting.
type Stage string

const (
	StageFetch     Stage = "fetch"
	StageRecognize Stage = "recognize"
	StageWrite     Stage = "write"
	StagePublish   Stage = "publish"
)

// ItemError is a failure confined to a single image. The run skips the item
// and carries on.
type ItemError struct {
	ItemID string
	Name   string
	Stage  Stage
	Err    error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Name, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// NewItemError wraps err as a recoverable failure of one item.
func NewItemError(stage Stage, id, name string, err error) *ItemError {
	return &ItemError{ItemID: id, Name: name, Stage: stage, Err: err}
}

// TypeOf returns the ErrorType of the outermost DomainError in err's chain,
// or "" when there is none.
func TypeOf(err error) ErrorType {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Type
	}
	return ""
}

// IsType reports whether any DomainError in err's chain has the given type.
func IsType(err error, t ErrorType) bool {
	for err != nil {
		var de *DomainError
		if !errors.As(err, &de) {
			return false
		}
		if de.Type == t {
			return true
		}
		err = de.Err
	}
	return false
}

// IsRecoverable reports whether err only affects the current item.
// Authentication failures and an unreachable service always abort the run,
// even when they surface wrapped in an ItemError.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	if IsType(err, ErrorTypeAuth) || IsType(err, ErrorTypeUnavailable) {
		return false
	}
	var ie *ItemError
	if errors.As(err, &ie) {
		return true
	}
	return IsType(err, ErrorTypeRejected) || IsType(err, ErrorTypeValidation)
}
