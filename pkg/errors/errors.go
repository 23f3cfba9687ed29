package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies errors produced by the supervisor and its tooling.
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeProcess     ErrorType = "process"
	ErrorTypeHealthCheck ErrorType = "health_check"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypePermission  ErrorType = "permission"
	ErrorTypeIO          ErrorType = "io"
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeInternal    ErrorType = "internal"
	ErrorTypeCancelled   ErrorType = "cancelled"
)

// DomainError is a structured error with a type, a message and optional context.
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches domain errors by type.
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext attaches a key/value pair to the error.
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConflict, message, cause)
}

func NewProcessError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcess, message, cause)
}

func NewHealthCheckError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeHealthCheck, message, cause)
}

func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewPermissionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypePermission, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewNetworkError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNetwork, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

func isType(err error, errorType ErrorType) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == errorType
}

func IsValidationError(err error) bool  { return isType(err, ErrorTypeValidation) }
func IsNotFoundError(err error) bool    { return isType(err, ErrorTypeNotFound) }
func IsConflictError(err error) bool    { return isType(err, ErrorTypeConflict) }
func IsProcessError(err error) bool     { return isType(err, ErrorTypeProcess) }
func IsHealthCheckError(err error) bool { return isType(err, ErrorTypeHealthCheck) }
func IsTimeoutError(err error) bool     { return isType(err, ErrorTypeTimeout) }
func IsPermissionError(err error) bool  { return isType(err, ErrorTypePermission) }
func IsIOError(err error) bool          { return isType(err, ErrorTypeIO) }
func IsNetworkError(err error) bool     { return isType(err, ErrorTypeNetwork) }
func IsInternalError(err error) bool    { return isType(err, ErrorTypeInternal) }
func IsCancelledError(err error) bool   { return isType(err, ErrorTypeCancelled) }

// ErrorCollection aggregates errors from bulk operations such as shutdown.
type ErrorCollection struct {
	Errors []error
}

func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}
