package domain

import (
	"errors"
	"fmt"
)

type ErrorType int

const (
	ErrorTypeValidation ErrorType = iota
	ErrorTypeNotFound
	ErrorTypeTransient
	ErrorTypeMalformedResponse
	ErrorTypeConflict
	ErrorTypeInternal
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeValidation:
		return "validation"
	case ErrorTypeNotFound:
		return "not_found"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeMalformedResponse:
		return "malformed_response"
	case ErrorTypeConflict:
		return "conflict"
	default:
		return "internal"
	}
}

type Error struct {
	Type    ErrorType
	Message string
	Details map[string]interface{}
}

func (e Error) Error() string {
	return e.Message
}

func NewValidationError(message string, details map[string]interface{}) Error {
	return Error{Type: ErrorTypeValidation, Message: message, Details: details}
}

func NewNotFoundError(resource, id string) Error {
	return Error{
		Type:    ErrorTypeNotFound,
		Message: fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

func NewTransientError(message string, err error) Error {
	details := map[string]interface{}{}
	if err != nil {
		details["error"] = err.Error()
	}
	return Error{Type: ErrorTypeTransient, Message: message, Details: details}
}

func NewMalformedResponseError(message string, raw string) Error {
	return Error{
		Type:    ErrorTypeMalformedResponse,
		Message: message,
		Details: map[string]interface{}{
			"response": raw,
		},
	}
}

func NewConflictError(message string, details map[string]interface{}) Error {
	return Error{Type: ErrorTypeConflict, Message: message, Details: details}
}

func NewInternalError(message string, err error) Error {
	details := map[string]interface{}{}
	if err != nil {
		details["error"] = err.Error()
	}
	return Error{Type: ErrorTypeInternal, Message: message, Details: details}
}

func TypeOf(err error) ErrorType {
	var de Error
	if errors.As(err, &de) {
		return de.Type
	}
	return ErrorTypeInternal
}

func IsValidation(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

func IsNotFound(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

func IsTransient(err error) bool {
	return hasType(err, ErrorTypeTransient)
}

func IsMalformedResponse(err error) bool {
	return hasType(err, ErrorTypeMalformedResponse)
}

func IsConflict(err error) bool {
	return hasType(err, ErrorTypeConflict)
}

func hasType(err error, t ErrorType) bool {
	var de Error
	return errors.As(err, &de) && de.Type == t
}

type StorageError struct {
	Type    StorageErrorType
	Key     string
	Message string
}

func (e *StorageError) Error() string {
	return e.Message
}

type StorageErrorType int

const (
	ErrKeyNotFound StorageErrorType = iota
	ErrVersionMismatch
	ErrCorrupted
	ErrClosed
)

func NewKeyNotFoundError(key string) *StorageError {
	return &StorageError{
		Type:    ErrKeyNotFound,
		Key:     key,
		Message: "key not found: " + key,
	}
}

func NewVersionMismatchError(key string, expected, actual int64) *StorageError {
	return &StorageError{
		Type:    ErrVersionMismatch,
		Key:     key,
		Message: fmt.Sprintf("version mismatch for key %s: expected %d, got %d", key, expected, actual),
	}
}

func IsKeyNotFound(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Type == ErrKeyNotFound
}
