package services

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrorKind classifies service failures so the API layer can map them to status codes
type ErrorKind string

const (
	KindValidation        ErrorKind = "ValidationError"
	KindNotFound          ErrorKind = "NotFoundError"
	KindConflict          ErrorKind = "ConflictError"
	KindInvalidState      ErrorKind = "InvalidStateError"
	KindProvisioning      ErrorKind = "ProvisioningError"
	KindStorageAllocation ErrorKind = "StorageAllocationError"
	KindInternal          ErrorKind = "InternalError"
)

// Error is returned by the disk registry and VM state machine
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a service error, or KindInternal for anything else
func KindOf(err error) ErrorKind {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err is a service error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var svcErr *Error
	return errors.As(err, &svcErr) && svcErr.Kind == kind
}

func validationError(format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func notFoundError(format string, args ...interface{}) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func conflictError(format string, args ...interface{}) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func invalidStateError(format string, args ...interface{}) error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

func provisioningError(err error, format string, args ...interface{}) error {
	return &Error{Kind: KindProvisioning, Message: fmt.Sprintf(format, args...), Err: err}
}

func storageAllocationError(err error, format string, args ...interface{}) error {
	return &Error{Kind: KindStorageAllocation, Message: fmt.Sprintf(format, args...), Err: err}
}

func internalError(err error, format string, args ...interface{}) error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

// lookupError translates a repository lookup failure. Service errors produced inside
// transactions pass through unchanged.
func lookupError(err error, entity, id string) error {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundError("%s %s not found", entity, id)
	}
	return internalError(err, "failed to load %s %s", entity, id)
}
