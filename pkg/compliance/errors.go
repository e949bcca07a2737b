package compliance

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError represents malformed caller input. Calls failing
// validation have no side effects and write no ledger entry.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// AuthorizationError is returned when the caller is not allowed to act on
// the addressed subject or administrative resource.
type AuthorizationError struct {
	Reason string
}

// Error implements the error interface.
func (e *AuthorizationError) Error() string {
	if e.Reason == "" {
		return "unauthorized"
	}
	return "unauthorized: " + e.Reason
}

// confirmationMessage is deliberately identical for every failure cause.
const confirmationMessage = "deletion request could not be confirmed"

// ConfirmationError is returned when a deletion token cannot be confirmed.
// Mismatch, expiry and absence all produce the same message.
type ConfirmationError struct {
	cause error
}

// NewConfirmationError wraps the internal cause without exposing it in the message.
func NewConfirmationError(cause error) *ConfirmationError {
	return &ConfirmationError{cause: cause}
}

// Error implements the error interface.
func (e *ConfirmationError) Error() string {
	return confirmationMessage
}

// Unwrap returns the underlying cause error.
func (e *ConfirmationError) Unwrap() error {
	return e.cause
}

// CollaboratorError represents a failure of an external collaborator
// (CRM, notification transport). It is recorded, never retried.
type CollaboratorError struct {
	Collaborator string // "crm", "notify"
	Operation    string // "get_contact", "delete_contact", "send"
	Cause        error
}

// Error implements the error interface.
func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Collaborator, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *CollaboratorError) Unwrap() error {
	return e.Cause
}

// NewCollaboratorError creates a new CollaboratorError.
func NewCollaboratorError(collaborator, operation string, cause error) *CollaboratorError {
	return &CollaboratorError{Collaborator: collaborator, Operation: operation, Cause: cause}
}

// IntegrityError represents an inconsistency detected by the archival
// pipeline, such as rows that were neither archived nor left in place.
type IntegrityError struct {
	EntityClass EntityClass
	Task        string
	Cause       error
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity error [class=%s, task=%s]: %v", e.EntityClass, e.Task, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *IntegrityError) Unwrap() error {
	return e.Cause
}

// NewIntegrityError creates a new IntegrityError.
func NewIntegrityError(class EntityClass, task string, cause error) *IntegrityError {
	return &IntegrityError{EntityClass: class, Task: task, Cause: cause}
}

// StorageError represents an error from the storage backend.
type StorageError struct {
	Backend   string // Storage backend type ("sqlite3", "pgx", "redis", "memory")
	Operation string // Operation that failed ("copy_to_archive", "delete", ...)
	Cause     error  // Underlying error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError creates a new StorageError.
func NewStorageError(backend, operation string, cause error) *StorageError {
	return &StorageError{
		Backend:   backend,
		Operation: operation,
		Cause:     cause,
	}
}
