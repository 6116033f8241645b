// Package util provides the shared logger, error taxonomy, and small
// IP/string helpers used across the server and client.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Typed errors below unwrap to one of these so callers can
// classify failures with errors.Is regardless of where they originated.
var (
	ErrNotFound         = errors.New("resource not found")
	ErrConflict         = errors.New("resource already exists")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalid          = errors.New("invalid input")
	ErrImmutableField   = errors.New("field is immutable")
	ErrDependent        = errors.New("resource has dependents")
	ErrTransient        = errors.New("transient failure")
	ErrFatal            = errors.New("fatal failure")
	ErrValidationFailed = errors.New("validation failed")
)

// NotFoundError reports a missing entity by type and key.
type NotFoundError struct {
	Kind string // "user", "lab", "node", "link", "image"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError creates a not-found error for an entity.
func NewNotFoundError(kind, key string) *NotFoundError {
	return &NotFoundError{Kind: kind, Key: key}
}

// ConflictError reports a uniqueness violation.
type ConflictError struct {
	Kind  string
	Key   string
	Field string // which uniqueness constraint tripped, e.g. "name", "lab_id"
}

func (e *ConflictError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s %q already exists (%s must be unique)", e.Kind, e.Key, e.Field)
	}
	return fmt.Sprintf("%s %q already exists", e.Kind, e.Key)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// NewConflictError creates a conflict error for an entity.
func NewConflictError(kind, key, field string) *ConflictError {
	return &ConflictError{Kind: kind, Key: key, Field: field}
}

// ImmutableFieldError reports an update that attempted to change a
// set-once field.
type ImmutableFieldError struct {
	Kind  string
	Key   string
	Field string
}

func (e *ImmutableFieldError) Error() string {
	return fmt.Sprintf("%s %q: field %s cannot be changed after creation", e.Kind, e.Key, e.Field)
}

func (e *ImmutableFieldError) Unwrap() error {
	return ErrImmutableField
}

// DependentError reports a safe-delete blocked by child rows.
type DependentError struct {
	Kind       string
	Key        string
	Dependents int
	ChildKind  string
}

func (e *DependentError) Error() string {
	return fmt.Sprintf("%s %q has %d %s(s); delete them first or use cascade",
		e.Kind, e.Key, e.Dependents, e.ChildKind)
}

func (e *DependentError) Unwrap() error {
	return ErrDependent
}

// ExternalError wraps a failure from a host-facing subsystem (netlink,
// libvirt, docker) with the operation and resource it was acting on.
type ExternalError struct {
	Subsystem string // "netlink", "libvirt", "docker"
	Op        string // "create_bridge", "define_domain", ...
	Resource  string
	Err       error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Subsystem, e.Op, e.Resource, e.Err)
}

func (e *ExternalError) Unwrap() error {
	return e.Err
}

// NewExternalError creates an external error.
func NewExternalError(subsystem, op, resource string, err error) *ExternalError {
	return &ExternalError{Subsystem: subsystem, Op: op, Resource: resource, Err: err}
}

// PermissionError reports an authorization failure for a user acting on a
// resource.
type PermissionError struct {
	User     string
	Action   string
	Resource string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("user %q is not allowed to %s %s", e.User, e.Action, e.Resource)
}

func (e *PermissionError) Unwrap() error {
	return ErrPermissionDenied
}

// ValidationError represents one or more validation failures
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a validation error from messages
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Errors: messages}
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddError adds an error message unconditionally
func (v *ValidationBuilder) AddError(message string) *ValidationBuilder {
	v.errors = append(v.errors, message)
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// HasErrors returns true if there are validation errors
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}
