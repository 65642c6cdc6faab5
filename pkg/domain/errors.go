package domain

import (
	"errors"
	"fmt"
)

// ErrAccessDenied is returned when the caller lacks the role required for an operation.
var ErrAccessDenied = errors.New("access denied")

// NotFoundError is returned when a referenced record does not exist.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// DuplicateError is returned when creating a record would violate a uniqueness constraint.
type DuplicateError struct {
	Entity EntityType
	Field  string
	Value  string
}

func (e DuplicateError) Error() string {
	return fmt.Sprintf("%s with %s %q already exists", e.Entity, e.Field, e.Value)
}

// ReferencedError is returned when deleting a record that other records still point to.
type ReferencedError struct {
	Entity       EntityType
	ID           string
	ReferencedBy EntityType
	ReferrerID   string
}

func (e ReferencedError) Error() string {
	return fmt.Sprintf("%s %q still referenced by %s %q", e.Entity, e.ID, e.ReferencedBy, e.ReferrerID)
}

// ValidationError reports a malformed field value.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return "transaction blocked by rules"
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err wraps a duplicate, referenced, or rule violation error.
func IsConflict(err error) bool {
	var dup DuplicateError
	var ref ReferencedError
	var rv RuleViolationError
	return errors.As(err, &dup) || errors.As(err, &ref) || errors.As(err, &rv)
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
