package engine

import (
	"errors"
	"fmt"
	"strings"
)

// PreconditionError means the entity exists but is not in a state that allows the operation.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ConflictError means a concurrent writer won: the row changed between read and write, or
// number allocation kept colliding. Re-read and retry.
type ConflictError struct {
	Entity string
	ID     string
	Reason string
}

func (e ConflictError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s conflict: %s", e.Entity, e.Reason)
	}
	return fmt.Sprintf("%s %s conflict: %s", e.Entity, e.ID, e.Reason)
}

// ItemFailure is one skipped step inside a partially completed operation.
type ItemFailure struct {
	Item string `json:"item"`
	Err  string `json:"error"`
}

// PartialFailure reports invoices that could not be issued for an otherwise created offer.
// It is logged and returned alongside the result, never as the operation's error.
type PartialFailure struct {
	OfferID  string        `json:"offer_id"`
	Failures []ItemFailure `json:"failures"`
}

func (e *PartialFailure) Error() string {
	items := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		items = append(items, f.Item)
	}
	return fmt.Sprintf("offer %s issued with %d failed invoice(s): %s", e.OfferID, len(e.Failures), strings.Join(items, ", "))
}

func IsPrecondition(err error) bool {
	var target PreconditionError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target ConflictError
	return errors.As(err, &target)
}

func precondition(op, format string, args ...any) error {
	return PreconditionError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// ValidationError rejects malformed input before any state is read.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func IsValidation(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}
