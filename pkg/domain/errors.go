package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransactionsUnsupported is returned by stores that cannot open a
	// multi-document transaction. Callers fall back to compensating actions.
	ErrTransactionsUnsupported = errors.New("persistence: transactions unsupported")
	// ErrCycleDetected marks a parent chain that loops back on itself.
	ErrCycleDetected = errors.New("cycle detected")
)

// ErrNotFound is returned when a referenced record does not exist.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ErrValidation reports invalid caller input.
type ErrValidation struct {
	Entity  EntityType
	Field   string
	Message string
}

func (e ErrValidation) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s: %s", e.Entity, e.Message)
	}
	return fmt.Sprintf("invalid %s %s: %s", e.Entity, e.Field, e.Message)
}

// ErrInvalidState reports an operation attempted from a state that does not allow it.
type ErrInvalidState struct {
	Entity    EntityType
	ID        string
	Operation string
	State     string
	Message   string
}

func (e ErrInvalidState) Error() string {
	msg := fmt.Sprintf("%s %s cannot %s in state %s", e.Entity, e.ID, e.Operation, e.State)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// ErrIntegrity reports corrupted relationships found in stored data.
type ErrIntegrity struct {
	Entity   EntityType
	ID       string
	Problems []string
	cause    error
}

// NewIntegrityError builds an integrity error wrapping cause (which may be nil).
func NewIntegrityError(entity EntityType, id string, cause error, problems ...string) ErrIntegrity {
	return ErrIntegrity{Entity: entity, ID: id, Problems: problems, cause: cause}
}

func (e ErrIntegrity) Error() string {
	return fmt.Sprintf("integrity violation on %s %s: %s", e.Entity, e.ID, strings.Join(e.Problems, "; "))
}

// Unwrap exposes the underlying cause, e.g. ErrCycleDetected.
func (e ErrIntegrity) Unwrap() error { return e.cause }

// ErrDuplicateKey is returned when a create or update collides with a unique index.
type ErrDuplicateKey struct {
	Entity EntityType
	Index  string
	Key    string
}

func (e ErrDuplicateKey) Error() string {
	return fmt.Sprintf("duplicate %s %s key %q", e.Entity, e.Index, e.Key)
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	var msgs []string
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			msgs = append(msgs, v.Message)
		}
	}
	if len(msgs) == 0 {
		return "transaction blocked by rules"
	}
	return "transaction blocked by rules: " + strings.Join(msgs, "; ")
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	var target ErrNotFound
	return errors.As(err, &target)
}

// IsDuplicateKey reports whether err wraps ErrDuplicateKey.
func IsDuplicateKey(err error) bool {
	var target ErrDuplicateKey
	return errors.As(err, &target)
}
