package engine

import (
	"errors"
	"fmt"
)

// Precondition failures returned synchronously to the caller. None are
// retried internally; retry policy belongs to the caller.
var (
	ErrNoPublishedTemplate = errors.New("no published template for key")
	ErrInstanceNotActive   = errors.New("instance not active")
)

// ValidationError marks malformed input: empty or duplicate stages,
// non-positive SLA hours, unknown roles, and the like.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}
