// Package domain holds the archiver's core vocabulary: the error taxonomy
// and classifier, the lifecycle tag state machine, ticket id coercion, the
// snapshot model and the audit record.
package domain

import (
	"errors"
	"fmt"
)

// TransientError marks a failure that is likely to succeed when retried,
// such as a network hiccup or an upstream 5xx.
type TransientError struct {
	msg   string
	cause error
}

// PermanentError marks a failure that must not be retried automatically.
// The default for unclassified errors is permanent, so a bug never turns
// into a retry storm.
type PermanentError struct {
	msg   string
	cause error
}

// ValidationError marks invalid ticket data or a policy violation, such as a
// malformed archive path. Always classified permanent.
type ValidationError struct {
	msg string
}

func Transient(msg string, cause error) *TransientError {
	return &TransientError{msg: msg, cause: cause}
}

func Permanent(msg string, cause error) *PermanentError {
	return &PermanentError{msg: msg, cause: cause}
}

func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

func (e *TransientError) Error() string {
	if e.cause != nil && e.msg != "" {
		return e.msg + ": " + e.cause.Error()
	}
	if e.cause != nil {
		return e.cause.Error()
	}
	return e.msg
}

func (e *TransientError) Unwrap() error { return e.cause }

func (e *PermanentError) Error() string {
	if e.cause != nil && e.msg != "" {
		return e.msg + ": " + e.cause.Error()
	}
	if e.cause != nil {
		return e.cause.Error()
	}
	return e.msg
}

func (e *PermanentError) Unwrap() error { return e.cause }

func (e *ValidationError) Error() string { return e.msg }

// IsTransient reports whether err carries a transient classification
// anywhere in its chain.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err carries a permanent classification
// anywhere in its chain.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
