// Package faults defines the error taxonomy shared by the engine components.
// Every error carries chat/message correlation ids so failures can be traced
// back to the conversation they belong to.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies how an error must be handled by its owner.
type Kind int

const (
	// Validation marks a malformed entity. Rejected immediately, never retried.
	Validation Kind = iota
	// Transient marks a network or timeout failure. Retried with backoff.
	Transient
	// Permanent marks a missing resource or unsupported format. Surfaced immediately.
	Permanent
	// Integrity marks an uploaded artifact whose hash does not match expectation.
	Integrity
	// StateConflict marks an out-of-order delivery event. Resolved silently.
	StateConflict
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Integrity:
		return "integrity"
	case StateConflict:
		return "state_conflict"
	}
	return "unknown"
}

// Error is a classified engine error with correlation ids.
type Error struct {
	Kind      Kind
	Op        string
	ChatID    string
	MessageID string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.ChatID != "" {
		msg += " chat=" + e.ChatID
	}
	if e.MessageID != "" {
		msg += " msg=" + e.MessageID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithChat attaches a chat id and returns the error for chaining.
func (e *Error) WithChat(chatID string) *Error {
	e.ChatID = chatID
	return e
}

// WithMessage attaches a message id and returns the error for chaining.
func (e *Error) WithMessage(messageID string) *Error {
	e.MessageID = messageID
	return e
}

// KindOf returns the classification of err, or Permanent for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Permanent
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == Transient
}

// IsValidation reports whether err is a rejected malformed entity.
func IsValidation(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == Validation
}

// IsStateConflict reports whether err is an out-of-order event, which callers
// resolve by dropping the event rather than surfacing a failure.
func IsStateConflict(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == StateConflict
}
