// Package agent implements the memory-informed conversation loop: each
// turn retrieves relevant memories, generates a reply (optionally after
// dispatching an email or calendar capability), extracts new memories
// from the exchange, and persists everything atomically.
package agent

import (
	"errors"
	"fmt"
)

// Predefined errors classifying turn failures.
var (
	// ErrValidation indicates rejected input: an empty message or a
	// malformed conversation id. No stage runs.
	ErrValidation = errors.New("invalid input")

	// ErrNotFound indicates that the supplied conversation id does not
	// belong to the calling user. No stage runs.
	ErrNotFound = errors.New("conversation not found")

	// ErrUpstreamUnavailable indicates that the language model failed
	// every retry attempt.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrExtraction indicates a memory extraction failure. It is logged
	// and swallowed inside the turn, never surfaced to the caller.
	ErrExtraction = errors.New("memory extraction failed")
)

// AgentError wraps errors with operation context.
//
// Example:
//
//	err := &AgentError{Op: "HandleTurn", Err: ErrValidation}
//	// Error() returns: "aide: HandleTurn: invalid input"
type AgentError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message.
func (e *AgentError) Error() string {
	return fmt.Sprintf("aide: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is and errors.As.
func (e *AgentError) Unwrap() error {
	return e.Err
}

// NewAgentError creates an AgentError wrapping the given error. If err
// is nil, returns nil.
func NewAgentError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &AgentError{Op: op, Err: err}
}

// UserMessage returns a short, non-technical description of the error,
// safe to show to end users. Internal detail (queries, hosts,
// credentials, stack traces) is never included.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "Please enter a message."
	case errors.Is(err, ErrNotFound):
		return "That conversation could not be found."
	case errors.Is(err, ErrUpstreamUnavailable):
		return "I'm having trouble reaching my language model right now. Please try again in a moment."
	default:
		return "Something went wrong processing your request. Please try again."
	}
}
