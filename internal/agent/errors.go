package agent

import (
	"errors"
	"fmt"
)

// ErrMaxIterations marks a turn that hit the iteration ceiling without
// producing a text-only response.
var ErrMaxIterations = errors.New("agent: max iterations exceeded")

// ErrNoFinalResponse marks a turn that ended with no model response at
// all, which indicates a broken provider stream.
var ErrNoFinalResponse = errors.New("agent: no final response")

// SessionNotFoundError identifies a turn against a missing session.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("agent: session %s not found", e.SessionID)
}
