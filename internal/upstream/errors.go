package upstream

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownSession  = errors.New("unknown session")
	ErrSessionNotReady = errors.New("session not ready")
	ErrAlreadyFlushing = errors.New("already flushing")
	ErrUpstreamClosed  = errors.New("upstream connection closed unexpectedly")
)

// EngineError is an error message sent by the recognition engine.
type EngineError struct {
	SessionID string
	Message   string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("recognition engine error for session %s: %s", e.SessionID, e.Message)
}
