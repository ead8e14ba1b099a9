package sync

import (
	"errors"
	"fmt"
)

// SessionStateError is returned for operations on a session in the wrong state
type SessionStateError struct {
	SessionID string
	Status    SessionStatus
	Err       error
}

func (e *SessionStateError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("session %s (%s): %v", e.SessionID, e.Status, e.Err)
	}
	return fmt.Sprintf("session %s: %v", e.SessionID, e.Err)
}

func (e *SessionStateError) Unwrap() error { return e.Err }

var (
	ErrAlreadyActive        = errors.New("a session is already open for this marketplace")
	ErrSessionClosed        = errors.New("session is closed")
	ErrSessionNotFound      = errors.New("session not found")
	ErrPassInProgress       = errors.New("a sync pass is already running for this marketplace")
	ErrConflictNotFound     = errors.New("conflict not found")
	ErrConflictSettled      = errors.New("conflict is already settled")
	ErrConflictUnresolvable = errors.New("no strategy can resolve the conflict")
	ErrInvalidBatch         = errors.New("invalid operation batch")
	ErrInvalidDecision      = errors.New("invalid conflict decision")
	ErrAdapterNotFound      = errors.New("no adapter registered for marketplace")
)
