package session

import (
	"errors"
	"fmt"

	"github.com/luma/gep/protocol"
)

var (
	ErrUnknownSignal       = errors.New("Signal index is not in the cache")
	ErrMetadataLagOverflow = errors.New("Too many data packets waiting for a metadata refresh, dropped the oldest")
	ErrTerminated          = errors.New("Connection terminated")
	ErrModesLocked         = errors.New("Operational modes cannot change once subscribed")
	ErrInvalidPhase        = errors.New("Operation is not valid in the current phase")
)

// ConnectionError is a fatal error. It is surfaced once, with the phase and
// the frame code that triggered it.
type ConnectionError struct {
	Phase Phase
	Code  protocol.Code
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("Connection failed while %s handling %s: %v", e.Phase, e.Code, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// CommandError is a Failed response to a command. The command can be
// retried.
type CommandError struct {
	Command protocol.Code
	Message string
}

func (e *CommandError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed", e.Command)
	}

	return fmt.Sprintf("%s failed: %s", e.Command, e.Message)
}

func phaseError(op string, p Phase) error {
	return fmt.Errorf("%s while %s: %w", op, p, ErrInvalidPhase)
}
