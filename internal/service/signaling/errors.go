package signaling

import (
	"errors"
	"fmt"

	"callrelay-backend/internal/domain"
)

var (
	// ErrCallNotFound is returned when no record exists for a CallID, or the
	// record that a caller expected has since been replaced.
	ErrCallNotFound = errors.New("call not found")

	// ErrConnectionClosed is returned by Connection.Send after Close.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendBufferFull is returned by Connection.Send when the outbound
	// queue of a slow client is saturated.
	ErrSendBufferFull = errors.New("send buffer full")
)

// ConflictError reports that a call could not be created because one of the
// parties already takes part in a live call.
type ConflictError struct {
	CallID      domain.CallID
	Existing    domain.CallID
	Participant domain.ParticipantID
}

func (e *ConflictError) Error() string {
	if e.Existing == e.CallID {
		return fmt.Sprintf("call %s is already live", e.CallID)
	}
	return fmt.Sprintf("participant %s is busy in call %s", e.Participant, e.Existing)
}

// InvalidTransitionError reports a state change the call state machine
// does not allow, or a guard that no longer holds.
type InvalidTransitionError struct {
	CallID domain.CallID
	From   domain.CallState
	To     domain.CallState
	Detail string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition %s -> %s for call %s", e.From, e.To, e.CallID)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// IsInvalidTransition reports whether err is an *InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}
