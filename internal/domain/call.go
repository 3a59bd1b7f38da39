package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ParticipantID identifies an authenticated user. It is issued by the
// identity provider and carried in the access token.
type ParticipantID string

// participantSeparator joins the two halves of a CallID and is therefore
// forbidden inside a ParticipantID.
const participantSeparator = "|"

// Validate checks that the identifier can be used as a lookup key.
func (p ParticipantID) Validate() error {
	if p == "" {
		return fmt.Errorf("participant id is empty")
	}
	if strings.Contains(string(p), participantSeparator) {
		return fmt.Errorf("participant id %q contains %q", p, participantSeparator)
	}
	return nil
}

func (p ParticipantID) String() string {
	return string(p)
}

// CallID identifies the (at most one) live call between two participants.
type CallID string

// NewCallID derives the call key for an unordered pair of participants.
// NewCallID(a, b) == NewCallID(b, a).
func NewCallID(a, b ParticipantID) CallID {
	if b < a {
		a, b = b, a
	}
	return CallID(string(a) + participantSeparator + string(b))
}

// Participants splits a CallID back into its sorted pair.
func (id CallID) Participants() (ParticipantID, ParticipantID, bool) {
	lo, hi, ok := strings.Cut(string(id), participantSeparator)
	if !ok || lo == "" || hi == "" {
		return "", "", false
	}
	return ParticipantID(lo), ParticipantID(hi), true
}

func (id CallID) String() string {
	return string(id)
}

// MediaKind represents type of call
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// Valid reports whether k is a supported media kind.
func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// CallState is the lifecycle state of a CallRecord.
type CallState string

const (
	CallStateRinging CallState = "RINGING"
	CallStateActive  CallState = "ACTIVE"
	CallStateEnded   CallState = "ENDED"
)

// EndedReason explains why a call reached ENDED.
type EndedReason string

const (
	EndedReasonAnsweredThenHangup EndedReason = "answered_then_hangup"
	EndedReasonRejected           EndedReason = "rejected"
	EndedReasonNoAnswerTimeout    EndedReason = "no_answer_timeout"
	EndedReasonNetworkFailure     EndedReason = "network_failure"
	EndedReasonSuperseded         EndedReason = "superseded"
	EndedReasonInternalError      EndedReason = "internal_error"
)

// CallRecord is the live-call entity held by the call state store.
type CallRecord struct {
	ID          CallID        `json:"call_id"`
	Seq         uint64        `json:"-"`
	Caller      ParticipantID `json:"caller_id"`
	Callee      ParticipantID `json:"callee_id"`
	MediaKind   MediaKind     `json:"media_kind"`
	State       CallState     `json:"state"`
	StartedAt   time.Time     `json:"started_at"`
	AnsweredAt  *time.Time    `json:"answered_at,omitempty"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	EndedReason EndedReason   `json:"ended_reason,omitempty"`
}

// Involves reports whether p is the caller or the callee.
func (c *CallRecord) Involves(p ParticipantID) bool {
	return c.Caller == p || c.Callee == p
}

// Peer returns the other party of the call.
func (c *CallRecord) Peer(p ParticipantID) ParticipantID {
	if c.Caller == p {
		return c.Callee
	}
	return c.Caller
}

// IsLive reports whether the call has not yet ended.
func (c *CallRecord) IsLive() bool {
	return c.State != CallStateEnded
}

// CallHistoryEvent is emitted once per call when it reaches ENDED.
type CallHistoryEvent struct {
	EventID     uuid.UUID     `json:"event_id"`
	CallID      CallID        `json:"call_id"`
	Caller      ParticipantID `json:"caller"`
	Callee      ParticipantID `json:"callee"`
	MediaKind   MediaKind     `json:"media_kind"`
	StartedAt   time.Time     `json:"started_at"`
	AnsweredAt  *time.Time    `json:"answered_at,omitempty"`
	EndedAt     time.Time     `json:"ended_at"`
	EndedReason EndedReason   `json:"ended_reason"`
}

// Duration is the talk time of an answered call, zero otherwise.
func (e *CallHistoryEvent) Duration() time.Duration {
	if e.AnsweredAt == nil {
		return 0
	}
	return e.EndedAt.Sub(*e.AnsweredAt)
}

// NewCallHistoryEvent builds the terminal event for an ended record.
func NewCallHistoryEvent(rec *CallRecord) CallHistoryEvent {
	ev := CallHistoryEvent{
		EventID:     uuid.New(),
		CallID:      rec.ID,
		Caller:      rec.Caller,
		Callee:      rec.Callee,
		MediaKind:   rec.MediaKind,
		StartedAt:   rec.StartedAt,
		AnsweredAt:  rec.AnsweredAt,
		EndedReason: rec.EndedReason,
	}
	if rec.EndedAt != nil {
		ev.EndedAt = *rec.EndedAt
	}
	return ev
}
