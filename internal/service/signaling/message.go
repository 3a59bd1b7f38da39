package signaling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"callrelay-backend/internal/domain"
	apperrors "callrelay-backend/pkg/errors"
)

// MessageType is the discriminator of a signaling message
type MessageType string

const (
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeHangUp       MessageType = "hang-up"
	TypeError        MessageType = "error"
)

// Hang-up reason hints a client may send. The router decides the recorded
// EndedReason itself.
const (
	HangUpHintRejected = "rejected"
	HangUpHintEnded    = "ended"
)

// Message is the JSON envelope exchanged over the signaling WebSocket.
//
// Inbound messages carry the sender's intent; SenderID is always overwritten
// with the authenticated identity of the connection it arrived on. Payload is
// opaque to the router apart from basic shape checks.
type Message struct {
	Type       MessageType          `json:"type"`
	SenderID   domain.ParticipantID `json:"senderId,omitempty"`
	ReceiverID domain.ParticipantID `json:"receiverId,omitempty"`
	CallID     domain.CallID        `json:"callId,omitempty"`
	MediaKind  domain.MediaKind     `json:"mediaKind,omitempty"`
	Payload    json.RawMessage      `json:"payload,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	Code       apperrors.ErrorCode  `json:"code,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
}

// DecodeMessage parses and validates a raw inbound frame. Any failure is
// returned as a MalformedMessage AppError.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, apperrors.MalformedMessageError(fmt.Sprintf("invalid JSON: %v", err))
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks the per-type shape of an inbound message.
func (m *Message) Validate() error {
	if m.CallID != "" {
		if _, _, ok := m.CallID.Participants(); !ok {
			return apperrors.MalformedMessageError("callId is not a valid call identifier")
		}
	}
	if m.ReceiverID != "" {
		if err := m.ReceiverID.Validate(); err != nil {
			return apperrors.MalformedMessageError(err.Error())
		}
	}

	switch m.Type {
	case TypeOffer:
		if m.ReceiverID == "" {
			return apperrors.MalformedMessageError("offer requires receiverId")
		}
		if !m.MediaKind.Valid() {
			return apperrors.MalformedMessageError("offer requires mediaKind audio or video")
		}
		return validateSessionDescription(m.Payload, webrtc.SDPTypeOffer)

	case TypeAnswer:
		if err := m.requireTarget(); err != nil {
			return err
		}
		return validateSessionDescription(m.Payload, webrtc.SDPTypeAnswer)

	case TypeICECandidate:
		if err := m.requireTarget(); err != nil {
			return err
		}
		return validateICECandidate(m.Payload)

	case TypeHangUp:
		if err := m.requireTarget(); err != nil {
			return err
		}
		switch m.Reason {
		case "", HangUpHintRejected, HangUpHintEnded:
			return nil
		default:
			return apperrors.MalformedMessageError(fmt.Sprintf("unknown hang-up reason %q", m.Reason))
		}

	case TypeError:
		return apperrors.MalformedMessageError("error messages are only sent by the server")

	case "":
		return apperrors.MalformedMessageError("missing message type")

	default:
		return apperrors.MalformedMessageError(fmt.Sprintf("unknown message type %q", m.Type))
	}
}

func (m *Message) requireTarget() error {
	if m.CallID == "" && m.ReceiverID == "" {
		return apperrors.MalformedMessageError(fmt.Sprintf("%s requires callId or receiverId", m.Type))
	}
	return nil
}

func validateSessionDescription(payload json.RawMessage, want webrtc.SDPType) error {
	if len(payload) == 0 {
		return apperrors.MalformedMessageError(fmt.Sprintf("%s requires a session description payload", want))
	}
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(payload, &sd); err != nil {
		return apperrors.MalformedMessageError(fmt.Sprintf("invalid session description: %v", err))
	}
	if sd.Type != want {
		return apperrors.MalformedMessageError(fmt.Sprintf("session description type %s does not match %s", sd.Type, want))
	}
	if sd.SDP == "" {
		return apperrors.MalformedMessageError("session description has empty sdp")
	}
	return nil
}

func validateICECandidate(payload json.RawMessage) error {
	if len(payload) == 0 {
		return apperrors.MalformedMessageError("ice-candidate requires a candidate payload")
	}
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &candidate); err != nil {
		return apperrors.MalformedMessageError(fmt.Sprintf("invalid ice candidate: %v", err))
	}
	return nil
}

// forward returns the copy of m delivered to the peer.
func (m *Message) forward(callID domain.CallID, receiver domain.ParticipantID, now time.Time) *Message {
	out := *m
	out.CallID = callID
	out.ReceiverID = receiver
	out.Timestamp = now
	return &out
}

// NewErrorMessage builds a server-originated error reply.
func NewErrorMessage(code apperrors.ErrorCode, reason string, callID domain.CallID, now time.Time) *Message {
	return &Message{
		Type:      TypeError,
		CallID:    callID,
		Code:      code,
		Reason:    reason,
		Timestamp: now,
	}
}

// newHangUpNotice builds the terminal notification sent to one party of an
// ended call. The sender is the other party of the call.
func newHangUpNotice(rec *domain.CallRecord, to domain.ParticipantID, now time.Time) *Message {
	msg := &Message{
		Type:       TypeHangUp,
		SenderID:   rec.Peer(to),
		ReceiverID: to,
		CallID:     rec.ID,
		MediaKind:  rec.MediaKind,
		Reason:     string(rec.EndedReason),
		Timestamp:  now,
	}
	switch rec.EndedReason {
	case domain.EndedReasonInternalError:
		msg.Code = apperrors.ErrCodeInternalError
	case domain.EndedReasonNetworkFailure:
		msg.Code = apperrors.ErrCodePeerUnavailable
	}
	return msg
}
