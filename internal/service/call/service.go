package call

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/config"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/pagination"
)

// LiveCalls looks up a participant's current call in the in-memory store
type LiveCalls interface {
	LiveCallFor(p domain.ParticipantID) (domain.CallRecord, bool)
}

// HistoryReader reads durable call history
type HistoryReader interface {
	GetUserHistory(ctx context.Context, participant domain.ParticipantID, limit, offset int) ([]*domain.CallHistoryEvent, error)
}

// Service answers REST queries about calls. Signaling itself never goes
// through here.
type Service struct {
	live    LiveCalls
	history HistoryReader
	ice     config.ICEConfig
}

// NewService creates a new call service. history may be nil when the
// service runs without a database.
func NewService(live LiveCalls, history HistoryReader, ice config.ICEConfig) *Service {
	return &Service{
		live:    live,
		history: history,
		ice:     ice,
	}
}

// GetActiveCall returns the participant's ringing or active call
func (s *Service) GetActiveCall(ctx context.Context, participant domain.ParticipantID) (*domain.CallRecord, error) {
	rec, ok := s.live.LiveCallFor(participant)
	if !ok {
		return nil, apperrors.CallNotFoundError()
	}
	return &rec, nil
}

// GetCallHistory lists ended calls, newest first. limit is clamped to
// [1, MaxPageSize] and defaults to DefaultPageSize.
func (s *Service) GetCallHistory(ctx context.Context, participant domain.ParticipantID, limit, offset int) ([]*domain.CallHistoryEvent, error) {
	if s.history == nil {
		return nil, apperrors.ServiceUnavailableError("Call history is unavailable")
	}
	if offset < 0 {
		return nil, apperrors.ValidationError("offset must not be negative")
	}

	events, err := s.history.GetUserHistory(ctx, participant, pagination.Clamp(limit), offset)
	if err != nil {
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to get call history: %w", err))
	}
	if events == nil {
		events = []*domain.CallHistoryEvent{}
	}
	return events, nil
}

// ICEServers returns the STUN/TURN servers browsers should use
func (s *Service) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(s.ice.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: s.ice.STUNURLs})
	}
	if len(s.ice.TURNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:           s.ice.TURNURLs,
			Username:       s.ice.TURNUsername,
			Credential:     s.ice.TURNCredential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	return servers
}
