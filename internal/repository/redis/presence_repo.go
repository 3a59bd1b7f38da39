package redis

import (
	"context"
	"fmt"

	"callrelay-backend/internal/database"
	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/constants"
)

const onlineSetKey = "presence:online"

// PresenceRepository mirrors signaling connections into Redis so other
// services can see who is reachable for a call.
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

func presenceKey(p domain.ParticipantID) string {
	return fmt.Sprintf("presence:%s", p)
}

// SetUserOnline marks a participant as online
func (r *PresenceRepository) SetUserOnline(ctx context.Context, p domain.ParticipantID) error {
	// auto-expires if the service dies without marking the user offline
	if err := r.client.SafeSet(ctx, presenceKey(p), "online", constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set user online: %w", err)
	}

	if err := r.client.SafeSAdd(ctx, onlineSetKey, string(p)).Err(); err != nil {
		return fmt.Errorf("failed to add to online set: %w", err)
	}

	return nil
}

// SetUserOffline marks a participant as offline
func (r *PresenceRepository) SetUserOffline(ctx context.Context, p domain.ParticipantID) error {
	if err := r.client.SafeDel(ctx, presenceKey(p)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}

	if err := r.client.SafeSRem(ctx, onlineSetKey, string(p)).Err(); err != nil {
		return fmt.Errorf("failed to remove from online set: %w", err)
	}

	return nil
}

// IsUserOnline checks if a participant is currently online
func (r *PresenceRepository) IsUserOnline(ctx context.Context, p domain.ParticipantID) (bool, error) {
	exists, err := r.client.SafeExists(ctx, presenceKey(p)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return exists > 0, nil
}

// RefreshPresence extends the presence TTL (heartbeat)
func (r *PresenceRepository) RefreshPresence(ctx context.Context, p domain.ParticipantID) error {
	if err := r.client.SafeExpire(ctx, presenceKey(p), constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// GetOnlineCount returns number of online participants
func (r *PresenceRepository) GetOnlineCount(ctx context.Context) (int64, error) {
	count, err := r.client.SafeSCard(ctx, onlineSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count online users: %w", err)
	}
	return count, nil
}

// IsDegraded returns true if Redis is in degraded mode
func (r *PresenceRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
