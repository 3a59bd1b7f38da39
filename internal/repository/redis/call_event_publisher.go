package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"callrelay-backend/internal/database"
	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/constants"
)

// CallEventPublisher publishes ended calls on a Redis pub/sub channel for
// analytics consumers.
type CallEventPublisher struct {
	client  *database.RedisClient
	channel string
}

// NewCallEventPublisher publishes on constants.CallHistoryChannel
func NewCallEventPublisher(client *database.RedisClient) *CallEventPublisher {
	return &CallEventPublisher{
		client:  client,
		channel: constants.CallHistoryChannel,
	}
}

// Name labels this recorder in metrics
func (p *CallEventPublisher) Name() string {
	return "redis"
}

// RecordCall publishes the event as JSON
func (p *CallEventPublisher) RecordCall(ctx context.Context, event domain.CallHistoryEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal call event: %w", err)
	}

	if err := p.client.SafePublish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish call event: %w", err)
	}
	return nil
}
