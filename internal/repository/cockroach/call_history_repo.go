package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"callrelay-backend/internal/domain"
)

// DBTX is the subset of *pgxpool.Pool the repository needs
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const callHistorySchema = `
	CREATE TABLE IF NOT EXISTS call_history (
		event_id UUID PRIMARY KEY,
		call_id STRING NOT NULL,
		caller_id STRING NOT NULL,
		callee_id STRING NOT NULL,
		media_kind STRING NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		answered_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ NOT NULL,
		ended_reason STRING NOT NULL,
		duration_seconds INT NOT NULL DEFAULT 0,
		INDEX call_history_caller_idx (caller_id, started_at DESC),
		INDEX call_history_callee_idx (callee_id, started_at DESC)
	)
`

// CallHistoryRepository stores ended calls in CockroachDB
type CallHistoryRepository struct {
	db DBTX
}

// NewCallHistoryRepository creates a new call history repository
func NewCallHistoryRepository(db DBTX) *CallHistoryRepository {
	return &CallHistoryRepository{db: db}
}

// Name labels this recorder in metrics
func (r *CallHistoryRepository) Name() string {
	return "cockroach"
}

// EnsureSchema creates the call_history table if it does not exist
func (r *CallHistoryRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, callHistorySchema); err != nil {
		return fmt.Errorf("failed to create call_history table: %w", err)
	}
	return nil
}

// RecordCall inserts one ended call. Replaying the same event is a no-op.
func (r *CallHistoryRepository) RecordCall(ctx context.Context, event domain.CallHistoryEvent) error {
	query := `
		INSERT INTO call_history (
			event_id, call_id, caller_id, callee_id, media_kind,
			started_at, answered_at, ended_at, ended_reason, duration_seconds
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id) DO NOTHING
	`

	_, err := r.db.Exec(ctx, query,
		event.EventID.String(),
		string(event.CallID),
		string(event.Caller),
		string(event.Callee),
		string(event.MediaKind),
		event.StartedAt,
		event.AnsweredAt,
		event.EndedAt,
		string(event.EndedReason),
		int64(event.Duration()/time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to record call %s: %w", event.CallID, err)
	}

	return nil
}

// GetUserHistory lists the calls a participant took part in, newest first
func (r *CallHistoryRepository) GetUserHistory(ctx context.Context, participant domain.ParticipantID, limit, offset int) ([]*domain.CallHistoryEvent, error) {
	query := `
		SELECT event_id, call_id, caller_id, callee_id, media_kind,
			started_at, answered_at IS NOT NULL, COALESCE(answered_at, started_at),
			ended_at, ended_reason
		FROM call_history
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, string(participant), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get call history: %w", err)
	}
	defer rows.Close()

	var events []*domain.CallHistoryEvent
	for rows.Next() {
		var (
			eventID, callID, caller, callee string
			mediaKind, endedReason          string
			startedAt, answeredAt, endedAt  time.Time
			answered                        bool
		)
		err := rows.Scan(
			&eventID,
			&callID,
			&caller,
			&callee,
			&mediaKind,
			&startedAt,
			&answered,
			&answeredAt,
			&endedAt,
			&endedReason,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call history: %w", err)
		}

		id, err := uuid.Parse(eventID)
		if err != nil {
			return nil, fmt.Errorf("invalid event id %q: %w", eventID, err)
		}

		event := &domain.CallHistoryEvent{
			EventID:     id,
			CallID:      domain.CallID(callID),
			Caller:      domain.ParticipantID(caller),
			Callee:      domain.ParticipantID(callee),
			MediaKind:   domain.MediaKind(mediaKind),
			StartedAt:   startedAt,
			EndedAt:     endedAt,
			EndedReason: domain.EndedReason(endedReason),
		}
		if answered {
			event.AnsweredAt = &answeredAt
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate call history: %w", err)
	}

	return events, nil
}
