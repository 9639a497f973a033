package postgres

import (
	"context"
	"encoding/json"
	"time"

	"clinicqueue/internal/models"
	"clinicqueue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const zeroUUID = "00000000-0000-0000-0000-000000000000"

// recordChanges writes one outbox row per entity the action signals, inside
// the mutating transaction.
func (s *Store) recordChanges(ctx context.Context, tx pgx.Tx, action string, payload interface{}) error {
	if !s.outbox {
		return nil
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	createdAt := time.Now().UTC()
	for _, entity := range store.ChangedEntities(action) {
		if _, err := tx.Exec(ctx, `
			INSERT INTO outbox_events (event_id, entity, payload_json, created_at)
			VALUES ($1, $2, $3, $4)
		`, uuid.NewString(), string(entity), payloadJSON, createdAt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, offset store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset.LastEventID == "" {
		offset.LastEventID = zeroUUID
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id::text, entity, payload_json, created_at
		FROM outbox_events
		WHERE (created_at, event_id) > ($1, $2::uuid)
		ORDER BY created_at ASC, event_id ASC
		LIMIT $3
	`, offset.LastEventTime, offset.LastEventID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		var entity string
		if err := rows.Scan(&event.EventID, &entity, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Entity = models.Entity(entity)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) CleanupOutbox(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM outbox_events WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
