package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"stock-ledger/internal/core"
)

// ClaimPending leases due rows with SKIP LOCKED so several dispatchers can share
// the table without handing out the same event twice within a lease.
func (s *Store) ClaimPending(ctx context.Context, now, leaseUntil time.Time, limit int) ([]core.OutboxEvent, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE outbox_events
		SET lease_until = $2
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE delivered_at IS NULL
			  AND next_attempt_at <= $1
			  AND (lease_until IS NULL OR lease_until <= $1)
			ORDER BY seq
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING seq, id, topic, movement_id, payload, attempts, last_error, created_at, next_attempt_at
	`, now, leaseUntil, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	defer rows.Close()

	type claimed struct {
		seq int64
		evt core.OutboxEvent
	}
	var batch []claimed
	for rows.Next() {
		var c claimed
		var payload []byte
		if err := rows.Scan(&c.seq, &c.evt.ID, &c.evt.Topic, &c.evt.MovementID, &payload,
			&c.evt.Attempts, &c.evt.LastError, &c.evt.CreatedAt, &c.evt.NextAttemptAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &c.evt.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode outbox payload %s: %w", c.evt.ID, err)
		}
		batch = append(batch, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not preserve the subquery order.
	sort.Slice(batch, func(i, j int) bool { return batch[i].seq < batch[j].seq })
	out := make([]core.OutboxEvent, len(batch))
	for i, c := range batch {
		out[i] = c.evt
	}
	return out, nil
}

func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_events SET delivered_at = $2, lease_until = NULL WHERE id = $1
	`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.Errorf(core.CodeNotFound, "outbox event %s not found", id)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id string, reason string, nextAttemptAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3, lease_until = NULL
		WHERE id = $1
	`, id, reason, nextAttemptAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.Errorf(core.CodeNotFound, "outbox event %s not found", id)
	}
	return nil
}

func (s *Store) OutboxStats(ctx context.Context) (core.OutboxStats, error) {
	var st core.OutboxStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE delivered_at IS NULL),
			COUNT(*) FILTER (WHERE delivered_at IS NOT NULL),
			COUNT(*) FILTER (WHERE delivered_at IS NULL AND attempts > 0)
		FROM outbox_events
	`).Scan(&st.Pending, &st.Delivered, &st.Failing)
	if err != nil {
		return core.OutboxStats{}, fmt.Errorf("failed to read outbox stats: %w", err)
	}
	return st, nil
}
