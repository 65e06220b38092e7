package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/acksync/internal/ir"
	"github.com/roach88/acksync/internal/queue"
)

var _ queue.Persistence = (*Store)(nil)

// SaveItem inserts an item or replaces the mutable columns of an existing
// one. Terminal items are rejected: callers delete them instead.
func (s *Store) SaveItem(ctx context.Context, item queue.Item) error {
	if item.Status.Terminal() {
		return fmt.Errorf("save item %s: terminal status %q is not persisted", item.ID, item.Status)
	}

	payload, err := marshalPayload(item.Payload)
	if err != nil {
		return fmt.Errorf("save item %s: %w", item.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queue_items
		(id, seq, operation_type, operation_id, payload, attempt_count, status, enqueued_at, next_eligible_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload          = excluded.payload,
			attempt_count    = excluded.attempt_count,
			status           = excluded.status,
			next_eligible_at = excluded.next_eligible_at,
			last_error       = excluded.last_error
	`,
		item.ID,
		item.Seq,
		item.OperationType,
		item.OperationID,
		payload,
		item.AttemptCount,
		string(item.Status),
		item.EnqueuedAt.UnixNano(),
		item.NextEligibleAt.UnixNano(),
		item.LastError,
	)
	if err != nil {
		return fmt.Errorf("save item %s: %w", item.ID, err)
	}
	return nil
}

// DeleteItem removes an item. Deleting a missing id is a no-op.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete item %s: %w", id, err)
	}
	return nil
}

// LoadItems returns every persisted item in enqueue order.
// Returns an empty slice (not nil) when the queue is empty.
func (s *Store) LoadItems(ctx context.Context) ([]queue.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, operation_type, operation_id, payload, attempt_count, status, enqueued_at, next_eligible_at, last_error
		FROM queue_items
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	items := []queue.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

// ClearItems removes every item.
func (s *Store) ClearItems(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queue_items`); err != nil {
		return fmt.Errorf("clear items: %w", err)
	}
	return nil
}

// CountItems returns the number of persisted items.
func (s *Store) CountItems(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}

func scanItem(rows *sql.Rows) (queue.Item, error) {
	var (
		item                     queue.Item
		payload, status          string
		enqueuedAt, nextEligible int64
	)
	err := rows.Scan(
		&item.ID,
		&item.Seq,
		&item.OperationType,
		&item.OperationID,
		&payload,
		&item.AttemptCount,
		&status,
		&enqueuedAt,
		&nextEligible,
		&item.LastError,
	)
	if err != nil {
		return queue.Item{}, fmt.Errorf("scan item: %w", err)
	}

	item.Payload, err = unmarshalPayload(payload)
	if err != nil {
		return queue.Item{}, fmt.Errorf("scan item %s: %w", item.ID, err)
	}
	item.Status = queue.Status(status)
	item.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
	item.NextEligibleAt = time.Unix(0, nextEligible).UTC()
	return item, nil
}

// marshalPayload converts a payload to canonical JSON TEXT for storage.
func marshalPayload(p ir.AckPayload) (string, error) {
	data, err := ir.MarshalCanonical(p.Object())
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// unmarshalPayload parses canonical JSON TEXT back into a payload.
func unmarshalPayload(data string) (ir.AckPayload, error) {
	v, err := ir.Unmarshal([]byte(data))
	if err != nil {
		return ir.AckPayload{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return ir.AckPayload{}, fmt.Errorf("unmarshal payload: %w: expected object", ir.ErrInvalidPayload)
	}
	return ir.AckPayloadFromObject(obj)
}
