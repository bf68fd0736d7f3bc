package storage

import (
	"context"
	"fmt"
	"time"
)

// DeliveredIDs returns the ids already delivered to userID. A user with no
// history gets an empty set.
func (s *Store) DeliveredIDs(ctx context.Context, userID int64) (IDSet, error) {
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids,
		"SELECT notification_id FROM delivered_notifications WHERE user_id = ?", userID); err != nil {
		return nil, fmt.Errorf("reading delivered ids for %d: %w", userID, err)
	}
	set := make(IDSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// RecordDelivered marks ids as delivered to userID in one transaction.
// Recording an id twice is a no-op.
func (s *Store) RecordDelivered(ctx context.Context, userID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "record_delivered", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx,
		"INSERT OR IGNORE INTO delivered_notifications (notification_id, user_id, delivered_at) VALUES (?, ?, ?)")
	if err != nil {
		return &PersistenceError{Op: "record_delivered", Err: err}
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id, userID, now); err != nil {
			return &PersistenceError{Op: "record_delivered", Err: fmt.Errorf("notification %d: %w", id, err)}
		}
	}
	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "record_delivered", Err: err}
	}
	return nil
}

func (s *Store) CountDelivered(ctx context.Context, userID int64) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM delivered_notifications WHERE user_id = ?", userID); err != nil {
		return 0, fmt.Errorf("counting delivered for %d: %w", userID, err)
	}
	return n, nil
}
