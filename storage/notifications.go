package storage

import (
	"context"
	"fmt"
	"strings"

	"pixelstudio/domain"
)

// CreateNotification writes the user-facing notification for a completed
// request. Idempotent per requestID: webhook redelivery after completion must
// not produce a second row. Returns false when the row already existed.
func (s *Storage) CreateNotification(ctx context.Context, n *domain.Notification) (bool, error) {
	const op = "storage.CreateNotification"
	if n == nil || strings.TrimSpace(n.RequestID) == "" {
		return false, fmt.Errorf("%s: notification/requestID empty", op)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (type, recipient_id, request_id, set_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (request_id) DO NOTHING`,
		n.Type, n.RecipientID, n.RequestID, n.SetID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() > 0, nil
}

// NotificationsFor lists a user's notifications, newest first.
func (s *Storage) NotificationsFor(ctx context.Context, recipientID string, limit int) ([]domain.Notification, error) {
	const op = "storage.NotificationsFor"
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, recipient_id, request_id, set_id, created_at
		 FROM notifications WHERE recipient_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.Type, &n.RecipientID, &n.RequestID, &n.SetID, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
