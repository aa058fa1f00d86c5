package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"postpilot/internal/models"
)

// InsertNotification persists a single notification row for in-app display.
func (s *Store) InsertNotification(ctx context.Context, n models.Notification) (models.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	metaJSON, err := json.Marshal(n.Meta)
	if err != nil {
		return models.Notification{}, fmt.Errorf("marshal notification meta: %w", err)
	}
	n.CreatedAt = time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO notifications (id, owner_id, kind, title, message, meta, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
	`, n.ID, n.OwnerID, n.Kind, n.Title, n.Message, metaJSON, n.CreatedAt)
	if err != nil {
		return models.Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

// AppendToBatch adds a notification id to the (owner, bucketKey) batch,
// creating it when absent. The unique constraint plus upsert keeps a single
// open batch per owner/bucket under concurrent callers. A batch that was
// already flushed never takes more ids; a late append racing the flush falls
// back to a fresh bucket, which the next flush task claims.
func (s *Store) AppendToBatch(ctx context.Context, ownerID, kind, bucketKey, notificationID string) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO notification_batches (id, owner_id, kind, bucket_key, notification_ids, created_at)
		VALUES ($1, $2, $3, $4, ARRAY[$5], NOW())
		ON CONFLICT (owner_id, bucket_key) DO UPDATE
		SET notification_ids = array_append(notification_batches.notification_ids, $5)
		WHERE notification_batches.sent_at IS NULL
	`, uuid.New().String(), ownerID, kind, bucketKey, notificationID)
	if err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_, err = s.pool.Exec(ctx, `
			INSERT INTO notification_batches (id, owner_id, kind, bucket_key, notification_ids, created_at)
			VALUES ($1, $2, $3, $4, ARRAY[$5], NOW())
		`, uuid.New().String(), ownerID, kind, bucketKey+"/"+uuid.New().String(), notificationID)
		if err != nil {
			return fmt.Errorf("append to batch overflow: %w", err)
		}
	}
	return nil
}

// ClaimUnsentBatches locks the owner's unsent batches of one kind created
// before the cutoff, marks them sent, and returns the member notifications.
// Row locks make concurrent flushes of the same batches no-ops: the loser of
// the lock race sees sent_at already set and claims nothing.
func (s *Store) ClaimUnsentBatches(ctx context.Context, ownerID, kind string, cutoff time.Time) ([]models.Notification, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, notification_ids FROM notification_batches
		WHERE owner_id = $1 AND kind = $2 AND sent_at IS NULL AND created_at < $3
		FOR UPDATE
	`, ownerID, kind, cutoff)
	if err != nil {
		return nil, fmt.Errorf("lock unsent batches: %w", err)
	}
	var batchIDs []string
	var notifIDs []string
	for rows.Next() {
		var id string
		var ids []string
		if err := rows.Scan(&id, &ids); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batchIDs = append(batchIDs, id)
		notifIDs = append(notifIDs, ids...)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(batchIDs) == 0 {
		return nil, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE notification_batches SET sent_at = NOW() WHERE id = ANY($1)
	`, batchIDs); err != nil {
		return nil, fmt.Errorf("mark batches sent: %w", err)
	}

	var notifications []models.Notification
	if len(notifIDs) > 0 {
		nrows, err := tx.Query(ctx, `
			SELECT id, owner_id, kind, title, message, meta, is_read, created_at
			FROM notifications WHERE id = ANY($1) ORDER BY created_at
		`, notifIDs)
		if err != nil {
			return nil, fmt.Errorf("load batch notifications: %w", err)
		}
		for nrows.Next() {
			n, err := scanNotification(nrows)
			if err != nil {
				nrows.Close()
				return nil, err
			}
			notifications = append(notifications, n)
		}
		nrows.Close()
		if err := nrows.Err(); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit batch claim: %w", err)
	}
	return notifications, nil
}

// ListNotifications returns an owner's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, ownerID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, owner_id, kind, title, message, meta, is_read, created_at
		FROM notifications WHERE owner_id = $1`
	if unreadOnly {
		q += ` AND NOT is_read`
	}
	q += ` ORDER BY created_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, q, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead flags one of the owner's notifications as read.
func (s *Store) MarkNotificationRead(ctx context.Context, id, ownerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET is_read = TRUE WHERE id = $1 AND owner_id = $2
	`, id, ownerID)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanNotification(row pgx.Row) (models.Notification, error) {
	var n models.Notification
	var metaJSON []byte
	if err := row.Scan(&n.ID, &n.OwnerID, &n.Kind, &n.Title, &n.Message,
		&metaJSON, &n.IsRead, &n.CreatedAt); err != nil {
		return models.Notification{}, fmt.Errorf("scan notification: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &n.Meta); err != nil {
			return models.Notification{}, fmt.Errorf("unmarshal notification meta: %w", err)
		}
	}
	return n, nil
}
