package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"postpilot/internal/models"
)

const scheduleColumns = `id, owner_id, content_id, destinations, config, scheduled_at,
	is_recurring, recurrence_pattern, rotation_index, is_active, created_at, updated_at`

// InsertSchedule persists a new schedule and returns it with generated fields.
func (s *Store) InsertSchedule(ctx context.Context, sched models.Schedule) (models.Schedule, error) {
	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	configJSON, err := json.Marshal(sched.Config)
	if err != nil {
		return models.Schedule{}, fmt.Errorf("marshal schedule config: %w", err)
	}
	now := time.Now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	_, err = s.pool.Exec(ctx, `
		INSERT INTO schedules (id, owner_id, content_id, destinations, config, scheduled_at,
			is_recurring, recurrence_pattern, rotation_index, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), 0, TRUE, $9, $9)
	`, sched.ID, sched.OwnerID, sched.ContentID, sched.Destinations, configJSON,
		sched.ScheduledAt, sched.IsRecurring, sched.RecurrencePattern, now)
	if err != nil {
		return models.Schedule{}, fmt.Errorf("insert schedule: %w", err)
	}
	sched.RotationIndex = 0
	sched.IsActive = true
	return sched, nil
}

// GetSchedule fetches a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (models.Schedule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Schedule{}, models.ErrNotFound
	}
	if err != nil {
		return models.Schedule{}, fmt.Errorf("get schedule: %w", err)
	}
	return sched, nil
}

// UpdateSchedule overwrites the mutable fields of an existing schedule.
func (s *Store) UpdateSchedule(ctx context.Context, sched models.Schedule) error {
	configJSON, err := json.Marshal(sched.Config)
	if err != nil {
		return fmt.Errorf("marshal schedule config: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules
		SET destinations = $2, config = $3, scheduled_at = $4,
			is_recurring = $5, recurrence_pattern = NULLIF($6, ''), updated_at = NOW()
		WHERE id = $1
	`, sched.ID, sched.Destinations, configJSON, sched.ScheduledAt,
		sched.IsRecurring, sched.RecurrencePattern)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeactivateSchedule clears is_active. Returns false when the schedule was
// already inactive or missing, making cancellation idempotent.
func (s *Store) DeactivateSchedule(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1 AND is_active
	`, id)
	if err != nil {
		return false, fmt.Errorf("deactivate schedule: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListSchedules returns an owner's schedules ordered by scheduled time.
func (s *Store) ListSchedules(ctx context.Context, ownerID string, includeInactive bool, limit int) ([]models.Schedule, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + scheduleColumns + ` FROM schedules WHERE owner_id = $1`
	if !includeInactive {
		q += ` AND is_active`
	}
	q += ` ORDER BY scheduled_at LIMIT $2`
	rows, err := s.pool.Query(ctx, q, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	var out []models.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// DueSchedules returns active schedules with scheduled_at in (from, to],
// ordered by scheduled_at.
func (s *Store) DueSchedules(ctx context.Context, from, to time.Time) ([]models.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE is_active AND scheduled_at > $1 AND scheduled_at <= $2
		ORDER BY scheduled_at
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()
	var out []models.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due schedule: %w", err)
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// MaterializeParams describes one schedule firing: the posts to create and
// how to advance the schedule afterwards.
type MaterializeParams struct {
	Schedule models.Schedule
	// NextAt is the next occurrence for recurring schedules; ignored for
	// one-time schedules, which are deactivated instead.
	NextAt time.Time
	Posts  []models.Post
}

// MaterializeSchedule turns one due schedule firing into a post group plus
// posts, atomically with the schedule advance. The advance is a
// compare-and-swap on the observed scheduled_at; losing the swap means a
// concurrent scan already claimed this firing, and the transaction rolls
// back without creating anything.
func (s *Store) MaterializeSchedule(ctx context.Context, p MaterializeParams) (models.PostGroup, []models.Post, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.PostGroup{}, nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	sched := p.Schedule
	var tag pgconn.CommandTag
	if sched.IsRecurring {
		tag, err = tx.Exec(ctx, `
			UPDATE schedules
			SET scheduled_at = $3, rotation_index = rotation_index + 1, updated_at = NOW()
			WHERE id = $1 AND is_active AND scheduled_at = $2
		`, sched.ID, sched.ScheduledAt, p.NextAt)
	} else {
		tag, err = tx.Exec(ctx, `
			UPDATE schedules
			SET is_active = FALSE, updated_at = NOW()
			WHERE id = $1 AND is_active AND scheduled_at = $2
		`, sched.ID, sched.ScheduledAt)
	}
	if err != nil {
		return models.PostGroup{}, nil, false, fmt.Errorf("claim schedule firing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.PostGroup{}, nil, false, nil
	}

	now := time.Now().UTC()
	group := models.PostGroup{
		ID:        uuid.New().String(),
		OwnerID:   sched.OwnerID,
		ContentID: sched.ContentID,
		CreatedAt: now,
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO post_groups (id, owner_id, content_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, group.ID, group.OwnerID, group.ContentID, now); err != nil {
		return models.PostGroup{}, nil, false, fmt.Errorf("insert post group: %w", err)
	}

	created := make([]models.Post, 0, len(p.Posts))
	for _, post := range p.Posts {
		if post.ID == "" {
			post.ID = uuid.New().String()
		}
		post.GroupID = &group.ID
		post.Status = models.PostPending
		post.CreatedAt = now
		post.UpdatedAt = now
		if _, err := tx.Exec(ctx, `
			INSERT INTO posts (id, owner_id, content_id, group_id, destination, status,
				caption, tags, privacy, disable_comments, scheduled_at, retry_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL, 0, $11, $11)
		`, post.ID, post.OwnerID, post.ContentID, group.ID, post.Destination,
			models.PostPending, post.Caption, post.Tags, post.Privacy, post.DisableComments,
			now); err != nil {
			return models.PostGroup{}, nil, false, fmt.Errorf("insert post: %w", err)
		}
		created = append(created, post)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.PostGroup{}, nil, false, fmt.Errorf("commit materialization: %w", err)
	}
	return group, created, true, nil
}

func scanSchedule(row pgx.Row) (models.Schedule, error) {
	var sched models.Schedule
	var configJSON []byte
	var pattern pgtype.Text
	if err := row.Scan(&sched.ID, &sched.OwnerID, &sched.ContentID, &sched.Destinations,
		&configJSON, &sched.ScheduledAt, &sched.IsRecurring, &pattern,
		&sched.RotationIndex, &sched.IsActive, &sched.CreatedAt, &sched.UpdatedAt); err != nil {
		return models.Schedule{}, err
	}
	if pattern.Valid {
		sched.RecurrencePattern = pattern.String
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &sched.Config); err != nil {
			return models.Schedule{}, fmt.Errorf("unmarshal schedule config: %w", err)
		}
	}
	return sched, nil
}
