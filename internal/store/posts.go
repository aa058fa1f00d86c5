package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"postpilot/internal/models"
)

const postColumns = `id, owner_id, content_id, group_id, destination, status, caption, tags,
	privacy, disable_comments, destination_ref, destination_url, scheduled_at, posted_at,
	error_message, retry_count, created_at, updated_at`

// CreatePostGroup inserts a group and its pending posts in one transaction.
// Used by immediate multi-destination requests; the scanner path goes through
// MaterializeSchedule instead.
func (s *Store) CreatePostGroup(ctx context.Context, group models.PostGroup, posts []models.Post) (models.PostGroup, []models.Post, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.PostGroup{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if group.ID == "" {
		group.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	group.CreatedAt = now
	if _, err := tx.Exec(ctx, `
		INSERT INTO post_groups (id, owner_id, content_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, group.ID, group.OwnerID, group.ContentID, now); err != nil {
		return models.PostGroup{}, nil, fmt.Errorf("insert post group: %w", err)
	}

	created := make([]models.Post, 0, len(posts))
	for _, post := range posts {
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
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $12)
		`, post.ID, post.OwnerID, post.ContentID, group.ID, post.Destination,
			models.PostPending, post.Caption, post.Tags, post.Privacy, post.DisableComments,
			post.ScheduledAt, now); err != nil {
			return models.PostGroup{}, nil, fmt.Errorf("insert post: %w", err)
		}
		created = append(created, post)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.PostGroup{}, nil, fmt.Errorf("commit post group: %w", err)
	}
	return group, created, nil
}

// GetPost fetches a post by id.
func (s *Store) GetPost(ctx context.Context, id string) (models.Post, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id)
	post, err := scanPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Post{}, models.ErrNotFound
	}
	if err != nil {
		return models.Post{}, fmt.Errorf("get post: %w", err)
	}
	return post, nil
}

// ClaimPost transitions pending -> processing and returns the claimed post.
// A false claim means the post is already claimed, terminal, or missing; the
// at-least-once queue makes duplicate deliveries normal, so callers treat
// that as a no-op.
func (s *Store) ClaimPost(ctx context.Context, id string) (models.Post, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE posts SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING `+postColumns,
		id, models.PostProcessing, models.PostPending)
	post, err := scanPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Post{}, false, nil
	}
	if err != nil {
		return models.Post{}, false, fmt.Errorf("claim post: %w", err)
	}
	return post, true, nil
}

// MarkPostPosted finishes a processing post as posted, recording the
// destination reference and setting posted_at exactly once.
func (s *Store) MarkPostPosted(ctx context.Context, id, destinationRef, destinationURL string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE posts
		SET status = $2, destination_ref = $3, destination_url = NULLIF($4, ''),
			posted_at = NOW(), error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $5 AND posted_at IS NULL
	`, id, models.PostPosted, destinationRef, destinationURL, models.PostProcessing)
	if err != nil {
		return false, fmt.Errorf("mark post posted: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkPostFailed finishes a processing post as failed with a terminal error
// message and the final attempt count.
func (s *Store) MarkPostFailed(ctx context.Context, id, errMsg string, retryCount int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE posts SET status = $2, error_message = $3, retry_count = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.PostFailed, errMsg, retryCount, models.PostProcessing)
	if err != nil {
		return false, fmt.Errorf("mark post failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleasePostForRetry moves a processing post back to pending with the bumped
// retry count, ready for its delayed re-enqueue.
func (s *Store) ReleasePostForRetry(ctx context.Context, id string, retryCount int, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE posts SET status = $2, retry_count = $3, error_message = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.PostPending, retryCount, errMsg, models.PostProcessing)
	if err != nil {
		return fmt.Errorf("release post for retry: %w", err)
	}
	return nil
}

// CancelPost transitions pending -> cancelled for the owner's post. Posts in
// flight or terminal are untouched and the call returns false.
func (s *Store) CancelPost(ctx context.Context, id, ownerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE posts SET status = $2, updated_at = NOW()
		WHERE id = $1 AND owner_id = $3 AND status = $4
	`, id, models.PostCancelled, ownerID, models.PostPending)
	if err != nil {
		return false, fmt.Errorf("cancel post: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// LastPostedAt returns the most recent successful delivery instant for the
// (owner, content, destination) triple.
func (s *Store) LastPostedAt(ctx context.Context, ownerID, contentID, destination string) (time.Time, bool, error) {
	var postedAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT posted_at FROM posts
		WHERE owner_id = $1 AND content_id = $2 AND destination = $3
			AND status = $4 AND posted_at IS NOT NULL
		ORDER BY posted_at DESC LIMIT 1
	`, ownerID, contentID, destination, models.PostPosted).Scan(&postedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last posted: %w", err)
	}
	return postedAt, true, nil
}

// StalePendingPosts returns pending posts untouched since cutoff. The
// scanner re-enqueues them to cover a crash between materialization commit
// and enqueue; the executor's claim makes double enqueues harmless.
func (s *Store) StalePendingPosts(ctx context.Context, cutoff time.Time, limit int) ([]models.Post, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+postColumns+` FROM posts
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC LIMIT $3
	`, models.PostPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale pending posts: %w", err)
	}
	defer rows.Close()
	var out []models.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		out = append(out, post)
	}
	return out, rows.Err()
}

// ListPosts returns an owner's posts, newest first, optionally filtered by
// status or group.
func (s *Store) ListPosts(ctx context.Context, ownerID, status, groupID string, limit int) ([]models.Post, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + postColumns + ` FROM posts WHERE owner_id = $1`
	args := []any{ownerID}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if groupID != "" {
		args = append(args, groupID)
		q += fmt.Sprintf(" AND group_id = $%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()
	var out []models.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		out = append(out, post)
	}
	return out, rows.Err()
}

func scanPost(row pgx.Row) (models.Post, error) {
	var post models.Post
	var groupID, destRef, destURL, errMsg pgtype.Text
	var scheduledAt, postedAt pgtype.Timestamptz
	if err := row.Scan(&post.ID, &post.OwnerID, &post.ContentID, &groupID,
		&post.Destination, &post.Status, &post.Caption, &post.Tags,
		&post.Privacy, &post.DisableComments,
		&destRef, &destURL, &scheduledAt, &postedAt, &errMsg, &post.RetryCount,
		&post.CreatedAt, &post.UpdatedAt); err != nil {
		return models.Post{}, err
	}
	post.GroupID = textPtr(groupID)
	post.DestinationRef = textPtr(destRef)
	post.DestinationURL = textPtr(destURL)
	post.ErrorMessage = textPtr(errMsg)
	post.ScheduledAt = timePtr(scheduledAt)
	post.PostedAt = timePtr(postedAt)
	return post, nil
}
