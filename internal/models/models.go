package models

import (
	"time"
)

// Post lifecycle states persisted in Postgres. Transitions are forward-only:
// pending -> processing -> {posted, failed, cancelled}.
const (
	PostPending    = "pending"
	PostProcessing = "processing"
	PostPosted     = "posted"
	PostFailed     = "failed"
	PostCancelled  = "cancelled"
)

// TerminalPostStatus reports whether a post can never change state again.
func TerminalPostStatus(status string) bool {
	switch status {
	case PostPosted, PostFailed, PostCancelled:
		return true
	}
	return false
}

// Notification kinds emitted by the execution worker.
const (
	NotifyPostSuccess = "post_success"
	NotifyPostFailure = "post_failure"
)

// DestinationConfig holds the per-destination publishing options carried by a
// schedule or an immediate post request.
type DestinationConfig struct {
	Caption         string   `json:"caption"`
	Tags            []string `json:"tags,omitempty"`
	CaptionVariants []string `json:"caption_variants,omitempty"`
	Privacy         string   `json:"privacy,omitempty"`
	DisableComments bool     `json:"disable_comments,omitempty"`
}

// Schedule is a request to publish one content item to a set of destinations
// at a time, optionally on a cron cadence. Schedules are never deleted;
// cancellation clears IsActive.
type Schedule struct {
	ID                string                       `json:"id"`
	OwnerID           string                       `json:"owner_id"`
	ContentID         string                       `json:"content_id"`
	Destinations      []string                     `json:"destinations"`
	Config            map[string]DestinationConfig `json:"config"`
	ScheduledAt       time.Time                    `json:"scheduled_at"`
	IsRecurring       bool                         `json:"is_recurring"`
	RecurrencePattern string                       `json:"recurrence_pattern,omitempty"`
	RotationIndex     int                          `json:"rotation_index"`
	IsActive          bool                         `json:"is_active"`
	CreatedAt         time.Time                    `json:"created_at"`
	UpdatedAt         time.Time                    `json:"updated_at"`
}

// PostGroup ties together the posts created from one schedule firing or one
// manual multi-destination request.
type PostGroup struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	ContentID string    `json:"content_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Post is one delivery attempt of a content item to one destination.
type Post struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	ContentID       string     `json:"content_id"`
	GroupID         *string    `json:"group_id,omitempty"`
	Destination     string     `json:"destination"`
	Status          string     `json:"status"`
	Caption         string     `json:"caption"`
	Tags            []string   `json:"tags,omitempty"`
	Privacy         string     `json:"privacy,omitempty"`
	DisableComments bool       `json:"disable_comments,omitempty"`
	DestinationRef  *string    `json:"destination_ref,omitempty"`
	DestinationURL  *string    `json:"destination_url,omitempty"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	PostedAt        *time.Time `json:"posted_at,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	RetryCount      int        `json:"retry_count"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Credential is an owner's access grant for one destination. Created by the
// external OAuth flow; the worker only reads it and stores refreshed tokens.
type Credential struct {
	OwnerID      string    `json:"owner_id"`
	Destination  string    `json:"destination"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	IsActive     bool      `json:"is_active"`
}

// Expired reports whether the access token has passed its expiry.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !c.ExpiresAt.After(now)
}

// Notification is a single outcome event, persisted immediately for in-app
// display and coalesced into batches for downstream delivery.
type Notification struct {
	ID        string            `json:"id"`
	OwnerID   string            `json:"owner_id"`
	Kind      string            `json:"kind"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Meta      map[string]string `json:"meta,omitempty"`
	IsRead    bool              `json:"is_read"`
	CreatedAt time.Time         `json:"created_at"`
}

// NotificationBatch groups notifications for one owner and kind within a
// fixed time bucket. (OwnerID, BucketKey) is unique.
type NotificationBatch struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	Kind            string     `json:"kind"`
	BucketKey       string     `json:"bucket_key"`
	NotificationIDs []string   `json:"notification_ids"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}
