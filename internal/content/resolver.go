// Package content resolves content identifiers into publishable media
// locations and metadata.
package content

import (
	"context"
	"time"
)

// Meta describes one stored media object.
type Meta struct {
	// Location is a URL a destination capability can fetch the media from.
	Location  string
	Format    string
	SizeBytes int64
	Duration  time.Duration
}

// Resolver looks up a content item by id. A missing item returns
// models.ErrNotFound.
type Resolver interface {
	Resolve(ctx context.Context, contentID string) (Meta, error)
}
