// Package scanner finds due schedules and materializes each firing into a
// post group, then hands the posts to the execution queue.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"postpilot/internal/content"
	"postpilot/internal/models"
	"postpilot/internal/queue"
	"postpilot/internal/store"
	"postpilot/internal/telemetry"
)

// Store is the slice of the persistence layer the scanner touches.
type Store interface {
	DueSchedules(ctx context.Context, from, to time.Time) ([]models.Schedule, error)
	MaterializeSchedule(ctx context.Context, p store.MaterializeParams) (models.PostGroup, []models.Post, bool, error)
	StalePendingPosts(ctx context.Context, cutoff time.Time, limit int) ([]models.Post, error)
}

// Queue is the enqueue side of the task queue.
type Queue interface {
	Enqueue(ctx context.Context, task queue.Task, runAt time.Time) error
}

// Occurrences computes the next firing time for a recurrence pattern.
type Occurrences interface {
	NextOccurrence(pattern string, from time.Time) (time.Time, error)
}

// Content checks that a schedule's media reference still resolves.
type Content interface {
	Resolve(ctx context.Context, contentID string) (content.Meta, error)
}

// Scanner polls for schedules whose time has come and turns each into posts.
type Scanner struct {
	store       Store
	queue       Queue
	occurrences Occurrences
	content     Content
	interval    time.Duration
	window      time.Duration
	staleAfter  time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

// New builds a scanner. Zero interval and window default to one minute each.
func New(st Store, q Queue, occ Occurrences, media Content, interval, window time.Duration, log zerolog.Logger) *Scanner {
	if interval == 0 {
		interval = time.Minute
	}
	if window == 0 {
		window = time.Minute
	}
	return &Scanner{
		store:       st,
		queue:       q,
		occurrences: occ,
		content:     media,
		interval:    interval,
		window:      window,
		log:         log,
		now:         time.Now,
	}
}

// WithResweep enables re-enqueueing pending posts untouched for staleAfter.
// It covers a crash between the materialization commit and the enqueue.
// staleAfter must exceed the longest scheduled retry delay, or posts waiting
// on a delayed retry get a redundant (harmless) early delivery.
func (s *Scanner) WithResweep(staleAfter time.Duration) *Scanner {
	s.staleAfter = staleAfter
	return s
}

// WithClock overrides the scanner's clock. Used by tests.
func (s *Scanner) WithClock(now func() time.Time) *Scanner {
	s.now = now
	return s
}

// Run ticks until the context is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.Scan(ctx); err != nil {
				s.log.Error().Err(err).Msg("schedule scan failed")
			} else if n > 0 {
				s.log.Info().Int("materialized", n).Msg("schedule scan complete")
			}
		}
	}
}

// Scan materializes every schedule due in the window around now and returns
// how many firings it claimed. A failure on one schedule is logged and
// skipped; the rest of the batch still runs.
func (s *Scanner) Scan(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.store.DueSchedules(ctx, now.Add(-s.window), now.Add(s.window))
	if err != nil {
		return 0, err
	}

	claimed := 0
	for _, sched := range due {
		ok, err := s.fire(ctx, sched, now)
		if err != nil {
			s.log.Error().Err(err).Str("schedule_id", sched.ID).Msg("materialize failed")
			continue
		}
		if ok {
			claimed++
		}
	}

	if s.staleAfter > 0 {
		if err := s.resweep(ctx, now); err != nil {
			s.log.Error().Err(err).Msg("stale post resweep failed")
		}
	}
	return claimed, nil
}

func (s *Scanner) resweep(ctx context.Context, now time.Time) error {
	stale, err := s.store.StalePendingPosts(ctx, now.Add(-s.staleAfter), 100)
	if err != nil {
		return err
	}
	for _, post := range stale {
		task := queue.Task{Kind: queue.KindExecutePost, Ref: post.ID}
		if err := s.queue.Enqueue(ctx, task, now); err != nil {
			s.log.Error().Err(err).Str("post_id", post.ID).Msg("re-enqueue stale post failed")
			continue
		}
		s.log.Warn().Str("post_id", post.ID).Msg("stale pending post re-enqueued")
	}
	return nil
}

func (s *Scanner) fire(ctx context.Context, sched models.Schedule, now time.Time) (bool, error) {
	// The media must still exist before any post rows are cut for it. A
	// missing reference leaves the schedule due; the next tick retries.
	if _, err := s.content.Resolve(ctx, sched.ContentID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, fmt.Errorf("content %s no longer exists", sched.ContentID)
		}
		return false, fmt.Errorf("resolve content %s: %w", sched.ContentID, err)
	}

	var nextAt time.Time
	if sched.IsRecurring {
		// Advance from the firing instant, not the scan clock. A tick that
		// picks the schedule up just ahead of its time would otherwise
		// compute the current occurrence as "next" and fire it twice.
		var err error
		nextAt, err = s.occurrences.NextOccurrence(sched.RecurrencePattern, sched.ScheduledAt)
		if err != nil {
			return false, err
		}
	}

	posts := make([]models.Post, 0, len(sched.Destinations))
	for _, dest := range sched.Destinations {
		cfg := sched.Config[dest]
		posts = append(posts, models.Post{
			OwnerID:         sched.OwnerID,
			ContentID:       sched.ContentID,
			Destination:     dest,
			Caption:         captionFor(sched, cfg),
			Tags:            cfg.Tags,
			Privacy:         cfg.Privacy,
			DisableComments: cfg.DisableComments,
		})
	}

	group, created, claimed, err := s.store.MaterializeSchedule(ctx, store.MaterializeParams{
		Schedule: sched,
		NextAt:   nextAt,
		Posts:    posts,
	})
	if err != nil {
		return false, err
	}
	if !claimed {
		// Another scanner instance got this firing first.
		return false, nil
	}
	telemetry.SchedulesMaterialized.Inc()

	for _, post := range created {
		task := queue.Task{Kind: queue.KindExecutePost, Ref: post.ID}
		if err := s.queue.Enqueue(ctx, task, now); err != nil {
			// The post row exists and stays pending; a redelivery or manual
			// requeue will pick it up. The executor's claim makes duplicate
			// enqueues harmless.
			s.log.Error().Err(err).Str("post_id", post.ID).Msg("enqueue failed")
			continue
		}
		telemetry.PostsEnqueued.Inc()
	}

	s.log.Info().
		Str("schedule_id", sched.ID).
		Str("group_id", group.ID).
		Int("posts", len(created)).
		Msg("schedule fired")
	return true, nil
}

// captionFor picks the caption for this firing. Recurring schedules with
// caption variants rotate through them by firing count; everything else uses
// the fixed caption.
func captionFor(sched models.Schedule, cfg models.DestinationConfig) string {
	if sched.IsRecurring && len(cfg.CaptionVariants) > 0 {
		return cfg.CaptionVariants[sched.RotationIndex%len(cfg.CaptionVariants)]
	}
	return cfg.Caption
}
