// Package schedule validates and persists one-time and recurring publishing
// schedules and computes occurrence times from cron patterns.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"postpilot/internal/models"
	"postpilot/internal/platform"
)

// Store is the persistence surface the manager needs.
type Store interface {
	InsertSchedule(ctx context.Context, sched models.Schedule) (models.Schedule, error)
	GetSchedule(ctx context.Context, id string) (models.Schedule, error)
	UpdateSchedule(ctx context.Context, sched models.Schedule) error
	DeactivateSchedule(ctx context.Context, id string) (bool, error)
	ListSchedules(ctx context.Context, ownerID string, includeInactive bool, limit int) ([]models.Schedule, error)
	GetCredential(ctx context.Context, ownerID, destination string) (models.Credential, bool, error)
}

// Manager owns schedule lifecycle and validation.
type Manager struct {
	store   Store
	minLead time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

// NewManager builds a manager. A zero minLead defaults to 5 minutes.
func NewManager(store Store, minLead time.Duration, log zerolog.Logger) *Manager {
	if minLead == 0 {
		minLead = 5 * time.Minute
	}
	return &Manager{store: store, minLead: minLead, log: log, now: time.Now}
}

// WithClock overrides the manager's clock. Used by tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// CreateParams are the inputs for a new schedule.
type CreateParams struct {
	OwnerID           string
	ContentID         string
	Destinations      []string
	Config            map[string]models.DestinationConfig
	ScheduledAt       time.Time
	IsRecurring       bool
	RecurrencePattern string
}

// Create validates and persists a new schedule.
func (m *Manager) Create(ctx context.Context, p CreateParams) (models.Schedule, error) {
	if err := m.validateTime(p.ScheduledAt); err != nil {
		return models.Schedule{}, err
	}
	if p.IsRecurring {
		if _, err := m.NextOccurrence(p.RecurrencePattern, p.ScheduledAt); err != nil {
			return models.Schedule{}, err
		}
	} else if p.RecurrencePattern != "" {
		return models.Schedule{}, fmt.Errorf("%w: pattern given for a one-time schedule", models.ErrInvalidRecurrencePattern)
	}
	if err := m.ValidateDestinations(ctx, p.OwnerID, p.Destinations, p.Config); err != nil {
		return models.Schedule{}, err
	}

	sched, err := m.store.InsertSchedule(ctx, models.Schedule{
		OwnerID:           p.OwnerID,
		ContentID:         p.ContentID,
		Destinations:      p.Destinations,
		Config:            p.Config,
		ScheduledAt:       p.ScheduledAt.UTC(),
		IsRecurring:       p.IsRecurring,
		RecurrencePattern: p.RecurrencePattern,
	})
	if err != nil {
		return models.Schedule{}, err
	}
	m.log.Info().
		Str("schedule_id", sched.ID).
		Str("owner_id", sched.OwnerID).
		Time("scheduled_at", sched.ScheduledAt).
		Bool("recurring", sched.IsRecurring).
		Msg("schedule created")
	return sched, nil
}

// UpdateParams carries optional new values; nil fields are left unchanged.
type UpdateParams struct {
	ScheduledAt       *time.Time
	Destinations      []string
	Config            map[string]models.DestinationConfig
	RecurrencePattern *string
}

// Update applies changes to an active schedule owned by the caller.
func (m *Manager) Update(ctx context.Context, id, ownerID string, p UpdateParams) (models.Schedule, error) {
	sched, err := m.store.GetSchedule(ctx, id)
	if err != nil {
		return models.Schedule{}, err
	}
	if sched.OwnerID != ownerID {
		return models.Schedule{}, models.ErrNotOwner
	}
	if !sched.IsActive {
		return models.Schedule{}, models.ErrScheduleCancelled
	}

	if p.ScheduledAt != nil {
		if err := m.validateTime(*p.ScheduledAt); err != nil {
			return models.Schedule{}, err
		}
		sched.ScheduledAt = p.ScheduledAt.UTC()
	}
	if p.Destinations != nil {
		if len(p.Destinations) == 0 {
			return models.Schedule{}, models.ErrNoDestinations
		}
		sched.Destinations = p.Destinations
	}
	if p.Config != nil {
		sched.Config = p.Config
	}
	if p.RecurrencePattern != nil {
		if _, err := m.NextOccurrence(*p.RecurrencePattern, sched.ScheduledAt); err != nil {
			return models.Schedule{}, err
		}
		sched.RecurrencePattern = *p.RecurrencePattern
		sched.IsRecurring = true
	}
	if err := m.ValidateDestinations(ctx, ownerID, sched.Destinations, sched.Config); err != nil {
		return models.Schedule{}, err
	}

	if err := m.store.UpdateSchedule(ctx, sched); err != nil {
		return models.Schedule{}, err
	}
	m.log.Info().Str("schedule_id", id).Msg("schedule updated")
	return sched, nil
}

// Cancel deactivates a schedule. Cancelling an already-cancelled schedule is
// not an error; it returns false.
func (m *Manager) Cancel(ctx context.Context, id, ownerID string) (bool, error) {
	sched, err := m.store.GetSchedule(ctx, id)
	if err != nil {
		return false, err
	}
	if sched.OwnerID != ownerID {
		return false, models.ErrNotOwner
	}
	cancelled, err := m.store.DeactivateSchedule(ctx, id)
	if err != nil {
		return false, err
	}
	if cancelled {
		m.log.Info().Str("schedule_id", id).Msg("schedule cancelled")
	}
	return cancelled, nil
}

// List returns the owner's schedules.
func (m *Manager) List(ctx context.Context, ownerID string, includeInactive bool, limit int) ([]models.Schedule, error) {
	return m.store.ListSchedules(ctx, ownerID, includeInactive, limit)
}

// NextOccurrence computes the next firing of a standard 5-field cron pattern
// strictly after from.
func (m *Manager) NextOccurrence(pattern string, from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(pattern)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", models.ErrInvalidRecurrencePattern, pattern, err)
	}
	return sched.Next(from), nil
}

func (m *Manager) validateTime(at time.Time) error {
	if at.Before(m.now().Add(m.minLead)) {
		return models.ErrInvalidScheduleTime
	}
	return nil
}

// ValidateDestinations checks that every destination is known, its config
// respects the destination's limits, and the owner holds an active unexpired
// credential for it. Also used by the immediate post path, which skips the
// lead-time rule.
func (m *Manager) ValidateDestinations(ctx context.Context, ownerID string, destinations []string, config map[string]models.DestinationConfig) error {
	if len(destinations) == 0 {
		return models.ErrNoDestinations
	}
	now := m.now()
	for _, dest := range destinations {
		limits, ok := platform.DefaultLimits(dest)
		if !ok {
			return fmt.Errorf("%w: %q", models.ErrUnknownDestination, dest)
		}
		if cfg, ok := config[dest]; ok {
			if err := validateConfig(dest, cfg, limits); err != nil {
				return err
			}
		}
		cred, found, err := m.store.GetCredential(ctx, ownerID, dest)
		if err != nil {
			return err
		}
		if !found || !cred.IsActive {
			return fmt.Errorf("%w: %s", models.ErrDestinationNotConnected, dest)
		}
		// An expired credential with a refresh token is still usable; the
		// worker refreshes it right before publishing.
		if cred.Expired(now) && cred.RefreshToken == "" {
			return fmt.Errorf("%w: %s", models.ErrCredentialExpired, dest)
		}
	}
	return nil
}

func validateConfig(dest string, cfg models.DestinationConfig, limits platform.Limits) error {
	if len(cfg.Caption) > limits.MaxCaptionLength {
		return fmt.Errorf("%w: %s allows %d characters, got %d",
			models.ErrCaptionTooLong, dest, limits.MaxCaptionLength, len(cfg.Caption))
	}
	for _, variant := range cfg.CaptionVariants {
		if len(variant) > limits.MaxCaptionLength {
			return fmt.Errorf("%w: %s allows %d characters, variant has %d",
				models.ErrCaptionTooLong, dest, limits.MaxCaptionLength, len(variant))
		}
	}
	if len(cfg.Tags) > limits.MaxTags {
		return fmt.Errorf("%w: %s allows %d tags, got %d",
			models.ErrTooManyTags, dest, limits.MaxTags, len(cfg.Tags))
	}
	return nil
}
