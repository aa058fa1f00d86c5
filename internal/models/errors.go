package models

import "errors"

// Domain errors surfaced synchronously to callers. None of these are retried
// automatically.
var (
	ErrNotFound                 = errors.New("not found")
	ErrNotOwner                 = errors.New("resource does not belong to user")
	ErrInvalidScheduleTime      = errors.New("scheduled time must be at least 5 minutes in the future")
	ErrInvalidRecurrencePattern = errors.New("invalid recurrence pattern")
	ErrScheduleCancelled        = errors.New("schedule has been cancelled")
	ErrDestinationNotConnected  = errors.New("destination account is not connected")
	ErrCredentialExpired        = errors.New("destination credential has expired")
	ErrNoDestinations           = errors.New("at least one destination is required")
	ErrUnknownDestination       = errors.New("unknown destination")
	ErrCaptionTooLong           = errors.New("caption exceeds destination limit")
	ErrTooManyTags              = errors.New("too many tags for destination")
	ErrCooldownActive           = errors.New("content was recently posted to this destination")
)
