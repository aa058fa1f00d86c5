// Package platform abstracts the external destination services. Each
// destination kind implements Capability; the rest of the system never
// branches on the kind directly.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postpilot/internal/models"
)

// Known destination kinds.
const (
	KindTikTok    = "tiktok"
	KindYouTube   = "youtube"
	KindInstagram = "instagram"
	KindFacebook  = "facebook"
	KindTwitter   = "twitter"
)

// ErrorKind classifies a failed capability call.
type ErrorKind int

const (
	// ErrAuthInvalid means the credential is rejected or unrefreshable.
	// Terminal for the current post; requires out-of-band re-authentication.
	ErrAuthInvalid ErrorKind = iota + 1
	// ErrRateLimited means the destination asked us to slow down. Retried
	// after RetryAfter without consuming the transient retry budget.
	ErrRateLimited
	// ErrTransient covers temporary API failures; retried with backoff.
	ErrTransient
	// ErrTerminal covers content rejections and other permanent failures.
	ErrTerminal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrAuthInvalid:
		return "auth_invalid"
	case ErrRateLimited:
		return "rate_limited"
	case ErrTransient:
		return "transient_api_error"
	case ErrTerminal:
		return "terminal_api_error"
	}
	return "unknown"
}

// Error is the structured failure returned by capability calls.
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration // meaningful only for ErrRateLimited; zero means unknown
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a capability error.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// NewRateLimited builds a rate-limit error with the destination's retry hint.
func NewRateLimited(msg string, retryAfter time.Duration) *Error {
	return &Error{Kind: ErrRateLimited, Message: msg, RetryAfter: retryAfter}
}

// Classify extracts the error kind from err. Unrecognized errors are treated
// as transient so that infrastructure blips get the retry path.
func Classify(err error) (ErrorKind, time.Duration) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, pe.RetryAfter
	}
	return ErrTransient, 0
}

// Limits are static per-destination constraints on published content.
type Limits struct {
	MaxCaptionLength int
	MaxTags          int
	MaxDuration      time.Duration
	MinDuration      time.Duration
	MaxSizeBytes     int64
	Formats          []string
}

// SupportsFormat reports whether the destination accepts the container format.
func (l Limits) SupportsFormat(format string) bool {
	for _, f := range l.Formats {
		if f == format {
			return true
		}
	}
	return false
}

// PublishRequest carries everything a capability needs to publish one post.
type PublishRequest struct {
	ContentLocation string
	Caption         string
	Tags            []string
	Privacy         string
	DisableComments bool
	Credential      models.Credential
}

// PublishResult is the destination's acknowledgement of a published post.
type PublishResult struct {
	DestinationRef string
	DestinationURL string
}

// Metrics are engagement counters for one published post, as reported by the
// destination.
type Metrics struct {
	Views    int64 `json:"views"`
	Likes    int64 `json:"likes"`
	Comments int64 `json:"comments"`
	Shares   int64 `json:"shares"`
}

// Capability is implemented once per destination kind.
type Capability interface {
	// Publish uploads and publishes the content. Failures are *Error values.
	Publish(ctx context.Context, req PublishRequest) (PublishResult, error)
	// FetchMetrics reads current engagement counters for a published post.
	FetchMetrics(ctx context.Context, destinationRef string, cred models.Credential) (Metrics, error)
	// RefreshCredential exchanges a refresh token for a fresh credential.
	RefreshCredential(ctx context.Context, refreshToken string) (models.Credential, error)
	// Limits returns the destination's static constraints.
	Limits() Limits
}
