package platform

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"postpilot/internal/models"
)

// breakerCapability wraps a Capability with a circuit breaker so a
// misbehaving destination stops consuming worker attempts. A tripped breaker
// surfaces as a transient error, which keeps the retry path intact.
type breakerCapability struct {
	inner   Capability
	breaker *gobreaker.CircuitBreaker
}

// WithBreaker decorates cap with a per-destination circuit breaker.
func WithBreaker(kind string, cap Capability, log zerolog.Logger) Capability {
	settings := gobreaker.Settings{
		Name:        kind,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("destination", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("destination circuit state changed")
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Auth and content rejections are the caller's problem, not a
			// sign the destination is down.
			kind, _ := Classify(err)
			return kind == ErrAuthInvalid || kind == ErrTerminal
		},
	}
	return &breakerCapability{
		inner:   cap,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (b *breakerCapability) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Publish(ctx, req)
	})
	if err != nil {
		return PublishResult{}, translateBreakerErr(err)
	}
	return res.(PublishResult), nil
}

func (b *breakerCapability) FetchMetrics(ctx context.Context, destinationRef string, cred models.Credential) (Metrics, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.FetchMetrics(ctx, destinationRef, cred)
	})
	if err != nil {
		return Metrics{}, translateBreakerErr(err)
	}
	return res.(Metrics), nil
}

func (b *breakerCapability) RefreshCredential(ctx context.Context, refreshToken string) (models.Credential, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.RefreshCredential(ctx, refreshToken)
	})
	if err != nil {
		return models.Credential{}, translateBreakerErr(err)
	}
	return res.(models.Credential), nil
}

func (b *breakerCapability) Limits() Limits {
	return b.inner.Limits()
}

func translateBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return NewError(ErrTransient, "destination circuit open")
	}
	return err
}
