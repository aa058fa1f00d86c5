package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"postpilot/internal/content"
	"postpilot/internal/cooldown"
	"postpilot/internal/models"
	"postpilot/internal/platform"
	"postpilot/internal/queue"
	"postpilot/internal/telemetry"
)

// ExecutorStore is the persistence surface post execution needs.
type ExecutorStore interface {
	ClaimPost(ctx context.Context, id string) (models.Post, bool, error)
	MarkPostPosted(ctx context.Context, id, destinationRef, destinationURL string) (bool, error)
	MarkPostFailed(ctx context.Context, id, errMsg string, retryCount int) (bool, error)
	ReleasePostForRetry(ctx context.Context, id string, retryCount int, errMsg string) error
	GetCredential(ctx context.Context, ownerID, destination string) (models.Credential, bool, error)
	PutCredential(ctx context.Context, cred models.Credential) error
}

// CooldownGuard rechecks the repost window right before publishing.
type CooldownGuard interface {
	Check(ctx context.Context, ownerID, contentID, destination string) (cooldown.Decision, error)
}

// RetryQueue re-enqueues a task for a later attempt.
type RetryQueue interface {
	Schedule(ctx context.Context, task queue.Task, runAt time.Time) error
}

// Notifier records delivery outcomes for batched notification.
type Notifier interface {
	PostSucceeded(ctx context.Context, post models.Post) error
	PostFailed(ctx context.Context, post models.Post, reason string) error
}

// Executor publishes one claimed post to its destination and settles the
// outcome: posted, failed, or released back to pending with a delayed retry.
type Executor struct {
	store      ExecutorStore
	registry   *platform.Registry
	cooldown   CooldownGuard
	content    content.Resolver
	notifier   Notifier
	retries    RetryQueue
	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

// ExecutorOptions groups the executor's collaborators.
type ExecutorOptions struct {
	Store      ExecutorStore
	Registry   *platform.Registry
	Cooldown   CooldownGuard
	Content    content.Resolver
	Notifier   Notifier
	Retries    RetryQueue
	MaxRetries int
	RetryBase  time.Duration
	RetryMax   time.Duration
	Log        zerolog.Logger
}

func NewExecutor(opt ExecutorOptions) *Executor {
	if opt.MaxRetries == 0 {
		opt.MaxRetries = 3
	}
	if opt.RetryBase == 0 {
		opt.RetryBase = time.Minute
	}
	if opt.RetryMax == 0 {
		opt.RetryMax = 10 * time.Minute
	}
	return &Executor{
		store:      opt.Store,
		registry:   opt.Registry,
		cooldown:   opt.Cooldown,
		content:    opt.Content,
		notifier:   opt.Notifier,
		retries:    opt.Retries,
		maxRetries: opt.MaxRetries,
		retryBase:  opt.RetryBase,
		retryMax:   opt.RetryMax,
		log:        opt.Log,
		now:        time.Now,
	}
}

// WithClock overrides the executor's clock. Used by tests.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Execute is the queue handler for post tasks. Task ref is the post id.
// Returns a non-nil error only on infrastructure failures; delivery outcomes
// always settle the post row and return nil.
func (e *Executor) Execute(ctx context.Context, task queue.Task) error {
	post, claimed, err := e.store.ClaimPost(ctx, task.Ref)
	if err != nil {
		return err
	}
	if !claimed {
		// Duplicate delivery, cancelled, or already settled.
		return nil
	}

	result, err := e.publish(ctx, post)
	if err == nil {
		return e.settleSuccess(ctx, post, result)
	}
	return e.settleFailure(ctx, post, err)
}

// publish runs the pre-flight checks and the destination call. Everything it
// returns as an error is a delivery outcome, classified by platform.Classify.
func (e *Executor) publish(ctx context.Context, post models.Post) (platform.PublishResult, error) {
	decision, err := e.cooldown.Check(ctx, post.OwnerID, post.ContentID, post.Destination)
	if err != nil {
		return platform.PublishResult{}, platform.NewError(platform.ErrTransient, fmt.Sprintf("cooldown check: %v", err))
	}
	if !decision.Allowed {
		return platform.PublishResult{}, platform.NewError(platform.ErrTerminal,
			fmt.Sprintf("identical content posted to %s %.1f hours ago; %.1f hours of cooldown remain",
				post.Destination, e.now().Sub(decision.LastPostedAt).Hours(), decision.HoursRemaining))
	}

	capability, err := e.registry.Lookup(post.Destination)
	if err != nil {
		return platform.PublishResult{}, platform.NewError(platform.ErrTerminal, err.Error())
	}

	cred, err := e.resolveCredential(ctx, post.OwnerID, post.Destination, capability)
	if err != nil {
		return platform.PublishResult{}, err
	}

	meta, err := e.content.Resolve(ctx, post.ContentID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return platform.PublishResult{}, platform.NewError(platform.ErrTerminal, fmt.Sprintf("content %s not found", post.ContentID))
		}
		return platform.PublishResult{}, platform.NewError(platform.ErrTransient, fmt.Sprintf("resolve content: %v", err))
	}
	if err := validateMedia(meta, capability.Limits(), post.Destination); err != nil {
		return platform.PublishResult{}, err
	}

	return capability.Publish(ctx, platform.PublishRequest{
		ContentLocation: meta.Location,
		Caption:         post.Caption,
		Tags:            post.Tags,
		Privacy:         post.Privacy,
		DisableComments: post.DisableComments,
		Credential:      cred,
	})
}

// resolveCredential loads the owner's credential and refreshes it when the
// access token has expired. A refreshed credential is persisted so later
// posts skip the exchange.
func (e *Executor) resolveCredential(ctx context.Context, ownerID, destination string, capability platform.Capability) (models.Credential, error) {
	cred, found, err := e.store.GetCredential(ctx, ownerID, destination)
	if err != nil {
		return models.Credential{}, platform.NewError(platform.ErrTransient, fmt.Sprintf("load credential: %v", err))
	}
	if !found || !cred.IsActive {
		return models.Credential{}, platform.NewError(platform.ErrAuthInvalid, fmt.Sprintf("%s is not connected", destination))
	}
	if !cred.Expired(e.now()) {
		return cred, nil
	}
	if cred.RefreshToken == "" {
		return models.Credential{}, platform.NewError(platform.ErrAuthInvalid, fmt.Sprintf("%s credential expired with no refresh token", destination))
	}

	refreshed, err := capability.RefreshCredential(ctx, cred.RefreshToken)
	if err != nil {
		return models.Credential{}, err
	}
	refreshed.OwnerID = ownerID
	refreshed.Destination = destination
	refreshed.IsActive = true
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = cred.RefreshToken
	}
	if err := e.store.PutCredential(ctx, refreshed); err != nil {
		// Publish still works with the in-memory token; the next run just
		// refreshes again.
		e.log.Warn().Err(err).Str("destination", destination).Msg("persist refreshed credential failed")
	}
	return refreshed, nil
}

func validateMedia(meta content.Meta, limits platform.Limits, destination string) error {
	if meta.SizeBytes > 0 && limits.MaxSizeBytes > 0 && meta.SizeBytes > limits.MaxSizeBytes {
		return platform.NewError(platform.ErrTerminal,
			fmt.Sprintf("media is %d bytes, %s allows %d", meta.SizeBytes, destination, limits.MaxSizeBytes))
	}
	if meta.Duration > 0 {
		if limits.MaxDuration > 0 && meta.Duration > limits.MaxDuration {
			return platform.NewError(platform.ErrTerminal,
				fmt.Sprintf("media runs %s, %s allows %s", meta.Duration, destination, limits.MaxDuration))
		}
		if limits.MinDuration > 0 && meta.Duration < limits.MinDuration {
			return platform.NewError(platform.ErrTerminal,
				fmt.Sprintf("media runs %s, %s requires at least %s", meta.Duration, destination, limits.MinDuration))
		}
	}
	if meta.Format != "" && len(limits.Formats) > 0 && !limits.SupportsFormat(meta.Format) {
		return platform.NewError(platform.ErrTerminal,
			fmt.Sprintf("format %s is not accepted by %s", meta.Format, destination))
	}
	return nil
}

func (e *Executor) settleSuccess(ctx context.Context, post models.Post, result platform.PublishResult) error {
	updated, err := e.store.MarkPostPosted(ctx, post.ID, result.DestinationRef, result.DestinationURL)
	if err != nil {
		return err
	}
	if !updated {
		// Lost the settle race; the winner already notified.
		return nil
	}
	telemetry.PostsPublished.Inc()
	post.Status = models.PostPosted
	post.DestinationRef = &result.DestinationRef
	if result.DestinationURL != "" {
		post.DestinationURL = &result.DestinationURL
	}
	if err := e.notifier.PostSucceeded(ctx, post); err != nil {
		e.log.Error().Err(err).Str("post_id", post.ID).Msg("record success notification failed")
	}
	e.log.Info().
		Str("post_id", post.ID).
		Str("destination", post.Destination).
		Str("destination_ref", result.DestinationRef).
		Msg("post published")
	return nil
}

// settleFailure applies the retry taxonomy: auth and terminal errors fail the
// post, rate limits retry after the destination's hint without counting
// against the retry cap, transients retry with exponential backoff up to the
// cap.
func (e *Executor) settleFailure(ctx context.Context, post models.Post, pubErr error) error {
	kind, retryAfter := platform.Classify(pubErr)

	switch kind {
	case platform.ErrAuthInvalid, platform.ErrTerminal:
		return e.failPost(ctx, post, pubErr.Error())

	case platform.ErrRateLimited:
		delay := retryAfter
		if delay <= 0 {
			delay = e.retryBase
		}
		if delay > e.retryMax {
			delay = e.retryMax
		}
		return e.retryPost(ctx, post, pubErr.Error(), delay)

	default: // transient
		retryCount := post.RetryCount + 1
		if retryCount >= e.maxRetries {
			post.RetryCount = retryCount
			return e.failPost(ctx, post, fmt.Sprintf("retries exhausted: %s", pubErr.Error()))
		}
		return e.retryPost(ctx, post, pubErr.Error(), transientDelay(e.retryBase, e.retryMax, retryCount))
	}
}

// transientDelay is the fixed backoff schedule for transient failures: the
// base doubled per completed attempt, capped at max.
func transientDelay(base, max time.Duration, retryCount int) time.Duration {
	delay := base << uint(retryCount)
	if delay > max || delay < base {
		return max
	}
	return delay
}

func (e *Executor) failPost(ctx context.Context, post models.Post, reason string) error {
	updated, err := e.store.MarkPostFailed(ctx, post.ID, reason, post.RetryCount)
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}
	telemetry.PostsFailed.Inc()
	post.Status = models.PostFailed
	if err := e.notifier.PostFailed(ctx, post, reason); err != nil {
		e.log.Error().Err(err).Str("post_id", post.ID).Msg("record failure notification failed")
	}
	e.log.Warn().
		Str("post_id", post.ID).
		Str("destination", post.Destination).
		Str("reason", reason).
		Msg("post failed")
	return nil
}

func (e *Executor) retryPost(ctx context.Context, post models.Post, reason string, delay time.Duration) error {
	retryCount := post.RetryCount + 1
	if err := e.store.ReleasePostForRetry(ctx, post.ID, retryCount, reason); err != nil {
		return err
	}
	task := queue.Task{Kind: queue.KindExecutePost, Ref: post.ID}
	if err := e.retries.Schedule(ctx, task, e.now().Add(delay)); err != nil {
		return err
	}
	telemetry.PostsRetried.Inc()
	e.log.Info().
		Str("post_id", post.ID).
		Str("destination", post.Destination).
		Int("retry_count", retryCount).
		Dur("delay", delay).
		Str("reason", reason).
		Msg("post retry scheduled")
	return nil
}
