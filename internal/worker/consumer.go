// Package worker consumes tasks from the queue and drives post execution and
// notification flushes.
package worker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"postpilot/internal/config"
	"postpilot/internal/queue"
	"postpilot/internal/telemetry"
)

// Handler executes one task kind. A non-nil error means an infrastructure
// failure the consumer should retry; domain outcomes (terminal failures,
// scheduled retries) are the handler's own business and return nil.
type Handler func(ctx context.Context, task queue.Task) error

// Consumer drives the worker loop: promote due tasks, reclaim expired
// leases, dequeue, dispatch by kind.
type Consumer struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	handlers map[string]Handler
	log      zerolog.Logger
}

func NewConsumer(cfg config.Config, q *queue.RedisQueue, log zerolog.Logger) *Consumer {
	return &Consumer{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[string]Handler),
		log:      log,
	}
}

// Register binds a handler to a task kind.
func (c *Consumer) Register(kind string, h Handler) {
	if kind == "" || h == nil {
		return
	}
	c.handlers[kind] = h
}

// Run loops until context cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := time.Now()
		_, _ = c.queue.PromoteScheduled(ctx, now, int64(c.cfg.ScheduledBatchSize))
		if reclaimed, _ := c.queue.RequeueExpired(ctx, now, 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			c.log.Warn().Int("count", len(reclaimed)).Msg("reclaimed expired leases")
		}
		if depth, err := c.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		task, ok, err := c.queue.DequeueWithLease(ctx)
		if err != nil || !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.WorkerPollInterval):
			}
			continue
		}

		telemetry.InFlightGauge.Inc()
		c.dispatch(ctx, task)
		telemetry.InFlightGauge.Dec()
	}
}

func (c *Consumer) dispatch(ctx context.Context, task queue.Task) {
	handler, ok := c.handlers[task.Kind]
	if !ok {
		c.log.Error().Str("kind", task.Kind).Str("ref", task.Ref).Msg("no handler for task kind")
		_ = c.queue.Ack(ctx, task)
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go c.heartbeat(hbCtx, task)
	err := handler(ctx, task)
	stopHeartbeat()
	if err == nil {
		_ = c.queue.Ack(ctx, task)
		return
	}

	attempts, bumpErr := c.queue.BumpAttempts(ctx, task)
	if bumpErr != nil {
		attempts = c.cfg.TaskMaxAttempts
	}

	if attempts >= c.cfg.TaskMaxAttempts {
		_ = c.queue.Ack(ctx, task)
		_ = c.queue.DLQPush(ctx, task)
		c.log.Error().Err(err).
			Str("kind", task.Kind).Str("ref", task.Ref).Int("attempts", attempts).
			Msg("task dead-lettered")
		return
	}

	// Release instead of Ack so the attempt counter survives the retry.
	backoff := backoffWithJitter(c.cfg.RetryBaseDelay, c.cfg.RetryMaxDelay, attempts)
	_ = c.queue.Release(ctx, task)
	_ = c.queue.Schedule(ctx, task, time.Now().Add(backoff))
	c.log.Warn().Err(err).
		Str("kind", task.Kind).Str("ref", task.Ref).Int("attempts", attempts).
		Dur("backoff", backoff).
		Msg("task retry scheduled")
}

// heartbeat keeps the task's visibility lease alive while its handler runs,
// so a slow publish is not reclaimed and redelivered mid-flight.
func (c *Consumer) heartbeat(ctx context.Context, task queue.Task) {
	interval := c.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.queue.ExtendLease(ctx, task, c.cfg.VisibilityTimeout); err != nil {
				c.log.Warn().Err(err).Str("kind", task.Kind).Str("ref", task.Ref).Msg("extend lease failed")
			}
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
