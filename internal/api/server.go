// Package api exposes the HTTP surface: schedules, posts, notifications,
// and operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"postpilot/internal/config"
	"postpilot/internal/cooldown"
	"postpilot/internal/models"
	"postpilot/internal/notify"
	"postpilot/internal/platform"
	"postpilot/internal/queue"
	"postpilot/internal/ratelimit"
	"postpilot/internal/schedule"
	"postpilot/internal/store"
	"postpilot/internal/telemetry"
)

// Server wires the HTTP handlers.
type Server struct {
	cfg       config.Config
	store     *store.Store
	queue     *queue.RedisQueue
	schedules *schedule.Manager
	notify    *notify.Batcher
	cooldown  *cooldown.Guard
	registry  *platform.Registry
	limiter   *ratelimit.TokenBucket
	log       zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.RedisQueue, schedules *schedule.Manager,
	batcher *notify.Batcher, guard *cooldown.Guard, registry *platform.Registry,
	limiter *ratelimit.TokenBucket, log zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		schedules: schedules,
		notify:    batcher,
		cooldown:  guard,
		registry:  registry,
		limiter:   limiter,
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/dlq", s.handleDLQ)

	r.Group(func(r chi.Router) {
		r.Use(s.requireOwner)
		r.Use(s.rateLimit)

		r.Post("/schedules", s.handleCreateSchedule)
		r.Get("/schedules", s.handleListSchedules)
		r.Get("/schedules/{id}", s.handleGetSchedule)
		r.Put("/schedules/{id}", s.handleUpdateSchedule)
		r.Post("/schedules/{id}/cancel", s.handleCancelSchedule)

		r.Post("/posts", s.handleImmediatePost)
		r.Get("/posts", s.handleListPosts)
		r.Get("/posts/{id}", s.handleGetPost)
		r.Get("/posts/{id}/metrics", s.handleGetPostMetrics)
		r.Post("/posts/{id}/cancel", s.handleCancelPost)

		r.Get("/notifications", s.handleListNotifications)
		r.Post("/notifications/{id}/read", s.handleMarkNotificationRead)
	})

	return r
}

type ctxKey int

const ownerKey ctxKey = 0

func contextWithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey).(string)
	return owner
}

// requireOwner resolves the calling owner from the X-User-ID header set by
// the auth gateway in front of this service.
func (s *Server) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get("X-User-ID")
		if owner == "" {
			http.Error(w, "missing X-User-ID", http.StatusUnauthorized)
			return
		}
		ctx := contextWithOwner(r.Context(), owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+ownerFrom(r))
			if err != nil {
				http.Error(w, "rate limit error", http.StatusInternalServerError)
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				http.Error(w, "rate limited", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type scheduleRequest struct {
	ContentID         string                              `json:"content_id"`
	Destinations      []string                            `json:"destinations"`
	Config            map[string]models.DestinationConfig `json:"config"`
	ScheduledAt       time.Time                           `json:"scheduled_at"`
	IsRecurring       bool                                `json:"is_recurring"`
	RecurrencePattern string                              `json:"recurrence_pattern"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ContentID == "" {
		http.Error(w, "content_id is required", http.StatusBadRequest)
		return
	}

	sched, err := s.schedules.Create(r.Context(), schedule.CreateParams{
		OwnerID:           ownerFrom(r),
		ContentID:         req.ContentID,
		Destinations:      req.Destinations,
		Config:            req.Config,
		ScheduledAt:       req.ScheduledAt,
		IsRecurring:       req.IsRecurring,
		RecurrencePattern: req.RecurrencePattern,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("include_inactive") == "true"
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	schedules, err := s.schedules.List(r.Context(), ownerFrom(r), includeInactive, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sched.OwnerID != ownerFrom(r) {
		s.writeError(w, models.ErrNotOwner)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

type scheduleUpdateRequest struct {
	ScheduledAt       *time.Time                          `json:"scheduled_at"`
	Destinations      []string                            `json:"destinations"`
	Config            map[string]models.DestinationConfig `json:"config"`
	RecurrencePattern *string                             `json:"recurrence_pattern"`
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	sched, err := s.schedules.Update(r.Context(), chi.URLParam(r, "id"), ownerFrom(r), schedule.UpdateParams{
		ScheduledAt:       req.ScheduledAt,
		Destinations:      req.Destinations,
		Config:            req.Config,
		RecurrencePattern: req.RecurrencePattern,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.schedules.Cancel(r.Context(), chi.URLParam(r, "id"), ownerFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := "cancelled"
	if !cancelled {
		status = "already_cancelled"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

type immediatePostRequest struct {
	ContentID    string                              `json:"content_id"`
	Destinations []string                            `json:"destinations"`
	Config       map[string]models.DestinationConfig `json:"config"`
}

// handleImmediatePost runs the schedule validations minus the lead-time rule,
// rejects destinations still inside the repost cooldown, and enqueues the
// posts right away.
func (s *Server) handleImmediatePost(w http.ResponseWriter, r *http.Request) {
	var req immediatePostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ContentID == "" {
		http.Error(w, "content_id is required", http.StatusBadRequest)
		return
	}
	owner := ownerFrom(r)
	if err := s.schedules.ValidateDestinations(r.Context(), owner, req.Destinations, req.Config); err != nil {
		s.writeError(w, err)
		return
	}
	for _, dest := range req.Destinations {
		decision, err := s.cooldown.Check(r.Context(), owner, req.ContentID, dest)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !decision.Allowed {
			s.writeError(w, fmt.Errorf("%w: %s for another %.1f hours",
				models.ErrCooldownActive, dest, decision.HoursRemaining))
			return
		}
	}

	posts := make([]models.Post, 0, len(req.Destinations))
	for _, dest := range req.Destinations {
		cfg := req.Config[dest]
		posts = append(posts, models.Post{
			OwnerID:         owner,
			ContentID:       req.ContentID,
			Destination:     dest,
			Caption:         cfg.Caption,
			Tags:            cfg.Tags,
			Privacy:         cfg.Privacy,
			DisableComments: cfg.DisableComments,
		})
	}
	group, created, err := s.store.CreatePostGroup(r.Context(), models.PostGroup{
		OwnerID:   owner,
		ContentID: req.ContentID,
	}, posts)
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now()
	for _, post := range created {
		task := queue.Task{Kind: queue.KindExecutePost, Ref: post.ID}
		if err := s.queue.Enqueue(r.Context(), task, now); err != nil {
			s.log.Error().Err(err).Str("post_id", post.ID).Msg("enqueue failed")
			continue
		}
		telemetry.PostsEnqueued.Inc()
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"group": group, "posts": created})
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	posts, err := s.store.ListPosts(r.Context(), ownerFrom(r), q.Get("status"), q.Get("group_id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": posts})
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	post, err := s.store.GetPost(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if post.OwnerID != ownerFrom(r) {
		s.writeError(w, models.ErrNotOwner)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

// handleGetPostMetrics fetches live engagement counters from the destination
// for a published post.
func (s *Server) handleGetPostMetrics(w http.ResponseWriter, r *http.Request) {
	post, err := s.store.GetPost(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if post.OwnerID != ownerFrom(r) {
		s.writeError(w, models.ErrNotOwner)
		return
	}
	if post.Status != models.PostPosted || post.DestinationRef == nil {
		http.Error(w, "post is not published", http.StatusConflict)
		return
	}

	capability, err := s.registry.Lookup(post.Destination)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	cred, found, err := s.store.GetCredential(r.Context(), post.OwnerID, post.Destination)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found || !cred.IsActive {
		s.writeError(w, models.ErrDestinationNotConnected)
		return
	}

	metrics, err := capability.FetchMetrics(r.Context(), *post.DestinationRef, cred)
	if err != nil {
		kind, _ := platform.Classify(err)
		switch kind {
		case platform.ErrAuthInvalid:
			http.Error(w, err.Error(), http.StatusConflict)
		case platform.ErrRateLimited:
			http.Error(w, err.Error(), http.StatusTooManyRequests)
		default:
			http.Error(w, err.Error(), http.StatusBadGateway)
		}
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// handleCancelPost cancels a pending post. The queue member is removed too,
// though the status CAS alone already makes a later delivery a no-op.
func (s *Server) handleCancelPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := s.store.CancelPost(r.Context(), id, ownerFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !cancelled {
		msg := "post is not pending"
		if post, gerr := s.store.GetPost(r.Context(), id); gerr == nil && post.OwnerID == ownerFrom(r) && models.TerminalPostStatus(post.Status) {
			msg = "post already settled as " + post.Status
		}
		http.Error(w, msg, http.StatusConflict)
		return
	}
	if err := s.queue.Cancel(r.Context(), queue.Task{Kind: queue.KindExecutePost, Ref: id}); err != nil {
		s.log.Warn().Err(err).Str("post_id", id).Msg("remove cancelled post from queue failed")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	notifications, err := s.notify.List(r.Context(), ownerFrom(r), q.Get("unread") == "true", limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notifications})
}

func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	ok, err := s.notify.MarkRead(r.Context(), chi.URLParam(r, "id"), ownerFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeError(w, models.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

// handleDLQ returns the dead letter queue contents.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInvalidScheduleTime),
		errors.Is(err, models.ErrInvalidRecurrencePattern),
		errors.Is(err, models.ErrNoDestinations),
		errors.Is(err, models.ErrUnknownDestination),
		errors.Is(err, models.ErrCaptionTooLong),
		errors.Is(err, models.ErrTooManyTags):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrScheduleCancelled),
		errors.Is(err, models.ErrDestinationNotConnected),
		errors.Is(err, models.ErrCredentialExpired),
		errors.Is(err, models.ErrCooldownActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
