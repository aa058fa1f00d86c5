package worker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postpilot/internal/content"
	"postpilot/internal/cooldown"
	"postpilot/internal/models"
	"postpilot/internal/platform"
	"postpilot/internal/queue"
)

type fakeExecStore struct {
	posts map[string]*models.Post
	creds map[string]models.Credential
	saved []models.Credential
}

func newFakeExecStore(posts ...*models.Post) *fakeExecStore {
	f := &fakeExecStore{posts: map[string]*models.Post{}, creds: map[string]models.Credential{}}
	for _, p := range posts {
		f.posts[p.ID] = p
	}
	return f
}

func (f *fakeExecStore) ClaimPost(_ context.Context, id string) (models.Post, bool, error) {
	post, ok := f.posts[id]
	if !ok || post.Status != models.PostPending {
		return models.Post{}, false, nil
	}
	post.Status = models.PostProcessing
	return *post, true, nil
}

func (f *fakeExecStore) MarkPostPosted(_ context.Context, id, ref, url string) (bool, error) {
	post := f.posts[id]
	if post.Status != models.PostProcessing || post.PostedAt != nil {
		return false, nil
	}
	now := time.Now()
	post.Status = models.PostPosted
	post.DestinationRef = &ref
	post.PostedAt = &now
	if url != "" {
		post.DestinationURL = &url
	}
	return true, nil
}

func (f *fakeExecStore) MarkPostFailed(_ context.Context, id, msg string, retryCount int) (bool, error) {
	post := f.posts[id]
	if post.Status != models.PostProcessing {
		return false, nil
	}
	post.Status = models.PostFailed
	post.ErrorMessage = &msg
	post.RetryCount = retryCount
	return true, nil
}

func (f *fakeExecStore) ReleasePostForRetry(_ context.Context, id string, retryCount int, msg string) error {
	post := f.posts[id]
	post.Status = models.PostPending
	post.RetryCount = retryCount
	post.ErrorMessage = &msg
	return nil
}

func (f *fakeExecStore) GetCredential(_ context.Context, ownerID, dest string) (models.Credential, bool, error) {
	cred, ok := f.creds[ownerID+"/"+dest]
	return cred, ok, nil
}

func (f *fakeExecStore) PutCredential(_ context.Context, cred models.Credential) error {
	f.creds[cred.OwnerID+"/"+cred.Destination] = cred
	f.saved = append(f.saved, cred)
	return nil
}

type fakeCapability struct {
	publishErrs []error
	calls       int
	refreshed   models.Credential
	refreshErr  error
}

func (f *fakeCapability) Publish(_ context.Context, _ platform.PublishRequest) (platform.PublishResult, error) {
	f.calls++
	if len(f.publishErrs) > 0 {
		err := f.publishErrs[0]
		f.publishErrs = f.publishErrs[1:]
		if err != nil {
			return platform.PublishResult{}, err
		}
	}
	return platform.PublishResult{DestinationRef: "ref-123", DestinationURL: "https://example.test/ref-123"}, nil
}

func (f *fakeCapability) FetchMetrics(_ context.Context, _ string, _ models.Credential) (platform.Metrics, error) {
	return platform.Metrics{}, nil
}

func (f *fakeCapability) RefreshCredential(_ context.Context, _ string) (models.Credential, error) {
	if f.refreshErr != nil {
		return models.Credential{}, f.refreshErr
	}
	return f.refreshed, nil
}

func (f *fakeCapability) Limits() platform.Limits {
	limits, _ := platform.DefaultLimits(platform.KindTikTok)
	return limits
}

type allowAllCooldown struct{}

func (allowAllCooldown) Check(context.Context, string, string, string) (cooldown.Decision, error) {
	return cooldown.Decision{Allowed: true}, nil
}

type blockedCooldown struct{ at time.Time }

func (b blockedCooldown) Check(context.Context, string, string, string) (cooldown.Decision, error) {
	return cooldown.Decision{Allowed: false, HoursRemaining: 12, LastPostedAt: b.at}, nil
}

type staticResolver struct{ meta content.Meta }

func (s staticResolver) Resolve(context.Context, string) (content.Meta, error) {
	return s.meta, nil
}

type fakeNotifier struct {
	successes []models.Post
	failures  []string
}

func (f *fakeNotifier) PostSucceeded(_ context.Context, post models.Post) error {
	f.successes = append(f.successes, post)
	return nil
}

func (f *fakeNotifier) PostFailed(_ context.Context, _ models.Post, reason string) error {
	f.failures = append(f.failures, reason)
	return nil
}

type fakeRetryQueue struct {
	scheduled []queue.Task
	runAts    []time.Time
}

func (f *fakeRetryQueue) Schedule(_ context.Context, task queue.Task, runAt time.Time) error {
	f.scheduled = append(f.scheduled, task)
	f.runAts = append(f.runAts, runAt)
	return nil
}

var execNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type executorFixture struct {
	store    *fakeExecStore
	cap      *fakeCapability
	notifier *fakeNotifier
	retries  *fakeRetryQueue
	exec     *Executor
}

func newFixture(t *testing.T, post *models.Post, cap *fakeCapability, guard CooldownGuard) *executorFixture {
	t.Helper()
	store := newFakeExecStore(post)
	store.creds[post.OwnerID+"/"+post.Destination] = models.Credential{
		OwnerID:     post.OwnerID,
		Destination: post.Destination,
		AccessToken: "tok",
		ExpiresAt:   execNow.Add(time.Hour),
		IsActive:    true,
	}
	registry := platform.NewRegistry()
	registry.Register(post.Destination, cap)
	notifier := &fakeNotifier{}
	retries := &fakeRetryQueue{}
	exec := NewExecutor(ExecutorOptions{
		Store:      store,
		Registry:   registry,
		Cooldown:   guard,
		Content:    staticResolver{meta: content.Meta{Location: "https://media.test/v1", Format: "mp4", SizeBytes: 1 << 20, Duration: 30 * time.Second}},
		Notifier:   notifier,
		Retries:    retries,
		MaxRetries: 3,
		RetryBase:  time.Minute,
		RetryMax:   10 * time.Minute,
		Log:        zerolog.Nop(),
	}).WithClock(func() time.Time { return execNow })
	return &executorFixture{store: store, cap: cap, notifier: notifier, retries: retries, exec: exec}
}

func pendingPost() *models.Post {
	return &models.Post{
		ID:          "post-1",
		OwnerID:     "alice",
		ContentID:   "video-1",
		Destination: platform.KindTikTok,
		Status:      models.PostPending,
		Caption:     "hello",
	}
}

func TestExecutePublishesPost(t *testing.T) {
	post := pendingPost()
	fx := newFixture(t, post, &fakeCapability{}, allowAllCooldown{})

	err := fx.exec.Execute(context.Background(), queue.Task{Kind: queue.KindExecutePost, Ref: post.ID})
	require.NoError(t, err)

	assert.Equal(t, models.PostPosted, post.Status)
	require.NotNil(t, post.DestinationRef)
	assert.Equal(t, "ref-123", *post.DestinationRef)
	assert.NotNil(t, post.PostedAt)
	assert.Len(t, fx.notifier.successes, 1)
}

func TestExecuteDuplicateDeliveryIsNoOp(t *testing.T) {
	post := pendingPost()
	fx := newFixture(t, post, &fakeCapability{}, allowAllCooldown{})
	task := queue.Task{Kind: queue.KindExecutePost, Ref: post.ID}

	require.NoError(t, fx.exec.Execute(context.Background(), task))
	require.NoError(t, fx.exec.Execute(context.Background(), task))

	assert.Equal(t, 1, fx.cap.calls, "settled post must not publish again")
	assert.Len(t, fx.notifier.successes, 1)
}

func TestExecuteRateLimitedThenSucceeds(t *testing.T) {
	post := pendingPost()
	cap := &fakeCapability{publishErrs: []error{platform.NewRateLimited("slow down", 90 * time.Second)}}
	fx := newFixture(t, post, cap, allowAllCooldown{})
	task := queue.Task{Kind: queue.KindExecutePost, Ref: post.ID}

	require.NoError(t, fx.exec.Execute(context.Background(), task))
	assert.Equal(t, models.PostPending, post.Status)
	assert.Equal(t, 1, post.RetryCount)
	require.Len(t, fx.retries.runAts, 1)
	assert.Equal(t, execNow.Add(90*time.Second), fx.retries.runAts[0], "retry honors the destination's retry-after")

	require.NoError(t, fx.exec.Execute(context.Background(), task))
	assert.Equal(t, models.PostPosted, post.Status)
	assert.Equal(t, 1, post.RetryCount)
	assert.Empty(t, fx.notifier.failures)
}

func TestExecuteTransientRetriesExhaust(t *testing.T) {
	post := pendingPost()
	cap := &fakeCapability{publishErrs: []error{
		platform.NewError(platform.ErrTransient, "upstream 503"),
		platform.NewError(platform.ErrTransient, "upstream 503"),
		platform.NewError(platform.ErrTransient, "upstream 503"),
	}}
	fx := newFixture(t, post, cap, allowAllCooldown{})
	task := queue.Task{Kind: queue.KindExecutePost, Ref: post.ID}

	for i := 0; i < 2; i++ {
		require.NoError(t, fx.exec.Execute(context.Background(), task))
		assert.Equal(t, models.PostPending, post.Status, "attempt %d should release for retry", i)
		assert.Equal(t, i+1, post.RetryCount)
	}
	require.Len(t, fx.retries.runAts, 2)
	assert.Equal(t, execNow.Add(2*time.Minute), fx.retries.runAts[0], "first retry doubles the base delay")
	assert.Equal(t, execNow.Add(4*time.Minute), fx.retries.runAts[1])

	require.NoError(t, fx.exec.Execute(context.Background(), task))
	assert.Equal(t, models.PostFailed, post.Status)
	assert.Equal(t, 3, post.RetryCount, "the exhausting attempt counts toward the cap")
	assert.Equal(t, 3, fx.cap.calls, "the cap bounds total publish attempts")
	assert.Len(t, fx.retries.scheduled, 2)
	require.Len(t, fx.notifier.failures, 1)
	assert.Contains(t, fx.notifier.failures[0], "retries exhausted")
}

func TestExecuteAuthErrorIsTerminal(t *testing.T) {
	post := pendingPost()
	cap := &fakeCapability{publishErrs: []error{platform.NewError(platform.ErrAuthInvalid, "token revoked")}}
	fx := newFixture(t, post, cap, allowAllCooldown{})

	require.NoError(t, fx.exec.Execute(context.Background(), queue.Task{Kind: queue.KindExecutePost, Ref: post.ID}))

	assert.Equal(t, models.PostFailed, post.Status)
	assert.Empty(t, fx.retries.scheduled)
	assert.Len(t, fx.notifier.failures, 1)
}

func TestExecuteCooldownBlocksPublish(t *testing.T) {
	post := pendingPost()
	cap := &fakeCapability{}
	fx := newFixture(t, post, cap, blockedCooldown{at: execNow.Add(-12 * time.Hour)})

	require.NoError(t, fx.exec.Execute(context.Background(), queue.Task{Kind: queue.KindExecutePost, Ref: post.ID}))

	assert.Equal(t, models.PostFailed, post.Status)
	assert.Zero(t, cap.calls, "blocked post must not reach the destination")
	require.NotNil(t, post.ErrorMessage)
	assert.Contains(t, *post.ErrorMessage, "cooldown")
}

func TestExecuteRefreshesExpiredCredential(t *testing.T) {
	post := pendingPost()
	cap := &fakeCapability{refreshed: models.Credential{AccessToken: "fresh", ExpiresAt: execNow.Add(2 * time.Hour)}}
	fx := newFixture(t, post, cap, allowAllCooldown{})
	fx.store.creds["alice/"+platform.KindTikTok] = models.Credential{
		OwnerID:      "alice",
		Destination:  platform.KindTikTok,
		AccessToken:  "stale",
		RefreshToken: "refresh",
		ExpiresAt:    execNow.Add(-time.Hour),
		IsActive:     true,
	}

	require.NoError(t, fx.exec.Execute(context.Background(), queue.Task{Kind: queue.KindExecutePost, Ref: post.ID}))

	assert.Equal(t, models.PostPosted, post.Status)
	require.Len(t, fx.store.saved, 1)
	assert.Equal(t, "fresh", fx.store.saved[0].AccessToken)
	assert.Equal(t, "refresh", fx.store.saved[0].RefreshToken, "refresh token survives a rotation that omits it")
}
