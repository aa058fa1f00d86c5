package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postpilot/internal/models"
)

type fakeStore struct {
	schedules   map[string]models.Schedule
	credentials map[string]models.Credential
	nextID      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		schedules:   map[string]models.Schedule{},
		credentials: map[string]models.Credential{},
	}
}

func (f *fakeStore) connect(ownerID, dest string, expiresAt time.Time) {
	f.credentials[ownerID+"/"+dest] = models.Credential{
		OwnerID:     ownerID,
		Destination: dest,
		AccessToken: "tok",
		ExpiresAt:   expiresAt,
		IsActive:    true,
	}
}

func (f *fakeStore) InsertSchedule(_ context.Context, sched models.Schedule) (models.Schedule, error) {
	f.nextID++
	sched.ID = string(rune('a' + f.nextID))
	sched.IsActive = true
	f.schedules[sched.ID] = sched
	return sched, nil
}

func (f *fakeStore) GetSchedule(_ context.Context, id string) (models.Schedule, error) {
	sched, ok := f.schedules[id]
	if !ok {
		return models.Schedule{}, models.ErrNotFound
	}
	return sched, nil
}

func (f *fakeStore) UpdateSchedule(_ context.Context, sched models.Schedule) error {
	f.schedules[sched.ID] = sched
	return nil
}

func (f *fakeStore) DeactivateSchedule(_ context.Context, id string) (bool, error) {
	sched := f.schedules[id]
	if !sched.IsActive {
		return false, nil
	}
	sched.IsActive = false
	f.schedules[id] = sched
	return true, nil
}

func (f *fakeStore) ListSchedules(_ context.Context, ownerID string, includeInactive bool, _ int) ([]models.Schedule, error) {
	var out []models.Schedule
	for _, sched := range f.schedules {
		if sched.OwnerID == ownerID && (includeInactive || sched.IsActive) {
			out = append(out, sched)
		}
	}
	return out, nil
}

func (f *fakeStore) GetCredential(_ context.Context, ownerID, dest string) (models.Credential, bool, error) {
	cred, ok := f.credentials[ownerID+"/"+dest]
	return cred, ok, nil
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(store *fakeStore) *Manager {
	return NewManager(store, 5*time.Minute, zerolog.Nop()).WithClock(func() time.Time { return testNow })
}

func TestCreateSchedule(t *testing.T) {
	store := newFakeStore()
	store.connect("alice", "tiktok", testNow.Add(time.Hour))
	mgr := newTestManager(store)

	sched, err := mgr.Create(context.Background(), CreateParams{
		OwnerID:      "alice",
		ContentID:    "video-1",
		Destinations: []string{"tiktok"},
		ScheduledAt:  testNow.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, sched.IsActive)
	assert.Equal(t, "video-1", sched.ContentID)
}

func TestCreateRejectsShortLead(t *testing.T) {
	store := newFakeStore()
	store.connect("alice", "tiktok", testNow.Add(time.Hour))
	mgr := newTestManager(store)

	_, err := mgr.Create(context.Background(), CreateParams{
		OwnerID:      "alice",
		ContentID:    "video-1",
		Destinations: []string{"tiktok"},
		ScheduledAt:  testNow.Add(3 * time.Minute),
	})
	assert.ErrorIs(t, err, models.ErrInvalidScheduleTime)
}

func TestCreateRejectsUnconnectedDestination(t *testing.T) {
	store := newFakeStore()
	mgr := newTestManager(store)

	_, err := mgr.Create(context.Background(), CreateParams{
		OwnerID:      "alice",
		ContentID:    "video-1",
		Destinations: []string{"tiktok"},
		ScheduledAt:  testNow.Add(time.Hour),
	})
	assert.ErrorIs(t, err, models.ErrDestinationNotConnected)
}

func TestCreateRejectsExpiredCredentialWithoutRefresh(t *testing.T) {
	store := newFakeStore()
	store.connect("alice", "tiktok", testNow.Add(-time.Hour))
	mgr := newTestManager(store)

	_, err := mgr.Create(context.Background(), CreateParams{
		OwnerID:      "alice",
		ContentID:    "video-1",
		Destinations: []string{"tiktok"},
		ScheduledAt:  testNow.Add(time.Hour),
	})
	assert.ErrorIs(t, err, models.ErrCredentialExpired)
}

func TestCreateAllowsExpiredCredentialWithRefreshToken(t *testing.T) {
	store := newFakeStore()
	store.connect("alice", "tiktok", testNow.Add(-time.Hour))
	cred := store.credentials["alice/tiktok"]
	cred.RefreshToken = "refresh"
	store.credentials["alice/tiktok"] = cred
	mgr := newTestManager(store)

	_, err := mgr.Create(context.Background(), CreateParams{
		OwnerID:      "alice",
		ContentID:    "video-1",
		Destinations: []string{"tiktok"},
		ScheduledAt:  testNow.Add(time.Hour),
	})
	assert.NoError(t, err)
}

func TestCreateValidatesRecurrencePattern(t *testing.T) {
	store := newFakeStore()
	store.connect("alice", "youtube", testNow.Add(time.Hour))
	mgr := newTestManager(store)

	_, err := mgr.Create(context.Background(), CreateParams{
		OwnerID:           "alice",
		ContentID:         "video-1",
		Destinations:      []string{"youtube"},
		ScheduledAt:       testNow.Add(time.Hour),
		IsRecurring:       true,
		RecurrencePattern: "not a cron line",
	})
	assert.ErrorIs(t, err, models.ErrInvalidRecurrencePattern)

	_, err = mgr.Create(context.Background(), CreateParams{
		OwnerID:           "alice",
		ContentID:         "video-1",
		Destinations:      []string{"youtube"},
		ScheduledAt:       testNow.Add(time.Hour),
		IsRecurring:       true,
		RecurrencePattern: "0 9 * * *",
	})
	assert.NoError(t, err)
}

func TestCreateEnforcesDestinationLimits(t *testing.T) {
	store := newFakeStore()
	store.connect("alice", "twitter", testNow.Add(time.Hour))
	mgr := newTestManager(store)

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	_, err := mgr.Create(context.Background(), CreateParams{
		OwnerID:      "alice",
		ContentID:    "video-1",
		Destinations: []string{"twitter"},
		Config: map[string]models.DestinationConfig{
			"twitter": {Caption: string(long)},
		},
		ScheduledAt: testNow.Add(time.Hour),
	})
	assert.ErrorIs(t, err, models.ErrCaptionTooLong)
}

func TestUpdateChecksOwnershipAndActive(t *testing.T) {
	store := newFakeStore()
	store.connect("alice", "tiktok", testNow.Add(time.Hour))
	mgr := newTestManager(store)

	sched, err := mgr.Create(context.Background(), CreateParams{
		OwnerID:      "alice",
		ContentID:    "video-1",
		Destinations: []string{"tiktok"},
		ScheduledAt:  testNow.Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = mgr.Update(context.Background(), sched.ID, "bob", UpdateParams{})
	assert.ErrorIs(t, err, models.ErrNotOwner)

	newAt := testNow.Add(2 * time.Hour)
	updated, err := mgr.Update(context.Background(), sched.ID, "alice", UpdateParams{ScheduledAt: &newAt})
	require.NoError(t, err)
	assert.Equal(t, newAt, updated.ScheduledAt)

	_, err = mgr.Cancel(context.Background(), sched.ID, "alice")
	require.NoError(t, err)

	_, err = mgr.Update(context.Background(), sched.ID, "alice", UpdateParams{ScheduledAt: &newAt})
	assert.ErrorIs(t, err, models.ErrScheduleCancelled)
}

func TestCancelIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.connect("alice", "tiktok", testNow.Add(time.Hour))
	mgr := newTestManager(store)

	sched, err := mgr.Create(context.Background(), CreateParams{
		OwnerID:      "alice",
		ContentID:    "video-1",
		Destinations: []string{"tiktok"},
		ScheduledAt:  testNow.Add(time.Hour),
	})
	require.NoError(t, err)

	cancelled, err := mgr.Cancel(context.Background(), sched.ID, "alice")
	require.NoError(t, err)
	assert.True(t, cancelled)

	cancelled, err = mgr.Cancel(context.Background(), sched.ID, "alice")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestNextOccurrence(t *testing.T) {
	mgr := newTestManager(newFakeStore())

	next, err := mgr.NextOccurrence("0 9 * * *", testNow)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC), next)
}
