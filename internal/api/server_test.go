package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"postpilot/internal/models"
)

func TestStatusForMapsSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrNotOwner, http.StatusForbidden},
		{models.ErrInvalidScheduleTime, http.StatusBadRequest},
		{models.ErrInvalidRecurrencePattern, http.StatusBadRequest},
		{models.ErrNoDestinations, http.StatusBadRequest},
		{models.ErrCaptionTooLong, http.StatusBadRequest},
		{models.ErrScheduleCancelled, http.StatusConflict},
		{models.ErrDestinationNotConnected, http.StatusConflict},
		{models.ErrCooldownActive, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", models.ErrUnknownDestination), http.StatusBadRequest},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), "error %v", tc.err)
	}
}

func TestRequireOwner(t *testing.T) {
	s := &Server{}
	var gotOwner string
	handler := s.requireOwner(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotOwner = ownerFrom(r)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/schedules", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/schedules", nil)
	req.Header.Set("X-User-ID", "alice")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", gotOwner)
}
