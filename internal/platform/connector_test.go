package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postpilot/internal/models"
)

func TestConnectorPublish(t *testing.T) {
	var gotAuth string
	var gotBody connectorPublishBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/publish", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(connectorPublishReply{Ref: "abc", URL: "https://example.test/abc"})
	}))
	defer srv.Close()

	conn, err := NewConnector(KindTikTok, srv.URL)
	require.NoError(t, err)

	result, err := conn.Publish(context.Background(), PublishRequest{
		ContentLocation: "https://media.test/v1",
		Caption:         "hello",
		Credential:      models.Credential{AccessToken: "tok"},
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", result.DestinationRef)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "hello", gotBody.Caption)
}

func TestConnectorStatusMapping(t *testing.T) {
	cases := []struct {
		status     int
		retryAfter string
		wantKind   ErrorKind
		wantDelay  time.Duration
	}{
		{status: http.StatusUnauthorized, wantKind: ErrAuthInvalid},
		{status: http.StatusForbidden, wantKind: ErrAuthInvalid},
		{status: http.StatusTooManyRequests, retryAfter: "120", wantKind: ErrRateLimited, wantDelay: 2 * time.Minute},
		{status: http.StatusBadGateway, wantKind: ErrTransient},
		{status: http.StatusUnprocessableEntity, wantKind: ErrTerminal},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if tc.retryAfter != "" {
				w.Header().Set("Retry-After", tc.retryAfter)
			}
			w.WriteHeader(tc.status)
		}))

		conn, err := NewConnector(KindYouTube, srv.URL)
		require.NoError(t, err)
		_, err = conn.Publish(context.Background(), PublishRequest{})
		require.Error(t, err, "status %d", tc.status)
		kind, delay := Classify(err)
		assert.Equal(t, tc.wantKind, kind, "status %d", tc.status)
		assert.Equal(t, tc.wantDelay, delay, "status %d", tc.status)
		srv.Close()
	}
}

func TestConnectorRefreshCredential(t *testing.T) {
	expiry := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/refresh", r.URL.Path)
		_ = json.NewEncoder(w).Encode(connectorRefreshReply{
			AccessToken:  "fresh",
			RefreshToken: "next-refresh",
			ExpiresAt:    expiry,
		})
	}))
	defer srv.Close()

	conn, err := NewConnector(KindInstagram, srv.URL)
	require.NoError(t, err)

	cred, err := conn.RefreshCredential(context.Background(), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh", cred.AccessToken)
	assert.Equal(t, "next-refresh", cred.RefreshToken)
	assert.Equal(t, expiry, cred.ExpiresAt)
}

func TestConnectorFetchMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/metrics", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "abc", body["ref"])
		_ = json.NewEncoder(w).Encode(Metrics{Views: 1200, Likes: 80, Comments: 5, Shares: 2})
	}))
	defer srv.Close()

	conn, err := NewConnector(KindTwitter, srv.URL)
	require.NoError(t, err)

	metrics, err := conn.FetchMetrics(context.Background(), "abc", models.Credential{AccessToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, int64(1200), metrics.Views)
	assert.Equal(t, int64(80), metrics.Likes)
}

func TestConnectorRejectsUnknownKind(t *testing.T) {
	_, err := NewConnector("myspace", "http://localhost")
	assert.Error(t, err)
}
