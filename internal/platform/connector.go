package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"postpilot/internal/models"
)

// Connector is a Capability backed by a per-destination connector service
// over HTTP. The connector owns the destination's real API details; this
// client only maps its responses onto the error taxonomy.
type Connector struct {
	kind    string
	baseURL string
	limits  Limits
	client  *http.Client
}

// NewConnector builds a capability for one destination kind. The kind must
// exist in the static limits table.
func NewConnector(kind, baseURL string) (*Connector, error) {
	limits, ok := DefaultLimits(kind)
	if !ok {
		return nil, fmt.Errorf("unknown destination kind %q", kind)
	}
	return &Connector{
		kind:    kind,
		baseURL: baseURL,
		limits:  limits,
		client:  &http.Client{Timeout: 60 * time.Second},
	}, nil
}

type connectorPublishBody struct {
	ContentLocation string   `json:"content_location"`
	Caption         string   `json:"caption"`
	Tags            []string `json:"tags,omitempty"`
	Privacy         string   `json:"privacy,omitempty"`
	DisableComments bool     `json:"disable_comments,omitempty"`
}

type connectorPublishReply struct {
	Ref string `json:"ref"`
	URL string `json:"url"`
}

func (c *Connector) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	body := connectorPublishBody{
		ContentLocation: req.ContentLocation,
		Caption:         req.Caption,
		Tags:            req.Tags,
		Privacy:         req.Privacy,
		DisableComments: req.DisableComments,
	}
	var reply connectorPublishReply
	if err := c.post(ctx, "/publish", req.Credential.AccessToken, body, &reply); err != nil {
		return PublishResult{}, err
	}
	if reply.Ref == "" {
		return PublishResult{}, NewError(ErrTransient, c.kind+" connector returned no ref")
	}
	return PublishResult{DestinationRef: reply.Ref, DestinationURL: reply.URL}, nil
}

func (c *Connector) FetchMetrics(ctx context.Context, destinationRef string, cred models.Credential) (Metrics, error) {
	var reply Metrics
	err := c.post(ctx, "/metrics", cred.AccessToken, map[string]string{"ref": destinationRef}, &reply)
	if err != nil {
		return Metrics{}, err
	}
	return reply, nil
}

type connectorRefreshReply struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (c *Connector) RefreshCredential(ctx context.Context, refreshToken string) (models.Credential, error) {
	var reply connectorRefreshReply
	err := c.post(ctx, "/refresh", "", map[string]string{"refresh_token": refreshToken}, &reply)
	if err != nil {
		return models.Credential{}, err
	}
	return models.Credential{
		AccessToken:  reply.AccessToken,
		RefreshToken: reply.RefreshToken,
		ExpiresAt:    reply.ExpiresAt,
	}, nil
}

func (c *Connector) Limits() Limits {
	return c.limits
}

func (c *Connector) post(ctx context.Context, path, token string, body, reply any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return NewError(ErrTerminal, fmt.Sprintf("marshal %s request: %v", path, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return NewError(ErrTerminal, fmt.Sprintf("build %s request: %v", path, err))
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return NewError(ErrTransient, fmt.Sprintf("%s connector: %v", c.kind, err))
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(reply); err != nil {
		return NewError(ErrTransient, fmt.Sprintf("decode %s connector reply: %v", c.kind, err))
	}
	return nil
}

// checkStatus maps connector HTTP statuses onto the error taxonomy.
func (c *Connector) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return NewError(ErrAuthInvalid, fmt.Sprintf("%s rejected the credential (%s)", c.kind, resp.Status))
	case resp.StatusCode == http.StatusTooManyRequests:
		return NewRateLimited(fmt.Sprintf("%s rate limit (%s)", c.kind, resp.Status), retryAfterHeader(resp))
	case resp.StatusCode >= 500:
		return NewError(ErrTransient, fmt.Sprintf("%s connector %s", c.kind, resp.Status))
	default:
		return NewError(ErrTerminal, fmt.Sprintf("%s connector %s", c.kind, resp.Status))
	}
}

func retryAfterHeader(resp *http.Response) time.Duration {
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
