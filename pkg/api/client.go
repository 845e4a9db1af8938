// Package api is a small REST client for the presence coordinator's query
// surface. The realtime protocol lives in internal/transport; this client
// only serves diagnostic reads like the active-session list shown by the
// status command.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sessionguard/agent/internal/httputil"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Session is one live presence record the coordinator holds for a user.
type Session struct {
	Fingerprint  string          `json:"fingerprint"`
	DeviceInfo   json.RawMessage `json:"deviceInfo,omitempty"`
	RegisteredAt time.Time       `json:"registeredAt"`
	LastSeenAt   time.Time       `json:"lastSeenAt"`
	Current      bool            `json:"current,omitempty"`
}

// SessionsResponse is the coordinator's answer to a session-list query.
type SessionsResponse struct {
	UserID        string    `json:"userId"`
	Sessions      []Session `json:"sessions"`
	HasDuplicates bool      `json:"hasDuplicates"`
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Sessions returns the coordinator's active presence records for userID.
func (c *Client) Sessions(ctx context.Context, userID string) (*SessionsResponse, error) {
	if userID == "" {
		return nil, fmt.Errorf("userId is required")
	}

	endpoint := c.baseURL + "/api/v1/sessions/" + url.PathEscape(userID)
	resp, err := httputil.Do(ctx, c.httpClient, http.MethodGet, endpoint, nil,
		http.Header{"Accept": {"application/json"}}, httputil.DefaultRetryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &SessionsResponse{UserID: userID}, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("session query failed with status %d: %s", resp.StatusCode, string(body))
	}

	var sessions SessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &sessions, nil
}
