// Package backend is the REST client for the call-record store.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxops/call-reconciler/internal/observability"
	"github.com/voxops/call-reconciler/internal/resilience"
	"github.com/voxops/call-reconciler/internal/transcript"
)

// WelcomeConfig is the optional greeting the agent speaks when the call
// connects.
type WelcomeConfig struct {
	Message string `json:"message,omitempty"`
}

// SessionCredentials is the backend's response to a session start request:
// everything needed to join the media room plus the call record correlation
// id.
type SessionCredentials struct {
	TransportURL          string `json:"transportUrl"`
	Token                 string `json:"token"`
	RoomName              string `json:"roomName"`
	CallID                string `json:"callId"`
	ExpectedAgentIdentity string `json:"expectedAgentIdentity,omitempty"`
}

type startSessionRequest struct {
	AgentID string         `json:"agentId"`
	Welcome *WelcomeConfig `json:"welcome,omitempty"`
}

type endCallRequest struct {
	Outcome    string            `json:"outcome"`
	Transcript []transcript.Item `json:"transcript"`
}

// Client talks to the backend call-record store.
type Client struct {
	baseURL string
	http    *http.Client
	retry   *resilience.RetryConfig
	logger  zerolog.Logger
}

// NewClient creates a backend client. retry governs the session start path
// only; end-call is best-effort single shot.
func NewClient(baseURL string, timeout time.Duration, retry *resilience.RetryConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		retry:   retry,
		logger:  observability.GetLogger().With().Str("component", "backend").Logger(),
	}
}

// StartSession requests media-room credentials for a new call with the given
// agent. Transient network failures and backend 5xx responses are retried
// with exponential backoff.
func (c *Client) StartSession(ctx context.Context, agentID string, welcome *WelcomeConfig) (*SessionCredentials, error) {
	body, err := json.Marshal(startSessionRequest{AgentID: agentID, Welcome: welcome})
	if err != nil {
		return nil, fmt.Errorf("failed to encode start request: %w", err)
	}

	var creds *SessionCredentials
	err = resilience.Retry(ctx, func() error {
		start := time.Now()
		got, reqErr := c.postJSON(ctx, c.baseURL+"/sessions", body)
		observability.RecordBackendRequest("start_session", reqErr, time.Since(start))
		if reqErr != nil {
			return reqErr
		}
		var out SessionCredentials
		if decErr := json.Unmarshal(got, &out); decErr != nil {
			return fmt.Errorf("failed to decode start response: %w", decErr)
		}
		creds = &out
		return nil
	}, c.retry, resilience.IsRetryableNetworkError)
	if err != nil {
		return nil, err
	}

	if creds.CallID == "" || creds.TransportURL == "" {
		return nil, fmt.Errorf("backend returned incomplete session credentials (callId=%q)", creds.CallID)
	}

	return creds, nil
}

// EndCall closes out a call record with its outcome and transcript snapshot.
// Single shot: the caller treats failure as best-effort sync loss, never as
// a reason to keep the session open.
func (c *Client) EndCall(ctx context.Context, callID, outcome string, items []transcript.Item) error {
	if items == nil {
		items = []transcript.Item{}
	}
	body, err := json.Marshal(endCallRequest{Outcome: outcome, Transcript: items})
	if err != nil {
		return fmt.Errorf("failed to encode end request: %w", err)
	}

	start := time.Now()
	_, err = c.postJSON(ctx, fmt.Sprintf("%s/calls/%s/end", c.baseURL, callID), body)
	observability.RecordBackendRequest("end_call", err, time.Since(start))
	return err
}

// Ping probes backend reachability for the readiness endpoint. Any HTTP
// response counts; only transport-level failures don't.
func (c *Client) Ping(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	return true, nil
}

func (c *Client) postJSON(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read backend response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		// phrased so the retry predicate classifies it as transient
		return nil, fmt.Errorf("backend returned server error (status %d)", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("backend rejected request (status %d): %s", resp.StatusCode, truncate(data, 200))
	}

	return data, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
