// Package records implements the REST client for the call record
// store: the backend service that persists call metadata (parties,
// kind, status, duration) and assigns session identifiers.
//
// The negotiator treats record updates as fire-and-forget: a failed
// update is logged, never allowed to block a state transition. Only the
// initial create is load-bearing, because it assigns the sessionId the
// invite carries.
package records

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Status is the lifecycle status persisted on a call record.
type Status string

const (
	StatusRinging  Status = "ringing"
	StatusAnswered Status = "answered"
	StatusMissed   Status = "missed"
	StatusRejected Status = "rejected"
	StatusBusy     Status = "busy"
	StatusEnded    Status = "ended"
)

// ErrStoreUnavailable indicates the record store rejected or failed a
// request.
var ErrStoreUnavailable = errors.New("call record store unavailable")

const defaultRequestTimeout = 5 * time.Second

// CreateRequest is the payload for persisting a new call record.
type CreateRequest struct {
	CallerID   string `json:"callerId"`
	ReceiverID string `json:"receiverId"`
	Kind       string `json:"kind"` // "audio" or "video"
}

// createResponse is the store's reply to a create request.
type createResponse struct {
	SessionID string `json:"sessionId"`
}

// updateRequest is the payload for a status update.
type updateRequest struct {
	Status          Status  `json:"status"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
}

// Client talks to the call record store over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a record store client for baseURL. A nil httpClient
// falls back to a default with a request timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
	}
}

// Create persists a new call record with status ringing and returns the
// assigned session identifier.
func (c *Client) Create(ctx context.Context, req CreateRequest) (string, error) {
	logrus.WithFields(logrus.Fields{
		"function":    "Create",
		"caller_id":   req.CallerID,
		"receiver_id": req.ReceiverID,
		"kind":        req.Kind,
	}).Debug("Creating call record")

	var resp createResponse
	if err := c.do(ctx, http.MethodPost, "/calls", req, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		// Older store deployments assign ids client-side.
		resp.SessionID = uuid.NewString()
		logrus.WithFields(logrus.Fields{
			"function":   "Create",
			"session_id": resp.SessionID,
		}).Debug("Store returned no session id, generated one locally")
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Create",
		"session_id": resp.SessionID,
	}).Info("Call record created")

	return resp.SessionID, nil
}

// UpdateStatus sets the record's final or intermediate status. Duration
// is only meaningful with StatusEnded and is ignored otherwise by the
// store.
func (c *Client) UpdateStatus(ctx context.Context, sessionID string, status Status, duration time.Duration) error {
	if sessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrStoreUnavailable)
	}

	req := updateRequest{Status: status}
	if status == StatusEnded && duration > 0 {
		req.DurationSeconds = duration.Seconds()
	}

	logrus.WithFields(logrus.Fields{
		"function":   "UpdateStatus",
		"session_id": sessionID,
		"status":     status,
		"duration":   duration,
	}).Debug("Updating call record status")

	return c.do(ctx, http.MethodPatch, "/calls/"+sessionID, req, nil)
}

// do executes one JSON request/response round trip against the store.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode record request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build record request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "do",
			"method":   method,
			"path":     path,
			"error":    err.Error(),
		}).Warn("Call record request failed")
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logrus.WithFields(logrus.Fields{
			"function": "do",
			"method":   method,
			"path":     path,
			"status":   resp.StatusCode,
		}).Warn("Call record store returned error status")
		return fmt.Errorf("%w: status %d", ErrStoreUnavailable, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: bad response body: %v", ErrStoreUnavailable, err)
	}
	return nil
}
