// Package remote implements the HTTP client for the central sync server:
// the per-entity sync endpoint, the duplicate-check endpoint, and the
// reachability probe.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/field-sync/field-sync/internal/queue"
	"github.com/field-sync/field-sync/internal/syncerr"
)

// Client talks to the sync server
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// NewClient creates a sync server client. The timeout bounds every call;
// a timed-out dispatch is treated as a network failure and retried.
func NewClient(baseURL, authToken string, timeout time.Duration) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http:      &http.Client{Timeout: timeout},
	}
}

// syncRequest is the body of POST /sync/{entityType}
type syncRequest struct {
	ID          string          `json:"id"` // idempotency key
	Type        string          `json:"type"`
	ScopeKey    string          `json:"scope_key"`
	Payload     json.RawMessage `json:"payload"`
	ContentHash string          `json:"content_hash,omitempty"`
	Forced      bool            `json:"forced,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// dedupRequest is the body of POST /sync/dedup-check
type dedupRequest struct {
	ContentHash string `json:"contentHash"`
	ScopeKey    string `json:"scopeKey"`
}

// dedupResponse is the server's duplicate-check answer
type dedupResponse struct {
	Duplicate  bool   `json:"duplicate"`
	ExistingID string `json:"existingId,omitempty"`
}

// SyncOperation delivers one queued mutation to the server. The
// operation id travels as the idempotency key, so replaying a call whose
// acknowledgment was lost is a server-side no-op.
func (c *Client) SyncOperation(ctx context.Context, op *queue.Operation) error {
	body, err := json.Marshal(syncRequest{
		ID:          op.ID,
		Type:        string(op.Type),
		ScopeKey:    op.ScopeKey,
		Payload:     op.Payload,
		ContentHash: op.ContentHash,
		Forced:      op.Forced,
		CreatedAt:   op.CreatedAt,
	})
	if err != nil {
		return syncerr.Wrap(syncerr.CodeValidation, err, "failed to encode operation %s", op.ID)
	}

	url := fmt.Sprintf("%s/sync/%s", c.baseURL, op.EntityType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return syncerr.Wrap(syncerr.CodeTransient, err, "failed to build sync request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", op.ID)
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeTransient, err, "sync call failed for operation %s", op.ID)
	}
	defer resp.Body.Close()

	return classifyResponse(resp, op.ID)
}

// DedupCheck asks the server whether content already exists in a scope
func (c *Client) DedupCheck(ctx context.Context, contentHash, scopeKey string) (bool, string, error) {
	body, err := json.Marshal(dedupRequest{ContentHash: contentHash, ScopeKey: scopeKey})
	if err != nil {
		return false, "", syncerr.Wrap(syncerr.CodeValidation, err, "failed to encode dedup check")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/sync/dedup-check", bytes.NewReader(body))
	if err != nil {
		return false, "", syncerr.Wrap(syncerr.CodeTransient, err, "failed to build dedup request")
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, "", syncerr.Wrap(syncerr.CodeTransient, err, "dedup check call failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, "", classifyResponse(resp, "")
	}

	var out dedupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, "", syncerr.Wrap(syncerr.CodeTransient, err, "failed to decode dedup response")
	}
	return out.Duplicate, out.ExistingID, nil
}

// Ping probes server reachability for the connectivity monitor
func (c *Client) Ping(ctx context.Context, path string) error {
	if path == "" {
		path = "/healthz"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("server unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// classifyResponse maps HTTP status codes onto the retry taxonomy:
// 2xx success, 4xx terminal validation failure, 5xx transient
func classifyResponse(resp *http.Response, opID string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := serverMessage(resp)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return syncerr.New(syncerr.CodeValidation, "server rejected operation %s: %s (%s)",
			opID, msg, resp.Status)
	}
	return syncerr.New(syncerr.CodeTransient, "server error for operation %s: %s (%s)",
		opID, msg, resp.Status)
}

// serverMessage extracts the error message from a response body, which
// is surfaced to the user for terminal validation failures
func serverMessage(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(data) == 0 {
		return resp.Status
	}

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(data))
}
