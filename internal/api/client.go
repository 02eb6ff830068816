// Package api provides the HTTP client for the remote maintenance platform's
// bulk sync endpoint.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/heliosmaint/fieldsync/internal/errors"
	"github.com/heliosmaint/fieldsync/internal/models"
)

// BulkOperation is one queued operation as it appears on the wire. The
// payload fields are flattened next to operation_type rather than nested.
type BulkOperation struct {
	OperationType models.OperationType
	Payload       json.RawMessage
}

// MarshalJSON flattens the payload into the operation object:
// {"operation_type": ..., <payload fields>}.
func (o BulkOperation) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{})
	if len(o.Payload) > 0 {
		if err := json.Unmarshal(o.Payload, &flat); err != nil {
			return nil, fmt.Errorf("failed to flatten operation payload: %w", err)
		}
	}
	flat["operation_type"] = o.OperationType
	return json.Marshal(flat)
}

// BulkSyncRequest is the body of one bulk sync POST.
type BulkSyncRequest struct {
	Operations []BulkOperation    `json:"operations"`
	EngineerID int64              `json:"engineer_id"`
	DeviceInfo *models.DeviceInfo `json:"device_info,omitempty"`
}

// AckEntry is one per-operation outcome in a bulk sync response, keyed by the
// idempotency token. Servers may attach extra fields; only the token and the
// error message matter for reconciliation.
type AckEntry struct {
	SyncUUID models.UUID `json:"sync_uuid"`
	Error    string      `json:"error,omitempty"`
}

// BulkSyncResult partitions the submitted operations into acknowledged and
// rejected sets. The response carries no positional correspondence with the
// request; entries are matched by token.
type BulkSyncResult struct {
	Successful []AckEntry `json:"successful"`
	Failed     []AckEntry `json:"failed"`
}

// Client is the remote authority the sync manager talks to.
type Client interface {
	// SyncOffline submits queued operations in bulk. A non-nil error means
	// the whole request failed and no per-operation outcome is known.
	SyncOffline(ctx context.Context, req *BulkSyncRequest) (*BulkSyncResult, error)

	// Health probes the remote endpoint for reachability.
	Health(ctx context.Context) error
}

// HTTPClient implements Client over net/http.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates an HTTPClient for the given API base URL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SyncOffline implements Client.
func (c *HTTPClient) SyncOffline(ctx context.Context, req *BulkSyncRequest) (*BulkSyncResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "failed to encode bulk sync request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync-offline/", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, "failed to build bulk sync request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, "bulk sync request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read a little of the body for the log line, then discard.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.New(errors.ErrNetwork,
			fmt.Sprintf("bulk sync returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	var result BulkSyncResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, "failed to decode bulk sync response", err)
	}
	return &result, nil
}

// Health implements Client.
func (c *HTTPClient) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health/", nil)
	if err != nil {
		return errors.Wrap(errors.ErrNetwork, "failed to build health request", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrap(errors.ErrNetwork, "health probe failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.New(errors.ErrNetwork, fmt.Sprintf("health probe returned status %d", resp.StatusCode))
	}
	return nil
}
