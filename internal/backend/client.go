// Package backend implements the remote sync contract: batched mutation
// pushes, watermark-based pulls, a health probe, and the realtime
// change-feed listener.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	apperrors "github.com/fjg67/IT-Inventory-sub000/internal/errors"
	"github.com/fjg67/IT-Inventory-sub000/internal/models"
)

const (
	// requestTimeout bounds one push or pull round trip.
	requestTimeout = 30 * time.Second

	// maxErrorBody caps how much of an error response is read when
	// extracting the server-provided reason.
	maxErrorBody = 64 * 1024
)

// PushItem is one mutation in a push batch, in client sequence order.
type PushItem struct {
	Seq            uint64          `json:"seq"`
	LocalID        string          `json:"local_id"`
	Op             models.Op       `json:"op"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	BaseRevision   int64           `json:"base_revision"`
}

// PushOutcome is the backend's per-mutation verdict.
type PushOutcome struct {
	Seq      uint64 `json:"seq"`
	LocalID  string `json:"local_id"`
	Accepted bool   `json:"accepted"`

	// Set when accepted.
	RemoteID string `json:"remote_id,omitempty"`
	Revision int64  `json:"revision,omitempty"`

	// Set when not accepted. Retryable distinguishes a transient
	// server-side failure from a validation rejection.
	Retryable    bool   `json:"retryable,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// RemoteChange is one entity change pulled from the backend. LocalID is
// the client-origin identifier echoed back when the backend knows it;
// changes created by other devices carry only a RemoteID.
type RemoteChange struct {
	RemoteID  string          `json:"remote_id"`
	LocalID   string          `json:"local_id,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`
	Revision  int64           `json:"revision"`
	UpdatedAt time.Time       `json:"updated_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PullResponse carries ordered changes since the requested watermark and
// the watermark to record once they are all applied.
type PullResponse struct {
	Changes   []RemoteChange `json:"changes"`
	Watermark int64          `json:"watermark"`
}

// HTTPClient talks to the sync backend over its JSON HTTP contract.
type HTTPClient struct {
	baseURL string
	apiKey  string
	device  string
	http    *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a backend client. baseURL carries the scheme and
// host, without a trailing slash.
func NewHTTPClient(baseURL, apiKey, device string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		device:  device,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

type pushRequest struct {
	Device    string     `json:"device"`
	Mutations []PushItem `json:"mutations"`
}

type pushResponse struct {
	Outcomes []PushOutcome `json:"outcomes"`
}

// PushBatch sends one ordered batch of mutations for an entity type and
// returns the per-mutation outcomes. A non-2xx response is a batch-level
// failure classified by its status code; per-mutation verdicts arrive in
// the outcomes of a 200.
func (c *HTTPClient) PushBatch(ctx context.Context, entity models.EntityType, items []PushItem) ([]PushOutcome, error) {
	body, err := json.Marshal(pushRequest{Device: c.device, Mutations: items})
	if err != nil {
		return nil, fmt.Errorf("encoding push request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/sync/%s/push", c.baseURL, entity)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building push request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pushing %s batch: %w", entity, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError("push", resp)
	}

	var decoded pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding push response: %w", err)
	}

	c.logger.Debug("push batch completed",
		slog.String("entity", string(entity)),
		slog.Int("sent", len(items)),
		slog.Int("outcomes", len(decoded.Outcomes)),
	)

	return decoded.Outcomes, nil
}

// Pull requests remote changes for an entity type since the given
// watermark.
func (c *HTTPClient) Pull(ctx context.Context, entity models.EntityType, since int64) (PullResponse, error) {
	endpoint := fmt.Sprintf("%s/sync/%s/changes?since=%s",
		c.baseURL, entity, url.QueryEscape(strconv.FormatInt(since, 10)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return PullResponse{}, fmt.Errorf("building pull request: %w", err)
	}

	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return PullResponse{}, fmt.Errorf("pulling %s changes: %w", entity, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PullResponse{}, c.statusError("pull", resp)
	}

	var decoded PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return PullResponse{}, fmt.Errorf("decoding pull response: %w", err)
	}

	return decoded, nil
}

// Health performs a cheap reachability round trip.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}

	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError("health", resp)
	}

	return nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Device", c.device)
}

// statusError maps a non-2xx response to the error taxonomy. The body is
// parsed tolerantly: backends wrap the reason in different envelopes
// ("error", "message", "msg"), and an HTML error page must not break
// classification.
func (c *HTTPClient) statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	reason := firstNonEmpty(
		gjson.GetBytes(body, "error").Str,
		gjson.GetBytes(body, "message").Str,
		gjson.GetBytes(body, "msg").Str,
	)
	code := gjson.GetBytes(body, "code").Str

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %s: %w", op, reason, apperrors.ErrAuth)
	case resp.StatusCode == http.StatusConflict && code == "schema_mismatch":
		return fmt.Errorf("%s: %s: %w", op, reason, apperrors.ErrSchemaMismatch)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		if reason == "" {
			reason = resp.Status
		}

		return fmt.Errorf("%s: %w", op, &apperrors.RejectedError{Code: code, Reason: reason})
	default:
		// 5xx and anything unexpected stays retryable.
		return fmt.Errorf("%s failed with status %d", op, resp.StatusCode)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
