// Package ingest pushes observability events to a Langfuse-compatible
// batch ingestion endpoint.
//
// Delivery is best-effort and at-most-once: a failed or timed-out push
// is logged and dropped, never retried within a hook. The response's
// successes list is the authoritative count of accepted events even
// when the HTTP status reports partial failure.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// Event types accepted by the ingestion endpoint.
const (
	TypeTraceCreate      = "trace-create"
	TypeTraceUpdate      = "trace-update"
	TypeSpanCreate       = "span-create"
	TypeGenerationCreate = "generation-create"
)

// ErrDisabled marks a client with no credentials configured.
var ErrDisabled = errors.New("ingest: no credentials configured")

// Event is one envelope in an ingestion batch.
type Event struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	Body      map[string]any `json:"body"`
}

// NewEvent wraps a body in an envelope with a fresh ULID and timestamp.
func NewEvent(eventType string, body map[string]any) Event {
	return Event{
		ID:        ulid.Make().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Type:      eventType,
		Body:      body,
	}
}

// Client posts batches to {BaseURL}/api/public/ingestion with basic auth.
type Client struct {
	BaseURL   string
	PublicKey string
	SecretKey string

	HTTPClient *http.Client
}

// NewClient returns a configured client. Timeout bounds the whole push.
func NewClient(baseURL, publicKey, secretKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL:    baseURL,
		PublicKey:  publicKey,
		SecretKey:  secretKey,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether the client has credentials to push with.
func (c *Client) Enabled() bool {
	return c != nil && c.PublicKey != "" && c.SecretKey != ""
}

type batchRequest struct {
	Batch []Event `json:"batch"`
}

type ingestionItem struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
}

type ingestionError struct {
	ID      string `json:"id"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

type batchResponse struct {
	Successes []ingestionItem  `json:"successes"`
	Errors    []ingestionError `json:"errors"`
}

// Push sends a batch. It returns whether the request round-tripped and
// how many events the server acknowledged. An empty batch is a no-op
// success. The secret key is never logged.
func (c *Client) Push(ctx context.Context, events []Event) (bool, int) {
	if len(events) == 0 {
		return true, 0
	}
	if !c.Enabled() {
		log.Debug().Msg("Ingest disabled, dropping batch")
		return false, 0
	}

	payload, err := json.Marshal(batchRequest{Batch: events})
	if err != nil {
		log.Warn().Err(err).Msg("Ingest batch marshal failed")
		return false, 0
	}

	url := c.BaseURL + "/api/public/ingestion"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		log.Warn().Err(err).Msg("Ingest request build failed")
		return false, 0
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.PublicKey, c.SecretKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", c.BaseURL).Int("events", len(events)).
			Msg("Ingest push failed")
		return false, 0
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		log.Warn().Err(err).Msg("Ingest response read failed")
		return false, 0
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// 207 carries a parseable body; anything else is a hard failure.
		if resp.StatusCode != http.StatusMultiStatus {
			log.Warn().Int("status", resp.StatusCode).Int("events", len(events)).
				Msg("Ingest push rejected")
			return false, 0
		}
	}

	var parsed batchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		log.Warn().Err(err).Int("status", resp.StatusCode).Msg("Ingest response unparseable")
		return false, 0
	}
	for _, e := range parsed.Errors {
		log.Warn().Str("event_id", e.ID).Int("status", e.Status).Str("message", e.Message).
			Msg("Ingest event rejected")
	}

	acked := len(parsed.Successes)
	log.Debug().Int("sent", len(events)).Int("acked", acked).Msg("Ingest push complete")
	return true, acked
}

// Validate checks the minimum a client needs before first use.
func (c *Client) Validate() error {
	if !c.Enabled() {
		return ErrDisabled
	}
	if c.BaseURL == "" {
		return fmt.Errorf("ingest: base URL required")
	}
	return nil
}
