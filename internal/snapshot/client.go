// Package snapshot fetches the last externally known version of an order,
// used as the baseline for change analysis.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/order-intake/backend/pkg/logger"
	"github.com/order-intake/backend/pkg/retry"
)

type Snapshot struct {
	ExternalID string          `json:"external_id"`
	Data       json.RawMessage `json:"data"`
	FetchedAt  time.Time       `json:"fetched_at"`
}

type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	retryConfig retry.Config
}

// errServer marks responses worth retrying.
var errServer = errors.New("snapshot server error")

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retryConfig: retry.Config{
			MaxAttempts:     3,
			InitialDelay:    200 * time.Millisecond,
			MaxDelay:        2 * time.Second,
			Multiplier:      2.0,
			JitterFraction:  0.1,
			RetryableErrors: []error{errServer},
			Logger:          logger.GetLogger(),
		},
	}
}

// FetchSnapshot returns the stored order for externalID, or nil when the
// source has never seen it.
func (c *Client) FetchSnapshot(ctx context.Context, externalID string) (*Snapshot, error) {
	if externalID == "" {
		return nil, nil
	}

	endpoint := fmt.Sprintf("%s/orders/%s", c.baseURL, url.PathEscape(externalID))

	var snap *Snapshot
	err := retry.Do(ctx, c.retryConfig, func() error {
		var err error
		snap, err = c.fetch(ctx, endpoint, externalID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if snap != nil {
		logger.Debug("Snapshot fetched", zap.String("external_id", externalID), zap.Int("size", len(snap.Data)))
	}
	return snap, nil
}

func (c *Client) fetch(ctx context.Context, endpoint, externalID string) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errServer, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", errServer, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("snapshot returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		return nil, fmt.Errorf("snapshot for %s is not valid JSON", externalID)
	}

	return &Snapshot{
		ExternalID: externalID,
		Data:       json.RawMessage(body),
		FetchedAt:  time.Now().UTC(),
	}, nil
}
