package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"waflow/internal/config"
	"waflow/internal/constants"
	"waflow/internal/logger"
	"waflow/pkg/circuitbreaker"
)

// FetchResult is one page of the broker's event log.
type FetchResult struct {
	Events     []map[string]interface{} `json:"events"`
	NextCursor string                   `json:"nextCursor"`
}

// EventSource is the pull side of the broker integration, consumed by the
// cursor poller.
type EventSource interface {
	FetchEvents(ctx context.Context, cursor string, limit int) (*FetchResult, error)
}

// Client talks to the broker's HTTP API. The fetch call is wrapped in a
// circuit breaker so a flapping broker degrades to skipped poller ticks
// instead of piling up timed-out requests.
type Client struct {
	baseURL  string
	apiToken string
	client   *http.Client
	breaker  *circuitbreaker.Wrapper
	logger   logger.Logger
}

func NewClient(cfg config.BrokerConfig, log logger.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = constants.DefaultBrokerTimeout
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		apiToken: cfg.APIToken,
		client:   &http.Client{Timeout: timeout},
		breaker:  circuitbreaker.NewWrapper(circuitbreaker.DefaultConfig("broker")),
		logger:   log,
	}
}

// FetchEvents pulls events after the given cursor. An empty cursor starts
// from the broker's current tail position.
func (c *Client) FetchEvents(ctx context.Context, cursor string, limit int) (*FetchResult, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, cursor, limit)
	})
	if err != nil {
		return nil, err
	}
	return result.(*FetchResult), nil
}

func (c *Client) fetch(ctx context.Context, cursor string, limit int) (*FetchResult, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	endpoint := c.baseURL + "/events"
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broker request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < constants.HTTPStatusOKMin || resp.StatusCode >= constants.HTTPStatusOKMax {
		return nil, fmt.Errorf("broker returned status: %d", resp.StatusCode)
	}

	var result FetchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode broker response: %w", err)
	}
	return &result, nil
}
