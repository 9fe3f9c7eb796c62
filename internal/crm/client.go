package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"waflow/internal/config"
	"waflow/internal/constants"
	"waflow/internal/event"
	"waflow/internal/logger"
	"waflow/internal/storage"
	"waflow/pkg/circuitbreaker"
	"waflow/pkg/retry"
)

// Client is the HTTP adapter to the upstream application. Requests go
// through a circuit breaker; status-code classification feeds the retry
// policy of the queue consumer (4xx fatal, 5xx/network retryable).
type Client struct {
	baseURL  string
	apiToken string
	client   *http.Client
	cb       *circuitbreaker.Wrapper
	logger   logger.Logger
}

func NewClient(cfg config.CRMConfig, cbCfg config.CircuitBreakerConfig, log logger.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = constants.DefaultHTTPTimeout
	}

	c := &Client{
		baseURL:  cfg.BaseURL,
		apiToken: cfg.APIToken,
		client:   &http.Client{Timeout: timeout},
		logger:   log,
	}
	if cbCfg.Enabled {
		cb := circuitbreaker.DefaultConfig("crm")
		if cbCfg.MaxRequests > 0 {
			cb.MaxRequests = cbCfg.MaxRequests
		}
		if cbCfg.Interval > 0 {
			cb.Interval = cbCfg.Interval
		}
		if cbCfg.Timeout > 0 {
			cb.Timeout = cbCfg.Timeout
		}
		if cbCfg.FailureRatio > 0 {
			cb.FailureRatio = cbCfg.FailureRatio
		}
		if cbCfg.MinRequests > 0 {
			cb.MinRequests = cbCfg.MinRequests
		}
		c.cb = circuitbreaker.NewWrapper(cb)
	}
	return c
}

type ingestResponse struct {
	Persisted bool   `json:"persisted"`
	Reason    string `json:"reason,omitempty"`
}

func (c *Client) IngestNormalizedMessage(ctx context.Context, msg *event.NormalizedMessage) (bool, error) {
	var out ingestResponse
	status, err := c.post(ctx, "/internal/whatsapp/messages", "", msg, &out)
	if err != nil {
		return false, err
	}

	switch {
	case status >= constants.HTTPStatusOKMin && status < constants.HTTPStatusOKMax:
		return out.Persisted, nil
	case status == http.StatusUnprocessableEntity || status == http.StatusConflict:
		// Business-level rejection, not a transport failure.
		return false, nil
	case status >= 400 && status < 500:
		return false, retry.NewFatalError(fmt.Errorf("crm rejected ingest with status %d", status))
	default:
		return false, retry.NewRetryableError(fmt.Errorf("crm ingest failed with status %d", status))
	}
}

func (c *Client) ApplyAck(ctx context.Context, tenantID, messageID string, ack AckInput) (*storage.MessageRecord, error) {
	var record storage.MessageRecord
	path := fmt.Sprintf("/internal/whatsapp/messages/%s/ack", messageID)
	status, err := c.post(ctx, path, tenantID, ack, &record)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusNoContent || status == http.StatusNotFound:
		return nil, nil
	case status >= constants.HTTPStatusOKMin && status < constants.HTTPStatusOKMax:
		return &record, nil
	case status >= 400 && status < 500:
		return nil, retry.NewFatalError(fmt.Errorf("crm rejected ack with status %d", status))
	default:
		return nil, retry.NewRetryableError(fmt.Errorf("crm ack failed with status %d", status))
	}
}

func (c *Client) post(ctx context.Context, path, tenantID string, payload, out interface{}) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	do := func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return 0, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiToken)
		}
		if tenantID != "" {
			req.Header.Set(constants.HeaderTenant, tenantID)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return 0, retry.NewRetryableError(fmt.Errorf("crm request failed: %w", err))
		}
		defer resp.Body.Close()

		if out != nil && resp.StatusCode != http.StatusNoContent &&
			resp.StatusCode >= constants.HTTPStatusOKMin && resp.StatusCode < constants.HTTPStatusOKMax {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return resp.StatusCode, fmt.Errorf("failed to decode crm response: %w", err)
			}
		}
		return resp.StatusCode, nil
	}

	var (
		result interface{}
	)
	if c.cb != nil {
		result, err = c.cb.ExecuteWithContext(ctx, do)
		c.cb.RecordRequest(err == nil)
	} else {
		result, err = do()
	}
	if err != nil {
		return 0, err
	}

	status, ok := result.(int)
	if !ok {
		return 0, fmt.Errorf("crm client returned invalid result type")
	}
	return status, nil
}
