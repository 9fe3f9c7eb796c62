package webhook

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"waflow/internal/config"
	"waflow/internal/logger"
	"waflow/pkg/errors"
	"waflow/pkg/logging"
	"waflow/pkg/metrics"
)

// Handler owns the webhook ingress endpoints. Auth gates run before any JSON
// work; event outcomes never change the HTTP status, since the broker
// considers the webhook delivered once it got a 2xx.
type Handler struct {
	cfg        config.WebhookConfig
	dispatcher *Dispatcher
	logger     logger.Logger
}

func NewHandler(cfg config.WebhookConfig, dispatcher *Dispatcher, log logger.Logger) *Handler {
	return &Handler{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     log,
	}
}

// Receive handles POST deliveries: a single event object or {events:[...]}.
func (h *Handler) Receive(c *gin.Context) {
	start := time.Now()

	body, err := c.GetRawData()
	if err != nil {
		h.reject(c, start, errors.ErrInvalidWebhookJSON, "unreadable_body")
		return
	}

	if !VerifyAPIKey(h.cfg.APIKey, c.Request.Header) {
		h.reject(c, start, errors.ErrInvalidAPIKey, "invalid_api_key")
		return
	}
	if h.cfg.SignatureSecret != "" && !VerifySignature(h.cfg.SignatureSecret, h.cfg.EnforceSignature, c.Request.Header, body) {
		h.reject(c, start, errors.ErrInvalidSignature, "invalid_signature")
		return
	}

	events, err := decodeEvents(body)
	if err != nil {
		h.reject(c, start, errors.ErrInvalidWebhookJSON, "invalid_json")
		return
	}

	if len(events) == 0 {
		c.JSON(http.StatusOK, gin.H{"received": 0, "persisted": 0})
		metrics.ObserveWebhookDuration(time.Since(start), strconv.Itoa(http.StatusOK))
		return
	}

	ctx := c.Request.Context()
	if requestID := c.GetString("request_id"); requestID != "" {
		ctx = logging.WithTraceID(ctx, requestID)
	}

	accepted := 0
	for _, raw := range events {
		if h.dispatcher.Dispatch(ctx, raw, "webhook") {
			accepted++
		}
	}

	h.logger.DebugwCtx(ctx, "Webhook batch handled",
		"received", len(events),
		"accepted", accepted,
	)

	c.Status(http.StatusNoContent)
	metrics.ObserveWebhookDuration(time.Since(start), strconv.Itoa(http.StatusNoContent))
}

// Verify handles the GET subscription handshake: echo hub.challenge when the
// verify token matches, otherwise a fixed body with 200.
func (h *Handler) Verify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && h.cfg.VerifyToken != "" && token == h.cfg.VerifyToken && challenge != "" {
		c.String(http.StatusOK, challenge)
		return
	}
	c.String(http.StatusOK, "whatsapp webhook")
}

func (h *Handler) reject(c *gin.Context, start time.Time, appErr *errors.Error, reason string) {
	metrics.WebhookRequestsRejectedTotal.WithLabelValues(reason).Inc()
	metrics.ObserveWebhookDuration(time.Since(start), strconv.Itoa(appErr.Status))
	c.JSON(appErr.Status, errors.ToErrorResponse(appErr))
}

// decodeEvents accepts either a bare event object or an {events:[...]}
// batch envelope.
func decodeEvents(body []byte) ([]map[string]interface{}, error) {
	if len(body) == 0 {
		return nil, nil
	}

	var envelope map[string]interface{}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}

	list, ok := envelope["events"].([]interface{})
	if !ok {
		return []map[string]interface{}{envelope}, nil
	}

	events := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			events = append(events, m)
		}
	}
	return events, nil
}
