package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waflow/internal/ack"
	"waflow/internal/config"
	"waflow/internal/crm"
	"waflow/internal/event"
	"waflow/internal/idempotency"
	"waflow/internal/logger"
	"waflow/internal/poll"
	"waflow/internal/queue"
	"waflow/internal/storage"
	pkgerrors "waflow/pkg/errors"
)

type staticResolver struct {
	mu       sync.Mutex
	observed map[string]string
}

func (r *staticResolver) Resolve(context.Context, string) (string, string) {
	return "inst-1", "tenant-1"
}

func (r *staticResolver) Observe(_ context.Context, brokerID, tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.observed == nil {
		r.observed = make(map[string]string)
	}
	r.observed[brokerID] = tenantID
}

func (r *staticResolver) observedTenant(brokerID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observed[brokerID]
}

type nullStore struct{}

func (nullStore) FindByExternalID(context.Context, string, string) (*storage.MessageRecord, error) {
	return nil, pkgerrors.ErrNotFound
}

func (nullStore) FindPollVoteCandidate(context.Context, string, string, string) (*storage.MessageRecord, error) {
	return nil, pkgerrors.ErrNotFound
}

func (nullStore) FindAckCandidate(context.Context, string, string) (*storage.MessageRecord, error) {
	return nil, pkgerrors.ErrNotFound
}

func (nullStore) UpdateMessage(context.Context, *storage.MessageRecord) error { return nil }

type recordingCollaborator struct {
	mu       sync.Mutex
	messages []*event.NormalizedMessage
}

func (r *recordingCollaborator) IngestNormalizedMessage(_ context.Context, msg *event.NormalizedMessage) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return true, nil
}

func (r *recordingCollaborator) ApplyAck(context.Context, string, string, crm.AckInput) (*storage.MessageRecord, error) {
	return nil, nil
}

func (r *recordingCollaborator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

type handlerFixture struct {
	router   *gin.Engine
	queue    *queue.Queue
	crm      *recordingCollaborator
	resolver *staticResolver
}

func newHandlerFixture(t *testing.T, cfg config.WebhookConfig) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.NopLogger()
	collaborator := &recordingCollaborator{}

	q := queue.New(context.Background(), func(ctx context.Context, job queue.Job) error {
		_, err := collaborator.IngestNormalizedMessage(ctx, job.Message)
		return err
	}, log)

	parser := event.NewParser()
	resolver := &staticResolver{}
	normalizer := event.NewNormalizer(resolver, cfg.DefaultInstance, log)
	guard := idempotency.NewMemoryCache(time.Minute)
	reconciler := ack.NewReconciler(nullStore{}, guard, collaborator, log)

	bus := poll.NewBus()
	rewriter := poll.NewRewriter(nullStore{}, poll.NewMemoryRepository(), collaborator, poll.ImmediateScheduler{}, bus, 0, log)
	polls := poll.NewPipeline(poll.NewMemoryRepository(), guard, rewriter, bus, parser, log)

	dispatcher := NewDispatcher(parser, normalizer, resolver, guard, reconciler, polls, q, log)
	handler := NewHandler(cfg, dispatcher, log)

	router := gin.New()
	router.POST("/webhooks/whatsapp", handler.Receive)
	router.GET("/webhooks/whatsapp", handler.Verify)

	return &handlerFixture{router: router, queue: q, crm: collaborator, resolver: resolver}
}

func (f *handlerFixture) post(body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func contractBody(id string) []byte {
	return []byte(`{
		"type": "MESSAGE_INBOUND",
		"id": "` + id + `",
		"instanceId": "inst-1",
		"tenantId": "tenant-1",
		"timestamp": 1718000000,
		"contact": {"phone": "5511999990000", "name": "Ana"},
		"message": {"type": "text", "body": "oi"}
	}`)
}

func TestReceiveAcceptsSignedContractEvent(t *testing.T) {
	cfg := config.WebhookConfig{SignatureSecret: "unit-secret", EnforceSignature: true}
	f := newHandlerFixture(t, cfg)

	body := contractBody("msg-1")
	w := f.post(body, map[string]string{
		"x-signature-sha256": Sign("unit-secret", body),
	})

	assert.Equal(t, http.StatusNoContent, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.queue.WaitForIdle(ctx))
	assert.Equal(t, 1, f.crm.count())
}

func TestReceiveRejectsInvalidSignature(t *testing.T) {
	cfg := config.WebhookConfig{SignatureSecret: "unit-secret", EnforceSignature: true}
	f := newHandlerFixture(t, cfg)

	w := f.post(contractBody("msg-1"), map[string]string{
		"x-signature-sha256": "deadbeef",
	})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, f.crm.count())
}

func TestReceiveRejectsMissingSignatureWhenEnforced(t *testing.T) {
	cfg := config.WebhookConfig{SignatureSecret: "unit-secret", EnforceSignature: true}
	f := newHandlerFixture(t, cfg)

	w := f.post(contractBody("msg-1"), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestReceiveRejectsWrongAPIKey(t *testing.T) {
	cfg := config.WebhookConfig{APIKey: "k-123"}
	f := newHandlerFixture(t, cfg)

	w := f.post(contractBody("msg-1"), map[string]string{"x-api-key": "k-999"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "INVALID_API_KEY", resp["error_code"])
}

func TestReceiveRejectsMalformedJSON(t *testing.T) {
	f := newHandlerFixture(t, config.WebhookConfig{})

	w := f.post([]byte(`{"events":`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "INVALID_WEBHOOK_JSON", resp["error_code"])
}

func TestReceiveEmptyBatchReturnsCounts(t *testing.T) {
	f := newHandlerFixture(t, config.WebhookConfig{})

	w := f.post([]byte(`{"events":[]}`), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":0,"persisted":0}`, w.Body.String())
}

func TestReceiveBatchFansOutEveryEvent(t *testing.T) {
	f := newHandlerFixture(t, config.WebhookConfig{})

	batch := []byte(`{"events":[` +
		string(contractBody("msg-1")) + `,` +
		string(contractBody("msg-2")) + `]}`)
	w := f.post(batch, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.queue.WaitForIdle(ctx))
	assert.Equal(t, 2, f.crm.count())
}

func TestReceiveDuplicateDeliveryIsAbsorbed(t *testing.T) {
	f := newHandlerFixture(t, config.WebhookConfig{})

	body := contractBody("msg-1")
	assert.Equal(t, http.StatusNoContent, f.post(body, nil).Code)
	assert.Equal(t, http.StatusNoContent, f.post(body, nil).Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.queue.WaitForIdle(ctx))
	assert.Equal(t, 1, f.crm.count(), "redelivery dedupes on the idempotency key")
}

func TestReceiveLegacyEventRecordsInstanceMapping(t *testing.T) {
	f := newHandlerFixture(t, config.WebhookConfig{})

	body := []byte(`{
		"event": "message",
		"tenantId": "tenant-7",
		"instanceId": "broker-session-42",
		"key": {"id": "msg-77"},
		"from": "5511988887777",
		"message": {"type": "text", "body": "oi"}
	}`)
	w := f.post(body, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.queue.WaitForIdle(ctx))
	assert.Equal(t, "tenant-7", f.resolver.observedTenant("broker-session-42"),
		"tenant-attributed events register their broker instance")
}

func TestReceiveUnrecognizedEventStillReturns204(t *testing.T) {
	f := newHandlerFixture(t, config.WebhookConfig{})

	w := f.post([]byte(`{"something":"else"}`), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, f.crm.count())
}

func TestVerifyEchoesChallenge(t *testing.T) {
	f := newHandlerFixture(t, config.WebhookConfig{VerifyToken: "tok-1"})

	req := httptest.NewRequest(http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=tok-1&hub.challenge=challenge-42", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "challenge-42", w.Body.String())
}

func TestVerifyWrongTokenGetsDefaultBody(t *testing.T) {
	f := newHandlerFixture(t, config.WebhookConfig{VerifyToken: "tok-1"})

	req := httptest.NewRequest(http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=challenge-42", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "whatsapp webhook", w.Body.String())
}
