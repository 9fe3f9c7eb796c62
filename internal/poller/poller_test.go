package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waflow/internal/broker"
	"waflow/internal/config"
	"waflow/internal/constants"
	"waflow/internal/logger"
)

type fakeSource struct {
	mu      sync.Mutex
	batches []*broker.FetchResult
	errs    []error
	calls   []string
}

func (s *fakeSource) FetchEvents(_ context.Context, cursor string, _ int) (*broker.FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, cursor)
	idx := len(s.calls) - 1
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	if idx < len(s.batches) {
		return s.batches[idx], nil
	}
	return &broker.FetchResult{NextCursor: cursor}, nil
}

type dispatchRecorder struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (d *dispatchRecorder) dispatch(_ context.Context, raw map[string]interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, raw)
}

func newTestPoller(source *fakeSource, cursors CursorRepository, rec *dispatchRecorder) *Poller {
	return New(source, cursors, rec.dispatch,
		config.PollerConfig{Enabled: true, Interval: 10 * time.Millisecond, Limit: 50},
		config.BrokerConfig{TransportMode: constants.TransportModeBroker},
		logger.NopLogger(),
	)
}

func TestIterateAdvancesCursorAfterHandoff(t *testing.T) {
	source := &fakeSource{batches: []*broker.FetchResult{
		{
			Events:     []map[string]interface{}{{"id": "evt-1"}, {"id": "evt-2"}},
			NextCursor: "cursor-2",
		},
	}}
	cursors := NewMemoryCursorRepository()
	rec := &dispatchRecorder{}
	p := newTestPoller(source, cursors, rec)

	next := p.iterate(context.Background(), "")

	assert.Equal(t, "cursor-2", next)
	assert.Len(t, rec.events, 2)

	stored, err := cursors.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cursor-2", stored)
}

func TestIterateKeepsCursorOnFetchError(t *testing.T) {
	source := &fakeSource{errs: []error{errors.New("broker down")}}
	cursors := NewMemoryCursorRepository()
	require.NoError(t, cursors.Store(context.Background(), "cursor-7"))
	rec := &dispatchRecorder{}
	p := newTestPoller(source, cursors, rec)

	next := p.iterate(context.Background(), "cursor-7")

	assert.Equal(t, "cursor-7", next)
	assert.Empty(t, rec.events)

	stored, err := cursors.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cursor-7", stored)
}

func TestIterateEmptyBatchDoesNotPersist(t *testing.T) {
	source := &fakeSource{batches: []*broker.FetchResult{
		{NextCursor: "cursor-1"},
	}}
	cursors := NewMemoryCursorRepository()
	rec := &dispatchRecorder{}
	p := newTestPoller(source, cursors, rec)

	// An empty batch with a moved cursor still advances: the broker skipped
	// a gap and resuming behind it would refetch nothing forever.
	next := p.iterate(context.Background(), "")
	assert.Equal(t, "cursor-1", next)
	assert.Empty(t, rec.events)
}

func TestIterateUnchangedCursorIsNotRestored(t *testing.T) {
	source := &fakeSource{batches: []*broker.FetchResult{
		{NextCursor: "cursor-1"},
	}}
	cursors := NewMemoryCursorRepository()
	require.NoError(t, cursors.Store(context.Background(), "cursor-1"))
	rec := &dispatchRecorder{}
	p := newTestPoller(source, cursors, rec)

	next := p.iterate(context.Background(), "cursor-1")
	assert.Equal(t, "cursor-1", next)
}

func TestStartStopDrivesFetchLoop(t *testing.T) {
	source := &fakeSource{batches: []*broker.FetchResult{
		{
			Events:     []map[string]interface{}{{"id": "evt-1"}},
			NextCursor: "cursor-1",
		},
	}}
	cursors := NewMemoryCursorRepository()
	rec := &dispatchRecorder{}
	p := newTestPoller(source, cursors, rec)

	p.Start(context.Background())
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.events) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	p.Stop()

	stored, err := cursors.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cursor-1", stored)

	// Subsequent ticks resume from the persisted position.
	source.mu.Lock()
	require.NotEmpty(t, source.calls)
	first := source.calls[0]
	source.mu.Unlock()
	assert.Equal(t, "", first)
}

func TestStartIsNoopForSidecarTransport(t *testing.T) {
	source := &fakeSource{}
	p := New(source, NewMemoryCursorRepository(), (&dispatchRecorder{}).dispatch,
		config.PollerConfig{Enabled: true, Interval: time.Millisecond},
		config.BrokerConfig{TransportMode: constants.TransportModeSidecar},
		logger.NopLogger(),
	)

	p.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	p.Stop()

	source.mu.Lock()
	defer source.mu.Unlock()
	assert.Empty(t, source.calls)
}

func TestStartIsNoopWhenDisabled(t *testing.T) {
	source := &fakeSource{}
	p := New(source, NewMemoryCursorRepository(), (&dispatchRecorder{}).dispatch,
		config.PollerConfig{Enabled: false, Interval: time.Millisecond},
		config.BrokerConfig{TransportMode: constants.TransportModeBroker},
		logger.NopLogger(),
	)

	p.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	p.Stop()

	source.mu.Lock()
	defer source.mu.Unlock()
	assert.Empty(t, source.calls)
}

func TestStopWithoutStartIsSafe(t *testing.T) {
	p := newTestPoller(&fakeSource{}, NewMemoryCursorRepository(), &dispatchRecorder{})
	p.Stop()
	p.Stop()
}
