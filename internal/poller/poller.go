package poller

import (
	"context"
	"sync"
	"time"

	"waflow/internal/broker"
	"waflow/internal/config"
	"waflow/internal/constants"
	"waflow/internal/logger"
	"waflow/pkg/metrics"
)

// DispatchFunc routes one raw broker event through the shared parse and
// normalize path. Same code path as a webhook delivery, different origin.
type DispatchFunc func(ctx context.Context, raw map[string]interface{})

// Poller pulls the broker's event log on a fixed interval and feeds every
// returned event into the shared ingestion path. The cursor is persisted
// only after a batch has been handed off, so a crash mid-batch redelivers
// it and the idempotency layer absorbs the duplicates.
type Poller struct {
	source   broker.EventSource
	cursors  CursorRepository
	dispatch DispatchFunc

	enabled       bool
	transportMode string
	interval      time.Duration
	limit         int

	logger logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(source broker.EventSource, cursors CursorRepository, dispatch DispatchFunc, cfg config.PollerConfig, brokerCfg config.BrokerConfig, log logger.Logger) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = constants.DefaultPollInterval
	}
	return &Poller{
		source:        source,
		cursors:       cursors,
		dispatch:      dispatch,
		enabled:       cfg.Enabled,
		transportMode: brokerCfg.TransportMode,
		interval:      interval,
		limit:         cfg.Limit,
		logger:        log,
	}
}

// Start launches the polling loop. Transport mode and the kill switch are
// evaluated here, once; a config change requires a restart.
func (p *Poller) Start(ctx context.Context) {
	if p.transportMode == constants.TransportModeSidecar {
		p.logger.Infow("Poller disabled, broker transport is sidecar")
		return
	}
	if !p.enabled {
		p.logger.Infow("Poller disabled by configuration")
		return
	}

	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	p.logger.Infow("Starting broker poller", "interval", p.interval, "limit", p.limit)
	go p.run(loopCtx)
}

// Stop halts the loop and waits for the in-flight iteration to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Infow("Broker poller stopped")
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	cursor, err := p.cursors.Load(ctx)
	if err != nil {
		p.logger.WarnwCtx(ctx, "Failed to load poller cursor, starting from empty", "error", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cursor = p.iterate(ctx, cursor)
		}
	}
}

// iterate runs one fetch/dispatch/persist cycle and returns the cursor to
// resume from. A fetch failure leaves the cursor untouched so the next tick
// retries the same position.
func (p *Poller) iterate(ctx context.Context, cursor string) string {
	start := time.Now()
	result, err := p.source.FetchEvents(ctx, cursor, p.limit)
	metrics.ObservePollerFetch(time.Since(start))
	if err != nil {
		metrics.PollerBatchesTotal.WithLabelValues("error").Inc()
		p.logger.WarnwCtx(ctx, "Broker fetch failed", "cursor", cursor, "error", err)
		return cursor
	}

	if len(result.Events) == 0 {
		metrics.PollerBatchesTotal.WithLabelValues("empty").Inc()
	} else {
		for _, raw := range result.Events {
			p.dispatch(ctx, raw)
		}
		metrics.PollerBatchesTotal.WithLabelValues("fetched").Inc()
		metrics.PollerEventsTotal.Add(float64(len(result.Events)))
	}

	if result.NextCursor == "" || result.NextCursor == cursor {
		return cursor
	}

	// Persist only after the batch is handed off. A failure here means the
	// batch is redelivered after restart, which dedup absorbs.
	if err := p.cursors.Store(ctx, result.NextCursor); err != nil {
		p.logger.ErrorwCtx(ctx, "Failed to persist poller cursor",
			"cursor", result.NextCursor, "error", err)
	}
	return result.NextCursor
}
