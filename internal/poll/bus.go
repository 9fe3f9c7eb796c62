package poll

import (
	"sync"

	"waflow/internal/logger"
	"waflow/pkg/metrics"
)

// Listener receives every terminal pipeline outcome.
type Listener func(Completed)

// Bus is the typed publish/subscribe surface for pollChoiceCompleted events.
// Delivery is synchronous and in subscription order; listeners must not
// block.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *Bus) Publish(evt Completed) {
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	for _, l := range listeners {
		l(evt)
	}
}

// MetricsListener translates outcomes into the poll counter family.
func MetricsListener() Listener {
	return func(evt Completed) {
		metrics.PollChoiceOutcomesTotal.WithLabelValues(string(evt.Outcome), evt.Reason).Inc()
	}
}

// LoggingListener records failed outcomes with enough context to trace the
// vote.
func LoggingListener(log logger.Logger) Listener {
	return func(evt Completed) {
		if evt.Outcome != OutcomeFailed {
			return
		}
		log.Warnw("Poll choice processing failed",
			"poll_id", evt.PollID,
			"voter_jid", evt.VoterJID,
			"reason", evt.Reason,
		)
	}
}
