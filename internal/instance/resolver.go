package instance

import (
	"context"
	"sync"

	"waflow/internal/logger"
	"waflow/pkg/errors"
	"waflow/pkg/metrics"
)

// Resolver maps broker-supplied identifiers onto stored instance mappings,
// persisting newly observed broker ids write-through. Unresolved identifiers
// are not an error: the event proceeds with the raw id and attribution may be
// recovered later (e.g. via poll metadata).
type Resolver struct {
	repo            Repository
	defaultInstance string
	logger          logger.Logger

	mu    sync.RWMutex
	cache map[string]*Mapping
}

func NewResolver(repo Repository, defaultInstance string, log logger.Logger) *Resolver {
	return &Resolver{
		repo:            repo,
		defaultInstance: defaultInstance,
		logger:          log,
		cache:           make(map[string]*Mapping),
	}
}

// Resolve returns the storage instance id and tenant id for a raw broker
// identifier, or empty strings when no mapping is known.
func (r *Resolver) Resolve(ctx context.Context, brokerID string) (string, string) {
	if brokerID == "" {
		return "", ""
	}

	if m := r.cached(brokerID); m != nil {
		return m.ID, m.TenantID
	}

	m, err := r.repo.FindByIDOrBrokerID(ctx, brokerID)
	if err != nil {
		if !errors.IsNotFound(err) {
			r.logger.WarnwCtx(ctx, "Instance lookup failed",
				"broker_id", brokerID,
				"error", err,
			)
			return "", ""
		}
		return r.resolveFallback(ctx, brokerID)
	}

	// Matched on storage id while the stored broker id is stale: persist the
	// observed identifier write-through.
	if m.BrokerID != brokerID {
		if err := r.repo.UpdateBrokerID(ctx, m.ID, brokerID); err != nil {
			r.logger.WarnwCtx(ctx, "Failed to persist broker id update",
				"instance_id", m.ID,
				"broker_id", brokerID,
				"error", err,
			)
		} else {
			m.BrokerID = brokerID
			metrics.InstanceMappingWritesTotal.WithLabelValues("broker_id_update").Inc()
		}
	}

	r.store(brokerID, m)
	return m.ID, m.TenantID
}

// Observe records a mapping seen on a webhook event whose payload carries
// explicit tenant attribution, creating the row lazily on first sight.
func (r *Resolver) Observe(ctx context.Context, brokerID, tenantID string) {
	if brokerID == "" || tenantID == "" {
		return
	}

	if m := r.cached(brokerID); m != nil {
		if m.BrokerID == brokerID {
			return
		}
	}

	existing, err := r.repo.FindByIDOrBrokerID(ctx, brokerID)
	if err == nil {
		if existing.BrokerID != brokerID {
			if uerr := r.repo.UpdateBrokerID(ctx, existing.ID, brokerID); uerr == nil {
				existing.BrokerID = brokerID
				metrics.InstanceMappingWritesTotal.WithLabelValues("broker_id_update").Inc()
			}
		}
		r.store(brokerID, existing)
		return
	}
	if !errors.IsNotFound(err) {
		r.logger.WarnwCtx(ctx, "Instance lookup failed during observe",
			"broker_id", brokerID,
			"error", err,
		)
		return
	}

	m := &Mapping{TenantID: tenantID, BrokerID: brokerID}
	if cerr := r.repo.Create(ctx, m); cerr != nil {
		r.logger.WarnwCtx(ctx, "Failed to create instance mapping",
			"broker_id", brokerID,
			"error", cerr,
		)
		return
	}
	metrics.InstanceMappingWritesTotal.WithLabelValues("create").Inc()
	r.store(brokerID, m)
}

func (r *Resolver) resolveFallback(ctx context.Context, brokerID string) (string, string) {
	if r.defaultInstance == "" {
		return "", ""
	}
	m, err := r.repo.FindByIDOrBrokerID(ctx, r.defaultInstance)
	if err != nil {
		return "", ""
	}
	r.store(brokerID, m)
	return m.ID, m.TenantID
}

func (r *Resolver) cached(brokerID string) *Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache[brokerID]
}

func (r *Resolver) store(brokerID string, m *Mapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[brokerID] = m
}

// Reset clears the write-through cache; tests use it between cases.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*Mapping)
}
