// Package routing selects a concrete model instance for a tier. Within a
// tier the least-loaded ready model wins; a round-robin cursor decides
// between candidates with equal in-flight load, so idle tiers still rotate
// evenly. When a tier has nothing ready the router escalates through the
// configured fallback order. The router never queues.
package routing

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/maestro-llm/maestro/internal/metrics"
	"github.com/maestro-llm/maestro/internal/registry"
	"github.com/maestro-llm/maestro/pkg/models"
)

// escalation is the tier fallback order tried when the requested tier has
// no ready model.
var escalation = map[models.Tier][]models.Tier{
	models.TierFast:     {models.TierFast, models.TierBalanced, models.TierPowerful},
	models.TierBalanced: {models.TierBalanced, models.TierPowerful, models.TierFast},
	models.TierPowerful: {models.TierPowerful, models.TierBalanced, models.TierFast},
}

// ReadyFunc reports whether a model's server is ready. The supervisor
// provides it; tests substitute their own.
type ReadyFunc func(modelID string) bool

// Router picks ready models for tiers.
type Router struct {
	reg   *registry.Registry
	ready ReadyFunc

	// Per-tier round-robin cursors.
	cursors map[models.Tier]*uint64

	// In-flight request counters per model.
	mu       sync.Mutex
	inflight map[string]int
}

// New creates a router over the registry and a readiness view.
func New(reg *registry.Registry, ready ReadyFunc) *Router {
	cursors := make(map[models.Tier]*uint64, 3)
	for _, t := range []models.Tier{models.TierFast, models.TierBalanced, models.TierPowerful} {
		cursors[t] = new(uint64)
	}
	return &Router{
		reg:      reg,
		ready:    ready,
		cursors:  cursors,
		inflight: make(map[string]int),
	}
}

// Select returns an enabled, ready model whose effective tier matches the
// requested tier, escalating through the fallback order when necessary.
// Fails with models.ErrNoModelAvailable when nothing is ready anywhere.
func (r *Router) Select(tier models.Tier) (*models.DiscoveredModel, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("tier %q: %w", tier, models.ErrInvalidRequest)
	}
	for _, t := range escalation[tier] {
		if m := r.pick(t); m != nil {
			if t != tier {
				log.Debug().
					Str("requested", string(tier)).
					Str("selected", string(t)).
					Str("model", m.ModelID).
					Msg("Tier escalated")
			}
			return m, nil
		}
	}
	return nil, models.ErrNoModelAvailable
}

// pick returns the least-loaded ready model in one tier. The round-robin
// cursor seeds the choice so equally loaded candidates rotate.
func (r *Router) pick(tier models.Tier) *models.DiscoveredModel {
	var candidates []*models.DiscoveredModel
	for _, m := range r.reg.ListEnabled() {
		if m.EffectiveTier() == tier && r.ready(m.ModelID) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	// ListEnabled is model_id-sorted, so the cursor rotation is stable.
	idx := int(atomic.AddUint64(r.cursors[tier], 1)-1) % len(candidates)
	chosen := candidates[idx]

	// A strictly less-loaded candidate beats the cursor choice.
	r.mu.Lock()
	for _, c := range candidates {
		if r.inflight[c.ModelID] < r.inflight[chosen.ModelID] {
			chosen = c
		}
	}
	r.mu.Unlock()
	return chosen
}

// Acquire records one in-flight request against a model.
func (r *Router) Acquire(modelID string) {
	r.mu.Lock()
	r.inflight[modelID]++
	r.mu.Unlock()
	metrics.InFlight.WithLabelValues(modelID).Inc()
}

// Release ends one in-flight request.
func (r *Router) Release(modelID string) {
	r.mu.Lock()
	if r.inflight[modelID] > 0 {
		r.inflight[modelID]--
	}
	r.mu.Unlock()
	metrics.InFlight.WithLabelValues(modelID).Dec()
}

// InFlight returns the current in-flight count for a model.
func (r *Router) InFlight(modelID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight[modelID]
}
