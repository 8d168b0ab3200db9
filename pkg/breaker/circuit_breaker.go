// Package breaker implements the per-(job,endpoint) circuit breaker: a
// consecutive-failure counter that, once it crosses a configured threshold,
// disables the endpoint for the remainder of the current cycle and for a
// number of subsequent cycles. This is adapted from a generic named
// failure-ratio breaker into one keyed by pair and counted in cycles rather
// than wall-clock time, since the engine's cooldown is phrased in cycles.
package breaker

import (
	"sync"

	"github.com/nightcrew/skedge/pkg/models"
)

// Config controls the breaker's thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive final failures before
	// the endpoint is disabled.
	FailureThreshold int
	// CooldownCycles is how many subsequent cycles, beyond the one the
	// endpoint tripped in, it stays disabled.
	CooldownCycles int
}

func DefaultConfig() Config {
	return Config{FailureThreshold: 5, CooldownCycles: 1}
}

// Registry tracks escalation counters and the disabled-endpoint map. It is
// the engine's owner of EscalationMap and DisabledEndpointMap, guarded by a
// single mutex per the concurrency model's "short critical sections"
// requirement — callers never hold the lock across I/O.
type Registry struct {
	cfg Config

	mu        sync.Mutex
	escalation map[models.EndpointKey]int
	disabled   map[models.EndpointKey]models.DisabledEndpointEntry
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:        cfg,
		escalation: make(map[models.EndpointKey]int),
		disabled:   make(map[models.EndpointKey]models.DisabledEndpointEntry),
	}
}

// RecordSuccess resets the escalation counter for (jobID, endpointID).
func (r *Registry) RecordSuccess(jobID, endpointID string) {
	key := models.EndpointKey{JobID: jobID, EndpointID: endpointID}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.escalation, key)
}

// RecordFinalFailure increments the escalation counter for (jobID,
// endpointID) and, once it crosses the configured threshold, disables the
// endpoint through currentCycle+cooldownCycles. The returned entry is only
// meaningful when disabled is true.
func (r *Registry) RecordFinalFailure(jobID, endpointID string, currentCycle int64) (disabled bool, entry models.DisabledEndpointEntry) {
	key := models.EndpointKey{JobID: jobID, EndpointID: endpointID}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.escalation[key]++
	if r.escalation[key] >= r.cfg.FailureThreshold {
		entry = models.DisabledEndpointEntry{
			UntilCycle: currentCycle + int64(r.cfg.CooldownCycles),
			Reason:     "circuit_breaker: consecutive failure threshold exceeded",
		}
		r.disabled[key] = entry
		return true, entry
	}
	return false, models.DisabledEndpointEntry{}
}

// EscalationCount returns the current consecutive-failure count for
// (jobID, endpointID).
func (r *Registry) EscalationCount(jobID, endpointID string) int {
	key := models.EndpointKey{JobID: jobID, EndpointID: endpointID}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.escalation[key]
}

// IsDisabled reports whether (jobID, endpointID) is currently disabled for
// currentCycle, pruning the entry if its cooldown has elapsed.
func (r *Registry) IsDisabled(jobID, endpointID string, currentCycle int64) bool {
	key := models.EndpointKey{JobID: jobID, EndpointID: endpointID}
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.disabled[key]
	if !ok {
		return false
	}
	if currentCycle > entry.UntilCycle {
		delete(r.disabled, key)
		return false
	}
	return true
}

// DisabledCount returns the number of (job, endpoint) pairs currently
// disabled for currentCycle, pruning expired entries as it scans. Intended
// for gauging breaker state, not for hot-path filtering.
func (r *Registry) DisabledCount(currentCycle int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, entry := range r.disabled {
		if currentCycle > entry.UntilCycle {
			delete(r.disabled, key)
		}
	}
	return len(r.disabled)
}

// DisabledSetForJob returns the set of endpoint IDs currently disabled for
// jobID, for filtering a plan before execution.
func (r *Registry) DisabledSetForJob(jobID string, currentCycle int64) map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]struct{})
	for key, entry := range r.disabled {
		if key.JobID != jobID {
			continue
		}
		if currentCycle > entry.UntilCycle {
			delete(r.disabled, key)
			continue
		}
		out[key.EndpointID] = struct{}{}
	}
	return out
}
