package compliance

import (
	"sync"
)

// ValidationThreshold is the FHIR validation success rate below which a
// resource type stops being served without manual review.
const ValidationThreshold = 0.99

// minValidationSamples avoids flagging a resource type on its first few
// validations.
const minValidationSamples = 20

type counter struct {
	success int
	total   int
}

// ValidationHealth tracks a rolling success/total counter per FHIR resource
// type. Constructed at startup and injected; Reset supports tests.
type ValidationHealth struct {
	mu       sync.RWMutex
	counters map[string]*counter
}

func NewValidationHealth() *ValidationHealth {
	return &ValidationHealth{counters: make(map[string]*counter)}
}

// Record counts one validation outcome for the resource type.
func (h *ValidationHealth) Record(resourceType string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.counters[resourceType]
	if c == nil {
		c = &counter{}
		h.counters[resourceType] = c
	}
	c.total++
	if ok {
		c.success++
	}
}

// Healthy reports whether the resource type's validation success rate is
// good enough to keep serving it. Unknown or barely-sampled types are
// healthy by default.
func (h *ValidationHealth) Healthy(resourceType string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.counters[resourceType]
	if c == nil || c.total < minValidationSamples {
		return true
	}
	return float64(c.success)/float64(c.total) >= ValidationThreshold
}

// Rate returns the current success rate and sample count for a resource type.
func (h *ValidationHealth) Rate(resourceType string) (rate float64, samples int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.counters[resourceType]
	if c == nil || c.total == 0 {
		return 1, 0
	}
	return float64(c.success) / float64(c.total), c.total
}

// Unhealthy lists resource types currently below the validation threshold,
// for the manual review surface.
func (h *ValidationHealth) Unhealthy() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for rt, c := range h.counters {
		if c.total >= minValidationSamples && float64(c.success)/float64(c.total) < ValidationThreshold {
			out = append(out, rt)
		}
	}
	return out
}

// Reset clears all counters; used between tests.
func (h *ValidationHealth) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counters = make(map[string]*counter)
}
