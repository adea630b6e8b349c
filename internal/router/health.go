package router

import (
	"sort"
	"sync"

	"github.com/af-corp/switchboard/internal/types"
)

// HealthPolicy controls how failures affect eligibility.
type HealthPolicy struct {
	FailThreshold int
	// HonorModelDisable removes model-disabled pairs from candidate lists.
	// When false they are still tried, only the counters are kept.
	HonorModelDisable bool
	// GlobalDisable enables the legacy provider-wide counter that disables a
	// provider for every model once it reaches the threshold.
	GlobalDisable bool
}

// DefaultHealthPolicy returns the policy used when none is configured.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{FailThreshold: 3, HonorModelDisable: true}
}

type pairKey struct {
	provider string
	model    string
}

// HealthTracker owns per-(provider, model) failure counters and the
// model-disabled set. It decides whether a provider may serve a model now.
type HealthTracker struct {
	mu               sync.Mutex
	policy           HealthPolicy
	fails            map[pairKey]int
	disabled         map[pairKey]bool
	providerFails    map[string]int
	providerDisabled map[string]bool
}

func NewHealthTracker(policy HealthPolicy) *HealthTracker {
	if policy.FailThreshold <= 0 {
		policy.FailThreshold = 3
	}
	return &HealthTracker{
		policy:           policy,
		fails:            make(map[pairKey]int),
		disabled:         make(map[pairKey]bool),
		providerFails:    make(map[string]int),
		providerDisabled: make(map[string]bool),
	}
}

// SetPolicy swaps the policy, e.g. after a config reload. Counters are kept.
func (h *HealthTracker) SetPolicy(policy HealthPolicy) {
	if policy.FailThreshold <= 0 {
		policy.FailThreshold = 3
	}
	h.mu.Lock()
	h.policy = policy
	h.mu.Unlock()
}

// RecordFailure increments the pair counter. It reports whether this failure
// pushed the pair into the model-disabled set.
func (h *HealthTracker) RecordFailure(providerID, model string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := pairKey{providerID, model}
	h.fails[key]++
	newlyDisabled := false
	if h.fails[key] >= h.policy.FailThreshold && !h.disabled[key] {
		h.disabled[key] = true
		newlyDisabled = true
	}

	if h.policy.GlobalDisable {
		h.providerFails[providerID]++
		if h.providerFails[providerID] >= h.policy.FailThreshold {
			h.providerDisabled[providerID] = true
		}
	}
	return newlyDisabled
}

// RecordSuccess resets the pair counter and re-enables the pair.
// A success also clears the legacy provider-wide state.
func (h *HealthTracker) RecordSuccess(providerID, model string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := pairKey{providerID, model}
	delete(h.fails, key)
	delete(h.disabled, key)
	delete(h.providerFails, providerID)
	delete(h.providerDisabled, providerID)
}

// IsEligible reports whether p may serve model: it must not be disabled in
// configuration or by the legacy global path, the pair must not be
// model-disabled (when honored), and the pool must not exclude it.
func (h *HealthTracker) IsEligible(p *types.Provider, model string, pool *types.PollingPool) bool {
	if p == nil || p.Disabled {
		return false
	}
	if pool.IsExcluded(p.ID, model) {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.providerDisabled[p.ID] {
		return false
	}
	if h.policy.HonorModelDisable && h.disabled[pairKey{p.ID, model}] {
		return false
	}
	return true
}

// FailCount returns the current counter for a pair.
func (h *HealthTracker) FailCount(providerID, model string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fails[pairKey{providerID, model}]
}

// IsModelDisabled reports whether the pair reached the threshold.
func (h *HealthTracker) IsModelDisabled(providerID, model string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disabled[pairKey{providerID, model}]
}

// PairCount is one persisted failure counter.
type PairCount struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Count    int    `json:"count"`
}

// HealthSnapshot is the persisted form of the tracker.
type HealthSnapshot struct {
	FailCounts       []PairCount      `json:"fail_counts"`
	Disabled         []types.PoolPair `json:"disabled"`
	ProviderFails    map[string]int   `json:"provider_fails,omitempty"`
	ProviderDisabled []string         `json:"provider_disabled,omitempty"`
}

func (h *HealthTracker) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := HealthSnapshot{
		FailCounts:    make([]PairCount, 0, len(h.fails)),
		Disabled:      make([]types.PoolPair, 0, len(h.disabled)),
		ProviderFails: make(map[string]int, len(h.providerFails)),
	}
	for k, n := range h.fails {
		snap.FailCounts = append(snap.FailCounts, PairCount{Provider: k.provider, Model: k.model, Count: n})
	}
	for k := range h.disabled {
		snap.Disabled = append(snap.Disabled, types.PoolPair{Provider: k.provider, Model: k.model})
	}
	for id, n := range h.providerFails {
		snap.ProviderFails[id] = n
	}
	for id := range h.providerDisabled {
		snap.ProviderDisabled = append(snap.ProviderDisabled, id)
	}

	sort.Slice(snap.FailCounts, func(i, j int) bool {
		a, b := snap.FailCounts[i], snap.FailCounts[j]
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.Model < b.Model
	})
	sort.Slice(snap.Disabled, func(i, j int) bool {
		a, b := snap.Disabled[i], snap.Disabled[j]
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.Model < b.Model
	})
	sort.Strings(snap.ProviderDisabled)
	return snap
}

// Restore replaces tracker state with a snapshot.
func (h *HealthTracker) Restore(snap HealthSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.fails = make(map[pairKey]int, len(snap.FailCounts))
	h.disabled = make(map[pairKey]bool, len(snap.Disabled))
	h.providerFails = make(map[string]int, len(snap.ProviderFails))
	h.providerDisabled = make(map[string]bool, len(snap.ProviderDisabled))

	for _, c := range snap.FailCounts {
		if c.Count > 0 {
			h.fails[pairKey{c.Provider, c.Model}] = c.Count
		}
	}
	for _, p := range snap.Disabled {
		h.disabled[pairKey{p.Provider, p.Model}] = true
	}
	for id, n := range snap.ProviderFails {
		h.providerFails[id] = n
	}
	for _, id := range snap.ProviderDisabled {
		h.providerDisabled[id] = true
	}
}
