package router

import (
	"sort"

	"github.com/af-corp/switchboard/internal/models"
	"github.com/af-corp/switchboard/internal/types"
)

// ModelEntry is one item of the OpenAI model list.
type ModelEntry struct {
	ID         string  `json:"id"`
	Object     string  `json:"object"`
	Created    int64   `json:"created"`
	OwnedBy    string  `json:"owned_by"`
	Permission []any   `json:"permission"`
	Root       string  `json:"root"`
	Parent     *string `json:"parent"`
}

// ModelList is the body of GET /v1/models.
type ModelList struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// EligibleCount returns how many pool providers may currently serve the
// canonical model.
func (r *Router) EligibleCount(model string) int {
	pool := r.registry.Pool()
	n := 0
	for _, id := range pool.Available[model] {
		if p := r.registry.Provider(id); p != nil && r.health.IsEligible(p, model, pool) {
			n++
		}
	}
	return n
}

// Available reports whether any registered provider could serve the
// canonical model right now.
func (r *Router) Available(model string) bool {
	if r.EligibleCount(model) > 0 {
		return true
	}
	pool := r.registry.Pool()
	for _, p := range r.registry.Providers() {
		if p.HasModel(model, models.Same) && r.health.IsEligible(p, model, pool) {
			return true
		}
	}
	return false
}

// KnownModels lists every canonical model named by the pool or a provider.
func (r *Router) KnownModels() []string {
	set := make(map[string]bool)
	for model := range r.registry.Pool().Available {
		set[model] = true
	}
	for _, p := range r.registry.Providers() {
		for _, m := range p.Models {
			if c := models.Normalize(m.ID); c != "" {
				set[c] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// ListModels builds the model list visible to a key. Polling keys see pool
// models with at least minListed eligible providers. Other keys see the
// visible models of the providers in their groups.
func (r *Router) ListModels(policy *types.KeyPolicy, minListed int) ModelList {
	created := r.now().Unix()
	list := ModelList{Object: "list", Data: []ModelEntry{}}
	seen := make(map[string]bool)

	add := func(id, owner string) {
		if seen[id] || !allowedModel(policy, id) {
			return
		}
		seen[id] = true
		list.Data = append(list.Data, ModelEntry{
			ID:         id,
			Object:     "model",
			Created:    created,
			OwnedBy:    owner,
			Permission: []any{},
			Root:       id,
		})
	}

	if policy != nil && policy.UsePolling {
		if minListed < 1 {
			minListed = 1
		}
		pool := r.registry.Pool()
		names := make([]string, 0, len(pool.Available))
		for model := range pool.Available {
			names = append(names, model)
		}
		sort.Strings(names)
		for _, model := range names {
			if r.eligibleForKey(model, policy) >= minListed {
				add(model, "switchboard")
			}
		}
		return list
	}

	for _, p := range r.registry.Providers() {
		if !policy.AllowsGroup(p.GroupID) {
			continue
		}
		for _, m := range p.Models {
			if m.Visible {
				add(m.ID, p.ID)
			}
		}
	}
	return list
}

func (r *Router) eligibleForKey(model string, policy *types.KeyPolicy) int {
	eligible := r.selector.eligibleFor(model, policy, r.registry.Pool())
	n := 0
	for _, id := range r.registry.Pool().Available[model] {
		if eligible(id) {
			n++
		}
	}
	return n
}

func allowedModel(policy *types.KeyPolicy, model string) bool {
	if policy == nil || len(policy.AllowedModels) == 0 {
		return true
	}
	for _, m := range policy.AllowedModels {
		if models.Same(m, model) {
			return true
		}
	}
	return false
}
