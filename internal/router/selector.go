package router

import (
	"slices"
	"strings"
	"sync/atomic"

	"github.com/af-corp/switchboard/internal/models"
	"github.com/af-corp/switchboard/internal/types"
)

// DirectSeparator splits "providerID::modelID" addressing that pins a request
// to one provider and passes the model id through untouched.
const DirectSeparator = "::"

// Target is what a request asks for once its model string is parsed.
type Target struct {
	Raw       string
	Canonical string
	// Provider and UpstreamModel are set for direct addressing.
	Provider      string
	UpstreamModel string
}

// ParseTarget resolves the requested model string.
func ParseTarget(raw string) Target {
	t := Target{Raw: raw}
	if providerID, model, ok := strings.Cut(raw, DirectSeparator); ok && providerID != "" && model != "" {
		t.Provider = strings.TrimSpace(providerID)
		t.UpstreamModel = strings.TrimSpace(model)
		t.Canonical = models.Normalize(model)
		return t
	}
	t.Canonical = models.Normalize(raw)
	return t
}

// Selection is the candidate list for one request.
type Selection struct {
	Candidates []*types.Provider
	// Key names the rotation state; Pool is the ordered provider list
	// rotation and Advance operate on.
	Key  string
	Pool []string
	// Valid is the number of eligible providers in Pool at selection time.
	Valid int
	// Affinity is the bound provider placed first, if any.
	Affinity string
}

// Selector builds ordered candidate lists from the registry and router state.
type Selector struct {
	registry    *Registry
	health      *HealthTracker
	poller      *Poller
	sessions    *SessionTracker
	minPoolSize atomic.Int64
}

func NewSelector(registry *Registry, health *HealthTracker, poller *Poller, sessions *SessionTracker, minPoolSize int) *Selector {
	s := &Selector{
		registry: registry,
		health:   health,
		poller:   poller,
		sessions: sessions,
	}
	s.SetMinPoolSize(minPoolSize)
	return s
}

// SetMinPoolSize sets how many pool entries a polling model needs before it
// is routable. Values below 1 are raised to 1.
func (s *Selector) SetMinPoolSize(n int) {
	if n < 1 {
		n = 1
	}
	s.minPoolSize.Store(int64(n))
}

// eligibleFor returns the eligibility check for a canonical model under policy.
func (s *Selector) eligibleFor(model string, policy *types.KeyPolicy, pool *types.PollingPool) func(id string) bool {
	return func(id string) bool {
		p := s.registry.Provider(id)
		if p == nil || !policy.AllowsGroup(p.GroupID) {
			return false
		}
		return s.health.IsEligible(p, model, pool)
	}
}

// Select builds the candidate list. sessionID is empty when affinity does
// not apply; newConversation suppresses reuse of a binding.
func (s *Selector) Select(target Target, policy *types.KeyPolicy, sessionID string, newConversation bool) (*Selection, error) {
	if target.Provider != "" {
		return s.selectDirect(target, policy)
	}

	model := target.Canonical
	pool := s.registry.Pool()
	eligible := s.eligibleFor(model, policy, pool)

	var ids []string
	key := "catalog:" + model
	if policy != nil && policy.UsePolling {
		key = model
		ids = pool.Available[model]
		if need := int(s.minPoolSize.Load()); len(ids) < need {
			return nil, errorf(KindValidation,
				"model %s has an insufficient provider pool (%d configured, %d required)", target.Raw, len(ids), need)
		}
	} else {
		for _, p := range s.registry.Providers() {
			if p.HasModel(model, models.Same) {
				ids = append(ids, p.ID)
			}
		}
	}

	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if eligible(id) {
			valid = append(valid, id)
		}
	}

	sel := &Selection{Key: key, Pool: ids, Valid: len(valid)}
	seen := make(map[string]bool, len(ids)+1)
	add := func(id string) {
		if seen[id] {
			return
		}
		if p := s.registry.Provider(id); p != nil {
			seen[id] = true
			sel.Candidates = append(sel.Candidates, p)
		}
	}

	if sessionID != "" && !newConversation {
		member := func(id string) bool { return slices.Contains(ids, id) && eligible(id) }
		if id, ok := s.sessions.Lookup(model, sessionID, member); ok {
			sel.Affinity = id
			add(id)
		}
	}

	// a bound provider stands in for the round pick
	if policy != nil && policy.UsePolling && sel.Affinity == "" {
		if head, ok := s.poller.SelectRound(key, valid); ok {
			add(head)
		}
	}
	for _, id := range s.poller.Rotation(key, ids, eligible, seen) {
		add(id)
	}
	return sel, nil
}

func (s *Selector) selectDirect(target Target, policy *types.KeyPolicy) (*Selection, error) {
	p := s.registry.Provider(target.Provider)
	if p == nil {
		return nil, errorf(KindValidation, "unknown provider %q", target.Provider)
	}
	if !policy.AllowsGroup(p.GroupID) {
		return nil, errorf(KindPermission, "provider %s is not available to this key", target.Provider)
	}
	sel := &Selection{Key: "direct:" + p.ID, Pool: []string{p.ID}}
	if !p.Disabled {
		sel.Candidates = []*types.Provider{p}
		sel.Valid = 1
	}
	return sel, nil
}
