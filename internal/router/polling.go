package router

import (
	"math/rand/v2"
	"sort"
	"sync"
)

// Rand is the randomness source used for round selection.
type Rand interface {
	IntN(n int) int
}

type defaultRand struct{}

func (defaultRand) IntN(n int) int { return rand.IntN(n) }

type pollState struct {
	index int
	used  map[string]bool
}

// Poller keeps per-model rotation state: the ordered-rotation cursor and the
// set of providers already used in the current round.
type Poller struct {
	mu     sync.Mutex
	rand   Rand
	states map[string]*pollState
}

// NewPoller creates a poller. A nil r uses math/rand/v2.
func NewPoller(r Rand) *Poller {
	if r == nil {
		r = defaultRand{}
	}
	return &Poller{rand: r, states: make(map[string]*pollState)}
}

func (p *Poller) state(model string) *pollState {
	st, ok := p.states[model]
	if !ok {
		st = &pollState{used: make(map[string]bool)}
		p.states[model] = st
	}
	return st
}

// SelectRound picks uniformly among valid providers not yet used in this
// round and marks the pick used. When every valid provider has served, the
// round is cleared first. valid must hold only eligible provider ids.
func (p *Poller) SelectRound(model string, valid []string) (string, bool) {
	if len(valid) == 0 {
		return "", false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.state(model)
	inValid := make(map[string]bool, len(valid))
	for _, id := range valid {
		inValid[id] = true
	}
	// providers that left the valid set no longer count toward the round
	for id := range st.used {
		if !inValid[id] {
			delete(st.used, id)
		}
	}

	remaining := make([]string, 0, len(valid))
	for _, id := range valid {
		if !st.used[id] {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 {
		clear(st.used)
		remaining = append(remaining, valid...)
	}

	pick := remaining[p.rand.IntN(len(remaining))]
	st.used[pick] = true
	return pick, true
}

// Rotation walks pool in order starting at the model's cursor and returns
// every provider that is eligible and not already tried.
func (p *Poller) Rotation(model string, pool []string, eligible func(id string) bool, tried map[string]bool) []string {
	n := len(pool)
	if n == 0 {
		return nil
	}

	p.mu.Lock()
	start := 0
	if st, ok := p.states[model]; ok {
		start = st.index % n
	}
	p.mu.Unlock()

	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := pool[(start+i)%n]
		if tried[id] || !eligible(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Advance records a successful attempt: the cursor moves past winner, winner
// is marked used, and the round is cleared once validCount providers served.
func (p *Poller) Advance(model string, pool []string, winner string, validCount int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.state(model)
	for i, id := range pool {
		if id == winner {
			st.index = (i + 1) % len(pool)
			break
		}
	}
	st.used[winner] = true
	if len(st.used) >= validCount {
		clear(st.used)
	}
}

// PollingEntry is the persisted rotation state of one model.
type PollingEntry struct {
	CurrentIndex int      `json:"current_index"`
	Used         []string `json:"used_in_round"`
}

func (p *Poller) Snapshot() map[string]PollingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]PollingEntry, len(p.states))
	for model, st := range p.states {
		used := make([]string, 0, len(st.used))
		for id := range st.used {
			used = append(used, id)
		}
		sort.Strings(used)
		out[model] = PollingEntry{CurrentIndex: st.index, Used: used}
	}
	return out
}

func (p *Poller) Restore(snap map[string]PollingEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.states = make(map[string]*pollState, len(snap))
	for model, e := range snap {
		st := &pollState{index: e.CurrentIndex, used: make(map[string]bool, len(e.Used))}
		for _, id := range e.Used {
			st.used[id] = true
		}
		p.states[model] = st
	}
}
