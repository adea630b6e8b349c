package router

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/af-corp/switchboard/internal/types"
)

// SessionHeader carries an explicit conversation token.
const SessionHeader = "X-Session-ID"

// SessionPolicy bounds binding lifetime and count.
type SessionPolicy struct {
	ShortIdle     time.Duration // idle expiry for bindings below LongThreshold messages
	LongIdle      time.Duration // idle expiry for established conversations
	LongThreshold int
	MaxBindings   int
}

func DefaultSessionPolicy() SessionPolicy {
	return SessionPolicy{
		ShortIdle:     24 * time.Hour,
		LongIdle:      7 * 24 * time.Hour,
		LongThreshold: 3,
		MaxBindings:   1000,
	}
}

// Binding pins a conversation to the provider that served its latest turn.
type Binding struct {
	ProviderID   string    `json:"provider_id"`
	LastUsed     time.Time `json:"last_used"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// SessionTracker maps (canonical model, conversation identifier) to a provider.
type SessionTracker struct {
	mu       sync.Mutex
	policy   SessionPolicy
	bindings map[string]*Binding
	now      func() time.Time
}

func NewSessionTracker(policy SessionPolicy, now func() time.Time) *SessionTracker {
	if now == nil {
		now = time.Now
	}
	def := DefaultSessionPolicy()
	if policy.ShortIdle <= 0 {
		policy.ShortIdle = def.ShortIdle
	}
	if policy.LongIdle <= 0 {
		policy.LongIdle = def.LongIdle
	}
	if policy.LongThreshold <= 0 {
		policy.LongThreshold = def.LongThreshold
	}
	if policy.MaxBindings <= 0 {
		policy.MaxBindings = def.MaxBindings
	}
	return &SessionTracker{
		policy:   policy,
		bindings: make(map[string]*Binding),
		now:      now,
	}
}

func sessionKey(model, identifier string) string {
	return model + ":" + identifier
}

// IsNewConversation reports whether the request opens a conversation:
// exactly one message with role "user".
func IsNewConversation(req *types.ChatRequest) bool {
	return req.UserMessageCount() == 1
}

// Identify returns the conversation identifier for a request. An explicit
// session header wins, then the body's user field, then a fingerprint of the
// model and the first three messages. Fingerprints of new conversations mix
// in the current time so an identical opening message never matches an
// older conversation.
func (s *SessionTracker) Identify(sessionHeader string, req *types.ChatRequest, model string) string {
	if v := strings.TrimSpace(sessionHeader); v != "" {
		return "sid:" + v
	}
	if v := strings.TrimSpace(req.User); v != "" {
		return "user:" + v
	}

	h := sha256.New()
	h.Write([]byte(model))
	n := min(3, len(req.Messages))
	for _, m := range req.Messages[:n] {
		h.Write([]byte{0})
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Text()))
	}
	if IsNewConversation(req) {
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(s.now().UnixNano(), 10)))
	}
	return "fp:" + hex.EncodeToString(h.Sum(nil))[:32]
}

// Forget deletes a binding. Called for new conversations before lookup.
func (s *SessionTracker) Forget(model, identifier string) {
	s.mu.Lock()
	delete(s.bindings, sessionKey(model, identifier))
	s.mu.Unlock()
}

// Lookup returns the bound provider when it is still eligible. A stale
// binding is left in place to be overwritten by the next Bind.
func (s *SessionTracker) Lookup(model, identifier string, eligible func(providerID string) bool) (string, bool) {
	s.mu.Lock()
	b, ok := s.bindings[sessionKey(model, identifier)]
	var providerID string
	if ok {
		providerID = b.ProviderID
	}
	s.mu.Unlock()

	if !ok || !eligible(providerID) {
		return "", false
	}
	return providerID, true
}

// Bind creates or refreshes a binding.
func (s *SessionTracker) Bind(model, identifier, providerID string) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(model, identifier)
	b, ok := s.bindings[key]
	if !ok {
		b = &Binding{CreatedAt: now}
		s.bindings[key] = b
	}
	b.ProviderID = providerID
	b.LastUsed = now
	b.MessageCount++
}

// Evict drops idle bindings and trims the set to MaxBindings, removing the
// least established (fewest messages, then least recently used) first.
// It returns the number of bindings removed.
func (s *SessionTracker) Evict() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, b := range s.bindings {
		ttl := s.policy.ShortIdle
		if b.MessageCount >= s.policy.LongThreshold {
			ttl = s.policy.LongIdle
		}
		if now.Sub(b.LastUsed) > ttl {
			delete(s.bindings, key)
			removed++
		}
	}

	excess := len(s.bindings) - s.policy.MaxBindings
	if excess <= 0 {
		return removed
	}

	keys := make([]string, 0, len(s.bindings))
	for key := range s.bindings {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := s.bindings[keys[i]], s.bindings[keys[j]]
		if a.MessageCount != b.MessageCount {
			return a.MessageCount < b.MessageCount
		}
		return a.LastUsed.Before(b.LastUsed)
	})
	for _, key := range keys[:excess] {
		delete(s.bindings, key)
	}
	return removed + excess
}

func (s *SessionTracker) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bindings)
}

// Get returns a copy of a binding.
func (s *SessionTracker) Get(model, identifier string) (Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[sessionKey(model, identifier)]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

func (s *SessionTracker) Snapshot() map[string]Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Binding, len(s.bindings))
	for k, b := range s.bindings {
		out[k] = *b
	}
	return out
}

func (s *SessionTracker) Restore(snap map[string]Binding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings = make(map[string]*Binding, len(snap))
	for k, b := range snap {
		b := b
		s.bindings[k] = &b
	}
}

// SetPolicy swaps expiry settings after a config reload.
func (s *SessionTracker) SetPolicy(policy SessionPolicy) {
	fresh := NewSessionTracker(policy, s.now)
	s.mu.Lock()
	s.policy = fresh.policy
	s.mu.Unlock()
}
