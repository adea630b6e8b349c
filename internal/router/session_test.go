package router

import (
	"testing"
	"time"

	"github.com/af-corp/switchboard/internal/types"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *testClock { return &testClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)} }

func chat(model string, texts ...string) *types.ChatRequest {
	req := &types.ChatRequest{Model: model}
	for i, text := range texts {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		req.Messages = append(req.Messages, types.TextMessage(role, text))
	}
	return req
}

func always(string) bool { return true }

func TestSessionTracker_IdentifyPrecedence(t *testing.T) {
	s := NewSessionTracker(DefaultSessionPolicy(), nil)

	req := chat("gpt-4", "hi", "hello", "again")
	req.User = "alice"

	if got := s.Identify("abc", req, "gpt-4"); got != "sid:abc" {
		t.Errorf("header should win, got %s", got)
	}
	if got := s.Identify("", req, "gpt-4"); got != "user:alice" {
		t.Errorf("user field should be used without a header, got %s", got)
	}
	req.User = ""
	got := s.Identify("", req, "gpt-4")
	if len(got) != len("fp:")+32 {
		t.Errorf("expected fingerprint identifier, got %s", got)
	}
}

func TestSessionTracker_FingerprintStableForContinuingConversation(t *testing.T) {
	clock := newClock()
	s := NewSessionTracker(DefaultSessionPolicy(), clock.Now)

	first := s.Identify("", chat("gpt-4", "hi", "hello", "how are you"), "gpt-4")
	clock.Advance(time.Minute)
	second := s.Identify("", chat("gpt-4", "hi", "hello", "how are you", "fine", "more"), "gpt-4")

	if first != second {
		t.Error("conversations sharing their first three messages should share a fingerprint")
	}
	if other := s.Identify("", chat("gpt-4", "hi", "hello", "how are you"), "claude-3"); other == first {
		t.Error("fingerprint should depend on the model")
	}
}

func TestSessionTracker_NewConversationFingerprintNeverRepeats(t *testing.T) {
	clock := newClock()
	s := NewSessionTracker(DefaultSessionPolicy(), clock.Now)

	a := s.Identify("", chat("gpt-4", "hello"), "gpt-4")
	clock.Advance(time.Nanosecond)
	b := s.Identify("", chat("gpt-4", "hello"), "gpt-4")
	if a == b {
		t.Error("identical first messages must not collide")
	}
}

func TestIsNewConversation(t *testing.T) {
	tests := []struct {
		name string
		req  *types.ChatRequest
		want bool
	}{
		{"single user message", chat("m", "hi"), true},
		{"system plus user", &types.ChatRequest{Messages: []types.Message{
			types.TextMessage("system", "be brief"), types.TextMessage("user", "hi"),
		}}, true},
		{"two user messages", chat("m", "hi", "hello", "again"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNewConversation(tt.req); got != tt.want {
				t.Errorf("IsNewConversation = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSessionTracker_BindLookup(t *testing.T) {
	s := NewSessionTracker(DefaultSessionPolicy(), nil)

	if _, ok := s.Lookup("gpt-4", "sid:x", always); ok {
		t.Fatal("expected no binding yet")
	}
	s.Bind("gpt-4", "sid:x", "a")
	s.Bind("gpt-4", "sid:x", "a")

	id, ok := s.Lookup("gpt-4", "sid:x", always)
	if !ok || id != "a" {
		t.Fatalf("expected binding to a, got %q %v", id, ok)
	}
	if b, _ := s.Get("gpt-4", "sid:x"); b.MessageCount != 2 {
		t.Errorf("expected message count 2, got %d", b.MessageCount)
	}

	if _, ok := s.Lookup("gpt-4", "sid:x", func(string) bool { return false }); ok {
		t.Error("ineligible bound provider must not be returned")
	}
	if _, ok := s.Get("gpt-4", "sid:x"); !ok {
		t.Error("stale binding should be kept until overwritten")
	}

	s.Forget("gpt-4", "sid:x")
	if _, ok := s.Get("gpt-4", "sid:x"); ok {
		t.Error("expected binding removed")
	}
}

func TestSessionTracker_EvictIdle(t *testing.T) {
	clock := newClock()
	s := NewSessionTracker(DefaultSessionPolicy(), clock.Now)

	s.Bind("m", "short", "a")
	for i := 0; i < 3; i++ {
		s.Bind("m", "long", "a")
	}

	clock.Advance(25 * time.Hour)
	if n := s.Evict(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if _, ok := s.Get("m", "short"); ok {
		t.Error("short binding should expire after 24h idle")
	}
	if _, ok := s.Get("m", "long"); !ok {
		t.Error("established binding should survive 25h idle")
	}

	clock.Advance(7 * 24 * time.Hour)
	s.Evict()
	if s.Len() != 0 {
		t.Errorf("expected every binding expired, %d left", s.Len())
	}
}

func TestSessionTracker_EvictOverCap(t *testing.T) {
	clock := newClock()
	policy := DefaultSessionPolicy()
	policy.MaxBindings = 2
	s := NewSessionTracker(policy, clock.Now)

	s.Bind("m", "old", "a")
	clock.Advance(time.Second)
	s.Bind("m", "new", "a")
	clock.Advance(time.Second)
	s.Bind("m", "busy", "a")
	s.Bind("m", "busy", "a")

	if n := s.Evict(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if _, ok := s.Get("m", "old"); ok {
		t.Error("expected the oldest least-used binding evicted")
	}
	if _, ok := s.Get("m", "busy"); !ok {
		t.Error("expected the most used binding kept")
	}
}
