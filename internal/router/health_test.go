package router

import (
	"testing"

	"github.com/af-corp/switchboard/internal/types"
)

func TestHealthTracker_NewPairIsEligible(t *testing.T) {
	ht := NewHealthTracker(DefaultHealthPolicy())
	if !ht.IsEligible(&types.Provider{ID: "a"}, "gpt-4", nil) {
		t.Error("expected unknown pair to be eligible")
	}
}

func TestHealthTracker_ThresholdDisablesPair(t *testing.T) {
	ht := NewHealthTracker(DefaultHealthPolicy())
	p := &types.Provider{ID: "a"}

	if ht.RecordFailure("a", "gpt-4") || ht.RecordFailure("a", "gpt-4") {
		t.Fatal("pair disabled before threshold")
	}
	if !ht.IsEligible(p, "gpt-4", nil) {
		t.Fatal("expected pair eligible after 2 failures")
	}
	if !ht.RecordFailure("a", "gpt-4") {
		t.Error("expected third failure to report the pair as newly disabled")
	}
	if ht.IsEligible(p, "gpt-4", nil) {
		t.Error("expected pair ineligible after 3 failures")
	}
	if ht.RecordFailure("a", "gpt-4") {
		t.Error("an already disabled pair should not be reported again")
	}

	ht.RecordSuccess("a", "gpt-4")
	if !ht.IsEligible(p, "gpt-4", nil) {
		t.Error("expected one success to restore eligibility")
	}
	if n := ht.FailCount("a", "gpt-4"); n != 0 {
		t.Errorf("expected counter reset to 0, got %d", n)
	}
}

func TestHealthTracker_CountersScopedPerModel(t *testing.T) {
	ht := NewHealthTracker(DefaultHealthPolicy())
	p := &types.Provider{ID: "a"}

	for i := 0; i < 3; i++ {
		ht.RecordFailure("a", "m1")
	}
	if ht.IsEligible(p, "m1", nil) {
		t.Error("expected (a, m1) disabled")
	}
	if !ht.IsEligible(p, "m2", nil) {
		t.Error("failures on m1 must not affect m2")
	}
	if !ht.IsEligible(&types.Provider{ID: "b"}, "m1", nil) {
		t.Error("failures of a must not affect b")
	}
}

func TestHealthTracker_DisabledAndExcluded(t *testing.T) {
	ht := NewHealthTracker(DefaultHealthPolicy())
	pool := &types.PollingPool{Excluded: []types.PoolPair{{Provider: "a", Model: "gpt-4"}}}

	tests := []struct {
		name     string
		provider *types.Provider
		model    string
		want     bool
	}{
		{"globally disabled", &types.Provider{ID: "b", Disabled: true}, "gpt-4", false},
		{"statically excluded", &types.Provider{ID: "a"}, "gpt-4", false},
		{"exclusion is per model", &types.Provider{ID: "a"}, "claude-3", true},
		{"nil provider", nil, "gpt-4", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ht.IsEligible(tt.provider, tt.model, pool); got != tt.want {
				t.Errorf("IsEligible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHealthTracker_IgnoreModelDisable(t *testing.T) {
	ht := NewHealthTracker(HealthPolicy{FailThreshold: 3, HonorModelDisable: false})
	for i := 0; i < 5; i++ {
		ht.RecordFailure("a", "gpt-4")
	}
	if !ht.IsModelDisabled("a", "gpt-4") {
		t.Error("expected the pair to be tracked as disabled")
	}
	if !ht.IsEligible(&types.Provider{ID: "a"}, "gpt-4", nil) {
		t.Error("expected pair still eligible when model disable is not honored")
	}
}

func TestHealthTracker_GlobalDisable(t *testing.T) {
	ht := NewHealthTracker(HealthPolicy{FailThreshold: 3, HonorModelDisable: true, GlobalDisable: true})
	p := &types.Provider{ID: "a"}

	ht.RecordFailure("a", "m1")
	ht.RecordFailure("a", "m2")
	ht.RecordFailure("a", "m3")

	if ht.IsEligible(p, "m4", nil) {
		t.Error("expected provider disabled for every model after 3 failures anywhere")
	}
	ht.RecordSuccess("a", "m4")
	if !ht.IsEligible(p, "m1", nil) {
		t.Error("expected any success to clear the provider-wide state")
	}
}

func TestHealthTracker_SnapshotRestore(t *testing.T) {
	ht := NewHealthTracker(DefaultHealthPolicy())
	for i := 0; i < 3; i++ {
		ht.RecordFailure("a", "gpt-4")
	}
	ht.RecordFailure("b", "gpt-4")

	restored := NewHealthTracker(DefaultHealthPolicy())
	restored.Restore(ht.Snapshot())

	if restored.FailCount("b", "gpt-4") != 1 {
		t.Errorf("expected restored counter 1, got %d", restored.FailCount("b", "gpt-4"))
	}
	if restored.IsEligible(&types.Provider{ID: "a"}, "gpt-4", nil) {
		t.Error("expected restored disabled pair to stay ineligible")
	}
}
