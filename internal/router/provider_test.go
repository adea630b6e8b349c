package router

import (
	"net/http"
	"testing"

	"github.com/af-corp/switchboard/internal/config"
	"github.com/af-corp/switchboard/internal/router/adapters"
	"github.com/af-corp/switchboard/internal/types"
)

func newTestRegistry(providers ...types.Provider) *Registry {
	r := NewRegistry()
	for i := range providers {
		p := providers[i]
		r.Register(adapters.NewOpenAIAdapter(&p, http.DefaultClient))
	}
	return r
}

func provider(id, group string, models ...string) types.Provider {
	p := types.Provider{ID: id, Name: id, BaseURL: "http://" + id + ".invalid", GroupID: group}
	for _, m := range models {
		p.Models = append(p.Models, types.ProviderModel{ID: m, Visible: true})
	}
	return p
}

func TestRegistry_KeepsDeclarationOrder(t *testing.T) {
	r := newTestRegistry(provider("c", ""), provider("a", ""), provider("b", ""))

	var got []string
	for _, p := range r.Providers() {
		got = append(got, p.ID)
	}
	if len(got) != 3 || got[0] != "c" || got[1] != "a" || got[2] != "b" {
		t.Errorf("unexpected order %v", got)
	}
	if r.Provider("missing") != nil {
		t.Error("expected nil for unknown provider")
	}
}

func TestRegistry_Replace(t *testing.T) {
	r := newTestRegistry(provider("a", ""))
	next := newTestRegistry(provider("b", ""))
	next.SetPool(types.PollingPool{Version: config.PoolSchemaVersion, Available: map[string][]string{"gpt-4": {"b"}}})

	r.Replace(next)

	if r.Provider("a") != nil {
		t.Error("expected a removed after replace")
	}
	if r.Provider("b") == nil {
		t.Error("expected b registered after replace")
	}
	if got := r.Pool().Available["gpt-4"]; len(got) != 1 || got[0] != "b" {
		t.Errorf("expected pool replaced, got %v", got)
	}
}

func TestBuildFromConfig(t *testing.T) {
	cfg := &config.ProvidersConfig{
		Providers: []types.Provider{
			{ID: "oa", BaseURL: "https://api.openai.com", APIType: types.APITypeOpenAI},
			{ID: "an", BaseURL: "https://api.anthropic.com", APIType: types.APITypeAnthropic},
		},
		Pool: types.PollingPool{Version: config.PoolSchemaVersion},
	}

	r, err := BuildFromConfig(cfg, adapters.ClientOptions{})
	if err != nil {
		t.Fatalf("BuildFromConfig: %v", err)
	}
	a, ok := r.Get("an")
	if !ok {
		t.Fatal("expected anthropic adapter")
	}
	if _, isAnthropic := a.(*adapters.AnthropicAdapter); !isAnthropic {
		t.Errorf("expected *AnthropicAdapter, got %T", a)
	}

	cfg.Providers = append(cfg.Providers, types.Provider{ID: "bad", BaseURL: "http://x", APIType: "grpc"})
	if _, err := BuildFromConfig(cfg, adapters.ClientOptions{}); err == nil {
		t.Error("expected error for unsupported api type")
	}
}
