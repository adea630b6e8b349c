package types

import (
	"time"

	"gopkg.in/yaml.v3"
)

const (
	APITypeOpenAI    = "openai"
	APITypeAnthropic = "anthropic"
)

// Provider is one upstream endpoint able to serve chat completions.
// Identity fields are owned by configuration; the router only reads them.
type Provider struct {
	ID              string            `yaml:"id" json:"id"`
	Name            string            `yaml:"name" json:"name"`
	BaseURL         string            `yaml:"base_url" json:"base_url"`
	APIKey          string            `yaml:"api_key" json:"-"`
	APIType         string            `yaml:"api_type" json:"api_type"`
	GroupID         string            `yaml:"group_id" json:"group_id"`
	Disabled        bool              `yaml:"disabled" json:"disabled"`
	Models          []ProviderModel   `yaml:"models" json:"models"`
	CustomEndpoints CustomEndpoints   `yaml:"custom_endpoints,omitempty" json:"custom_endpoints,omitempty"`
	ProxyURL        string            `yaml:"proxy_url,omitempty" json:"-"`
	Timeout         time.Duration     `yaml:"timeout,omitempty" json:"-"`
	MaxConcurrent   int               `yaml:"max_concurrent,omitempty" json:"-"`
	Headers         map[string]string `yaml:"headers,omitempty" json:"-"`
}

// DisplayName returns the human-friendly name, falling back to the ID.
func (p *Provider) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

type ProviderModel struct {
	ID      string `yaml:"id" json:"id"`
	Visible bool   `yaml:"visible" json:"visible"`
}

// UnmarshalYAML accepts either a bare model id or a mapping. Models are
// visible unless stated otherwise.
func (m *ProviderModel) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		m.ID = node.Value
		m.Visible = true
		return nil
	}
	type plain ProviderModel
	p := plain{Visible: true}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*m = ProviderModel(p)
	return nil
}

// HasModel reports whether the provider lists a model with the given id under
// the supplied equivalence.
func (p *Provider) HasModel(model string, same func(a, b string) bool) bool {
	for _, m := range p.Models {
		if same(m.ID, model) {
			return true
		}
	}
	return false
}

// CustomEndpoints override the derived upstream URLs. Values may be absolute
// URLs or paths relative to the provider base URL.
type CustomEndpoints struct {
	Chat   string `yaml:"chat,omitempty" json:"chat,omitempty"`
	Models string `yaml:"models,omitempty" json:"models,omitempty"`
}

// PoolPair identifies a (provider, canonical model) combination.
type PoolPair struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
}

// PollingPool defines which providers may serve each canonical model.
type PollingPool struct {
	Version   int                 `yaml:"version" json:"version"`
	Available map[string][]string `yaml:"available" json:"available"`
	Excluded  []PoolPair          `yaml:"excluded" json:"excluded"`
}

// IsExcluded reports whether the pair is statically excluded from the pool.
func (p *PollingPool) IsExcluded(providerID, model string) bool {
	if p == nil {
		return false
	}
	for _, e := range p.Excluded {
		if e.Provider == providerID && e.Model == model {
			return true
		}
	}
	return false
}
