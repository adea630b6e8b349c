package config

import (
	"fmt"
	"slices"

	"github.com/af-corp/switchboard/internal/models"
	"github.com/af-corp/switchboard/internal/types"
)

// PoolSchemaVersion is the only providers.yaml pool layout accepted.
const PoolSchemaVersion = 2

type ProvidersConfig struct {
	Providers []types.Provider  `yaml:"providers"`
	Pool      types.PollingPool `yaml:"pool"`
}

// Validate checks provider identity fields and the polling pool, and
// normalizes pool model names in place.
func (p *ProvidersConfig) Validate() error {
	seen := make(map[string]bool, len(p.Providers))
	for i := range p.Providers {
		prov := &p.Providers[i]
		if prov.ID == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		if seen[prov.ID] {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, prov.ID)
		}
		seen[prov.ID] = true
		if prov.BaseURL == "" && prov.CustomEndpoints.Chat == "" {
			return fmt.Errorf("provider %s: base_url is required", prov.ID)
		}
		switch prov.APIType {
		case "":
			prov.APIType = types.APITypeOpenAI
		case types.APITypeOpenAI, types.APITypeAnthropic:
		default:
			return fmt.Errorf("provider %s: unknown api_type %q", prov.ID, prov.APIType)
		}
	}

	pool := &p.Pool
	if pool.Version == 0 && len(pool.Available) == 0 && len(pool.Excluded) == 0 {
		pool.Version = PoolSchemaVersion
		return nil
	}
	if pool.Version != PoolSchemaVersion {
		return fmt.Errorf("pool: schema version %d is not supported, expected version %d (excluded as a list of {provider, model})",
			pool.Version, PoolSchemaVersion)
	}

	available := make(map[string][]string, len(pool.Available))
	for model, ids := range pool.Available {
		canonical := models.Normalize(model)
		if canonical == "" {
			return fmt.Errorf("pool.available: empty model name")
		}
		for _, id := range ids {
			if !seen[id] {
				return fmt.Errorf("pool.available[%s]: unknown provider %q", model, id)
			}
			if !slices.Contains(available[canonical], id) {
				available[canonical] = append(available[canonical], id)
			}
		}
	}
	pool.Available = available

	for i := range pool.Excluded {
		pool.Excluded[i].Model = models.Normalize(pool.Excluded[i].Model)
	}
	return nil
}

// Provider returns the provider with the given id, or nil.
func (p *ProvidersConfig) Provider(id string) *types.Provider {
	for i := range p.Providers {
		if p.Providers[i].ID == id {
			return &p.Providers[i]
		}
	}
	return nil
}
