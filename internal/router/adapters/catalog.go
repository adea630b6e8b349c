package adapters

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/af-corp/switchboard/internal/models"
)

const modelFetchTimeout = 5 * time.Second

// ModelCatalog resolves a canonical model name to the id a provider expects.
// Live model lists are cached per provider with a TTL.
type ModelCatalog struct {
	live *expirable.LRU[string, []string]
}

// NewModelCatalog creates a catalog holding up to size provider model lists for ttl.
func NewModelCatalog(size int, ttl time.Duration) *ModelCatalog {
	if size <= 0 {
		size = 256
	}
	return &ModelCatalog{live: expirable.NewLRU[string, []string](size, nil, ttl)}
}

// Resolve returns the provider's model id for canonical. Lookup order: the
// provider's configured model list, its live model list, then requested as given.
func (c *ModelCatalog) Resolve(ctx context.Context, a Adapter, canonical, requested string) string {
	p := a.Provider()
	ids := make([]string, 0, len(p.Models))
	for _, m := range p.Models {
		ids = append(ids, m.ID)
	}
	if id, ok := match(ids, canonical, requested); ok {
		return id
	}

	live, ok := c.live.Get(p.ID)
	if !ok {
		live = c.fetch(ctx, a)
	}
	if id, ok := match(live, canonical, requested); ok {
		return id
	}
	return requested
}

// Refresh reloads a provider's live model list.
func (c *ModelCatalog) Refresh(ctx context.Context, a Adapter) error {
	fetchCtx, cancel := context.WithTimeout(ctx, modelFetchTimeout)
	defer cancel()
	ids, err := a.ListModels(fetchCtx)
	if err != nil {
		return err
	}
	c.live.Add(a.Provider().ID, ids)
	return nil
}

// Invalidate drops the cached list for a provider.
func (c *ModelCatalog) Invalidate(providerID string) {
	c.live.Remove(providerID)
}

func (c *ModelCatalog) fetch(ctx context.Context, a Adapter) []string {
	if err := c.Refresh(ctx, a); err != nil {
		slog.Debug("live model list unavailable", "provider", a.Provider().ID, "error", err)
		// negative entry so a broken models endpoint is not hit on every attempt
		c.live.Add(a.Provider().ID, nil)
		return nil
	}
	ids, _ := c.live.Get(a.Provider().ID)
	return ids
}

func match(ids []string, canonical, requested string) (string, bool) {
	found := ""
	for _, id := range ids {
		if id == requested {
			return id, true
		}
		if found == "" && models.Normalize(id) == canonical {
			found = id
		}
	}
	return found, found != ""
}
