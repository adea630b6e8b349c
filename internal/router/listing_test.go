package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/af-corp/switchboard/internal/types"
)

func newListingRouter() *Router {
	hidden := provider("c", "team-b", "claude-3-opus")
	hidden.Models = append(hidden.Models, types.ProviderModel{ID: "internal-embed", Visible: false})

	registry := newTestRegistry(
		provider("a", "team-a", "gpt-4", "gpt-3.5-turbo"),
		provider("b", "team-a", "gpt-4"),
		hidden,
	)
	registry.SetPool(types.PollingPool{Version: 2, Available: map[string][]string{
		"gpt-4":         {"a", "b"},
		"gpt-3.5-turbo": {"a"},
		"claude-3-opus": {"c", "a"},
	}})
	return New(registry, Options{Settings: Settings{Health: DefaultHealthPolicy()}})
}

func listIDs(list ModelList) []string {
	out := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		out = append(out, m.ID)
	}
	return out
}

func TestListModels_PollingRequiresMinimumEligible(t *testing.T) {
	r := newListingRouter()
	policy := &types.KeyPolicy{KeyID: "k", UsePolling: true}

	list := r.ListModels(policy, 2)
	assert.Equal(t, "list", list.Object)
	assert.Equal(t, []string{"claude-3-opus", "gpt-4"}, listIDs(list))

	for i := 0; i < 3; i++ {
		r.Health().RecordFailure("b", "gpt-4")
	}
	assert.Equal(t, []string{"claude-3-opus"}, listIDs(r.ListModels(policy, 2)))
	assert.Equal(t, 1, r.EligibleCount("gpt-4"))
}

func TestListModels_PollingHonorsGroups(t *testing.T) {
	r := newListingRouter()
	policy := &types.KeyPolicy{KeyID: "k", UsePolling: true, AllowedGroups: []string{"team-a"}}

	// claude-3-opus only has one team-a provider left in its pool
	assert.Equal(t, []string{"gpt-4"}, listIDs(r.ListModels(policy, 2)))
	assert.Equal(t, []string{"claude-3-opus", "gpt-3.5-turbo", "gpt-4"}, listIDs(r.ListModels(policy, 1)))
}

func TestListModels_NonPollingShowsGroupModels(t *testing.T) {
	r := newListingRouter()

	list := r.ListModels(&types.KeyPolicy{KeyID: "k", AllowedGroups: []string{"team-b"}}, 2)
	require.Len(t, list.Data, 1)
	entry := list.Data[0]
	assert.Equal(t, "claude-3-opus", entry.ID)
	assert.Equal(t, "model", entry.Object)
	assert.Equal(t, "c", entry.OwnedBy)
	assert.Equal(t, "claude-3-opus", entry.Root)
	assert.Nil(t, entry.Parent)
	assert.NotNil(t, entry.Permission)

	all := r.ListModels(&types.KeyPolicy{KeyID: "k"}, 2)
	assert.Equal(t, []string{"gpt-4", "gpt-3.5-turbo", "claude-3-opus"}, listIDs(all))
}

func TestListModels_FilteredByAllowedModels(t *testing.T) {
	r := newListingRouter()

	list := r.ListModels(&types.KeyPolicy{KeyID: "k", AllowedModels: []string{"GPT-4"}}, 2)
	assert.Equal(t, []string{"gpt-4"}, listIDs(list))

	polling := r.ListModels(&types.KeyPolicy{KeyID: "k", UsePolling: true, AllowedModels: []string{"openai/gpt-4-20240101"}}, 2)
	assert.Equal(t, []string{"gpt-4"}, listIDs(polling))
}

func TestRouter_AvailableAndKnownModels(t *testing.T) {
	r := newListingRouter()

	assert.Equal(t, []string{"claude-3-opus", "gpt-3.5-turbo", "gpt-4", "internal-embed"}, r.KnownModels())
	assert.True(t, r.Available("internal-embed"))
	assert.False(t, r.Available("mistral-large"))

	for i := 0; i < 3; i++ {
		r.Health().RecordFailure("a", "gpt-3.5-turbo")
	}
	assert.False(t, r.Available("gpt-3.5-turbo"))
}
