package types

import "github.com/goccy/go-json"

// KeyPolicy narrows which providers and models a caller may reach and which
// default parameters apply to its requests.
type KeyPolicy struct {
	KeyID         string                     `json:"key_id"`
	Name          string                     `json:"name,omitempty"`
	Params        map[string]json.RawMessage `json:"params,omitempty"`
	SystemPrompt  string                     `json:"system_prompt,omitempty"`
	AllowedModels []string                   `json:"allowed_models,omitempty"`
	AllowedGroups []string                   `json:"allowed_groups,omitempty"`
	UsePolling    bool                       `json:"use_polling"`
	RPMLimit      *int                       `json:"rpm_limit,omitempty"`
}

// AllowsGroup reports whether the policy admits providers of the given group.
// An empty allow list admits every group.
func (p *KeyPolicy) AllowsGroup(group string) bool {
	if p == nil || len(p.AllowedGroups) == 0 {
		return true
	}
	for _, g := range p.AllowedGroups {
		if g == group {
			return true
		}
	}
	return false
}
