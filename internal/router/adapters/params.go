package adapters

import (
	"github.com/goccy/go-json"
)

// MergeParams layers request parameters: defaults, then key policy
// overrides, then client-supplied values. Presence decides precedence, so a
// client sending temperature 0 keeps 0.
func MergeParams(defaults map[string]any, policy, client map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(defaults)+len(policy)+len(client))
	for k, v := range defaults {
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		out[k] = raw
	}
	for k, v := range policy {
		out[k] = v
	}
	for k, v := range client {
		out[k] = v
	}
	return out
}
