package adapters

import (
	"regexp"
	"strings"

	"github.com/af-corp/switchboard/internal/types"
)

var versionSuffix = regexp.MustCompile(`/v\d+$`)

// BuildURL joins a base URL and an endpoint. A base already ending in a
// version segment such as /v1 or /v4 gets the endpoint appended directly;
// otherwise /v1/ is inserted.
func BuildURL(baseURL, endpoint string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	endpoint = strings.TrimLeft(endpoint, "/")
	if versionSuffix.MatchString(baseURL) {
		return baseURL + "/" + endpoint
	}
	return baseURL + "/v1/" + endpoint
}

// EndpointURL resolves an endpoint for a provider, honoring a custom override.
// Overrides may be absolute URLs or paths relative to the base URL.
func EndpointURL(p *types.Provider, endpoint, custom string) string {
	switch {
	case custom == "":
		return BuildURL(p.BaseURL, endpoint)
	case strings.HasPrefix(custom, "http://"), strings.HasPrefix(custom, "https://"):
		return custom
	default:
		return strings.TrimRight(p.BaseURL, "/") + "/" + strings.TrimLeft(custom, "/")
	}
}
