package adapters

import (
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/af-corp/switchboard/internal/types"
)

// Call is one upstream attempt as seen by an adapter.
type Call struct {
	// Model is the provider's own model id.
	Model        string
	Messages     []types.Message
	Params       map[string]json.RawMessage
	SystemPrompt string
	Stream       bool
	// User is the client's end-user id, forwarded where the dialect has one.
	User string
}

// Adapter speaks one upstream API dialect and converts its responses to the
// OpenAI chat-completion format clients see.
type Adapter interface {
	Provider() *types.Provider
	BuildRequest(ctx context.Context, call *Call) (*http.Request, error)
	// Do sends a request using the provider's configured client.
	Do(req *http.Request) (*http.Response, error)
	// ConvertResponse turns a buffered upstream body into a chat.completion object.
	ConvertResponse(body []byte) ([]byte, error)
	// NewStreamDecoder returns a decoder for one upstream event stream.
	NewStreamDecoder() StreamDecoder
	// ListModels fetches the provider's live model ids.
	ListModels(ctx context.Context) ([]string, error)
}

// StreamDecoder converts upstream SSE data payloads to chat.completion.chunk payloads.
// A nil out with done=false means the event carries nothing for the client.
type StreamDecoder interface {
	Decode(data []byte) (out []byte, done bool, err error)
}

// New returns the adapter for the provider's api type.
func New(p *types.Provider, client *http.Client) (Adapter, error) {
	switch p.APIType {
	case types.APITypeOpenAI, "":
		return NewOpenAIAdapter(p, client), nil
	case types.APITypeAnthropic:
		return NewAnthropicAdapter(p, client), nil
	default:
		return nil, fmt.Errorf("provider %s: unsupported api type %q", p.ID, p.APIType)
	}
}

type base struct {
	provider *types.Provider
	client   *http.Client
}

func (b *base) Provider() *types.Provider { return b.provider }

func (b *base) Do(req *http.Request) (*http.Response, error) {
	return b.client.Do(req)
}

func (b *base) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	for k, v := range b.provider.Headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
}
