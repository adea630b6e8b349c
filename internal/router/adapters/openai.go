package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/af-corp/switchboard/internal/types"
)

// OpenAIAdapter handles communication with OpenAI-compatible APIs.
// The client-facing format is OpenAI's, so request and response are mostly passthrough.
type OpenAIAdapter struct {
	base
}

func NewOpenAIAdapter(p *types.Provider, client *http.Client) *OpenAIAdapter {
	return &OpenAIAdapter{base{provider: p, client: client}}
}

func (a *OpenAIAdapter) BuildRequest(ctx context.Context, call *Call) (*http.Request, error) {
	messages := call.Messages
	if call.SystemPrompt != "" {
		messages = append([]types.Message{types.TextMessage("system", call.SystemPrompt)}, messages...)
	}

	body := make(map[string]any, len(call.Params)+4)
	for k, v := range call.Params {
		body[k] = v
	}
	body["model"] = call.Model
	body["messages"] = messages
	body["stream"] = call.Stream
	if call.User != "" {
		body["user"] = call.User
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal openai request: %w", err)
	}

	url := EndpointURL(a.provider, "chat/completions", a.provider.CustomEndpoints.Chat)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}

	a.setHeaders(httpReq)
	if a.provider.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.provider.APIKey)
	}
	if call.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

// ConvertResponse returns the body unchanged after checking it is a JSON object.
func (a *OpenAIAdapter) ConvertResponse(body []byte) ([]byte, error) {
	if !json.Valid(body) {
		return nil, fmt.Errorf("openai response is not valid JSON")
	}
	return body, nil
}

func (a *OpenAIAdapter) NewStreamDecoder() StreamDecoder {
	return openAIStreamDecoder{}
}

type openAIStreamDecoder struct{}

func (openAIStreamDecoder) Decode(data []byte) ([]byte, bool, error) {
	if bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]")) {
		return nil, true, nil
	}
	return data, false, nil
}

func (a *OpenAIAdapter) ListModels(ctx context.Context) ([]string, error) {
	url := EndpointURL(a.provider, "models", a.provider.CustomEndpoints.Models)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	a.setHeaders(req)
	if a.provider.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.provider.APIKey)
	}
	return fetchModelList(a.client, req)
}

type modelListBody struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func fetchModelList(client *http.Client, req *http.Request) ([]string, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch models: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read models response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("models endpoint returned status %d", resp.StatusCode)
	}

	var list modelListBody
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("unmarshal models response: %w", err)
	}
	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}
