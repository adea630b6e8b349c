package adapters

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/af-corp/switchboard/internal/types"
)

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
)

// anthropicParams are the request fields the Messages API accepts besides
// model, messages, system and stream. Everything else is dropped.
var anthropicParams = map[string]string{
	"max_tokens":     "max_tokens",
	"temperature":    "temperature",
	"top_p":          "top_p",
	"top_k":          "top_k",
	"metadata":       "metadata",
	"stop":           "stop_sequences",
	"stop_sequences": "stop_sequences",
}

// AnthropicAdapter handles communication with the Anthropic Messages API.
type AnthropicAdapter struct {
	base
}

func NewAnthropicAdapter(p *types.Provider, client *http.Client) *AnthropicAdapter {
	return &AnthropicAdapter{base{provider: p, client: client}}
}

func (a *AnthropicAdapter) BuildRequest(ctx context.Context, call *Call) (*http.Request, error) {
	var system []string
	if call.SystemPrompt != "" {
		system = append(system, call.SystemPrompt)
	}
	messages := make([]anthropicMessage, 0, len(call.Messages))
	for _, m := range call.Messages {
		if m.Role == "system" {
			if text := m.Text(); text != "" {
				system = append(system, text)
			}
			continue
		}
		content := m.Content
		if len(content) == 0 {
			content = json.RawMessage(`""`)
		}
		messages = append(messages, anthropicMessage{Role: m.Role, Content: content})
	}

	body := map[string]any{
		"model":    call.Model,
		"messages": messages,
		"stream":   call.Stream,
	}
	if len(system) > 0 {
		body["system"] = strings.Join(system, "\n\n")
	}
	for name, v := range call.Params {
		field, ok := anthropicParams[name]
		if !ok {
			continue
		}
		if field == "stop_sequences" {
			v = stopSequences(v)
		}
		body[field] = v
	}
	if _, ok := body["max_tokens"]; !ok {
		body["max_tokens"] = anthropicDefaultMaxTokens
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	url := EndpointURL(a.provider, "messages", a.provider.CustomEndpoints.Chat)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}

	a.setAuth(httpReq)
	if call.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

func (a *AnthropicAdapter) setAuth(req *http.Request) {
	a.setHeaders(req)
	req.Header.Set("x-api-key", a.provider.APIKey)
	if req.Header.Get("anthropic-version") == "" {
		req.Header.Set("anthropic-version", anthropicVersion)
	}
}

// stopSequences wraps a single stop string into the array form Anthropic requires.
func stopSequences(raw json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		out, _ := json.Marshal([]string{s})
		return out
	}
	return raw
}

func (a *AnthropicAdapter) ConvertResponse(body []byte) ([]byte, error) {
	var antResp anthropicResponseBody
	if err := json.Unmarshal(body, &antResp); err != nil {
		return nil, fmt.Errorf("unmarshal anthropic response: %w", err)
	}
	if antResp.Type == "error" {
		return nil, fmt.Errorf("anthropic error: %s", antResp.Error.Message)
	}

	var content strings.Builder
	for _, block := range antResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	out := types.ChatCompletion{
		ID:      antResp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   antResp.Model,
		Choices: []types.Choice{{
			Index:        0,
			Message:      types.ChoiceMessage{Role: "assistant", Content: content.String()},
			FinishReason: mapStopReason(antResp.StopReason),
		}},
		Usage: &types.Usage{
			PromptTokens:     antResp.Usage.InputTokens,
			CompletionTokens: antResp.Usage.OutputTokens,
			TotalTokens:      antResp.Usage.InputTokens + antResp.Usage.OutputTokens,
		},
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal chat completion: %w", err)
	}
	return data, nil
}

func (a *AnthropicAdapter) NewStreamDecoder() StreamDecoder {
	return &anthropicStreamDecoder{created: time.Now().Unix()}
}

// anthropicStreamDecoder converts Messages API events to OpenAI chunks.
// message_start carries the id and model reused by every later chunk.
type anthropicStreamDecoder struct {
	id      string
	model   string
	created int64
}

func (d *anthropicStreamDecoder) Decode(data []byte) ([]byte, bool, error) {
	var event struct {
		Type    string `json:"type"`
		Index   int    `json:"index"`
		Message struct {
			ID    string `json:"id"`
			Model string `json:"model"`
		} `json:"message"`
		Delta struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Usage struct {
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, false, nil
	}

	switch event.Type {
	case "message_start":
		d.id = event.Message.ID
		d.model = event.Message.Model
		return d.chunk(types.ChunkChoice{Delta: types.Delta{Role: "assistant"}})

	case "content_block_delta":
		if event.Delta.Type != "text_delta" {
			return nil, false, nil
		}
		return d.chunk(types.ChunkChoice{Index: 0, Delta: types.Delta{Content: event.Delta.Text}})

	case "message_delta":
		finishReason := mapStopReason(event.Delta.StopReason)
		return d.chunk(types.ChunkChoice{Index: 0, FinishReason: &finishReason})

	case "message_stop":
		return nil, true, nil

	case "error":
		return nil, false, fmt.Errorf("anthropic stream error: %s: %s", event.Error.Type, event.Error.Message)

	default:
		// content_block_start, content_block_stop, ping
		return nil, false, nil
	}
}

func (d *anthropicStreamDecoder) chunk(choice types.ChunkChoice) ([]byte, bool, error) {
	data, err := json.Marshal(types.ChatCompletionChunk{
		ID:      d.id,
		Object:  "chat.completion.chunk",
		Created: d.created,
		Model:   d.model,
		Choices: []types.ChunkChoice{choice},
	})
	if err != nil {
		return nil, false, fmt.Errorf("marshal openai chunk: %w", err)
	}
	return data, false, nil
}

func (a *AnthropicAdapter) ListModels(ctx context.Context) ([]string, error) {
	url := EndpointURL(a.provider, "models", a.provider.CustomEndpoints.Models)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	a.setAuth(req)
	return fetchModelList(a.client, req)
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicResponseBody struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
