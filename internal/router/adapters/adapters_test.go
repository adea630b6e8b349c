package adapters

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/af-corp/switchboard/internal/types"
)

func TestBuildURL(t *testing.T) {
	tests := []struct {
		base, endpoint, want string
	}{
		{"https://api.openai.com", "chat/completions", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/", "chat/completions", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1", "models", "https://api.openai.com/v1/models"},
		{"https://open.bigmodel.cn/api/paas/v4/", "chat/completions", "https://open.bigmodel.cn/api/paas/v4/chat/completions"},
		{"https://example.com/openai", "models", "https://example.com/openai/v1/models"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BuildURL(tt.base, tt.endpoint), "base %q", tt.base)
	}
}

func TestEndpointURL_Custom(t *testing.T) {
	p := &types.Provider{BaseURL: "https://example.com/api/"}
	assert.Equal(t, "https://example.com/api/chat", EndpointURL(p, "chat/completions", "/chat"))
	assert.Equal(t, "https://other.example.com/x", EndpointURL(p, "chat/completions", "https://other.example.com/x"))
	assert.Equal(t, "https://example.com/api/v1/chat/completions", EndpointURL(p, "chat/completions", ""))
}

func TestMergeParams_Priority(t *testing.T) {
	defaults := map[string]any{"temperature": 0.7, "max_tokens": 2000, "top_p": 1}
	policy := map[string]json.RawMessage{"temperature": json.RawMessage(`0.3`), "max_tokens": json.RawMessage(`500`)}
	client := map[string]json.RawMessage{"temperature": json.RawMessage(`0`), "seed": json.RawMessage(`42`)}

	got := MergeParams(defaults, policy, client)

	assert.JSONEq(t, `0`, string(got["temperature"]), "client zero wins")
	assert.JSONEq(t, `500`, string(got["max_tokens"]), "policy overrides default")
	assert.JSONEq(t, `1`, string(got["top_p"]), "default fills the gap")
	assert.JSONEq(t, `42`, string(got["seed"]), "unknown client params pass through")
}

func decodeBody(t *testing.T, req *http.Request) map[string]json.RawMessage {
	t.Helper()
	data, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &body))
	return body
}

func TestOpenAIAdapter_BuildRequest(t *testing.T) {
	p := &types.Provider{ID: "a", BaseURL: "https://a.example.com", APIKey: "sk-a", Headers: map[string]string{"X-Org": "o1"}}
	a := NewOpenAIAdapter(p, http.DefaultClient)

	req, err := a.BuildRequest(context.Background(), &Call{
		Model:        "gpt-4-0613",
		Messages:     []types.Message{types.TextMessage("user", "hi")},
		Params:       map[string]json.RawMessage{"temperature": json.RawMessage(`0.5`), "logit_bias": json.RawMessage(`{}`)},
		SystemPrompt: "be brief",
		Stream:       true,
		User:         "alice",
	})
	require.NoError(t, err)

	assert.Equal(t, "https://a.example.com/v1/chat/completions", req.URL.String())
	assert.Equal(t, "Bearer sk-a", req.Header.Get("Authorization"))
	assert.Equal(t, "o1", req.Header.Get("X-Org"))

	body := decodeBody(t, req)
	assert.JSONEq(t, `"gpt-4-0613"`, string(body["model"]))
	assert.JSONEq(t, `true`, string(body["stream"]))
	assert.JSONEq(t, `0.5`, string(body["temperature"]))
	assert.JSONEq(t, `{}`, string(body["logit_bias"]))
	assert.JSONEq(t, `"alice"`, string(body["user"]))

	var messages []types.Message
	require.NoError(t, json.Unmarshal(body["messages"], &messages))
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].Role)
	assert.Equal(t, "be brief", messages[0].Text())
	assert.Equal(t, "hi", messages[1].Text())
}

func TestAnthropicAdapter_BuildRequest(t *testing.T) {
	p := &types.Provider{ID: "b", BaseURL: "https://api.anthropic.com/v1", APIKey: "ak", APIType: types.APITypeAnthropic}
	a := NewAnthropicAdapter(p, http.DefaultClient)

	req, err := a.BuildRequest(context.Background(), &Call{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []types.Message{
			types.TextMessage("system", "inline system"),
			types.TextMessage("user", "hello"),
		},
		Params: map[string]json.RawMessage{
			"temperature":       json.RawMessage(`0.2`),
			"stop":              json.RawMessage(`"END"`),
			"frequency_penalty": json.RawMessage(`1`),
		},
		SystemPrompt: "policy prompt",
	})
	require.NoError(t, err)

	assert.Equal(t, "https://api.anthropic.com/v1/messages", req.URL.String())
	assert.Equal(t, "ak", req.Header.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, req.Header.Get("anthropic-version"))
	assert.Empty(t, req.Header.Get("Authorization"))

	body := decodeBody(t, req)
	assert.JSONEq(t, `"policy prompt\n\ninline system"`, string(body["system"]))
	assert.JSONEq(t, `4096`, string(body["max_tokens"]))
	assert.JSONEq(t, `["END"]`, string(body["stop_sequences"]))
	assert.JSONEq(t, `0.2`, string(body["temperature"]))
	assert.NotContains(t, body, "frequency_penalty")
	assert.NotContains(t, body, "stop")
	assert.JSONEq(t, `[{"role":"user","content":"hello"}]`, string(body["messages"]))
}

func TestAnthropicAdapter_ConvertResponse(t *testing.T) {
	a := NewAnthropicAdapter(&types.Provider{ID: "b"}, http.DefaultClient)
	out, err := a.ConvertResponse([]byte(`{
		"id":"msg_1","type":"message","role":"assistant","model":"claude-3",
		"content":[{"type":"text","text":"Hello "},{"type":"text","text":"there"}],
		"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":2}}`))
	require.NoError(t, err)

	var completion types.ChatCompletion
	require.NoError(t, json.Unmarshal(out, &completion))
	assert.Equal(t, "chat.completion", completion.Object)
	require.Len(t, completion.Choices, 1)
	assert.Equal(t, "Hello there", completion.Choices[0].Message.Content)
	assert.Equal(t, "stop", completion.Choices[0].FinishReason)
	assert.Equal(t, 5, completion.Usage.TotalTokens)
}

func TestAnthropicStreamDecoder(t *testing.T) {
	d := NewAnthropicAdapter(&types.Provider{ID: "b"}, http.DefaultClient).NewStreamDecoder()

	out, done, err := d.Decode([]byte(`{"type":"message_start","message":{"id":"msg_9","model":"claude-3"}}`))
	require.NoError(t, err)
	assert.False(t, done)
	var chunk types.ChatCompletionChunk
	require.NoError(t, json.Unmarshal(out, &chunk))
	assert.Equal(t, "assistant", chunk.Choices[0].Delta.Role)

	out, _, _ = d.Decode([]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`))
	require.NoError(t, json.Unmarshal(out, &chunk))
	assert.Equal(t, "msg_9", chunk.ID)
	assert.Equal(t, "Hi", chunk.Choices[0].Delta.Content)

	out, _, _ = d.Decode([]byte(`{"type":"ping"}`))
	assert.Nil(t, out)

	out, _, _ = d.Decode([]byte(`{"type":"message_delta","delta":{"stop_reason":"max_tokens"}}`))
	require.NoError(t, json.Unmarshal(out, &chunk))
	require.NotNil(t, chunk.Choices[0].FinishReason)
	assert.Equal(t, "length", *chunk.Choices[0].FinishReason)

	_, done, _ = d.Decode([]byte(`{"type":"message_stop"}`))
	assert.True(t, done)

	_, _, err = d.Decode([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	assert.Error(t, err)
}

func TestOpenAIStreamDecoder(t *testing.T) {
	d := NewOpenAIAdapter(&types.Provider{}, http.DefaultClient).NewStreamDecoder()
	out, done, err := d.Decode([]byte(`{"choices":[]}`))
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, `{"choices":[]}`, string(out))

	_, done, _ = d.Decode([]byte("[DONE]"))
	assert.True(t, done)
}

func TestModelCatalog_Resolve(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data":[{"id":"deepseek-ai/DeepSeek-V3"},{"id":"gpt-4o-2024-08-06"}]}`)
	}))
	defer srv.Close()

	p := &types.Provider{ID: "a", BaseURL: srv.URL, Models: []types.ProviderModel{{ID: "GPT-4-0613-custom", Visible: true}}}
	a := NewOpenAIAdapter(p, srv.Client())
	c := NewModelCatalog(8, time.Minute)

	assert.Equal(t, "gpt-4o-2024-08-06", c.Resolve(context.Background(), a, "gpt-4o", "gpt-4o"))
	assert.Equal(t, "deepseek-ai/DeepSeek-V3", c.Resolve(context.Background(), a, "deepseek-v3", "deepseek-v3"))
	assert.Equal(t, "unknown-x", c.Resolve(context.Background(), a, "unknown-x", "unknown-x"))
	assert.Equal(t, int32(1), calls.Load(), "live list fetched once and cached")

	c.Invalidate("a")
	c.Resolve(context.Background(), a, "gpt-4o", "gpt-4o")
	assert.Equal(t, int32(2), calls.Load())
}

func TestModelCatalog_ConfiguredListFirst(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := &types.Provider{ID: "a", BaseURL: srv.URL, Models: []types.ProviderModel{{ID: "OpenAI/GPT-4-20240101"}}}
	c := NewModelCatalog(8, time.Minute)
	got := c.Resolve(context.Background(), NewOpenAIAdapter(p, srv.Client()), "gpt-4", "gpt-4")

	assert.Equal(t, "OpenAI/GPT-4-20240101", got)
	assert.Zero(t, calls.Load())
}

func TestNewHTTPClient_Proxy(t *testing.T) {
	_, err := NewHTTPClient(&types.Provider{ID: "a", ProxyURL: "ftp://proxy:21"}, ClientOptions{})
	assert.Error(t, err)

	client, err := NewHTTPClient(&types.Provider{ID: "a", ProxyURL: "http://127.0.0.1:7890"}, ClientOptions{ConnectTimeout: time.Second})
	require.NoError(t, err)
	tr := client.Transport.(*http.Transport)
	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com", nil)
	proxy, err := tr.Proxy(req)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7890", proxy.Host)
}

func TestNew(t *testing.T) {
	a, err := New(&types.Provider{ID: "x", APIType: types.APITypeAnthropic}, http.DefaultClient)
	require.NoError(t, err)
	assert.IsType(t, &AnthropicAdapter{}, a)

	_, err = New(&types.Provider{ID: "y", APIType: "gemini"}, http.DefaultClient)
	assert.Error(t, err)
}
