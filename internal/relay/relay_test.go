package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/af-corp/switchboard/internal/router/adapters"
	"github.com/af-corp/switchboard/internal/types"
)

func openAI() Converter {
	return adapters.NewOpenAIAdapter(&types.Provider{ID: "a", BaseURL: "http://upstream"}, http.DefaultClient)
}

func anthropic() Converter {
	return adapters.NewAnthropicAdapter(&types.Provider{ID: "b", BaseURL: "http://upstream", APIType: types.APITypeAnthropic}, http.DefaultClient)
}

func upstream(contentType string, body io.Reader) *http.Response {
	h := http.Header{}
	h.Set("Content-Type", contentType)
	rc, ok := body.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(body)
	}
	return &http.Response{StatusCode: http.StatusOK, Header: h, Body: rc}
}

// dataFrames returns the payload of every data frame in an SSE body.
func dataFrames(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			out = append(out, strings.TrimPrefix(line, "data: "))
		}
	}
	return out
}

func TestRelay_StreamPassthrough(t *testing.T) {
	sse := "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
		": keep-alive\n\n" +
		"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"}}]}\n\n" +
		"data: [DONE]\n\n"

	rec := httptest.NewRecorder()
	out := New(time.Second, nil).Relay(context.Background(), rec,
		upstream("text/event-stream", strings.NewReader(sse)), openAI(), Request{RequestID: "r1", Stream: true})

	require.True(t, out.OK(), "err: %v", out.Err)
	assert.True(t, out.Written)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "r1", rec.Header().Get("X-Request-ID"))

	frames := dataFrames(rec.Body.String())
	require.Len(t, frames, 3)
	assert.Contains(t, frames[0], "Hel")
	assert.Contains(t, frames[1], "lo")
	assert.Equal(t, "[DONE]", frames[2])
}

func TestRelay_StreamEOFWithoutTerminatorCompletes(t *testing.T) {
	sse := "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"x\"}}]}\n\n"

	rec := httptest.NewRecorder()
	out := New(time.Second, nil).Relay(context.Background(), rec,
		upstream("text/event-stream; charset=utf-8", strings.NewReader(sse)), openAI(), Request{Stream: true})

	require.True(t, out.OK())
	frames := dataFrames(rec.Body.String())
	require.Len(t, frames, 2)
	assert.Equal(t, "[DONE]", frames[1])
}

func TestRelay_AnthropicStreamTranslated(t *testing.T) {
	sse := "event: message_start\n" +
		"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"model\":\"claude-3-opus\"}}\n\n" +
		"event: ping\ndata: {\"type\":\"ping\"}\n\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n" +
		"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"}}\n\n" +
		"data: {\"type\":\"message_stop\"}\n\n"

	rec := httptest.NewRecorder()
	out := New(time.Second, nil).Relay(context.Background(), rec,
		upstream("text/event-stream", strings.NewReader(sse)), anthropic(), Request{Stream: true})
	require.True(t, out.OK(), "err: %v", out.Err)

	frames := dataFrames(rec.Body.String())
	require.Len(t, frames, 4)

	var chunk types.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(frames[1]), &chunk))
	assert.Equal(t, "msg_1", chunk.ID)
	assert.Equal(t, "chat.completion.chunk", chunk.Object)
	assert.Equal(t, "Hi", chunk.Choices[0].Delta.Content)

	require.NoError(t, json.Unmarshal([]byte(frames[2]), &chunk))
	require.NotNil(t, chunk.Choices[0].FinishReason)
	assert.Equal(t, "stop", *chunk.Choices[0].FinishReason)
	assert.Equal(t, "[DONE]", frames[3])
}

func TestRelay_JSONToStreamingClient(t *testing.T) {
	body := `{"id":"c9","object":"chat.completion","created":1,"model":"gpt-4",` +
		`"choices":[{"index":0,"message":{"role":"assistant","content":"whole answer"},"finish_reason":"stop"}],` +
		`"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`

	rec := httptest.NewRecorder()
	out := New(time.Second, nil).Relay(context.Background(), rec,
		upstream("application/json", strings.NewReader(body)), openAI(), Request{Stream: true})
	require.True(t, out.OK(), "err: %v", out.Err)
	require.NotNil(t, out.Usage)
	assert.Equal(t, 5, out.Usage.TotalTokens)

	frames := dataFrames(rec.Body.String())
	require.Len(t, frames, 2)
	var chunk types.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &chunk))
	assert.Equal(t, "c9", chunk.ID)
	assert.Equal(t, "chat.completion.chunk", chunk.Object)
	assert.Equal(t, "whole answer", chunk.Choices[0].Delta.Content)
	assert.Equal(t, "[DONE]", frames[1])
}

func TestRelay_JSONToJSONClient(t *testing.T) {
	body := `{"id":"c9","object":"chat.completion","model":"gpt-4","choices":[]}`

	rec := httptest.NewRecorder()
	out := New(time.Second, nil).Relay(context.Background(), rec,
		upstream("application/json", strings.NewReader(body)), openAI(), Request{})
	require.True(t, out.OK())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, body, rec.Body.String())
}

func TestRelay_StreamAggregatedForJSONClient(t *testing.T) {
	sse := "data: {\"id\":\"c1\",\"model\":\"gpt-4\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"Hel\"}}]}\n\n" +
		"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: [DONE]\n\n"

	rec := httptest.NewRecorder()
	out := New(time.Second, nil).Relay(context.Background(), rec,
		upstream("text/event-stream", strings.NewReader(sse)), openAI(), Request{})
	require.True(t, out.OK(), "err: %v", out.Err)

	var completion types.ChatCompletion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &completion))
	assert.Equal(t, "c1", completion.ID)
	assert.Equal(t, "chat.completion", completion.Object)
	require.Len(t, completion.Choices, 1)
	assert.Equal(t, "Hello", completion.Choices[0].Message.Content)
	assert.Equal(t, "stop", completion.Choices[0].FinishReason)
}

func TestRelay_InvalidJSONFailsBeforeWriting(t *testing.T) {
	rec := httptest.NewRecorder()
	out := New(time.Second, nil).Relay(context.Background(), rec,
		upstream("application/json", strings.NewReader("<html>bad gateway</html>")), openAI(), Request{Stream: true})

	require.Error(t, out.Err)
	assert.False(t, out.Written)
	assert.Empty(t, rec.Body.String())
	assert.Empty(t, rec.Header().Get("Content-Type"))
}

func TestRelay_TimeoutBeforeOutput(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })

	canceled := make(chan struct{})
	rec := httptest.NewRecorder()
	out := New(30*time.Millisecond, nil).Relay(context.Background(), rec,
		upstream("text/event-stream", pr), openAI(),
		Request{Stream: true, Cancel: func() { close(canceled) }})

	assert.True(t, out.TimedOut)
	assert.ErrorIs(t, out.Err, ErrTimeout)
	assert.False(t, out.Written)
	select {
	case <-canceled:
	default:
		t.Fatal("expected upstream cancel on timeout")
	}
}

func TestRelay_TimeoutMidStreamWritesErrorFrame(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })
	go func() {
		_, _ = io.WriteString(pw, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"partial\"}}]}\n\n")
	}()

	rec := httptest.NewRecorder()
	out := New(50*time.Millisecond, nil).Relay(context.Background(), rec,
		upstream("text/event-stream", pr), openAI(), Request{Stream: true})

	assert.True(t, out.TimedOut)
	assert.True(t, out.Written)

	frames := dataFrames(rec.Body.String())
	require.Len(t, frames, 3)
	assert.Contains(t, frames[0], "partial")
	assert.Contains(t, frames[1], "timed out")
	assert.Equal(t, "[DONE]", frames[2])
}

// slowTerminator stalls the write of the [DONE] frame.
type slowTerminator struct {
	*httptest.ResponseRecorder
	delay time.Duration
}

func (s slowTerminator) Write(p []byte) (int, error) {
	if strings.Contains(string(p), "[DONE]") {
		time.Sleep(s.delay)
	}
	return s.ResponseRecorder.Write(p)
}

func TestRelay_TimeoutDuringTerminatorIsSuccess(t *testing.T) {
	sse := "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"x\"}}]}\n\n" +
		"data: [DONE]\n\n"

	rec := httptest.NewRecorder()
	w := slowTerminator{ResponseRecorder: rec, delay: 100 * time.Millisecond}
	out := New(20*time.Millisecond, nil).Relay(context.Background(), w,
		upstream("text/event-stream", strings.NewReader(sse)), openAI(), Request{Stream: true})

	require.True(t, out.OK(), "err: %v", out.Err)
	assert.False(t, out.TimedOut)

	frames := dataFrames(rec.Body.String())
	require.Len(t, frames, 2)
	assert.Equal(t, "[DONE]", frames[1])
}

func TestRelay_ClientCancelReported(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	out := New(time.Second, nil).Relay(ctx, rec,
		upstream("text/event-stream", errReader{}), openAI(), Request{Stream: true})

	assert.Error(t, out.Err)
	assert.True(t, out.Canceled)
	assert.False(t, out.TimedOut)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, context.Canceled }

func TestSyntheticChunk_FillsDefaults(t *testing.T) {
	chunk := SyntheticChunk(&types.ChatCompletion{
		Choices: []types.Choice{{Message: types.ChoiceMessage{Content: "x"}}},
	})
	assert.True(t, strings.HasPrefix(chunk.ID, "chatcmpl-"))
	assert.NotZero(t, chunk.Created)
	require.Len(t, chunk.Choices, 1)
	assert.Equal(t, "assistant", chunk.Choices[0].Delta.Role)
	assert.Equal(t, "stop", *chunk.Choices[0].FinishReason)
}
