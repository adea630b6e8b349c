package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/af-corp/switchboard/internal/httputil"
	"github.com/af-corp/switchboard/internal/router/adapters"
	"github.com/af-corp/switchboard/internal/types"
)

// DefaultTimeout bounds one relayed response end to end.
const DefaultTimeout = 120 * time.Second

const maxBufferedBody = 16 << 20

// ErrTimeout is reported when the stream timeout fires before a terminal event.
var ErrTimeout = errors.New("upstream response timed out")

// Converter is the part of a provider adapter the relay needs.
type Converter interface {
	ConvertResponse(body []byte) ([]byte, error)
	NewStreamDecoder() adapters.StreamDecoder
}

// Outcome is the terminal state of one relay. Exactly one of success (Err
// nil), failure, timeout or cancellation is reported.
type Outcome struct {
	Err      error
	TimedOut bool
	Canceled bool
	// Written is true once any byte reached the client; the attempt can no
	// longer be retried against another provider.
	Written bool
	Usage   *types.Usage
}

// OK reports a successful relay.
func (o Outcome) OK() bool { return o.Err == nil }

// Relay copies upstream responses to the client in the mode the client asked for.
type Relay struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

func New(timeout time.Duration, logger *slog.Logger) *Relay {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{Timeout: timeout, Logger: logger}
}

// Request describes one relay.
type Request struct {
	RequestID string
	Stream    bool
	// Cancel aborts the upstream request; the timeout calls it.
	Cancel context.CancelFunc
}

// Relay consumes resp and writes the client response to w. The caller's ctx
// is the client request context: its cancellation is reported as Canceled.
func (r *Relay) Relay(ctx context.Context, w http.ResponseWriter, resp *http.Response, conv Converter, req Request) Outcome {
	defer resp.Body.Close()

	var finished atomic.Bool
	var timedOut atomic.Bool
	timer := time.AfterFunc(r.Timeout, func() {
		if finished.CompareAndSwap(false, true) {
			timedOut.Store(true)
			if req.Cancel != nil {
				req.Cancel()
			}
			resp.Body.Close()
		}
	})
	defer timer.Stop()

	cw := &clientWriter{w: w, reqID: req.RequestID, claim: func() bool {
		return finished.CompareAndSwap(false, true)
	}}
	upstreamSSE := strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")

	var out Outcome
	switch {
	case upstreamSSE && req.Stream:
		out = r.pipeStream(resp.Body, conv.NewStreamDecoder(), cw)
	case upstreamSSE:
		out = r.aggregateStream(resp.Body, conv.NewStreamDecoder(), cw)
	default:
		out = r.relayJSON(resp.Body, conv, cw, req.Stream)
	}
	out.Written = cw.started

	// the guard lets only one of completion and timeout be accounted; a
	// writer that claimed it before its terminator has completed
	if !finished.CompareAndSwap(false, true) && timedOut.Load() {
		out.Err = ErrTimeout
		out.TimedOut = true
	} else if out.Err != nil && ctx.Err() != nil {
		out.Canceled = true
	}

	if out.Err != nil && out.Written && !out.Canceled {
		msg := "Upstream stream failed"
		if out.TimedOut {
			msg = "Upstream stream timed out"
		}
		if cw.sse {
			httputil.WriteSSEError(w, "server_error", msg)
		}
	}
	return out
}

// clientWriter defers committing response headers until the first write so
// that a relay failing before any output leaves the response untouched.
type clientWriter struct {
	w     http.ResponseWriter
	reqID string
	// claim takes the completion guard before the final write; false means
	// the timeout already fired.
	claim   func() bool
	started bool
	sse     bool
}

func (c *clientWriter) claimCompletion() error {
	if c.claim != nil && !c.claim() {
		return ErrTimeout
	}
	return nil
}

func (c *clientWriter) startSSE() {
	if c.started {
		return
	}
	httputil.SetSSEHeaders(c.w)
	c.w.Header().Set("X-Request-ID", c.reqID)
	c.w.WriteHeader(http.StatusOK)
	c.started = true
	c.sse = true
}

func (c *clientWriter) frame(data []byte) error {
	c.startSSE()
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if f, ok := c.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (c *clientWriter) done() error {
	if err := c.claimCompletion(); err != nil {
		return err
	}
	return c.frame([]byte("[DONE]"))
}

func (c *clientWriter) json(body []byte) error {
	if err := c.claimCompletion(); err != nil {
		return err
	}
	c.w.Header().Set("Content-Type", "application/json")
	c.w.Header().Set("X-Request-ID", c.reqID)
	c.w.WriteHeader(http.StatusOK)
	c.started = true
	_, err := c.w.Write(body)
	return err
}

// scanEvents calls fn with the payload of every data line.
func scanEvents(body io.Reader, fn func(data []byte) (stop bool, err error)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(line[len("data:"):])
		if len(data) == 0 {
			continue
		}
		stop, err := fn(data)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return scanner.Err()
}

// pipeStream forwards converted frames as they arrive. Upstream EOF without
// an explicit terminator still counts as completion.
func (r *Relay) pipeStream(body io.Reader, dec adapters.StreamDecoder, cw *clientWriter) Outcome {
	err := scanEvents(body, func(data []byte) (bool, error) {
		out, done, err := dec.Decode(data)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
		if out == nil {
			return false, nil
		}
		return false, cw.frame(out)
	})
	if err != nil {
		return Outcome{Err: fmt.Errorf("relay stream: %w", err)}
	}
	if err := cw.done(); err != nil {
		return Outcome{Err: fmt.Errorf("write stream terminator: %w", err)}
	}
	return Outcome{}
}

// aggregateStream folds an upstream event stream into one chat.completion
// for a client that did not ask to stream.
func (r *Relay) aggregateStream(body io.Reader, dec adapters.StreamDecoder, cw *clientWriter) Outcome {
	completion := types.ChatCompletion{Object: "chat.completion"}
	var content strings.Builder
	role := "assistant"
	finish := ""

	err := scanEvents(body, func(data []byte) (bool, error) {
		out, done, err := dec.Decode(data)
		if err != nil || done {
			return done, err
		}
		if out == nil {
			return false, nil
		}
		var chunk types.ChatCompletionChunk
		if err := json.Unmarshal(out, &chunk); err != nil {
			return false, nil
		}
		if completion.ID == "" {
			completion.ID = chunk.ID
			completion.Model = chunk.Model
			completion.Created = chunk.Created
		}
		if chunk.Usage != nil {
			completion.Usage = chunk.Usage
		}
		for _, c := range chunk.Choices {
			if c.Index != 0 {
				continue
			}
			if c.Delta.Role != "" {
				role = c.Delta.Role
			}
			content.WriteString(c.Delta.Content)
			if c.FinishReason != nil {
				finish = *c.FinishReason
			}
		}
		return false, nil
	})
	if err != nil {
		return Outcome{Err: fmt.Errorf("relay stream: %w", err)}
	}

	if completion.ID == "" {
		completion.ID = "chatcmpl-" + uuid.NewString()
	}
	if completion.Created == 0 {
		completion.Created = time.Now().Unix()
	}
	if finish == "" {
		finish = "stop"
	}
	completion.Choices = []types.Choice{{
		Index:        0,
		Message:      types.ChoiceMessage{Role: role, Content: content.String()},
		FinishReason: finish,
	}}

	data, err := json.Marshal(completion)
	if err != nil {
		return Outcome{Err: fmt.Errorf("marshal aggregated completion: %w", err)}
	}
	if err := cw.json(data); err != nil {
		return Outcome{Err: fmt.Errorf("write response: %w", err)}
	}
	return Outcome{Usage: completion.Usage}
}

// relayJSON handles a buffered upstream completion. Streaming clients get it
// as one synthetic chunk followed by [DONE].
func (r *Relay) relayJSON(body io.Reader, conv Converter, cw *clientWriter, stream bool) Outcome {
	raw, err := io.ReadAll(io.LimitReader(body, maxBufferedBody))
	if err != nil {
		return Outcome{Err: fmt.Errorf("read upstream response: %w", err)}
	}
	converted, err := conv.ConvertResponse(raw)
	if err != nil {
		return Outcome{Err: err}
	}

	var completion types.ChatCompletion
	if err := json.Unmarshal(converted, &completion); err != nil {
		return Outcome{Err: fmt.Errorf("unmarshal upstream completion: %w", err)}
	}

	if !stream {
		if err := cw.json(converted); err != nil {
			return Outcome{Err: fmt.Errorf("write response: %w", err)}
		}
		return Outcome{Usage: completion.Usage}
	}

	chunk := SyntheticChunk(&completion)
	data, err := json.Marshal(chunk)
	if err != nil {
		return Outcome{Err: fmt.Errorf("marshal synthetic chunk: %w", err)}
	}
	if err := cw.frame(data); err != nil {
		return Outcome{Err: fmt.Errorf("write stream: %w", err)}
	}
	if err := cw.done(); err != nil {
		return Outcome{Err: fmt.Errorf("write stream terminator: %w", err)}
	}
	return Outcome{Usage: completion.Usage}
}

// SyntheticChunk converts a full completion into a single delta frame.
func SyntheticChunk(c *types.ChatCompletion) types.ChatCompletionChunk {
	id := c.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	created := c.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	chunk := types.ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   c.Model,
		Usage:   c.Usage,
	}
	for _, choice := range c.Choices {
		finish := choice.FinishReason
		if finish == "" {
			finish = "stop"
		}
		role := choice.Message.Role
		if role == "" {
			role = "assistant"
		}
		chunk.Choices = append(chunk.Choices, types.ChunkChoice{
			Index:        choice.Index,
			Delta:        types.Delta{Role: role, Content: choice.Message.Content},
			FinishReason: &finish,
		})
	}
	return chunk
}
