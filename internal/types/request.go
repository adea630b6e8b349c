package types

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// ChatRequest is the canonical internal representation of an incoming chat-completion request.
// Fields the router does not interpret are kept verbatim in Params so they can be forwarded.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	User     string    `json:"user,omitempty"`

	// Params holds every other top-level field (temperature, max_tokens, top_p, ...).
	Params map[string]json.RawMessage `json:"-"`
}

// reserved fields are decoded into typed struct fields and never forwarded from Params.
var reserved = map[string]bool{
	"model":    true,
	"messages": true,
	"stream":   true,
	"user":     true,
}

func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	type plain struct {
		Model    string    `json:"model"`
		Messages []Message `json:"messages"`
		Stream   bool      `json:"stream"`
		User     string    `json:"user"`
	}
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	r.Model = p.Model
	r.Messages = p.Messages
	r.Stream = p.Stream
	r.User = p.User
	r.Params = make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		if reserved[k] {
			continue
		}
		r.Params[k] = v
	}
	return nil
}

// UserMessageCount returns the number of messages with role "user".
func (r *ChatRequest) UserMessageCount() int {
	n := 0
	for _, m := range r.Messages {
		if m.Role == "user" {
			n++
		}
	}
	return n
}

// Validate checks the minimal request shape.
func (r *ChatRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages is required")
	}
	for i, m := range r.Messages {
		if m.Role == "" {
			return fmt.Errorf("messages[%d].role is required", i)
		}
	}
	return nil
}

// Message is one chat message. Content is kept raw because it may be a string
// or an array of typed content parts.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

// TextMessage builds a message with plain string content.
func TextMessage(role, text string) Message {
	data, _ := json.Marshal(text)
	return Message{Role: role, Content: data}
}

// Text flattens the message content to plain text. Non-text parts are ignored.
func (m Message) Text() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type != "text" || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}
