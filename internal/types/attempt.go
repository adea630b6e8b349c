package types

import "time"

// Attempt outcomes.
const (
	AttemptSuccess  = "success"
	AttemptFailure  = "failure"
	AttemptTimeout  = "timeout"
	AttemptCanceled = "canceled"
)

// Attempt is one upstream dispatch made while serving a request.
type Attempt struct {
	RequestID        string    `json:"request_id"`
	KeyID            string    `json:"key_id"`
	ProviderID       string    `json:"provider_id"`
	Model            string    `json:"model"`
	UpstreamModel    string    `json:"upstream_model"`
	Sequence         int       `json:"sequence"`
	Stream           bool      `json:"stream"`
	Outcome          string    `json:"outcome"`
	StatusCode       int       `json:"status_code,omitempty"`
	Error            string    `json:"error,omitempty"`
	DurationMs       int64     `json:"duration_ms"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
