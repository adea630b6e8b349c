package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/af-corp/switchboard/internal/auth"
	"github.com/af-corp/switchboard/internal/config"
	"github.com/af-corp/switchboard/internal/httputil"
	"github.com/af-corp/switchboard/internal/models"
	"github.com/af-corp/switchboard/internal/ratelimit"
	"github.com/af-corp/switchboard/internal/router"
	"github.com/af-corp/switchboard/internal/telemetry"
	"github.com/af-corp/switchboard/internal/types"
)

const maxBodyBytes = 10 << 20

// Handler holds dependencies for the gateway HTTP handlers.
type Handler struct {
	router  *router.Router
	limiter ratelimit.Limiter
	cfg     func() *config.Config
	metrics *telemetry.Metrics
}

func NewHandler(rt *router.Router, limiter ratelimit.Limiter, cfg func() *config.Config, metrics *telemetry.Metrics) *Handler {
	return &Handler{
		router:  rt,
		limiter: limiter,
		cfg:     cfg,
		metrics: metrics,
	}
}

// ChatCompletions handles POST /v1/chat/completions
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	receivedAt := time.Now()

	policy, ok := auth.PolicyFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	var req types.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}

	if req.Model != "" && !h.admit(r.Context(), w, reqID, req.Model) {
		return
	}

	res, err := h.router.Serve(r.Context(), w, &router.Call{
		Request:       &req,
		Policy:        policy,
		SessionHeader: r.Header.Get(router.SessionHeader),
		RequestID:     reqID,
	})
	model := models.Normalize(req.Model)
	duration := time.Since(receivedAt)

	if err != nil {
		status := h.writeError(w, reqID, &req, err)
		h.metrics.RecordRequest(telemetry.RequestLabels{
			Model:      model,
			Status:     status,
			DurationMs: float64(duration.Milliseconds()),
		})
		return
	}

	status := strconv.Itoa(http.StatusOK)
	if res.StreamErr != nil {
		status = "stream_error"
	}
	labels := telemetry.RequestLabels{
		Model:      model,
		Provider:   res.Provider,
		Status:     status,
		DurationMs: float64(duration.Milliseconds()),
	}
	if res.Usage != nil {
		labels.PromptTokens = res.Usage.PromptTokens
		labels.CompletionTokens = res.Usage.CompletionTokens
	}
	h.metrics.RecordRequest(labels)

	slog.Info("request completed",
		"request_id", reqID,
		"key_id", policy.KeyID,
		"model_requested", req.Model,
		"model_served", res.Model,
		"provider", res.Provider,
		"attempts", res.Attempts,
		"prompt_tokens", labels.PromptTokens,
		"completion_tokens", labels.CompletionTokens,
		"duration_ms", duration.Milliseconds(),
		"stream", req.Stream,
		"status", status,
	)
}

// admit applies the per-model rate limit. It writes the 429 itself and
// reports false when the request must stop.
func (h *Handler) admit(ctx context.Context, w http.ResponseWriter, reqID, model string) bool {
	limit := h.cfg().RateLimit.LimitFor(model)
	if h.limiter == nil || limit <= 0 {
		return true
	}
	d, err := h.limiter.Admit(ctx, ratelimit.ModelKey(model), int64(limit), ratelimit.Window)
	if err != nil {
		slog.Warn("rate limiter unavailable, admitting request", "request_id", reqID, "error", err)
	}
	if d.Allowed {
		return true
	}

	secs := ratelimit.RetryAfterSeconds(d)
	slog.Warn("rate limit exceeded",
		"request_id", reqID,
		"dimension", "model_rpm",
		"model", model,
		"limit", limit,
		"retry_after_s", secs,
	)
	h.metrics.RecordRateLimitHit("model_rpm", model)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	httputil.WriteRateLimitError(w, reqID,
		fmt.Sprintf("Rate limit exceeded for model %s: %d requests per minute. Please retry after %d seconds", model, limit, secs))
	return false
}

// writeError maps a routing failure to a response and returns the status label.
func (h *Handler) writeError(w http.ResponseWriter, reqID string, req *types.ChatRequest, err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		slog.Info("client went away", "request_id", reqID, "model", req.Model)
		return "canceled"
	}

	rerr := router.AsError(err)
	switch rerr.Kind {
	case router.KindValidation:
		httputil.WriteBadRequestError(w, reqID, rerr.Message)
	case router.KindPermission:
		httputil.WritePermissionError(w, reqID, rerr.Message)
	case router.KindUnavailable:
		slog.Warn("no provider served request",
			"request_id", reqID,
			"model", req.Model,
			"error", rerr.Message,
			"details", rerr.Details,
		)
		if req.Stream {
			httputil.WriteSSEUnavailable(w, reqID, rerr.Message)
		} else {
			httputil.WriteServiceUnavailableError(w, reqID, rerr.Message, rerr.Details...)
		}
	default:
		slog.Error("request failed", "request_id", reqID, "model", req.Model, "error", rerr.Message)
		httputil.WriteInternalError(w, reqID, "Internal error while routing request")
	}
	return strconv.Itoa(rerr.Kind.HTTPStatus())
}

// ListModels handles GET /v1/models
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	policy, ok := auth.PolicyFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	list := h.router.ListModels(policy, h.cfg().Routing.MinListedProviders)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(list); err != nil {
		slog.Warn("failed to write model list", "request_id", reqID, "error", err)
	}
}
