package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/af-corp/switchboard/internal/models"
	"github.com/af-corp/switchboard/internal/relay"
	"github.com/af-corp/switchboard/internal/router/adapters"
	"github.com/af-corp/switchboard/internal/telemetry"
	"github.com/af-corp/switchboard/internal/types"
)

// Keys under which router state is persisted.
const (
	StateFailCounters = "fail_counters"
	StatePolling      = "polling"
	StateSessions     = "sessions"
)

const errorSnippetLimit = 512

// TaskRunner runs bookkeeping off the request path. Submit reports false
// when the task was dropped.
type TaskRunner interface {
	Submit(name string, fn func(ctx context.Context) error) bool
}

// Persister stores router state snapshots as opaque values.
type Persister interface {
	Save(ctx context.Context, key string, v any) error
	// Load decodes the value stored under key into v and reports whether it existed.
	Load(ctx context.Context, key string, v any) (bool, error)
}

// AttemptRecorder receives one row per upstream attempt.
type AttemptRecorder interface {
	AppendAttempt(ctx context.Context, a types.Attempt) error
}

// AccessChecker is an optional policy hook consulted after the key's own
// allow lists.
type AccessChecker interface {
	Allow(ctx context.Context, policy *types.KeyPolicy, model string) (bool, string, error)
}

// Settings are the reloadable routing knobs.
type Settings struct {
	Health        HealthPolicy
	Sessions      SessionPolicy
	MinPoolSize   int
	DefaultParams map[string]any
}

type Options struct {
	Settings      Settings
	Now           func() time.Time
	Rand          Rand
	StreamTimeout time.Duration
	Catalog       *adapters.ModelCatalog
	Metrics       *telemetry.Metrics
	Tasks         TaskRunner
	State         Persister
	Attempts      AttemptRecorder
	Access        AccessChecker
	Logger        *slog.Logger
}

// Router serves chat completions by walking a candidate list of providers
// until one of them produces a response.
type Router struct {
	registry *Registry
	health   *HealthTracker
	poller   *Poller
	sessions *SessionTracker
	selector *Selector
	catalog  *adapters.ModelCatalog
	relay    *relay.Relay

	metrics  *telemetry.Metrics
	tasks    TaskRunner
	state    Persister
	attempts AttemptRecorder
	access   AccessChecker
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	defaults map[string]any
}

func New(registry *Registry, opts Options) *Router {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Catalog == nil {
		opts.Catalog = adapters.NewModelCatalog(0, 10*time.Minute)
	}
	if opts.Settings.Health == (HealthPolicy{}) {
		opts.Settings.Health = DefaultHealthPolicy()
	}

	health := NewHealthTracker(opts.Settings.Health)
	poller := NewPoller(opts.Rand)
	sessions := NewSessionTracker(opts.Settings.Sessions, opts.Now)
	logger := opts.Logger.With("component", "router")

	return &Router{
		registry: registry,
		health:   health,
		poller:   poller,
		sessions: sessions,
		selector: NewSelector(registry, health, poller, sessions, opts.Settings.MinPoolSize),
		catalog:  opts.Catalog,
		relay:    relay.New(opts.StreamTimeout, logger),
		metrics:  opts.Metrics,
		tasks:    opts.Tasks,
		state:    opts.State,
		attempts: opts.Attempts,
		access:   opts.Access,
		logger:   logger,
		now:      opts.Now,
		defaults: opts.Settings.DefaultParams,
	}
}

func (r *Router) Registry() *Registry             { return r.registry }
func (r *Router) Health() *HealthTracker          { return r.health }
func (r *Router) Poller() *Poller                 { return r.poller }
func (r *Router) Sessions() *SessionTracker       { return r.sessions }
func (r *Router) Catalog() *adapters.ModelCatalog { return r.catalog }

// Reconfigure applies reloaded settings. Tracker state is kept.
func (r *Router) Reconfigure(s Settings) {
	r.health.SetPolicy(s.Health)
	r.sessions.SetPolicy(s.Sessions)
	r.selector.SetMinPoolSize(s.MinPoolSize)
	r.mu.Lock()
	r.defaults = s.DefaultParams
	r.mu.Unlock()
}

func (r *Router) defaultParams() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Call is one inbound chat-completion request.
type Call struct {
	Request       *types.ChatRequest
	Policy        *types.KeyPolicy
	SessionHeader string
	RequestID     string
}

// Result describes a request whose response was written to the client.
type Result struct {
	Provider string
	Model    string
	Attempts int
	Usage    *types.Usage
	// StreamErr is set when the response failed after output had started;
	// the client already received an in-band error frame.
	StreamErr error
}

// Eligible reports whether the provider may serve the canonical model now.
func (r *Router) Eligible(p *types.Provider, model string) bool {
	return r.health.IsEligible(p, model, r.registry.Pool())
}

// Serve routes one request and writes the response to w. When it returns a
// non-nil error nothing has been written and the caller owns the response.
// A canceled client context is returned as ctx.Err().
func (r *Router) Serve(ctx context.Context, w http.ResponseWriter, call *Call) (*Result, error) {
	req := call.Request
	if err := req.Validate(); err != nil {
		return nil, &Error{Kind: KindValidation, Message: err.Error()}
	}

	target := ParseTarget(req.Model)
	if target.Canonical == "" {
		return nil, errorf(KindValidation, "model is required")
	}
	if err := r.authorize(ctx, target, call.Policy); err != nil {
		return nil, err
	}

	if n := r.sessions.Evict(); n > 0 {
		r.persist(StateSessions)
	}

	var sessionID string
	newConversation := IsNewConversation(req)
	if target.Provider == "" {
		sessionID = r.sessions.Identify(call.SessionHeader, req, target.Canonical)
		if newConversation {
			r.sessions.Forget(target.Canonical, sessionID)
		}
	}

	sel, err := r.selector.Select(target, call.Policy, sessionID, newConversation)
	if err != nil {
		return nil, err
	}
	if len(sel.Candidates) == 0 {
		return nil, errorf(KindUnavailable, "no available providers for model %s", req.Model)
	}

	log := r.logger.With("request_id", call.RequestID, "model", target.Canonical)
	var details []string
	for i, p := range sel.Candidates {
		if i > 0 {
			r.metrics.RecordFailover(target.Canonical)
		}

		at := r.attempt(ctx, w, call, target, p, i+1)
		r.recordAttempt(at)

		switch at.Outcome {
		case types.AttemptSuccess:
			r.onSuccess(sel, target, sessionID, p.ID)
			log.Info("request served", "provider", p.ID, "attempt", i+1, "duration_ms", at.DurationMs)
			return &Result{Provider: p.ID, Model: at.UpstreamModel, Attempts: i + 1, Usage: at.usage}, nil

		case types.AttemptCanceled:
			log.Info("client canceled request", "provider", p.ID, "attempt", i+1)
			return nil, ctx.Err()
		}

		r.onFailure(p.ID, target.Canonical)
		log.Warn("provider attempt failed", "provider", p.ID, "attempt", i+1, "error", at.Error)

		if at.written {
			return &Result{Provider: p.ID, Model: at.UpstreamModel, Attempts: i + 1, StreamErr: at.err}, nil
		}
		details = append(details, fmt.Sprintf("%s: %s", p.DisplayName(), at.Error))
	}

	return nil, &Error{
		Kind:    KindUnavailable,
		Message: fmt.Sprintf("all providers failed for model %s", req.Model),
		Details: details,
	}
}

func (r *Router) authorize(ctx context.Context, target Target, policy *types.KeyPolicy) error {
	if policy == nil {
		return nil
	}
	if len(policy.AllowedModels) > 0 {
		allowed := false
		for _, m := range policy.AllowedModels {
			if models.Same(m, target.Canonical) {
				allowed = true
				break
			}
		}
		if !allowed {
			return errorf(KindPermission, "model %s is not allowed for this key", target.Raw)
		}
	}
	if r.access == nil {
		return nil
	}
	ok, reason, err := r.access.Allow(ctx, policy, target.Canonical)
	if err != nil {
		return &Error{Kind: KindInternal, Message: fmt.Sprintf("evaluate access policy: %v", err)}
	}
	if !ok {
		if reason == "" {
			reason = fmt.Sprintf("model %s is not allowed for this key", target.Raw)
		}
		return &Error{Kind: KindPermission, Message: reason}
	}
	return nil
}

type attemptRecord struct {
	types.Attempt
	written bool
	err     error
	usage   *types.Usage
}

func (r *Router) attempt(ctx context.Context, w http.ResponseWriter, call *Call, target Target, p *types.Provider, seq int) *attemptRecord {
	start := r.now()
	at := &attemptRecord{Attempt: types.Attempt{
		RequestID:  call.RequestID,
		ProviderID: p.ID,
		Model:      target.Canonical,
		Sequence:   seq,
		Stream:     call.Request.Stream,
		CreatedAt:  start,
	}}
	if call.Policy != nil {
		at.KeyID = call.Policy.KeyID
	}
	defer func() {
		at.DurationMs = r.now().Sub(start).Milliseconds()
		r.metrics.RecordAttempt(p.ID, target.Canonical, at.Outcome)
	}()

	fail := func(outcome string, err error) *attemptRecord {
		at.Outcome = outcome
		at.err = err
		at.Error = err.Error()
		return at
	}

	adapter, ok := r.registry.Get(p.ID)
	if !ok {
		return fail(types.AttemptFailure, fmt.Errorf("provider %s is not registered", p.ID))
	}

	at.UpstreamModel = target.UpstreamModel
	if at.UpstreamModel == "" {
		at.UpstreamModel = r.catalog.Resolve(ctx, adapter, target.Canonical, target.Raw)
	}

	var policyParams map[string]json.RawMessage
	var systemPrompt string
	if call.Policy != nil {
		policyParams = call.Policy.Params
		systemPrompt = call.Policy.SystemPrompt
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := adapter.BuildRequest(attemptCtx, &adapters.Call{
		Model:        at.UpstreamModel,
		Messages:     call.Request.Messages,
		Params:       adapters.MergeParams(r.defaultParams(), policyParams, call.Request.Params),
		SystemPrompt: systemPrompt,
		Stream:       call.Request.Stream,
		User:         call.Request.User,
	})
	if err != nil {
		return fail(types.AttemptFailure, fmt.Errorf("build request: %w", err))
	}

	resp, err := adapter.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return fail(types.AttemptCanceled, ctx.Err())
		}
		return fail(types.AttemptFailure, err)
	}
	at.StatusCode = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetLimit))
		resp.Body.Close()
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if s := strings.TrimSpace(string(snippet)); s != "" {
			msg += ": " + s
		}
		return fail(types.AttemptFailure, errors.New(msg))
	}

	out := r.relay.Relay(ctx, w, resp, adapter, relay.Request{
		RequestID: call.RequestID,
		Stream:    call.Request.Stream,
		Cancel:    cancel,
	})
	at.written = out.Written
	at.usage = out.Usage
	if out.Usage != nil {
		at.PromptTokens = out.Usage.PromptTokens
		at.CompletionTokens = out.Usage.CompletionTokens
	}

	switch {
	case out.OK():
		at.Outcome = types.AttemptSuccess
		return at
	case out.Canceled:
		return fail(types.AttemptCanceled, out.Err)
	case out.TimedOut:
		return fail(types.AttemptTimeout, out.Err)
	default:
		return fail(types.AttemptFailure, out.Err)
	}
}

func (r *Router) onSuccess(sel *Selection, target Target, sessionID, providerID string) {
	r.health.RecordSuccess(providerID, target.Canonical)
	r.poller.Advance(sel.Key, sel.Pool, providerID, sel.Valid)
	if sessionID != "" {
		r.sessions.Bind(target.Canonical, sessionID, providerID)
	}
	r.persist(StateFailCounters)
	r.persist(StatePolling)
	if sessionID != "" {
		r.persist(StateSessions)
	}
}

func (r *Router) onFailure(providerID, model string) {
	if r.health.RecordFailure(providerID, model) {
		r.metrics.RecordPairDisabled(providerID, model)
		r.logger.Warn("provider disabled for model", "provider", providerID, "model", model)
	}
	r.persist(StateFailCounters)
}

func (r *Router) recordAttempt(at *attemptRecord) {
	if r.attempts == nil {
		return
	}
	row := at.Attempt
	r.submit("record_attempt", func(ctx context.Context) error {
		return r.attempts.AppendAttempt(ctx, row)
	})
}

// persist snapshots one piece of state in the background.
func (r *Router) persist(key string) {
	if r.state == nil {
		return
	}
	r.submit("persist_"+key, func(ctx context.Context) error {
		return r.state.Save(ctx, key, r.snapshot(key))
	})
}

func (r *Router) snapshot(key string) any {
	switch key {
	case StateFailCounters:
		return r.health.Snapshot()
	case StatePolling:
		return r.poller.Snapshot()
	default:
		return r.sessions.Snapshot()
	}
}

func (r *Router) submit(name string, fn func(ctx context.Context) error) {
	if r.tasks == nil {
		if err := fn(context.Background()); err != nil {
			r.logger.Warn("bookkeeping failed", "task", name, "error", err)
		}
		return
	}
	if !r.tasks.Submit(name, fn) {
		r.metrics.RecordTaskDropped()
	}
}

// Restore loads persisted state. Missing keys leave the trackers empty.
func (r *Router) Restore(ctx context.Context) error {
	if r.state == nil {
		return nil
	}

	var health HealthSnapshot
	if ok, err := r.state.Load(ctx, StateFailCounters, &health); err != nil {
		return fmt.Errorf("load %s: %w", StateFailCounters, err)
	} else if ok {
		r.health.Restore(health)
	}

	var polling map[string]PollingEntry
	if ok, err := r.state.Load(ctx, StatePolling, &polling); err != nil {
		return fmt.Errorf("load %s: %w", StatePolling, err)
	} else if ok {
		r.poller.Restore(polling)
	}

	var sessions map[string]Binding
	if ok, err := r.state.Load(ctx, StateSessions, &sessions); err != nil {
		return fmt.Errorf("load %s: %w", StateSessions, err)
	} else if ok {
		r.sessions.Restore(sessions)
	}
	return nil
}

// SweepSessions evicts expired bindings outside the request path.
func (r *Router) SweepSessions() int {
	n := r.sessions.Evict()
	if n > 0 {
		r.persist(StateSessions)
	}
	return n
}
