// Package access evaluates optional OPA policies that gate which models a key may use.
package access

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/af-corp/switchboard/internal/config"
	"github.com/af-corp/switchboard/internal/types"
)

const (
	query                    = "[data.switchboard.access.allow, data.switchboard.access.reason]"
	defaultEvaluationTimeout = 100 * time.Millisecond
)

// Input is the document policies see as `input`.
type Input struct {
	Key    string    `json:"key"`
	Name   string    `json:"name"`
	Model  string    `json:"model"`
	Groups []string  `json:"groups"`
	Time   TimeInput `json:"time"`
}

type TimeInput struct {
	Hour int    `json:"hour"`
	Day  string `json:"day"`
}

// Evaluator answers allow/deny for a key and canonical model.
type Evaluator struct {
	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
	cfg      func() config.AccessConfig
	now      func() time.Time
}

func NewEvaluator(cfg func() config.AccessConfig) *Evaluator {
	return &Evaluator{cfg: cfg, now: time.Now}
}

// LoadRegoFiles reads every .rego file in dir.
func LoadRegoFiles(dir string) (map[string]string, error) {
	modules := make(map[string]string)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".rego" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		modules[entry.Name()] = string(data)
	}
	return modules, nil
}

// Load compiles the policies under the configured bundle path.
func (e *Evaluator) Load() error {
	path := e.cfg().BundlePath
	modules, err := LoadRegoFiles(path)
	if err != nil {
		return fmt.Errorf("load rego files: %w", err)
	}
	if len(modules) == 0 {
		slog.Warn("no rego files found, every request will be denied", "path", path)
	}
	return e.LoadFromModules(modules)
}

// LoadFromModules compiles the given module sources keyed by file name.
func (e *Evaluator) LoadFromModules(modules map[string]string) error {
	opts := []func(*rego.Rego){rego.Query(query)}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}

	prepared, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("prepare rego: %w", err)
	}

	e.mu.Lock()
	e.prepared = &prepared
	e.mu.Unlock()

	slog.Info("access policies loaded", "modules", len(modules))
	return nil
}

// Evaluate runs the policy. An evaluator with nothing loaded denies.
func (e *Evaluator) Evaluate(ctx context.Context, input Input) (bool, string, error) {
	e.mu.RLock()
	prepared := e.prepared
	e.mu.RUnlock()

	if prepared == nil {
		return false, "no access policies loaded", nil
	}

	timeout := e.cfg().EvaluationTimeout
	if timeout <= 0 {
		timeout = defaultEvaluationTimeout
	}
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := prepared.Eval(evalCtx, rego.EvalInput(input))
	if err != nil {
		return false, "", fmt.Errorf("evaluate access policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, "no policy result", nil
	}

	arr, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok || len(arr) < 2 {
		return false, "unexpected policy result format", nil
	}
	allowed, _ := arr[0].(bool)
	reason, _ := arr[1].(string)
	return allowed, reason, nil
}

// Allow checks a key policy against a canonical model.
func (e *Evaluator) Allow(ctx context.Context, policy *types.KeyPolicy, model string) (bool, string, error) {
	now := e.now().UTC()
	input := Input{
		Model: model,
		Time:  TimeInput{Hour: now.Hour(), Day: now.Weekday().String()},
	}
	if policy != nil {
		input.Key = policy.KeyID
		input.Name = policy.Name
		input.Groups = policy.AllowedGroups
	}
	return e.Evaluate(ctx, input)
}
