// Package bytecode implements the gval-backed predicate runtime flavor.
// Predicate bodies are gval expression strings; the host ABI is surfaced
// as gval function selectors resolved through the evaluation context,
// letting one parsed Evaluable be cached and reused against many events.
package bytecode

import (
	"context"
	"fmt"
	"sync"

	"github.com/PaesslerAG/gval"

	detecterrors "github.com/endpointdefense/huntcore/internal/errors"
	"github.com/endpointdefense/huntcore/internal/event"
	"github.com/endpointdefense/huntcore/internal/pattern"
	"github.com/endpointdefense/huntcore/internal/runtime"
	"github.com/endpointdefense/huntcore/internal/schema"
	"github.com/endpointdefense/huntcore/pkg/logger"
)

type ctxKey int

const (
	ctxKeyABI ctxKey = iota
	ctxKeyFuel
)

// fuelCounter is the bytecode runtime's CPU-budget enforcement: every host
// ABI call decrements the counter, and hitting zero fails the remainder of
// the evaluation, standing in for the script runtime's deadline-interrupt
// since gval expressions have no native instruction-fuel primitive either.
type fuelCounter struct {
	remaining uint64
}

func (f *fuelCounter) spend() error {
	if f.remaining == 0 {
		return fmt.Errorf("fuel exhausted")
	}
	f.remaining--
	return nil
}

// Runtime is the gval-backed predicate runtime.
type Runtime struct {
	lang   gval.Language
	warner *runtime.BudgetWarner

	mu         sync.RWMutex
	predicates map[string]*loaded
}

type loaded struct {
	expr           string
	evaluable      gval.Evaluable
	requiredFields []schema.FieldId
}

// New builds the gval language once, registering the host ABI as
// context-aware functions (ctx carries the per-evaluation HostABI and fuel
// counter; gval.Function supports a leading context.Context parameter). log
// may be nil, in which case the runtime's rule-health warnings go to the
// package default logger.
func New(log *logger.Logger) *Runtime {
	r := &Runtime{predicates: make(map[string]*loaded), warner: runtime.NewBudgetWarner(log)}
	r.lang = gval.Full(
		gval.Function("field_i64", r.fieldI64),
		gval.Function("field_u64", r.fieldU64),
		gval.Function("field_f64", r.fieldF64),
		gval.Function("field_bool", r.fieldBool),
		gval.Function("field_str", r.fieldStr),
		gval.Function("has_field", r.hasField),
		gval.Function("re_match", r.reMatch),
		gval.Function("glob_match", r.globMatch),
	)
	return r
}

func abiFrom(ctx context.Context) (runtime.HostABI, *fuelCounter, error) {
	abi, ok := ctx.Value(ctxKeyABI).(runtime.HostABI)
	if !ok {
		return runtime.HostABI{}, nil, fmt.Errorf("no host ABI bound to evaluation context")
	}
	fuel, _ := ctx.Value(ctxKeyFuel).(*fuelCounter)
	if fuel != nil {
		if err := fuel.spend(); err != nil {
			return runtime.HostABI{}, nil, err
		}
	}
	return abi, fuel, nil
}

func toFieldID(args []interface{}) (schema.FieldId, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected exactly one field id argument")
	}
	switch v := args[0].(type) {
	case float64:
		return schema.FieldId(v), nil
	case int:
		return schema.FieldId(v), nil
	default:
		return 0, fmt.Errorf("unsupported field id argument type %T", v)
	}
}

func (r *Runtime) fieldI64(ctx context.Context, args ...interface{}) (interface{}, error) {
	abi, _, err := abiFrom(ctx)
	if err != nil {
		return nil, err
	}
	id, err := toFieldID(args)
	if err != nil {
		return nil, err
	}
	v, ok := abi.GetI64(id)
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (r *Runtime) fieldU64(ctx context.Context, args ...interface{}) (interface{}, error) {
	abi, _, err := abiFrom(ctx)
	if err != nil {
		return nil, err
	}
	id, err := toFieldID(args)
	if err != nil {
		return nil, err
	}
	v, ok := abi.GetU64(id)
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (r *Runtime) fieldF64(ctx context.Context, args ...interface{}) (interface{}, error) {
	abi, _, err := abiFrom(ctx)
	if err != nil {
		return nil, err
	}
	id, err := toFieldID(args)
	if err != nil {
		return nil, err
	}
	v, ok := abi.GetF64(id)
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (r *Runtime) fieldBool(ctx context.Context, args ...interface{}) (interface{}, error) {
	abi, _, err := abiFrom(ctx)
	if err != nil {
		return nil, err
	}
	id, err := toFieldID(args)
	if err != nil {
		return nil, err
	}
	v, ok := abi.GetBool(id)
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (r *Runtime) fieldStr(ctx context.Context, args ...interface{}) (interface{}, error) {
	abi, _, err := abiFrom(ctx)
	if err != nil {
		return nil, err
	}
	id, err := toFieldID(args)
	if err != nil {
		return nil, err
	}
	v, ok := abi.GetStr(id)
	if !ok {
		return "", nil
	}
	return v, nil
}

func (r *Runtime) hasField(ctx context.Context, args ...interface{}) (interface{}, error) {
	abi, _, err := abiFrom(ctx)
	if err != nil {
		return nil, err
	}
	id, err := toFieldID(args)
	if err != nil {
		return nil, err
	}
	_, ok := abi.Event.Get(id)
	return ok, nil
}

func (r *Runtime) reMatch(ctx context.Context, args ...interface{}) (interface{}, error) {
	abi, _, err := abiFrom(ctx)
	if err != nil {
		return nil, err
	}
	if len(args) != 2 {
		return nil, fmt.Errorf("re_match expects (regex_id, string)")
	}
	id, _ := args[0].(float64)
	s, _ := args[1].(string)
	return abi.ReMatch(pattern.ID(id), s), nil
}

func (r *Runtime) globMatch(ctx context.Context, args ...interface{}) (interface{}, error) {
	abi, _, err := abiFrom(ctx)
	if err != nil {
		return nil, err
	}
	if len(args) != 2 {
		return nil, fmt.Errorf("glob_match expects (glob_id, string)")
	}
	id, _ := args[0].(float64)
	s, _ := args[1].(string)
	return abi.GlobMatch(pattern.ID(id), s), nil
}

// LoadPredicate parses expr once and caches the resulting Evaluable,
// reused across every subsequent Evaluate call for this id.
func (r *Runtime) LoadPredicate(id string, body []byte) error {
	expr := string(body)
	evaluable, err := r.lang.NewEvaluable(expr)
	if err != nil {
		return detecterrors.CompileFailed(id, err)
	}
	r.mu.Lock()
	r.predicates[id] = &loaded{expr: expr, evaluable: evaluable, requiredFields: extractRequiredFields(expr)}
	r.mu.Unlock()
	return nil
}

func (r *Runtime) UnloadPredicate(id string) {
	r.mu.Lock()
	delete(r.predicates, id)
	r.mu.Unlock()
}

func (r *Runtime) HasPredicate(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.predicates[id]
	return ok
}

func (r *Runtime) RequiredFields(id string) []schema.FieldId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.predicates[id]
	if !ok {
		return nil
	}
	return l.requiredFields
}

func (r *Runtime) Capabilities() runtime.Capabilities {
	return runtime.Capabilities{
		MaxMemoryBytes:  16 << 20,
		MaxCPUBudget:    200_000,
		Sandboxed:       true,
		SupportsCapture: false,
	}
}

func (r *Runtime) Evaluate(id string, ev *event.Event, abi runtime.HostABI, budget runtime.Budget) (runtime.EvalResult, error) {
	r.mu.RLock()
	l, ok := r.predicates[id]
	r.mu.RUnlock()
	if !ok {
		return runtime.EvalResult{}, detecterrors.UnknownPredicate(id)
	}
	return r.evalWith(id, l.evaluable, abi, budget)
}

func (r *Runtime) EvaluateAdhoc(body []byte, ev *event.Event, abi runtime.HostABI, budget runtime.Budget) (runtime.EvalResult, error) {
	evaluable, err := r.lang.NewEvaluable(string(body))
	if err != nil {
		return runtime.EvalResult{}, detecterrors.CompileFailed("<adhoc>", err)
	}
	return r.evalWith("<adhoc>", evaluable, abi, budget)
}

func (r *Runtime) evalWith(id string, evaluable gval.Evaluable, abi runtime.HostABI, budget runtime.Budget) (runtime.EvalResult, error) {
	maxSteps := budget.MaxSteps
	if maxSteps == 0 {
		maxSteps = 200_000
	}
	ctx := context.WithValue(context.Background(), ctxKeyABI, abi)
	ctx = context.WithValue(ctx, ctxKeyFuel, &fuelCounter{remaining: maxSteps})

	result, err := evaluable(ctx, nil)
	if err != nil {
		if err.Error() == "fuel exhausted" {
			r.warner.Warn("bytecode", id)
			return runtime.EvalResult{}, detecterrors.BudgetExceeded(id)
		}
		return runtime.EvalResult{}, detecterrors.ExecutionFailed(id, err)
	}

	matched, _ := result.(bool)
	// gval's bytecode flavor has no capture surface distinct from the
	// expression result (no user-defined statements), so Captures is
	// always empty — matching Capabilities().SupportsCapture == false.
	return runtime.EvalResult{Matched: matched, Captures: nil}, nil
}

// extractRequiredFields is a best-effort static scan of field_*( calls in
// the expression source, used only for diagnostics.
func extractRequiredFields(expr string) []schema.FieldId {
	var out []schema.FieldId
	seen := map[int]struct{}{}
	for _, fn := range []string{"field_i64(", "field_u64(", "field_f64(", "field_bool(", "field_str("} {
		rest := expr
		for {
			idx := indexOf(rest, fn)
			if idx < 0 {
				break
			}
			start := idx + len(fn)
			var id int
			if _, err := fmt.Sscanf(rest[start:], "%d", &id); err == nil {
				if _, ok := seen[id]; !ok {
					seen[id] = struct{}{}
					out = append(out, schema.FieldId(id))
				}
			}
			rest = rest[start:]
		}
	}
	return out
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
