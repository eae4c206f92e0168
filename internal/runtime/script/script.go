// Package script implements the JS-flavored predicate runtime, grounded on
// the teacher's goja-backed script engine: a fresh VM per evaluation, with
// host-call globals injected the same way the teacher injects
// "console"/"secrets"/"input".
package script

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	detecterrors "github.com/endpointdefense/huntcore/internal/errors"
	"github.com/endpointdefense/huntcore/internal/event"
	"github.com/endpointdefense/huntcore/internal/pattern"
	"github.com/endpointdefense/huntcore/internal/runtime"
	"github.com/endpointdefense/huntcore/internal/schema"
	"github.com/endpointdefense/huntcore/pkg/logger"
)

// Runtime is the goja-backed predicate runtime. One instance may serve
// evaluations from multiple worker goroutines: each Evaluate call builds
// its own VM, so there is no shared mutable VM state to race on.
type Runtime struct {
	warner *runtime.BudgetWarner

	mu         sync.RWMutex
	predicates map[string]*loaded
}

type loaded struct {
	source         string
	requiredFields []schema.FieldId
}

// New returns an empty script runtime. log may be nil, in which case
// rule-health warnings go to the package default logger.
func New(log *logger.Logger) *Runtime {
	return &Runtime{predicates: make(map[string]*loaded), warner: runtime.NewBudgetWarner(log)}
}

// LoadPredicate compiles body as JS source to catch syntax errors at
// load time (a rule-load-time error, never a hot-path one) and caches the
// source under id.
func (r *Runtime) LoadPredicate(id string, body []byte) error {
	source := string(body)
	if _, err := goja.Compile(id, source, false); err != nil {
		return detecterrors.CompileFailed(id, err)
	}
	r.mu.Lock()
	r.predicates[id] = &loaded{source: source, requiredFields: extractRequiredFields(source)}
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
		MaxMemoryBytes:  64 << 20,
		MaxCPUBudget:    0, // enforced via deadline, not a fuel counter; see Evaluate
		Sandboxed:       true,
		SupportsCapture: true,
	}
}

func (r *Runtime) Evaluate(id string, ev *event.Event, abi runtime.HostABI, budget runtime.Budget) (runtime.EvalResult, error) {
	r.mu.RLock()
	l, ok := r.predicates[id]
	r.mu.RUnlock()
	if !ok {
		return runtime.EvalResult{}, detecterrors.UnknownPredicate(id)
	}
	return r.run(id, l.source, ev, abi, budget)
}

func (r *Runtime) EvaluateAdhoc(body []byte, ev *event.Event, abi runtime.HostABI, budget runtime.Budget) (runtime.EvalResult, error) {
	return r.run("<adhoc>", string(body), ev, abi, budget)
}

// run builds a fresh VM for isolation (matching the teacher's
// one-VM-per-execution approach), injects the host ABI as globals, and
// calls pred_init/pred_eval/pred_capture. Budget enforcement: goja has no
// native fuel counter, so a deadline timer calls vm.Interrupt after
// budget.Deadline elapses; an interrupted run is reported as a budget
// exceeded error rather than propagating the goja panic.
func (r *Runtime) run(id, source string, ev *event.Event, abi runtime.HostABI, budget runtime.Budget) (res runtime.EvalResult, err error) {
	vm := goja.New()
	injectHostABI(vm, abi)

	timer := time.AfterFunc(budget.Deadline, func() {
		vm.Interrupt("budget exceeded")
	})
	defer timer.Stop()

	defer func() {
		if p := recover(); p != nil {
			err = detecterrors.ExecutionFailed(id, fmt.Errorf("panic: %v", p))
		}
	}()

	if _, cerr := vm.RunString(source); cerr != nil {
		if isInterrupt(cerr) {
			r.warner.Warn("script", id)
			return runtime.EvalResult{}, detecterrors.BudgetExceeded(id)
		}
		return runtime.EvalResult{}, detecterrors.ExecutionFailed(id, cerr)
	}

	if initFn, ok := goja.AssertFunction(vm.Get("pred_init")); ok {
		if _, cerr := initFn(goja.Undefined()); cerr != nil {
			if isInterrupt(cerr) {
				r.warner.Warn("script", id)
				return runtime.EvalResult{}, detecterrors.BudgetExceeded(id)
			}
			return runtime.EvalResult{}, detecterrors.ExecutionFailed(id, cerr)
		}
	}

	evalFn, ok := goja.AssertFunction(vm.Get("pred_eval"))
	if !ok {
		return runtime.EvalResult{}, detecterrors.CompileFailed(id, fmt.Errorf("pred_eval is not a function"))
	}

	matchedVal, cerr := evalFn(goja.Undefined())
	if cerr != nil {
		if isInterrupt(cerr) {
			r.warner.Warn("script", id)
			return runtime.EvalResult{}, detecterrors.BudgetExceeded(id)
		}
		return runtime.EvalResult{}, detecterrors.ExecutionFailed(id, cerr)
	}
	matched := truthy(matchedVal)

	captures := map[schema.FieldId]event.TypedValue{}
	if matched {
		if captureFn, ok := goja.AssertFunction(vm.Get("pred_capture")); ok {
			capVal, cerr := captureFn(goja.Undefined())
			if cerr == nil {
				captures = decodeCaptures(capVal)
			}
		}
	}

	return runtime.EvalResult{Matched: matched, Captures: captures}, nil
}

func truthy(v goja.Value) bool {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return false
	}
	switch exported := v.Export().(type) {
	case bool:
		return exported
	case int64:
		return exported != 0
	case float64:
		return exported != 0
	default:
		return v.ToBoolean()
	}
}

func decodeCaptures(v goja.Value) map[schema.FieldId]event.TypedValue {
	out := map[schema.FieldId]event.TypedValue{}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return out
	}
	m, ok := v.Export().(map[string]interface{})
	if !ok {
		return out
	}
	for k, raw := range m {
		var fieldID int
		if _, err := fmt.Sscanf(k, "%d", &fieldID); err != nil {
			continue
		}
		out[schema.FieldId(fieldID)] = toTypedValue(raw)
	}
	return out
}

func toTypedValue(raw interface{}) event.TypedValue {
	switch v := raw.(type) {
	case int64:
		return event.I64(v)
	case float64:
		return event.F64(v)
	case bool:
		return event.Bool(v)
	case string:
		return event.Str(v)
	default:
		return event.Str(fmt.Sprint(v))
	}
}

func isInterrupt(err error) bool {
	_, ok := err.(*goja.InterruptedError)
	return ok
}

// injectHostABI exposes the numeric/string field-get, pattern-match, and
// alert-emit calls as JS globals, the same way the teacher injects
// "console"/"secrets"/"input" rather than wiring a formal import system.
func injectHostABI(vm *goja.Runtime, abi runtime.HostABI) {
	_ = vm.Set("event_get_i64", func(fieldID int) goja.Value {
		v, ok := abi.GetI64(schema.FieldId(fieldID))
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	})
	_ = vm.Set("event_get_u64", func(fieldID int) goja.Value {
		v, ok := abi.GetU64(schema.FieldId(fieldID))
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	})
	_ = vm.Set("event_get_f64", func(fieldID int) goja.Value {
		v, ok := abi.GetF64(schema.FieldId(fieldID))
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	})
	_ = vm.Set("event_get_bool", func(fieldID int) goja.Value {
		v, ok := abi.GetBool(schema.FieldId(fieldID))
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	})
	_ = vm.Set("event_get_str", func(fieldID int) goja.Value {
		v, ok := abi.GetStr(schema.FieldId(fieldID))
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	})
	_ = vm.Set("has_field", func(fieldID int) bool {
		_, ok := abi.Event.Get(schema.FieldId(fieldID))
		return ok
	})
	_ = vm.Set("re_match", func(regexID int, s string) bool {
		return abi.ReMatch(pattern.ID(regexID), s)
	})
	_ = vm.Set("glob_match", func(globID int, s string) bool {
		return abi.GlobMatch(pattern.ID(globID), s)
	})
	_ = vm.Set("alert_emit", func(ruleIdentifier string) {
		abi.AlertEmit(ruleIdentifier)
	})
}

// extractRequiredFields is a best-effort static scan for event_get_* calls
// in the predicate source, used only to populate RequiredFields() for
// diagnostics; it is not load-bearing for correctness since fields not
// found by the scan simply resolve to "absent" at evaluation time.
func extractRequiredFields(source string) []schema.FieldId {
	var out []schema.FieldId
	seen := map[int]struct{}{}
	for _, call := range []string{"event_get_i64", "event_get_u64", "event_get_f64", "event_get_bool", "event_get_str"} {
		needle := call + "("
		rest := source
		offset := 0
		for {
			pos := strings.Index(rest, needle)
			if pos < 0 {
				break
			}
			start := offset + pos + len(needle)
			var fieldID int
			if _, err := fmt.Sscanf(source[start:], "%d", &fieldID); err == nil {
				if _, ok := seen[fieldID]; !ok {
					seen[fieldID] = struct{}{}
					out = append(out, schema.FieldId(fieldID))
				}
			}
			advance := pos + len(needle)
			rest = rest[advance:]
			offset += advance
		}
	}
	return out
}
