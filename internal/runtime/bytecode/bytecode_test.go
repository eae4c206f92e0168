package bytecode

import (
	"testing"

	"github.com/endpointdefense/huntcore/internal/event"
	"github.com/endpointdefense/huntcore/internal/runtime"
	"github.com/endpointdefense/huntcore/internal/schema"
)

func buildEvent(t *testing.T, fieldID schema.FieldId, v event.TypedValue) *event.Event {
	t.Helper()
	ev, err := event.NewBuilder().EventID(1).Field(fieldID, v).Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return ev
}

func TestBytecodeRuntimeMatch(t *testing.T) {
	r := New(nil)
	if err := r.LoadPredicate("pred-1", []byte(`field_str(1) == "/bin/bash"`)); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	ev := buildEvent(t, 1, event.Str("/bin/bash"))
	res, err := r.Evaluate("pred-1", ev, runtime.HostABI{Event: ev}, runtime.DefaultBudget())
	if err != nil {
		t.Fatalf("unexpected eval error: %v", err)
	}
	if !res.Matched {
		t.Fatalf("expected match")
	}

	ev2 := buildEvent(t, 1, event.Str("wc"))
	res2, err := r.Evaluate("pred-1", ev2, runtime.HostABI{Event: ev2}, runtime.DefaultBudget())
	if err != nil {
		t.Fatalf("unexpected eval error: %v", err)
	}
	if res2.Matched {
		t.Fatalf("expected non-match")
	}
}

func TestBytecodeRuntimeUnknownPredicate(t *testing.T) {
	r := New(nil)
	ev := buildEvent(t, 1, event.Str("x"))
	if _, err := r.Evaluate("missing", ev, runtime.HostABI{Event: ev}, runtime.DefaultBudget()); err == nil {
		t.Fatalf("expected error for unknown predicate id")
	}
}

func TestBytecodeRuntimeMinimalFuelBudget(t *testing.T) {
	r := New(nil)
	if err := r.LoadPredicate("pred-1", []byte(`field_str(1) == "/bin/bash"`)); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	ev := buildEvent(t, 1, event.Str("/bin/bash"))
	budget := runtime.Budget{MaxSteps: 0}
	budget.MaxSteps = 1
	// One field_str call spends exactly one unit of fuel, so a budget of 1
	// is enough for this predicate to evaluate without error.
	if _, err := r.Evaluate("pred-1", ev, runtime.HostABI{Event: ev}, budget); err != nil {
		t.Fatalf("unexpected error with minimal budget: %v", err)
	}
}
