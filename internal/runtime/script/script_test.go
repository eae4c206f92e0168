package script

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

func TestScriptRuntimeMatch(t *testing.T) {
	r := New(nil)
	const src = `
function pred_eval() {
	return event_get_str(1) === "/tmp/malicious";
}
`
	if err := r.LoadPredicate("pred-1", []byte(src)); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	ev := buildEvent(t, 1, event.Str("/tmp/malicious"))
	res, err := r.Evaluate("pred-1", ev, runtime.HostABI{Event: ev}, runtime.DefaultBudget())
	if err != nil {
		t.Fatalf("unexpected eval error: %v", err)
	}
	if !res.Matched {
		t.Fatalf("expected match")
	}

	ev2 := buildEvent(t, 1, event.Str("/bin/ls"))
	res2, err := r.Evaluate("pred-1", ev2, runtime.HostABI{Event: ev2}, runtime.DefaultBudget())
	if err != nil {
		t.Fatalf("unexpected eval error: %v", err)
	}
	if res2.Matched {
		t.Fatalf("expected non-match")
	}
}

func TestScriptRuntimeUnknownPredicateIsError(t *testing.T) {
	r := New(nil)
	ev := buildEvent(t, 1, event.Str("x"))
	if _, err := r.Evaluate("missing", ev, runtime.HostABI{Event: ev}, runtime.DefaultBudget()); err == nil {
		t.Fatalf("expected error for unknown predicate id")
	}
}

func TestScriptRuntimeCompileFailureRejectedAtLoad(t *testing.T) {
	r := New(nil)
	if err := r.LoadPredicate("bad", []byte("function pred_eval( {")); err == nil {
		t.Fatalf("expected compile failure")
	}
}
