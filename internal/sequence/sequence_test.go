package sequence

import (
	"testing"

	"github.com/endpointdefense/huntcore/internal/event"
	"github.com/endpointdefense/huntcore/internal/ir"
	"github.com/endpointdefense/huntcore/internal/runtime"
	"github.com/endpointdefense/huntcore/internal/schema"
	"github.com/endpointdefense/huntcore/internal/state"
)

// fakeRuntime implements runtime.Runtime with predicate bodies that are
// plain Go closures, letting sequence tests pin down exact matching logic
// without depending on either concrete predicate-runtime flavor.
type fakeRuntime struct {
	preds map[string]func(*event.Event) bool
}

func newFakeRuntime() *fakeRuntime { return &fakeRuntime{preds: map[string]func(*event.Event) bool{}} }

func (f *fakeRuntime) on(id string, fn func(*event.Event) bool) *fakeRuntime {
	f.preds[id] = fn
	return f
}

func (f *fakeRuntime) LoadPredicate(id string, body []byte) error { return nil }
func (f *fakeRuntime) UnloadPredicate(id string)                  {}
func (f *fakeRuntime) HasPredicate(id string) bool                { _, ok := f.preds[id]; return ok }
func (f *fakeRuntime) Evaluate(id string, ev *event.Event, abi runtime.HostABI, budget runtime.Budget) (runtime.EvalResult, error) {
	fn, ok := f.preds[id]
	if !ok {
		return runtime.EvalResult{}, errUnknownPredicate
	}
	return runtime.EvalResult{Matched: fn(ev)}, nil
}
func (f *fakeRuntime) EvaluateAdhoc(body []byte, ev *event.Event, abi runtime.HostABI, budget runtime.Budget) (runtime.EvalResult, error) {
	return runtime.EvalResult{}, nil
}
func (f *fakeRuntime) RequiredFields(id string) []schema.FieldId { return nil }
func (f *fakeRuntime) Capabilities() runtime.Capabilities         { return runtime.Capabilities{} }

type testErr string

func (e testErr) Error() string { return string(e) }

const errUnknownPredicate = testErr("unknown predicate")

func mkEngine(t *testing.T, rt runtime.Runtime) *Engine {
	t.Helper()
	store := state.New(state.DefaultConfig())
	return New(Config{
		Store: store,
		RuntimeResolver: func(tag string) (runtime.Runtime, bool) {
			return rt, true
		},
	})
}

func strField(t *testing.T, entity uint64, typeID schema.EventTypeId, id uint64, tsMono uint64, fieldID schema.FieldId, val string, groupFieldID schema.FieldId) *event.Event {
	t.Helper()
	ev, err := event.NewBuilder().
		EventID(id).
		EventTypeID(typeID).
		TsMonoNs(tsMono).
		EntityKey(event.EntityKeyFromU64(entity)).
		Field(fieldID, event.Str(val)).
		Field(groupFieldID, event.U64(entity)).
		Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	return ev
}

// buildThreeStepSequence mirrors spec.md §8 scenario 2: a process/file/
// process sequence grouped by field 2, window 5s.
func buildThreeStepSequence() (ir.IrSequence, schema.FieldId, schema.FieldId) {
	const fieldExec schema.FieldId = 1
	const fieldGroup schema.FieldId = 2
	const typeProcess schema.EventTypeId = 1
	const typeFile schema.EventTypeId = 2

	seq := ir.IrSequence{
		ID:              "seq-bash-passwd-wc",
		GroupingFieldID: fieldGroup,
		MaxspanNs:       5_000_000_000,
		Steps: []ir.IrSeqStep{
			{PredicateID: "p1", EventTypeID: typeProcess},
			{PredicateID: "p2", EventTypeID: typeFile},
			{PredicateID: "p3", EventTypeID: typeProcess},
		},
	}
	return seq, fieldExec, fieldGroup
}

func TestSequenceThreeStepMatch(t *testing.T) {
	seq, fieldExec, fieldGroup := buildThreeStepSequence()

	rt := newFakeRuntime().
		on("p1", func(ev *event.Event) bool { v, _ := ev.Get(fieldExec); s, _ := v.AsString(); return s == "/bin/bash" }).
		on("p2", func(ev *event.Event) bool { v, _ := ev.Get(fieldExec); s, _ := v.AsString(); return s == "/etc/passwd" }).
		on("p3", func(ev *event.Event) bool { v, _ := ev.Get(fieldExec); s, _ := v.AsString(); return s == "wc" })

	eng := mkEngine(t, rt)
	eng.LoadSequence(Loaded{
		Rule:       ir.IrRule{ID: "rule-1", Name: "bash-passwd-wc", Severity: "high", Kind: ir.RuleKindSequence},
		Descriptor: seq,
		RuntimeTag: "fake",
	})

	e1 := strField(t, 0xB, 1, 1, 1_000_000_000, fieldExec, "/bin/bash", fieldGroup)
	e2 := strField(t, 0xB, 2, 2, 1_500_000_000, fieldExec, "/etc/passwd", fieldGroup)
	e3 := strField(t, 0xB, 1, 3, 2_000_000_000, fieldExec, "wc", fieldGroup)

	if alerts := eng.Submit(e1); len(alerts) != 0 {
		t.Fatalf("expected no alert on step 1, got %v", alerts)
	}
	if alerts := eng.Submit(e2); len(alerts) != 0 {
		t.Fatalf("expected no alert on step 2, got %v", alerts)
	}
	alerts := eng.Submit(e3)
	if len(alerts) != 1 {
		t.Fatalf("expected exactly one alert, got %d", len(alerts))
	}
	if len(alerts[0].Evidence) != 3 {
		t.Fatalf("expected 3 evidence events, got %d", len(alerts[0].Evidence))
	}
}

func TestSequenceTimeWindowExpiry(t *testing.T) {
	seq, fieldExec, fieldGroup := buildThreeStepSequence()

	rt := newFakeRuntime().
		on("p1", func(ev *event.Event) bool { v, _ := ev.Get(fieldExec); s, _ := v.AsString(); return s == "/bin/bash" }).
		on("p2", func(ev *event.Event) bool { v, _ := ev.Get(fieldExec); s, _ := v.AsString(); return s == "/etc/passwd" }).
		on("p3", func(ev *event.Event) bool { v, _ := ev.Get(fieldExec); s, _ := v.AsString(); return s == "wc" })

	eng := mkEngine(t, rt)
	eng.LoadSequence(Loaded{
		Rule:       ir.IrRule{ID: "rule-1", Kind: ir.RuleKindSequence},
		Descriptor: seq,
		RuntimeTag: "fake",
	})

	e1 := strField(t, 0xB, 1, 1, 1_000_000_000, fieldExec, "/bin/bash", fieldGroup)
	e2 := strField(t, 0xB, 2, 2, 1_500_000_000, fieldExec, "/etc/passwd", fieldGroup)
	e3 := strField(t, 0xB, 1, 3, 7_000_000_000, fieldExec, "wc", fieldGroup) // 6s later, window is 5s

	eng.Submit(e1)
	eng.Submit(e2)
	alerts := eng.Submit(e3)
	if len(alerts) != 0 {
		t.Fatalf("expected no alert once the window expired, got %v", alerts)
	}
}

func TestSequenceEntityIsolation(t *testing.T) {
	seq, fieldExec, fieldGroup := buildThreeStepSequence()

	rt := newFakeRuntime().
		on("p1", func(ev *event.Event) bool { v, _ := ev.Get(fieldExec); s, _ := v.AsString(); return s == "/bin/bash" }).
		on("p2", func(ev *event.Event) bool { v, _ := ev.Get(fieldExec); s, _ := v.AsString(); return s == "/etc/passwd" }).
		on("p3", func(ev *event.Event) bool { v, _ := ev.Get(fieldExec); s, _ := v.AsString(); return s == "wc" })

	eng := mkEngine(t, rt)
	eng.LoadSequence(Loaded{Rule: ir.IrRule{ID: "rule-1", Kind: ir.RuleKindSequence}, Descriptor: seq, RuntimeTag: "fake"})

	entityC := strField(t, 0xC, 1, 1, 1_000_000_000, fieldExec, "/bin/bash", fieldGroup)
	entityD1 := strField(t, 0xD, 2, 2, 1_500_000_000, fieldExec, "/etc/passwd", fieldGroup)
	entityD2 := strField(t, 0xD, 1, 3, 2_000_000_000, fieldExec, "wc", fieldGroup)

	eng.Submit(entityC)
	eng.Submit(entityD1)
	alerts := eng.Submit(entityD2)
	if len(alerts) != 0 {
		t.Fatalf("expected no alert: no single entity completed the sequence, got %v", alerts)
	}
}

func TestSequenceUntilTerminates(t *testing.T) {
	const typeKill schema.EventTypeId = 3
	seq, fieldExec, fieldGroup := buildThreeStepSequence()
	seq.Until = &ir.IrSeqStep{PredicateID: "pkill", EventTypeID: typeKill}

	rt := newFakeRuntime().
		on("p1", func(ev *event.Event) bool { v, _ := ev.Get(fieldExec); s, _ := v.AsString(); return s == "/bin/bash" }).
		on("p2", func(ev *event.Event) bool { v, _ := ev.Get(fieldExec); s, _ := v.AsString(); return s == "/etc/passwd" }).
		on("p3", func(ev *event.Event) bool { v, _ := ev.Get(fieldExec); s, _ := v.AsString(); return s == "wc" }).
		on("pkill", func(ev *event.Event) bool { return true })

	eng := mkEngine(t, rt)
	eng.LoadSequence(Loaded{Rule: ir.IrRule{ID: "rule-1", Kind: ir.RuleKindSequence}, Descriptor: seq, RuntimeTag: "fake"})

	e1 := strField(t, 0xB, 1, 1, 1_000_000_000, fieldExec, "/bin/bash", fieldGroup)
	kill := strField(t, 0xB, typeKill, 2, 1_200_000_000, fieldExec, "killed", fieldGroup)
	e2 := strField(t, 0xB, 2, 3, 1_500_000_000, fieldExec, "/etc/passwd", fieldGroup)
	e3 := strField(t, 0xB, 1, 4, 2_000_000_000, fieldExec, "wc", fieldGroup)

	eng.Submit(e1)
	eng.Submit(kill)
	eng.Submit(e2)
	alerts := eng.Submit(e3)
	if len(alerts) != 0 {
		t.Fatalf("expected the until step to tear down the partial match, got %v", alerts)
	}
}

func TestSequenceSingleEventMatch(t *testing.T) {
	// Exercises a degenerate one-step sequence, standing in for scenario 1
	// from spec.md §8 (single-event rules are evaluated outside this
	// package by the detection engine façade, but the same predicate
	// contract applies).
	const fieldExec schema.FieldId = 1
	const fieldGroup schema.FieldId = 2
	const typeProcess schema.EventTypeId = 1

	rt := newFakeRuntime().on("p1", func(ev *event.Event) bool {
		v, _ := ev.Get(fieldExec)
		s, _ := v.AsString()
		return s == "/tmp/malicious"
	})

	seq := ir.IrSequence{
		ID:              "seq-single",
		GroupingFieldID: fieldGroup,
		Steps:           []ir.IrSeqStep{{PredicateID: "p1", EventTypeID: typeProcess}},
	}

	eng := mkEngine(t, rt)
	eng.LoadSequence(Loaded{Rule: ir.IrRule{ID: "rule-1", Severity: "high", Kind: ir.RuleKindSequence}, Descriptor: seq, RuntimeTag: "fake"})

	ev := strField(t, 0xA, typeProcess, 1, 1_000_000_000, fieldExec, "/tmp/malicious", fieldGroup)
	alerts := eng.Submit(ev)
	if len(alerts) != 1 {
		t.Fatalf("expected exactly one alert, got %d", len(alerts))
	}
	if alerts[0].Severity != "high" {
		t.Fatalf("expected configured severity to propagate, got %q", alerts[0].Severity)
	}
}

func TestSequenceMissingGroupingFieldSkipped(t *testing.T) {
	seq, fieldExec, fieldGroup := buildThreeStepSequence()
	_ = fieldGroup

	rt := newFakeRuntime().on("p1", func(ev *event.Event) bool {
		v, _ := ev.Get(fieldExec)
		s, _ := v.AsString()
		return s == "/bin/bash"
	})

	eng := mkEngine(t, rt)
	eng.LoadSequence(Loaded{Rule: ir.IrRule{ID: "rule-1", Kind: ir.RuleKindSequence}, Descriptor: seq, RuntimeTag: "fake"})

	ev, err := event.NewBuilder().
		EventID(1).EventTypeID(1).TsMonoNs(1).
		Field(fieldExec, event.Str("/bin/bash")).
		Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}

	alerts := eng.Submit(ev)
	if len(alerts) != 0 {
		t.Fatalf("expected the sequence to be silently skipped for an event missing the grouping field")
	}
}
