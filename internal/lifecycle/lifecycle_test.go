package lifecycle

import (
	"testing"
	"time"

	"github.com/endpointdefense/huntcore/internal/ir"
)

func TestAtomicInstallAndReplace(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	if err := m.AddEventRule("rule-1", ir.CompiledEventRule{EventTypeID: 1, RuntimeTag: "bytecode"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok := m.Active("rule-1")
	if !ok || v.Version != 1 || v.Status != StatusActive {
		t.Fatalf("expected active v1, got %+v (ok=%v)", v, ok)
	}

	if err := m.UpdateEventRule("rule-1", ir.CompiledEventRule{EventTypeID: 1, RuntimeTag: "script"}, AtomicStrategy{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v2, ok := m.Active("rule-1")
	if !ok || v2.Version != 2 || v2.EventRule.RuntimeTag != "script" {
		t.Fatalf("expected active v2 with updated runtime tag, got %+v", v2)
	}
}

func TestRuleKindMismatchRejected(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	if err := m.AddEventRule("rule-1", ir.CompiledEventRule{EventTypeID: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := m.UpdateSequenceRule("rule-1", ir.CompiledSequenceRule{}, AtomicStrategy{})
	if err == nil {
		t.Fatalf("expected error when changing a rule's kind")
	}
	// Previous version remains active despite the failed update.
	v, ok := m.Active("rule-1")
	if !ok || v.EventRule == nil {
		t.Fatalf("expected previous event-rule version to remain active")
	}
}

func TestSubscribeReceivesChangeNotifications(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	ch := m.Subscribe()
	if err := m.AddEventRule("rule-1", ir.CompiledEventRule{EventTypeID: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case evt := <-ch:
		if evt.RuleID != "rule-1" || evt.Kind != ChangeAdded {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change notification")
	}
}

func TestGradualRolloutPromotesAfterObservationWindow(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	if err := m.AddEventRule("rule-1", ir.CompiledEventRule{EventTypeID: 1, RuntimeTag: "v1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.UpdateEventRule("rule-1", ir.CompiledEventRule{EventTypeID: 1, RuntimeTag: "v2"},
		GradualStrategy{CanaryRatio: 0.1, ObservationWindow: 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Still on v1 while the rollout is pending.
	v, _ := m.Active("rule-1")
	if v.EventRule.RuntimeTag != "v1" {
		t.Fatalf("expected v1 to remain active during rollout, got %q", v.EventRule.RuntimeTag)
	}

	m.tickRollouts()
	m.tickRollouts()

	v, _ = m.Active("rule-1")
	if v.EventRule.RuntimeTag != "v2" {
		t.Fatalf("expected v2 active after observation window elapsed, got %q", v.EventRule.RuntimeTag)
	}
}

func TestVersionHistoryBounded(t *testing.T) {
	m := New(Config{MaxVersionsPerRule: 2})
	defer m.Close()

	for i := 0; i < 5; i++ {
		tag := "v"
		if err := m.AddEventRule("rule-1", ir.CompiledEventRule{RuntimeTag: tag}); i == 0 && err != nil {
			t.Fatalf("unexpected error: %v", err)
		} else if i > 0 {
			_ = m.UpdateEventRule("rule-1", ir.CompiledEventRule{RuntimeTag: tag}, AtomicStrategy{})
		}
	}

	versions := m.Versions("rule-1")
	if len(versions) > 2 {
		t.Fatalf("expected version history bounded to 2, got %d", len(versions))
	}
}
