package event

import (
	"testing"

	"github.com/endpointdefense/huntcore/internal/schema"
)

func TestBuilderSortsAndFinalizes(t *testing.T) {
	ev, err := NewBuilder().
		EventID(1).
		EventTypeID(1).
		TsMonoNs(1_000_000_000).
		Field(3, Str("c")).
		Field(1, Str("a")).
		Field(2, Str("b")).
		Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := ev.Fields()
	want := []schema.FieldId{1, 2, 3}
	for i, id := range want {
		if got[i].FieldID != id {
			t.Fatalf("expected sorted field ids %v, got %v", want, got)
		}
	}
}

func TestBuilderRejectsDuplicateFieldID(t *testing.T) {
	_, err := NewBuilder().Field(1, I64(1)).Field(1, I64(2)).Build()
	if err == nil {
		t.Fatalf("expected error on duplicate field id")
	}
}

func TestEventGetBinarySearch(t *testing.T) {
	ev, err := NewBuilder().Field(5, I64(42)).Field(1, I64(7)).Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v, ok := ev.Get(5)
	if !ok {
		t.Fatalf("expected field 5 to be present")
	}
	got, _ := v.AsI64()
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}

	if _, ok := ev.Get(99); ok {
		t.Fatalf("expected field 99 to be absent")
	}
}

func TestTypedValueEqualityIsTypeHomogeneous(t *testing.T) {
	if I64(1).Equal(U64(1)) {
		t.Fatalf("expected cross-kind equality to be false")
	}
	if !Str("a").Equal(Str("a")) {
		t.Fatalf("expected same-kind equal values to be equal")
	}
}

func TestTypedValueCompareRejectsCrossKind(t *testing.T) {
	if _, err := I64(1).Compare(F64(1.0)); err == nil {
		t.Fatalf("expected cross-kind compare to error")
	}
}
