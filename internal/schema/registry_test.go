package schema

import "testing"

func TestRegisterFieldIdempotent(t *testing.T) {
	r := New()
	id1, err := r.RegisterField(FieldDef{Path: "process.executable", DataType: DataTypeString})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := r.RegisterField(FieldDef{Path: "process.executable", DataType: DataTypeString})
	if err != nil {
		t.Fatalf("unexpected error on re-register: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected idempotent id, got %d and %d", id1, id2)
	}
}

func TestRegisterFieldMismatchIsError(t *testing.T) {
	r := New()
	if _, err := r.RegisterField(FieldDef{Path: "process.pid", DataType: DataTypeU64}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.RegisterField(FieldDef{Path: "process.pid", DataType: DataTypeString}); err == nil {
		t.Fatalf("expected DuplicatePath error on mismatched redefinition")
	}
}

func TestFreezeForbidsNewRegistration(t *testing.T) {
	r := New()
	r.MustRegisterField("process.pid", DataTypeU64)
	r.Freeze()

	if _, err := r.RegisterField(FieldDef{Path: "process.ppid", DataType: DataTypeU64}); err == nil {
		t.Fatalf("expected Frozen error after freeze")
	}
	// Idempotent re-registration of an already-known field is still allowed post-freeze.
	if _, err := r.RegisterField(FieldDef{Path: "process.pid", DataType: DataTypeU64}); err != nil {
		t.Fatalf("expected idempotent re-register to succeed post-freeze: %v", err)
	}
}

func TestFieldRoundTrip(t *testing.T) {
	r := New()
	id := r.MustRegisterField("process.executable", DataTypeString)

	gotID, ok := r.FieldID("process.executable")
	if !ok || gotID != id {
		t.Fatalf("expected id(path) = %d, got %d (ok=%v)", id, gotID, ok)
	}
	def, ok := r.FieldDefByID(id)
	if !ok || def.Path != "process.executable" {
		t.Fatalf("expected path(id) round trip, got %+v (ok=%v)", def, ok)
	}
}

func TestSnapshotIsImmutableCopy(t *testing.T) {
	r := New()
	r.MustRegisterField("process.pid", DataTypeU64)

	snap := r.Snapshot()
	r.MustRegisterField("process.ppid", DataTypeU64)

	if _, ok := snap.FieldID("process.ppid"); ok {
		t.Fatalf("snapshot should not observe registrations made after it was taken")
	}
	if !snap.Frozen() {
		t.Fatalf("snapshot should report itself as frozen")
	}
}
