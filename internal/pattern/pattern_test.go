package pattern

import "testing"

func TestTableMatchRegexAndGlob(t *testing.T) {
	tbl, err := NewTable([]string{`^/etc/.*\.conf$`}, []string{"/bin/*"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !tbl.MatchRegex(0, "/etc/passwd.conf") {
		t.Fatalf("expected regex 0 to match")
	}
	if tbl.MatchRegex(0, "/etc/passwd") {
		t.Fatalf("expected regex 0 not to match")
	}
	if !tbl.MatchGlob(0, "/bin/bash") {
		t.Fatalf("expected glob 0 to match")
	}
	if tbl.MatchGlob(0, "/usr/bin/bash") {
		t.Fatalf("expected glob 0 not to match")
	}
}

func TestTableOutOfRangeIDIsNonMatch(t *testing.T) {
	tbl, _ := NewTable(nil, nil)
	if tbl.MatchRegex(3, "anything") {
		t.Fatalf("expected out-of-range regex id to be a non-match, not a panic")
	}
	if tbl.MatchGlob(3, "anything") {
		t.Fatalf("expected out-of-range glob id to be a non-match, not a panic")
	}
}

func TestCompileFailureIsRejectedAtLoad(t *testing.T) {
	if _, err := NewTable([]string{"(unterminated"}, nil); err == nil {
		t.Fatalf("expected compile failure for invalid regex")
	}
}

func TestRegistryLoadAndGet(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Load("pred-1", []string{"^a$"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tbl, ok := r.Get("pred-1")
	if !ok {
		t.Fatalf("expected table to be loaded")
	}
	if !tbl.MatchRegex(0, "a") {
		t.Fatalf("expected regex to match")
	}
	r.Unload("pred-1")
	if _, ok := r.Get("pred-1"); ok {
		t.Fatalf("expected table to be unloaded")
	}
}
