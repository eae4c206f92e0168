package clock

import (
	"testing"
	"time"
)

func TestMockAdvance(t *testing.T) {
	m := NewMock(1_000, 2_000)
	m.Advance(500 * time.Nanosecond)
	if m.MonoNs() != 1_500 {
		t.Fatalf("expected mono 1500, got %d", m.MonoNs())
	}
	if m.WallNs() != 2_500 {
		t.Fatalf("expected wall 2500, got %d", m.WallNs())
	}
}

func TestMockSetTime(t *testing.T) {
	m := NewMock(0, 0)
	m.SetTime(9_000, 9_500)
	if m.MonoNs() != 9_000 || m.WallNs() != 9_500 {
		t.Fatalf("expected set values, got mono=%d wall=%d", m.MonoNs(), m.WallNs())
	}
}

func TestRealMonoIsNonDecreasing(t *testing.T) {
	r := NewReal()
	first := r.MonoNs()
	second := r.MonoNs()
	if second < first {
		t.Fatalf("expected monotonic non-decreasing clock, got %d then %d", first, second)
	}
}
