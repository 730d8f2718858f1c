package idgen

import (
	"strings"
	"testing"
	"time"
)

func TestNewIDFormat(t *testing.T) {
	id := NewID(DomainTask)
	if !strings.HasPrefix(id, "task_") {
		t.Fatalf("expected task_ prefix, got %s", id)
	}
	suffix := strings.TrimPrefix(id, "task_")
	if len(suffix) != IDLength {
		t.Fatalf("expected %d char suffix, got %d (%s)", IDLength, len(suffix), id)
	}
	for _, c := range suffix {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')) {
			t.Fatalf("non-base36 character %q in %s", c, id)
		}
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		id := NewID(DomainKnowledge)
		if seen[id] {
			t.Fatalf("duplicate id after %d mints: %s", i, id)
		}
		seen[id] = true
	}
}

func TestClockMonotonic(t *testing.T) {
	// Time source that moves backwards between readings.
	readings := []time.Time{
		time.UnixMilli(1000),
		time.UnixMilli(900),
		time.UnixMilli(900),
		time.UnixMilli(2000),
	}
	i := 0
	c := NewClockAt(func() time.Time {
		r := readings[i]
		if i < len(readings)-1 {
			i++
		}
		return r
	})

	got := []int64{c.NowMillis(), c.NowMillis(), c.NowMillis(), c.NowMillis()}
	want := []int64{1000, 1001, 1002, 2000}
	for j := range want {
		if got[j] != want[j] {
			t.Fatalf("reading %d: got %d, want %d", j, got[j], want[j])
		}
	}
}
