package trace

import (
	"fmt"
	"testing"
	"time"
)

func TestTraceLifecycle(t *testing.T) {
	tr := New(Config{})

	id := tr.Begin("create_task")
	tr.Event(id, "validated")
	tr.End(id)

	got := tr.Get(id)
	if got == nil {
		t.Fatal("trace not retained")
	}
	if got.Operation != "create_task" {
		t.Fatalf("unexpected operation %s", got.Operation)
	}
	kinds := []EventKind{KindStart, KindEvent, KindEnd}
	if len(got.Entries) != len(kinds) {
		t.Fatalf("expected %d entries, got %d", len(kinds), len(got.Entries))
	}
	for i, k := range kinds {
		if got.Entries[i].Kind != k {
			t.Fatalf("entry %d: got %s, want %s", i, got.Entries[i].Kind, k)
		}
	}
}

func TestTraceErrorRate(t *testing.T) {
	tr := New(Config{})

	for i := 0; i < 4; i++ {
		id := tr.Begin("op")
		if i == 0 {
			tr.Error(id, "boom")
		}
		tr.End(id)
	}

	s := tr.Summarize()
	if s.Completed != 4 || s.Errors != 1 {
		t.Fatalf("summary %+v", s)
	}
	if s.ErrorRate != 0.25 {
		t.Fatalf("expected error rate 0.25, got %f", s.ErrorRate)
	}
}

func TestTraceEvictionByCount(t *testing.T) {
	tr := New(Config{MaxTraces: 3})

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = tr.Begin(fmt.Sprintf("op-%d", i))
	}

	if tr.Get(ids[0]) != nil || tr.Get(ids[1]) != nil {
		t.Fatal("oldest traces should be evicted")
	}
	if tr.Get(ids[4]) == nil {
		t.Fatal("newest trace missing")
	}
}

func TestTraceEvictionByTTL(t *testing.T) {
	tr := New(Config{TTL: time.Minute})
	base := time.Unix(1000, 0)
	tr.now = func() time.Time { return base }

	old := tr.Begin("old")
	base = base.Add(2 * time.Minute)
	tr.Cleanup()

	if tr.Get(old) != nil {
		t.Fatal("expired trace should be evicted")
	}
}

func TestTraceEntryCap(t *testing.T) {
	tr := New(Config{MaxEventsPerTrace: 5})
	id := tr.Begin("op")
	for i := 0; i < 20; i++ {
		tr.Event(id, "e")
	}
	if got := tr.Get(id); len(got.Entries) != 5 {
		t.Fatalf("expected entry cap 5, got %d", len(got.Entries))
	}
}
