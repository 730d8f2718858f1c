package txn

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/untoldecay/trellis/internal/events"
	"github.com/untoldecay/trellis/internal/storage"
	"github.com/untoldecay/trellis/internal/storage/sqlite"
	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/types"
)

func setupCoordinator(t *testing.T) (*Coordinator, storage.Storage, *events.Bus) {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, storage.Config{BaseDir: t.TempDir(), Name: "txn.db"}, nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	bus := events.New(0, nil)
	return New(store, bus, nil, DefaultConfig()), store, bus
}

func stageCreate(path string) Op {
	return func(ctx context.Context, st storage.Transaction) error {
		return st.CreateTask(ctx, &types.Task{
			Path:     path,
			Name:     "Task " + path,
			Type:     types.TypeTask,
			Status:   types.StatusPending,
			Priority: types.PriorityMedium,
		}, "tester")
	}
}

func TestCommitAppliesStagedOps(t *testing.T) {
	coord, store, _ := setupCoordinator(t)
	ctx := context.Background()

	id, err := coord.Begin(ctx, BeginOptions{Isolation: IsolationDeferred})
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	tx, err := coord.lookup(id)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if err := tx.Do(stageCreate("txn/a")); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if err := tx.Do(stageCreate("txn/b")); err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	// Nothing is durable before commit.
	if got, _ := store.GetTask(ctx, "txn/a"); got != nil {
		t.Fatal("staged op should not be applied before commit")
	}

	if err := coord.Commit(ctx, id); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	for _, p := range []string{"txn/a", "txn/b"} {
		got, err := store.GetTask(ctx, p)
		if err != nil {
			t.Fatalf("GetTask failed: %v", err)
		}
		if got == nil {
			t.Fatalf("expected %s after commit", p)
		}
	}
	if coord.ActiveCount() != 0 {
		t.Errorf("expected no active transactions, got %d", coord.ActiveCount())
	}
}

func TestRollbackDiscardsAndRunsHooks(t *testing.T) {
	coord, store, _ := setupCoordinator(t)
	ctx := context.Background()

	var restored atomic.Bool
	id, err := coord.Begin(ctx, BeginOptions{})
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	tx, _ := coord.lookup(id)
	_ = tx.Do(stageCreate("txn/doomed"))
	tx.OnRollback(func() { restored.Store(true) })

	if err := coord.Rollback(ctx, id); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if !restored.Load() {
		t.Error("expected rollback hook to run")
	}
	if got, _ := store.GetTask(ctx, "txn/doomed"); got != nil {
		t.Error("rolled-back op must not be applied")
	}

	// A completed transaction is gone.
	err = coord.Commit(ctx, id)
	if taskerr.KindOf(err) != taskerr.KindNotFound {
		t.Errorf("expected NOT_FOUND after rollback, got %v", err)
	}
}

func TestNestedBeginSharesTransaction(t *testing.T) {
	coord, store, _ := setupCoordinator(t)
	ctx := context.Background()

	opts := BeginOptions{ConnectionID: "conn-1"}
	outer, err := coord.Begin(ctx, opts)
	if err != nil {
		t.Fatalf("outer Begin failed: %v", err)
	}
	inner, err := coord.Begin(ctx, opts)
	if err != nil {
		t.Fatalf("inner Begin failed: %v", err)
	}
	if outer != inner {
		t.Fatalf("nested begin should return the same id: %s != %s", outer, inner)
	}

	tx, _ := coord.lookup(outer)
	if tx.Depth() != 1 {
		t.Errorf("expected depth 1, got %d", tx.Depth())
	}
	_ = tx.Do(stageCreate("txn/nested"))

	// Inner commit only unwinds the depth.
	if err := coord.Commit(ctx, inner); err != nil {
		t.Fatalf("inner Commit failed: %v", err)
	}
	if got, _ := store.GetTask(ctx, "txn/nested"); got != nil {
		t.Fatal("inner commit must not apply ops")
	}

	if err := coord.Commit(ctx, outer); err != nil {
		t.Fatalf("outer Commit failed: %v", err)
	}
	if got, _ := store.GetTask(ctx, "txn/nested"); got == nil {
		t.Fatal("outer commit should apply ops")
	}
}

func TestTimeoutRollsBackOnce(t *testing.T) {
	coord, store, bus := setupCoordinator(t)
	ctx := context.Background()

	timedOut := make(chan events.Event, 1)
	bus.Subscribe(events.TransactionTimeout, func(ev events.Event) {
		select {
		case timedOut <- ev:
		default:
		}
	})

	id, err := coord.Begin(ctx, BeginOptions{Timeout: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	tx, _ := coord.lookup(id)
	_ = tx.Do(stageCreate("txn/expired"))

	select {
	case ev := <-timedOut:
		if ev.EntityID != id {
			t.Errorf("timeout event for wrong tx: %s", ev.EntityID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a TRANSACTION_TIMEOUT event")
	}

	if got, _ := store.GetTask(ctx, "txn/expired"); got != nil {
		t.Error("timed-out ops must not be applied")
	}
	err = coord.Commit(ctx, id)
	if taskerr.KindOf(err) != taskerr.KindNotFound {
		t.Errorf("expected NOT_FOUND after timeout, got %v", err)
	}
}

func TestCommitDeadlineBoundsApply(t *testing.T) {
	coord, store, bus := setupCoordinator(t)
	ctx := context.Background()

	timedOut := make(chan events.Event, 1)
	bus.Subscribe(events.TransactionTimeout, func(ev events.Event) {
		select {
		case timedOut <- ev:
		default:
		}
	})

	id, err := coord.Begin(ctx, BeginOptions{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	tx, _ := coord.lookup(id)
	_ = tx.Do(func(ctx context.Context, st storage.Transaction) error {
		// A write that stalls past the transaction deadline.
		time.Sleep(200 * time.Millisecond)
		if err := ctx.Err(); err != nil {
			return err
		}
		return stageCreate("txn/slow")(ctx, st)
	})

	err = coord.Commit(ctx, id)
	if taskerr.KindOf(err) != taskerr.KindTransactionTimeout {
		t.Fatalf("expected TRANSACTION_TIMEOUT from a stalled apply, got %v", err)
	}
	select {
	case ev := <-timedOut:
		if ev.EntityID != id {
			t.Errorf("timeout event for wrong tx: %s", ev.EntityID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a TRANSACTION_TIMEOUT event")
	}
	if got, _ := store.GetTask(ctx, "txn/slow"); got != nil {
		t.Error("a write past the deadline must not persist")
	}
}

func TestExecuteCommitsAndRollsBack(t *testing.T) {
	coord, store, _ := setupCoordinator(t)
	ctx := context.Background()

	err := coord.Execute(ctx, BeginOptions{}, func(tx *Tx) error {
		return tx.Do(stageCreate("exec/ok"))
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got, _ := store.GetTask(ctx, "exec/ok"); got == nil {
		t.Fatal("expected committed task")
	}

	sentinel := errors.New("boom")
	err = coord.Execute(ctx, BeginOptions{}, func(tx *Tx) error {
		_ = tx.Do(stageCreate("exec/bad"))
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if got, _ := store.GetTask(ctx, "exec/bad"); got != nil {
		t.Fatal("failed Execute must roll back")
	}
}

func TestCommitFailureRunsRestoreHooks(t *testing.T) {
	coord, store, _ := setupCoordinator(t)
	ctx := context.Background()

	if err := store.CreateTask(ctx, &types.Task{
		Path: "dup/path", Name: "existing", Type: types.TypeTask,
		Status: types.StatusPending, Priority: types.PriorityMedium,
	}, "tester"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	var restored atomic.Bool
	id, _ := coord.Begin(ctx, BeginOptions{})
	tx, _ := coord.lookup(id)
	tx.OnRollback(func() { restored.Store(true) })
	_ = tx.Do(stageCreate("dup/path")) // duplicate, store will reject

	err := coord.Commit(ctx, id)
	if taskerr.KindOf(err) != taskerr.KindDuplicate {
		t.Fatalf("expected DUPLICATE from apply, got %v", err)
	}
	if !restored.Load() {
		t.Error("expected restore hooks after failed commit")
	}
}

func TestImmediateIsolationSerializesKeys(t *testing.T) {
	coord, _, _ := setupCoordinator(t)
	ctx := context.Background()

	first, err := coord.Begin(ctx, BeginOptions{
		Isolation: IsolationImmediate,
		Keys:      []string{"project/shared"},
	})
	if err != nil {
		t.Fatalf("first Begin failed: %v", err)
	}

	// Second Begin on the same key blocks until the first completes.
	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = coord.Begin(blockedCtx, BeginOptions{
		Isolation: IsolationImmediate,
		Keys:      []string{"project/shared"},
	})
	if taskerr.KindOf(err) != taskerr.KindTransactionTimeout {
		t.Fatalf("expected lock acquisition timeout, got %v", err)
	}

	if err := coord.Commit(ctx, first); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// Key is free again.
	second, err := coord.Begin(ctx, BeginOptions{
		Isolation: IsolationImmediate,
		Keys:      []string{"project/shared"},
	})
	if err != nil {
		t.Fatalf("Begin after release failed: %v", err)
	}
	if err := coord.Rollback(ctx, second); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
}
