// Package txn implements the logical transaction coordinator layered
// over the durable store. Callers stage operations against a logical
// transaction; the outermost commit applies them in one store
// transaction with retry on transient failures.
package txn

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/untoldecay/trellis/internal/events"
	"github.com/untoldecay/trellis/internal/idgen"
	"github.com/untoldecay/trellis/internal/logging"
	"github.com/untoldecay/trellis/internal/storage"
	"github.com/untoldecay/trellis/internal/taskerr"
)

// Isolation selects the locking behavior of a logical transaction.
type Isolation string

const (
	// IsolationDeferred takes no advisory locks at Begin.
	IsolationDeferred Isolation = "DEFERRED"
	// IsolationImmediate takes the per-key advisory locks at Begin.
	IsolationImmediate Isolation = "IMMEDIATE"
	// IsolationExclusive takes a coordinator-wide lock at Begin.
	IsolationExclusive Isolation = "EXCLUSIVE"
)

// globalLockKey is the reserved key the EXCLUSIVE isolation holds.
const globalLockKey = "\x00exclusive"

// BeginOptions configures a logical transaction.
type BeginOptions struct {
	Isolation    Isolation
	Timeout      time.Duration
	ConnectionID string
	// Keys are the advisory lock keys serialized at Begin for
	// IMMEDIATE isolation (typically the task paths being written).
	Keys []string
}

// Op is one staged write, applied inside the store transaction at
// commit time.
type Op func(ctx context.Context, st storage.Transaction) error

type txState int

const (
	stateActive txState = iota
	stateCommitted
	stateRolledBack
	stateTimedOut
)

// Tx is one logical transaction. Methods are safe for use from the
// goroutine that began the transaction; the coordinator serializes
// lifecycle transitions against the timeout timer.
type Tx struct {
	id        string
	connID    string
	isolation Isolation

	mu       sync.Mutex
	state    txState
	depth    int
	ops      []Op
	onRoll   []func()
	timer    *time.Timer
	deadline time.Time
	heldKeys []string
}

// ID returns the transaction identifier.
func (t *Tx) ID() string { return t.id }

// Depth returns the current nesting depth (0 for the outermost level).
func (t *Tx) Depth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.depth
}

// Do stages an operation for execution at commit time.
func (t *Tx) Do(op Op) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateActive {
		return taskerr.New(taskerr.KindTransaction, "transaction %s is no longer active", t.id)
	}
	t.ops = append(t.ops, op)
	return nil
}

// OnRollback registers a hook run when the transaction rolls back or
// times out. Hooks restore in-memory state (caches, indexes) from
// snapshots taken before staging the corresponding write.
func (t *Tx) OnRollback(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateActive {
		t.onRoll = append(t.onRoll, fn)
	}
}

// Config tunes the coordinator.
type Config struct {
	DefaultTimeout time.Duration // applied when BeginOptions.Timeout is zero
	RetryBase      time.Duration // first backoff interval
	RetryCap       time.Duration // backoff ceiling
	RetryAttempts  int           // total commit attempts
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		RetryBase:      100 * time.Millisecond,
		RetryCap:       time.Second,
		RetryAttempts:  3,
	}
}

// Coordinator owns the set of active logical transactions.
type Coordinator struct {
	store storage.Storage
	bus   *events.Bus
	log   *logging.Logger
	cfg   Config

	mu       sync.Mutex
	active   map[string]*Tx
	byConn   map[string]*Tx
	keyLocks map[string]chan struct{}
}

// New constructs a coordinator over the given store.
func New(store storage.Storage, bus *events.Bus, log *logging.Logger, cfg Config) *Coordinator {
	if log == nil {
		log = logging.NewSilent()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = DefaultConfig().RetryCap
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultConfig().RetryAttempts
	}
	return &Coordinator{
		store:    store,
		bus:      bus,
		log:      log,
		cfg:      cfg,
		active:   make(map[string]*Tx),
		byConn:   make(map[string]*Tx),
		keyLocks: make(map[string]chan struct{}),
	}
}

// Begin opens a logical transaction, or increments the nesting depth
// when the connection already holds one. Only the outermost
// commit/rollback completes the transaction.
func (c *Coordinator) Begin(ctx context.Context, opts BeginOptions) (string, error) {
	c.mu.Lock()
	if opts.ConnectionID != "" {
		if existing, ok := c.byConn[opts.ConnectionID]; ok {
			existing.mu.Lock()
			if existing.state == stateActive {
				existing.depth++
				existing.mu.Unlock()
				c.mu.Unlock()
				return existing.id, nil
			}
			existing.mu.Unlock()
		}
	}
	c.mu.Unlock()

	keys := lockKeysFor(opts)
	if err := c.acquireKeys(ctx, keys); err != nil {
		return "", err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	tx := &Tx{
		id:        idgen.NewID(idgen.DomainTx),
		connID:    opts.ConnectionID,
		isolation: opts.Isolation,
		deadline:  time.Now().Add(timeout),
		heldKeys:  keys,
	}
	tx.timer = time.AfterFunc(timeout, func() { c.onTimeout(tx) })

	c.mu.Lock()
	c.active[tx.id] = tx
	if tx.connID != "" {
		c.byConn[tx.connID] = tx
	}
	c.mu.Unlock()

	c.publish(events.TransactionStarted, tx, nil)
	return tx.id, nil
}

func lockKeysFor(opts BeginOptions) []string {
	switch opts.Isolation {
	case IsolationExclusive:
		return []string{globalLockKey}
	case IsolationImmediate:
		return opts.Keys
	default:
		return nil
	}
}

// acquireKeys takes the advisory locks in sorted order of appearance.
// Callers pass keys in a consistent order to avoid lock inversion.
func (c *Coordinator) acquireKeys(ctx context.Context, keys []string) error {
	for i, key := range keys {
		lock := c.lockFor(key)
		select {
		case lock <- struct{}{}:
		case <-ctx.Done():
			c.releaseKeys(keys[:i])
			return taskerr.Wrap(taskerr.KindTransactionTimeout, ctx.Err(),
				"timed out acquiring lock for %q", key)
		}
	}
	return nil
}

func (c *Coordinator) lockFor(key string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.keyLocks[key]
	if !ok {
		lock = make(chan struct{}, 1)
		c.keyLocks[key] = lock
	}
	return lock
}

func (c *Coordinator) releaseKeys(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		if lock, ok := c.keyLocks[key]; ok {
			select {
			case <-lock:
			default:
			}
		}
	}
}

// lookup returns the active transaction or a TRANSACTION_NOT_FOUND
// error. A timed-out transaction has already been removed, so late
// commit/rollback calls land here.
func (c *Coordinator) lookup(id string) (*Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.active[id]
	if !ok {
		return nil, taskerr.New(taskerr.KindNotFound, "transaction not found").
			WithDetail("transaction_id", id).WithRule("TRANSACTION_NOT_FOUND")
	}
	return tx, nil
}

// Commit completes the transaction. At depth > 0 it only decrements the
// nesting level; the outermost commit applies every staged operation in
// one store transaction, retrying transient failures with exponential
// backoff.
func (c *Coordinator) Commit(ctx context.Context, id string) error {
	tx, err := c.lookup(id)
	if err != nil {
		return err
	}

	tx.mu.Lock()
	if tx.state != stateActive {
		tx.mu.Unlock()
		return taskerr.New(taskerr.KindTransaction, "transaction %s is no longer active", id)
	}
	if tx.depth > 0 {
		tx.depth--
		tx.mu.Unlock()
		return nil
	}
	ops := tx.ops
	tx.state = stateCommitted
	tx.timer.Stop()
	deadline := tx.deadline
	tx.mu.Unlock()

	// The apply phase stays bounded by the transaction deadline: a
	// write that stalls past it rolls back like any other timeout.
	applyCtx, cancel := context.WithDeadline(ctx, deadline)
	applyErr := c.apply(applyCtx, ops)
	timedOut := applyErr != nil && applyCtx.Err() == context.DeadlineExceeded
	cancel()
	if applyErr != nil {
		// The store rolled back; run restore hooks so in-memory state
		// matches.
		tx.mu.Lock()
		if timedOut {
			tx.state = stateTimedOut
		} else {
			tx.state = stateRolledBack
		}
		hooks := tx.onRoll
		tx.mu.Unlock()
		runHooks(hooks)
		c.finish(tx)
		if timedOut {
			c.log.Warn("transaction timed out during commit", "tx", tx.id, "connection", tx.connID)
			c.publish(events.TransactionTimeout, tx, nil)
			return taskerr.Wrap(taskerr.KindTransactionTimeout, applyErr,
				"transaction exceeded its deadline during commit")
		}
		c.publish(events.TransactionRolledBack, tx, map[string]any{"error": applyErr.Error()})
		return applyErr
	}

	c.finish(tx)
	c.publish(events.TransactionCommitted, tx, map[string]any{"ops": len(ops)})
	return nil
}

// apply runs the staged operations inside one store transaction with
// retry. Only transient classes (busy, locked, conflict) are retried.
func (c *Coordinator) apply(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryBase
	policy.MaxInterval = c.cfg.RetryCap
	policy.RandomizationFactor = 0.2

	attempts := 0
	operation := func() error {
		attempts++
		err := c.store.RunInTransaction(ctx, func(st storage.Transaction) error {
			for _, op := range ops {
				if err := op(ctx, st); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			return nil
		}
		if taskerr.IsRetryable(err) && attempts < c.cfg.RetryAttempts {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

// Rollback discards the transaction. At depth > 0 it only decrements
// the nesting level; the whole transaction stays doomed only when the
// outermost level rolls back, matching SQLite savepoint-free semantics.
func (c *Coordinator) Rollback(ctx context.Context, id string) error {
	tx, err := c.lookup(id)
	if err != nil {
		return err
	}

	tx.mu.Lock()
	if tx.state != stateActive {
		tx.mu.Unlock()
		return taskerr.New(taskerr.KindTransaction, "transaction %s is no longer active", id)
	}
	if tx.depth > 0 {
		tx.depth--
		tx.mu.Unlock()
		return nil
	}
	tx.state = stateRolledBack
	tx.timer.Stop()
	hooks := tx.onRoll
	tx.mu.Unlock()

	runHooks(hooks)
	c.finish(tx)
	c.publish(events.TransactionRolledBack, tx, nil)
	return nil
}

// onTimeout fires once from the transaction timer: roll back, restore,
// and forget the transaction. Later Commit/Rollback calls observe
// TRANSACTION_NOT_FOUND.
func (c *Coordinator) onTimeout(tx *Tx) {
	tx.mu.Lock()
	if tx.state != stateActive {
		tx.mu.Unlock()
		return
	}
	tx.state = stateTimedOut
	hooks := tx.onRoll
	tx.mu.Unlock()

	runHooks(hooks)
	c.finish(tx)
	c.log.Warn("transaction timed out", "tx", tx.id, "connection", tx.connID)
	c.publish(events.TransactionTimeout, tx, nil)
}

func (c *Coordinator) finish(tx *Tx) {
	c.releaseKeys(tx.heldKeys)
	c.mu.Lock()
	delete(c.active, tx.id)
	if tx.connID != "" && c.byConn[tx.connID] == tx {
		delete(c.byConn, tx.connID)
	}
	c.mu.Unlock()
}

func runHooks(hooks []func()) {
	// Reverse order: the last snapshot taken is the first restored.
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

func (c *Coordinator) publish(eventType string, tx *Tx, payload map[string]any) {
	if c.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["isolation"] = string(tx.isolation)
	c.bus.Publish(events.Event{
		Type:     eventType,
		EntityID: tx.id,
		Payload:  payload,
	})
}

// Execute wraps Begin/fn/Commit with rollback on error. fn stages
// operations with Tx.Do; the commit applies them atomically.
func (c *Coordinator) Execute(ctx context.Context, opts BeginOptions, fn func(tx *Tx) error) error {
	id, err := c.Begin(ctx, opts)
	if err != nil {
		return err
	}
	tx, err := c.lookup(id)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := c.Rollback(ctx, id); rbErr != nil {
			c.log.Warn("rollback after failure also failed", "tx", id, "error", rbErr)
		}
		return err
	}
	return c.Commit(ctx, id)
}

// ActiveCount reports the number of open transactions.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}
