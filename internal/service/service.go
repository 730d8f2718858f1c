// Package service orchestrates the core components behind the public
// task and knowledge operations: validation, transactions, durable
// writes, index maintenance, cache invalidation, and events.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/untoldecay/trellis/internal/bulk"
	"github.com/untoldecay/trellis/internal/cache"
	"github.com/untoldecay/trellis/internal/events"
	"github.com/untoldecay/trellis/internal/index"
	"github.com/untoldecay/trellis/internal/logging"
	"github.com/untoldecay/trellis/internal/storage"
	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/trace"
	"github.com/untoldecay/trellis/internal/txn"
	"github.com/untoldecay/trellis/internal/validation"
)

// Backpressure defaults.
const (
	DefaultMaxInFlight    = 64
	DefaultAcquireTimeout = 5 * time.Second
)

// Options tunes the service layer.
type Options struct {
	MaxInFlight    int64
	AcquireTimeout time.Duration
	Mode           validation.Mode // default STRICT
	Actor          string          // recorded on audit rows
}

// Core bundles the components every service operation runs through.
type Core struct {
	store    storage.Storage
	coord    *txn.Coordinator
	indexes  *index.Coordinator
	cache    *cache.Cache
	bus      *events.Bus
	pipeline *validation.Pipeline
	tracer   *trace.Tracer
	batch    *bulk.Processor
	log      *logging.Logger

	sem  *semaphore.Weighted
	opts Options
}

// NewCore wires the components together. Nil cache, bus, tracer, and
// logger are tolerated so partial stacks work in tests.
func NewCore(
	store storage.Storage,
	coord *txn.Coordinator,
	indexes *index.Coordinator,
	c *cache.Cache,
	bus *events.Bus,
	pipeline *validation.Pipeline,
	tracer *trace.Tracer,
	batch *bulk.Processor,
	log *logging.Logger,
	opts Options,
) *Core {
	if log == nil {
		log = logging.NewSilent()
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	if opts.Mode == "" {
		opts.Mode = validation.ModeStrict
	}
	if opts.Actor == "" {
		opts.Actor = "service"
	}
	return &Core{
		store:    store,
		coord:    coord,
		indexes:  indexes,
		cache:    c,
		bus:      bus,
		pipeline: pipeline,
		tracer:   tracer,
		batch:    batch,
		log:      log,
		sem:      semaphore.NewWeighted(opts.MaxInFlight),
		opts:     opts,
	}
}

// acquire takes one backpressure slot or fails with the overload error
// once the acquire timeout elapses.
func (c *Core) acquire(ctx context.Context) (func(), error) {
	acquireCtx, cancel := context.WithTimeout(ctx, c.opts.AcquireTimeout)
	defer cancel()
	if err := c.sem.Acquire(acquireCtx, 1); err != nil {
		return nil, taskerr.New(taskerr.KindLimitExceeded, "server is overloaded, retry later").
			WithRule("overload")
	}
	return func() { c.sem.Release(1) }, nil
}

// begin opens a trace for the operation and returns its id with a
// finish function. The finish function closes the trace and, on
// failure, stamps the trace id onto the taxonomy error as the
// correlation id.
func (c *Core) begin(operation string) (string, func(err error) error) {
	if c.tracer == nil {
		return "", func(err error) error { return err }
	}
	id := c.tracer.Begin(operation)
	return id, func(err error) error {
		if err != nil {
			c.tracer.Error(id, err.Error())
			var te *taskerr.Error
			if errors.As(err, &te) && te.CorrelationID == "" {
				te.CorrelationID = id
			}
		}
		c.tracer.End(id)
		return err
	}
}

// event appends an annotation to an open trace.
func (c *Core) event(traceID, message string) {
	if c.tracer != nil && traceID != "" {
		c.tracer.Event(traceID, message)
	}
}

// publish emits a lifecycle event; the cache subscribes to these for
// invalidation.
func (c *Core) publish(eventType, entityID, path string, payload map[string]any) {
	if c.bus != nil {
		c.bus.Publish(events.Event{
			Type:     eventType,
			EntityID: entityID,
			Path:     path,
			Payload:  payload,
		})
	}
}

// connID mints a fresh logical connection id for the transaction
// coordinator so independent service calls never share nesting state.
func connID() string { return uuid.NewString() }

// Tracer exposes the tracer for diagnostics surfaces.
func (c *Core) Tracer() *trace.Tracer { return c.tracer }

// Cache exposes the result cache for diagnostics surfaces.
func (c *Core) Cache() *cache.Cache { return c.cache }
