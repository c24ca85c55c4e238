// Package events delivers child write events to the recompute pipeline.
//
// Events for the same job are always handled by the same worker, in publish order, so
// a job's cascades never race each other inside one process. Different jobs proceed in
// parallel.
package events

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fenceit/trackit/internal/errs"
	"github.com/fenceit/trackit/internal/metrics"
	"github.com/fenceit/trackit/internal/model"
	"github.com/fenceit/trackit/internal/service"
)

// Handler runs the pipeline for one event.
type Handler interface {
	Handle(ctx context.Context, ev model.WriteEvent) (service.Outcome, error)
	// Refresh re-reads the event's document before a retry.
	Refresh(ctx context.Context, ev model.WriteEvent) (model.WriteEvent, error)
}

// Options tunes a Dispatcher.
type Options struct {
	Workers      int
	QueueSize    int
	MaxRetries   uint64
	RetryBase    time.Duration
	DrainTimeout time.Duration
}

func (o *Options) normalize() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 100 * time.Millisecond
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 10 * time.Second
	}
}

// Dispatcher is a bounded, job-sharded event queue.
type Dispatcher struct {
	h      Handler
	log    *zap.Logger
	met    *metrics.Metrics
	opts   Options
	shards []chan model.WriteEvent
	depth  atomic.Int64
	wg     sync.WaitGroup
}

var _ service.Publisher = (*Dispatcher)(nil)

// NewDispatcher constructs a Dispatcher; call Run to start its workers.
func NewDispatcher(h Handler, log *zap.Logger, met *metrics.Metrics, opts Options) *Dispatcher {
	opts.normalize()
	if log == nil {
		log = zap.NewNop()
	}
	if met == nil {
		met = metrics.Discard()
	}
	d := &Dispatcher{h: h, log: log, met: met, opts: opts, shards: make([]chan model.WriteEvent, opts.Workers)}
	per := opts.QueueSize / opts.Workers
	if per < 1 {
		per = 1
	}
	for i := range d.shards {
		d.shards[i] = make(chan model.WriteEvent, per)
	}
	return d
}

// Publish enqueues ev, blocking while its shard is full.
func (d *Dispatcher) Publish(ctx context.Context, ev model.WriteEvent) error {
	ch := d.shards[shardOf(ev.JobID, len(d.shards))]
	d.wg.Add(1)
	select {
	case ch <- ev:
		d.met.QueueDepth(int(d.depth.Add(1)))
		return nil
	case <-ctx.Done():
		d.wg.Done()
		return ctx.Err()
	}
}

// Run starts the workers and blocks until ctx is cancelled. Events already queued at
// that point are drained with a bounded grace period.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range d.shards {
		i, ch := i, ch
		g.Go(func() error {
			d.worker(gctx, i, ch)
			return nil
		})
	}
	return g.Wait()
}

// Wait blocks until every published event has been handled or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int, ch chan model.WriteEvent) {
	log := d.log.With(zap.Int("worker", id))
	for {
		select {
		case ev := <-ch:
			if ctx.Err() != nil {
				d.drain(ctx, ch, log, ev)
				return
			}
			d.handle(ctx, ev, log)
		case <-ctx.Done():
			d.drain(ctx, ch, log)
			return
		}
	}
}

// drain handles pending and whatever is still queued on ch within the grace period.
func (d *Dispatcher) drain(ctx context.Context, ch chan model.WriteEvent, log *zap.Logger, pending ...model.WriteEvent) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.DrainTimeout)
	defer cancel()
	for _, ev := range pending {
		d.handle(dctx, ev, log)
	}
	for {
		select {
		case ev := <-ch:
			d.handle(dctx, ev, log)
		default:
			return
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev model.WriteEvent, log *zap.Logger) {
	d.met.QueueDepth(int(d.depth.Add(-1)))
	process(ctx, d.h, ev, d.opts, d.met, log)
	d.wg.Done()
}

// Inline handles events synchronously on Publish, with the same retry policy as the
// Dispatcher. It serves one-shot tools and tests.
type Inline struct {
	H    Handler
	Log  *zap.Logger
	Met  *metrics.Metrics
	Opts Options
}

var _ service.Publisher = (*Inline)(nil)

// Publish handles ev before returning. Handler failures are logged, not returned: the
// originating write already succeeded.
func (p *Inline) Publish(ctx context.Context, ev model.WriteEvent) error {
	opts := p.Opts
	opts.normalize()
	log, met := p.Log, p.Met
	if log == nil {
		log = zap.NewNop()
	}
	if met == nil {
		met = metrics.Discard()
	}
	process(ctx, p.H, ev, opts, met, log)
	return nil
}

// process handles ev, retrying transient failures from a fresh read of the document.
func process(
	ctx context.Context, h Handler, ev model.WriteEvent, opts Options, met *metrics.Metrics, log *zap.Logger,
) {
	attempt := 0
	b := retry.WithMaxRetries(opts.MaxRetries, retry.NewExponential(opts.RetryBase))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		cur := ev
		if attempt > 1 {
			met.Retry()
			var err error
			if cur, err = h.Refresh(ctx, ev); err != nil {
				return retry.RetryableError(err)
			}
		}
		_, err := h.Handle(ctx, cur)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errs.ErrInvalidArgument), errors.Is(err, context.Canceled):
			return err
		default:
			log.Debug("event handling failed, will retry", zap.String("path", ev.Path()), zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		}
	})
	if err != nil {
		log.Error("event dropped",
			zap.String("path", ev.Path()),
			zap.Stringer("change", ev.Change()),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
	}
}

func shardOf(jobID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	return int(h.Sum32() % uint32(n))
}
