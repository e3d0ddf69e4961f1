// Package engine implements the batched probe engine.
//
// Addresses are split into contiguous batches of BatchSize. Every probe of a
// batch runs concurrently and the batch is only reported once all of them have
// resolved, so no more than BatchSize connections are ever in flight. Batches
// run strictly one after another in address order.
package engine

import (
	"context"
	"fmt"
	"iter"
	"net/netip"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anstrom/cidrsweep/internal/logging"
	"github.com/anstrom/cidrsweep/internal/metrics"
	"github.com/anstrom/cidrsweep/internal/probe"
)

// DefaultBatchSize is the default concurrency limit.
const DefaultBatchSize = 150

// BatchResult is the joined result of one batch.
type BatchResult struct {
	// Index is the zero-based batch number within the address sequence.
	Index int
	// Probed is the number of addresses probed in this batch.
	Probed int
	// Reachable lists reachable addresses in probe-completion order.
	Reachable []netip.Addr
	// Outcomes holds every outcome in completion order.
	Outcomes []probe.Outcome
	// Duration is the wall-clock time from first dial to barrier.
	Duration time.Duration
}

// Engine drives a Prober over address sequences in batches.
type Engine struct {
	prober    probe.Prober
	batchSize int
	recorder  metrics.Recorder
	logger    *logging.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchSize sets the concurrency limit. Non-positive values are ignored.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an engine around prober.
func New(prober probe.Prober, opts ...Option) *Engine {
	e := &Engine{
		prober:    prober,
		batchSize: DefaultBatchSize,
		recorder:  metrics.Nop{},
		logger:    logging.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("engine")
	return e
}

// BatchSize returns the configured concurrency limit.
func (e *Engine) BatchSize() int {
	return e.batchSize
}

// BatchCount returns how many batches n addresses are split into.
func (e *Engine) BatchCount(n int) int {
	return (n + e.batchSize - 1) / e.batchSize
}

// Batches returns a lazy sequence of batch results for addrs on port. The
// sequence is finite and not restartable: each iteration re-probes. It stops
// early, without yielding a partial batch, once ctx is done.
func (e *Engine) Batches(ctx context.Context, addrs []netip.Addr, port uint16) iter.Seq[BatchResult] {
	return e.Stream(ctx, slices.Values(addrs), port)
}

// Stream is Batches over a lazy address sequence. Only one batch of addresses
// is held in memory at a time, so ranges of any size can be swept.
func (e *Engine) Stream(ctx context.Context, addrs iter.Seq[netip.Addr], port uint16) iter.Seq[BatchResult] {
	return func(yield func(BatchResult) bool) {
		batch := make([]netip.Addr, 0, e.batchSize)
		index := 0

		flush := func() bool {
			if ctx.Err() != nil {
				e.logger.Debug("Scan canceled at batch boundary", "batch", index)
				return false
			}
			result := e.runBatch(ctx, index, batch, port)
			if ctx.Err() != nil {
				// Outcomes of a batch cut short by cancellation are not
				// trustworthy, drop the batch.
				return false
			}
			index++
			batch = batch[:0]
			return yield(result)
		}

		for addr := range addrs {
			batch = append(batch, addr)
			if len(batch) == e.batchSize && !flush() {
				return
			}
		}
		if len(batch) > 0 {
			flush()
		}
	}
}

// Reachable drains Batches and returns every reachable address.
func (e *Engine) Reachable(ctx context.Context, addrs []netip.Addr, port uint16) []netip.Addr {
	var found []netip.Addr
	for batch := range e.Batches(ctx, addrs, port) {
		found = append(found, batch.Reachable...)
	}
	return found
}

// runBatch probes batch concurrently and joins. A panic inside the prober is
// re-raised on the calling goroutine after the join so the caller can recover
// it at its own boundary.
func (e *Engine) runBatch(ctx context.Context, index int, batch []netip.Addr, port uint16) BatchResult {
	start := time.Now()
	completed := make(chan probe.Outcome, len(batch))

	var (
		panicOnce sync.Once
		panicVal  any
	)

	var g errgroup.Group
	g.SetLimit(e.batchSize)
	for _, addr := range batch {
		target := probe.Target{Addr: addr, Port: port}
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					panicOnce.Do(func() { panicVal = r })
				}
			}()
			completed <- e.prober.Probe(ctx, target)
			return nil
		})
	}
	_ = g.Wait()
	close(completed)

	if panicVal != nil {
		panic(fmt.Sprintf("prober panicked in batch %d: %v", index, panicVal))
	}

	result := BatchResult{
		Index:    index,
		Probed:   len(batch),
		Outcomes: make([]probe.Outcome, 0, len(batch)),
	}
	for outcome := range completed {
		result.Outcomes = append(result.Outcomes, outcome)
		label := "unreachable"
		if outcome.Reachable {
			label = "reachable"
			result.Reachable = append(result.Reachable, outcome.Target.Addr)
		}
		e.recorder.ObserveProbe(label, string(outcome.Reason), outcome.Latency)
	}
	result.Duration = time.Since(start)
	e.recorder.ObserveBatch(result.Probed, result.Duration)

	e.logger.Debug("Batch completed",
		"batch", index,
		"probed", result.Probed,
		"reachable", len(result.Reachable),
		"duration", result.Duration)

	return result
}
