package graph

import (
	"time"

	"github.com/dashflow/dashflow-go/graph/checkpoint"
	"github.com/dashflow/dashflow-go/log"
)

// WritePolicy selects when the engine writes checkpoints.
type WritePolicy string

// Checkpoint write policies.
const (
	// WriteEveryStep writes after every logical step: each single-node
	// completion and each parallel merge.
	WriteEveryStep WritePolicy = "step"

	// WriteEveryBoundary writes only at steps the caller's BoundaryFunc
	// marks.
	WriteEveryBoundary WritePolicy = "boundary"

	// WriteNever disables checkpoint writes.
	WriteNever WritePolicy = "never"
)

// BoundaryFunc marks logical boundaries for WriteEveryBoundary: it is
// consulted after each step with the node that just completed and the
// iteration count, and returns true to checkpoint there.
type BoundaryFunc func(lastNode string, iteration int) bool

// Default bounds.
const (
	DefaultRecursionLimit = 25
	DefaultGraphTimeout   = 5 * time.Minute
	DefaultNodeTimeout    = 30 * time.Second
)

// Options configures engine execution behavior. Zero values select the
// defaults above; explicit negatives disable the corresponding bound.
type Options struct {
	// RecursionLimit caps the number of node executions in one run.
	// 0 selects DefaultRecursionLimit; negative disables the bound.
	RecursionLimit int

	// GraphTimeout caps total wall time per run. 0 selects
	// DefaultGraphTimeout; negative disables the bound.
	GraphTimeout time.Duration

	// NodeTimeout caps wall time per node invocation. 0 selects
	// DefaultNodeTimeout; negative disables the bound.
	NodeTimeout time.Duration

	// ParallelConcurrency caps concurrent branches in a parallel step.
	// 0 means unlimited (no semaphore at all, not "infinite permits").
	ParallelConcurrency int

	// WriteEvery selects the checkpoint policy. Empty selects
	// WriteEveryStep when a checkpointer is attached, WriteNever
	// otherwise.
	WriteEvery WritePolicy

	// BestEffortCheckpoints records save failures on the event stream
	// instead of halting the run with StatusErrorCheckpoint.
	BestEffortCheckpoints bool
}

// withDefaults resolves zero values to the documented defaults.
func (o Options) withDefaults(hasCheckpointer bool) Options {
	if o.RecursionLimit == 0 {
		o.RecursionLimit = DefaultRecursionLimit
	}
	if o.GraphTimeout == 0 {
		o.GraphTimeout = DefaultGraphTimeout
	}
	if o.NodeTimeout == 0 {
		o.NodeTimeout = DefaultNodeTimeout
	}
	if o.WriteEvery == "" {
		if hasCheckpointer {
			o.WriteEvery = WriteEveryStep
		} else {
			o.WriteEvery = WriteNever
		}
	}
	return o
}

// engineConfig collects options before they are applied to an Engine.
type engineConfig[S any] struct {
	opts     Options
	codec    checkpoint.StateCodec[S]
	clone    CloneFunc[S]
	boundary BoundaryFunc
	metrics  *Metrics
	logger   log.Logger
}

// Option is a functional option for configuring an Engine.
//
// Options compose with the Options struct:
//
//	engine := graph.New(merge, ckpt, bus,
//	    graph.Options{RecursionLimit: 50},
//	    graph.WithParallelConcurrency[MyState](4),
//	)
type Option[S any] func(*engineConfig[S])

// WithRecursionLimit caps node executions per run.
func WithRecursionLimit[S any](n int) Option[S] {
	return func(cfg *engineConfig[S]) { cfg.opts.RecursionLimit = n }
}

// WithGraphTimeout caps total wall time per run.
func WithGraphTimeout[S any](d time.Duration) Option[S] {
	return func(cfg *engineConfig[S]) { cfg.opts.GraphTimeout = d }
}

// WithNodeTimeout caps wall time per node invocation.
func WithNodeTimeout[S any](d time.Duration) Option[S] {
	return func(cfg *engineConfig[S]) { cfg.opts.NodeTimeout = d }
}

// WithParallelConcurrency caps concurrent branches in a parallel step.
func WithParallelConcurrency[S any](n int) Option[S] {
	return func(cfg *engineConfig[S]) { cfg.opts.ParallelConcurrency = n }
}

// WithWriteEvery selects the checkpoint write policy.
func WithWriteEvery[S any](policy WritePolicy) Option[S] {
	return func(cfg *engineConfig[S]) { cfg.opts.WriteEvery = policy }
}

// WithBestEffortCheckpoints keeps the run alive on save failures.
func WithBestEffortCheckpoints[S any]() Option[S] {
	return func(cfg *engineConfig[S]) { cfg.opts.BestEffortCheckpoints = true }
}

// WithBoundary sets the marker consulted under WriteEveryBoundary.
func WithBoundary[S any](fn BoundaryFunc) Option[S] {
	return func(cfg *engineConfig[S]) { cfg.boundary = fn }
}

// WithCodec replaces the default CBOR state codec.
func WithCodec[S any](codec checkpoint.StateCodec[S]) Option[S] {
	return func(cfg *engineConfig[S]) { cfg.codec = codec }
}

// WithClone replaces the default codec-round-trip state clone used for
// parallel branch isolation.
func WithClone[S any](clone CloneFunc[S]) Option[S] {
	return func(cfg *engineConfig[S]) { cfg.clone = clone }
}

// WithMetrics attaches Prometheus metrics collection.
func WithMetrics[S any](metrics *Metrics) Option[S] {
	return func(cfg *engineConfig[S]) { cfg.metrics = metrics }
}

// WithEngineLogger sets the engine's diagnostic logger.
func WithEngineLogger[S any](logger log.Logger) Option[S] {
	return func(cfg *engineConfig[S]) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}
