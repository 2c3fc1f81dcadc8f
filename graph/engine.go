package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dashflow/dashflow-go/graph/checkpoint"
	"github.com/dashflow/dashflow-go/graph/emit"
	"github.com/dashflow/dashflow-go/log"
)

// Engine runs compiled graphs: it dispatches nodes, evaluates edges,
// enforces bounds, coordinates parallel fan-out, writes checkpoints,
// and publishes events.
//
// An Engine is configured once and may run any number of graphs and
// threads, concurrently. The compiled graph is shared by reference; the
// state is owned by each run.
//
// Example:
//
//	merge := func(accum, branch MyState) MyState { ... }
//	ckpt, _ := checkpoint.NewFile("./data")
//	bus := emit.NewBus(emit.NewLogObserver(os.Stdout, false))
//
//	engine := graph.New(merge, ckpt, bus,
//	    graph.Options{RecursionLimit: 50, ParallelConcurrency: 4},
//	)
//	result, err := engine.Run(ctx, compiled, "thread-1", MyState{})
type Engine[S any] struct {
	merge    Merger[S]
	ckpt     checkpoint.Checkpointer
	bus      *emit.Bus
	codec    checkpoint.StateCodec[S]
	clone    CloneFunc[S]
	boundary BoundaryFunc
	metrics  *Metrics
	logger   log.Logger
	opts     Options
}

// New creates an Engine.
//
// merge is required only for graphs with parallel edges; ckpt and bus
// may be nil to disable checkpointing and events. Remaining
// configuration arrives as an Options struct, Option functions, or a
// mix; later options override earlier ones.
func New[S any](merge Merger[S], ckpt checkpoint.Checkpointer, bus *emit.Bus, options ...any) *Engine[S] {
	cfg := &engineConfig[S]{logger: log.Nop{}}
	for _, opt := range options {
		switch v := opt.(type) {
		case Options:
			cfg.opts = v
		case Option[S]:
			v(cfg)
		}
	}

	codec := cfg.codec
	if codec == nil {
		codec = checkpoint.CBORCodec[S]{}
	}
	clone := cfg.clone
	if clone == nil {
		clone = func(state S) (S, error) {
			return checkpoint.CloneState(codec, state)
		}
	}

	return &Engine[S]{
		merge:    merge,
		ckpt:     ckpt,
		bus:      bus,
		codec:    codec,
		clone:    clone,
		boundary: cfg.boundary,
		metrics:  cfg.metrics,
		logger:   cfg.logger,
		opts:     cfg.opts.withDefaults(ckpt != nil),
	}
}

// Result is what a run hands back: the terminal status, the final
// state, and enough identity to resume or correlate the event stream.
// It is populated on failures too, so callers always see the last
// checkpoint ID.
type Result[S any] struct {
	RunID            string
	Status           Status
	State            S
	Iterations       int
	LastCheckpointID string
}

// runState is the mutable bookkeeping for one run.
type runState struct {
	runID            string
	threadID         string
	iterations       int
	lastNode         string
	lastCheckpointID string
}

func (rs *runState) base() emit.Base {
	return emit.Base{Run: rs.runID, Thread: rs.threadID}
}

// Run executes the graph from its entry point with the given initial
// state. threadID groups checkpoints for later resumption; when empty
// and checkpointing is enabled, the run ID doubles as the thread ID.
func (e *Engine[S]) Run(ctx context.Context, g *CompiledGraph[S], threadID string, initial S) (Result[S], error) {
	if g == nil {
		return Result[S]{}, validationError("NIL_GRAPH", "graph is nil")
	}
	return e.run(ctx, g, threadID, initial, []string{g.entry}, 0)
}

// Resume loads the latest checkpoint for the thread and continues from
// its saved frontier. The compiled graph must still contain the
// frontier's nodes.
func (e *Engine[S]) Resume(ctx context.Context, g *CompiledGraph[S], threadID string) (Result[S], error) {
	var zero Result[S]
	if g == nil {
		return zero, validationError("NIL_GRAPH", "graph is nil")
	}
	if e.ckpt == nil {
		return zero, validationError("NO_CHECKPOINTER", "resume requires a checkpointer")
	}

	env, err := e.ckpt.LoadLatest(ctx, threadID)
	if err != nil {
		return zero, fmt.Errorf("resume thread %s: %w", threadID, err)
	}
	state, err := e.codec.DecodeState(env.State)
	if err != nil {
		return zero, fmt.Errorf("resume thread %s: %w", threadID, err)
	}

	frontier := env.Frontier
	if len(frontier) == 0 {
		frontier = []string{g.entry}
	}
	return e.run(ctx, g, threadID, state, frontier, env.Iteration)
}

func (e *Engine[S]) run(ctx context.Context, g *CompiledGraph[S], threadID string, state S, frontier []string, startIter int) (Result[S], error) {
	if g.hasParallel && e.merge == nil {
		return Result[S]{}, validationError("MISSING_MERGER", "graph has parallel edges but no merge function")
	}

	rs := &runState{
		runID:      uuid.NewString(),
		threadID:   threadID,
		iterations: startIter,
	}
	if rs.threadID == "" {
		rs.threadID = rs.runID
	}

	if e.opts.GraphTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.GraphTimeout)
		defer cancel()
	}

	if e.bus.Active() {
		e.bus.Publish(&emit.GraphStart{Base: rs.base(), Entry: g.entry})
	}

	for {
		if len(frontier) == 1 && frontier[0] == END {
			return e.finish(rs, state, StatusCompleted, nil)
		}

		if berr := e.checkBounds(ctx, rs); berr != nil {
			if berr.Kind != KindCancelled && e.bus.Active() {
				e.bus.Publish(&emit.Error{
					Base:     rs.base(),
					FailKind: string(berr.Kind),
					Message:  berr.Message,
				})
			}
			return e.finish(rs, state, statusForKind(berr.Kind), berr)
		}

		var next []string
		var stepErr *Error
		if len(frontier) == 1 {
			state, next, stepErr = e.runSingle(ctx, g, rs, frontier[0], state)
			rs.iterations++
		} else {
			state, next, stepErr = e.runParallel(ctx, g, rs, frontier, state)
			rs.iterations += len(frontier)
		}
		if stepErr != nil {
			return e.finish(rs, state, statusForKind(stepErr.Kind), stepErr)
		}

		frontier = next
		if cerr := e.maybeCheckpoint(ctx, rs, state, frontier); cerr != nil {
			return e.finish(rs, state, StatusErrorCheckpoint, cerr)
		}
	}
}

// checkBounds enforces the per-step bounds: cancellation, graph
// timeout, and the recursion limit.
func (e *Engine[S]) checkBounds(ctx context.Context, rs *runState) *Error {
	if err := ctxError(ctx); err != nil {
		return err
	}
	if e.opts.RecursionLimit > 0 && rs.iterations >= e.opts.RecursionLimit {
		return &Error{
			Kind:    KindRecursion,
			Code:    "RECURSION_LIMIT",
			Message: fmt.Sprintf("recursion limit %d reached", e.opts.RecursionLimit),
		}
	}
	return nil
}

// ctxError translates a done context into the matching error kind:
// deadline expiry is a timeout, everything else is cancellation.
func ctxError(ctx context.Context) *Error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Code: "GRAPH_TIMEOUT", Message: "graph timeout exceeded", Cause: err}
	}
	return &Error{Kind: KindCancelled, Code: "CANCELLED", Message: "run cancelled", Cause: err}
}

func (e *Engine[S]) finish(rs *runState, state S, status Status, err *Error) (Result[S], error) {
	e.metrics.observeRun(status)
	if e.bus.Active() {
		e.bus.Publish(&emit.GraphEnd{
			Base:       rs.base(),
			Status:     string(status),
			Iterations: rs.iterations,
		})
	}

	result := Result[S]{
		RunID:            rs.runID,
		Status:           status,
		State:            state,
		Iterations:       rs.iterations,
		LastCheckpointID: rs.lastCheckpointID,
	}
	if err != nil {
		return result, err
	}
	return result, nil
}

// runSingle executes one node and evaluates its outgoing edges.
func (e *Engine[S]) runSingle(ctx context.Context, g *CompiledGraph[S], rs *runState, name string, state S) (S, []string, *Error) {
	node, ok := g.node(name)
	if !ok {
		rerr := &Error{Kind: KindRouting, Code: "NODE_NOT_FOUND", Node: name, Message: "frontier names unknown node"}
		e.publishError(rs, rerr)
		return state, nil, rerr
	}

	if e.bus.Active() {
		e.bus.Publish(&emit.NodeStart{Base: rs.base(), Node: name, Step: rs.iterations})
	}

	started := time.Now()
	newState, resultKind, nerr := e.invokeNode(ctx, name, node, state)
	duration := time.Since(started)

	e.metrics.observeNode(name, string(resultKind), duration)
	if e.bus.Active() {
		e.bus.Publish(&emit.NodeEnd{
			Base:     rs.base(),
			Node:     name,
			Step:     rs.iterations,
			Duration: duration,
			Result:   resultKind,
		})
	}

	if nerr != nil {
		e.publishError(rs, nerr)
		return state, nil, nerr
	}

	targets, label, isParallel, rerr := e.route(g, name, newState)
	if rerr != nil {
		e.publishError(rs, rerr)
		return newState, nil, rerr
	}
	if !isParallel && e.bus.Active() {
		e.bus.Publish(&emit.EdgeEval{Base: rs.base(), From: name, To: targets[0], Label: label})
	}

	rs.lastNode = name
	return newState, targets, nil
}

// invokeNode calls the node under the per-node timeout, recovering
// panics at the boundary and classifying the outcome.
func (e *Engine[S]) invokeNode(ctx context.Context, name string, node Node[S], state S) (S, emit.ResultKind, *Error) {
	nodeCtx := ctx
	if e.opts.NodeTimeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, e.opts.NodeTimeout)
		defer cancel()
	}

	out := state
	var runErr error
	panicked := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				runErr = fmt.Errorf("panic: %v", r)
			}
		}()
		newState, err := node.Run(nodeCtx, state)
		if err != nil {
			runErr = err
			return
		}
		out = newState
	}()

	if runErr == nil {
		return out, emit.ResultOK, nil
	}
	if panicked {
		return state, emit.ResultPanic, &Error{
			Kind: KindNode, Code: "NODE_PANIC", Node: name,
			Message: runErr.Error(), Cause: runErr,
		}
	}

	switch {
	case errors.Is(nodeCtx.Err(), context.DeadlineExceeded):
		return state, emit.ResultTimeout, &Error{
			Kind: KindTimeout, Code: "NODE_TIMEOUT", Node: name,
			Message: fmt.Sprintf("node exceeded timeout %v", e.opts.NodeTimeout), Cause: runErr,
		}
	case ctx.Err() != nil:
		return state, emit.ResultCancelled, &Error{
			Kind: KindCancelled, Code: "CANCELLED", Node: name,
			Message: "cancelled during node execution", Cause: runErr,
		}
	default:
		return state, emit.ResultError, &Error{
			Kind: KindNode, Code: "NODE_ERROR", Node: name,
			Message: runErr.Error(), Cause: runErr,
		}
	}
}

// route evaluates the outgoing edges of a node against the state, in
// priority order: conditional, parallel, simple, implicit END.
func (e *Engine[S]) route(g *CompiledGraph[S], from string, state S) (targets []string, label string, parallel bool, rerr *Error) {
	es := g.outgoing(from)
	if es == nil {
		return []string{END}, "", false, nil
	}

	if es.hasConditional() {
		lbl, perr := evalRoute(es.route, state)
		if perr != nil {
			return nil, "", false, &Error{
				Kind: KindRouting, Code: "ROUTE_PANIC", Node: from,
				Message: perr.Error(), Cause: perr,
			}
		}
		to, ok := es.routes[lbl]
		if !ok {
			return nil, "", false, &Error{
				Kind: KindRouting, Code: "NO_ROUTE", Node: from,
				Message: fmt.Sprintf("no route for label %q", lbl),
			}
		}
		return []string{to}, lbl, false, nil
	}
	if es.hasParallel() {
		return append([]string(nil), es.parallel...), "", true, nil
	}
	if es.hasSimple {
		return []string{es.simple}, "", false, nil
	}
	return []string{END}, "", false, nil
}

// evalRoute runs a route function with panic recovery; routing owns the
// predicate, so a panic here is a routing failure, not a node failure.
func evalRoute[S any](route RouteFunc[S], state S) (label string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("route function panic: %v", r)
		}
	}()
	return route(state), nil
}

func (e *Engine[S]) publishError(rs *runState, ge *Error) {
	if ge.Kind == KindCancelled || !e.bus.Active() {
		return
	}
	e.bus.Publish(&emit.Error{
		Base:     rs.base(),
		Node:     ge.Node,
		FailKind: string(ge.Kind),
		Message:  ge.Message,
	})
}

// maybeCheckpoint persists the run's state per the write policy. The
// saved frontier is what resumes next, not what just ran.
func (e *Engine[S]) maybeCheckpoint(ctx context.Context, rs *runState, state S, frontier []string) *Error {
	if e.ckpt == nil || e.opts.WriteEvery == WriteNever {
		return nil
	}
	if e.opts.WriteEvery == WriteEveryBoundary {
		if e.boundary == nil || !e.boundary(rs.lastNode, rs.iterations) {
			return nil
		}
	}

	stateBytes, err := e.codec.EncodeState(state)
	if err != nil {
		return e.checkpointFailed(rs, err)
	}
	env := &checkpoint.Envelope{
		CheckpointID: checkpoint.NewID(),
		ThreadID:     rs.threadID,
		CreatedAt:    time.Now(),
		Iteration:    rs.iterations,
		Frontier:     frontier,
		LastNode:     rs.lastNode,
		State:        stateBytes,
	}
	if err := e.ckpt.Save(ctx, env); err != nil {
		return e.checkpointFailed(rs, err)
	}

	e.metrics.observeCheckpoint(true)
	rs.lastCheckpointID = env.CheckpointID
	if e.bus.Active() {
		e.bus.Publish(&emit.CheckpointSaved{
			Base:         rs.base(),
			CheckpointID: env.CheckpointID,
			Iteration:    rs.iterations,
		})
	}
	return nil
}

func (e *Engine[S]) checkpointFailed(rs *runState, err error) *Error {
	e.metrics.observeCheckpoint(false)
	if e.bus.Active() {
		e.bus.Publish(&emit.Error{
			Base:     rs.base(),
			FailKind: string(KindCheckpoint),
			Message:  err.Error(),
		})
	}
	if e.opts.BestEffortCheckpoints {
		e.logger.Warn("checkpoint save failed", log.Thread(rs.threadID), log.Err(err))
		return nil
	}
	return &Error{Kind: KindCheckpoint, Code: "CHECKPOINT_SAVE", Message: "checkpoint save failed", Cause: err}
}
