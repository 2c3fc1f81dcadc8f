package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dashflow/dashflow-go/graph/emit"
)

// branchOut is one branch's outcome in a parallel step.
type branchOut[S any] struct {
	name  string
	state S
	err   *Error
	ok    bool
}

// runParallel executes a frontier of two or more nodes concurrently on
// independent state clones, bounded by the configured concurrency, then
// folds successful branch states through the merge function.
//
// Branch failures do not halt the run as long as at least one branch
// succeeds; they surface as Error events. When every branch fails the
// step returns a merge error. The next frontier comes from the outgoing
// edges of the lexicographically smallest successful branch, applied to
// the merged state.
func (e *Engine[S]) runParallel(ctx context.Context, g *CompiledGraph[S], rs *runState, frontier []string, state S) (S, []string, *Error) {
	names := append([]string(nil), frontier...)
	sort.Strings(names)
	k := len(names)

	if e.bus.Active() {
		e.bus.Publish(&emit.ParallelFanout{Base: rs.base(), From: rs.lastNode, Branches: k})
	}

	// Unlimited concurrency is a nil semaphore, not "infinite permits".
	var sem *semaphore.Weighted
	if e.opts.ParallelConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(e.opts.ParallelConcurrency))
	}

	results := make([]branchOut[S], k)
	stepBase := rs.iterations
	var wg sync.WaitGroup

	for i, name := range names {
		branchState, cloneErr := e.clone(state)
		if cloneErr != nil {
			results[i] = branchOut[S]{name: name, err: &Error{
				Kind: KindNode, Code: "CLONE_FAILED", Node: name,
				Message: "state clone failed", Cause: cloneErr,
			}}
			continue
		}

		wg.Add(1)
		go func(i int, name string, branchState S) {
			defer wg.Done()

			if sem != nil {
				waitStart := time.Now()
				if err := sem.Acquire(ctx, 1); err != nil {
					results[i] = branchOut[S]{name: name, err: &Error{
						Kind: KindCancelled, Code: "CANCELLED", Node: name,
						Message: "cancelled waiting for permit", Cause: err,
					}}
					return
				}
				defer sem.Release(1)
				e.metrics.observeSemaphoreWait(time.Since(waitStart))
			}

			e.metrics.branchStarted()
			defer e.metrics.branchDone()

			step := stepBase + i
			if e.bus.Active() {
				e.bus.Publish(&emit.NodeStart{Base: rs.base(), Node: name, Step: step})
			}

			node, ok := g.node(name)
			if !ok {
				results[i] = branchOut[S]{name: name, err: &Error{
					Kind: KindRouting, Code: "NODE_NOT_FOUND", Node: name,
					Message: "frontier names unknown node",
				}}
				return
			}

			started := time.Now()
			out, resultKind, nerr := e.invokeNode(ctx, name, node, branchState)
			duration := time.Since(started)

			e.metrics.observeNode(name, string(resultKind), duration)
			if e.bus.Active() {
				e.bus.Publish(&emit.NodeEnd{
					Base:     rs.base(),
					Node:     name,
					Step:     step,
					Duration: duration,
					Result:   resultKind,
				})
			}

			if nerr != nil {
				results[i] = branchOut[S]{name: name, err: nerr}
				return
			}
			results[i] = branchOut[S]{name: name, state: out, ok: true}
		}(i, name, branchState)
	}

	wg.Wait()

	// Cancellation and graph timeout pre-empt the merge: branches were
	// awaited, permits released, no further steps run.
	if cerr := ctxError(ctx); cerr != nil {
		if cerr.Kind != KindCancelled {
			e.publishError(rs, cerr)
		}
		return state, nil, cerr
	}

	var successes []branchOut[S]
	var failed []branchOut[S]
	for _, result := range results {
		if result.ok {
			successes = append(successes, result)
		} else {
			failed = append(failed, result)
			e.publishError(rs, result.err)
		}
	}

	if len(successes) == 0 {
		if e.bus.Active() {
			e.bus.Publish(&emit.ParallelMerge{
				Base:     rs.base(),
				Branches: k,
				Failed:   k,
				Outcome:  emit.MergeFailed,
			})
		}
		causes := make([]error, 0, len(failed))
		for _, f := range failed {
			causes = append(causes, f.err)
		}
		return state, nil, &Error{
			Kind: KindMerge, Code: "ALL_BRANCHES_FAILED",
			Message: fmt.Sprintf("all %d parallel branches failed", k),
			Cause:   errors.Join(causes...),
		}
	}

	// Fold successful branch states in lexicographic order; names were
	// sorted up front, so successes are already ordered.
	merged := successes[0].state
	for _, success := range successes[1:] {
		merged = e.merge(merged, success.state)
	}

	lead := successes[0].name
	targets, label, isParallel, rerr := e.route(g, lead, merged)
	if rerr != nil {
		e.publishError(rs, rerr)
		return merged, nil, rerr
	}

	outcome := emit.MergeAll
	if len(failed) > 0 {
		outcome = emit.MergePartial
	}
	if e.bus.Active() {
		e.bus.Publish(&emit.ParallelMerge{
			Base:     rs.base(),
			Branches: k,
			Failed:   len(failed),
			Outcome:  outcome,
		})
		if !isParallel {
			e.bus.Publish(&emit.EdgeEval{Base: rs.base(), From: lead, To: targets[0], Label: label})
		}
	}

	rs.lastNode = lead
	return merged, targets, nil
}
