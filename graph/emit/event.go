// Package emit provides the typed event stream for graph execution.
package emit

import "time"

// Kind identifies an event variant on the stream.
type Kind string

// Event kinds emitted during a run.
const (
	KindGraphStart      Kind = "graph_start"
	KindNodeStart       Kind = "node_start"
	KindNodeEnd         Kind = "node_end"
	KindEdgeEval        Kind = "edge_eval"
	KindParallelFanout  Kind = "parallel_fanout"
	KindParallelMerge   Kind = "parallel_merge"
	KindCheckpointSaved Kind = "checkpoint_saved"
	KindGraphEnd        Kind = "graph_end"
	KindError           Kind = "error"
)

// ResultKind classifies how a node invocation ended.
type ResultKind string

// Node result classifications carried on NodeEnd events.
const (
	ResultOK        ResultKind = "ok"
	ResultError     ResultKind = "error"
	ResultTimeout   ResultKind = "timeout"
	ResultCancelled ResultKind = "cancelled"
	ResultPanic     ResultKind = "panic"
)

// MergeOutcome classifies the result of a parallel merge.
type MergeOutcome string

// Merge outcomes carried on ParallelMerge events.
const (
	MergeAll     MergeOutcome = "merged"
	MergePartial MergeOutcome = "partial"
	MergeFailed  MergeOutcome = "failed"
)

// Event is the sealed union of everything the engine publishes.
//
// Events describe a single run: each carries the run and thread identity
// plus a bus-stamped timestamp that is monotonically non-decreasing in
// arrival order. Observers receive events synchronously and must not
// retain mutable references into engine state; every payload here is a
// value snapshot.
//
// The union is closed: only types in this package implement Event.
type Event interface {
	// Kind identifies the variant.
	Kind() Kind

	// Time is the bus-assigned timestamp, clamped so it never regresses
	// within a run even if the wall clock does.
	Time() time.Time

	// RunID identifies the run that produced the event.
	RunID() string

	stamp(t time.Time)
	sealed()
}

// Base carries the fields common to every event. Producers fill Run and
// Thread; the bus fills At at publish time.
type Base struct {
	Run    string
	Thread string
	At     time.Time
}

// Time returns the bus-assigned timestamp.
func (b *Base) Time() time.Time { return b.At }

// RunID returns the run identifier.
func (b *Base) RunID() string { return b.Run }

func (b *Base) stamp(t time.Time) { b.At = t }
func (b *Base) sealed()           {}

// GraphStart is the first event of every run.
type GraphStart struct {
	Base

	// Entry is the entry node the run begins at.
	Entry string
}

// Kind identifies the variant.
func (*GraphStart) Kind() Kind { return KindGraphStart }

// NodeStart marks the beginning of one node invocation.
type NodeStart struct {
	Base

	// Node is the node name.
	Node string

	// Step is the engine iteration this invocation belongs to.
	Step int
}

// Kind identifies the variant.
func (*NodeStart) Kind() Kind { return KindNodeStart }

// NodeEnd marks the completion of one node invocation.
type NodeEnd struct {
	Base

	Node     string
	Step     int
	Duration time.Duration
	Result   ResultKind
}

// Kind identifies the variant.
func (*NodeEnd) Kind() Kind { return KindNodeEnd }

// EdgeEval records a routing decision taken after a node completed.
type EdgeEval struct {
	Base

	From string
	To   string

	// Label is the matched predicate label for conditional edges,
	// empty for simple edges and the terminal hop to END.
	Label string
}

// Kind identifies the variant.
func (*EdgeEval) Kind() Kind { return KindEdgeEval }

// ParallelFanout precedes the branches of a parallel step.
type ParallelFanout struct {
	Base

	// From is the node whose parallel edge produced the fan-out.
	From string

	// Branches is the number of branches about to run.
	Branches int
}

// Kind identifies the variant.
func (*ParallelFanout) Kind() Kind { return KindParallelFanout }

// ParallelMerge follows all branches of a parallel step.
type ParallelMerge struct {
	Base

	Branches int
	Failed   int
	Outcome  MergeOutcome
}

// Kind identifies the variant.
func (*ParallelMerge) Kind() Kind { return KindParallelMerge }

// CheckpointSaved is emitted after a checkpoint save has been made
// durable, never before.
type CheckpointSaved struct {
	Base

	CheckpointID string
	Iteration    int
}

// Kind identifies the variant.
func (*CheckpointSaved) Kind() Kind { return KindCheckpointSaved }

// GraphEnd is the last event of every run; exactly one is emitted.
type GraphEnd struct {
	Base

	// Status is the terminal run status string.
	Status string

	// Iterations is the number of node executions counted by the run.
	Iterations int
}

// Kind identifies the variant.
func (*GraphEnd) Kind() Kind { return KindGraphEnd }

// Error reports a failure observed during the run. For partial parallel
// failures and best-effort checkpoint save failures the run continues
// after the event; otherwise the run ends and GraphEnd is the last event
// (after a failed parallel merge, its ParallelMerge comes first).
type Error struct {
	Base

	// Node is the node involved, empty for run-level failures.
	Node string

	// FailKind is the error kind string (routing, node, timeout, ...).
	FailKind string

	Message string
}

// Kind identifies the variant.
func (*Error) Kind() Kind { return KindError }
