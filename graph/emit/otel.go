package emit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span names and attribute keys follow the graph semantic conventions.
const (
	spanGraphExecute = "graph.execute"
	spanNodeExecute  = "graph.node.execute"

	attrRunID        = "graph.run.id"
	attrThreadID     = "graph.thread.id"
	attrNodeID       = "graph.node.id"
	attrNodeStep     = "graph.node.step"
	attrNodeResult   = "graph.node.result"
	attrEntryNode    = "graph.entry"
	attrRunStatus    = "graph.run.status"
	attrIterations   = "graph.run.iterations"
	attrBranchCount  = "graph.parallel.branches"
	attrMergeOutcome = "graph.parallel.outcome"
	attrCheckpointID = "graph.checkpoint.id"
)

// OTelObserver implements Observer by translating the event stream into
// OpenTelemetry spans.
//
// Span structure per run:
//   - One root span (graph.execute) opened at GraphStart, closed at
//     GraphEnd with the terminal status attached.
//   - One child span (graph.node.execute) per node invocation, opened at
//     NodeStart and closed at the matching NodeEnd.
//   - Routing, fan-out, merge, and checkpoint events become span events
//     on the root span; Error events record the error and set error
//     status on the root span.
//
// Wire it to a provider the usual way:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	observer := emit.NewOTelObserver(tp.Tracer("dashflow"))
//	bus := emit.NewBus(observer)
type OTelObserver struct {
	tracer trace.Tracer

	mu   sync.Mutex
	runs map[string]*runSpans
}

type runSpans struct {
	ctx   context.Context
	root  trace.Span
	nodes map[string]trace.Span // node@step -> open span
}

// NewOTelObserver creates an OTelObserver on the given tracer.
func NewOTelObserver(tracer trace.Tracer) *OTelObserver {
	return &OTelObserver{
		tracer: tracer,
		runs:   make(map[string]*runSpans),
	}
}

func nodeSpanKey(node string, step int) string {
	return fmt.Sprintf("%s@%d", node, step)
}

// OnEvent maps one event onto the span structure.
func (o *OTelObserver) OnEvent(event Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch ev := event.(type) {
	case *GraphStart:
		ctx, root := o.tracer.Start(context.Background(), spanGraphExecute,
			trace.WithTimestamp(ev.Time()),
			trace.WithAttributes(
				attribute.String(attrRunID, ev.Run),
				attribute.String(attrThreadID, ev.Thread),
				attribute.String(attrEntryNode, ev.Entry),
			))
		o.runs[ev.Run] = &runSpans{
			ctx:   ctx,
			root:  root,
			nodes: make(map[string]trace.Span),
		}

	case *NodeStart:
		run := o.runs[ev.Run]
		if run == nil {
			return
		}
		_, span := o.tracer.Start(run.ctx, spanNodeExecute,
			trace.WithTimestamp(ev.Time()),
			trace.WithAttributes(
				attribute.String(attrNodeID, ev.Node),
				attribute.Int(attrNodeStep, ev.Step),
			))
		run.nodes[nodeSpanKey(ev.Node, ev.Step)] = span

	case *NodeEnd:
		run := o.runs[ev.Run]
		if run == nil {
			return
		}
		key := nodeSpanKey(ev.Node, ev.Step)
		span, ok := run.nodes[key]
		if !ok {
			return
		}
		delete(run.nodes, key)
		span.SetAttributes(attribute.String(attrNodeResult, string(ev.Result)))
		if ev.Result != ResultOK {
			span.SetStatus(codes.Error, string(ev.Result))
		}
		span.End(trace.WithTimestamp(ev.Time()))

	case *EdgeEval:
		if run := o.runs[ev.Run]; run != nil {
			attrs := []attribute.KeyValue{
				attribute.String("graph.edge.from", ev.From),
				attribute.String("graph.edge.to", ev.To),
			}
			if ev.Label != "" {
				attrs = append(attrs, attribute.String("graph.edge.label", ev.Label))
			}
			run.root.AddEvent(string(KindEdgeEval), trace.WithAttributes(attrs...))
		}

	case *ParallelFanout:
		if run := o.runs[ev.Run]; run != nil {
			run.root.AddEvent(string(KindParallelFanout), trace.WithAttributes(
				attribute.String(attrNodeID, ev.From),
				attribute.Int(attrBranchCount, ev.Branches),
			))
		}

	case *ParallelMerge:
		if run := o.runs[ev.Run]; run != nil {
			run.root.AddEvent(string(KindParallelMerge), trace.WithAttributes(
				attribute.Int(attrBranchCount, ev.Branches),
				attribute.String(attrMergeOutcome, string(ev.Outcome)),
			))
		}

	case *CheckpointSaved:
		if run := o.runs[ev.Run]; run != nil {
			run.root.AddEvent(string(KindCheckpointSaved), trace.WithAttributes(
				attribute.String(attrCheckpointID, ev.CheckpointID),
			))
		}

	case *Error:
		run := o.runs[ev.Run]
		if run == nil {
			return
		}
		err := errors.New(ev.Message)
		run.root.RecordError(err)
		run.root.SetStatus(codes.Error, ev.FailKind)

	case *GraphEnd:
		run := o.runs[ev.Run]
		if run == nil {
			return
		}
		delete(o.runs, ev.Run)
		// Close any node spans left open by an aborted parallel step.
		for _, span := range run.nodes {
			span.End(trace.WithTimestamp(ev.Time()))
		}
		run.root.SetAttributes(
			attribute.String(attrRunStatus, ev.Status),
			attribute.Int(attrIterations, ev.Iterations),
		)
		run.root.End(trace.WithTimestamp(ev.Time()))
	}
}
