package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogObserver implements Observer by writing structured lines to a writer.
//
// Two output modes:
//   - Text mode (default): human-readable key=value lines.
//   - JSON mode: one JSON object per line.
//
// Example text output:
//
//	[node_start] run=run-001 thread=t1 node=fetch step=0
//	[graph_end] run=run-001 thread=t1 status=completed iterations=3
//
// Example JSON output:
//
//	{"kind":"node_start","run":"run-001","thread":"t1","at":"...","fields":{"node":"fetch","step":0}}
type LogObserver struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogObserver creates a LogObserver. A nil writer defaults to stdout.
func NewLogObserver(writer io.Writer, jsonMode bool) *LogObserver {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogObserver{writer: writer, jsonMode: jsonMode}
}

// OnEvent writes one line for the event.
func (l *LogObserver) OnEvent(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.writeJSON(event)
		return
	}
	l.writeText(event)
}

type logRecord struct {
	Kind   Kind           `json:"kind"`
	Run    string         `json:"run"`
	Thread string         `json:"thread,omitempty"`
	At     time.Time      `json:"at"`
	Fields map[string]any `json:"fields,omitempty"`
}

func (l *LogObserver) writeJSON(event Event) {
	rec := logRecord{
		Kind:   event.Kind(),
		Run:    event.RunID(),
		At:     event.Time(),
		Fields: eventFields(event),
	}
	if b, ok := eventBase(event); ok {
		rec.Thread = b.Thread
	}
	data, err := json.Marshal(rec)
	if err != nil {
		fmt.Fprintf(l.writer, `{"kind":%q,"marshal_error":%q}`+"\n", event.Kind(), err.Error())
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogObserver) writeText(event Event) {
	fmt.Fprintf(l.writer, "[%s] run=%s", event.Kind(), event.RunID())
	if b, ok := eventBase(event); ok && b.Thread != "" {
		fmt.Fprintf(l.writer, " thread=%s", b.Thread)
	}
	for _, kv := range orderedFields(event) {
		fmt.Fprintf(l.writer, " %s=%v", kv.key, kv.val)
	}
	fmt.Fprintln(l.writer)
}

func eventBase(event Event) (Base, bool) {
	switch ev := event.(type) {
	case *GraphStart:
		return ev.Base, true
	case *NodeStart:
		return ev.Base, true
	case *NodeEnd:
		return ev.Base, true
	case *EdgeEval:
		return ev.Base, true
	case *ParallelFanout:
		return ev.Base, true
	case *ParallelMerge:
		return ev.Base, true
	case *CheckpointSaved:
		return ev.Base, true
	case *GraphEnd:
		return ev.Base, true
	case *Error:
		return ev.Base, true
	}
	return Base{}, false
}

type field struct {
	key string
	val any
}

// orderedFields flattens the variant payload into a stable field order
// for text output.
func orderedFields(event Event) []field {
	switch ev := event.(type) {
	case *GraphStart:
		return []field{{"entry", ev.Entry}}
	case *NodeStart:
		return []field{{"node", ev.Node}, {"step", ev.Step}}
	case *NodeEnd:
		return []field{{"node", ev.Node}, {"step", ev.Step}, {"duration", ev.Duration}, {"result", ev.Result}}
	case *EdgeEval:
		fields := []field{{"from", ev.From}, {"to", ev.To}}
		if ev.Label != "" {
			fields = append(fields, field{"label", ev.Label})
		}
		return fields
	case *ParallelFanout:
		return []field{{"from", ev.From}, {"branches", ev.Branches}}
	case *ParallelMerge:
		return []field{{"branches", ev.Branches}, {"failed", ev.Failed}, {"outcome", ev.Outcome}}
	case *CheckpointSaved:
		return []field{{"checkpoint", ev.CheckpointID}, {"iteration", ev.Iteration}}
	case *GraphEnd:
		return []field{{"status", ev.Status}, {"iterations", ev.Iterations}}
	case *Error:
		fields := []field{}
		if ev.Node != "" {
			fields = append(fields, field{"node", ev.Node})
		}
		return append(fields, field{"kind", ev.FailKind}, field{"message", ev.Message})
	}
	return nil
}

func eventFields(event Event) map[string]any {
	ordered := orderedFields(event)
	if len(ordered) == 0 {
		return nil
	}
	m := make(map[string]any, len(ordered))
	for _, kv := range ordered {
		m[kv.key] = kv.val
	}
	return m
}
