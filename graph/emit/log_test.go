package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLogObserver_Text(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLogObserver(&buf, false)

	obs.OnEvent(&NodeStart{Base: Base{Run: "run-1", Thread: "t1"}, Node: "fetch", Step: 0})
	obs.OnEvent(&GraphEnd{Base: Base{Run: "run-1", Thread: "t1"}, Status: "completed", Iterations: 3})

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("line count = %d, want 2: %q", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "[node_start]") {
		t.Errorf("line = %q, want [node_start] prefix", lines[0])
	}
	if !strings.Contains(lines[0], "run=run-1") || !strings.Contains(lines[0], "node=fetch") {
		t.Errorf("line missing fields: %q", lines[0])
	}
	if !strings.Contains(lines[1], "status=completed") || !strings.Contains(lines[1], "iterations=3") {
		t.Errorf("graph_end line missing fields: %q", lines[1])
	}
}

func TestLogObserver_JSON(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLogObserver(&buf, true)

	obs.OnEvent(&EdgeEval{
		Base:  Base{Run: "run-1", Thread: "t1", At: time.Now()},
		From:  "a",
		To:    "b",
		Label: "hi",
	})

	var rec struct {
		Kind   string         `json:"kind"`
		Run    string         `json:"run"`
		Thread string         `json:"thread"`
		Fields map[string]any `json:"fields"`
	}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v: %q", err, buf.String())
	}
	if rec.Kind != "edge_eval" || rec.Run != "run-1" || rec.Thread != "t1" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Fields["from"] != "a" || rec.Fields["to"] != "b" || rec.Fields["label"] != "hi" {
		t.Errorf("fields = %v", rec.Fields)
	}
}

func TestLogObserver_NilWriterDefaultsToStdout(t *testing.T) {
	// Constructing with a nil writer must not panic.
	obs := NewLogObserver(nil, false)
	if obs == nil {
		t.Fatal("nil observer")
	}
}

func TestBufferedObserver_Queries(t *testing.T) {
	obs := NewBufferedObserver()
	obs.OnEvent(&GraphStart{Base: Base{Run: "r"}})
	obs.OnEvent(&NodeStart{Base: Base{Run: "r"}, Node: "a"})
	obs.OnEvent(&NodeEnd{Base: Base{Run: "r"}, Node: "a", Result: ResultOK})
	obs.OnEvent(&GraphEnd{Base: Base{Run: "r"}})

	if got := obs.CountKind(KindNodeStart); got != 1 {
		t.Errorf("CountKind(node_start) = %d, want 1", got)
	}
	if got := len(obs.FilterKind(KindNodeEnd)); got != 1 {
		t.Errorf("FilterKind(node_end) = %d events, want 1", got)
	}

	// Events returns a copy: mutating it must not affect the buffer.
	events := obs.Events()
	events[0] = nil
	if obs.Events()[0] == nil {
		t.Error("Events() exposed internal slice")
	}

	obs.Clear()
	if got := len(obs.Events()); got != 0 {
		t.Errorf("events after Clear = %d, want 0", got)
	}
}
