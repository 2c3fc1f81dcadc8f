package graph

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RunCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	b := NewBuilder[string]()
	_ = b.AddNode("a", appendNode("A"))
	_ = b.SetEntryPoint("a")
	g := mustCompile(t, b)

	engine := New[string](nil, nil, nil, WithMetrics[string](metrics))
	if _, err := engine.Run(context.Background(), g, "t1", ""); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	expected := `
		# HELP dashflow_runs_total Terminal runs by status.
		# TYPE dashflow_runs_total counter
		dashflow_runs_total{status="completed"} 1
	`
	if err := testutil.GatherAndCompare(registry, strings.NewReader(expected), "dashflow_runs_total"); err != nil {
		t.Errorf("runs_total mismatch: %v", err)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	// Every recording path must tolerate a nil Metrics.
	var m *Metrics
	m.observeRun(StatusCompleted)
	m.observeNode("a", "ok", 0)
	m.branchStarted()
	m.branchDone()
	m.observeCheckpoint(true)
	m.observeSemaphoreWait(0)
}

func TestOptions_Defaults(t *testing.T) {
	t.Run("zero values resolve", func(t *testing.T) {
		opts := Options{}.withDefaults(false)
		if opts.RecursionLimit != DefaultRecursionLimit {
			t.Errorf("recursion limit = %d, want %d", opts.RecursionLimit, DefaultRecursionLimit)
		}
		if opts.GraphTimeout != DefaultGraphTimeout {
			t.Errorf("graph timeout = %v, want %v", opts.GraphTimeout, DefaultGraphTimeout)
		}
		if opts.NodeTimeout != DefaultNodeTimeout {
			t.Errorf("node timeout = %v, want %v", opts.NodeTimeout, DefaultNodeTimeout)
		}
		if opts.WriteEvery != WriteNever {
			t.Errorf("write policy = %v, want never without checkpointer", opts.WriteEvery)
		}
	})

	t.Run("checkpointer selects step policy", func(t *testing.T) {
		opts := Options{}.withDefaults(true)
		if opts.WriteEvery != WriteEveryStep {
			t.Errorf("write policy = %v, want step with checkpointer", opts.WriteEvery)
		}
	})

	t.Run("negative disables bounds", func(t *testing.T) {
		opts := Options{RecursionLimit: -1, GraphTimeout: -1, NodeTimeout: -1}.withDefaults(false)
		if opts.RecursionLimit > 0 || opts.GraphTimeout > 0 || opts.NodeTimeout > 0 {
			t.Errorf("negative bounds were overridden: %+v", opts)
		}
	})
}
