package harness

import (
	"context"
	"maps"
	"slices"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/psm/internal/canonical"
)

// TraceSnapshot is what golden files capture: the scenario name and its
// full event trace.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []TraceEvent
}

func (s TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, 0, len(s.Trace))
	for _, ev := range s.Trace {
		trace = append(trace, map[string]any{
			"event_id":    ev.EventID,
			"position_id": ev.PositionID,
			"event_type":  ev.EventType,
			"actor":       ev.Actor,
			"timestamp":   ev.Timestamp,
			"data":        ev.Data,
			"data_hash":   ev.DataHash,
		})
	}
	return map[string]any{
		"scenario": s.ScenarioName,
		"trace":    trace,
	}
}

// RunWithGolden runs the scenario, fails t on step or assertion errors, and
// compares the canonical JSON of the trace with
// testdata/golden/<name>.golden.
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()

	result, err := Run(context.Background(), scenario, t.TempDir())
	if err != nil {
		t.Fatalf("run scenario %s: %v", scenario.Name, err)
	}
	for _, msg := range result.Errors {
		t.Errorf("%s: %s", scenario.Name, msg)
	}

	AssertGolden(t, scenario.Name, result)
	return result
}

// AssertGolden compares the given result's trace against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()

	snapshot := TraceSnapshot{ScenarioName: scenarioName, Trace: result.Trace}
	traceJSON, err := canonical.Marshal(snapshot.toCanonicalMap())
	if err != nil {
		t.Fatalf("marshal trace: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
