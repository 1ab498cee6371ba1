package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/psm/internal/position"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s by %s\n", ev.EventID, ev.PositionID, ev.EventType, ev.Actor)
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(result.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	case AssertFinalState:
		return assertFinalState(result, a)
	case AssertOpenCount:
		return assertOpenCount(result, a)
	case AssertReplayConsistent:
		if len(result.Inconsistent) > 0 {
			return &AssertionError{
				Type:     a.Type,
				Expected: "every row equals its replay",
				Actual:   "inconsistent: " + strings.Join(result.Inconsistent, ", "),
			}
		}
		return nil
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// filterTrace keeps the events of position (all events when empty).
func filterTrace(trace []TraceEvent, positionID string) []TraceEvent {
	if positionID == "" {
		return trace
	}
	var out []TraceEvent
	for _, ev := range trace {
		if ev.PositionID == positionID {
			out = append(out, ev)
		}
	}
	return out
}

// assertTraceContains checks for an event of the given type whose data
// contains a.Data (subset match on string values).
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range filterTrace(trace, a.Position) {
		if ev.EventType == a.EventType && matchData(ev.Data, a.Data) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s event with data %v", a.EventType, a.Data),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

func matchData(data map[string]any, want map[string]string) bool {
	for k, v := range want {
		got, ok := data[k]
		if !ok || fmt.Sprint(got) != v {
			return false
		}
	}
	return true
}

// assertTraceOrder checks that the event types appear in order. Other
// events may appear in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	events := filterTrace(trace, a.Position)
	next := 0
	for _, ev := range events {
		if next < len(a.Events) && ev.EventType == a.Events[next] {
			next++
		}
	}
	if next == len(a.Events) {
		return nil
	}

	actual := make([]string, 0, len(events))
	for _, ev := range events {
		actual = append(actual, ev.EventType)
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: strings.Join(a.Events, " -> "),
		Actual:   strings.Join(actual, " -> "),
		Trace:    trace,
	}
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range filterTrace(trace, a.Position) {
		if ev.EventType == a.EventType {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d %s event(s)", a.Count, a.EventType),
		Actual:   fmt.Sprintf("%d", count),
		Trace:    trace,
	}
}

// assertFinalState compares the stored row with a.Expect. Values are
// compared in their persisted string form; "null" matches an absent
// nullable column.
func assertFinalState(result *Result, a Assertion) error {
	p, ok := result.State[a.Position]
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("position %s", a.Position),
			Actual:   "no such position",
		}
	}

	snap := position.Snapshot(p)
	var diffs []string
	for _, field := range sortedKeys(a.Expect) {
		want := a.Expect[field]
		got, ok := snap[field]
		gotStr := "null"
		if ok {
			gotStr = fmt.Sprint(got)
		}
		if gotStr != want {
			diffs = append(diffs, fmt.Sprintf("%s=%s (want %s)", field, gotStr, want))
		}
	}
	if len(diffs) == 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertFinalState,
		Expected: fmt.Sprintf("%s with %v", a.Position, a.Expect),
		Actual:   strings.Join(diffs, ", "),
	}
}

func assertOpenCount(result *Result, a Assertion) error {
	symbol := position.NormalizeSymbol(a.Symbol)
	count := 0
	for _, p := range result.State {
		if p.IsOpen() && (symbol == "" || p.Symbol == symbol) {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertOpenCount,
		Expected: fmt.Sprintf("%d open position(s) %s", a.Count, symbol),
		Actual:   fmt.Sprintf("%d", count),
	}
}
