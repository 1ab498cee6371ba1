package harness

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/psm/internal/position"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{EventID: 1, PositionID: "A", EventType: "OPENED", Actor: "API", Data: map[string]any{"symbol": "BTC/USDT"}},
		{EventID: 2, PositionID: "B", EventType: "OPENED", Actor: "RECONCILE", Data: map[string]any{"symbol": "ETH/USDT"}},
		{EventID: 3, PositionID: "A", EventType: "UPDATED", Actor: "API", Data: map[string]any{"current_price": "51000"}},
		{EventID: 4, PositionID: "A", EventType: "CLOSED", Actor: "API", Data: map[string]any{"status": "CLOSED"}},
	}
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{EventType: "UPDATED", Data: map[string]string{"current_price": "51000"}}))
	assert.NoError(t, assertTraceContains(trace, Assertion{EventType: "OPENED", Position: "B"}))

	err := assertTraceContains(trace, Assertion{EventType: "UPDATED", Position: "B"})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Contains(t, err.Error(), "Full trace:")

	assert.Error(t, assertTraceContains(trace, Assertion{EventType: "UPDATED", Data: map[string]string{"current_price": "1"}}))
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Position: "A", Events: []string{"OPENED", "UPDATED", "CLOSED"}}))
	assert.NoError(t, assertTraceOrder(trace, Assertion{Position: "A", Events: []string{"OPENED", "CLOSED"}}), "gaps are allowed")

	err := assertTraceOrder(trace, Assertion{Position: "A", Events: []string{"CLOSED", "OPENED"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENED -> UPDATED -> CLOSED")
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{EventType: "OPENED", Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{EventType: "OPENED", Position: "A", Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{EventType: "RECONCILED", Count: 0}))
	assert.Error(t, assertTraceCount(trace, Assertion{EventType: "CLOSED", Count: 2}))
}

func TestAssertFinalState(t *testing.T) {
	result := NewResult()
	result.State["A"] = position.Position{
		ID:         "A",
		Symbol:     "BTC/USDT",
		Side:       position.SideLong,
		Status:     position.StatusOpen,
		EntryPrice: decimal.RequireFromString("50000"),
		Amount:     decimal.RequireFromString("0.1"),
	}

	assert.NoError(t, assertFinalState(result, Assertion{Position: "A", Expect: map[string]string{"status": "OPEN", "amount": "0.1"}}))
	assert.NoError(t, assertFinalState(result, Assertion{Position: "A", Expect: map[string]string{"stop_price": "null"}}))

	err := assertFinalState(result, Assertion{Position: "A", Expect: map[string]string{"status": "CLOSED", "amount": "1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount=0.1 (want 1), status=OPEN (want CLOSED)")
}

func TestAssertOpenCount(t *testing.T) {
	result := NewResult()
	result.State["A"] = position.Position{ID: "A", Symbol: "BTC/USDT", Status: position.StatusOpen}
	result.State["B"] = position.Position{ID: "B", Symbol: "ETH/USDT", Status: position.StatusOpen}
	result.State["C"] = position.Position{ID: "C", Symbol: "BTC/USDT", Status: position.StatusClosed}

	assert.NoError(t, assertOpenCount(result, Assertion{Count: 2}))
	assert.NoError(t, assertOpenCount(result, Assertion{Symbol: "btc/usdt", Count: 1}))
	assert.Error(t, assertOpenCount(result, Assertion{Symbol: "ETH/USDT", Count: 0}))
}

func TestEvaluateAssertions_ReplayConsistent(t *testing.T) {
	result := NewResult()
	assert.Empty(t, EvaluateAssertions(result, []Assertion{{Type: AssertReplayConsistent}}))

	result.Inconsistent = []string{"A"}
	errs := EvaluateAssertions(result, []Assertion{{Type: AssertReplayConsistent}})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "assertions[0]")
	assert.Contains(t, errs[0], "inconsistent: A")
}
