package harness

import (
	"github.com/roach88/psm/internal/position"
	"github.com/roach88/psm/internal/psm"
)

// TraceEvent is one row of the position event log, as seen by assertions
// and golden files.
type TraceEvent struct {
	EventID    int64          `json:"event_id"`
	PositionID string         `json:"position_id"`
	EventType  string         `json:"event_type"`
	Actor      string         `json:"actor"`
	Timestamp  string         `json:"timestamp"`
	Data       map[string]any `json:"data"`
	DataHash   string         `json:"data_hash"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: every step met its expectation and
	// every assertion held.
	Pass bool `json:"pass"`

	// Trace is the whole event log in event_id order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains step and assertion failures.
	Errors []string `json:"errors,omitempty"`

	// State maps position id to the final stored row.
	State map[string]position.Position `json:"-"`

	// Inconsistent lists positions whose replay differs from the row.
	Inconsistent []string `json:"inconsistent,omitempty"`

	Reconciliations []position.Reconciliation `json:"reconciliations,omitempty"`
	Diagnoses       []psm.DiagnosisReport     `json:"diagnoses,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]position.Position),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func newTraceEvent(ev position.Event) TraceEvent {
	return TraceEvent{
		EventID:    ev.ID,
		PositionID: ev.PositionID,
		EventType:  string(ev.Type),
		Actor:      ev.Actor,
		Timestamp:  position.FormatTime(ev.Timestamp),
		Data:       ev.Data,
		DataHash:   ev.DataHash,
	}
}
