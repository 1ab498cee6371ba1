package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines a position scenario: steps to execute and assertions
// over the outcome.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Options tunes the manager for this scenario.
	Options Options `yaml:"options,omitempty"`

	// Steps run in order against one store.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Options mirrors the psm.Options a scenario may change. Decimals are
// strings so they stay exact.
type Options struct {
	AutoFix            bool   `yaml:"auto_fix,omitempty"`
	DefaultStopPct     string `yaml:"default_stop_pct,omitempty"`
	TolerancePct       string `yaml:"tolerance_pct,omitempty"`
	StuckThresholdDays int    `yaml:"stuck_threshold_days,omitempty"`
}

// Step is one operation.
type Step struct {
	// Op is one of the Op* constants.
	Op string `yaml:"op"`

	// Position is the position id for open (optional), update and close.
	Position string `yaml:"position,omitempty"`

	// Args holds the operation arguments as strings, e.g. entry: "50000".
	Args map[string]string `yaml:"args,omitempty"`

	// Exchange is the external snapshot for reconcile.
	Exchange []ExchangePosition `yaml:"exchange,omitempty"`

	// Expect optionally checks the step outcome. Without it the step must
	// succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// ExchangePosition is one external position of a reconcile step.
type ExchangePosition struct {
	Symbol  string `yaml:"symbol"`
	Side    string `yaml:"side"`
	Amount  string `yaml:"amount"`
	Price   string `yaml:"price,omitempty"`
	OrderID string `yaml:"order_id,omitempty"`
}

// Expect describes the expected outcome of a step.
type Expect struct {
	// Error is the expected error kind (VALIDATION, NOT_FOUND, INTEGRITY...).
	Error string `yaml:"error,omitempty"`

	// Status is the expected reconciliation status.
	Status string `yaml:"status,omitempty"`

	// Discrepancies is the expected reconciliation discrepancy count.
	Discrepancies *int `yaml:"discrepancies,omitempty"`

	// Checks maps a health check type to its expected status.
	Checks map[string]string `yaml:"checks,omitempty"`
}

// Step operations.
const (
	OpOpen      = "open"
	OpUpdate    = "update"
	OpClose     = "close"
	OpAdvance   = "advance"
	OpReconcile = "reconcile"
	OpDiagnose  = "diagnose"
)

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event of EventType (for Position) whose data
	//   contains Data
	// - "trace_order": Events appear in this order (for Position)
	// - "trace_count": EventType appears exactly Count times (for Position)
	// - "final_state": the stored row of Position has the Expect fields
	// - "open_count": exactly Count positions are OPEN (for Symbol)
	// - "replay_consistent": every row equals the replay of its events
	Type string `yaml:"type"`

	Position  string            `yaml:"position,omitempty"`
	Symbol    string            `yaml:"symbol,omitempty"`
	EventType string            `yaml:"event_type,omitempty"`
	Events    []string          `yaml:"events,omitempty"`
	Data      map[string]string `yaml:"data,omitempty"`
	Expect    map[string]string `yaml:"expect,omitempty"`
	Count     int               `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains    = "trace_contains"
	AssertTraceOrder       = "trace_order"
	AssertTraceCount       = "trace_count"
	AssertFinalState       = "final_state"
	AssertOpenCount        = "open_count"
	AssertReplayConsistent = "replay_consistent"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field checking.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// requiredArgs lists the args each op needs.
var requiredArgs = map[string][]string{
	OpOpen:      {"symbol", "side", "entry", "amount"},
	OpUpdate:    {},
	OpClose:     {"exit"},
	OpAdvance:   {"by"},
	OpReconcile: {},
	OpDiagnose:  {},
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		required, ok := requiredArgs[step.Op]
		if !ok {
			return fmt.Errorf("steps[%d]: unknown op %q", i, step.Op)
		}
		for _, arg := range required {
			if step.Args[arg] == "" {
				return fmt.Errorf("steps[%d]: %s requires arg %q", i, step.Op, arg)
			}
		}
		if (step.Op == OpUpdate || step.Op == OpClose) && step.Position == "" {
			return fmt.Errorf("steps[%d]: %s requires position", i, step.Op)
		}
		if step.Op == OpAdvance {
			if _, err := time.ParseDuration(step.Args["by"]); err != nil {
				return fmt.Errorf("steps[%d]: advance: %w", i, err)
			}
		}
		if len(step.Exchange) > 0 && step.Op != OpReconcile {
			return fmt.Errorf("steps[%d]: exchange is only valid for reconcile", i)
		}
		for j, e := range step.Exchange {
			if e.Symbol == "" || e.Side == "" || e.Amount == "" {
				return fmt.Errorf("steps[%d].exchange[%d]: symbol, side and amount are required", i, j)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.EventType == "" {
			return fmt.Errorf("assertions[%d]: event_type is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.EventType == "" {
			return fmt.Errorf("assertions[%d]: event_type is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Position == "" {
			return fmt.Errorf("assertions[%d]: position is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertOpenCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for open_count", index)
		}
	case AssertReplayConsistent:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
