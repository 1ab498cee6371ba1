package harness

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/psm/internal/exchange"
	"github.com/roach88/psm/internal/position"
	"github.com/roach88/psm/internal/psm"
	"github.com/roach88/psm/internal/store"
	"github.com/roach88/psm/internal/testutil"
)

// Epoch is the fake clock's start time for every scenario.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Harness executes the steps of one scenario.
type Harness struct {
	store   *store.Store
	manager *psm.Manager
	clock   *testutil.FakeClock
	logger  *slog.Logger
}

// Run executes a scenario against a fresh database created in dir and
// returns the result. The error is non-nil only when the scenario could not
// be executed at all; step and assertion failures land in Result.Errors.
//
// Execution flow:
// 1. Open a fresh store with a fake clock and sequential ids
// 2. Execute steps, checking expect clauses
// 3. Collect the event trace and final rows
// 4. Evaluate assertions
func Run(ctx context.Context, scenario *Scenario, dir string) (*Result, error) {
	logger := slog.New(slog.DiscardHandler)

	st, err := store.Open(filepath.Join(dir, scenario.Name+".db"), store.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	opts, err := scenario.Options.managerOptions()
	if err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	clock := testutil.NewFakeClock(Epoch, time.Second)
	h := &Harness{
		store: st,
		manager: psm.New(st, opts,
			psm.WithClock(clock),
			psm.WithIDGenerator(testutil.NewSequenceIDs("gen-")),
			psm.WithLogger(logger),
		),
		clock:  clock,
		logger: logger,
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		h.executeStep(ctx, i, step, result)
	}

	if err := h.collect(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to collect trace: %w", err)
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (o Options) managerOptions() (psm.Options, error) {
	opts := psm.Options{
		AutoFix:        o.AutoFix,
		StuckThreshold: time.Duration(o.StuckThresholdDays) * 24 * time.Hour,
		// Corrective writes in a scenario never compete for the writer.
		Backoff: psm.Backoff{Attempts: 1, Base: time.Millisecond, Max: time.Millisecond},
	}
	var err error
	if o.DefaultStopPct != "" {
		if opts.DefaultStopPct, err = decimal.NewFromString(o.DefaultStopPct); err != nil {
			return opts, fmt.Errorf("default_stop_pct: %w", err)
		}
	}
	if o.TolerancePct != "" {
		if opts.TolerancePct, err = decimal.NewFromString(o.TolerancePct); err != nil {
			return opts, fmt.Errorf("tolerance_pct: %w", err)
		}
	}
	return opts, nil
}

// executeStep runs one step and records any mismatch with its expect
// clause in result.
func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) {
	var err error
	switch step.Op {
	case OpOpen:
		err = h.open(ctx, step)
	case OpUpdate:
		err = h.update(ctx, step)
	case OpClose:
		err = h.close(ctx, step)
	case OpAdvance:
		by, _ := time.ParseDuration(step.Args["by"])
		h.clock.Advance(by)
	case OpReconcile:
		err = h.reconcile(ctx, i, step, result)
	case OpDiagnose:
		err = h.diagnose(ctx, i, step, result)
	}

	h.logger.Debug("scenario step completed", "step", i, "op", step.Op, "error", err)

	want := ""
	if step.Expect != nil {
		want = step.Expect.Error
	}
	got := ""
	if err != nil {
		got = string(position.KindOf(err))
		if got == "" {
			got = "UNKNOWN"
		}
	}
	switch {
	case want == "" && err != nil:
		result.AddError(fmt.Sprintf("steps[%d] %s: unexpected error: %v", i, step.Op, err))
	case want != "" && got != want:
		result.AddError(fmt.Sprintf("steps[%d] %s: expected %s error, got %q (%v)", i, step.Op, want, got, err))
	}
}

func arg(step Step, name string) (decimal.NullDecimal, error) {
	raw, ok := step.Args[name]
	if !ok {
		return decimal.NullDecimal{}, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}, &position.ValidationError{Field: name, Message: fmt.Sprintf("not a number: %q", raw)}
	}
	return decimal.NewNullDecimal(v), nil
}

// args parses the named decimal args into dst, in order.
func args(step Step, names []string, dst ...*decimal.NullDecimal) error {
	for i, name := range names {
		v, err := arg(step, name)
		if err != nil {
			return err
		}
		*dst[i] = v
	}
	return nil
}

func (h *Harness) open(ctx context.Context, step Step) error {
	var entry, amount, fees decimal.NullDecimal
	req := psm.OpenRequest{
		ID:              step.Position,
		Symbol:          step.Args["symbol"],
		Side:            position.Side(step.Args["side"]),
		ExchangeOrderID: step.Args["order_id"],
		Notes:           step.Args["notes"],
	}
	err := args(step,
		[]string{"entry", "amount", "fees", "stop", "take_profit", "trailing_stop_pct"},
		&entry, &amount, &fees, &req.StopPrice, &req.TakeProfitPrice, &req.TrailingStopPct)
	if err != nil {
		return err
	}
	req.EntryPrice = entry.Decimal
	req.Amount = amount.Decimal
	req.Fees = fees.Decimal

	_, err = h.manager.OpenPosition(ctx, req)
	return err
}

func (h *Harness) update(ctx context.Context, step Step) error {
	var req psm.UpdateRequest
	err := args(step,
		[]string{"price", "stop", "take_profit", "trailing_stop_pct", "amount"},
		&req.CurrentPrice, &req.StopPrice, &req.TakeProfitPrice, &req.TrailingStopPct, &req.Amount)
	if err != nil {
		return err
	}
	_, err = h.manager.UpdatePosition(ctx, step.Position, req)
	return err
}

func (h *Harness) close(ctx context.Context, step Step) error {
	exit, err := arg(step, "exit")
	if err != nil {
		return err
	}
	reason := step.Args["reason"]
	if reason == "" {
		reason = "MANUAL"
	}
	_, err = h.manager.ClosePosition(ctx, step.Position, exit.Decimal, reason)
	return err
}

func (h *Harness) reconcile(ctx context.Context, i int, step Step, result *Result) error {
	external := make([]exchange.Position, 0, len(step.Exchange))
	for j, e := range step.Exchange {
		amount, err := decimal.NewFromString(e.Amount)
		if err != nil {
			return &position.ValidationError{Field: fmt.Sprintf("exchange[%d].amount", j), Message: err.Error()}
		}
		var price decimal.Decimal
		if e.Price != "" {
			if price, err = decimal.NewFromString(e.Price); err != nil {
				return &position.ValidationError{Field: fmt.Sprintf("exchange[%d].price", j), Message: err.Error()}
			}
		}
		external = append(external, exchange.Position{
			Symbol:          e.Symbol,
			Side:            e.Side,
			Amount:          amount,
			ExchangeOrderID: e.OrderID,
			Price:           price,
		})
	}

	rec, err := h.manager.ReconcileWithExchange(ctx, external)
	result.Reconciliations = append(result.Reconciliations, rec)
	if err != nil {
		return err
	}

	if exp := step.Expect; exp != nil {
		if exp.Status != "" && string(rec.Status) != exp.Status {
			result.AddError(fmt.Sprintf("steps[%d] reconcile: expected status %s, got %s", i, exp.Status, rec.Status))
		}
		if exp.Discrepancies != nil && rec.DiscrepanciesCount != *exp.Discrepancies {
			result.AddError(fmt.Sprintf("steps[%d] reconcile: expected %d discrepancies, got %d",
				i, *exp.Discrepancies, rec.DiscrepanciesCount))
		}
	}
	return nil
}

func (h *Harness) diagnose(ctx context.Context, i int, step Step, result *Result) error {
	report, err := h.manager.SelfDiagnose(ctx)
	result.Diagnoses = append(result.Diagnoses, report)

	if exp := step.Expect; exp != nil {
		for typ, want := range exp.Checks {
			hc, ok := report.Check(position.CheckType(typ))
			switch {
			case !ok:
				result.AddError(fmt.Sprintf("steps[%d] diagnose: no %s check", i, typ))
			case string(hc.Status) != want:
				result.AddError(fmt.Sprintf("steps[%d] diagnose: expected %s %s, got %s", i, typ, want, hc.Status))
			}
		}
	}
	return err
}

// collect reads the final rows and the whole event log from one snapshot.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	return h.store.Read(ctx, func(ctx context.Context, tx *store.ReadTx) error {
		positions, err := tx.ListPositions(ctx, store.PositionFilter{})
		if err != nil {
			return err
		}
		for _, p := range positions {
			result.State[p.ID] = p

			events, err := tx.ListEvents(ctx, p.ID)
			if err != nil {
				return err
			}
			for _, ev := range events {
				result.Trace = append(result.Trace, newTraceEvent(ev))
			}

			replayed, err := position.Replay(events)
			if err != nil || len(position.Diff(p, replayed)) > 0 {
				result.Inconsistent = append(result.Inconsistent, p.ID)
			}
		}
		slices.SortFunc(result.Trace, func(a, b TraceEvent) int {
			return int(a.EventID - b.EventID)
		})
		return nil
	})
}
