package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/psm/internal/position"
	"github.com/roach88/psm/internal/psm"
)

// positionView is the output shape of a position.
type positionView struct {
	ID              string              `json:"position_id"`
	Symbol          string              `json:"symbol"`
	Side            position.Side       `json:"side"`
	Status          position.Status     `json:"status"`
	EntryPrice      decimal.Decimal     `json:"entry_price"`
	Amount          decimal.Decimal     `json:"amount"`
	CurrentPrice    decimal.NullDecimal `json:"current_price"`
	StopPrice       decimal.NullDecimal `json:"stop_price"`
	TakeProfitPrice decimal.NullDecimal `json:"take_profit_price"`
	TrailingStopPct decimal.NullDecimal `json:"trailing_stop_pct"`
	PnL             decimal.Decimal     `json:"pnl"`
	PnLPct          decimal.Decimal     `json:"pnl_pct"`
	Fees            decimal.Decimal     `json:"fees"`
	ExitPrice       decimal.NullDecimal `json:"exit_price"`
	CloseReason     string              `json:"close_reason,omitempty"`
	ExchangeOrderID string              `json:"exchange_order_id,omitempty"`
	CreatedBy       string              `json:"created_by"`
	Notes           string              `json:"notes,omitempty"`
	Metadata        map[string]string   `json:"metadata,omitempty"`
	OpenedAt        time.Time           `json:"opened_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	ClosedAt        *time.Time          `json:"closed_at,omitempty"`
}

func newPositionView(p position.Position) positionView {
	return positionView{
		ID:              p.ID,
		Symbol:          p.Symbol,
		Side:            p.Side,
		Status:          p.Status,
		EntryPrice:      p.EntryPrice,
		Amount:          p.Amount,
		CurrentPrice:    p.CurrentPrice,
		StopPrice:       p.StopPrice,
		TakeProfitPrice: p.TakeProfitPrice,
		TrailingStopPct: p.TrailingStopPct,
		PnL:             p.PnL,
		PnLPct:          p.PnLPct,
		Fees:            p.Fees,
		ExitPrice:       p.ExitPrice,
		CloseReason:     p.CloseReason,
		ExchangeOrderID: p.ExchangeOrderID,
		CreatedBy:       p.CreatedBy,
		Notes:           p.Notes,
		Metadata:        p.Metadata,
		OpenedAt:        p.OpenedAt,
		UpdatedAt:       p.UpdatedAt,
		ClosedAt:        p.ClosedAt,
	}
}

func nullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.String()
}

func (v positionView) WriteText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "%s %s %s %s amount=%s entry=%s current=%s pnl=%s (%s%%)\n",
		v.ID, v.Symbol, v.Side, v.Status, v.Amount, v.EntryPrice,
		nullString(v.CurrentPrice), v.PnL, v.PnLPct)
	if !verbose {
		return
	}
	fmt.Fprintf(w, "  stop=%s take_profit=%s trailing=%s fees=%s\n",
		nullString(v.StopPrice), nullString(v.TakeProfitPrice), nullString(v.TrailingStopPct), v.Fees)
	fmt.Fprintf(w, "  opened=%s updated=%s created_by=%s\n",
		v.OpenedAt.Format(time.RFC3339), v.UpdatedAt.Format(time.RFC3339), v.CreatedBy)
	if v.ClosedAt != nil {
		fmt.Fprintf(w, "  closed=%s exit=%s reason=%s\n", v.ClosedAt.Format(time.RFC3339), nullString(v.ExitPrice), v.CloseReason)
	}
	if v.ExchangeOrderID != "" {
		fmt.Fprintf(w, "  exchange_order_id=%s\n", v.ExchangeOrderID)
	}
	if v.Notes != "" {
		fmt.Fprintf(w, "  notes=%s\n", v.Notes)
	}
}

type positionList []positionView

func newPositionList(ps []position.Position) positionList {
	out := make(positionList, 0, len(ps))
	for _, p := range ps {
		out = append(out, newPositionView(p))
	}
	return out
}

func (l positionList) WriteText(w io.Writer, verbose bool) {
	if len(l) == 0 {
		fmt.Fprintln(w, "No positions found.")
		return
	}
	for _, v := range l {
		v.WriteText(w, verbose)
	}
}

type eventView struct {
	ID         int64              `json:"event_id"`
	PositionID string             `json:"position_id"`
	Type       position.EventType `json:"event_type"`
	Data       map[string]any     `json:"event_data"`
	DataHash   string             `json:"data_hash,omitempty"`
	Actor      string             `json:"actor"`
	Timestamp  time.Time          `json:"timestamp"`
}

type eventList []eventView

func newEventList(events []position.Event) eventList {
	out := make(eventList, 0, len(events))
	for _, ev := range events {
		out = append(out, eventView{
			ID:         ev.ID,
			PositionID: ev.PositionID,
			Type:       ev.Type,
			Data:       ev.Data,
			DataHash:   ev.DataHash,
			Actor:      ev.Actor,
			Timestamp:  ev.Timestamp,
		})
	}
	return out
}

func (l eventList) WriteText(w io.Writer, verbose bool) {
	if len(l) == 0 {
		fmt.Fprintln(w, "No events found.")
		return
	}
	for _, ev := range l {
		fmt.Fprintf(w, "%d %s %s %s", ev.ID, ev.Timestamp.Format(time.RFC3339), ev.Type, ev.Actor)
		if verbose {
			for _, k := range sortedKeys(ev.Data) {
				fmt.Fprintf(w, " %s=%v", k, ev.Data[k])
			}
		} else {
			fmt.Fprintf(w, " [%s]", strings.Join(sortedKeys(ev.Data), ","))
		}
		fmt.Fprintln(w)
	}
}

type replayView struct {
	Position    positionView `json:"position"`
	Stored      positionView `json:"stored"`
	Consistent  bool         `json:"consistent"`
	Differences []string     `json:"differences,omitempty"`
}

func (v replayView) WriteText(w io.Writer, verbose bool) {
	v.Position.WriteText(w, verbose)
	if v.Consistent {
		fmt.Fprintln(w, "Replay matches stored row.")
		return
	}
	fmt.Fprintf(w, "Replay differs from stored row in: %s\n", strings.Join(v.Differences, ", "))
}

type reconciliationView struct {
	position.Reconciliation
}

func (v reconciliationView) WriteText(w io.Writer, verbose bool) {
	r := v.Reconciliation
	fmt.Fprintf(w, "Reconciliation %s: %s (exchange=%d local=%d discrepancies=%d)\n",
		r.ID, r.Status, r.ExchangePositionsCount, r.LocalPositionsCount, r.DiscrepanciesCount)
	for _, a := range r.Actions {
		state := "ok"
		switch {
		case a.Kind == position.ActionRejected:
			state = "rejected: " + a.Error
		case a.Failed():
			state = "failed: " + a.Error
		}
		fmt.Fprintf(w, "  %s %s %s %s %s\n", a.Kind, a.PositionID, a.Symbol, a.Side, state)
		if verbose && a.Detail != "" {
			fmt.Fprintf(w, "    %s\n", a.Detail)
		}
	}
}

type diagnosisView struct {
	psm.DiagnosisReport
	Healthy bool `json:"healthy"`
}

func (v diagnosisView) WriteText(w io.Writer, verbose bool) {
	for _, hc := range v.Checks {
		fmt.Fprintf(w, "%-15s %-5s count=%d", hc.Type, hc.Status, hc.Details.Count)
		if hc.AutoFixed {
			fmt.Fprint(w, " auto_fixed")
		}
		fmt.Fprintln(w)
		if hc.Details.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", hc.Details.Error)
		}
		if verbose || hc.Status != position.CheckOK {
			for _, msg := range hc.Details.Messages {
				fmt.Fprintf(w, "  %s\n", msg)
			}
		}
	}
}

type statsView struct {
	psm.Statistics
	WinRate decimal.Decimal `json:"win_rate"`
}

func (v statsView) WriteText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "Open positions:   %d\n", v.OpenPositions)
	for _, symbol := range sortedKeys(v.OpenBySymbol) {
		fmt.Fprintf(w, "  %s: %d\n", symbol, v.OpenBySymbol[symbol])
	}
	fmt.Fprintf(w, "Closed positions: %d (wins %d, losses %d, win rate %s)\n",
		v.ClosedPositions, v.Wins, v.Losses, v.WinRate)
	fmt.Fprintf(w, "Realized PnL:     %s\n", v.RealizedPnL)
	fmt.Fprintf(w, "Unrealized PnL:   %s\n", v.UnrealizedPnL)
	fmt.Fprintf(w, "Fees:             %s\n", v.TotalFees)
	fmt.Fprintf(w, "Events:           %d\n", v.TotalEvents)
	fmt.Fprintf(w, "Reconciliations:  %d\n", v.Reconciliations)
	if r := v.LastReconciliation; r != nil {
		fmt.Fprintf(w, "Last reconcile:   %s %s\n", r.Timestamp.Format(time.RFC3339), r.Status)
	}
	for _, hc := range v.LatestHealthChecks {
		fmt.Fprintf(w, "Check %-15s %s at %s\n", hc.Type, hc.Status, hc.Timestamp.Format(time.RFC3339))
	}
	if verbose {
		p := v.Pool
		fmt.Fprintf(w, "Pool: readers %d/%d in use, writer acquired %d, timeouts %d, waited %s\n",
			p.ReaderInUse, p.ReaderOpen, p.WriterAcquired, p.WriterTimeouts, p.WriterWait)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
