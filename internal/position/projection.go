package position

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/shopspring/decimal"
)

// Event data keys. Each key mirrors a column of the positions table.
const (
	FieldPositionID      = "position_id"
	FieldSymbol          = "symbol"
	FieldSide            = "side"
	FieldEntryPrice      = "entry_price"
	FieldAmount          = "amount"
	FieldCurrentPrice    = "current_price"
	FieldStopPrice       = "stop_price"
	FieldTakeProfitPrice = "take_profit_price"
	FieldTrailingStopPct = "trailing_stop_pct"
	FieldOpenedAt        = "opened_at"
	FieldClosedAt        = "closed_at"
	FieldStatus          = "status"
	FieldPnL             = "pnl"
	FieldPnLPct          = "pnl_pct"
	FieldFees            = "fees"
	FieldExitPrice       = "exit_price"
	FieldCloseReason     = "close_reason"
	FieldExchangeOrderID = "exchange_order_id"
	FieldCreatedBy       = "created_by"
	FieldNotes           = "notes"
	FieldMetadata        = "metadata"
)

// FormatTime renders t the way it is persisted: UTC, RFC 3339, nanoseconds.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Snapshot returns the full state of p as event data. Null columns are
// omitted.
func Snapshot(p Position) map[string]any {
	m := map[string]any{
		FieldPositionID: p.ID,
		FieldSymbol:     p.Symbol,
		FieldSide:       string(p.Side),
		FieldEntryPrice: p.EntryPrice.String(),
		FieldAmount:     p.Amount.String(),
		FieldOpenedAt:   FormatTime(p.OpenedAt),
		FieldStatus:     string(p.Status),
		FieldPnL:        p.PnL.String(),
		FieldPnLPct:     p.PnLPct.String(),
		FieldFees:       p.Fees.String(),
		FieldCreatedBy:  p.CreatedBy,
	}
	putNullDecimal(m, FieldCurrentPrice, p.CurrentPrice)
	putNullDecimal(m, FieldStopPrice, p.StopPrice)
	putNullDecimal(m, FieldTakeProfitPrice, p.TakeProfitPrice)
	putNullDecimal(m, FieldTrailingStopPct, p.TrailingStopPct)
	putNullDecimal(m, FieldExitPrice, p.ExitPrice)
	if p.ClosedAt != nil {
		m[FieldClosedAt] = FormatTime(*p.ClosedAt)
	}
	if p.CloseReason != "" {
		m[FieldCloseReason] = p.CloseReason
	}
	if p.ExchangeOrderID != "" {
		m[FieldExchangeOrderID] = p.ExchangeOrderID
	}
	if p.Notes != "" {
		m[FieldNotes] = p.Notes
	}
	if len(p.Metadata) > 0 {
		md := make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			md[k] = v
		}
		m[FieldMetadata] = md
	}
	return m
}

func putNullDecimal(m map[string]any, key string, d decimal.NullDecimal) {
	if d.Valid {
		m[key] = d.Decimal.String()
	}
}

// Apply folds one event into p.
func Apply(p *Position, ev Event) error {
	for key, raw := range ev.Data {
		if err := applyField(p, key, raw); err != nil {
			return fmt.Errorf("event %d (%s): %w", ev.ID, ev.Type, err)
		}
	}
	p.UpdatedAt = ev.Timestamp
	return nil
}

func applyField(p *Position, key string, raw any) error {
	if key == FieldMetadata {
		obj, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected object, got %T", key, raw)
		}
		md := make(map[string]string, len(obj))
		for k, v := range obj {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("%s.%s: expected string, got %T", key, k, v)
			}
			md[k] = s
		}
		p.Metadata = md
		return nil
	}

	s, ok := raw.(string)
	if !ok {
		return fmt.Errorf("%s: expected string, got %T", key, raw)
	}

	var err error
	switch key {
	case FieldPositionID:
		p.ID = s
	case FieldSymbol:
		p.Symbol = s
	case FieldSide:
		p.Side = Side(s)
	case FieldStatus:
		p.Status = Status(s)
	case FieldCloseReason:
		p.CloseReason = s
	case FieldExchangeOrderID:
		p.ExchangeOrderID = s
	case FieldCreatedBy:
		p.CreatedBy = s
	case FieldNotes:
		p.Notes = s
	case FieldEntryPrice:
		p.EntryPrice, err = decimal.NewFromString(s)
	case FieldAmount:
		p.Amount, err = decimal.NewFromString(s)
	case FieldPnL:
		p.PnL, err = decimal.NewFromString(s)
	case FieldPnLPct:
		p.PnLPct, err = decimal.NewFromString(s)
	case FieldFees:
		p.Fees, err = decimal.NewFromString(s)
	case FieldCurrentPrice:
		p.CurrentPrice, err = parseNull(s)
	case FieldStopPrice:
		p.StopPrice, err = parseNull(s)
	case FieldTakeProfitPrice:
		p.TakeProfitPrice, err = parseNull(s)
	case FieldTrailingStopPct:
		p.TrailingStopPct, err = parseNull(s)
	case FieldExitPrice:
		p.ExitPrice, err = parseNull(s)
	case FieldOpenedAt:
		p.OpenedAt, err = ParseTime(s)
	case FieldClosedAt:
		var t time.Time
		if t, err = ParseTime(s); err == nil {
			p.ClosedAt = &t
		}
	default:
		return fmt.Errorf("unknown field %q", key)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func parseNull(s string) (decimal.NullDecimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

// ErrEmptyHistory is returned by Replay when there is nothing to fold.
var ErrEmptyHistory = errors.New("empty event history")

// Replay rebuilds a position from its events, which must be in event_id
// order. The first event must be OPENED and nothing may follow CLOSED.
func Replay(events []Event) (Position, error) {
	if len(events) == 0 {
		return Position{}, ErrEmptyHistory
	}
	if events[0].Type != EventOpened {
		return Position{}, fmt.Errorf("first event %d is %s, want %s", events[0].ID, events[0].Type, EventOpened)
	}

	var p Position
	for i, ev := range events {
		if i > 0 && ev.ID <= events[i-1].ID {
			return Position{}, fmt.Errorf("event %d out of order after %d", ev.ID, events[i-1].ID)
		}
		if p.Status == StatusClosed {
			return Position{}, fmt.Errorf("event %d (%s) follows %s", ev.ID, ev.Type, EventClosed)
		}
		if err := Apply(&p, ev); err != nil {
			return Position{}, err
		}
	}
	return p, nil
}

// Diff lists the fields in which a and b differ. Decimals and times are
// compared by value.
func Diff(a, b Position) []string {
	var out []string
	add := func(field string, equal bool) {
		if !equal {
			out = append(out, field)
		}
	}

	add(FieldPositionID, a.ID == b.ID)
	add(FieldSymbol, a.Symbol == b.Symbol)
	add(FieldSide, a.Side == b.Side)
	add(FieldEntryPrice, a.EntryPrice.Equal(b.EntryPrice))
	add(FieldAmount, a.Amount.Equal(b.Amount))
	add(FieldCurrentPrice, nullEqual(a.CurrentPrice, b.CurrentPrice))
	add(FieldStopPrice, nullEqual(a.StopPrice, b.StopPrice))
	add(FieldTakeProfitPrice, nullEqual(a.TakeProfitPrice, b.TakeProfitPrice))
	add(FieldTrailingStopPct, nullEqual(a.TrailingStopPct, b.TrailingStopPct))
	add(FieldOpenedAt, a.OpenedAt.Equal(b.OpenedAt))
	add(FieldClosedAt, timePtrEqual(a.ClosedAt, b.ClosedAt))
	add("updated_at", a.UpdatedAt.Equal(b.UpdatedAt))
	add(FieldStatus, a.Status == b.Status)
	add(FieldPnL, a.PnL.Equal(b.PnL))
	add(FieldPnLPct, a.PnLPct.Equal(b.PnLPct))
	add(FieldFees, a.Fees.Equal(b.Fees))
	add(FieldExitPrice, nullEqual(a.ExitPrice, b.ExitPrice))
	add(FieldCloseReason, a.CloseReason == b.CloseReason)
	add(FieldExchangeOrderID, a.ExchangeOrderID == b.ExchangeOrderID)
	add(FieldCreatedBy, a.CreatedBy == b.CreatedBy)
	add(FieldNotes, a.Notes == b.Notes)
	add(FieldMetadata, maps.Equal(a.Metadata, b.Metadata))
	return out
}

func nullEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
