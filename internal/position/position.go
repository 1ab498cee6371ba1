package position

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// ParseSide accepts LONG/SHORT in any case, plus the BUY/SELL aliases
// exchanges commonly report.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "BUY":
		return SideLong, nil
	case "SHORT", "SELL":
		return SideShort, nil
	}
	return "", &ValidationError{Field: "side", Message: fmt.Sprintf("must be LONG or SHORT, got %q", s)}
}

// Sign returns +1 for LONG and -1 for SHORT.
func (s Side) Sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Status is the lifecycle state of a position. OPEN moves to CLOSED, never back.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// EventType classifies an entry in the position event log.
type EventType string

const (
	EventOpened     EventType = "OPENED"
	EventUpdated    EventType = "UPDATED"
	EventClosed     EventType = "CLOSED"
	EventReconciled EventType = "RECONCILED"
)

// Well-known actors and close reasons.
const (
	ActorAPI       = "API"
	ActorReconcile = "RECONCILE"
	ActorDiagnosis = "SELF_DIAGNOSIS"

	ReasonReconcileGhost = "RECONCILE_GHOST"
)

// Position is the current-state projection of a position's event history.
//
// Nullable prices use decimal.NullDecimal. ExchangeOrderID is empty when the
// position has no exchange correlation key.
type Position struct {
	ID              string
	Symbol          string
	Side            Side
	EntryPrice      decimal.Decimal
	Amount          decimal.Decimal
	CurrentPrice    decimal.NullDecimal
	StopPrice       decimal.NullDecimal
	TakeProfitPrice decimal.NullDecimal
	TrailingStopPct decimal.NullDecimal
	OpenedAt        time.Time
	ClosedAt        *time.Time
	UpdatedAt       time.Time
	Status          Status
	PnL             decimal.Decimal
	PnLPct          decimal.Decimal
	Fees            decimal.Decimal
	ExitPrice       decimal.NullDecimal
	CloseReason     string
	ExchangeOrderID string
	CreatedBy       string
	Notes           string
	Metadata        map[string]string
}

// IsOpen reports whether the position still accepts mutations.
func (p Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// MarkPrice is the best known price: the current price if one was reported,
// otherwise the entry price.
func (p Position) MarkPrice() decimal.Decimal {
	if p.CurrentPrice.Valid {
		return p.CurrentPrice.Decimal
	}
	return p.EntryPrice
}

// Event is one append-only entry in the position event log.
type Event struct {
	ID         int64
	PositionID string
	Type       EventType
	Data       map[string]any
	DataHash   string
	Actor      string
	Timestamp  time.Time
}

// NormalizeSymbol trims, NFC-normalizes and upper-cases a trading symbol so
// that local and exchange spellings compare equal.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(norm.NFC.String(strings.TrimSpace(symbol)))
}

// NormalizeText NFC-normalizes a free-text value so that the stored row and
// the canonical event data hold the same bytes. Invalid UTF-8 is rejected.
func NormalizeText(field, s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", &ValidationError{Field: field, Message: "must be valid UTF-8"}
	}
	return norm.NFC.String(s), nil
}

// NormalizeMetadata applies NormalizeText to every key and value. Keys that
// collide after normalization are rejected.
func NormalizeMetadata(md map[string]string) (map[string]string, error) {
	if md == nil {
		return nil, nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		nk, err := NormalizeText(FieldMetadata, k)
		if err != nil {
			return nil, err
		}
		nv, err := NormalizeText(FieldMetadata+"."+nk, v)
		if err != nil {
			return nil, err
		}
		if _, dup := out[nk]; dup {
			return nil, &ValidationError{Field: FieldMetadata, Message: fmt.Sprintf("duplicate key %q after normalization", nk)}
		}
		out[nk] = nv
	}
	return out, nil
}
