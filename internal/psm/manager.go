package psm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/psm/internal/position"
	"github.com/roach88/psm/internal/store"
)

// Default tuning values.
const (
	DefaultStuckThreshold      = 7 * 24 * time.Hour
	DefaultIntegritySampleSize = 50
)

// DefaultTolerancePct is the amount drift (percent) reconciliation accepts
// before correcting a matched position.
var DefaultTolerancePct = decimal.RequireFromString("0.1")

// Options tunes reconciliation and self-diagnosis.
type Options struct {
	// StuckThreshold is the age after which an OPEN position is flagged.
	StuckThreshold time.Duration

	// TolerancePct is the reconciliation amount drift tolerance in percent.
	TolerancePct decimal.Decimal

	// AutoFix lets self-diagnosis set missing stops. It needs
	// DefaultStopPct > 0 to have any effect.
	AutoFix        bool
	DefaultStopPct decimal.Decimal

	IntegritySampleSize int

	// Backoff bounds retries of corrective writes on BusyError.
	Backoff Backoff
}

func (o Options) withDefaults() Options {
	if o.StuckThreshold <= 0 {
		o.StuckThreshold = DefaultStuckThreshold
	}
	if o.TolerancePct.IsZero() {
		o.TolerancePct = DefaultTolerancePct
	}
	if o.IntegritySampleSize <= 0 {
		o.IntegritySampleSize = DefaultIntegritySampleSize
	}
	if o.Backoff.Attempts <= 0 {
		o.Backoff = DefaultBackoff
	}
	return o
}

// Option configures collaborators of a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock. Used by tests.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithIDGenerator replaces the UUID generator. Used by tests.
func WithIDGenerator(g IDGenerator) Option {
	return func(m *Manager) { m.ids = g }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager is the single entry point for position state.
//
// Every mutating call runs exactly one store write transaction spanning the
// position row and its event. Reconciliation and self-diagnosis make their
// corrections through the same calls.
//
// Thread-safety: safe for concurrent use by many goroutines.
type Manager struct {
	store  *store.Store
	opts   Options
	clock  Clock
	ids    IDGenerator
	logger *slog.Logger

	// reconcileMu serializes reconciliation runs.
	reconcileMu sync.Mutex
}

// New creates a Manager over an open store.
func New(s *store.Store, opts Options, options ...Option) *Manager {
	m := &Manager{
		store:  s,
		opts:   opts.withDefaults(),
		clock:  systemClock{},
		ids:    UUIDGenerator{},
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Store returns the underlying store.
func (m *Manager) Store() *store.Store {
	return m.store
}

func (m *Manager) now() time.Time {
	return m.clock.Now().UTC()
}

// OpenRequest describes a new position.
type OpenRequest struct {
	// ID is generated when empty.
	ID              string
	Symbol          string
	Side            position.Side
	EntryPrice      decimal.Decimal
	Amount          decimal.Decimal
	StopPrice       decimal.NullDecimal
	TakeProfitPrice decimal.NullDecimal
	TrailingStopPct decimal.NullDecimal
	Fees            decimal.Decimal
	ExchangeOrderID string
	// CreatedBy defaults to position.ActorAPI and is also the event actor.
	CreatedBy string
	Notes     string
	Metadata  map[string]string
}

func (r OpenRequest) validate() (position.Position, error) {
	side, err := position.ParseSide(string(r.Side))
	if err != nil {
		return position.Position{}, err
	}
	symbol, err := position.NormalizeText(position.FieldSymbol, r.Symbol)
	if err != nil {
		return position.Position{}, err
	}
	symbol = position.NormalizeSymbol(symbol)
	if symbol == "" {
		return position.Position{}, &position.ValidationError{Field: "symbol", Message: "must not be empty"}
	}
	if !r.EntryPrice.IsPositive() {
		return position.Position{}, &position.ValidationError{Field: "entry_price", Message: "must be positive"}
	}
	if !r.Amount.IsPositive() {
		return position.Position{}, &position.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if r.Fees.IsNegative() {
		return position.Position{}, &position.ValidationError{Field: "fees", Message: "must not be negative"}
	}
	for _, f := range []struct {
		field string
		v     decimal.NullDecimal
	}{
		{position.FieldStopPrice, r.StopPrice},
		{position.FieldTakeProfitPrice, r.TakeProfitPrice},
		{position.FieldTrailingStopPct, r.TrailingStopPct},
	} {
		if f.v.Valid && f.v.Decimal.IsNegative() {
			return position.Position{}, &position.ValidationError{Field: f.field, Message: "must not be negative"}
		}
	}

	createdBy := r.CreatedBy
	if createdBy == "" {
		createdBy = position.ActorAPI
	}

	text := []struct {
		field string
		dst   *string
	}{
		{position.FieldPositionID, &r.ID},
		{position.FieldExchangeOrderID, &r.ExchangeOrderID},
		{position.FieldCreatedBy, &createdBy},
		{position.FieldNotes, &r.Notes},
	}
	for _, f := range text {
		if *f.dst, err = position.NormalizeText(f.field, *f.dst); err != nil {
			return position.Position{}, err
		}
	}
	metadata, err := position.NormalizeMetadata(r.Metadata)
	if err != nil {
		return position.Position{}, err
	}

	return position.Position{
		ID:              r.ID,
		Symbol:          symbol,
		Side:            side,
		EntryPrice:      r.EntryPrice,
		Amount:          r.Amount,
		StopPrice:       r.StopPrice,
		TakeProfitPrice: r.TakeProfitPrice,
		TrailingStopPct: r.TrailingStopPct,
		Status:          position.StatusOpen,
		Fees:            r.Fees,
		ExchangeOrderID: r.ExchangeOrderID,
		CreatedBy:       createdBy,
		Notes:           r.Notes,
		Metadata:        metadata,
	}, nil
}

// OpenPosition validates req and records a new OPEN position together with
// its OPENED event. It returns the position id.
func (m *Manager) OpenPosition(ctx context.Context, req OpenRequest) (string, error) {
	p, err := req.validate()
	if err != nil {
		return "", err
	}
	if p.ID == "" {
		p.ID = m.ids.NewID()
	}

	now := m.now()
	p.OpenedAt = now
	p.UpdatedAt = now

	err = m.store.Write(ctx, func(ctx context.Context, tx *store.Tx) error {
		if err := tx.InsertPosition(ctx, p); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, position.Event{
			PositionID: p.ID,
			Type:       position.EventOpened,
			Data:       position.Snapshot(p),
			Actor:      p.CreatedBy,
			Timestamp:  now,
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("open position: %w", err)
	}

	m.logger.Info("position opened",
		"position_id", p.ID,
		"symbol", p.Symbol,
		"side", p.Side,
		"amount", p.Amount.String(),
		"created_by", p.CreatedBy,
	)
	return p.ID, nil
}

// UpdateRequest carries the fields to change. Only Valid fields are applied.
type UpdateRequest struct {
	CurrentPrice    decimal.NullDecimal
	StopPrice       decimal.NullDecimal
	TakeProfitPrice decimal.NullDecimal
	TrailingStopPct decimal.NullDecimal
	Amount          decimal.NullDecimal
	// Actor defaults to position.ActorAPI.
	Actor string
}

func (r UpdateRequest) validate() error {
	if r.CurrentPrice.Valid && !r.CurrentPrice.Decimal.IsPositive() {
		return &position.ValidationError{Field: position.FieldCurrentPrice, Message: "must be positive"}
	}
	if r.Amount.Valid && !r.Amount.Decimal.IsPositive() {
		return &position.ValidationError{Field: position.FieldAmount, Message: "must be positive"}
	}
	for _, f := range []struct {
		field string
		v     decimal.NullDecimal
	}{
		{position.FieldStopPrice, r.StopPrice},
		{position.FieldTakeProfitPrice, r.TakeProfitPrice},
		{position.FieldTrailingStopPct, r.TrailingStopPct},
	} {
		if f.v.Valid && f.v.Decimal.IsNegative() {
			return &position.ValidationError{Field: f.field, Message: "must not be negative"}
		}
	}
	return nil
}

// UpdatePosition applies req to an OPEN position and records an UPDATED
// event holding only the changed fields. Unrealized PnL is recomputed when
// the current price or amount changes. It reports whether anything changed;
// when nothing did, no event is written.
func (m *Manager) UpdatePosition(ctx context.Context, id string, req UpdateRequest) (bool, error) {
	changed, err := m.update(ctx, id, req, position.EventUpdated)
	if err != nil {
		return false, fmt.Errorf("update position: %w", err)
	}
	return changed, nil
}

func (m *Manager) update(ctx context.Context, id string, req UpdateRequest, typ position.EventType) (bool, error) {
	if err := req.validate(); err != nil {
		return false, err
	}
	actor := req.Actor
	if actor == "" {
		actor = position.ActorAPI
	}

	var changed bool
	err := m.store.Write(ctx, func(ctx context.Context, tx *store.Tx) error {
		p, err := tx.GetPosition(ctx, id)
		if err != nil {
			return err
		}
		if !p.IsOpen() {
			return &position.NotFoundError{PositionID: id, Closed: true}
		}

		next := p
		data := map[string]any{}
		setNull := func(field string, dst *decimal.NullDecimal, v decimal.NullDecimal) {
			if !v.Valid || (dst.Valid && dst.Decimal.Equal(v.Decimal)) {
				return
			}
			*dst = v
			data[field] = v.Decimal.String()
		}
		setNull(position.FieldCurrentPrice, &next.CurrentPrice, req.CurrentPrice)
		setNull(position.FieldStopPrice, &next.StopPrice, req.StopPrice)
		setNull(position.FieldTakeProfitPrice, &next.TakeProfitPrice, req.TakeProfitPrice)
		setNull(position.FieldTrailingStopPct, &next.TrailingStopPct, req.TrailingStopPct)
		if req.Amount.Valid && !next.Amount.Equal(req.Amount.Decimal) {
			next.Amount = req.Amount.Decimal
			data[position.FieldAmount] = next.Amount.String()
		}
		if len(data) == 0 {
			return nil
		}

		_, priceChanged := data[position.FieldCurrentPrice]
		_, amountChanged := data[position.FieldAmount]
		if (priceChanged || amountChanged) && next.CurrentPrice.Valid {
			pnl, pct := position.UnrealizedPnL(next.Side, next.EntryPrice, next.CurrentPrice.Decimal, next.Amount)
			if !pnl.Equal(p.PnL) {
				next.PnL = pnl
				data[position.FieldPnL] = pnl.String()
			}
			if !pct.Equal(p.PnLPct) {
				next.PnLPct = pct
				data[position.FieldPnLPct] = pct.String()
			}
		}

		now := m.now()
		next.UpdatedAt = now
		if err := tx.SavePosition(ctx, next); err != nil {
			return err
		}
		if _, err := tx.AppendEvent(ctx, position.Event{
			PositionID: id,
			Type:       typ,
			Data:       data,
			Actor:      actor,
			Timestamp:  now,
		}); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if changed {
		m.logger.Debug("position updated", "position_id", id, "event_type", typ, "actor", actor)
	}
	return changed, nil
}

// ClosePosition closes an OPEN position at exitPrice, records the final net
// PnL and a terminal CLOSED event, and returns the closed position.
func (m *Manager) ClosePosition(ctx context.Context, id string, exitPrice decimal.Decimal, reason string) (position.Position, error) {
	p, err := m.close(ctx, id, exitPrice, reason, position.ActorAPI)
	if err != nil {
		return position.Position{}, fmt.Errorf("close position: %w", err)
	}
	return p, nil
}

func (m *Manager) close(ctx context.Context, id string, exitPrice decimal.Decimal, reason, actor string) (position.Position, error) {
	if !exitPrice.IsPositive() {
		return position.Position{}, &position.ValidationError{Field: position.FieldExitPrice, Message: "must be positive"}
	}
	reason, err := position.NormalizeText(position.FieldCloseReason, reason)
	if err != nil {
		return position.Position{}, err
	}

	var closed position.Position
	err = m.store.Write(ctx, func(ctx context.Context, tx *store.Tx) error {
		p, err := tx.GetPosition(ctx, id)
		if err != nil {
			return err
		}
		if !p.IsOpen() {
			return &position.NotFoundError{PositionID: id, Closed: true}
		}

		now := m.now()
		p.Status = position.StatusClosed
		p.ClosedAt = &now
		p.UpdatedAt = now
		p.CurrentPrice = decimal.NewNullDecimal(exitPrice)
		p.ExitPrice = decimal.NewNullDecimal(exitPrice)
		p.CloseReason = reason
		p.PnL, p.PnLPct = position.RealizedPnL(p.Side, p.EntryPrice, exitPrice, p.Amount, p.Fees)

		data := map[string]any{
			position.FieldStatus:       string(p.Status),
			position.FieldClosedAt:     position.FormatTime(now),
			position.FieldCurrentPrice: exitPrice.String(),
			position.FieldExitPrice:    exitPrice.String(),
			position.FieldPnL:          p.PnL.String(),
			position.FieldPnLPct:       p.PnLPct.String(),
		}
		if reason != "" {
			data[position.FieldCloseReason] = reason
		}

		if err := tx.SavePosition(ctx, p); err != nil {
			return err
		}
		if _, err := tx.AppendEvent(ctx, position.Event{
			PositionID: id,
			Type:       position.EventClosed,
			Data:       data,
			Actor:      actor,
			Timestamp:  now,
		}); err != nil {
			return err
		}
		closed = p
		return nil
	})
	if err != nil {
		return position.Position{}, err
	}

	m.logger.Info("position closed",
		"position_id", id,
		"symbol", closed.Symbol,
		"reason", reason,
		"pnl", closed.PnL.String(),
		"actor", actor,
	)
	return closed, nil
}

// GetPosition returns one position, open or closed.
func (m *Manager) GetPosition(ctx context.Context, id string) (position.Position, error) {
	var p position.Position
	err := m.store.Read(ctx, func(ctx context.Context, tx *store.ReadTx) error {
		var err error
		p, err = tx.GetPosition(ctx, id)
		return err
	})
	if err != nil {
		return position.Position{}, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// GetOpenPositions returns OPEN positions, all of them when symbol is empty.
// Returns an empty slice (not nil) when there are none.
func (m *Manager) GetOpenPositions(ctx context.Context, symbol string) ([]position.Position, error) {
	if symbol != "" {
		symbol = position.NormalizeSymbol(symbol)
	}
	var positions []position.Position
	err := m.store.Read(ctx, func(ctx context.Context, tx *store.ReadTx) error {
		var err error
		positions, err = tx.ListOpenPositions(ctx, symbol)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get open positions: %w", err)
	}
	return positions, nil
}

// ListPositions returns positions matching f, open and closed.
func (m *Manager) ListPositions(ctx context.Context, f store.PositionFilter) ([]position.Position, error) {
	if f.Symbol != "" {
		f.Symbol = position.NormalizeSymbol(f.Symbol)
	}
	var positions []position.Position
	err := m.store.Read(ctx, func(ctx context.Context, tx *store.ReadTx) error {
		var err error
		positions, err = tx.ListPositions(ctx, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	return positions, nil
}

// GetPositionHistory returns a position's events in event_id order. An
// unknown id is a NotFoundError; a known id without events yields an empty
// slice.
func (m *Manager) GetPositionHistory(ctx context.Context, id string) ([]position.Event, error) {
	var events []position.Event
	err := m.store.Read(ctx, func(ctx context.Context, tx *store.ReadTx) error {
		exists, err := tx.PositionExists(ctx, id)
		if err != nil {
			return err
		}
		if !exists {
			return &position.NotFoundError{PositionID: id}
		}
		events, err = tx.ListEvents(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get position history: %w", err)
	}
	return events, nil
}

// ReplayPosition rebuilds a position purely from its event history.
func (m *Manager) ReplayPosition(ctx context.Context, id string) (position.Position, error) {
	events, err := m.GetPositionHistory(ctx, id)
	if err != nil {
		return position.Position{}, err
	}
	p, err := position.Replay(events)
	if err != nil {
		return position.Position{}, fmt.Errorf("replay position %s: %w", id, err)
	}
	return p, nil
}
