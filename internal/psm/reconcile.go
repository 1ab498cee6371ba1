package psm

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/roach88/psm/internal/exchange"
	"github.com/roach88/psm/internal/position"
	"github.com/roach88/psm/internal/store"
)

// externalPosition is an exchange position after normalization.
type externalPosition struct {
	Symbol          string
	Side            position.Side
	Amount          decimal.Decimal
	ExchangeOrderID string
	Price           decimal.Decimal
}

// normalizeExternal canonicalizes symbols, sides, order ids and amounts.
// Flat (zero amount) entries are dropped; unusable entries become REJECTED
// actions.
func normalizeExternal(in []exchange.Position) ([]externalPosition, []position.ReconcileAction) {
	out := make([]externalPosition, 0, len(in))
	var rejected []position.ReconcileAction
	for _, e := range in {
		ext, err := parseExternal(e)
		if err != nil {
			rejected = append(rejected, position.ReconcileAction{
				Kind:   position.ActionRejected,
				Symbol: strings.ToValidUTF8(e.Symbol, "?"),
				Side:   position.Side(strings.ToValidUTF8(e.Side, "?")),
				Detail: "unusable exchange position",
				Error:  err.Error(),
			})
			continue
		}
		if ext.Amount.IsZero() {
			continue
		}
		out = append(out, ext)
	}
	return out, rejected
}

func parseExternal(e exchange.Position) (externalPosition, error) {
	symbol, err := position.NormalizeText(position.FieldSymbol, e.Symbol)
	if err != nil {
		return externalPosition{}, err
	}
	symbol = position.NormalizeSymbol(symbol)
	if symbol == "" {
		return externalPosition{}, &position.ValidationError{Field: position.FieldSymbol, Message: "must not be empty"}
	}
	side, err := position.ParseSide(e.Side)
	if err != nil {
		return externalPosition{}, err
	}
	orderID, err := position.NormalizeText(position.FieldExchangeOrderID, e.ExchangeOrderID)
	if err != nil {
		return externalPosition{}, err
	}
	return externalPosition{
		Symbol:          symbol,
		Side:            side,
		Amount:          e.Amount.Abs(),
		ExchangeOrderID: orderID,
		Price:           e.Price,
	}, nil
}

type matchedPair struct {
	local    position.Position
	external externalPosition
}

// partition matches external positions to local OPEN ones, first by
// exchange_order_id and then by symbol+side, and returns the matched pairs,
// the local-only ghosts and the external-only phantoms.
func partition(local []position.Position, external []externalPosition) (pairs []matchedPair, ghosts []position.Position, phantoms []externalPosition) {
	matched := make([]bool, len(local))
	byOrder := make(map[string]int)
	for i, p := range local {
		if p.ExchangeOrderID == "" {
			continue
		}
		if _, dup := byOrder[p.ExchangeOrderID]; !dup {
			byOrder[p.ExchangeOrderID] = i
		}
	}

	var rest []externalPosition
	for _, e := range external {
		if e.ExchangeOrderID != "" {
			if i, ok := byOrder[e.ExchangeOrderID]; ok && !matched[i] {
				matched[i] = true
				pairs = append(pairs, matchedPair{local: local[i], external: e})
				continue
			}
		}
		rest = append(rest, e)
	}

	for _, e := range rest {
		found := -1
		for i, p := range local {
			if !matched[i] && p.Symbol == e.Symbol && p.Side == e.Side {
				found = i
				break
			}
		}
		if found < 0 {
			phantoms = append(phantoms, e)
			continue
		}
		matched[found] = true
		pairs = append(pairs, matchedPair{local: local[found], external: e})
	}

	for i, p := range local {
		if !matched[i] {
			ghosts = append(ghosts, p)
		}
	}
	return pairs, ghosts, phantoms
}

// Reconcile fetches the adapter's open positions and reconciles against
// them. A failed fetch is recorded as a FAILED run.
func (m *Manager) Reconcile(ctx context.Context, adapter exchange.Adapter) (position.Reconciliation, error) {
	external, err := adapter.GetOpenPositions(ctx)
	if err != nil {
		m.reconcileMu.Lock()
		defer m.reconcileMu.Unlock()
		rec := m.newReconciliation()
		rec.Status = position.ReconcileFailed
		m.recordReconciliation(ctx, rec)
		return rec, fmt.Errorf("reconcile: fetch exchange positions: %w", err)
	}
	return m.ReconcileWithExchange(ctx, external)
}

// ReconcileWithExchange converges local OPEN positions with external:
// ghosts are closed at their last known price, phantoms are opened at the
// external price, and matched positions whose amount drifted beyond the
// tolerance are corrected. Every correction goes through the ordinary
// position API. One Reconciliation record is written per run.
//
// Runs are serialized. A correction that fails does not stop the run; the
// run is then recorded as PARTIAL. Failing to read local state records a
// FAILED run and returns the error.
func (m *Manager) ReconcileWithExchange(ctx context.Context, external []exchange.Position) (position.Reconciliation, error) {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	rec := m.newReconciliation()

	local, err := m.GetOpenPositions(ctx, "")
	if err != nil {
		rec.Status = position.ReconcileFailed
		m.recordReconciliation(ctx, rec)
		return rec, fmt.Errorf("reconcile: %w", err)
	}
	rec.LocalPositionsCount = len(local)

	// Only usable, non-flat entries count as exchange positions.
	normalized, rejected := normalizeExternal(external)
	rec.ExchangePositionsCount = len(normalized)
	rec.Actions = append(rec.Actions, rejected...)
	for _, a := range rejected {
		m.logger.Warn("reconcile: exchange position rejected", "symbol", a.Symbol, "side", a.Side, "error", a.Error)
	}

	pairs, ghosts, phantoms := partition(local, normalized)

	for _, g := range ghosts {
		rec.Actions = append(rec.Actions, m.closeGhost(ctx, g))
	}
	for _, ph := range phantoms {
		rec.Actions = append(rec.Actions, m.openPhantom(ctx, ph))
	}
	for _, pair := range pairs {
		drift := position.DriftPct(pair.local.Amount, pair.external.Amount)
		if drift.LessThanOrEqual(m.opts.TolerancePct) {
			continue
		}
		rec.Actions = append(rec.Actions, m.adjustAmount(ctx, pair, drift))
	}

	rec.Status = position.ReconcileSuccess
	for _, a := range rec.Actions {
		if a.Discrepancy() {
			rec.DiscrepanciesCount++
		}
		if a.Failed() {
			rec.Status = position.ReconcilePartial
		}
	}

	if err := m.recordReconciliation(ctx, rec); err != nil {
		return rec, fmt.Errorf("reconcile: %w", err)
	}

	m.logger.Info("reconciliation finished",
		"reconciliation_id", rec.ID,
		"status", rec.Status,
		"exchange_positions", rec.ExchangePositionsCount,
		"local_positions", rec.LocalPositionsCount,
		"discrepancies", rec.DiscrepanciesCount,
	)
	return rec, nil
}

func (m *Manager) newReconciliation() position.Reconciliation {
	return position.Reconciliation{
		ID:        m.ids.NewID(),
		Timestamp: m.now(),
		Actions:   []position.ReconcileAction{},
	}
}

func (m *Manager) closeGhost(ctx context.Context, p position.Position) position.ReconcileAction {
	action := position.ReconcileAction{
		Kind:       position.ActionCloseGhost,
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Detail:     "closed at " + p.MarkPrice().String(),
	}
	err := Retry(ctx, m.opts.Backoff, func() error {
		_, err := m.close(ctx, p.ID, p.MarkPrice(), position.ReasonReconcileGhost, position.ActorReconcile)
		return err
	})
	if err != nil {
		action.Error = err.Error()
		m.logger.Warn("reconcile: close ghost failed", "position_id", p.ID, "error", err)
	}
	return action
}

func (m *Manager) openPhantom(ctx context.Context, e externalPosition) position.ReconcileAction {
	action := position.ReconcileAction{
		Kind:   position.ActionOpenPhantom,
		Symbol: e.Symbol,
		Side:   e.Side,
		Detail: fmt.Sprintf("opened %s at %s", e.Amount, e.Price),
	}
	id := m.ids.NewID()
	err := Retry(ctx, m.opts.Backoff, func() error {
		_, err := m.OpenPosition(ctx, OpenRequest{
			ID:              id,
			Symbol:          e.Symbol,
			Side:            e.Side,
			EntryPrice:      e.Price,
			Amount:          e.Amount,
			ExchangeOrderID: e.ExchangeOrderID,
			CreatedBy:       position.ActorReconcile,
		})
		return err
	})
	if err != nil {
		action.Error = err.Error()
		m.logger.Warn("reconcile: open phantom failed", "symbol", e.Symbol, "side", e.Side, "error", err)
		return action
	}
	action.PositionID = id
	return action
}

func (m *Manager) adjustAmount(ctx context.Context, pair matchedPair, drift decimal.Decimal) position.ReconcileAction {
	action := position.ReconcileAction{
		Kind:       position.ActionAdjustAmount,
		PositionID: pair.local.ID,
		Symbol:     pair.local.Symbol,
		Side:       pair.local.Side,
		Detail: fmt.Sprintf("amount %s -> %s (drift %s%%)",
			pair.local.Amount, pair.external.Amount, drift.StringFixed(4)),
	}
	err := Retry(ctx, m.opts.Backoff, func() error {
		_, err := m.update(ctx, pair.local.ID, UpdateRequest{
			Amount: decimal.NewNullDecimal(pair.external.Amount),
			Actor:  position.ActorReconcile,
		}, position.EventReconciled)
		return err
	})
	if err != nil {
		action.Error = err.Error()
		m.logger.Warn("reconcile: adjust amount failed", "position_id", pair.local.ID, "error", err)
	}
	return action
}

// recordReconciliation persists rec, retrying on contention. Failures are
// logged and returned.
func (m *Manager) recordReconciliation(ctx context.Context, rec position.Reconciliation) error {
	err := Retry(ctx, m.opts.Backoff, func() error {
		return m.store.Write(ctx, func(ctx context.Context, tx *store.Tx) error {
			return tx.InsertReconciliation(ctx, rec)
		})
	})
	if err != nil {
		m.logger.Error("reconcile: record run failed", "reconciliation_id", rec.ID, "error", err)
		return fmt.Errorf("record reconciliation: %w", err)
	}
	return nil
}
