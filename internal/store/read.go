package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/psm/internal/position"
)

const positionColumns = `position_id, symbol, side, entry_price, amount, current_price, stop_price,
	take_profit_price, trailing_stop_pct, opened_at, closed_at, status, pnl, pnl_pct, fees,
	exchange_order_id, created_by, notes, metadata, exit_price, close_reason, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (position.Position, error) {
	var (
		p                                   position.Position
		side, status                        string
		entry, amount, pnl, pnlPct, fees    string
		current, stop, takeProfit, trailing sql.NullString
		exitPrice, closeReason, orderID     sql.NullString
		openedAt, updatedAt, metadata       string
		closedAt                            sql.NullString
	)

	if err := row.Scan(
		&p.ID, &p.Symbol, &side, &entry, &amount, &current, &stop,
		&takeProfit, &trailing, &openedAt, &closedAt, &status, &pnl, &pnlPct, &fees,
		&orderID, &p.CreatedBy, &p.Notes, &metadata, &exitPrice, &closeReason, &updatedAt,
	); err != nil {
		return position.Position{}, err
	}

	p.Side = position.Side(side)
	p.Status = position.Status(status)
	p.ExchangeOrderID = orderID.String
	p.CloseReason = closeReason.String

	var err error
	if p.EntryPrice, err = parseDecimal("entry_price", entry); err != nil {
		return position.Position{}, err
	}
	if p.Amount, err = parseDecimal("amount", amount); err != nil {
		return position.Position{}, err
	}
	if p.PnL, err = parseDecimal("pnl", pnl); err != nil {
		return position.Position{}, err
	}
	if p.PnLPct, err = parseDecimal("pnl_pct", pnlPct); err != nil {
		return position.Position{}, err
	}
	if p.Fees, err = parseDecimal("fees", fees); err != nil {
		return position.Position{}, err
	}
	if p.CurrentPrice, err = parseNullDecimal("current_price", current); err != nil {
		return position.Position{}, err
	}
	if p.StopPrice, err = parseNullDecimal("stop_price", stop); err != nil {
		return position.Position{}, err
	}
	if p.TakeProfitPrice, err = parseNullDecimal("take_profit_price", takeProfit); err != nil {
		return position.Position{}, err
	}
	if p.TrailingStopPct, err = parseNullDecimal("trailing_stop_pct", trailing); err != nil {
		return position.Position{}, err
	}
	if p.ExitPrice, err = parseNullDecimal("exit_price", exitPrice); err != nil {
		return position.Position{}, err
	}
	if p.OpenedAt, err = position.ParseTime(openedAt); err != nil {
		return position.Position{}, err
	}
	if updatedAt != "" {
		if p.UpdatedAt, err = position.ParseTime(updatedAt); err != nil {
			return position.Position{}, err
		}
	}
	if closedAt.Valid {
		t, err := position.ParseTime(closedAt.String)
		if err != nil {
			return position.Position{}, err
		}
		p.ClosedAt = &t
	}
	if p.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return position.Position{}, err
	}
	return p, nil
}

// GetPosition returns one position by id, or *position.NotFoundError.
func (tx *ReadTx) GetPosition(ctx context.Context, id string) (position.Position, error) {
	row := tx.q.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE position_id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return position.Position{}, &position.NotFoundError{PositionID: id}
	}
	if err != nil {
		return position.Position{}, storageErr("get position", err)
	}
	return p, nil
}

// PositionExists reports whether a row with the id exists, open or closed.
func (tx *ReadTx) PositionExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := tx.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM positions WHERE position_id = ?`, id).Scan(&n)
	if err != nil {
		return false, storageErr("position exists", err)
	}
	return n > 0, nil
}

// PositionFilter narrows ListPositions. Zero values match everything.
type PositionFilter struct {
	Symbol string
	Status position.Status
	Limit  int
}

// ListPositions returns positions ordered by opened_at then id. Returns an
// empty slice (not nil) when nothing matches.
func (tx *ReadTx) ListPositions(ctx context.Context, f PositionFilter) ([]position.Position, error) {
	var (
		where []string
		args  []any
	)
	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT ` + positionColumns + ` FROM positions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY rowid ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list positions", err)
	}
	defer rows.Close()

	positions := []position.Position{}
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, storageErr("scan position", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate positions", err)
	}
	return positions, nil
}

// ListOpenPositions returns OPEN positions, optionally for one symbol.
func (tx *ReadTx) ListOpenPositions(ctx context.Context, symbol string) ([]position.Position, error) {
	return tx.ListPositions(ctx, PositionFilter{Symbol: symbol, Status: position.StatusOpen})
}

// ListOpenWithoutStop returns OPEN positions whose stop_price is NULL.
func (tx *ReadTx) ListOpenWithoutStop(ctx context.Context) ([]position.Position, error) {
	rows, err := tx.q.QueryContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE status = 'OPEN' AND stop_price IS NULL
		ORDER BY rowid ASC
	`)
	if err != nil {
		return nil, storageErr("list open without stop", err)
	}
	defer rows.Close()

	positions := []position.Position{}
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, storageErr("scan position", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate positions", err)
	}
	return positions, nil
}

// ListEvents returns a position's events in event_id order. Returns an
// empty slice (not nil) when there are none.
func (tx *ReadTx) ListEvents(ctx context.Context, positionID string) ([]position.Event, error) {
	rows, err := tx.q.QueryContext(ctx, `
		SELECT event_id, position_id, event_type, event_data, data_hash, actor, timestamp
		FROM position_events
		WHERE position_id = ?
		ORDER BY event_id ASC
	`, positionID)
	if err != nil {
		return nil, storageErr("list events", err)
	}
	defer rows.Close()

	events := []position.Event{}
	for rows.Next() {
		var (
			ev            position.Event
			typ, data, ts string
		)
		if err := rows.Scan(&ev.ID, &ev.PositionID, &typ, &data, &ev.DataHash, &ev.Actor, &ts); err != nil {
			return nil, storageErr("scan event", err)
		}
		ev.Type = position.EventType(typ)
		if ev.Data, err = unmarshalEventData(data); err != nil {
			return nil, storageErr("decode event", err)
		}
		if ev.Timestamp, err = position.ParseTime(ts); err != nil {
			return nil, storageErr("decode event", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate events", err)
	}
	return events, nil
}

// Orphan summarizes events whose position row does not exist.
type Orphan struct {
	PositionID string
	Events     int
}

// ListOrphanedEvents groups events that reference a missing position.
func (tx *ReadTx) ListOrphanedEvents(ctx context.Context) ([]Orphan, error) {
	rows, err := tx.q.QueryContext(ctx, `
		SELECT e.position_id, COUNT(*)
		FROM position_events e
		LEFT JOIN positions p ON p.position_id = e.position_id
		WHERE p.position_id IS NULL
		GROUP BY e.position_id
		ORDER BY e.position_id
	`)
	if err != nil {
		return nil, storageErr("list orphaned events", err)
	}
	defer rows.Close()

	orphans := []Orphan{}
	for rows.Next() {
		var o Orphan
		if err := rows.Scan(&o.PositionID, &o.Events); err != nil {
			return nil, storageErr("scan orphan", err)
		}
		orphans = append(orphans, o)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate orphans", err)
	}
	return orphans, nil
}

// SamplePositionIDs returns up to n random position ids.
func (tx *ReadTx) SamplePositionIDs(ctx context.Context, n int) ([]string, error) {
	rows, err := tx.q.QueryContext(ctx, `SELECT position_id FROM positions ORDER BY RANDOM() LIMIT ?`, n)
	if err != nil {
		return nil, storageErr("sample positions", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan position id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate position ids", err)
	}
	return ids, nil
}

// CountEvents returns the number of events, optionally of one type.
func (tx *ReadTx) CountEvents(ctx context.Context, typ position.EventType) (int64, error) {
	query := `SELECT COUNT(*) FROM position_events`
	var args []any
	if typ != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(typ))
	}
	var n int64
	if err := tx.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, storageErr("count events", err)
	}
	return n, nil
}

const reconciliationColumns = `reconciliation_id, timestamp, exchange_positions_count,
	local_positions_count, discrepancies_count, actions_taken, status`

func scanReconciliation(row rowScanner) (position.Reconciliation, error) {
	var (
		r                 position.Reconciliation
		ts, actions, stat string
	)
	if err := row.Scan(&r.ID, &ts, &r.ExchangePositionsCount, &r.LocalPositionsCount,
		&r.DiscrepanciesCount, &actions, &stat); err != nil {
		return position.Reconciliation{}, err
	}
	var err error
	if r.Timestamp, err = position.ParseTime(ts); err != nil {
		return position.Reconciliation{}, err
	}
	if r.Actions, err = unmarshalActions(actions); err != nil {
		return position.Reconciliation{}, err
	}
	r.Status = position.ReconciliationStatus(stat)
	return r, nil
}

// ListReconciliations returns the most recent runs first.
func (tx *ReadTx) ListReconciliations(ctx context.Context, limit int) ([]position.Reconciliation, error) {
	rows, err := tx.q.QueryContext(ctx, `
		SELECT `+reconciliationColumns+` FROM reconciliations
		ORDER BY rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, storageErr("list reconciliations", err)
	}
	defer rows.Close()

	out := []position.Reconciliation{}
	for rows.Next() {
		r, err := scanReconciliation(rows)
		if err != nil {
			return nil, storageErr("scan reconciliation", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate reconciliations", err)
	}
	return out, nil
}

// CountReconciliations returns the number of recorded runs.
func (tx *ReadTx) CountReconciliations(ctx context.Context) (int64, error) {
	var n int64
	if err := tx.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM reconciliations`).Scan(&n); err != nil {
		return 0, storageErr("count reconciliations", err)
	}
	return n, nil
}

const healthCheckColumns = `check_id, timestamp, check_type, status, details, auto_fixed`

func scanHealthCheck(row rowScanner) (position.HealthCheck, error) {
	var (
		hc                     position.HealthCheck
		ts, typ, stat, details string
	)
	if err := row.Scan(&hc.ID, &ts, &typ, &stat, &details, &hc.AutoFixed); err != nil {
		return position.HealthCheck{}, err
	}
	var err error
	if hc.Timestamp, err = position.ParseTime(ts); err != nil {
		return position.HealthCheck{}, err
	}
	if hc.Details, err = unmarshalDetails(details); err != nil {
		return position.HealthCheck{}, err
	}
	hc.Type = position.CheckType(typ)
	hc.Status = position.CheckStatus(stat)
	return hc, nil
}

// ListHealthChecks returns the most recent checks first.
func (tx *ReadTx) ListHealthChecks(ctx context.Context, limit int) ([]position.HealthCheck, error) {
	return tx.queryHealthChecks(ctx, `
		SELECT `+healthCheckColumns+` FROM health_checks
		ORDER BY rowid DESC LIMIT ?
	`, limit)
}

// LatestHealthChecks returns the newest check of each type.
func (tx *ReadTx) LatestHealthChecks(ctx context.Context) ([]position.HealthCheck, error) {
	return tx.queryHealthChecks(ctx, `
		SELECT `+healthCheckColumns+` FROM health_checks
		WHERE rowid IN (SELECT MAX(rowid) FROM health_checks GROUP BY check_type)
		ORDER BY check_type
	`)
}

func (tx *ReadTx) queryHealthChecks(ctx context.Context, query string, args ...any) ([]position.HealthCheck, error) {
	rows, err := tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list health checks", err)
	}
	defer rows.Close()

	out := []position.HealthCheck{}
	for rows.Next() {
		hc, err := scanHealthCheck(rows)
		if err != nil {
			return nil, storageErr("scan health check", err)
		}
		out = append(out, hc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate health checks", err)
	}
	return out, nil
}
