package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/psm/internal/canonical"
	"github.com/roach88/psm/internal/position"
)

// InsertPosition inserts a new position row. A duplicate position_id is a
// validation error, not a storage failure.
func (tx *Tx) InsertPosition(ctx context.Context, p position.Position) error {
	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return &position.ValidationError{Field: "metadata", Message: err.Error()}
	}

	_, err = tx.q.ExecContext(ctx, `
		INSERT INTO positions
		(position_id, symbol, side, entry_price, amount, current_price, stop_price,
		 take_profit_price, trailing_stop_pct, opened_at, closed_at, status, pnl, pnl_pct,
		 fees, exchange_order_id, created_by, notes, metadata, exit_price, close_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID,
		p.Symbol,
		string(p.Side),
		p.EntryPrice.String(),
		p.Amount.String(),
		nullDecimalArg(p.CurrentPrice),
		nullDecimalArg(p.StopPrice),
		nullDecimalArg(p.TakeProfitPrice),
		nullDecimalArg(p.TrailingStopPct),
		position.FormatTime(p.OpenedAt),
		closedAtArg(p),
		string(p.Status),
		p.PnL.String(),
		p.PnLPct.String(),
		p.Fees.String(),
		nullStringArg(p.ExchangeOrderID),
		p.CreatedBy,
		p.Notes,
		metadata,
		nullDecimalArg(p.ExitPrice),
		nullStringArg(p.CloseReason),
		position.FormatTime(p.UpdatedAt),
	)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && (se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique) {
			return &position.ValidationError{Field: "position_id", Message: fmt.Sprintf("%q already exists", p.ID)}
		}
		return storageErr("insert position", err)
	}
	return nil
}

// SavePosition overwrites the mutable columns of an OPEN position. Rows that
// are already CLOSED are never touched; the closing write itself is the last
// one a position receives.
func (tx *Tx) SavePosition(ctx context.Context, p position.Position) error {
	res, err := tx.q.ExecContext(ctx, `
		UPDATE positions SET
			amount            = ?,
			current_price     = ?,
			stop_price        = ?,
			take_profit_price = ?,
			trailing_stop_pct = ?,
			closed_at         = ?,
			status            = ?,
			pnl               = ?,
			pnl_pct           = ?,
			fees              = ?,
			exit_price        = ?,
			close_reason      = ?,
			updated_at        = ?
		WHERE position_id = ? AND status = 'OPEN'
	`,
		p.Amount.String(),
		nullDecimalArg(p.CurrentPrice),
		nullDecimalArg(p.StopPrice),
		nullDecimalArg(p.TakeProfitPrice),
		nullDecimalArg(p.TrailingStopPct),
		closedAtArg(p),
		string(p.Status),
		p.PnL.String(),
		p.PnLPct.String(),
		p.Fees.String(),
		nullDecimalArg(p.ExitPrice),
		nullStringArg(p.CloseReason),
		position.FormatTime(p.UpdatedAt),
		p.ID,
	)
	if err != nil {
		return storageErr("save position", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("save position: rows affected", err)
	}
	if n == 0 {
		return &position.NotFoundError{PositionID: p.ID, Closed: true}
	}
	return nil
}

// AppendEvent appends one event and returns its store-assigned event_id.
// The event data is stored as canonical JSON together with its content hash.
func (tx *Tx) AppendEvent(ctx context.Context, ev position.Event) (int64, error) {
	data, hash, err := canonical.MarshalAndHash(canonical.DomainEvent, ev.Data)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}

	res, err := tx.q.ExecContext(ctx, `
		INSERT INTO position_events
		(position_id, event_type, event_data, data_hash, actor, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		ev.PositionID,
		string(ev.Type),
		string(data),
		hash,
		ev.Actor,
		position.FormatTime(ev.Timestamp),
	)
	if err != nil {
		return 0, storageErr("append event", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("append event: last insert id", err)
	}
	return id, nil
}

// InsertReconciliation records a finished reconciliation run.
func (tx *Tx) InsertReconciliation(ctx context.Context, r position.Reconciliation) error {
	actions, err := marshalActions(r.Actions)
	if err != nil {
		return fmt.Errorf("insert reconciliation: %w", err)
	}

	_, err = tx.q.ExecContext(ctx, `
		INSERT INTO reconciliations
		(reconciliation_id, timestamp, exchange_positions_count, local_positions_count,
		 discrepancies_count, actions_taken, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		position.FormatTime(r.Timestamp),
		r.ExchangePositionsCount,
		r.LocalPositionsCount,
		r.DiscrepanciesCount,
		actions,
		string(r.Status),
	)
	if err != nil {
		return storageErr("insert reconciliation", err)
	}
	return nil
}

// InsertHealthCheck records one self-diagnosis finding.
func (tx *Tx) InsertHealthCheck(ctx context.Context, hc position.HealthCheck) error {
	details, err := marshalDetails(hc.Details)
	if err != nil {
		return fmt.Errorf("insert health check: %w", err)
	}

	_, err = tx.q.ExecContext(ctx, `
		INSERT INTO health_checks
		(check_id, timestamp, check_type, status, details, auto_fixed)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		hc.ID,
		position.FormatTime(hc.Timestamp),
		string(hc.Type),
		string(hc.Status),
		details,
		hc.AutoFixed,
	)
	if err != nil {
		return storageErr("insert health check", err)
	}
	return nil
}
