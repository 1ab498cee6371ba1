package psm

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/roach88/psm/internal/position"
	"github.com/roach88/psm/internal/store"
)

// Statistics is a point-in-time summary of the store.
type Statistics struct {
	OpenPositions      int                      `json:"open_positions"`
	ClosedPositions    int                      `json:"closed_positions"`
	OpenBySymbol       map[string]int           `json:"open_by_symbol"`
	RealizedPnL        decimal.Decimal          `json:"realized_pnl"`
	UnrealizedPnL      decimal.Decimal          `json:"unrealized_pnl"`
	TotalFees          decimal.Decimal          `json:"total_fees"`
	Wins               int                      `json:"wins"`
	Losses             int                      `json:"losses"`
	TotalEvents        int64                    `json:"total_events"`
	Reconciliations    int64                    `json:"reconciliations"`
	LastReconciliation *position.Reconciliation `json:"last_reconciliation,omitempty"`
	LatestHealthChecks []position.HealthCheck   `json:"latest_health_checks"`
	Pool               store.PoolStats          `json:"-"`
}

// WinRate returns wins / closed positions, or zero when nothing closed.
func (s Statistics) WinRate() decimal.Decimal {
	if s.ClosedPositions == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(s.Wins)).DivRound(decimal.NewFromInt(int64(s.ClosedPositions)), 4)
}

// GetStatistics computes all figures from one consistent read snapshot.
func (m *Manager) GetStatistics(ctx context.Context) (Statistics, error) {
	stats := Statistics{
		OpenBySymbol:       map[string]int{},
		LatestHealthChecks: []position.HealthCheck{},
	}

	err := m.store.Read(ctx, func(ctx context.Context, tx *store.ReadTx) error {
		positions, err := tx.ListPositions(ctx, store.PositionFilter{})
		if err != nil {
			return err
		}
		for _, p := range positions {
			stats.TotalFees = stats.TotalFees.Add(p.Fees)
			if p.IsOpen() {
				stats.OpenPositions++
				stats.OpenBySymbol[p.Symbol]++
				stats.UnrealizedPnL = stats.UnrealizedPnL.Add(p.PnL)
				continue
			}
			stats.ClosedPositions++
			stats.RealizedPnL = stats.RealizedPnL.Add(p.PnL)
			switch {
			case p.PnL.IsPositive():
				stats.Wins++
			case p.PnL.IsNegative():
				stats.Losses++
			}
		}

		if stats.TotalEvents, err = tx.CountEvents(ctx, ""); err != nil {
			return err
		}
		if stats.Reconciliations, err = tx.CountReconciliations(ctx); err != nil {
			return err
		}
		recent, err := tx.ListReconciliations(ctx, 1)
		if err != nil {
			return err
		}
		if len(recent) > 0 {
			stats.LastReconciliation = &recent[0]
		}
		stats.LatestHealthChecks, err = tx.LatestHealthChecks(ctx)
		return err
	})
	if err != nil {
		return Statistics{}, fmt.Errorf("get statistics: %w", err)
	}

	stats.Pool = m.store.Stats()
	return stats, nil
}
