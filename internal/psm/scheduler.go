package psm

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/psm/internal/exchange"
)

// Schedule configures Run. A zero interval disables the loop; a nil
// Adapter disables reconciliation entirely.
type Schedule struct {
	Adapter           exchange.Adapter
	ReconcileInterval time.Duration
	DiagnoseInterval  time.Duration
}

// Run reconciles once on startup and then keeps reconciling and
// self-diagnosing on their intervals until ctx is cancelled. Failures of
// individual runs are logged, not returned; they are also recorded in the
// store.
func (m *Manager) Run(ctx context.Context, sch Schedule) error {
	m.logger.InfoContext(ctx, "scheduler starting",
		"reconcile_interval", sch.ReconcileInterval,
		"diagnose_interval", sch.DiagnoseInterval,
	)

	if sch.Adapter != nil {
		m.reconcileOnce(ctx, sch.Adapter)
	}

	g, ctx := errgroup.WithContext(ctx)

	if sch.Adapter != nil && sch.ReconcileInterval > 0 {
		g.Go(func() error {
			return every(ctx, sch.ReconcileInterval, func() { m.reconcileOnce(ctx, sch.Adapter) })
		})
	}
	if sch.DiagnoseInterval > 0 {
		g.Go(func() error {
			return every(ctx, sch.DiagnoseInterval, func() {
				if _, err := m.SelfDiagnose(ctx); err != nil {
					m.logger.WarnContext(ctx, "scheduled self-diagnosis reported errors", "error", err)
				}
			})
		})
	}

	err := g.Wait()
	m.logger.InfoContext(ctx, "scheduler stopped")
	return err
}

func (m *Manager) reconcileOnce(ctx context.Context, adapter exchange.Adapter) {
	if _, err := m.Reconcile(ctx, adapter); err != nil && ctx.Err() == nil {
		m.logger.WarnContext(ctx, "scheduled reconciliation failed", "error", err)
	}
}

// every calls fn on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}
