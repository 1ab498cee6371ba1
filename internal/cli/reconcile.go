package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/psm/internal/exchange"
	"github.com/roach88/psm/internal/position"
)

// ReconcileOptions holds flags for the reconcile command.
type ReconcileOptions struct {
	*RootOptions
	Exchange string
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Converge local positions with an exchange snapshot",
		Long: `Compare OPEN positions with the positions listed in an exchange snapshot
file and correct the local store: local positions missing on the exchange are
closed, exchange positions missing locally are opened, and amounts that drift
beyond the configured tolerance are adjusted.

The snapshot is YAML or JSON with a top-level "positions" list of
{symbol, side, amount, price, exchange_order_id}.

Exit codes:
  0 - Reconciliation succeeded
  1 - Some corrections failed (PARTIAL) or the run failed
  2 - Snapshot missing or unreadable
  3 - Store busy

Examples:
  psm reconcile --exchange snapshot.yaml
  psm reconcile --exchange snapshot.json --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Exchange, "exchange", "e", "", "exchange snapshot file (defaults to exchange_snapshot from config)")

	return cmd
}

func runReconcile(opts *ReconcileOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)

	return withSession(opts.RootOptions, cmd, func(ctx context.Context, s *session) error {
		path := opts.Exchange
		if path == "" {
			path = s.cfg.ExchangeSnapshot
		}
		if path == "" {
			_ = out.Error("E_USAGE", "no exchange snapshot: pass --exchange or set exchange_snapshot", nil)
			return NewExitError(ExitCommandError, "no exchange snapshot")
		}

		external, err := exchange.NewFile(path).GetOpenPositions(ctx)
		if err != nil {
			_ = out.Error("E_SNAPSHOT", err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to read exchange snapshot", err)
		}
		out.VerboseLog("loaded %d exchange position(s) from %s", len(external), path)

		rec, err := s.manager.ReconcileWithExchange(ctx, external)
		if err != nil {
			return out.Fail("reconciliation failed", err)
		}

		view := reconciliationView{rec}
		if rec.Status != position.ReconcileSuccess {
			return out.Report(view, "E_PARTIAL",
				fmt.Sprintf("reconciliation %s: some corrections failed", rec.Status), ExitFailure)
		}
		return out.Success(view)
	})
}
