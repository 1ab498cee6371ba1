package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/psm/internal/config"
	"github.com/roach88/psm/internal/position"
)

// DiagnoseOptions holds flags for the diagnose command.
type DiagnoseOptions struct {
	*RootOptions
	AutoFix bool
}

// NewDiagnoseCommand creates the diagnose command.
func NewDiagnoseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiagnoseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Run the self-diagnosis health checks",
		Long: `Run the STUCK_POSITION, ORPHANED_EVENT, MISSING_STOP and INTEGRITY checks
and record their results.

Exit codes:
  0 - All checks OK
  1 - At least one check reported an issue
  3 - Store busy`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiagnose(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.AutoFix, "auto-fix", false, "set missing stops using default_stop_pct (overrides config)")

	return cmd
}

func runDiagnose(opts *DiagnoseOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)

	var tweaks []func(*config.Config)
	if opts.AutoFix {
		tweaks = append(tweaks, func(c *config.Config) { c.AutoFix = true })
	}

	s, err := openSession(opts.RootOptions, cmd, tweaks...)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	report, err := s.manager.SelfDiagnose(ctx)
	if err != nil && !position.IsIntegrity(err) {
		return out.Fail("self-diagnosis failed", err)
	}

	view := diagnosisView{DiagnosisReport: report, Healthy: report.Healthy()}
	if !view.Healthy {
		issues := 0
		for _, hc := range report.Checks {
			if hc.Status != position.CheckOK {
				issues++
			}
		}
		code := "E_ISSUES"
		if position.IsIntegrity(err) {
			code = "E_INTEGRITY"
		}
		return out.Report(view, code, fmt.Sprintf("%d check(s) reported issues", issues), ExitFailure)
	}
	return out.Success(view)
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show position statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				stats, err := s.manager.GetStatistics(ctx)
				if err != nil {
					return out.Fail("failed to compute statistics", err)
				}
				return out.Success(statsView{Statistics: stats, WinRate: stats.WinRate()})
			})
		},
	}
}
