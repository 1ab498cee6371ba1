package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/psm/internal/exchange"
	"github.com/roach88/psm/internal/metrics"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Exchange    string
	MetricsAddr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled reconciliation and self-diagnosis with a metrics endpoint",
		Long: `Run until interrupted: reconcile against the exchange snapshot on startup
and every reconcile_interval, self-diagnose every diagnose_interval, and serve
Prometheus metrics on /metrics.

Without an exchange snapshot only self-diagnosis runs. An empty metrics
address disables the HTTP endpoint.

Examples:
  psm serve --config psm.yaml
  psm serve --exchange snapshot.yaml --metrics-addr 127.0.0.1:9108`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Exchange, "exchange", "e", "", "exchange snapshot file (defaults to exchange_snapshot from config)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "metrics listen address (defaults to metrics_addr from config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	s, err := openSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sch := s.cfg.Schedule()
	snapshot := opts.Exchange
	if snapshot == "" {
		snapshot = s.cfg.ExchangeSnapshot
	}
	if snapshot != "" {
		sch.Adapter = exchange.NewFile(snapshot)
	}

	addr := s.cfg.MetricsAddr
	if cmd.Flags().Changed("metrics-addr") {
		addr = opts.MetricsAddr
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.manager.Run(ctx, sch)
	})

	if addr != "" {
		collector := metrics.NewCollector(s.manager, 10*time.Second, s.logger)
		srv := metrics.NewServer(addr, collector)

		g.Go(func() error {
			s.logger.Info("metrics server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	if err := g.Wait(); err != nil {
		_ = s.out.Error("E_SERVE", err.Error(), nil)
		return WrapExitError(ExitFailure, "serve failed", err)
	}
	return nil
}
