// Package metrics exposes position and store statistics to Prometheus.
//
// The Collector computes its figures at scrape time from one
// Manager.GetStatistics snapshot plus the store's pool counters, so nothing
// has to be updated on the write path.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/psm/internal/position"
	"github.com/roach88/psm/internal/psm"
)

const namespace = "psm"

// StatsSource is satisfied by *psm.Manager.
type StatsSource interface {
	GetStatistics(ctx context.Context) (psm.Statistics, error)
}

// Collector implements prometheus.Collector over a StatsSource.
type Collector struct {
	source  StatsSource
	timeout time.Duration
	logger  *slog.Logger

	openPositions   *prometheus.Desc
	closedPositions *prometheus.Desc
	openBySymbol    *prometheus.Desc
	realizedPnL     *prometheus.Desc
	unrealizedPnL   *prometheus.Desc
	totalFees       *prometheus.Desc
	wins            *prometheus.Desc
	losses          *prometheus.Desc
	events          *prometheus.Desc
	reconciliations *prometheus.Desc
	lastReconcile   *prometheus.Desc
	healthCheck     *prometheus.Desc
	readerConns     *prometheus.Desc
	writerAcquired  *prometheus.Desc
	writerTimeouts  *prometheus.Desc
	writerWait      *prometheus.Desc
	scrapeErrors    prometheus.Counter
}

// NewCollector builds a Collector. Each scrape gives the statistics query
// at most timeout to finish.
func NewCollector(source StatsSource, timeout time.Duration, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		source:  source,
		timeout: timeout,
		logger:  logger,

		openPositions:   desc("open_positions", "Number of OPEN positions."),
		closedPositions: desc("closed_positions", "Number of CLOSED positions."),
		openBySymbol:    desc("open_positions_by_symbol", "Number of OPEN positions per symbol.", "symbol"),
		realizedPnL:     desc("realized_pnl", "Sum of pnl over CLOSED positions."),
		unrealizedPnL:   desc("unrealized_pnl", "Sum of pnl over OPEN positions."),
		totalFees:       desc("fees_total", "Sum of fees over all positions."),
		wins:            desc("closed_wins", "CLOSED positions with positive pnl."),
		losses:          desc("closed_losses", "CLOSED positions with negative pnl."),
		events:          desc("events_total", "Rows in the position event log."),
		reconciliations: desc("reconciliations_total", "Recorded reconciliation runs."),
		lastReconcile:   desc("last_reconciliation_timestamp_seconds", "Time of the latest reconciliation run.", "status"),
		healthCheck:     desc("health_check_ok", "1 if the latest check of this type was OK, else 0.", "check_type"),
		readerConns:     desc("reader_connections", "Reader pool connections by state.", "state"),
		writerAcquired:  desc("writer_acquired_total", "Writer slot acquisitions."),
		writerTimeouts:  desc("writer_timeouts_total", "Writer slot waits that ended in BUSY."),
		writerWait:      desc("writer_wait_seconds_total", "Cumulative time spent waiting for the writer slot."),
		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scrape_errors_total",
			Help:      "Statistics queries that failed during a scrape.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.openPositions, c.closedPositions, c.openBySymbol,
		c.realizedPnL, c.unrealizedPnL, c.totalFees,
		c.wins, c.losses, c.events, c.reconciliations, c.lastReconcile,
		c.healthCheck, c.readerConns, c.writerAcquired, c.writerTimeouts, c.writerWait,
	} {
		ch <- d
	}
	c.scrapeErrors.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	stats, err := c.source.GetStatistics(ctx)
	if err != nil {
		c.logger.Warn("metrics scrape failed", "error", err)
		c.scrapeErrors.Inc()
		c.scrapeErrors.Collect(ch)
		return
	}
	c.scrapeErrors.Collect(ch)

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}

	gauge(c.openPositions, float64(stats.OpenPositions))
	gauge(c.closedPositions, float64(stats.ClosedPositions))
	for symbol, n := range stats.OpenBySymbol {
		gauge(c.openBySymbol, float64(n), symbol)
	}
	gauge(c.realizedPnL, stats.RealizedPnL.InexactFloat64())
	gauge(c.unrealizedPnL, stats.UnrealizedPnL.InexactFloat64())
	gauge(c.totalFees, stats.TotalFees.InexactFloat64())
	gauge(c.wins, float64(stats.Wins))
	gauge(c.losses, float64(stats.Losses))
	counter(c.events, float64(stats.TotalEvents))
	counter(c.reconciliations, float64(stats.Reconciliations))
	if r := stats.LastReconciliation; r != nil {
		gauge(c.lastReconcile, float64(r.Timestamp.Unix()), string(r.Status))
	}
	for _, hc := range stats.LatestHealthChecks {
		ok := 0.0
		if hc.Status == position.CheckOK {
			ok = 1
		}
		gauge(c.healthCheck, ok, string(hc.Type))
	}

	pool := stats.Pool
	gauge(c.readerConns, float64(pool.ReaderInUse), "in_use")
	gauge(c.readerConns, float64(pool.ReaderOpen-pool.ReaderInUse), "idle")
	counter(c.writerAcquired, float64(pool.WriterAcquired))
	counter(c.writerTimeouts, float64(pool.WriterTimeouts))
	counter(c.writerWait, pool.WriterWait.Seconds())
}

// Handler returns an http.Handler serving the collector, plus Go runtime
// and process metrics, from a dedicated registry.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr.
func NewServer(addr string, c *Collector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(c))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
