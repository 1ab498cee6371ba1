package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/psm/internal/position"
	"github.com/roach88/psm/internal/psm"
	"github.com/roach88/psm/internal/store"
)

type staticSource struct {
	stats psm.Statistics
	err   error
}

func (s staticSource) GetStatistics(context.Context) (psm.Statistics, error) {
	return s.stats, s.err
}

var discard = slog.New(slog.DiscardHandler)

func TestCollector_Values(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := staticSource{stats: psm.Statistics{
		OpenPositions:   2,
		ClosedPositions: 3,
		OpenBySymbol:    map[string]int{"BTC/USDT": 1, "ETH/USDT": 1},
		RealizedPnL:     decimal.RequireFromString("150.5"),
		UnrealizedPnL:   decimal.RequireFromString("-20"),
		TotalFees:       decimal.RequireFromString("1.5"),
		Wins:            2,
		Losses:          1,
		TotalEvents:     11,
		Reconciliations: 4,
		LastReconciliation: &position.Reconciliation{
			Timestamp: ts,
			Status:    position.ReconcileSuccess,
		},
		LatestHealthChecks: []position.HealthCheck{
			{Type: position.CheckIntegrity, Status: position.CheckOK},
			{Type: position.CheckMissingStop, Status: position.CheckIssue},
		},
		Pool: store.PoolStats{ReaderOpen: 3, ReaderInUse: 1, WriterAcquired: 9, WriterTimeouts: 2},
	}}
	c := NewCollector(src, time.Second, discard)

	expected := `
# HELP psm_open_positions Number of OPEN positions.
# TYPE psm_open_positions gauge
psm_open_positions 2
# HELP psm_open_positions_by_symbol Number of OPEN positions per symbol.
# TYPE psm_open_positions_by_symbol gauge
psm_open_positions_by_symbol{symbol="BTC/USDT"} 1
psm_open_positions_by_symbol{symbol="ETH/USDT"} 1
# HELP psm_realized_pnl Sum of pnl over CLOSED positions.
# TYPE psm_realized_pnl gauge
psm_realized_pnl 150.5
# HELP psm_health_check_ok 1 if the latest check of this type was OK, else 0.
# TYPE psm_health_check_ok gauge
psm_health_check_ok{check_type="INTEGRITY"} 1
psm_health_check_ok{check_type="MISSING_STOP"} 0
# HELP psm_writer_timeouts_total Writer slot waits that ended in BUSY.
# TYPE psm_writer_timeouts_total counter
psm_writer_timeouts_total 2
# HELP psm_reader_connections Reader pool connections by state.
# TYPE psm_reader_connections gauge
psm_reader_connections{state="idle"} 2
psm_reader_connections{state="in_use"} 1
# HELP psm_last_reconciliation_timestamp_seconds Time of the latest reconciliation run.
# TYPE psm_last_reconciliation_timestamp_seconds gauge
psm_last_reconciliation_timestamp_seconds{status="SUCCESS"} 1.7723664e+09
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"psm_open_positions",
		"psm_open_positions_by_symbol",
		"psm_realized_pnl",
		"psm_health_check_ok",
		"psm_writer_timeouts_total",
		"psm_reader_connections",
		"psm_last_reconciliation_timestamp_seconds",
	)
	require.NoError(t, err)
}

func TestCollector_ScrapeErrorIsCounted(t *testing.T) {
	c := NewCollector(staticSource{err: errors.New("database is closed")}, 0, discard)

	assert.Equal(t, 1, testutil.CollectAndCount(c), "only the error counter is exported")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.scrapeErrors))
}

func TestHandler_ServesManagerStatistics(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "psm.db"), store.Options{Logger: discard})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	m := psm.New(s, psm.Options{}, psm.WithLogger(discard))

	_, err = m.OpenPosition(context.Background(), psm.OpenRequest{
		Symbol:     "BTC/USDT",
		Side:       position.SideLong,
		EntryPrice: decimal.RequireFromString("50000"),
		Amount:     decimal.RequireFromString("0.1"),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(":0", NewCollector(m, time.Second, discard)).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "psm_open_positions 1")
	assert.Contains(t, string(body), `psm_open_positions_by_symbol{symbol="BTC/USDT"} 1`)
	assert.Contains(t, string(body), "psm_events_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
