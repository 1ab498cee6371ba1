package psm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/psm/internal/exchange"
	"github.com/roach88/psm/internal/position"
	"github.com/roach88/psm/internal/store"
)

func TestRun_ReconcilesOnStartupAndOnInterval(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	id, err := env.m.OpenPosition(ctx, btcLong())
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- env.m.Run(runCtx, Schedule{
			Adapter:           exchange.NewStatic(),
			ReconcileInterval: 10 * time.Millisecond,
			DiagnoseInterval:  10 * time.Millisecond,
		})
	}()

	require.Eventually(t, func() bool {
		var recs, checks int
		err := env.s.Read(ctx, func(ctx context.Context, tx *store.ReadTx) error {
			r, err := tx.ListReconciliations(ctx, 100)
			if err != nil {
				return err
			}
			h, err := tx.ListHealthChecks(ctx, 100)
			recs, checks = len(r), len(h)
			return err
		})
		return err == nil && recs >= 2 && checks >= 4
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	p, err := env.m.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, position.StatusClosed, p.Status, "startup reconciliation closes the ghost")
}

func TestRun_NothingScheduled(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, env.m.Run(ctx, Schedule{}))
}
