package psm

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/psm/internal/position"
	"github.com/roach88/psm/internal/store"
)

func mustCheck(t *testing.T, r DiagnosisReport, typ position.CheckType) position.HealthCheck {
	t.Helper()
	hc, ok := r.Check(typ)
	require.True(t, ok, "missing %s check", typ)
	return hc
}

func TestSelfDiagnose_HealthyStore(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	req := btcLong()
	req.StopPrice = nd("49000")
	_, err := env.m.OpenPosition(ctx, req)
	require.NoError(t, err)

	report, err := env.m.SelfDiagnose(ctx)
	require.NoError(t, err)
	assert.True(t, report.Healthy())
	assert.Len(t, report.Checks, 4)

	var stored []position.HealthCheck
	require.NoError(t, env.s.Read(ctx, func(ctx context.Context, tx *store.ReadTx) error {
		var err error
		stored, err = tx.ListHealthChecks(ctx, 10)
		return err
	}))
	assert.Len(t, stored, 4)
}

func TestSelfDiagnose_StuckPosition(t *testing.T) {
	env := newTestEnv(t, Options{StuckThreshold: 7 * 24 * time.Hour})
	ctx := context.Background()

	req := btcLong()
	req.StopPrice = nd("49000")
	old, err := env.m.OpenPosition(ctx, req)
	require.NoError(t, err)

	env.clock.Advance(6 * 24 * time.Hour)
	fresh, err := env.m.OpenPosition(ctx, req)
	require.NoError(t, err)

	env.clock.Advance(2 * 24 * time.Hour)
	report, err := env.m.SelfDiagnose(ctx)
	require.NoError(t, err)

	stuck := mustCheck(t, report, position.CheckStuckPosition)
	assert.Equal(t, position.CheckIssue, stuck.Status)
	assert.Equal(t, []string{old}, stuck.Details.PositionIDs)
	assert.NotContains(t, stuck.Details.PositionIDs, fresh)
	assert.False(t, stuck.AutoFixed)

	p, err := env.m.GetPosition(ctx, old)
	require.NoError(t, err)
	assert.True(t, p.IsOpen(), "stuck positions are never auto-closed")
}

func TestSelfDiagnose_MissingStopFlagged(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	id, err := env.m.OpenPosition(ctx, btcLong())
	require.NoError(t, err)

	report, err := env.m.SelfDiagnose(ctx)
	require.NoError(t, err)

	hc := mustCheck(t, report, position.CheckMissingStop)
	assert.Equal(t, position.CheckIssue, hc.Status)
	assert.Equal(t, []string{id}, hc.Details.PositionIDs)
	assert.False(t, hc.AutoFixed)

	p, err := env.m.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.False(t, p.StopPrice.Valid)
}

func TestSelfDiagnose_MissingStopAutoFixed(t *testing.T) {
	env := newTestEnv(t, Options{AutoFix: true, DefaultStopPct: d("2")})
	ctx := context.Background()

	long, err := env.m.OpenPosition(ctx, btcLong())
	require.NoError(t, err)
	shortReq := btcLong()
	shortReq.Side = position.SideShort
	short, err := env.m.OpenPosition(ctx, shortReq)
	require.NoError(t, err)

	report, err := env.m.SelfDiagnose(ctx)
	require.NoError(t, err)

	hc := mustCheck(t, report, position.CheckMissingStop)
	assert.Equal(t, position.CheckIssue, hc.Status)
	assert.Equal(t, 2, hc.Details.Count)
	assert.True(t, hc.AutoFixed)

	p, err := env.m.GetPosition(ctx, long)
	require.NoError(t, err)
	assert.Equal(t, "49000", p.StopPrice.Decimal.String())
	p, err = env.m.GetPosition(ctx, short)
	require.NoError(t, err)
	assert.Equal(t, "51000", p.StopPrice.Decimal.String())

	history, err := env.m.GetPositionHistory(ctx, long)
	require.NoError(t, err)
	assert.Equal(t, position.ActorDiagnosis, history[len(history)-1].Actor)
	assertReplayMatches(t, env.m, long)

	again, err := env.m.SelfDiagnose(ctx)
	require.NoError(t, err)
	assert.Equal(t, position.CheckOK, mustCheck(t, again, position.CheckMissingStop).Status)
}

func TestSelfDiagnose_OrphanedEventsAreKept(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	raw, err := sql.Open("sqlite3", "file:"+env.path+"?_foreign_keys=off")
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Exec(`INSERT INTO position_events (position_id, event_type, event_data, data_hash, actor, timestamp)
		VALUES ('gone', 'UPDATED', '{"notes":"x"}', '', 'API', '2026-03-01T12:00:00Z')`)
	require.NoError(t, err)

	report, err := env.m.SelfDiagnose(ctx)
	require.NoError(t, err)

	hc := mustCheck(t, report, position.CheckOrphanedEvent)
	assert.Equal(t, position.CheckIssue, hc.Status)
	assert.Equal(t, 1, hc.Details.Count)
	assert.Equal(t, []string{"gone"}, hc.Details.PositionIDs)
	assert.False(t, hc.AutoFixed)

	again, err := env.m.SelfDiagnose(ctx)
	require.NoError(t, err)
	assert.Equal(t, position.CheckIssue, mustCheck(t, again, position.CheckOrphanedEvent).Status)
}

func TestSelfDiagnose_IntegrityViolation(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	req := btcLong()
	req.StopPrice = nd("49000")
	good, err := env.m.OpenPosition(ctx, req)
	require.NoError(t, err)
	bad, err := env.m.OpenPosition(ctx, req)
	require.NoError(t, err)

	raw, err := sql.Open("sqlite3", "file:"+env.path)
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Exec(`UPDATE positions SET amount = '5' WHERE position_id = ?`, bad)
	require.NoError(t, err)

	report, err := env.m.SelfDiagnose(ctx)
	require.Error(t, err)
	assert.True(t, position.IsIntegrity(err))

	var iv *position.IntegrityViolation
	require.ErrorAs(t, err, &iv)
	assert.Equal(t, []string{bad}, iv.PositionIDs)
	assert.NotContains(t, iv.PositionIDs, good)

	require.Len(t, report.Checks, 4, "full report is returned alongside the violation")
	hc := mustCheck(t, report, position.CheckIntegrity)
	assert.Equal(t, position.CheckIssue, hc.Status)
	assert.False(t, hc.AutoFixed)
	require.Len(t, hc.Details.Messages, 1)
	assert.Contains(t, hc.Details.Messages[0], "amount")

	p, err := env.m.GetPosition(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, "5", p.Amount.String(), "integrity issues are never repaired")
}

func TestVerifyPosition_HashMismatch(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	id, err := env.m.OpenPosition(ctx, btcLong())
	require.NoError(t, err)
	row, err := env.m.GetPosition(ctx, id)
	require.NoError(t, err)
	events, err := env.m.GetPositionHistory(ctx, id)
	require.NoError(t, err)

	assert.Empty(t, verifyPosition(row, events))

	events[0].DataHash = "00"
	msgs := verifyPosition(row, events)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "hash mismatch")

	assert.NotEmpty(t, verifyPosition(row, nil))
}

func TestStopFor(t *testing.T) {
	assert.Equal(t, "49000", StopFor(position.SideLong, d("50000"), d("2")).String())
	assert.Equal(t, "51000", StopFor(position.SideShort, d("50000"), d("2")).String())
	assert.Equal(t, "2.97", StopFor(position.SideLong, d("3"), d("1")).String())
}
