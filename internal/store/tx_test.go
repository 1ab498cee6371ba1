package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/psm/internal/position"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newPosition(id string) position.Position {
	return position.Position{
		ID:         id,
		Symbol:     "BTC/USDT",
		Side:       position.SideLong,
		EntryPrice: decimal.RequireFromString("50000"),
		Amount:     decimal.RequireFromString("0.1"),
		OpenedAt:   t0,
		UpdatedAt:  t0,
		Status:     position.StatusOpen,
		CreatedBy:  position.ActorAPI,
	}
}

func insertOpened(t *testing.T, s *Store, p position.Position) {
	t.Helper()
	err := s.Write(context.Background(), func(ctx context.Context, tx *Tx) error {
		if err := tx.InsertPosition(ctx, p); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, position.Event{
			PositionID: p.ID,
			Type:       position.EventOpened,
			Data:       position.Snapshot(p),
			Actor:      position.ActorAPI,
			Timestamp:  p.OpenedAt,
		})
		return err
	})
	require.NoError(t, err)
}

func getPosition(t *testing.T, s *Store, id string) (position.Position, error) {
	t.Helper()
	var p position.Position
	err := s.Read(context.Background(), func(ctx context.Context, tx *ReadTx) error {
		var err error
		p, err = tx.GetPosition(ctx, id)
		return err
	})
	return p, err
}

func TestWrite_CommitsPositionAndEvent(t *testing.T) {
	s, _ := openTemp(t, Options{})
	p := newPosition("P1")
	p.StopPrice = decimal.NewNullDecimal(decimal.RequireFromString("49000"))
	p.Metadata = map[string]string{"bot": "alpha"}
	insertOpened(t, s, p)

	got, err := getPosition(t, s, "P1")
	require.NoError(t, err)
	assert.Empty(t, position.Diff(p, got))

	var events []position.Event
	err = s.Read(context.Background(), func(ctx context.Context, tx *ReadTx) error {
		var err error
		events, err = tx.ListEvents(ctx, "P1")
		return err
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, position.EventOpened, events[0].Type)
	assert.Len(t, events[0].DataHash, 64)

	replayed, err := position.Replay(events)
	require.NoError(t, err)
	assert.Empty(t, position.Diff(got, replayed))
}

func TestWrite_ErrorRollsBack(t *testing.T) {
	s, _ := openTemp(t, Options{})
	boom := errors.New("boom")

	err := s.Write(context.Background(), func(ctx context.Context, tx *Tx) error {
		if err := tx.InsertPosition(ctx, newPosition("P1")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = getPosition(t, s, "P1")
	assert.True(t, position.IsNotFound(err))
}

func TestWrite_PanicRollsBackAndReleases(t *testing.T) {
	s, _ := openTemp(t, Options{WriterTimeout: 200 * time.Millisecond})

	func() {
		defer func() { _ = recover() }()
		_ = s.Write(context.Background(), func(ctx context.Context, tx *Tx) error {
			if err := tx.InsertPosition(ctx, newPosition("P1")); err != nil {
				return err
			}
			panic("mid-transaction")
		})
	}()

	_, err := getPosition(t, s, "P1")
	assert.True(t, position.IsNotFound(err))

	// The slot was released, so the next writer gets in.
	insertOpened(t, s, newPosition("P2"))
}

func TestWrite_DuplicateIDIsValidationError(t *testing.T) {
	s, _ := openTemp(t, Options{})
	insertOpened(t, s, newPosition("P1"))

	err := s.Write(context.Background(), func(ctx context.Context, tx *Tx) error {
		return tx.InsertPosition(ctx, newPosition("P1"))
	})
	require.Error(t, err)
	assert.True(t, position.IsValidation(err), "got %v", err)
}

func TestWrite_BusyAfterWriterTimeout(t *testing.T) {
	s, _ := openTemp(t, Options{WriterTimeout: 50 * time.Millisecond})

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.Write(context.Background(), func(ctx context.Context, tx *Tx) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	err := s.Write(context.Background(), func(ctx context.Context, tx *Tx) error {
		return nil
	})
	require.Error(t, err)
	assert.True(t, position.IsBusy(err), "got %v", err)
	assert.True(t, position.IsRetryable(err))

	close(release)
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, s.Stats().WriterTimeouts)
}

func TestWrite_CancelledWhileWaiting(t *testing.T) {
	s, _ := openTemp(t, Options{WriterTimeout: 5 * time.Second})

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.Write(context.Background(), func(ctx context.Context, tx *Tx) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Write(ctx, func(ctx context.Context, tx *Tx) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, position.IsBusy(err))

	close(release)
	require.NoError(t, <-done)
}

func TestWrite_AlreadyCancelled(t *testing.T) {
	s, _ := openTemp(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.Write(ctx, func(ctx context.Context, tx *Tx) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestRead_NotBlockedByWriter(t *testing.T) {
	s, _ := openTemp(t, Options{})
	insertOpened(t, s, newPosition("P1"))

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.Write(context.Background(), func(ctx context.Context, tx *Tx) error {
			p := newPosition("P1")
			p.Amount = decimal.RequireFromString("0.2")
			if err := tx.SavePosition(ctx, p); err != nil {
				return err
			}
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	// Snapshot isolation: the uncommitted amount is invisible.
	got, err := getPosition(t, s, "P1")
	require.NoError(t, err)
	assert.Equal(t, "0.1", got.Amount.String())

	close(release)
	require.NoError(t, <-done)

	got, err = getPosition(t, s, "P1")
	require.NoError(t, err)
	assert.Equal(t, "0.2", got.Amount.String())
}

func TestWrite_ConcurrentWritersSerialize(t *testing.T) {
	s, _ := openTemp(t, Options{PoolSize: 4})

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := newPosition(string(rune('a'+i)) + "-pos")
			errs <- s.Write(context.Background(), func(ctx context.Context, tx *Tx) error {
				return tx.InsertPosition(ctx, p)
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var all []position.Position
	err := s.Read(context.Background(), func(ctx context.Context, tx *ReadTx) error {
		var err error
		all, err = tx.ListPositions(ctx, PositionFilter{})
		return err
	})
	require.NoError(t, err)
	assert.Len(t, all, n)
	assert.EqualValues(t, n, s.Stats().WriterAcquired)
}

func TestSavePosition_ClosedRowIsNotFound(t *testing.T) {
	s, _ := openTemp(t, Options{})
	insertOpened(t, s, newPosition("P1"))

	closedAt := t0.Add(time.Hour)
	p := newPosition("P1")
	p.Status = position.StatusClosed
	p.ClosedAt = &closedAt
	require.NoError(t, s.Write(context.Background(), func(ctx context.Context, tx *Tx) error {
		return tx.SavePosition(ctx, p)
	}))

	p.Notes = "again"
	err := s.Write(context.Background(), func(ctx context.Context, tx *Tx) error {
		return tx.SavePosition(ctx, p)
	})
	var nf *position.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.True(t, nf.Closed)
}

func TestSavePosition_ClosedAtRequiresClosedStatus(t *testing.T) {
	s, _ := openTemp(t, Options{})
	insertOpened(t, s, newPosition("P1"))

	closedAt := t0
	p := newPosition("P1")
	p.ClosedAt = &closedAt
	err := s.Write(context.Background(), func(ctx context.Context, tx *Tx) error {
		return tx.SavePosition(ctx, p)
	})
	assert.True(t, position.IsStorage(err), "got %v", err)
}

func TestEvents_AppendOnly(t *testing.T) {
	s, _ := openTemp(t, Options{})
	insertOpened(t, s, newPosition("P1"))

	_, err := s.writer.Exec(`UPDATE position_events SET actor = 'X'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = s.writer.Exec(`DELETE FROM position_events`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}

func TestEvents_RequireExistingPosition(t *testing.T) {
	s, _ := openTemp(t, Options{})

	err := s.Write(context.Background(), func(ctx context.Context, tx *Tx) error {
		_, err := tx.AppendEvent(ctx, position.Event{
			PositionID: "missing",
			Type:       position.EventUpdated,
			Data:       map[string]any{"notes": "x"},
			Actor:      position.ActorAPI,
			Timestamp:  t0,
		})
		return err
	})
	assert.True(t, position.IsStorage(err), "got %v", err)
}

func TestEvents_IDsIncrease(t *testing.T) {
	s, _ := openTemp(t, Options{})
	insertOpened(t, s, newPosition("P1"))

	var ids []int64
	require.NoError(t, s.Write(context.Background(), func(ctx context.Context, tx *Tx) error {
		for i := 0; i < 3; i++ {
			id, err := tx.AppendEvent(ctx, position.Event{
				PositionID: "P1",
				Type:       position.EventUpdated,
				Data:       map[string]any{"notes": "n"},
				Actor:      position.ActorAPI,
				Timestamp:  t0,
			})
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	}))
	assert.IsIncreasing(t, ids)
}

func TestOrphanedEvents(t *testing.T) {
	s, path := openTemp(t, Options{})
	insertOpened(t, s, newPosition("P1"))

	raw, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=off")
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Exec(`INSERT INTO position_events (position_id, event_type, event_data, data_hash, actor, timestamp)
		VALUES ('ghost', 'UPDATED', '{}', '', 'API', '2026-03-01T12:00:00Z'),
		       ('ghost', 'UPDATED', '{}', '', 'API', '2026-03-01T12:00:01Z')`)
	require.NoError(t, err)

	var orphans []Orphan
	require.NoError(t, s.Read(context.Background(), func(ctx context.Context, tx *ReadTx) error {
		var err error
		orphans, err = tx.ListOrphanedEvents(ctx)
		return err
	}))
	assert.Equal(t, []Orphan{{PositionID: "ghost", Events: 2}}, orphans)
}

func TestReconciliationsAndHealthChecks(t *testing.T) {
	s, _ := openTemp(t, Options{})

	rec := position.Reconciliation{
		ID:                     "R1",
		Timestamp:              t0,
		ExchangePositionsCount: 1,
		LocalPositionsCount:    2,
		DiscrepanciesCount:     1,
		Actions: []position.ReconcileAction{
			{Kind: position.ActionCloseGhost, PositionID: "P1", Symbol: "BTC/USDT", Side: position.SideLong},
		},
		Status: position.ReconcileSuccess,
	}
	hc := position.HealthCheck{
		ID:        "H1",
		Timestamp: t0,
		Type:      position.CheckMissingStop,
		Status:    position.CheckIssue,
		Details:   position.CheckDetails{Count: 1, PositionIDs: []string{"P1"}},
	}
	require.NoError(t, s.Write(context.Background(), func(ctx context.Context, tx *Tx) error {
		if err := tx.InsertReconciliation(ctx, rec); err != nil {
			return err
		}
		return tx.InsertHealthCheck(ctx, hc)
	}))

	var (
		recs   []position.Reconciliation
		checks []position.HealthCheck
		count  int64
	)
	require.NoError(t, s.Read(context.Background(), func(ctx context.Context, tx *ReadTx) error {
		var err error
		if recs, err = tx.ListReconciliations(ctx, 10); err != nil {
			return err
		}
		if count, err = tx.CountReconciliations(ctx); err != nil {
			return err
		}
		checks, err = tx.LatestHealthChecks(ctx)
		return err
	}))
	assert.Equal(t, []position.Reconciliation{rec}, recs)
	assert.EqualValues(t, 1, count)
	assert.Equal(t, []position.HealthCheck{hc}, checks)

	_, err := s.writer.Exec(`UPDATE reconciliations SET status = 'FAILED'`)
	require.Error(t, err)
}

// crash simulates a process dying with a transaction open: the SQLite
// connection is closed underneath database/sql without a commit.
func crash(t *testing.T, path string, commit bool) {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_foreign_keys=on")
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	conn, err := db.Conn(ctx)
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `UPDATE positions SET amount = '9' WHERE position_id = 'P1'`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO position_events (position_id, event_type, event_data, data_hash, actor, timestamp)
		VALUES ('P1', 'UPDATED', '{"amount":"9"}', '', 'API', '2026-03-01T13:00:00Z')`)
	require.NoError(t, err)
	if commit {
		_, err = conn.ExecContext(ctx, "COMMIT")
		require.NoError(t, err)
	}

	require.NoError(t, conn.Raw(func(dc any) error {
		return dc.(*sqlite3.SQLiteConn).Close()
	}))
	_ = conn.Close()
}

func TestCrashRecovery(t *testing.T) {
	for _, tc := range []struct {
		name       string
		commit     bool
		wantAmount string
		wantEvents int
	}{
		{"uncommitted write is discarded", false, "0.1", 1},
		{"committed write survives", true, "9", 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "psm.db")
			s, err := Open(path, Options{})
			require.NoError(t, err)
			insertOpened(t, s, newPosition("P1"))
			require.NoError(t, s.Close())

			crash(t, path, tc.commit)

			s, err = Open(path, Options{})
			require.NoError(t, err)
			defer s.Close()

			got, err := getPosition(t, s, "P1")
			require.NoError(t, err)
			assert.Equal(t, tc.wantAmount, got.Amount.String())

			var events []position.Event
			require.NoError(t, s.Read(context.Background(), func(ctx context.Context, tx *ReadTx) error {
				var err error
				events, err = tx.ListEvents(ctx, "P1")
				return err
			}))
			assert.Len(t, events, tc.wantEvents)
		})
	}
}
