package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/psm/internal/position"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ReadTx is a scoped read handle over one consistent snapshot.
// It is only valid inside the function passed to Store.Read or Store.Write.
type ReadTx struct {
	q querier
}

// Tx is the scoped writer handle. Everything written through one Tx commits
// or rolls back together.
type Tx struct {
	ReadTx
}

// Write runs fn inside the single writer transaction.
//
// The wait for the writer slot is bounded by Options.WriterTimeout and by
// ctx; exceeding the timeout yields *position.BusyError, cancellation yields
// ctx.Err(). Once the transaction begins, fn receives a context that is no
// longer cancellable and the transaction ends in commit (fn returned nil) or
// rollback (fn returned an error or panicked).
func (s *Store) Write(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	release, err := s.acquireWriter(ctx)
	if err != nil {
		return err
	}
	defer release()

	txCtx := context.WithoutCancel(ctx)
	sqlTx, err := s.writer.BeginTx(txCtx, nil)
	if err != nil {
		return s.classify("begin write", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if err := fn(txCtx, &Tx{ReadTx{q: sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return s.classify("commit", err)
	}
	committed = true
	return nil
}

// Read runs fn inside a read transaction on the reader pool. Readers never
// wait for the writer slot.
func (s *Store) Read(ctx context.Context, fn func(ctx context.Context, tx *ReadTx) error) error {
	sqlTx, err := s.reader.BeginTx(ctx, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return s.classify("begin read", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	return fn(ctx, &ReadTx{q: sqlTx})
}

// acquireWriter waits for the writer slot and returns its release function.
// The release function is safe to call more than once.
func (s *Store) acquireWriter(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.opts.WriterTimeout)
	defer cancel()

	start := time.Now()
	err := s.writeSlot.Acquire(waitCtx, 1)
	waited := time.Since(start)
	s.writerWaitNs.Add(int64(waited))

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.writerTimeouts.Add(1)
		s.logger.Warn("writer slot timeout", "waited", waited, "timeout", s.opts.WriterTimeout)
		return nil, &position.BusyError{Op: "acquire writer", Waited: waited}
	}
	s.writerAcquired.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() { s.writeSlot.Release(1) })
	}, nil
}

// classify maps driver errors onto the position error taxonomy. Lock
// contention from other processes is retryable; everything else is a
// storage failure.
func (s *Store) classify(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &position.BusyError{Op: op, Waited: s.opts.WriterTimeout, Err: err}
		}
	}
	return &position.StorageError{Op: op, Err: err}
}

// storageErr is classify for statements that run inside a transaction.
func storageErr(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return &position.BusyError{Op: op, Err: err}
	}
	return &position.StorageError{Op: op, Err: err}
}

// PoolStats describes connection usage for observability.
type PoolStats struct {
	ReaderOpen     int
	ReaderInUse    int
	WriterOpen     int
	WriterInUse    int
	WriterAcquired int64
	WriterTimeouts int64
	WriterWait     time.Duration
}

// Stats returns a point-in-time view of both pools.
func (s *Store) Stats() PoolStats {
	r := s.reader.Stats()
	w := s.writer.Stats()
	return PoolStats{
		ReaderOpen:     r.OpenConnections,
		ReaderInUse:    r.InUse,
		WriterOpen:     w.OpenConnections,
		WriterInUse:    w.InUse,
		WriterAcquired: s.writerAcquired.Load(),
		WriterTimeouts: s.writerTimeouts.Load(),
		WriterWait:     time.Duration(s.writerWaitNs.Load()),
	}
}
