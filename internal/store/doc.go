// Package store provides SQLite-backed durable storage for positions and
// their append-only event log.
//
// The store holds four tables:
//   - positions: current-state projection, one row per position
//   - position_events: append-only log, written in the same transaction
//     as the position mutation it describes
//   - reconciliations: one immutable row per reconciliation run
//   - health_checks: one row per self-diagnosis check
//
// # Connection discipline
//
// Two pools share one database file:
//   - a writer pool of exactly one connection; transactions start with
//     BEGIN IMMEDIATE and are admitted through a weighted semaphore that
//     waits at most WriterTimeout before failing with position.BusyError
//   - a reader pool of PoolSize query-only connections; in WAL mode readers
//     see a consistent snapshot and never block or wait on the writer
//
// Callers never hold a connection directly. Write and Read run a function
// inside a scoped transaction and release it on every exit path, including
// panics. Cancellation only interrupts the wait for the writer slot: a
// transaction that has begun always ends in commit or rollback.
//
// # Database configuration
//
//   - WAL mode: concurrent reads during writes, crash recovery from the log
//   - synchronous=NORMAL: durable at checkpoint, safe against corruption
//   - busy_timeout=WriterTimeout: cross-process lock waits
//   - foreign_keys=ON: events reference existing positions
//
// Schema changes are additive only and tracked with PRAGMA user_version.
package store
