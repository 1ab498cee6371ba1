package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/semaphore"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Base schema (schema.sql)
// 1 - Added positions.exit_price, positions.close_reason, positions.updated_at
//     and position_events.data_hash
const currentSchemaVersion = 1

// Default connection settings.
const (
	DefaultWriterTimeout = 5 * time.Second
	DefaultPoolSize      = 8
)

// Options configures connection pooling and writer admission.
type Options struct {
	// WriterTimeout bounds the wait for the single writer slot and the
	// SQLite busy handler for cross-process lock waits.
	WriterTimeout time.Duration

	// PoolSize caps concurrent reader connections. Size it to the expected
	// number of concurrent callers.
	PoolSize int

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.WriterTimeout <= 0 {
		o.WriterTimeout = DefaultWriterTimeout
	}
	if o.PoolSize <= 0 {
		o.PoolSize = DefaultPoolSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Store provides durable storage for positions and their event log.
// Safe for concurrent use by many goroutines.
type Store struct {
	writer    *sql.DB
	reader    *sql.DB
	writeSlot *semaphore.Weighted
	opts      Options
	logger    *slog.Logger

	writerAcquired atomic.Int64
	writerTimeouts atomic.Int64
	writerWaitNs   atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// Open creates or opens the SQLite database at path, applies pragmas and the
// schema, and sets up the writer and reader pools.
//
// This function is idempotent - safe to call multiple times on the same file.
func Open(path string, opts Options) (*Store, error) {
	opts = opts.withDefaults()

	writer, err := sql.Open("sqlite3", writerDSN(path, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports a single writer; the semaphore admits one transaction
	// at a time and this pool never holds more than one connection.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	if err := applySchema(writer); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	reader, err := sql.Open("sqlite3", readerDSN(path, opts))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open reader pool: %w", err)
	}
	if err := reader.Ping(); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("failed to connect reader pool: %w", err)
	}
	reader.SetMaxOpenConns(opts.PoolSize)
	reader.SetMaxIdleConns(opts.PoolSize)

	opts.Logger.Debug("store opened",
		"path", path,
		"pool_size", opts.PoolSize,
		"writer_timeout", opts.WriterTimeout,
	)

	return &Store{
		writer:    writer,
		reader:    reader,
		writeSlot: semaphore.NewWeighted(1),
		opts:      opts,
		logger:    opts.Logger,
	}, nil
}

// Close closes both pools. Safe to call more than once.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		var errs []error
		if s.reader != nil {
			if err := s.reader.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.writer != nil {
			if err := s.writer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			s.closeErr = fmt.Errorf("close store: %v", errs)
		}
	})
	return s.closeErr
}

// Options returns the effective options after defaults were applied.
func (s *Store) Options() Options {
	return s.opts
}

// Per-connection pragmas travel in the DSN so that every pooled connection
// gets them, not only the first.
func writerDSN(path string, opts Options) string {
	q := url.Values{}
	q.Set("_busy_timeout", strconv.FormatInt(opts.WriterTimeout.Milliseconds(), 10))
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_foreign_keys", "on")
	q.Set("_txlock", "immediate")
	return fileURI(path) + "?" + q.Encode()
}

func readerDSN(path string, opts Options) string {
	q := url.Values{}
	q.Set("_busy_timeout", strconv.FormatInt(opts.WriterTimeout.Milliseconds(), 10))
	q.Set("_foreign_keys", "on")
	q.Set("_query_only", "1")
	return fileURI(path) + "?" + q.Encode()
}

// uriPath escapes the characters SQLite gives meaning to in a file: URI
// path. SQLite percent-decodes the path before opening it.
var uriPath = strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")

func fileURI(path string) string {
	return "file:" + uriPath.Replace(path)
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental, additive migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the close bookkeeping columns and event content hashes.
func migrateToV1(db *sql.DB) error {
	columns := []struct{ table, column, decl string }{
		{"positions", "exit_price", "TEXT"},
		{"positions", "close_reason", "TEXT"},
		{"positions", "updated_at", "TEXT NOT NULL DEFAULT ''"},
		{"position_events", "data_hash", "TEXT NOT NULL DEFAULT ''"},
	}
	for _, c := range columns {
		if err := addColumnIfMissing(db, c.table, c.column, c.decl); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	// updated_at mirrors the newest event, which is what replay derives.
	_, err := db.Exec(`UPDATE positions SET updated_at = COALESCE(
		(SELECT e.timestamp FROM position_events e
		  WHERE e.position_id = positions.position_id
		  ORDER BY e.event_id DESC LIMIT 1),
		closed_at, opened_at)
	WHERE updated_at = ''`)
	if err != nil {
		return fmt.Errorf("migrate to v1: backfill updated_at: %w", err)
	}
	return nil
}

func addColumnIfMissing(db *sql.DB, table, column, decl string) error {
	exists, err := hasColumn(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	if err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid      int
			name     string
			typ      string
			notNull  int
			dflt     sql.NullString
			pkMember int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pkMember); err != nil {
			return false, fmt.Errorf("scan table_info %s: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// verifyPragma checks that a pragma is set to the expected value on the
// writer connection. Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.writer.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
