// Package store persists all orchestration state in a single SQLite file.
//
// One *sql.DB restricted to a single connection serializes every statement;
// write transactions open with BEGIN IMMEDIATE (via the driver's _txlock
// parameter) so the writer lock is taken up front instead of at first write.
// Transactions travel through context, which makes nesting a no-op: a store
// method called inside Transaction joins the open transaction instead of
// deadlocking on the connection pool.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"loom/internal/logging"
)

// Store wraps the SQLite database with the engine's query surface.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// Open opens (creating if needed) the database at path, applies pending
// migrations, and runs crash recovery. Use ":memory:" for tests.
func Open(path string, logger logging.Logger) (*Store, error) {
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps the writer serialized and keeps :memory:
	// databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	s := &Store{db: db, logger: logging.OrNop(logger)}
	ctx := context.Background()
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.recover(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func buildDSN(path string) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", "5000")
	params.Set("_txlock", "immediate")

	if path == ":memory:" {
		return "file::memory:?" + params.Encode()
	}
	return "file:" + path + "?" + params.Encode()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for maintenance jobs; routine access goes
// through the typed query methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

type txKey struct{}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns the open transaction from ctx when present, the database
// otherwise. Every query method routes through here.
func (s *Store) q(ctx context.Context) dbtx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// InTransaction reports whether ctx carries an open transaction.
func InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*sql.Tx)
	return ok
}

// Transaction runs fn atomically. When ctx already carries a transaction,
// fn joins it and commit/rollback stay with the outermost caller.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTransaction(ctx) {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.logger.Error("rollback failed: %v (after: %v)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// recover repairs state left behind by a hard crash: tasks that were in
// flight are failed with a diagnostic, and executing projects are paused so
// the operator decides when to resume.
func (s *Store) recover(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'failed', error = ?, updated_at = ?
		WHERE status IN ('running', 'queued')`,
		"Server restart - task interrupted", now())
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Warn("Recovered %d interrupted task(s) as failed", n)
	}

	res, err = s.db.ExecContext(ctx, `
		UPDATE projects SET status = 'paused', updated_at = ?
		WHERE status = 'executing'`, now())
	if err != nil {
		return fmt.Errorf("recover projects: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Warn("Paused %d project(s) that were executing at shutdown", n)
	}
	return nil
}

func now() time.Time {
	return time.Now().UTC()
}

// isUniqueViolation reports whether err is a primary key or unique
// constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}

// isForeignKeyViolation reports whether err is a foreign key failure.
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
