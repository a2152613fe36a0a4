// Package sqlite is the dev/test/CI DataContext backend: a pure-Go,
// in-process store built on modernc.org/sqlite so the scheduler and task
// server can be exercised without a running Postgres instance.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/trestle/engine/internal/store"
)

var _ store.DataContext = (*DataContext)(nil)

// Open creates (or opens) a SQLite database at path (use ":memory:" for an
// ephemeral store) and applies the schema.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// DataContext implements store.DataContext against a *sql.DB.
type DataContext struct {
	db *sql.DB

	mu      sync.Mutex
	tracked []any
	tx      *sql.Tx
}

type Factory struct {
	DB *sql.DB
}

func (f *Factory) New(ctx context.Context) (store.DataContext, error) {
	return &DataContext{db: f.DB}, nil
}

func New(db *sql.DB) *DataContext {
	return &DataContext{db: db}
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (c *DataContext) q() execQuerier {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

func (c *DataContext) Track(model any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked = append(c.tracked, model)
}

func (c *DataContext) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked = nil
}

func (c *DataContext) SaveChanges(ctx context.Context) error {
	c.mu.Lock()
	batch := c.tracked
	c.tracked = nil
	c.mu.Unlock()

	for _, model := range batch {
		switch v := model.(type) {
		case *store.Metadata:
			if err := c.upsertMetadata(ctx, v); err != nil {
				return err
			}
		case *store.StepMetadata:
			if err := c.InsertStepMetadata(ctx, v); err != nil {
				return err
			}
		case *store.Log:
			if err := c.InsertLog(ctx, v); err != nil {
				return err
			}
		default:
			return fmt.Errorf("sqlite datacontext: untracked model type %T", v)
		}
	}
	return nil
}

// BeginTransaction starts a plain (deferred) SQLite transaction; the
// isolation level is ignored. SQLite has no FOR UPDATE SKIP LOCKED, and
// writers are serialized by the single-connection pool (see Open).
func (c *DataContext) BeginTransaction(ctx context.Context, _ store.IsolationLevel) (store.Transaction, error) {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	c.mu.Lock()
	c.tx = tx
	c.mu.Unlock()
	return &transaction{dc: c, tx: tx}, nil
}

type transaction struct {
	dc *DataContext
	tx *sql.Tx
}

func (t *transaction) Commit(ctx context.Context) error {
	t.dc.mu.Lock()
	t.dc.tx = nil
	t.dc.mu.Unlock()
	return t.tx.Commit()
}

func (t *transaction) Rollback(ctx context.Context) error {
	t.dc.mu.Lock()
	t.dc.tx = nil
	t.dc.mu.Unlock()
	return t.tx.Rollback()
}

func (c *DataContext) Close(ctx context.Context) error { return nil }

// Now returns SQLite's own clock via datetime('now'), the same
// authoritative-store-clock rule the Postgres backend follows with
// SELECT now().
func (c *DataContext) Now(ctx context.Context) (time.Time, error) {
	var s string
	if err := c.q().QueryRowContext(ctx, `SELECT datetime('now')`).Scan(&s); err != nil {
		return time.Time{}, fmt.Errorf("now: %w", err)
	}
	t, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse now: %w", err)
	}
	return t, nil
}

func timeStr(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullTimeStr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeStr(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
