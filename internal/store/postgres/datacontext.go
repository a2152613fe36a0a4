package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trestle/engine/internal/store"
)

var _ store.DataContext = (*DataContext)(nil)

// DataContext implements store.DataContext against a pgxpool.Pool. It holds
// an optional open transaction scoped to a single component tick, and a
// buffer of Tracked models flushed by SaveChanges: the transactional unit
// of work.
type DataContext struct {
	pool *pgxpool.Pool

	mu      sync.Mutex
	tracked []any
	tx      pgx.Tx
}

// Factory produces a fresh DataContext per call; instances are never
// shared across goroutines.
type Factory struct {
	Pool *pgxpool.Pool
}

func (f *Factory) New(ctx context.Context) (store.DataContext, error) {
	return &DataContext{pool: f.Pool}, nil
}

func NewDataContext(pool *pgxpool.Pool) *DataContext {
	return &DataContext{pool: pool}
}

// queryExecer is satisfied by both *pgxpool.Pool and pgx.Tx, letting
// helpers run against either the ambient pool or an open transaction.
type queryExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (c *DataContext) q() queryExecer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		return c.tx
	}
	return c.pool
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

// SaveChanges flushes every Tracked model. Metadata/StepMetadata/Log are
// the three models the workflow-scope effect providers track.
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
			return fmt.Errorf("postgres datacontext: untracked model type %T", v)
		}
	}
	return nil
}

func (c *DataContext) BeginTransaction(ctx context.Context, iso store.IsolationLevel) (store.Transaction, error) {
	opts := pgx.TxOptions{}
	if iso == store.Serializable {
		opts.IsoLevel = pgx.Serializable
	}
	tx, err := c.pool.BeginTx(ctx, opts)
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
	tx pgx.Tx
}

func (t *transaction) Commit(ctx context.Context) error {
	t.dc.mu.Lock()
	t.dc.tx = nil
	t.dc.mu.Unlock()
	return t.tx.Commit(ctx)
}

func (t *transaction) Rollback(ctx context.Context) error {
	t.dc.mu.Lock()
	t.dc.tx = nil
	t.dc.mu.Unlock()
	return t.tx.Rollback(ctx)
}

func (c *DataContext) Close(ctx context.Context) error {
	return nil
}

// Now returns the database server's current timestamp. The store's clock
// is authoritative for due-ness, so manager replicas on skewed hosts agree.
func (c *DataContext) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := c.q().QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("now: %w", err)
	}
	return now, nil
}
