// Package dbx provides tiny DB abstractions shared by the cache repositories:
// a minimal interface (DBTX) implemented by both *sql.DB and *sql.Tx, a helper
// to run a function inside a transaction, and a Batch that commits every N
// writes.
package dbx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DBTX is the subset of database/sql used by the repositories.
// Both *sql.DB and *sql.Tx satisfy this interface.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx begins a transaction, runs fn with a transactional handle, and then
// commits on success or rolls back on error/panic. Panics are rethrown.
//
// Typical use:
//
//	err := dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
//	    _, err := tx.ExecContext(ctx, "INSERT ...")
//	    return err
//	})
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, tx)
	return err
}

// Batch groups writes into transactions of at most size operations. A crash
// loses at most the writes of the open transaction.
type Batch struct {
	db      *sql.DB
	tx      *sql.Tx
	size    int
	pending int
}

// NewBatch returns a batch committing every size writes. Size below one means
// every write is committed on its own.
func NewBatch(db *sql.DB, size int) *Batch {
	if size < 1 {
		size = 1
	}
	return &Batch{db: db, size: size}
}

// Do runs fn inside the current transaction, opening one if needed, and
// commits once the batch is full. On error the open transaction is rolled back.
func (b *Batch) Do(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) error {
	if b.tx == nil {
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin batch: %w", err)
		}
		b.tx = tx
	}

	if err := fn(ctx, b.tx); err != nil {
		return errors.Join(err, b.Rollback())
	}

	b.pending++
	if b.pending >= b.size {
		return b.Commit()
	}
	return nil
}

// Commit commits the open transaction, if any.
func (b *Batch) Commit() error {
	if b.tx == nil {
		return nil
	}
	tx := b.tx
	b.tx, b.pending = nil, 0
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Rollback discards the open transaction, if any.
func (b *Batch) Rollback() error {
	if b.tx == nil {
		return nil
	}
	tx := b.tx
	b.tx, b.pending = nil, 0
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback batch: %w", err)
	}
	return nil
}
