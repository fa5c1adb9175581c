// Package uow carries the unit-of-work transaction boundary through a
// context so the message store joins the handler's transaction.
package uow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type ctxKey struct{}

// FromContext returns the transaction carried by ctx, or nil.
func FromContext(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(ctxKey{}).(*sql.Tx)
	return tx
}

// WithTx returns a context carrying tx.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, ctxKey{}, tx)
}

// HasTx reports whether ctx carries a transaction.
func HasTx(ctx context.Context) bool {
	return FromContext(ctx) != nil
}

// UnitOfWork runs fn inside one transaction boundary. fn's error aborts it.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// Passthrough runs fn without a transaction. Use it when the message store
// does not share a transaction with the domain state: the causal records
// then become visible eventually consistent with that state, never
// atomically with it.
type Passthrough struct{}

func (Passthrough) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// SQL runs fn in a database/sql transaction placed in the context. Stores
// and repositories that find it there use it instead of the bare DB. A
// context that already carries a transaction is reused.
type SQL struct {
	DB      *sql.DB
	Options *sql.TxOptions
}

// NewSQL returns a unit of work over db.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{DB: db}
}

func (u *SQL) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if HasTx(ctx) {
		return fn(ctx)
	}

	tx, err := u.DB.BeginTx(ctx, u.Options)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(WithTx(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
