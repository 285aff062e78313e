package database

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

type TxContextKey string

const txKey = TxContextKey("tx-context-key")

type Tx interface {
	Queryer
	IsOpen() bool
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Transaction is a struct that wraps the sqlx.Tx struct and provides additional functionality
type Transaction struct {
	*sqlx.Tx
	logger   ectologger.Logger
	label    string
	isClosed bool
}

func NewTx(tx *sqlx.Tx, logger ectologger.Logger, label string) Tx {
	return &Transaction{
		Tx:     tx,
		logger: logger,
		label:  label,
	}
}

// TxFromContext returns the transaction opened by RunInTransaction further up the call stack.
func TxFromContext(ctx context.Context) (Tx, bool) {
	tx, ok := ctx.Value(txKey).(Tx)
	return tx, ok && tx != nil
}

// RunInTransaction runs fn inside a transaction carried on the context. Nested calls join the
// outer transaction; only the outermost call commits or rolls back.
func RunInTransaction(ctx context.Context, logger ectologger.Logger, db DB, label string, fn func(ctx context.Context) error) (err error) {
	if tx, ok := TxFromContext(ctx); ok && tx.IsOpen() {
		return fn(ctx)
	}

	sqlxTx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		logger.WithContext(ctx).WithError(err).WithField("transaction", label).Error("error while beginning transaction")
		return fmt.Errorf("begin transaction %s: %w", label, err)
	}

	tx := NewTx(sqlxTx, logger, label)
	txCtx := context.WithValue(ctx, txKey, tx)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			logger.WithContext(ctx).WithError(rbErr).WithField("transaction", label).Warn("rollback after failed transaction body")
		}
		return err
	}

	return tx.Commit(ctx)
}

func (t *Transaction) IsOpen() bool {
	return !t.isClosed
}

func (t *Transaction) Rollback(ctx context.Context) error {
	if t.isClosed {
		return nil // do nothing if already committed
	}

	t.isClosed = true
	if err := t.Tx.Rollback(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while rolling back transaction %s", t.label)
		return fmt.Errorf("error while rolling back transaction %s: %w", t.label, err)
	}

	return nil
}

func (t *Transaction) Commit(ctx context.Context) error {
	if t.isClosed {
		return nil // do nothing if already committed
	}

	t.isClosed = true
	if err := t.Tx.Commit(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while committing transaction %s", t.label)
		// deferred constraints surface at commit time
		return fmt.Errorf("error while committing transaction %s: %w", t.label, ClassifyError(err))
	}

	return nil
}
