package database

import (
	"context"
	"database/sql"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

// Queryer is the statement surface shared by the pool and an open transaction.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

type DB interface {
	Queryer
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	PingContext(ctx context.Context) error
	Close() error
	RunInTransaction(ctx context.Context, label string, fn func(ctx context.Context) error) error
}

type DatabaseInstance struct {
	*sqlx.DB
	logger ectologger.Logger
}

func NewDatabaseInstance(db *sqlx.DB, logger ectologger.Logger) DB {
	return &DatabaseInstance{
		DB:     db,
		logger: logger,
	}
}

func (db *DatabaseInstance) RunInTransaction(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	return RunInTransaction(ctx, db.logger, db, label, fn)
}

// Conn returns the transaction carried by ctx when one is open, otherwise the pool.
func Conn(ctx context.Context, db DB) Queryer {
	if tx, ok := TxFromContext(ctx); ok && tx.IsOpen() {
		return tx
	}
	return db
}
