package db

import (
	"context"
	"database/sql"
)

// DBTX is the database handle used by Queries; satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// New creates a new Queries value backed by db.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// Queries gives access to all the queries of the database.
type Queries struct {
	db DBTX
}
