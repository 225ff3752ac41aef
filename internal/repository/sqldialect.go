package repository

import (
	"context"
	"database/sql"
	"regexp"
)

// dbExecutor abstracts the *sql.DB methods every Postgres* repository
// depends on, so the same query text can run against both lib/pq (native
// $N placeholders) and modernc.org/sqlite, letting a single set of
// repository implementations back both Database.Backend choices.
type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args...interface{}) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (dbTx, error)
}

// dbTx abstracts *sql.Tx the same way, so statements run inside a
// transaction keep getting rewritten for the SQLite backend.
type dbTx interface {
	ExecContext(ctx context.Context, query string, args...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args...interface{}) *sql.Row
	Commit() error
	Rollback() error
}

// pgDB runs query text unchanged against a *sql.DB opened with lib/pq.
type pgDB struct{ *sql.DB }

// NewPostgresDB wires a *sql.DB opened against lib/pq for use by the
// Postgres* repositories in this package.
func NewPostgresDB(db *sql.DB) dbExecutor {
	return pgDB{db}
}

func (d pgDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (dbTx, error) {
	tx, err := d.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

var numberedPlaceholder = regexp.MustCompile(`\$(\d+)`)

// rebindSQLite translates a Postgres-style "$N" placeholder into SQLite's
// equivalent numbered form "?N" (SQLite docs, parameter syntax) — both
// bind strictly by argument index regardless of where the placeholder
// appears in the statement text, so no argument reordering is needed.
func rebindSQLite(query string) string {
	return numberedPlaceholder.ReplaceAllString(query, "?$1")
}

// sqliteDB rewrites query text before delegating to a *sql.DB opened
// against modernc.org/sqlite, so the Postgres* repositories in this
// package also serve the SQLite backend without a parallel set of
// hand-written queries.
type sqliteDB struct{ *sql.DB }

// NewSQLiteDB wires a *sql.DB opened against modernc.org/sqlite for use
// by the Postgres* repositories in this package.
func NewSQLiteDB(db *sql.DB) dbExecutor {
	return sqliteDB{db}
}

func (d sqliteDB) ExecContext(ctx context.Context, query string, args...interface{}) (sql.Result, error) {
	return d.DB.ExecContext(ctx, rebindSQLite(query), args...)
}

func (d sqliteDB) QueryContext(ctx context.Context, query string, args...interface{}) (*sql.Rows, error) {
	return d.DB.QueryContext(ctx, rebindSQLite(query), args...)
}

func (d sqliteDB) QueryRowContext(ctx context.Context, query string, args...interface{}) *sql.Row {
	return d.DB.QueryRowContext(ctx, rebindSQLite(query), args...)
}

func (d sqliteDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (dbTx, error) {
	tx, err := d.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return sqliteTx{tx}, nil
}

type sqliteTx struct{ *sql.Tx }

func (t sqliteTx) ExecContext(ctx context.Context, query string, args...interface{}) (sql.Result, error) {
	return t.Tx.ExecContext(ctx, rebindSQLite(query), args...)
}

func (t sqliteTx) QueryContext(ctx context.Context, query string, args...interface{}) (*sql.Rows, error) {
	return t.Tx.QueryContext(ctx, rebindSQLite(query), args...)
}

func (t sqliteTx) QueryRowContext(ctx context.Context, query string, args...interface{}) *sql.Row {
	return t.Tx.QueryRowContext(ctx, rebindSQLite(query), args...)
}
