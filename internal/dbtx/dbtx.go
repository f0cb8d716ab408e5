// Package dbtx defines the minimal pgx surface shared by every
// repository so the same repository type can run against a pool
// connection or a transaction interchangeably. This is what lets
// execution.Store run the execution terminal update and the document
// active pointer update in one transaction. Chunk replacement is not part
// of that transaction: chunkstore.Repository.ReplaceChunks begins its own.
package dbtx

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Beginner is satisfied by *pgxpool.Pool; used by components that need
// to open their own transaction (execution.Store, chunkstore.Repository.ReplaceChunks).
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
