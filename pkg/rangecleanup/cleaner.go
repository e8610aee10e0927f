package rangecleanup

import (
	"context"
	"fmt"

	pgx "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/range-sharding/chunkmover/pkg/catalog"
	"github.com/range-sharding/chunkmover/pkg/config"
	"github.com/range-sharding/chunkmover/pkg/models/chunk"
	"github.com/range-sharding/chunkmover/pkg/movlog"
)

// RangeCleaner removes the rows of one chunk range from local storage.
type RangeCleaner interface {
	DeleteRange(ctx context.Context, col *catalog.Collection, rng *chunk.ChunkRange) (int64, error)
}

type cleanerConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Close(ctx context.Context) error
}

// PgCleaner deletes chunk data from the shard-local PostgreSQL instance.
// Rows go in bounded batches so a wide range never turns into one
// long row-eating statement.
type PgCleaner struct {
	batchSize int
	connectFn func(ctx context.Context, connString string) (cleanerConn, error)
}

var _ RangeCleaner = &PgCleaner{}

func NewPgCleaner() *PgCleaner {
	batchSize := config.MoverConfig().CleanupBatchSize
	if batchSize <= 0 {
		batchSize = 128
	}
	return &PgCleaner{
		batchSize: batchSize,
		connectFn: func(ctx context.Context, connString string) (cleanerConn, error) {
			return pgx.Connect(ctx, connString)
		},
	}
}

func createConnString() string {
	ld := config.MoverConfig().LocalData
	if ld == nil {
		return ""
	}
	return fmt.Sprintf("user=%s host=%s port=%s dbname=%s password=%s", ld.User, ld.Host, ld.Port, ld.DBName, ld.Password)
}

// DeleteRange deletes [min, max) from the collection's table. Bounds bind
// as bytea and must match the routing key encoding of the relation.
func (c *PgCleaner) DeleteRange(ctx context.Context, col *catalog.Collection, rng *chunk.ChunkRange) (int64, error) {
	conn, err := c.connectFn(ctx, createConnString())
	if err != nil {
		movlog.Zero.Error().Err(err).Msg("rangecleanup: error connecting to local shard")
		return 0, err
	}
	defer func() {
		if err := conn.Close(ctx); err != nil {
			movlog.Zero.Warn().Err(err).Msg("rangecleanup: error closing connection")
		}
	}()

	qry := fmt.Sprintf(
		"DELETE FROM %s WHERE ctid IN (SELECT ctid FROM %s WHERE %s >= $1 AND %s < $2 LIMIT %d)",
		col.Table, col.Table, col.KeyColumn, col.KeyColumn, c.batchSize)

	var total int64
	for {
		tag, err := conn.Exec(ctx, qry, rng.Min, rng.Max)
		if err != nil {
			return total, err
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < int64(c.batchSize) {
			return total, nil
		}
	}
}
