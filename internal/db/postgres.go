package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/go-localsync/internal/models"
	"github.com/Guizzs26/go-localsync/internal/tablespec"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository applies uploaded batches to the authoritative Postgres database
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresRepository(ctx context.Context, connString string, logger *slog.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	logger.Info("Connected to Postgres successfully")
	return &PostgresRepository{pool: p, logger: logger}, nil
}

// ApplyBatch executes the whole batch in one transaction, in upload order.
// Upsert-by-id and delete-by-id make a redelivered batch a no-op
func (r *PostgresRepository) ApplyBatch(ctx context.Context, batchID string, ops []UpstreamOp) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, op := range ops {
		var (
			query string
			args  []any
		)
		switch op.Op {
		case models.OpPut, models.OpPatch:
			query, args = op.Spec.UpsertSQL(), op.Spec.UpsertValues(op.Record.Map())
		case models.OpDelete:
			query, args = op.Spec.UpstreamDeleteSQL(), []any{op.ID}
		default:
			return fmt.Errorf("unsupported operation: %s", op.Op)
		}

		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("%s %s %s: %w", op.Op, op.Spec.Table, op.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	r.logger.Debug("Batch applied to Postgres", "batch_id", batchID, "count", len(ops))
	return nil
}

// Get reads the upstream projection of one row
func (r *PostgresRepository) Get(ctx context.Context, spec tablespec.TableSpec, id string) (tablespec.Record, bool, error) {
	query := pgPlaceholders(spec.SelectByIDsSQL(1))

	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return tablespec.Record{}, false, fmt.Errorf("failed to read %s: %w", spec.Table, err)
	}
	values, err := pgx.CollectOneRow(rows, func(row pgx.CollectableRow) ([]any, error) {
		return row.Values()
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return tablespec.Record{}, false, nil
	}
	if err != nil {
		return tablespec.Record{}, false, fmt.Errorf("%s scan error: %w", spec.Table, err)
	}

	rec, err := spec.RecordFromScan(values)
	if err != nil {
		return tablespec.Record{}, false, err
	}
	return rec, true, nil
}

// IsLockConflict reports deadlocks and serialization failures, which are
// worth retrying as a whole batch
func IsLockConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40P01" || pgErr.Code == "40001" || pgErr.Code == "55P03"
	}
	return isFirebirdLockConflict(err)
}

// pgPlaceholders rewrites ? placeholders to $n
func pgPlaceholders(query string) string {
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}
