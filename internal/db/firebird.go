package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Guizzs26/go-localsync/internal/mapper"
	"github.com/Guizzs26/go-localsync/internal/models"
	"github.com/Guizzs26/go-localsync/internal/tablespec"
	"github.com/Guizzs26/go-localsync/pkg/encoding"

	_ "github.com/nakagami/firebirdsql"
)

// FirebirdRepository applies uploaded batches to a legacy Firebird 2.5 database
type FirebirdRepository struct {
	db     *sql.DB
	mapper *mapper.SQLBuilder
	logger *slog.Logger
}

// NewFirebirdRepository initializes a connection pool for Firebird 2.5
func NewFirebirdRepository(connString string, logger *slog.Logger) (*FirebirdRepository, error) {
	db, err := sql.Open("firebirdsql", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open firebird connection: %v", err)
	}

	// Connection pool settings optimized for legacy systems
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("firebird ping failed: %v", err)
	}

	logger.Info("Connected to Firebird successfully", "dialect", 3)

	return &FirebirdRepository{
		db:     db,
		mapper: mapper.NewSQLBuilder(),
		logger: logger,
	}, nil
}

// ApplyBatch executes the batch in one transaction and records its id in
// SYNC_CONTROL, so a redelivered batch is skipped instead of replayed
func (r *FirebirdRepository) ApplyBatch(ctx context.Context, batchID string, ops []UpstreamOp) error {
	if batchID != "" {
		processed, err := r.IsProcessed(ctx, batchID)
		if err != nil {
			return err
		}
		if processed {
			r.logger.Info("Batch already processed, skipping", "batch_id", batchID)
			return nil
		}
	}

	tx, err := r.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %v", err)
	}
	// Rollback is a no-op if Commit was already called
	defer tx.Rollback()

	for _, op := range ops {
		var (
			query string
			args  []any
		)
		switch op.Op {
		case models.OpPut, models.OpPatch:
			query, args, err = r.mapper.BuildUpsert(op.Spec.Table, op.Spec.IDColumn, op.Record.Fields())
			if err != nil {
				return fmt.Errorf("sql build failed: %v", err)
			}
		case models.OpDelete:
			query, args = r.mapper.BuildDelete(op.Spec.Table, op.Spec.IDColumn, op.ID)
		default:
			return fmt.Errorf("unsupported operation: %s", op.Op)
		}

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("execution error on %s %s: %w", op.Spec.Table, op.ID, err)
		}
	}

	if batchID != "" {
		if err := r.MarkAsProcessed(ctx, tx, batchID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// Get reads the upstream projection of one row, decoding WIN1252 text
func (r *FirebirdRepository) Get(ctx context.Context, spec tablespec.TableSpec, id string) (tablespec.Record, bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cols := spec.AllColumns()
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	err := r.db.QueryRowContext(opCtx, r.mapper.BuildSelect(spec.Table, spec.IDColumn, cols), id).Scan(ptrs...)
	if errors.Is(err, sql.ErrNoRows) {
		return tablespec.Record{}, false, nil
	}
	if err != nil {
		return tablespec.Record{}, false, fmt.Errorf("failed to read %s: %v", spec.Table, err)
	}

	for i, v := range values {
		values[i] = encoding.DecodeValue(v)
	}
	rec, err := spec.RecordFromScan(values)
	if err != nil {
		return tablespec.Record{}, false, err
	}
	return rec, true, nil
}

// IsProcessed checks if a batch id has already been applied
func (r *FirebirdRepository) IsProcessed(ctx context.Context, batchID string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT FIRST 1 1 FROM SYNC_CONTROL WHERE CORRELATION_ID = ?`

	var exists int
	err := r.db.QueryRowContext(opCtx, query, batchID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check idempotency: %v", err)
	}

	return true, nil
}

// MarkAsProcessed records the batch id in the SYNC_CONTROL table
func (r *FirebirdRepository) MarkAsProcessed(ctx context.Context, tx *sql.Tx, batchID string) error {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `INSERT INTO SYNC_CONTROL (CORRELATION_ID) VALUES (?)`

	_, err := tx.ExecContext(opCtx, query, batchID)
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "violation") || strings.Contains(msg, "unique") || strings.Contains(msg, "primary") {
			r.logger.Warn("Idempotency race detected: batch id already exists in DB", "batch_id", batchID)
			return nil
		}

		return fmt.Errorf("failed to mark batch as processed: %v", err)
	}
	return nil
}

// BeginTx starts a transaction with ReadCommitted isolation level
func (r *FirebirdRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
}

// Close gracefully shuts down the database connection pool
func (r *FirebirdRepository) Close() error {
	r.logger.Info("Closing Firebird connection pool")
	return r.db.Close()
}

// isFirebirdLockConflict detects common Firebird concurrency errors:
// deadlock, lock conflict, update conflicts with concurrent update and
// ISC code 335544336
func isFirebirdLockConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "lock conflict") ||
		strings.Contains(msg, "concurrent update") ||
		strings.Contains(msg, "335544336")
}
