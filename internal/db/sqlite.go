package db

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Guizzs26/go-localsync/internal/capture"
	"github.com/Guizzs26/go-localsync/internal/models"
	"github.com/Guizzs26/go-localsync/internal/syncerr"
	"github.com/Guizzs26/go-localsync/internal/tablespec"

	"github.com/mattn/go-sqlite3"
)

// maxIDsPerQuery keeps IN lists well below SQLite's bound-variable limit
const maxIDsPerQuery = 500

// ErrRowNotFound is returned by Patch when no row matches the id
var ErrRowNotFound = errors.New("row not found")

// SQLiteRepository is the local store. It owns the synced tables, the outbox
// and the capture triggers
type SQLiteRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// PendingBatch is one consistent read of the outbox head together with the
// live state of every row it references
type PendingBatch struct {
	Records []models.OperationRecord
	// Rows maps table type -> row id -> current row. Missing ids were deleted
	Rows map[string]map[string]tablespec.Record
}

// Row returns the live state of a referenced row
func (b PendingBatch) Row(tableType, id string) (tablespec.Record, bool) {
	rec, ok := b.Rows[tableType][id]
	return rec, ok
}

// OpenSQLite opens (or creates) the local database file.
// A single connection serializes writers, so outbox sequence numbers follow
// commit order
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteRepository, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}

	logger.Info("Local store opened", "path", path)

	return &SQLiteRepository{db: db, logger: logger}, nil
}

func (r *SQLiteRepository) DB() *sql.DB {
	return r.db
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// ApplyDDL executes application-owned schema statements
func (r *SQLiteRepository) ApplyDDL(ctx context.Context, ddl string) error {
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("apply ddl: %w", err)
	}
	return nil
}

// InstallCapture creates the outbox and (re)installs triggers for every spec
// in one transaction
func (r *SQLiteRepository) InstallCapture(ctx context.Context, specs ...tablespec.TableSpec) error {
	err := r.WriteTransaction(ctx, func(tx *sql.Tx) error {
		return capture.Install(ctx, tx, specs...)
	})
	if err != nil {
		return syncerr.Configuration("install capture", err)
	}
	r.logger.Info("Change capture installed", "tables", len(specs))
	return nil
}

// WriteTransaction runs fn in a transaction. Trigger failures raised by the id
// guard come back as constraint violations
func (r *SQLiteRepository) WriteTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return mapSQLiteError("write transaction", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Put inserts or replaces a full row. The insert trigger records a PUT
func (r *SQLiteRepository) Put(ctx context.Context, spec tablespec.TableSpec, row map[string]any) error {
	if id, _ := row[spec.IDColumn].(string); id == "" {
		return fmt.Errorf("put %s: missing %s", spec.Type, spec.IDColumn)
	}
	return r.WriteTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, spec.PutSQL(), spec.PutValues(row)...)
		return err
	})
}

// PutMany writes several rows in a single transaction
func (r *SQLiteRepository) PutMany(ctx context.Context, spec tablespec.TableSpec, rows []map[string]any) error {
	return r.WriteTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, spec.PutSQL())
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx, spec.PutValues(row)...); err != nil {
				return err
			}
		}
		return nil
	})
}

// Patch updates the given columns of one row. The update trigger records a
// PATCH, or aborts the statement when the id column would change
func (r *SQLiteRepository) Patch(ctx context.Context, spec tablespec.TableSpec, id string, changes map[string]any) error {
	query, args, err := patchSQL(spec, id, changes)
	if err != nil {
		return err
	}
	return r.WriteTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("patch %s %s: %w", spec.Type, id, ErrRowNotFound)
		}
		return nil
	})
}

func patchSQL(spec tablespec.TableSpec, id string, changes map[string]any) (string, []any, error) {
	if len(changes) == 0 {
		return "", nil, fmt.Errorf("patch %s %s: no changes", spec.Type, id)
	}

	sets := make([]string, 0, len(changes))
	args := make([]any, 0, len(changes)+1)
	// Iterate in spec order so the generated SQL is stable
	for _, c := range spec.AllColumns() {
		v, ok := changes[c]
		if !ok {
			continue
		}
		sets = append(sets, c+" = ?")
		args = append(args, v)
	}
	if len(sets) != len(changes) {
		return "", nil, syncerr.Configuration("patch "+spec.Type, fmt.Errorf("changes reference columns outside the table spec"))
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", spec.Table, strings.Join(sets, ", "), spec.IDColumn)
	return query, args, nil
}

// Delete removes one row. The delete trigger records a DELETE
func (r *SQLiteRepository) Delete(ctx context.Context, spec tablespec.TableSpec, id string) error {
	return r.WriteTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, spec.DeleteSQL(), id)
		return err
	})
}

// DeleteAll removes every row of the table, producing one DELETE per row
func (r *SQLiteRepository) DeleteAll(ctx context.Context, spec tablespec.TableSpec) (int64, error) {
	var n int64
	err := r.WriteTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM "+spec.Table)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// Get reads the current state of one row
func (r *SQLiteRepository) Get(ctx context.Context, spec tablespec.TableSpec, id string) (tablespec.Record, bool, error) {
	rows, err := FetchRows(ctx, r.db, spec, []string{id})
	if err != nil {
		return tablespec.Record{}, false, err
	}
	rec, ok := rows[id]
	return rec, ok, nil
}

// ReadPending reads up to limit outbox records, oldest first, and re-reads the
// rows referenced by PUT/PATCH records inside the same read transaction.
// Nothing is held open once it returns
func (r *SQLiteRepository) ReadPending(ctx context.Context, registry *tablespec.Registry, limit int) (PendingBatch, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return PendingBatch{}, fmt.Errorf("begin read transaction: %w", err)
	}
	defer tx.Rollback()

	records, err := FetchOutboxPending(ctx, tx, limit)
	if err != nil {
		return PendingBatch{}, err
	}

	idsByType := make(map[string][]string)
	seen := make(map[string]map[string]struct{})
	for _, rec := range records {
		if rec.Op == models.OpDelete {
			continue
		}
		if seen[rec.TableType] == nil {
			seen[rec.TableType] = make(map[string]struct{})
		}
		if _, dup := seen[rec.TableType][rec.RowID]; dup {
			continue
		}
		seen[rec.TableType][rec.RowID] = struct{}{}
		idsByType[rec.TableType] = append(idsByType[rec.TableType], rec.RowID)
	}

	batch := PendingBatch{
		Records: records,
		Rows:    make(map[string]map[string]tablespec.Record, len(idsByType)),
	}
	for tableType, ids := range idsByType {
		spec, err := registry.Require(tableType)
		if err != nil {
			return PendingBatch{}, err
		}
		rows, err := FetchRows(ctx, tx, spec, ids)
		if err != nil {
			return PendingBatch{}, err
		}
		batch.Rows[tableType] = rows
	}

	if err := tx.Commit(); err != nil {
		return PendingBatch{}, fmt.Errorf("commit read transaction: %w", err)
	}
	return batch, nil
}

// Querier is satisfied by *sql.DB and *sql.Tx
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// FetchOutboxPending returns up to limit outbox records in sequence order.
// A limit <= 0 reads everything
func FetchOutboxPending(ctx context.Context, q Querier, limit int) ([]models.OperationRecord, error) {
	query := `SELECT id, op, row_id, type, data, created_at FROM ` + capture.OutboxTable + ` ORDER BY id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	defer rows.Close()

	var records []models.OperationRecord
	for rows.Next() {
		var (
			rec  models.OperationRecord
			data sql.NullString
		)
		if err := rows.Scan(&rec.Seq, &rec.Op, &rec.RowID, &rec.TableType, &data, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox scan error: %w", err)
		}
		if data.Valid {
			rec.Payload = json.RawMessage(data.String)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// FetchRows reads the current state of the given ids, keyed by id
func FetchRows(ctx context.Context, q Querier, spec tablespec.TableSpec, ids []string) (map[string]tablespec.Record, error) {
	out := make(map[string]tablespec.Record, len(ids))
	cols := len(spec.AllColumns())

	for start := 0; start < len(ids); start += maxIDsPerQuery {
		chunk := ids[start:min(start+maxIDsPerQuery, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		rows, err := q.QueryContext(ctx, spec.SelectByIDsSQL(len(chunk)), args...)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s rows: %w", spec.Table, err)
		}

		for rows.Next() {
			values := make([]any, cols)
			ptrs := make([]any, cols)
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				rows.Close()
				return nil, fmt.Errorf("%s scan error: %w", spec.Table, err)
			}
			rec, err := spec.RecordFromScan(values)
			if err != nil {
				rows.Close()
				return nil, err
			}
			id, _ := rec.Get(spec.IDColumn)
			out[fmt.Sprint(id)] = rec
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DeleteOutboxThrough acknowledges every record with a sequence <= seq.
// Writers are serialized, so no record below seq can appear after the drain read
func (r *SQLiteRepository) DeleteOutboxThrough(ctx context.Context, seq int64) (int64, error) {
	var n int64
	err := r.WriteTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+capture.OutboxTable+` WHERE id <= ?`, seq)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to truncate outbox: %w", err)
	}
	return n, nil
}

// OutboxCount returns the number of records waiting for upload
func (r *SQLiteRepository) OutboxCount(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+capture.OutboxTable).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return n, nil
}

// ApplyRemote replays remote-origin changes into the local tables using the
// declared put/delete statements. Capture is suppressed for the duration of
// the transaction so the changes are not echoed back upstream
func (r *SQLiteRepository) ApplyRemote(ctx context.Context, schema tablespec.Schema, entries []models.CrudEntry) error {
	err := r.WriteTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO `+capture.GuardTable+` (active) VALUES (1)`); err != nil {
			return fmt.Errorf("enable apply guard: %w", err)
		}

		for _, e := range entries {
			table, ok := schema.Table(e.Type)
			if !ok {
				return syncerr.Configuration("apply remote", fmt.Errorf("table type %q is not declared", e.Type))
			}

			var (
				stmt tablespec.PendingStatement
				data map[string]any
			)
			switch e.Op {
			case models.OpPut, models.OpPatch:
				stmt = table.Put
				decoded, err := decodeData(e.Data)
				if err != nil {
					return fmt.Errorf("apply %s %s: %w", e.Type, e.ID, err)
				}
				data = decoded
			case models.OpDelete:
				stmt = table.Delete
			default:
				return fmt.Errorf("apply %s %s: unknown op %q", e.Type, e.ID, e.Op)
			}

			if _, err := tx.ExecContext(ctx, stmt.SQL, table.Bind(stmt, e.ID, data)...); err != nil {
				return fmt.Errorf("apply %s %s %s: %w", e.Op, e.Type, e.ID, err)
			}
		}

		_, err := tx.ExecContext(ctx, `DELETE FROM `+capture.GuardTable)
		return err
	})
	if err != nil {
		return err
	}

	r.logger.Debug("Remote changes applied", "count", len(entries))
	return nil
}

func decodeData(raw json.RawMessage) (map[string]any, error) {
	data := map[string]any{}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return data, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return data, nil
}

// mapSQLiteError turns the id guard's RAISE into a ConstraintViolation
func mapSQLiteError(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		sqliteErr.Code == sqlite3.ErrConstraint &&
		strings.Contains(sqliteErr.Error(), capture.IDChangeMessage) {
		return syncerr.ConstraintViolation(op, err)
	}
	return err
}
