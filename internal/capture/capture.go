package capture

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Guizzs26/go-localsync/internal/tablespec"
)

const (
	// OutboxTable holds one row per captured mutation, in commit order
	OutboxTable = "sync_outbox"

	// GuardTable is non-empty only while remote changes are being replayed
	// locally. Triggers skip the outbox append while it has rows
	GuardTable = "sync_apply_guard"

	// IDChangeMessage is raised by the update trigger when a row id changes
	IDChangeMessage = "Cannot update id"
)

// Execer is satisfied by *sql.DB, *sql.Tx and *sql.Conn
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// OutboxDDL returns the statements creating the outbox and the apply guard
func OutboxDDL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + OutboxTable + ` (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    op         TEXT NOT NULL CHECK (op IN ('PUT', 'PATCH', 'DELETE')),
    row_id     TEXT NOT NULL,
    type       TEXT NOT NULL,
    data       TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`,
		`CREATE TABLE IF NOT EXISTS ` + GuardTable + ` (
    active INTEGER NOT NULL
);`,
	}
}

// TriggerNames returns the insert, update and delete trigger names of a spec
func TriggerNames(spec tablespec.TableSpec) (insert, update, del string) {
	return "sync_" + spec.Table + "_insert", "sync_" + spec.Table + "_update", "sync_" + spec.Table + "_delete"
}

// TriggerStatements returns the SQL that (re)installs the capture triggers of a
// spec: three drops followed by three creates. The appends run inside the
// statement that fired them, so a write and its outbox record commit together
func TriggerStatements(spec tablespec.TableSpec) []string {
	insertName, updateName, deleteName := TriggerNames(spec)
	outboxInsert := func(op, alias, data string) string {
		return fmt.Sprintf(`INSERT INTO %s (op, row_id, type, data)
    SELECT '%s', %s.%s, '%s', %s
    WHERE NOT EXISTS (SELECT 1 FROM %s);`,
			OutboxTable, op, alias, spec.IDColumn, spec.Type, data, GuardTable)
	}

	insertTrig := fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT ON %s
FOR EACH ROW
BEGIN
    %s
END;`, insertName, spec.Table, outboxInsert("PUT", "NEW", spec.TriggerPayloadExpr("NEW.")))

	updateTrig := fmt.Sprintf(`CREATE TRIGGER %s AFTER UPDATE ON %s
FOR EACH ROW
BEGIN
    SELECT CASE
        WHEN OLD.%s IS NOT NEW.%s THEN RAISE(ABORT, '%s')
    END;
    %s
END;`, updateName, spec.Table, spec.IDColumn, spec.IDColumn, IDChangeMessage,
		outboxInsert("PATCH", "NEW", spec.TriggerPayloadExpr("NEW.")))

	deleteTrig := fmt.Sprintf(`CREATE TRIGGER %s AFTER DELETE ON %s
FOR EACH ROW
BEGIN
    %s
END;`, deleteName, spec.Table, outboxInsert("DELETE", "OLD", "NULL"))

	return []string{
		"DROP TRIGGER IF EXISTS " + insertName,
		"DROP TRIGGER IF EXISTS " + updateName,
		"DROP TRIGGER IF EXISTS " + deleteName,
		insertTrig,
		updateTrig,
		deleteTrig,
	}
}

// Install creates the outbox and reinstalls the triggers of every spec. Run it
// inside a transaction so a failure leaves the previous triggers in place
func Install(ctx context.Context, db Execer, specs ...tablespec.TableSpec) error {
	for _, stmt := range OutboxDDL() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create outbox: %w", err)
		}
	}
	for _, spec := range specs {
		for _, stmt := range TriggerStatements(spec) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("install triggers for %s: %w", spec.Table, err)
			}
		}
	}
	return nil
}
