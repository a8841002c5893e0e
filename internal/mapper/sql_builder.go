package mapper

import (
	"fmt"
	"strings"
	"time"

	"github.com/Guizzs26/go-localsync/internal/tablespec"
)

// SQLBuilder translates uploaded records to Firebird-compatible SQL
type SQLBuilder struct{}

// NewSQLBuilder initializes a new mapper instance
func NewSQLBuilder() *SQLBuilder {
	return &SQLBuilder{}
}

// BuildUpsert generates an UPDATE OR INSERT ... MATCHING statement, Firebird's
// native upsert, so a redelivered PUT/PATCH leaves the row unchanged.
// Columns follow the record order, which is the spec order
func (b *SQLBuilder) BuildUpsert(tableName, pkColumn string, fields []tablespec.Field) (string, []any, error) {
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("no data provided for upsert on table %s", tableName)
	}

	columns := make([]string, 0, len(fields))
	placeholders := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields))
	hasPK := false

	for _, f := range fields {
		if strings.EqualFold(f.Name, pkColumn) {
			hasPK = true
		}
		// Standardizing to Uppercase to prevent case-sensitivity issues in Firebird
		columns = append(columns, strings.ToUpper(f.Name))
		placeholders = append(placeholders, "?")
		args = append(args, b.formatValue(f.Value))
	}
	if !hasPK {
		return "", nil, fmt.Errorf("primary key %s missing in record for table %s", pkColumn, tableName)
	}

	query := fmt.Sprintf(
		"UPDATE OR INSERT INTO %s (%s) VALUES (%s) MATCHING (%s)",
		strings.ToUpper(tableName),
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
		strings.ToUpper(pkColumn),
	)

	return query, args, nil
}

// BuildDelete generates a DELETE by primary key
func (b *SQLBuilder) BuildDelete(tableName, pkColumn string, pkValue any) (string, []any) {
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE %s = ?",
		strings.ToUpper(tableName),
		strings.ToUpper(pkColumn),
	)
	return query, []any{b.formatValue(pkValue)}
}

// BuildSelect reads one row by primary key, columns in the given order
func (b *SQLBuilder) BuildSelect(tableName, pkColumn string, columns []string) string {
	upper := make([]string, len(columns))
	for i, c := range columns {
		upper[i] = strings.ToUpper(c)
	}
	return fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = ?",
		strings.Join(upper, ", "),
		strings.ToUpper(tableName),
		strings.ToUpper(pkColumn),
	)
}

// formatValue handles type conversion for Firebird 2.5 specificities
func (b *SQLBuilder) formatValue(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return 1
		}
		return 0
	case string:
		// 1. Try Full ISO8601/RFC3339 (Timestamp)
		if t, err := time.Parse(time.RFC3339, val); err == nil {
			return t.Format("2006-01-02 15:04:05")
		}
		// 2. Try Simple Date (YYYY-MM-DD)
		if t, err := time.Parse("2006-01-02", val); err == nil {
			return t.Format("2006-01-02")
		}
		return val
	default:
		return val
	}
}
