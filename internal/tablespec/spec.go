package tablespec

import (
	"fmt"
	"regexp"
	"strings"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// TableSpec is the single source of truth for a synced table. It drives the
// trigger SQL, the inbound put/delete statements, the upstream upsert and the
// JSON shape of uploaded rows.
//
// Columns excludes the id column. Its order is the parameter order of every
// generated statement, so it must never be reordered once data exists
type TableSpec struct {
	Type     string // logical sync table name sent as "type"
	Table    string // physical table name
	IDColumn string
	Columns  []string
	Defaults map[string]any // fallback for NULL values; missing entries default to ""
}

// DefaultValue returns the value used when a tracked column is NULL or absent
func (s TableSpec) DefaultValue(column string) any {
	if v, ok := s.Defaults[column]; ok {
		return v
	}
	return ""
}

// Validate rejects specs that would generate broken or injectable SQL
func (s TableSpec) Validate() error {
	if s.Type == "" {
		return fmt.Errorf("table spec has no type")
	}
	for _, name := range []string{s.Table, s.IDColumn} {
		if !identifierPattern.MatchString(name) {
			return fmt.Errorf("spec %s: invalid identifier %q", s.Type, name)
		}
	}

	seen := make(map[string]struct{}, len(s.Columns))
	for _, c := range s.Columns {
		if !identifierPattern.MatchString(c) {
			return fmt.Errorf("spec %s: invalid column %q", s.Type, c)
		}
		if strings.EqualFold(c, s.IDColumn) {
			return fmt.Errorf("spec %s: id column %q must not be listed in columns", s.Type, c)
		}
		key := strings.ToLower(c)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("spec %s: duplicate column %q", s.Type, c)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// AllColumns returns the id column followed by the tracked columns
func (s TableSpec) AllColumns() []string {
	all := make([]string, 0, 1+len(s.Columns))
	all = append(all, s.IDColumn)
	return append(all, s.Columns...)
}

// PutSQL is the INSERT OR REPLACE used to replay remote PUT/PATCH into the local store
func (s TableSpec) PutSQL() string {
	all := s.AllColumns()
	return fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		s.Table,
		strings.Join(all, ", "),
		placeholders(len(all)),
	)
}

// DeleteSQL removes a single row by id
func (s TableSpec) DeleteSQL() string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = ?", s.Table, s.IDColumn)
}

// SelectByIDsSQL reads the live state of n rows, columns in AllColumns order
func (s TableSpec) SelectByIDsSQL(n int) string {
	return fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s IN (%s)",
		strings.Join(s.AllColumns(), ", "),
		s.Table,
		s.IDColumn,
		placeholders(n),
	)
}

// TriggerPayloadExpr builds the json_object expression stored in the outbox.
// prefix is the row reference ("NEW." for insert/update bodies, "OLD." for delete)
func (s TableSpec) TriggerPayloadExpr(prefix string) string {
	pairs := make([]string, 0, 1+len(s.Columns))
	pairs = append(pairs, fmt.Sprintf("'%s', %s%s", s.IDColumn, prefix, s.IDColumn))
	for _, c := range s.Columns {
		pairs = append(pairs, fmt.Sprintf("'%s', COALESCE(%s%s, %s)", c, prefix, c, sqlLiteral(s.DefaultValue(c))))
	}
	return "json_object(" + strings.Join(pairs, ", ") + ")"
}

// UpsertSQL is the upstream (PostgreSQL) statement that makes redelivery of the
// same PUT/PATCH safe
func (s TableSpec) UpsertSQL() string {
	all := s.AllColumns()
	ph := make([]string, len(all))
	for i := range all {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s)\nVALUES (%s)\nON CONFLICT (%s) DO ",
		s.Table, strings.Join(all, ", "), strings.Join(ph, ", "), s.IDColumn)

	if len(s.Columns) == 0 {
		b.WriteString("NOTHING")
		return b.String()
	}

	updates := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		updates[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
	}
	b.WriteString("UPDATE SET\n  ")
	b.WriteString(strings.Join(updates, ",\n  "))
	return b.String()
}

// UpstreamDeleteSQL is the positional-placeholder delete paired with UpsertSQL
func (s TableSpec) UpstreamDeleteSQL() string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = $1", s.Table, s.IDColumn)
}

// PutValues returns the arguments of PutSQL for the given row map
func (s TableSpec) PutValues(row map[string]any) []any {
	return s.orderedValues(row)
}

// UpsertValues returns the arguments of UpsertSQL for the given row map
func (s TableSpec) UpsertValues(row map[string]any) []any {
	return s.orderedValues(row)
}

func (s TableSpec) orderedValues(row map[string]any) []any {
	values := make([]any, 0, 1+len(s.Columns))
	id := normalize(row[s.IDColumn])
	if id == nil {
		id = ""
	}
	values = append(values, id)
	for _, c := range s.Columns {
		v := normalize(row[c])
		if v == nil {
			v = s.DefaultValue(c)
		}
		values = append(values, v)
	}
	return values
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// sqlLiteral renders a default value inside generated trigger SQL
func sqlLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	case bool:
		if val {
			return "1"
		}
		return "0"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(val)
	default:
		return "'" + strings.ReplaceAll(fmt.Sprint(val), "'", "''") + "'"
	}
}
