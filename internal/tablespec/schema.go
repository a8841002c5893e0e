package tablespec

// ParameterKind tells the inbound apply path where a statement argument comes from
type ParameterKind int

const (
	ParamID ParameterKind = iota
	ParamColumn
)

// PendingStatementParameter is one positional argument of a PendingStatement
type PendingStatementParameter struct {
	Kind   ParameterKind
	Column string // set when Kind == ParamColumn
}

// PendingStatement is SQL plus the description of its positional arguments
type PendingStatement struct {
	SQL    string
	Params []PendingStatementParameter
}

// RawTable is what the inbound apply path needs to replay remote changes into
// one local table without bespoke per-table code
type RawTable struct {
	Name   string
	Type   string
	Put    PendingStatement
	Delete PendingStatement

	defaults func(string) any
}

// Schema is the full declaration consumed by the inbound apply path
type Schema struct {
	Tables []RawTable
}

// RawTable derives the put/delete declaration from the spec
func (s TableSpec) RawTable() RawTable {
	put := []PendingStatementParameter{{Kind: ParamID}}
	for _, c := range s.Columns {
		put = append(put, PendingStatementParameter{Kind: ParamColumn, Column: c})
	}
	return RawTable{
		Name:     s.Table,
		Type:     s.Type,
		Put:      PendingStatement{SQL: s.PutSQL(), Params: put},
		Delete:   PendingStatement{SQL: s.DeleteSQL(), Params: []PendingStatementParameter{{Kind: ParamID}}},
		defaults: s.DefaultValue,
	}
}

// Bind resolves the statement parameters against a row id and its column values.
// Missing or NULL columns take the table's default
func (t RawTable) Bind(stmt PendingStatement, id string, data map[string]any) []any {
	args := make([]any, 0, len(stmt.Params))
	for _, p := range stmt.Params {
		if p.Kind == ParamID {
			args = append(args, id)
			continue
		}
		v := normalize(data[p.Column])
		if v == nil && t.defaults != nil {
			v = t.defaults(p.Column)
		}
		args = append(args, v)
	}
	return args
}

// Schema returns the declaration of every registered table
func (r *Registry) Schema() Schema {
	specs := r.All()
	tables := make([]RawTable, 0, len(specs))
	for _, s := range specs {
		tables = append(tables, s.RawTable())
	}
	return Schema{Tables: tables}
}

// Table finds a raw table by its logical type
func (s Schema) Table(tableType string) (RawTable, bool) {
	for _, t := range s.Tables {
		if t.Type == tableType {
			return t, true
		}
	}
	return RawTable{}, false
}
