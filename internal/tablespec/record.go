package tablespec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Field is one named value of a Record
type Field struct {
	Name  string
	Value any
}

// Record is the structured row shape shared by trigger payloads, uploads and
// upstream applies: id first, then every tracked column in spec order
type Record struct {
	fields []Field
}

// Record builds the upload shape of a row. Tracked columns that are NULL or
// missing take their DefaultValue; keys outside the spec are dropped
func (s TableSpec) Record(row map[string]any) Record {
	values := s.orderedValues(row)
	fields := make([]Field, 0, len(values))
	for i, name := range s.AllColumns() {
		fields = append(fields, Field{Name: name, Value: values[i]})
	}
	return Record{fields: fields}
}

// RecordFromScan pairs values scanned in AllColumns order with their names
func (s TableSpec) RecordFromScan(values []any) (Record, error) {
	cols := s.AllColumns()
	if len(values) != len(cols) {
		return Record{}, fmt.Errorf("spec %s: scanned %d values, want %d", s.Type, len(values), len(cols))
	}
	row := make(map[string]any, len(cols))
	for i, c := range cols {
		row[c] = values[i]
	}
	return s.Record(row), nil
}

func (r Record) Fields() []Field {
	return r.fields
}

func (r Record) Get(name string) (any, bool) {
	for _, f := range r.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Map returns the record as a plain map, used by the SQL appliers
func (r Record) Map() map[string]any {
	m := make(map[string]any, len(r.fields))
	for _, f := range r.fields {
		m[f.Name] = f.Value
	}
	return m
}

// MarshalJSON keeps field order stable so payloads are byte-for-byte reproducible
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodeRecord parses an uploaded data object back into the spec's shape
func (s TableSpec) DecodeRecord(data json.RawMessage) (Record, error) {
	row := map[string]any{}
	if len(data) > 0 && !bytes.Equal(data, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&row); err != nil {
			return Record{}, fmt.Errorf("spec %s: decode data: %w", s.Type, err)
		}
	}
	return s.Record(row), nil
}

// normalize turns driver-specific values into plain JSON-friendly ones
func normalize(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	default:
		return v
	}
}
