package models

import (
	"encoding/json"
	"time"
)

// OpKind is the kind of mutation captured in the outbox
type OpKind string

const (
	OpPut    OpKind = "PUT"
	OpPatch  OpKind = "PATCH"
	OpDelete OpKind = "DELETE"
)

// Valid reports whether the kind is one of the three legal operations
func (k OpKind) Valid() bool {
	return k == OpPut || k == OpPatch || k == OpDelete
}

// OperationRecord represents a row in the local sync_outbox table.
// Records are appended by triggers and never mutated in place
type OperationRecord struct {
	Seq       int64           `db:"id"`
	Op        OpKind          `db:"op"`
	RowID     string          `db:"row_id"`
	TableType string          `db:"type"`
	Payload   json.RawMessage `db:"data"` // nil for DELETE
	CreatedAt time.Time       `db:"created_at"`
}

// EstimateBytes approximates the memory held by the record once loaded
func (r OperationRecord) EstimateBytes() int {
	return 64 + len(r.RowID) + len(r.TableType) + len(r.Payload)
}
