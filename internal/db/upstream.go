package db

import (
	"github.com/Guizzs26/go-localsync/internal/models"
	"github.com/Guizzs26/go-localsync/internal/tablespec"
)

// UpstreamOp is one validated upload entry ready to be applied upstream.
// Record is empty for DELETE
type UpstreamOp struct {
	Spec   tablespec.TableSpec
	Op     models.OpKind
	ID     string
	Record tablespec.Record
}
