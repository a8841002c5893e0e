package db

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/Guizzs26/go-localsync/internal/models"
	"github.com/Guizzs26/go-localsync/internal/syncerr"
	"github.com/Guizzs26/go-localsync/internal/tablespec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSQLite(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "local.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	require.NoError(t, repo.ApplyDDL(ctx, tablespec.DemoTableDDL))
	require.NoError(t, repo.InstallCapture(ctx, tablespec.Customers, tablespec.Products))
	return repo
}

func TestPutPatchDeleteFillOutbox(t *testing.T) {
	repo := setupSQLite(t)
	ctx := context.Background()
	spec := tablespec.Customers

	require.NoError(t, repo.Put(ctx, spec, map[string]any{"id": "c1", "customername": "Acme", "customercode": "A1"}))
	require.NoError(t, repo.Patch(ctx, spec, "c1", map[string]any{"description": "vip"}))
	require.NoError(t, repo.Delete(ctx, spec, "c1"))

	records, err := FetchOutboxPending(ctx, repo.DB(), 0)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, models.OpPut, records[0].Op)
	assert.Equal(t, models.OpPatch, records[1].Op)
	assert.Equal(t, models.OpDelete, records[2].Op)
	assert.Less(t, records[0].Seq, records[1].Seq)
	assert.Less(t, records[1].Seq, records[2].Seq)
	assert.Nil(t, records[2].Payload)
	assert.False(t, records[0].CreatedAt.IsZero())
}

func TestPatchErrors(t *testing.T) {
	repo := setupSQLite(t)
	ctx := context.Background()
	spec := tablespec.Customers

	err := repo.Patch(ctx, spec, "missing", map[string]any{"description": "x"})
	assert.ErrorIs(t, err, ErrRowNotFound)

	err = repo.Patch(ctx, spec, "c1", map[string]any{"unknown": "x"})
	assert.True(t, syncerr.IsConfiguration(err))

	require.NoError(t, repo.Put(ctx, spec, map[string]any{"id": "c1", "customername": "Acme"}))
	before, err := repo.OutboxCount(ctx)
	require.NoError(t, err)

	err = repo.Patch(ctx, spec, "c1", map[string]any{"id": "c2"})
	assert.True(t, syncerr.IsConstraintViolation(err))

	after, err := repo.OutboxCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestReadPendingResolvesLiveRows(t *testing.T) {
	repo := setupSQLite(t)
	ctx := context.Background()
	registry := tablespec.DefaultRegistry()

	require.NoError(t, repo.Put(ctx, tablespec.Customers, map[string]any{"id": "c1", "customername": "Acme"}))
	require.NoError(t, repo.Patch(ctx, tablespec.Customers, "c1", map[string]any{"customername": "Acme Corp"}))
	require.NoError(t, repo.Put(ctx, tablespec.Products, map[string]any{"id": "p1", "productname": "Bolt", "productcode": "B1"}))
	require.NoError(t, repo.Delete(ctx, tablespec.Products, "p1"))

	batch, err := repo.ReadPending(ctx, registry, 0)
	require.NoError(t, err)
	require.Len(t, batch.Records, 4)

	c1, ok := batch.Row("customers", "c1")
	require.True(t, ok)
	assert.Equal(t, "Acme Corp", c1.Map()["customername"])

	_, ok = batch.Row("products", "p1")
	assert.False(t, ok)

	limited, err := repo.ReadPending(ctx, registry, 2)
	require.NoError(t, err)
	assert.Len(t, limited.Records, 2)
}

func TestReadPendingUnknownType(t *testing.T) {
	repo := setupSQLite(t)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, tablespec.Products, map[string]any{"id": "p1", "productname": "Bolt", "productcode": "B1"}))

	registry, err := tablespec.NewRegistry(tablespec.Customers)
	require.NoError(t, err)

	_, err = repo.ReadPending(ctx, registry, 0)
	assert.True(t, syncerr.IsConfiguration(err))
}

func TestDeleteOutboxThrough(t *testing.T) {
	repo := setupSQLite(t)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, repo.Put(ctx, tablespec.Products, map[string]any{"id": id, "productname": id, "productcode": id}))
	}
	records, err := FetchOutboxPending(ctx, repo.DB(), 2)
	require.NoError(t, err)

	n, err := repo.DeleteOutboxThrough(ctx, records[1].Seq)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	left, err := FetchOutboxPending(ctx, repo.DB(), 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "p3", left[0].RowID)
}

func TestDeleteAllCapturesEveryRow(t *testing.T) {
	repo := setupSQLite(t)
	ctx := context.Background()

	rows := []map[string]any{
		{"id": "p1", "productname": "Bolt", "productcode": "B1"},
		{"id": "p2", "productname": "Nut", "productcode": "N1"},
	}
	require.NoError(t, repo.PutMany(ctx, tablespec.Products, rows))

	n, err := repo.DeleteAll(ctx, tablespec.Products)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	count, err := repo.OutboxCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestApplyRemoteDoesNotEcho(t *testing.T) {
	repo := setupSQLite(t)
	ctx := context.Background()
	schema := tablespec.DefaultRegistry().Schema()

	require.NoError(t, repo.Put(ctx, tablespec.Products, map[string]any{"id": "p9", "productname": "Old", "productcode": "O"}))
	_, err := repo.DeleteOutboxThrough(ctx, 1<<62)
	require.NoError(t, err)

	err = repo.ApplyRemote(ctx, schema, []models.CrudEntry{
		{Op: models.OpPut, ID: "c1", Type: "customers", Data: json.RawMessage(`{"id":"c1","customername":"Remote"}`)},
		{Op: models.OpPatch, ID: "c1", Type: "customers", Data: json.RawMessage(`{"id":"c1","customername":"Remote 2","customercode":"R"}`)},
		{Op: models.OpDelete, ID: "p9", Type: "products"},
	})
	require.NoError(t, err)

	rec, ok, err := repo.Get(ctx, tablespec.Customers, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"id": "c1", "customername": "Remote 2", "description": "", "customercode": "R"}, rec.Map())

	_, ok, err = repo.Get(ctx, tablespec.Products, "p9")
	require.NoError(t, err)
	assert.False(t, ok)

	count, err := repo.OutboxCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	// Capture is active again once the apply commits
	require.NoError(t, repo.Delete(ctx, tablespec.Customers, "c1"))
	count, err = repo.OutboxCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestApplyRemoteRollsBackOnUnknownType(t *testing.T) {
	repo := setupSQLite(t)
	ctx := context.Background()

	err := repo.ApplyRemote(ctx, tablespec.DefaultRegistry().Schema(), []models.CrudEntry{
		{Op: models.OpPut, ID: "c1", Type: "customers", Data: json.RawMessage(`{"customername":"A"}`)},
		{Op: models.OpPut, ID: "o1", Type: "orders"},
	})
	assert.True(t, syncerr.IsConfiguration(err))

	_, ok, err := repo.Get(ctx, tablespec.Customers, "c1")
	require.NoError(t, err)
	assert.False(t, ok)
}
