package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Guizzs26/go-localsync/internal/connector"
	"github.com/Guizzs26/go-localsync/internal/db"
	"github.com/Guizzs26/go-localsync/internal/models"
	"github.com/Guizzs26/go-localsync/internal/processor"
	"github.com/Guizzs26/go-localsync/internal/tablespec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryUpstream stands in for Postgres/Firebird in both directions
type memoryUpstream struct {
	mu   sync.Mutex
	rows map[string]tablespec.Record
	err  error
}

func newMemoryUpstream() *memoryUpstream {
	return &memoryUpstream{rows: map[string]tablespec.Record{}}
}

func (m *memoryUpstream) ApplyBatch(_ context.Context, _ string, ops []db.UpstreamOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, op := range ops {
		key := op.Spec.Type + "/" + op.ID
		if op.Op == models.OpDelete {
			delete(m.rows, key)
			continue
		}
		m.rows[key] = op.Record
	}
	return nil
}

func (m *memoryUpstream) Get(_ context.Context, spec tablespec.TableSpec, id string) (tablespec.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[spec.Type+"/"+id]
	return rec, ok, nil
}

func newTestServer(t *testing.T, up *memoryUpstream) (*httptest.Server, *TokenIssuer) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := tablespec.DefaultRegistry()
	tokens := NewTokenIssuer(time.Minute)

	srv := httptest.NewServer(New(tokens, processor.NewSyncHandler(up, registry, logger), up, registry, logger).Routes())
	t.Cleanup(srv.Close)
	return srv, tokens
}

func postUpload(t *testing.T, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+connector.UploadPath, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestTokenEndpoint(t *testing.T) {
	srv, tokens := newTestServer(t, newMemoryUpstream())

	resp, err := http.Get(srv.URL + connector.TokenPath + "?sub=demo")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body models.TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, tokens.Valid(body.Token))
	assert.Greater(t, body.ExpiresAt, time.Now().Unix())

	missing, err := http.Get(srv.URL + connector.TokenPath)
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusBadRequest, missing.StatusCode)
}

func TestUploadRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t, newMemoryUpstream())

	assert.Equal(t, http.StatusUnauthorized, postUpload(t, srv.URL, "", `{"crud":[]}`).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, postUpload(t, srv.URL, "forged", `{"crud":[]}`).StatusCode)
}

func TestUploadStatusCodes(t *testing.T) {
	up := newMemoryUpstream()
	srv, tokens := newTestServer(t, up)
	token, _ := tokens.Issue("demo")

	assert.Equal(t, http.StatusBadRequest, postUpload(t, srv.URL, token, `{"crud":`).StatusCode)
	assert.Equal(t, http.StatusBadRequest,
		postUpload(t, srv.URL, token, `{"crud":[{"op":"PUT","id":"x","type":"orders","data":{}}]}`).StatusCode)

	up.err = errors.New("disk full")
	assert.Equal(t, http.StatusInternalServerError,
		postUpload(t, srv.URL, token, `{"crud":[{"op":"DELETE","id":"c1","type":"customers"}]}`).StatusCode)
}

func TestConnectorRoundTrip(t *testing.T) {
	up := newMemoryUpstream()
	srv, _ := newTestServer(t, up)

	c := connector.NewHTTPConnector(connector.Options{
		BackendURL:   srv.URL,
		SyncEndpoint: "http://localhost:8080",
		Subject:      "demo",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx := context.Background()
	creds, err := c.FetchCredentials(ctx)
	require.NoError(t, err)

	payload := models.UploadPayload{Crud: []models.CrudEntry{
		{Op: models.OpPut, ID: "c1", Type: "customers",
			Data: json.RawMessage(`{"id":"c1","customername":"Acme","description":"","customercode":"A1"}`)},
		{Op: models.OpPut, ID: "p1", Type: "products",
			Data: json.RawMessage(`{"id":"p1","productname":"Bolt","productcode":"B"}`)},
		{Op: models.OpDelete, ID: "p1", Type: "products"},
	}}
	require.NoError(t, c.Upload(ctx, creds, "batch-1", payload))

	// Redelivery of the same batch converges to the same state
	require.NoError(t, c.Upload(ctx, creds, "batch-1", payload))

	resp, err := http.Get(srv.URL + "/api/rows/customers/c1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"c1","customername":"Acme","description":"","customercode":"A1"}`, string(raw))

	gone, err := http.Get(srv.URL + "/api/rows/products/p1")
	require.NoError(t, err)
	gone.Body.Close()
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)

	unknown, err := http.Get(srv.URL + "/api/rows/orders/o1")
	require.NoError(t, err)
	unknown.Body.Close()
	assert.Equal(t, http.StatusNotFound, unknown.StatusCode)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, newMemoryUpstream())
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
