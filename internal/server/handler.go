package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Guizzs26/go-localsync/internal/connector"
	"github.com/Guizzs26/go-localsync/internal/models"
	"github.com/Guizzs26/go-localsync/internal/processor"
	"github.com/Guizzs26/go-localsync/internal/tablespec"

	"github.com/google/uuid"
)

// maxUploadBytes bounds the body of one upload request
const maxUploadBytes = 32 << 20

// BatchProcessor applies one uploaded batch upstream
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, batchID string, payload models.UploadPayload) error
}

// Reader returns the upstream state of one row
type Reader interface {
	Get(ctx context.Context, spec tablespec.TableSpec, id string) (tablespec.Record, bool, error)
}

// Server exposes the token, upload and row endpoints of the sync backend
type Server struct {
	tokens   *TokenIssuer
	handler  BatchProcessor
	reader   Reader
	registry *tablespec.Registry
	logger   *slog.Logger
}

func New(tokens *TokenIssuer, handler BatchProcessor, reader Reader, registry *tablespec.Registry, logger *slog.Logger) *Server {
	return &Server{
		tokens:   tokens,
		handler:  handler,
		reader:   reader,
		registry: registry,
		logger:   logger,
	}
}

// Routes builds the request multiplexer
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+connector.TokenPath, s.handleToken)
	mux.HandleFunc("POST "+connector.UploadPath, s.handleUpload)
	mux.HandleFunc("GET /api/rows/{type}/{id}", s.handleRow)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("SYNC SERVER ALIVE"))
	})
	return mux
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	sub := r.URL.Query().Get("sub")
	if sub == "" {
		http.Error(w, "missing sub", http.StatusBadRequest)
		return
	}

	token, expires := s.tokens.Issue(sub)
	s.logger.Debug("Token issued", "sub", sub, "expires_at", expires)

	writeJSON(w, http.StatusOK, models.TokenResponse{Token: token, ExpiresAt: expires.Unix()})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || !s.tokens.Valid(token) {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	var payload models.UploadPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadBytes)).Decode(&payload); err != nil {
		http.Error(w, "malformed body: "+err.Error(), http.StatusBadRequest)
		return
	}

	batchID := r.Header.Get(connector.BatchIDHeader)
	if batchID == "" {
		batchID = uuid.NewString()
	}

	if err := s.handler.ProcessBatch(r.Context(), batchID, payload); err != nil {
		switch {
		case processor.IsInvalidBatch(err):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
		default:
			s.logger.Error("Upload apply failed", "batch_id", batchID, "error", err)
			http.Error(w, "apply failed", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set(connector.BatchIDHeader, batchID)
	writeJSON(w, http.StatusOK, map[string]int{"applied": len(payload.Crud)})
}

func (s *Server) handleRow(w http.ResponseWriter, r *http.Request) {
	spec, ok := s.registry.Lookup(r.PathValue("type"))
	if !ok {
		http.Error(w, "unknown type", http.StatusNotFound)
		return
	}

	rec, found, err := s.reader.Get(r.Context(), spec, r.PathValue("id"))
	if err != nil {
		s.logger.Error("Row read failed", "type", spec.Type, "error", err)
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
