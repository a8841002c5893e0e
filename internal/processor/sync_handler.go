package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-localsync/internal/db"
	"github.com/Guizzs26/go-localsync/internal/models"
	"github.com/Guizzs26/go-localsync/internal/tablespec"
	"github.com/Guizzs26/go-localsync/pkg/metrics"
)

const maxRetries = 3

// ErrInvalidBatch marks batches that can never succeed: unknown op or type,
// missing id, malformed data. They are rejected, not retried
var ErrInvalidBatch = errors.New("invalid batch")

// Applier writes a validated batch to the upstream database in one transaction
type Applier interface {
	ApplyBatch(ctx context.Context, batchID string, ops []db.UpstreamOp) error
}

// SyncHandler validates uploaded batches and applies them upstream
type SyncHandler struct {
	applier  Applier
	registry *tablespec.Registry
	logger   *slog.Logger

	opTimeout   time.Duration
	lockBackoff time.Duration
}

// NewSyncHandler creates a new instance of the synchronization orchestrator
func NewSyncHandler(applier Applier, registry *tablespec.Registry, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{
		applier:     applier,
		registry:    registry,
		logger:      logger,
		opTimeout:   15 * time.Second,
		lockBackoff: 200 * time.Millisecond,
	}
}

// ProcessBatch validates the whole batch first, then applies it with internal
// retry on lock contention. The batch is all-or-nothing
func (h *SyncHandler) ProcessBatch(ctx context.Context, batchID string, payload models.UploadPayload) (err error) {
	start := time.Now()
	l := h.logger.With("batch_id", batchID, "count", len(payload.Crud))

	ops, err := h.validate(payload)
	if err != nil {
		l.Error("Rejected batch", "error", err)
		metrics.Operations.WithLabelValues("rejected", "batch").Add(float64(len(payload.Crud)))
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		for _, op := range ops {
			metrics.Operations.WithLabelValues(status, string(op.Op)).Inc()
		}
		metrics.ApplyDuration.WithLabelValues(status, batchTables(ops), "batch").Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		// Fresh context for each attempt
		txCtx, txCancel := context.WithTimeout(ctx, h.opTimeout)
		err = h.applier.ApplyBatch(txCtx, batchID, ops)
		txCancel()

		if err == nil {
			l.Info("Batch applied upstream", "duration_ms", time.Since(start).Milliseconds())
			return nil
		}

		if !db.IsLockConflict(err) {
			// Non-recoverable error (syntax, constraint violation, etc)
			return err
		}

		lastErr = err
		metrics.LockRetries.WithLabelValues(batchTables(ops)).Inc()

		// Linear backoff: 200ms, 400ms, 600ms
		backoff := time.Duration(attempt) * h.lockBackoff
		l.Warn("Upstream lock contention detected, retrying internally",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("failed after %d attempts (last error: %w)", maxRetries, lastErr)
}

func (h *SyncHandler) validate(payload models.UploadPayload) ([]db.UpstreamOp, error) {
	ops := make([]db.UpstreamOp, 0, len(payload.Crud))

	for i, e := range payload.Crud {
		if !e.Op.Valid() {
			return nil, fmt.Errorf("%w: entry %d: unknown op %q", ErrInvalidBatch, i, e.Op)
		}
		if e.ID == "" {
			return nil, fmt.Errorf("%w: entry %d: missing id", ErrInvalidBatch, i)
		}
		spec, ok := h.registry.Lookup(e.Type)
		if !ok {
			return nil, fmt.Errorf("%w: entry %d: table type %q is not allowed", ErrInvalidBatch, i, e.Type)
		}

		op := db.UpstreamOp{Spec: spec, Op: e.Op, ID: e.ID}
		if e.Op != models.OpDelete {
			rec, err := spec.DecodeRecord(e.Data)
			if err != nil {
				return nil, fmt.Errorf("%w: entry %d: %v", ErrInvalidBatch, i, err)
			}
			row := rec.Map()
			// The entry id is authoritative over whatever data carries
			row[spec.IDColumn] = e.ID
			op.Record = spec.Record(row)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// batchTables is a stable metrics label for the tables touched by a batch
func batchTables(ops []db.UpstreamOp) string {
	seen := make(map[string]struct{}, 2)
	var names []string
	for _, op := range ops {
		if _, ok := seen[op.Spec.Table]; ok {
			continue
		}
		seen[op.Spec.Table] = struct{}{}
		names = append(names, op.Spec.Table)
	}
	if len(names) == 1 {
		return names[0]
	}
	return "mixed"
}

// IsInvalidBatch reports whether err was caused by a rejected batch
func IsInvalidBatch(err error) bool {
	return errors.Is(err, ErrInvalidBatch)
}
