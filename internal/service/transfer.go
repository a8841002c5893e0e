package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-localsync/internal/connector"
	"github.com/Guizzs26/go-localsync/internal/db"
	"github.com/Guizzs26/go-localsync/internal/models"
	"github.com/Guizzs26/go-localsync/internal/syncerr"
	"github.com/Guizzs26/go-localsync/internal/tablespec"
	"github.com/Guizzs26/go-localsync/pkg/infra"
	"github.com/Guizzs26/go-localsync/pkg/metrics"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const MaxBatchMemoryThresholdMB = 20

// OutboxRepository is the part of the local store the engine depends on
type OutboxRepository interface {
	ReadPending(ctx context.Context, registry *tablespec.Registry, limit int) (db.PendingBatch, error)
	DeleteOutboxThrough(ctx context.Context, seq int64) (int64, error)
	OutboxCount(ctx context.Context) (int, error)
}

type TransferOptions struct {
	// BatchSize caps the records read per upload. <= 0 drains everything at once
	BatchSize            int
	CredentialRetries    int
	// CredentialBackoffMin is the first delay between credential attempts
	CredentialBackoffMin time.Duration
	UploadTimeout        time.Duration
	// RetryInterval is the idle period of Run between sweeps
	RetryInterval        time.Duration
}

func (o *TransferOptions) setDefaults() {
	if o.CredentialRetries <= 0 {
		o.CredentialRetries = 5
	}
	if o.CredentialBackoffMin <= 0 {
		o.CredentialBackoffMin = 250 * time.Millisecond
	}
	if o.UploadTimeout <= 0 {
		o.UploadTimeout = 10 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 5 * time.Second
	}
}

// TransferEngine drains the outbox and hands batches to the connector.
// At most one drain runs per engine; concurrent callers wait for it and then
// drain whatever is left, which is usually nothing
type TransferEngine struct {
	repo      OutboxRepository
	registry  *tablespec.Registry
	connector connector.Connector
	opts      TransferOptions
	logger    *slog.Logger

	inflight *semaphore.Weighted
	retry    *infra.Backoff
}

func NewTransferEngine(repo OutboxRepository, registry *tablespec.Registry, c connector.Connector, opts TransferOptions, logger *slog.Logger) *TransferEngine {
	opts.setDefaults()
	return &TransferEngine{
		repo:      repo,
		registry:  registry,
		connector: c,
		opts:      opts,
		logger:    logger,
		inflight:  semaphore.NewWeighted(1),
		retry:     infra.NewBackoff(opts.RetryInterval/5, 5*time.Minute, 2),
	}
}

// DrainAndUpload uploads every pending record, batch by batch, and returns
// the first failure. Records are only removed after the connector acked them
func (e *TransferEngine) DrainAndUpload(ctx context.Context) error {
	if err := e.inflight.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.inflight.Release(1)

	for {
		more, err := e.drainOnce(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// drainOnce uploads one batch. It reports whether the batch was full, in which
// case more records may be waiting
func (e *TransferEngine) drainOnce(ctx context.Context) (bool, error) {
	start := time.Now()

	pending, err := e.repo.ReadPending(ctx, e.registry, e.opts.BatchSize)
	if err != nil {
		return false, fmt.Errorf("read outbox: %w", err)
	}
	if len(pending.Records) == 0 {
		metrics.Transfers.WithLabelValues("empty").Inc()
		metrics.OutboxBacklog.Set(0)
		return false, nil
	}

	entries, err := BuildBatch(pending, e.registry, e.logger)
	if err != nil {
		return false, err
	}

	var batchBytes int
	for _, r := range pending.Records {
		batchBytes += r.EstimateBytes()
	}
	if batchMB := batchBytes / (1024 * 1024); batchMB > MaxBatchMemoryThresholdMB {
		e.logger.Warn("Heavy batch detected: memory pressure risk",
			"size_mb", batchMB,
			"threshold_mb", MaxBatchMemoryThresholdMB,
			"count", len(entries),
		)
	}

	batchID := uuid.NewString()
	l := e.logger.With("batch_id", batchID, "count", len(entries))

	creds, err := connector.FetchCredentialsWithRetry(ctx, e.connector,
		infra.NewBackoff(e.opts.CredentialBackoffMin, 10*e.opts.CredentialBackoffMin, 2),
		e.opts.CredentialRetries, l)
	if err != nil {
		metrics.Transfers.WithLabelValues("error").Inc()
		return false, err
	}

	uploadCtx, cancel := context.WithTimeout(ctx, e.opts.UploadTimeout)
	err = e.connector.Upload(uploadCtx, creds, batchID, models.UploadPayload{Crud: entries})
	cancel()
	if err != nil {
		metrics.Transfers.WithLabelValues("error").Inc()
		metrics.ConnectorHealthy.Set(0)
		if !syncerr.IsTransfer(err) {
			err = syncerr.Transfer("upload", err)
		}
		l.Warn("Upload failed, outbox kept for retry", "error", err)
		return false, err
	}
	metrics.ConnectorHealthy.Set(1)

	// The upload is acknowledged: finish the truncation even if the caller
	// is shutting down, otherwise the batch is sent again on next start
	lastSeq := pending.Records[len(pending.Records)-1].Seq
	ackCtx, ackCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	removed, err := e.repo.DeleteOutboxThrough(ackCtx, lastSeq)
	ackCancel()
	if err != nil {
		l.Error("CRITICAL: batch uploaded but outbox truncation failed, it will be redelivered", "error", err)
		return false, fmt.Errorf("ack batch: %w", err)
	}

	metrics.Transfers.WithLabelValues("success").Inc()
	metrics.BatchSize.Observe(float64(len(entries)))
	metrics.BatchDuration.Observe(time.Since(start).Seconds())
	if backlog, err := e.repo.OutboxCount(ctx); err == nil {
		metrics.OutboxBacklog.Set(float64(backlog))
	}

	l.Info("Batch uploaded",
		"removed", removed,
		"last_seq", lastSeq,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	full := e.opts.BatchSize > 0 && len(pending.Records) >= e.opts.BatchSize
	return full, nil
}

// BuildBatch turns a pending read into upload entries in capture order.
// PUT/PATCH entries carry the row as it is now, not the captured payload;
// when the row no longer exists the entry is sent as a DELETE
func BuildBatch(pending db.PendingBatch, registry *tablespec.Registry, logger *slog.Logger) ([]models.CrudEntry, error) {
	entries := make([]models.CrudEntry, 0, len(pending.Records))

	for _, rec := range pending.Records {
		if _, err := registry.Require(rec.TableType); err != nil {
			return nil, err
		}

		entry := models.CrudEntry{Op: rec.Op, ID: rec.RowID, Type: rec.TableType}
		if rec.Op != models.OpDelete {
			row, ok := pending.Row(rec.TableType, rec.RowID)
			if !ok {
				logger.Debug("Row gone before transfer, sending DELETE", "table", rec.TableType, "id", rec.RowID, "seq", rec.Seq)
				metrics.DegradedOperations.WithLabelValues(rec.TableType).Inc()
				entry.Op = models.OpDelete
			} else {
				data, err := json.Marshal(row)
				if err != nil {
					return nil, fmt.Errorf("serialize %s %s: %w", rec.TableType, rec.RowID, err)
				}
				entry.Data = data
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Backlog returns the number of records not yet acknowledged
func (e *TransferEngine) Backlog(ctx context.Context) (int, error) {
	return e.repo.OutboxCount(ctx)
}

// Run drains at start, so records left by a previous process are delivered,
// then sweeps every RetryInterval. Failures back off exponentially.
// It blocks until ctx is done; only configuration errors end it early
func (e *TransferEngine) Run(ctx context.Context) error {
	e.logger.Info("Transfer engine started", "retry_interval", e.opts.RetryInterval, "batch_size", e.opts.BatchSize)

	for {
		wait := e.opts.RetryInterval

		if err := e.DrainAndUpload(ctx); err != nil {
			if ctx.Err() != nil {
				e.logger.Info("Transfer engine shutting down...")
				return nil
			}
			if syncerr.IsConfiguration(err) {
				e.logger.Error("Fatal configuration error, stopping transfer engine", "error", err)
				return err
			}
			wait = e.retry.Next()
			e.logger.Warn("Transfer cycle failed, backing off", "error", err, "retry_in", wait, "attempt", e.retry.Attempts())
		} else {
			e.retry.Reset()
		}

		select {
		case <-ctx.Done():
			e.logger.Info("Transfer engine shutting down...")
			return nil
		case <-time.After(wait):
		}
	}
}
