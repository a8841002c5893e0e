package connector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-localsync/internal/models"
	"github.com/Guizzs26/go-localsync/internal/syncerr"
	"github.com/Guizzs26/go-localsync/pkg/infra"
	"github.com/Guizzs26/go-localsync/pkg/metrics"
)

// Connector is the boundary to the remote service.
//
// Upload is all-or-nothing: any error, including a partial failure reported by
// the remote side, means the whole batch will be sent again
type Connector interface {
	FetchCredentials(ctx context.Context) (models.Credentials, error)
	Upload(ctx context.Context, creds models.Credentials, batchID string, payload models.UploadPayload) error
}

// FetchCredentialsWithRetry retries the credential fetch with backoff and
// returns a CredentialError once attempts are exhausted
func FetchCredentialsWithRetry(ctx context.Context, c Connector, b *infra.Backoff, attempts int, logger *slog.Logger) (models.Credentials, error) {
	var creds models.Credentials
	start := time.Now()

	err := infra.Retry(ctx, b, attempts, func(ctx context.Context) error {
		var err error
		creds, err = c.FetchCredentials(ctx)
		if err != nil {
			metrics.CredentialRetries.Inc()
			logger.Warn("Credential fetch failed", "attempt", b.Attempts()+1, "error", err)
		}
		return err
	})
	if err != nil {
		return models.Credentials{}, syncerr.Credential("fetch credentials",
			fmt.Errorf("gave up after %d attempts in %s: %w", attempts, time.Since(start).Round(time.Millisecond), err))
	}
	return creds, nil
}
