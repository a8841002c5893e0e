package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Guizzs26/go-localsync/internal/models"
	"github.com/Guizzs26/go-localsync/internal/syncerr"
	"github.com/Guizzs26/go-localsync/pkg/metrics"
)

// Publisher is the broker side of the AMQP connector. Publish must block
// until the broker confirms the message
type Publisher interface {
	Publish(ctx context.Context, batchID, token string, body []byte) error
	IsHealthy() bool
	Close() error
}

// DialFunc opens a new publisher, used on first upload and after the link drops
type DialFunc func() (Publisher, error)

// AMQPConnector fetches tokens over HTTP and publishes each batch as a single
// persistent message. The publisher confirm is the acknowledgment
type AMQPConnector struct {
	tokens tokenSource
	dial   DialFunc
	logger *slog.Logger

	mu  sync.Mutex
	pub Publisher
}

func NewAMQPConnector(opts Options, dial DialFunc, logger *slog.Logger) *AMQPConnector {
	return &AMQPConnector{
		tokens: tokenSource{
			client:     opts.client(),
			backendURL: opts.BackendURL,
			endpoint:   opts.SyncEndpoint,
			subject:    opts.Subject,
		},
		dial:   dial,
		logger: logger,
	}
}

func (c *AMQPConnector) FetchCredentials(ctx context.Context) (models.Credentials, error) {
	return c.tokens.fetch(ctx)
}

func (c *AMQPConnector) Upload(ctx context.Context, creds models.Credentials, batchID string, payload models.UploadPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return syncerr.Transfer("publish", fmt.Errorf("failed to serialize batch: %w", err))
	}

	pub, err := c.publisher()
	if err != nil {
		return syncerr.Transfer("publish", err)
	}

	if err := pub.Publish(ctx, batchID, creds.Token, body); err != nil {
		c.logger.Error("Batch publish failed", "batch_id", batchID, "error", err)
		return syncerr.Transfer("publish", err)
	}
	return nil
}

// publisher returns a healthy publisher, redialing when the previous one died
func (c *AMQPConnector) publisher() (Publisher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pub != nil && c.pub.IsHealthy() {
		return c.pub, nil
	}
	if c.pub != nil {
		_ = c.pub.Close()
		c.pub = nil
		metrics.RabbitMQReconnections.Inc()
		c.logger.Warn("Broker link lost, reconnecting")
	}

	pub, err := c.dial()
	if err != nil {
		return nil, fmt.Errorf("broker unavailable: %w", err)
	}
	c.pub = pub
	return pub, nil
}

func (c *AMQPConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pub == nil {
		return nil
	}
	err := c.pub.Close()
	c.pub = nil
	return err
}
