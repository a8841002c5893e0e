package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-localsync/internal/models"
	"github.com/Guizzs26/go-localsync/internal/processor"

	amqp "github.com/rabbitmq/amqp091-go"
)

// BatchProcessor applies one uploaded batch. *processor.SyncHandler implements it
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, batchID string, payload models.UploadPayload) error
}

// TokenValidator checks the credential carried by a published batch
type TokenValidator interface {
	Valid(token string) bool
}

// Decision tells the consumer loop what to do with a delivery
type Decision int

const (
	Ack Decision = iota
	Requeue
	Drop
)

// RabbitMQConsumer applies batches published by AMQP connectors
type RabbitMQConsumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	handler BatchProcessor
	tokens  TokenValidator
	logger  *slog.Logger
	queue   string

	requeueDelay time.Duration
}

// NewRabbitMQConsumer connects and declares the same topology as the publishers
func NewRabbitMQConsumer(url, exchange, queue string, handler BatchProcessor, tokens TokenValidator, logger *slog.Logger) (*RabbitMQConsumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %v", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %v", err)
	}

	// QoS: Prefetch 1 ensures batches are applied one by one, in publish order
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %v", err)
	}

	if err := declareTopology(ch, exchange, queue); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &RabbitMQConsumer{
		conn:         conn,
		channel:      ch,
		handler:      handler,
		tokens:       tokens,
		logger:       logger,
		queue:        queue,
		requeueDelay: 5 * time.Second,
	}, nil
}

// Listen starts the consumption loop. It returns nil when ctx is done and an
// error when the broker closes the delivery channel
func (c *RabbitMQConsumer) Listen(ctx context.Context) error {
	msgs, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %v", err)
	}

	c.logger.Info("Consumer is online and waiting for batches", "queue", c.queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}

			token, _ := d.Headers[TokenHeader].(string)
			switch Handle(ctx, c.handler, c.tokens, d.MessageId, token, d.Body, c.logger) {
			case Ack:
				// Manual Ack: only confirmed after the upstream commit
				if err := d.Ack(false); err != nil {
					c.logger.Error("Failed to Ack batch", "batch_id", d.MessageId, "error", err)
				}
			case Drop:
				d.Nack(false, false)
			case Requeue:
				select {
				case <-ctx.Done():
				case <-time.After(c.requeueDelay): // Throttling retries
				}
				d.Nack(false, true)
			}
		}
	}
}

// Handle decides the fate of one delivery. Batches that can never succeed are
// dropped; infrastructure failures are requeued
func Handle(ctx context.Context, h BatchProcessor, tokens TokenValidator, batchID, token string, body []byte, logger *slog.Logger) Decision {
	l := logger.With("batch_id", batchID)

	if tokens != nil && !tokens.Valid(token) {
		l.Error("Dropping batch with invalid or expired token")
		return Drop
	}

	var payload models.UploadPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		l.Error("Failed to unmarshal batch", "error", err)
		return Drop
	}

	if err := h.ProcessBatch(ctx, batchID, payload); err != nil {
		if processor.IsInvalidBatch(err) {
			return Drop
		}
		l.Error("Processing failed, requeueing", "error", err)
		return Requeue
	}
	return Ack
}

// Close gracefully terminates RabbitMQ resources
func (c *RabbitMQConsumer) Close() {
	c.logger.Info("Shutting down RabbitMQ consumer")
	c.channel.Close()
	c.conn.Close()
}
