package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/Guizzs26/go-localsync/internal/models"
	"github.com/Guizzs26/go-localsync/internal/processor"
	"github.com/stretchr/testify/assert"
)

type stubProcessor struct {
	err     error
	batches []string
}

func (s *stubProcessor) ProcessBatch(_ context.Context, batchID string, _ models.UploadPayload) error {
	s.batches = append(s.batches, batchID)
	return s.err
}

type staticTokens map[string]bool

func (s staticTokens) Valid(token string) bool { return s[token] }

func TestHandleDecisions(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens := staticTokens{"good": true}
	body := []byte(`{"crud":[{"op":"DELETE","id":"c1","type":"customers"}]}`)
	ctx := context.Background()

	ok := &stubProcessor{}
	assert.Equal(t, Ack, Handle(ctx, ok, tokens, "b1", "good", body, logger))
	assert.Equal(t, []string{"b1"}, ok.batches)

	assert.Equal(t, Drop, Handle(ctx, ok, tokens, "b2", "expired", body, logger))
	assert.Equal(t, Drop, Handle(ctx, ok, tokens, "b3", "good", []byte("{"), logger))
	assert.Len(t, ok.batches, 1)

	invalid := &stubProcessor{err: fmt.Errorf("%w: unknown op", processor.ErrInvalidBatch)}
	assert.Equal(t, Drop, Handle(ctx, invalid, tokens, "b4", "good", body, logger))

	down := &stubProcessor{err: errors.New("connection refused")}
	assert.Equal(t, Requeue, Handle(ctx, down, tokens, "b5", "good", body, logger))

	// No validator configured
	assert.Equal(t, Ack, Handle(ctx, ok, nil, "b6", "", body, logger))
}
