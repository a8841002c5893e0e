package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/Guizzs26/go-localsync/internal/models"
	"github.com/Guizzs26/go-localsync/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	healthy bool
	closed  bool
	err     error
	bodies  [][]byte
	tokens  []string
}

func (f *fakePublisher) Publish(_ context.Context, _, token string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, body)
	f.tokens = append(f.tokens, token)
	return nil
}

func (f *fakePublisher) IsHealthy() bool { return f.healthy }

func (f *fakePublisher) Close() error {
	f.closed = true
	return nil
}

func TestAMQPUploadPublishesWholeBatch(t *testing.T) {
	pub := &fakePublisher{healthy: true}
	dials := 0
	c := NewAMQPConnector(Options{}, func() (Publisher, error) {
		dials++
		return pub, nil
	}, discardLogger())

	payload := models.UploadPayload{Crud: []models.CrudEntry{{Op: models.OpDelete, ID: "c1", Type: "customers"}}}
	require.NoError(t, c.Upload(context.Background(), models.Credentials{Token: "tok"}, "b1", payload))
	require.NoError(t, c.Upload(context.Background(), models.Credentials{Token: "tok"}, "b2", payload))

	assert.Equal(t, 1, dials)
	require.Len(t, pub.bodies, 2)
	assert.Equal(t, []string{"tok", "tok"}, pub.tokens)

	var decoded models.UploadPayload
	require.NoError(t, json.Unmarshal(pub.bodies[0], &decoded))
	assert.Equal(t, payload, decoded)
}

func TestAMQPRedialsUnhealthyPublisher(t *testing.T) {
	first := &fakePublisher{healthy: true}
	second := &fakePublisher{healthy: true}
	pubs := []*fakePublisher{first, second}
	c := NewAMQPConnector(Options{}, func() (Publisher, error) {
		p := pubs[0]
		pubs = pubs[1:]
		return p, nil
	}, discardLogger())

	require.NoError(t, c.Upload(context.Background(), models.Credentials{}, "b1", models.UploadPayload{}))
	first.healthy = false
	require.NoError(t, c.Upload(context.Background(), models.Credentials{}, "b2", models.UploadPayload{}))

	assert.True(t, first.closed)
	assert.Len(t, second.bodies, 1)
	require.NoError(t, c.Close())
	assert.True(t, second.closed)
}

func TestAMQPFailuresAreTransferErrors(t *testing.T) {
	c := NewAMQPConnector(Options{}, func() (Publisher, error) {
		return nil, errors.New("connection refused")
	}, discardLogger())
	err := c.Upload(context.Background(), models.Credentials{}, "b", models.UploadPayload{})
	assert.True(t, syncerr.IsTransfer(err))

	nack := &fakePublisher{healthy: true, err: errors.New("RabbitMQ NACK received")}
	c = NewAMQPConnector(Options{}, func() (Publisher, error) { return nack, nil }, discardLogger())
	err = c.Upload(context.Background(), models.Credentials{}, "b", models.UploadPayload{})
	assert.True(t, syncerr.IsTransfer(err))
}

func TestAMQPFetchesTokensOverHTTP(t *testing.T) {
	srv := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"token":"amqp-tok"}`))
	}))
	c := NewAMQPConnector(Options{BackendURL: srv.backendURL, SyncEndpoint: "e"}, nil, discardLogger())

	creds, err := c.FetchCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "amqp-tok", creds.Token)
	assert.Equal(t, "e", creds.Endpoint)
}
