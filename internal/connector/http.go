package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Guizzs26/go-localsync/internal/models"
	"github.com/Guizzs26/go-localsync/internal/syncerr"
)

const (
	TokenPath  = "/api/auth/token"
	UploadPath = "/api/upload"

	// BatchIDHeader lets the server log and trace a redelivered batch
	BatchIDHeader = "X-Batch-ID"

	maxErrorBody = 4 << 10
)

// Options configures the HTTP collaborators shared by both connectors
type Options struct {
	BackendURL   string // serves the token and upload endpoints
	SyncEndpoint string // returned inside the credentials for the pull side
	Subject      string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

func (o Options) client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// tokenSource fetches short-lived tokens from the backend. Tokens are never cached
type tokenSource struct {
	client     *http.Client
	backendURL string
	endpoint   string
	subject    string
}

func (t tokenSource) fetch(ctx context.Context) (models.Credentials, error) {
	u := strings.TrimRight(t.backendURL, "/") + TokenPath + "?sub=" + url.QueryEscape(t.subject)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.Credentials{}, fmt.Errorf("build token request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return models.Credentials{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.Credentials{}, fmt.Errorf("token endpoint returned HTTP %d: %s", resp.StatusCode, readSnippet(resp.Body))
	}

	var body models.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return models.Credentials{}, fmt.Errorf("malformed token response: %w", err)
	}
	if body.Token == "" {
		return models.Credentials{}, fmt.Errorf("token response has no token")
	}

	return models.Credentials{Endpoint: t.endpoint, Token: body.Token}, nil
}

// HTTPConnector uploads batches as one JSON POST per batch
type HTTPConnector struct {
	client     *http.Client
	tokens     tokenSource
	backendURL string
	logger     *slog.Logger
}

func NewHTTPConnector(opts Options, logger *slog.Logger) *HTTPConnector {
	client := opts.client()
	return &HTTPConnector{
		client: client,
		tokens: tokenSource{
			client:     client,
			backendURL: opts.BackendURL,
			endpoint:   opts.SyncEndpoint,
			subject:    opts.Subject,
		},
		backendURL: strings.TrimRight(opts.BackendURL, "/"),
		logger:     logger,
	}
}

func (c *HTTPConnector) FetchCredentials(ctx context.Context) (models.Credentials, error) {
	return c.tokens.fetch(ctx)
}

// Upload posts {"crud": [...]}. Only a 2xx status counts as an acknowledgment;
// the response body is ignored
func (c *HTTPConnector) Upload(ctx context.Context, creds models.Credentials, batchID string, payload models.UploadPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return syncerr.Transfer("upload", fmt.Errorf("failed to serialize batch: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.backendURL+UploadPath, bytes.NewReader(body))
	if err != nil {
		return syncerr.Transfer("upload", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.Token)
	req.Header.Set(BatchIDHeader, batchID)

	l := c.logger.With("batch_id", batchID, "count", len(payload.Crud))

	resp, err := c.client.Do(req)
	if err != nil {
		l.Error("Upload request failed", "error", err)
		return syncerr.Transfer("upload", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := readSnippet(resp.Body)
		l.Error("Upload rejected", "status", resp.StatusCode, "body", snippet)
		return syncerr.Transfer("upload", fmt.Errorf("HTTP %d: %s", resp.StatusCode, snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	l.Debug("Upload acknowledged", "status", resp.StatusCode)
	return nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}
