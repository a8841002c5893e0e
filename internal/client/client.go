package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Guizzs26/go-localsync/internal/connector"
	"github.com/Guizzs26/go-localsync/internal/db"
	"github.com/Guizzs26/go-localsync/internal/debouncer"
	"github.com/Guizzs26/go-localsync/internal/models"
	"github.com/Guizzs26/go-localsync/internal/service"
	"github.com/Guizzs26/go-localsync/internal/tablespec"
)

type Options struct {
	DatabasePath   string
	DebounceWindow time.Duration
	Transfer       service.TransferOptions
	// SchemaDDL creates the application tables before capture is installed.
	// Empty when the application migrates its own schema
	SchemaDDL string
}

// Client owns one local store and everything that syncs it. Several clients
// can live in one process, each with its own store and connector
type Client struct {
	store     *db.SQLiteRepository
	registry  *tablespec.Registry
	engine    *service.TransferEngine
	debouncer *debouncer.Debouncer
	logger    *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

// Open opens the store, installs change capture for every registered table
// and wires the transfer engine behind the debouncer
func Open(ctx context.Context, opts Options, registry *tablespec.Registry, c connector.Connector, logger *slog.Logger) (*Client, error) {
	store, err := db.OpenSQLite(ctx, opts.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	if opts.SchemaDDL != "" {
		if err := store.ApplyDDL(ctx, opts.SchemaDDL); err != nil {
			store.Close()
			return nil, err
		}
	}
	if err := store.InstallCapture(ctx, registry.All()...); err != nil {
		store.Close()
		return nil, err
	}

	engine := service.NewTransferEngine(store, registry, c, opts.Transfer, logger.With("component", "transfer"))

	return &Client{
		store:     store,
		registry:  registry,
		engine:    engine,
		debouncer: debouncer.New(opts.DebounceWindow, engine.DrainAndUpload, logger.With("component", "debouncer")),
		logger:    logger,
	}, nil
}

// Start runs the background engine: an immediate drain for records left by a
// previous process, then periodic sweeps with backoff
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.engine.Run(ctx); err != nil {
			c.logger.Error("Transfer engine stopped", "error", err)
		}
	}()
}

func (c *Client) Registry() *tablespec.Registry {
	return c.registry
}

func (c *Client) Store() *db.SQLiteRepository {
	return c.store
}

// Put writes a full row locally and schedules a debounced transfer
func (c *Client) Put(ctx context.Context, tableType string, row map[string]any) error {
	spec, err := c.registry.Require(tableType)
	if err != nil {
		return err
	}
	if err := c.store.Put(ctx, spec, row); err != nil {
		return err
	}
	c.debouncer.RequestTransfer()
	return nil
}

// PutMany writes rows in one transaction and flushes right away, since
// waiting out the debounce window gains nothing for a bulk write.
// The local write is committed even when the returned error is a TransferError
func (c *Client) PutMany(ctx context.Context, tableType string, rows []map[string]any) error {
	spec, err := c.registry.Require(tableType)
	if err != nil {
		return err
	}
	if err := c.store.PutMany(ctx, spec, rows); err != nil {
		return err
	}
	return c.debouncer.FlushNow(ctx)
}

func (c *Client) Patch(ctx context.Context, tableType, id string, changes map[string]any) error {
	spec, err := c.registry.Require(tableType)
	if err != nil {
		return err
	}
	if err := c.store.Patch(ctx, spec, id, changes); err != nil {
		return err
	}
	c.debouncer.RequestTransfer()
	return nil
}

func (c *Client) Delete(ctx context.Context, tableType, id string) error {
	spec, err := c.registry.Require(tableType)
	if err != nil {
		return err
	}
	if err := c.store.Delete(ctx, spec, id); err != nil {
		return err
	}
	c.debouncer.RequestTransfer()
	return nil
}

// DeleteAll empties a table and flushes immediately
func (c *Client) DeleteAll(ctx context.Context, tableType string) (int64, error) {
	spec, err := c.registry.Require(tableType)
	if err != nil {
		return 0, err
	}
	n, err := c.store.DeleteAll(ctx, spec)
	if err != nil {
		return 0, err
	}
	return n, c.debouncer.FlushNow(ctx)
}

// Get reads a row from the local store. Reads never wait on the network
func (c *Client) Get(ctx context.Context, tableType, id string) (map[string]any, bool, error) {
	spec, err := c.registry.Require(tableType)
	if err != nil {
		return nil, false, err
	}
	rec, ok, err := c.store.Get(ctx, spec, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	return rec.Map(), true, nil
}

// ApplyRemote replays changes pushed by the upstream into the local store
// without capturing them again
func (c *Client) ApplyRemote(ctx context.Context, entries []models.CrudEntry) error {
	return c.store.ApplyRemote(ctx, c.registry.Schema(), entries)
}

// Flush drains the outbox now, bypassing the debounce window
func (c *Client) Flush(ctx context.Context) error {
	return c.debouncer.FlushNow(ctx)
}

func (c *Client) Backlog(ctx context.Context) (int, error) {
	return c.engine.Backlog(ctx)
}

// Close stops the debouncer and the engine, then closes the store. Records
// not uploaded yet stay in the outbox for the next Open
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.debouncer.Close()
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		if cerr := c.store.Close(); cerr != nil {
			err = fmt.Errorf("close store: %w", cerr)
		}
		c.logger.Info("Sync client closed")
	})
	return err
}
