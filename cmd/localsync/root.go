package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/go-localsync/internal/broker"
	"github.com/Guizzs26/go-localsync/internal/client"
	"github.com/Guizzs26/go-localsync/internal/config"
	"github.com/Guizzs26/go-localsync/internal/connector"
	"github.com/Guizzs26/go-localsync/internal/service"
	"github.com/Guizzs26/go-localsync/internal/tablespec"
	"github.com/Guizzs26/go-localsync/pkg/infra"

	"github.com/spf13/cobra"
)

// app is the state shared by every subcommand of one invocation
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	dbPath    string
	closeConn func() error
	client    *client.Client
}

// NewRootCommand builds the localsync CLI
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "localsync",
		Short:        "Local-first SQLite store with background upload of captured changes",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.cfg = config.Load()
			if a.dbPath != "" {
				a.cfg.DatabasePath = a.dbPath
			}
			a.logger = infra.SetupLogger(a.cfg)
			slog.SetDefault(a.logger)
		},
	}
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "local database path (overrides LOCAL_DB_PATH)")

	root.AddCommand(
		newInstallCommand(a),
		newPutCommand(a),
		newPatchCommand(a),
		newDeleteCommand(a),
		newWipeCommand(a),
		newImportCommand(a),
		newGetCommand(a),
		newApplyCommand(a),
		newDrainCommand(a),
		newStatusCommand(a),
		newRunCommand(a),
	)
	return root
}

// open builds the connector selected by SYNC_TRANSPORT and opens the client
func (a *app) open(ctx context.Context) (*client.Client, error) {
	opts := connector.Options{
		BackendURL:   a.cfg.BackendURL,
		SyncEndpoint: a.cfg.SyncEndpoint,
		Subject:      a.cfg.Subject,
		Timeout:      a.cfg.UploadTimeout,
	}

	var conn connector.Connector
	switch a.cfg.Transport {
	case config.TransportAMQP:
		amqpConn := connector.NewAMQPConnector(opts, func() (connector.Publisher, error) {
			rc, err := broker.NewRabbitMQClient(a.cfg.RabbitMQURL, a.cfg.UploadExchange, a.cfg.UploadQueue, a.logger)
			if err != nil {
				return nil, err
			}
			return rc, nil
		}, a.logger)
		a.closeConn = amqpConn.Close
		conn = amqpConn
	default:
		conn = connector.NewHTTPConnector(opts, a.logger)
	}

	c, err := client.Open(ctx, client.Options{
		DatabasePath:   a.cfg.DatabasePath,
		DebounceWindow: a.cfg.DebounceWindow,
		SchemaDDL:      tablespec.DemoTableDDL,
		Transfer: service.TransferOptions{
			BatchSize:         a.cfg.BatchSize,
			CredentialRetries: a.cfg.CredentialRetries,
			UploadTimeout:     a.cfg.UploadTimeout,
			RetryInterval:     a.cfg.RetryInterval,
		},
	}, tablespec.DefaultRegistry(), conn, a.logger)
	if err != nil {
		return nil, err
	}
	a.client = c
	return c, nil
}

func (a *app) close() {
	if a.client != nil {
		a.client.Close()
	}
	if a.closeConn != nil {
		a.closeConn()
	}
}

// withClient runs fn against an open client and closes everything afterwards
func (a *app) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, c)
}

// settle gives the debouncer a chance to upload before a one-shot command exits.
// Whatever does not make it stays in the outbox for the next run
func settle(ctx context.Context, c *client.Client, cmd *cobra.Command) {
	if err := c.Flush(ctx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "upload deferred: %v\n", err)
	}
}
