package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Guizzs26/go-localsync/internal/client"
	"github.com/Guizzs26/go-localsync/internal/models"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newInstallCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Create the outbox and install change-capture triggers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				fmt.Fprintf(cmd.OutOrStdout(), "capture installed for %s\n", strings.Join(c.Registry().Types(), ", "))
				return nil
			})
		},
	}
}

func newPutCommand(a *app) *cobra.Command {
	var id string
	var sets []string

	cmd := &cobra.Command{
		Use:   "put <type>",
		Short: "Insert or replace a row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			row, err := parseAssignments(sets)
			if err != nil {
				return err
			}
			if id == "" {
				id = uuid.NewString()
			}
			row["id"] = id

			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.Put(ctx, args[0], row); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				settle(ctx, c, cmd)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "row id (generated when empty)")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "column=value, repeatable")
	return cmd
}

func newPatchCommand(a *app) *cobra.Command {
	var sets []string

	cmd := &cobra.Command{
		Use:   "patch <type> <id>",
		Short: "Update some columns of an existing row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			changes, err := parseAssignments(sets)
			if err != nil {
				return err
			}
			if len(changes) == 0 {
				return fmt.Errorf("nothing to patch: pass at least one --set")
			}
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.Patch(ctx, args[0], args[1], changes); err != nil {
					return err
				}
				settle(ctx, c, cmd)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "column=value, repeatable")
	return cmd
}

func newDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <type> <id>",
		Short: "Delete a row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.Delete(ctx, args[0], args[1]); err != nil {
					return err
				}
				settle(ctx, c, cmd)
				return nil
			})
		},
	}
}

func newWipeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "wipe <type>",
		Short: "Delete every row of a table and upload the deletes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				n, err := c.DeleteAll(ctx, args[0])
				fmt.Fprintf(cmd.OutOrStdout(), "%d rows deleted\n", n)
				return err
			})
		},
	}
}

func newImportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <type> <file.json|->",
		Short: "Write a JSON array of rows in one transaction and upload them",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows []map[string]any
			if err := readJSON(cmd, args[1], &rows); err != nil {
				return err
			}
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				err := c.PutMany(ctx, args[0], rows)
				fmt.Fprintf(cmd.OutOrStdout(), "%d rows written\n", len(rows))
				return err
			})
		},
	}
}

func newGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <type> <id>",
		Short: "Print a row from the local store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				row, ok, err := c.Get(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s %s not found", args[0], args[1])
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(row)
			})
		},
	}
}

func newApplyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <file.json|->",
		Short: `Replay a {"crud":[...]} document from upstream without capturing it`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload models.UploadPayload
			if err := readJSON(cmd, args[0], &payload); err != nil {
				return err
			}
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.ApplyRemote(ctx, payload.Crud); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d changes applied\n", len(payload.Crud))
				return nil
			})
		},
	}
}

func newDrainCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Upload everything pending in the outbox now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.Flush(ctx); err != nil {
					return err
				}
				n, err := c.Backlog(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "outbox drained, %d pending\n", n)
				return nil
			})
		},
	}
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the outbox backlog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				n, err := c.Backlog(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "database: %s\ntransport: %s\npending: %d\n", a.cfg.DatabasePath, a.cfg.Transport, n)
				return nil
			})
		},
	}
}

// waitTimeout bounds the final flush of `run` on shutdown
const waitTimeout = 5 * time.Second

func newRunCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep uploading in the background until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			c.Start(ctx)
			a.logger.Info("🚀 Sync client running", "db", a.cfg.DatabasePath, "transport", a.cfg.Transport)
			<-ctx.Done()

			flushCtx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			if err := c.Flush(flushCtx); err != nil {
				a.logger.Warn("Final flush failed, records stay in the outbox", "error", err)
			}
			return nil
		},
	}
}

// parseAssignments turns repeated column=value flags into a row map
func parseAssignments(sets []string) (map[string]any, error) {
	row := make(map[string]any, len(sets))
	for _, s := range sets {
		col, val, ok := strings.Cut(s, "=")
		if !ok || col == "" {
			return nil, fmt.Errorf("invalid --set %q, want column=value", s)
		}
		row[col] = val
	}
	return row, nil
}

func readJSON(cmd *cobra.Command, path string, v any) error {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
