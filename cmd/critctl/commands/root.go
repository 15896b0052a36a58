// Package commands implements the critctl subcommands.
package commands

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/critical-images/internal/core/config"
	"github.com/mohammed-shakir/critical-images/internal/propertystore"
	"github.com/mohammed-shakir/critical-images/internal/propertystore/backend"
)

// StoreOpener returns the property store and the resource to close after
// the command.
type StoreOpener func(ctx context.Context, cfg config.StoreConfig) (propertystore.Store, io.Closer, error)

// CLI is the critctl command tree bound to one configuration.
type CLI struct {
	cfg       config.Config
	log       *slog.Logger
	out       io.Writer
	openStore StoreOpener
	newSender func(endpoint string) (Sender, error)
	rootCmd   *cobra.Command
}

type Option func(*CLI)

// WithStoreOpener replaces the configured store backend. Used by tests.
func WithStoreOpener(o StoreOpener) Option { return func(c *CLI) { c.openStore = o } }

// WithSender makes the beacon command hand beacons to s.
func WithSender(s Sender) Option {
	return func(c *CLI) {
		c.newSender = func(string) (Sender, error) { return s, nil }
	}
}

func New(cfg config.Config, log *slog.Logger, out io.Writer, version string, opts ...Option) *CLI {
	if log == nil {
		log = slog.Default()
	}
	c := &CLI{
		cfg:       cfg,
		log:       log,
		out:       out,
		openStore: backend.Open,
	}
	c.newSender = c.defaultSender
	for _, o := range opts {
		o(c)
	}

	rootCmd := &cobra.Command{
		Use:           "critctl",
		Short:         "Inspect and manage critical image records, send test beacons",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	rootCmd.SetOut(out)
	rootCmd.AddCommand(c.newInspectCmd())
	rootCmd.AddCommand(c.newBeaconCmd())
	rootCmd.AddCommand(c.newDeleteCmd())
	rootCmd.AddCommand(c.newCountCmd())
	c.rootCmd = rootCmd
	return c
}

func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}
