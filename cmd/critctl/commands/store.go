package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/critical-images/internal/critical"
	"github.com/mohammed-shakir/critical-images/internal/propertystore"
)

// ErrUnsupported is returned when the configured store lacks an operation.
var ErrUnsupported = errors.New("operation not supported by store driver")

func (c *CLI) cohort() propertystore.Cohort {
	return propertystore.Cohort{Name: c.cfg.Cohort.Name, TTL: c.cfg.Cohort.TTL}
}

func (c *CLI) newDeleteCmd() *cobra.Command {
	var url, device string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Drop the stored record of a page so it is rebuilt from new beacons",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			page := critical.NewPage(url, device)
			if !page.Valid() {
				return errors.New("--url is required")
			}

			store, closer, err := c.openStore(ctx, c.cfg.Store)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			d, ok := store.(propertystore.Deleter)
			if !ok {
				return fmt.Errorf("%w: delete on %s", ErrUnsupported, c.cfg.Store.Driver)
			}
			if err := d.Delete(ctx, c.cohort(), page.Key()); err != nil {
				return fmt.Errorf("delete record: %w", err)
			}
			c.log.Info("record deleted", "key", page.Key(), "cohort", c.cfg.Cohort.Name)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", page.Key())
			return err
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "page URL")
	cmd.Flags().StringVar(&device, "device", "", "device class (desktop, mobile, tablet)")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func (c *CLI) newCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print how many page records the cohort holds",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, closer, err := c.openStore(ctx, c.cfg.Store)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			counter, ok := store.(propertystore.Counter)
			if !ok {
				return fmt.Errorf("%w: count on %s", ErrUnsupported, c.cfg.Store.Driver)
			}
			n, err := counter.Count(ctx, c.cohort())
			if err != nil {
				return fmt.Errorf("count records: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", c.cfg.Cohort.Name, n)
			return err
		},
	}
}
