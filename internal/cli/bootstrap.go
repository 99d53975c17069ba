package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/spf13/cobra"

	"github.com/go-digitaltwin/go-physicaltwin/internal/config"
	"github.com/go-digitaltwin/go-physicaltwin/neo4jstore"
)

// NewBootstrapCommand creates the bootstrap command.
func NewBootstrapCommand(rootOpts *rootOptions) *cobra.Command {
	var schemaOnly bool

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Prepare a Neo4j database to serve as a data lake",
		Long: `Bootstrap creates the configured Neo4j database, its uniqueness constraints
and the node that serializes timeline insertions. It is idempotent.

The default "neo4j" database already exists and cannot be created; only its
schema is bootstrapped. Use --schema-only for any other existing database,
for instance on editions without multi-database support.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := rootOpts.context(cmd)
			return rootOpts.withNeo4j(ctx, func(driver neo4j.DriverWithContext, database string) error {
				bootstrap := neo4jstore.BootstrapDatabase
				if schemaOnly || database == "neo4j" {
					bootstrap = neo4jstore.BootstrapSchema
				}
				if err := bootstrap(ctx, driver, database); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Bootstrapped database %q\n", database)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&schemaOnly, "schema-only", false, "bootstrap the schema of an existing database without creating it")

	return cmd
}

// NewRelinkCommand creates the relink command.
func NewRelinkCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "relink",
		Short: "Repair the timeline of a Neo4j data lake",
		Long: `Relink merges duplicate Time nodes and rebuilds the NEXT chain of the
timeline in timestamp order. Graphs written by older drivers need it before
they can be bootstrapped. It is idempotent.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := rootOpts.context(cmd)
			return rootOpts.withNeo4j(ctx, func(driver neo4j.DriverWithContext, database string) error {
				stats, err := neo4jstore.RelinkTimeline(ctx, driver, database)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Merged %d duplicate time nodes, linked %d pairs\n", stats.Merged, stats.Links)
				return nil
			})
		},
	}
}

// withNeo4j opens the configured Neo4j data lake for the maintenance commands,
// which only exist for this kind of store.
func (o *rootOptions) withNeo4j(ctx context.Context, fn func(driver neo4j.DriverWithContext, database string) error) error {
	cfg, err := o.loadStore()
	if err != nil {
		return err
	}
	if cfg.Store.Kind != config.StoreNeo4j {
		return fmt.Errorf("%v stores need no maintenance; this command only applies to %v", cfg.Store.Kind, config.StoreNeo4j)
	}
	driver, err := openNeo4j(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := driver.Close(ctx); err != nil {
			component.Logger(ctx).Warn("Failed to close the neo4j driver", slog.Any("error", err))
		}
	}()
	return fn(driver, cfg.Store.Database)
}
