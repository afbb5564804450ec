package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gridsweep/internal/observability"
	"github.com/3leaps/gridsweep/pkg/catalog"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Query the file catalog",
	Long: `Commands that talk to the configured file catalog.

The backend is selected by catalog.backend: "http" for the catalog
service at catalog.url, or "sqlite" for a local database.`,
}

var catalogQueryCmd = &cobra.Command{
	Use:   "query EXPR",
	Short: "List catalog file names matching a query",
	Long: `List the names of catalog files matching a query expression, one per line.

Examples:
  gridsweep catalog query "bck.mu2e.*"
  gridsweep catalog query mu2e-cosmic-v1-logs`,
	Args: cobra.ExactArgs(1),
	RunE: runCatalogQuery,
}

var catalogEnsureCmd = &cobra.Command{
	Use:   "ensure-definition NAME",
	Short: "Create a dataset definition unless it exists",
	Long: `Create a named dataset definition for --query unless one with that name
already exists. Existing definitions are left unchanged.

Examples:
  gridsweep catalog ensure-definition mu2e-cosmic-v1-logs --query "log.mu2e.cosmic.v1.*"`,
	Args: cobra.ExactArgs(1),
	RunE: runCatalogEnsure,
}

var catalogEnsureQuery string

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogQueryCmd)
	catalogCmd.AddCommand(catalogEnsureCmd)

	catalogEnsureCmd.Flags().StringVar(&catalogEnsureQuery, "query", "", "Query expression of the definition (required)")
	_ = catalogEnsureCmd.MarkFlagRequired("query")
}

func runCatalogQuery(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	cat, err := openCatalog(ctx, cfg.Catalog, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open catalog", err)
	}
	defer func() { _ = cat.close() }()

	names, err := cat.Query(ctx, args[0])
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Catalog query failed", err)
	}
	out := cmd.OutOrStdout()
	for _, name := range names {
		_, _ = fmt.Fprintln(out, name)
	}
	observability.CLILogger.Debug("Catalog query", zap.String("query", args[0]), zap.Int("files", len(names)))
	return nil
}

func runCatalogEnsure(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	cat, err := openCatalog(ctx, cfg.Catalog, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open catalog", err)
	}
	defer func() { _ = cat.close() }()

	def := catalog.Definition{Name: args[0], Query: catalogEnsureQuery}
	created, err := catalog.EnsureDefinition(ctx, cat, def)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to ensure definition", err)
	}
	if created {
		observability.CLILogger.Info("Definition created", zap.String("name", def.Name), zap.String("query", def.Query))
	} else {
		observability.CLILogger.Info("Definition already exists", zap.String("name", def.Name))
	}
	return nil
}
