package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gridsweep/internal/config"
	"github.com/3leaps/gridsweep/internal/observability"
	"github.com/3leaps/gridsweep/pkg/archive"
	"github.com/3leaps/gridsweep/pkg/ledger"
	"github.com/3leaps/gridsweep/pkg/output"
	"github.com/3leaps/gridsweep/pkg/policy"
	"github.com/3leaps/gridsweep/pkg/retry"
)

var archiveCmd = &cobra.Command{
	Use:   "archive [CLUSTER...]",
	Short: "Pack promoted clusters into tarballs and register them",
	Long: `Archive clusters from <dest>/good.

Each cluster is moved to the staging directory, checked against the
allow-list, packed into bck.<owner>.<description>.<configuration>.<seq>.tgz,
written to the archive store and declared in the catalog with its parents,
checksum and location. A file that does not match the allow-list aborts the
run; nothing is archived partially.

Clusters left in the staging directory by an interrupted run are resumed.

Examples:
  gridsweep archive --dest /data/grid cluster01
  gridsweep archive --dest /data/grid --all
  gridsweep archive --dest /data/grid --dry-run cluster01`,
	RunE: runArchive,
}

var (
	archiveDest       string
	archiveStaging    string
	archiveKeep       bool
	archiveDryRun     bool
	archiveAll        bool
	archivePolicyPath string
	archiveOutput     string
)

func init() {
	rootCmd.AddCommand(archiveCmd)

	archiveCmd.Flags().StringVar(&archiveDest, "dest", "", "Destination root holding good/ (default sweep.dest)")
	archiveCmd.Flags().StringVar(&archiveStaging, "staging", "", "Staging directory (default <dest>/staging)")
	archiveCmd.Flags().BoolVar(&archiveKeep, "keep", false, "Keep the staged cluster after registration")
	archiveCmd.Flags().BoolVar(&archiveDryRun, "dry-run", false, "Scan and build without staging, storing or registering")
	archiveCmd.Flags().BoolVar(&archiveAll, "all", false, "Archive every staged and promoted cluster")
	archiveCmd.Flags().StringVar(&archivePolicyPath, "policy", "", "Campaign policy file (YAML or JSON)")
	archiveCmd.Flags().StringVarP(&archiveOutput, "output", "o", "", "JSONL output file (default stdout)")
}

// archiveSettings is the effective archive configuration after applying
// config, policy file and flags in that order.
type archiveSettings struct {
	Dest    string
	Staging string
	Allow   []string
	Retry   retry.Config
	Keep    bool
}

func resolveArchiveSettings(cmd *cobra.Command, cfg *config.Config, pol *policy.Policy) (archiveSettings, error) {
	s := archiveSettings{
		Dest:    cfg.Sweep.Dest,
		Staging: cfg.Archive.StagingDir,
		Allow:   cfg.Archive.Allow,
		Keep:    cfg.Archive.Keep,
		Retry: retry.Config{
			MaxAttempts:    cfg.Archive.MaxTries,
			InitialBackoff: cfg.Archive.InitialBackoff,
		},
	}

	if len(pol.Archive.Allow) > 0 {
		s.Allow = pol.Archive.Allow
	}
	if pol.Archive.MaxTries != nil {
		s.Retry.MaxAttempts = *pol.Archive.MaxTries
	}
	if pol.Archive.InitialBackoff != nil {
		s.Retry.InitialBackoff = pol.Archive.InitialBackoff.Duration
	}
	if pol.Archive.Keep != nil {
		s.Keep = *pol.Archive.Keep
	}

	flags := cmd.Flags()
	if flags.Changed("dest") {
		s.Dest = archiveDest
	}
	if flags.Changed("staging") {
		s.Staging = archiveStaging
	}
	if flags.Changed("keep") {
		s.Keep = archiveKeep
	}

	if s.Dest == "" {
		return s, errors.New("destination root is required (--dest or sweep.dest)")
	}
	if s.Staging == "" {
		s.Staging = filepath.Join(s.Dest, "staging")
	}
	return s, nil
}

func runArchive(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger

	if archiveAll == (len(args) > 0) {
		return exitError(foundry.ExitInvalidArgument, "Invalid arguments",
			errors.New("give cluster names or --all, not both"))
	}

	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	pol, err := loadPolicy(archivePolicyPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid policy", err)
	}
	settings, err := resolveArchiveSettings(cmd, cfg, pol)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid arguments", err)
	}

	acfg := archive.Config{
		GoodRoot:   filepath.Join(settings.Dest, "good"),
		StagingDir: settings.Staging,
		Allow:      settings.Allow,
		Retry:      settings.Retry,
		Keep:       settings.Keep,
		DryRun:     archiveDryRun,
		Logger:     logger,
	}
	var cat *catalogHandle
	if !archiveDryRun {
		cat, err = openCatalog(ctx, cfg.Catalog, logger)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open catalog", err)
		}
		defer func() { _ = cat.close() }()
		store, err := openStore(ctx, cfg.Archive.Store, settings.Dest)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open archive store", err)
		}
		defer closeQuietly("archive store", store)
		acfg.Catalog = cat
		acfg.Store = store
	}
	archiver, err := archive.New(acfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid archive settings", err)
	}

	clusters := args
	if archiveAll {
		clusters, err = archiver.Clusters()
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to list clusters", err)
		}
		if len(clusters) == 0 {
			logger.Info("No clusters to archive", zap.String("dest", settings.Dest))
			return nil
		}
	}

	led, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open ledger", err)
	}
	if led != nil {
		defer closeQuietly("ledger", led)
	}
	runID := uuid.NewString()
	if led != nil {
		run, err := led.StartRun(ctx, "archive", clusters, archiveDryRun)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to record run", err)
		}
		runID = run.RunID
	}

	w, cleanup, err := createWriter(archiveOutput, runID, "archive")
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	start := time.Now()
	archived, runErr := archiveClusters(ctx, archiver, clusters, w, led, runID)

	sum := &output.SummaryRecord{
		Archives: archived,
		Duration: time.Since(start),
		Aborted:  runErr != nil,
		Roots:    clusters,
	}
	if cat != nil && cat.client != nil {
		sum.CatalogCalls = int64(cat.client.Calls())
		sum.CatalogTime = cat.client.Elapsed()
	}
	sum.DurationHuman = sum.Duration.Round(time.Millisecond).String()
	if err := w.WriteSummary(context.WithoutCancel(ctx), sum); err != nil && runErr == nil {
		runErr = err
	}
	finishRun(ctx, led, runID, map[string]int64{"archived": archived}, runErr)

	if runErr != nil {
		return exitError(exitCodeFor(runErr), "Archive aborted", runErr)
	}
	logger.Info("Archive complete", zap.Int64("clusters", archived))
	return nil
}

// archiveClusters archives clusters in order and stops at the first failure.
func archiveClusters(ctx context.Context, a *archive.Archiver, clusters []string, w output.Writer, led *ledger.Ledger, runID string) (int64, error) {
	var archived int64
	for _, cluster := range clusters {
		if err := ctx.Err(); err != nil {
			writeArchiveError(ctx, w, cluster, output.ErrCodeCanceled, err)
			return archived, err
		}
		res, err := a.Archive(ctx, cluster)
		if errors.Is(err, archive.ErrEmptyCluster) {
			observability.CLILogger.Info("Skipping empty cluster", zap.String("cluster", cluster))
			continue
		}
		if err != nil {
			writeArchiveError(ctx, w, cluster, archiveErrorCode(err), err)
			return archived, fmt.Errorf("archive %s: %w", cluster, err)
		}
		if err := w.WriteArchive(ctx, res.Record()); err != nil {
			return archived, err
		}
		archived++
		if led != nil {
			err := led.RecordOutcome(ctx, ledger.Outcome{
				RunID:       runID,
				Job:         cluster,
				Reason:      "archived",
				Destination: res.Location,
				LogHash:     res.Built.Checksum,
				Detail:      res.Summary.Name(),
			})
			if err != nil {
				return archived, fmt.Errorf("record outcome: %w", err)
			}
		}
	}
	return archived, nil
}

func writeArchiveError(ctx context.Context, w output.Writer, cluster, code string, err error) {
	_ = w.WriteError(context.WithoutCancel(ctx), &output.ErrorRecord{
		Code:    code,
		Message: err.Error(),
		Path:    cluster,
	})
}

func archiveErrorCode(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return output.ErrCodeCanceled
	case errors.Is(err, archive.ErrNotAllowListed),
		errors.Is(err, archive.ErrInconsistentCluster),
		errors.Is(err, archive.ErrStagingConflict):
		return output.ErrCodeConfig
	case errors.Is(err, archive.ErrClusterNotFound):
		return output.ErrCodeFilesystem
	default:
		return output.ErrCodeArchive
	}
}
