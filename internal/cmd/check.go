package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gridsweep/internal/config"
	"github.com/3leaps/gridsweep/internal/observability"
	"github.com/3leaps/gridsweep/pkg/archive"
	"github.com/3leaps/gridsweep/pkg/catalog"
	"github.com/3leaps/gridsweep/pkg/dupcheck"
	"github.com/3leaps/gridsweep/pkg/filename"
	"github.com/3leaps/gridsweep/pkg/ledger"
	"github.com/3leaps/gridsweep/pkg/policy"
	"github.com/3leaps/gridsweep/pkg/promote"
	"github.com/3leaps/gridsweep/pkg/sweep"
	"github.com/3leaps/gridsweep/pkg/validate"
	"github.com/3leaps/gridsweep/pkg/walker"
)

var checkCmd = &cobra.Command{
	Use:   "check CLUSTER_DIR...",
	Short: "Validate job directories and move them to good/ or failed/",
	Long: `Validate every job directory below the given cluster directories.

Each job is classified by an ordered set of checks against its log file.
Good jobs move to <dest>/good/<cluster>/<shard>/<job>; rejected jobs move to
<dest>/failed/<reason>/<cluster>/<shard>/<job>. One JSONL record per job is
written to --output (stdout by default) and a tally table to stderr.

Per-job failures do not fail the command. The exit code is non-zero only
when the run was aborted.

Examples:
  gridsweep check /data/grid/cluster01
  gridsweep check --dry-run /data/grid/cluster01 /data/grid/cluster02
  gridsweep check --verify full --cross-submission --policy mdc2025.yaml /data/grid/cluster01
  gridsweep check --output run.jsonl --min-age 30m /data/grid/cluster01`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

var (
	checkDryRun          bool
	checkMinAge          time.Duration
	checkVerify          string
	checkDest            string
	checkMetaPairing     bool
	checkCrossSubmission bool
	checkMaxSuffix       int
	checkPolicyPath      string
	checkOutput          string
)

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().BoolVar(&checkDryRun, "dry-run", false, "Classify jobs without moving them or declaring catalog records")
	checkCmd.Flags().DurationVar(&checkMinAge, "min-age", time.Hour, "Skip job directories modified more recently than this")
	checkCmd.Flags().StringVar(&checkVerify, "verify", "meta", "Digest verification scope (meta|full)")
	checkCmd.Flags().StringVar(&checkDest, "dest", "", "Destination root for good/ and failed/ (default: parent of the cluster directories)")
	checkCmd.Flags().BoolVar(&checkMetaPairing, "meta-pairing", true, "Require a metadata file for every data file")
	checkCmd.Flags().BoolVar(&checkCrossSubmission, "cross-submission", false, "Detect resubmitted jobs through the catalog")
	checkCmd.Flags().IntVar(&checkMaxSuffix, "max-suffix", promote.DefaultMaxSuffix, "Number of .failNN names to try for an occupied failed/ destination")
	checkCmd.Flags().StringVar(&checkPolicyPath, "policy", "", "Campaign policy file (YAML or JSON)")
	checkCmd.Flags().StringVarP(&checkOutput, "output", "o", "", "JSONL output file (default stdout)")
}

// checkSettings is the effective configuration of one check run after
// applying config, policy file and flags in that order.
type checkSettings struct {
	Policy    validate.Policy
	MinAge    time.Duration
	MaxSuffix int
	Dest      string
}

func resolveCheckSettings(cmd *cobra.Command, cfg *config.Config, pol *policy.Policy, clusters []string) (checkSettings, error) {
	s := checkSettings{
		Policy: validate.Policy{
			LogGlob:         cfg.Sweep.LogGlob,
			MetaSuffix:      cfg.Sweep.MetaSuffix,
			MetaPairing:     cfg.Sweep.MetaPairing,
			FullVerify:      strings.EqualFold(cfg.Sweep.Verify, policy.VerifyFull),
			CrossSubmission: cfg.Sweep.CrossSubmission,
		},
		MinAge:    cfg.Sweep.MinAge,
		MaxSuffix: cfg.Sweep.MaxSuffix,
		Dest:      cfg.Sweep.Dest,
	}

	s.Policy = pol.Check.Apply(s.Policy)
	if pol.Check.MinAge != nil {
		s.MinAge = pol.Check.MinAge.Duration
	}
	if pol.Check.MaxSuffix != nil {
		s.MaxSuffix = *pol.Check.MaxSuffix
	}

	flags := cmd.Flags()
	if flags.Changed("verify") {
		switch strings.ToLower(checkVerify) {
		case policy.VerifyMeta:
			s.Policy.FullVerify = false
		case policy.VerifyFull:
			s.Policy.FullVerify = true
		default:
			return s, fmt.Errorf("unsupported verify mode: %s", checkVerify)
		}
	}
	if flags.Changed("min-age") {
		if checkMinAge < 0 {
			return s, errors.New("--min-age must not be negative")
		}
		s.MinAge = checkMinAge
	}
	if flags.Changed("meta-pairing") {
		s.Policy.MetaPairing = checkMetaPairing
	}
	if flags.Changed("cross-submission") {
		s.Policy.CrossSubmission = checkCrossSubmission
	}
	if flags.Changed("max-suffix") {
		s.MaxSuffix = checkMaxSuffix
	}
	if flags.Changed("dest") {
		s.Dest = checkDest
	}

	if s.Dest == "" {
		dest, err := sharedDest(clusters)
		if err != nil {
			return s, err
		}
		s.Dest = dest
	}
	return s, nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger

	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	pol, err := loadPolicy(checkPolicyPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid policy", err)
	}
	settings, err := resolveCheckSettings(cmd, cfg, pol, args)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid arguments", err)
	}

	logger.Debug("Check settings",
		zap.String("dest", settings.Dest),
		zap.Duration("min_age", settings.MinAge),
		zap.Bool("full_verify", settings.Policy.FullVerify),
		zap.Bool("meta_pairing", settings.Policy.MetaPairing),
		zap.Bool("cross_submission", settings.Policy.CrossSubmission),
		zap.Bool("dry_run", checkDryRun))

	var (
		detector *dupcheck.Detector
		cat      *catalogHandle
	)
	if settings.Policy.CrossSubmission {
		cat, err = openCatalog(ctx, cfg.Catalog, logger)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open catalog", err)
		}
		defer func() { _ = cat.close() }()
		detector = dupcheck.NewDetector(cat, checkDryRun, logger)
	}

	promoter, err := promote.New(promote.Config{
		Dest:      settings.Dest,
		MaxSuffix: settings.MaxSuffix,
		DryRun:    checkDryRun,
		Logger:    logger,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid destination", err)
	}
	validator, err := validate.New(settings.Policy, promoter.GoodRoot(), detector, logger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid check policy", err)
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
		run, err := led.StartRun(ctx, "check", args, checkDryRun)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to record run", err)
		}
		runID = run.RunID
	}

	w, cleanup, err := createWriter(checkOutput, runID, "check")
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	opts := sweep.Options{
		Validator: validator,
		Promoter:  promoter,
		Writer:    w,
		Ledger:    led,
		RunID:     runID,
		MinAge:    settings.MinAge,
		Logger:    logger,
	}
	if cat != nil {
		opts.Timer = cat.timer()
	}
	sweeper, err := sweep.New(opts)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid sweep options", err)
	}

	sum, runErr := sweeper.Run(ctx, args)
	if err := sum.WriteTable(os.Stderr); err != nil {
		logger.Warn("Failed to print summary", zap.Error(err))
	}
	finishRun(ctx, led, runID, sum.Labels(), runErr)

	if runErr != nil {
		return exitError(exitCodeFor(runErr), "Check aborted", runErr)
	}
	logger.Info("Check complete",
		zap.Int64("jobs", sum.Jobs()),
		zap.Duration("duration", sum.Duration))
	return nil
}

// finishRun closes the ledger entry for a run.
func finishRun(ctx context.Context, led *ledger.Ledger, runID string, counts map[string]int64, runErr error) {
	if led == nil {
		return
	}
	status := ledger.RunStatusCompleted
	msg := ""
	if runErr != nil {
		status = ledger.RunStatusAborted
		msg = runErr.Error()
	}
	if err := led.FinishRun(context.WithoutCancel(ctx), runID, status, counts, msg); err != nil {
		observability.CLILogger.Warn("Failed to finish ledger run", zap.String("run_id", runID), zap.Error(err))
	}
}

// exitCodeFor maps a fatal run error to a process exit code.
func exitCodeFor(err error) int {
	var (
		enumErr *walker.EnumerationError
		catErr  *catalog.Error
	)
	switch {
	case errors.Is(err, context.Canceled):
		return foundry.ExitSignalInt
	case errors.As(err, &catErr):
		return foundry.ExitExternalServiceUnavailable
	case errors.Is(err, filename.ErrBadJobName),
		errors.Is(err, archive.ErrNotAllowListed),
		errors.Is(err, archive.ErrInconsistentCluster),
		errors.Is(err, archive.ErrStagingConflict):
		return foundry.ExitInvalidArgument
	case errors.Is(err, archive.ErrClusterNotFound):
		return foundry.ExitFileNotFound
	case errors.As(err, &enumErr):
		return foundry.ExitFileReadError
	case errors.Is(err, archive.ErrArchiveExhausted):
		return foundry.ExitExternalServiceUnavailable
	default:
		return foundry.ExitFileWriteError
	}
}
