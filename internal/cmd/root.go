package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gridsweep/internal/config"
	"github.com/3leaps/gridsweep/internal/observability"
)

var (
	cfgFile  string
	verbose  bool
	logLevel string

	appIdentity *config.AppIdentity
	appConfig   *config.Config
)

type buildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = buildInfo{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the application identity, or nil before the root
// command has initialised.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

var rootCmd = &cobra.Command{
	Use:   "gridsweep",
	Short: "Validate, promote and archive grid job output",
	Long: `gridsweep sweeps the output directories written by grid jobs.

Each job directory is validated against its log file, then moved to good/
or to failed/<reason>/. Promoted clusters can be packed into a tarball,
stored on the archive medium and registered in the file catalog.

Examples:
  gridsweep check /data/grid/cluster01
  gridsweep check --dry-run --min-age 2h /data/grid/cluster*
  gridsweep archive --dest /data/grid cluster01
  gridsweep history --limit 5`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default $XDG_CONFIG_HOME/gridsweep/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var ee *ExitError
	if errors.As(err, &ee) {
		observability.CLILogger.Error(ee.Message, zap.Error(ee.Err))
		return ee.Code
	}
	// Flag and argument errors from cobra itself.
	observability.CLILogger.Error("Command failed", zap.Error(err))
	return foundry.ExitInvalidArgument
}

func initApp(cmd *cobra.Command, args []string) error {
	appIdentity = &config.DefaultIdentity

	config.SetConfigFile(cfgFile)
	overrides := map[string]any{}
	if logLevel != "" {
		overrides["logging"] = map[string]any{"level": logLevel}
	}
	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		observability.InitCLILogger(appIdentity.BinaryName, verbose)
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	appConfig = cfg

	if verbose {
		observability.InitCLILogger(appIdentity.BinaryName, true)
	} else {
		observability.InitCLILoggerLevel(appIdentity.BinaryName, cfg.Logging.Level)
	}
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("catalog_backend", cfg.Catalog.Backend),
		zap.String("store_backend", cfg.Archive.Store.Backend))
	return nil
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitWithCode logs the failure and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync()
	os.Exit(code)
}
