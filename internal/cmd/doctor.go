package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gridsweep/internal/config"
	"github.com/3leaps/gridsweep/internal/observability"
	"github.com/3leaps/gridsweep/pkg/catalog"
)

// doctorProbeDefinition is looked up to test catalog reachability. A
// not-found answer counts as reachable.
const doctorProbeDefinition = "gridsweep-doctor-probe"

var doctorCatalog bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment and configuration and suggest
fixes for common issues.

Examples:
  gridsweep doctor              # Environment and configuration checks
  gridsweep doctor --catalog    # Also contact the catalog`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorCatalog, "catalog", false, "Check that the catalog answers")
}

func runDoctor(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 5
	if doctorCatalog {
		totalChecks++
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go runtime... ✅ %s %s/%s", checkNum, totalChecks, goVersion, runtime.GOOS, runtime.GOARCH),
		zap.String("go_version", goVersion))
	checkNum++

	// Check 2: Crucible and Gofulmen
	version := crucible.GetVersion()
	if version.Crucible == "" {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Crucible access... ❌ Cannot access Crucible", checkNum, totalChecks))
		ExitWithCode(observability.CLILogger, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			errors.New("crucible version is not available"))
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Crucible access... ✅ v%s (gofulmen v%s)", checkNum, totalChecks, version.Crucible, version.Gofulmen),
		zap.String("crucible_version", version.Crucible),
		zap.String("gofulmen_version", version.Gofulmen))
	checkNum++

	// Check 3: Configuration
	cfg, err := currentConfig(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking configuration... ❌ Invalid configuration", checkNum, totalChecks),
			zap.Error(err))
		ExitWithCode(observability.CLILogger, foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ catalog=%s store=%s", checkNum, totalChecks, cfg.Catalog.Backend, cfg.Archive.Store.Backend),
		zap.String("config_file", cfgFile))
	if cfg.Catalog.Backend == "http" && cfg.Catalog.URL == "" {
		observability.CLILogger.Warn("      catalog.url is not set; check --cross-submission and archive need it")
		allChecks = false
	}
	checkNum++

	// Check 4: Data directory
	if ok := checkDataDir(checkNum, totalChecks); !ok {
		allChecks = false
	}
	checkNum++

	// Check 5: Archive store
	if ok := checkStore(ctx, cfg.Archive.Store, checkNum, totalChecks); !ok {
		allChecks = false
	}
	checkNum++

	if doctorCatalog {
		if ok := checkCatalog(ctx, cfg, checkNum, totalChecks); !ok {
			allChecks = false
		}
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

func checkDataDir(checkNum, totalChecks int) bool {
	dir, err := dataDir()
	if err == nil {
		err = os.MkdirAll(dir, 0o755)
	}
	if err == nil {
		err = probeWritable(dir)
	}
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking data directory... ❌ Not writable", checkNum, totalChecks),
			zap.String("data_dir", dir), zap.Error(err))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking data directory... ✅ %s", checkNum, totalChecks, dir),
		zap.String("data_dir", dir))
	return true
}

// probeWritable creates and removes a temporary file in dir.
func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func checkStore(ctx context.Context, cfg config.StoreConfig, checkNum, totalChecks int) bool {
	if cfg.Backend == "s3" {
		return runS3Checks(ctx, cfg, checkNum, totalChecks)
	}
	if cfg.Dir == "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking archive store... ✅ file store under <dest>/archive", checkNum, totalChecks))
		return true
	}
	dir := filepath.Clean(cfg.Dir)
	if err := probeWritable(dir); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking archive store... ❌ %s is not writable", checkNum, totalChecks, dir),
			zap.Error(err))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking archive store... ✅ %s", checkNum, totalChecks, dir))
	return true
}

// runS3Checks verifies that AWS credentials can be resolved for the S3 store.
func runS3Checks(ctx context.Context, store config.StoreConfig, checkNum, totalChecks int) bool {
	if store.Bucket == "" {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking archive store... ❌ archive.store.bucket is not set", checkNum, totalChecks))
		return false
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ bucket %s", checkNum, totalChecks, store.Bucket),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("credential_source", source))
	return true
}

func checkCatalog(ctx context.Context, cfg *config.Config, checkNum, totalChecks int) bool {
	cat, err := openCatalog(ctx, cfg.Catalog, observability.CLILogger)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking catalog... ❌ Cannot open catalog", checkNum, totalChecks),
			zap.Error(err))
		return false
	}
	defer func() { _ = cat.close() }()

	_, err = cat.DescribeDefinition(ctx, doctorProbeDefinition)
	if err != nil && !catalog.IsNotFound(err) {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking catalog... ❌ No answer", checkNum, totalChecks),
			zap.Error(err))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking catalog... ✅ %s", checkNum, totalChecks, cfg.Catalog.Backend))
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Ceph, etc.), also set:")
	observability.CLILogger.Info("  - archive.store.endpoint in the config file")
	observability.CLILogger.Info("")
}
