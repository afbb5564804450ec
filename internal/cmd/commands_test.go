package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gridsweep/internal/config"
	"github.com/3leaps/gridsweep/pkg/catalog"
	"github.com/3leaps/gridsweep/pkg/ledger"
	"github.com/3leaps/gridsweep/pkg/output"
	"github.com/3leaps/gridsweep/test/gridtest"
)

// cliEnv is a scratch installation: config, data, catalog and ledger all
// live under one temp directory.
type cliEnv struct {
	base    string
	catalog string
	ledger  string
}

func isolateCLI(t *testing.T) *cliEnv {
	t.Helper()
	base := t.TempDir()
	e := &cliEnv{
		base:    base,
		catalog: filepath.Join(base, "catalog.db"),
		ledger:  filepath.Join(base, "ledger.db"),
	}
	t.Setenv("HOME", base)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(base, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(base, "data"))
	t.Setenv("GRIDSWEEP_CATALOG_BACKEND", "sqlite")
	t.Setenv("GRIDSWEEP_CATALOG_PATH", e.catalog)
	t.Setenv("GRIDSWEEP_LEDGER_PATH", e.ledger)
	t.Setenv("GRIDSWEEP_ARCHIVE_INITIAL_BACKOFF", "1ms")
	t.Cleanup(func() {
		appConfig = nil
		config.SetConfigFile("")
	})
	return e
}

func resetCommandFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetCommandFlags(sub)
	}
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetCommandFlags(rootCmd)
	appConfig = nil

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	rootCmd.SetContext(context.Background())
	err := rootCmd.Execute()
	rootCmd.SetArgs(nil)
	rootCmd.SetOut(nil)
	return out.String(), err
}

func readRecords(t *testing.T, path string) []output.Record {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var recs []output.Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var r output.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		recs = append(recs, r)
	}
	require.NoError(t, sc.Err())
	return recs
}

func dataOf[T any](t *testing.T, recs []output.Record, typ string) []T {
	t.Helper()
	var out []T
	for _, r := range recs {
		if r.Type == typ {
			var v T
			require.NoError(t, json.Unmarshal(r.Data, &v))
			out = append(out, v)
		}
	}
	return out
}

func TestCheckCommand_ClassifiesAndRecords(t *testing.T) {
	e := isolateCLI(t)
	cluster := filepath.Join(e.base, "incoming", "c1")
	gridtest.WriteJob(t, filepath.Join(cluster, "00", "00001.0144a733"), gridtest.GoodJob())
	bad := gridtest.GoodJob()
	bad.ExitOK = false
	gridtest.WriteJob(t, filepath.Join(cluster, "00", "00002"), bad)

	outPath := filepath.Join(e.base, "run.jsonl")
	_, err := execute(t, "check", "--min-age", "0s", "--output", outPath, cluster)
	require.NoError(t, err)

	dest := filepath.Join(e.base, "incoming")
	assert.DirExists(t, filepath.Join(dest, "good", "c1", "00", "00001"))
	assert.DirExists(t, filepath.Join(dest, "failed", "exitstatus", "c1", "00", "00002"))

	recs := readRecords(t, outPath)
	jobs := dataOf[output.JobRecord](t, recs, output.TypeJob)
	require.Len(t, jobs, 2)
	sums := dataOf[output.SummaryRecord](t, recs, output.TypeSummary)
	require.Len(t, sums, 1)
	assert.Equal(t, int64(2), sums[0].Jobs)
	assert.Equal(t, int64(1), sums[0].Counts["good"])

	led, err := ledger.Open(context.Background(), e.ledger)
	require.NoError(t, err)
	defer func() { _ = led.Close() }()
	runs, err := led.Runs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, ledger.RunStatusCompleted, runs[0].Status)
	assert.Equal(t, recs[0].RunID, runs[0].RunID)
	assert.Equal(t, int64(1), runs[0].Counts["exitstatus"])

	out, err := execute(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, runs[0].RunID)
	assert.Contains(t, out, "exitstatus=1 good=1")

	out, err = execute(t, "history", runs[0].RunID)
	require.NoError(t, err)
	assert.Contains(t, out, "c1/00/00001.0144a733")
}

func TestCheckCommand_DryRunAndPolicy(t *testing.T) {
	e := isolateCLI(t)
	cluster := filepath.Join(e.base, "incoming", "c1")
	gridtest.WriteJob(t, filepath.Join(cluster, "00", "00001"), gridtest.GoodJob())

	policyPath := filepath.Join(e.base, "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte("version: \"1.0\"\ncheck:\n  min_age: 0s\n  verify: full\n"), 0o644))

	outPath := filepath.Join(e.base, "run.jsonl")
	_, err := execute(t, "check", "--dry-run", "--policy", policyPath, "--output", outPath, cluster)
	require.NoError(t, err)

	assert.DirExists(t, filepath.Join(cluster, "00", "00001"))
	jobs := dataOf[output.JobRecord](t, readRecords(t, outPath), output.TypeJob)
	require.Len(t, jobs, 1)
	assert.Equal(t, "good", jobs[0].Reason)
	assert.True(t, jobs[0].DryRun)
}

func TestCheckCommand_Errors(t *testing.T) {
	e := isolateCLI(t)

	_, err := execute(t, "check")
	assert.Error(t, err)

	_, err = execute(t, "check", "--verify", "sometimes", filepath.Join(e.base, "c1"))
	var ee *ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, foundry.ExitInvalidArgument, ee.Code)

	_, err = execute(t, "check", "--output", filepath.Join(e.base, "o.jsonl"), filepath.Join(e.base, "missing"))
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, foundry.ExitFileReadError, ee.Code)
}

func TestArchiveCommand_StoresAndRegisters(t *testing.T) {
	e := isolateCLI(t)
	dest := filepath.Join(e.base, "out")
	jobDir := filepath.Join(dest, "good", "c1", "00", "00001")
	require.NoError(t, os.MkdirAll(jobDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, gridtest.DefaultLogName), gridtest.BuildLog(gridtest.GoodJob()), 0o644))

	outPath := filepath.Join(e.base, "archive.jsonl")
	_, err := execute(t, "archive", "--dest", dest, "--output", outPath, "c1")
	require.NoError(t, err)

	const name = "bck.mu2e.cosmic.v1.001000_00000001.tgz"
	assert.FileExists(t, filepath.Join(dest, "archive", name))
	assert.NoDirExists(t, filepath.Join(dest, "staging", "c1"))

	recs := readRecords(t, outPath)
	archives := dataOf[output.ArchiveRecord](t, recs, output.TypeArchive)
	require.Len(t, archives, 1)
	assert.Equal(t, name, archives[0].Name)
	assert.Equal(t, []string{"cnf.mu2e.cosmic.v1.001000_00000001.fcl"}, archives[0].Parents)

	cat, err := catalog.OpenLocal(context.Background(), e.catalog)
	require.NoError(t, err)
	defer func() { _ = cat.Close() }()
	rec, err := cat.Metadata(context.Background(), name)
	require.NoError(t, err)
	assert.Equal(t, []string{"sha256:" + archives[0].Checksum}, rec.Checksum)
}

func TestArchiveCommand_AllSkipsEmptyCluster(t *testing.T) {
	e := isolateCLI(t)
	dest := filepath.Join(e.base, "out")
	require.NoError(t, os.MkdirAll(filepath.Join(dest, "good", "c0", "00"), 0o755))
	jobDir := filepath.Join(dest, "good", "c1", "00", "00001")
	require.NoError(t, os.MkdirAll(jobDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, gridtest.DefaultLogName), gridtest.BuildLog(gridtest.GoodJob()), 0o644))

	outPath := filepath.Join(e.base, "archive.jsonl")
	_, err := execute(t, "archive", "--dest", dest, "--output", outPath, "--all")
	require.NoError(t, err)

	assert.NoDirExists(t, filepath.Join(dest, "staging", "c0"))
	assert.NoDirExists(t, filepath.Join(dest, "good", "c0"))
	archives := dataOf[output.ArchiveRecord](t, readRecords(t, outPath), output.TypeArchive)
	require.Len(t, archives, 1)
	assert.Equal(t, "c1", archives[0].Cluster)
}

func TestArchiveCommand_NotAllowListed(t *testing.T) {
	e := isolateCLI(t)
	dest := filepath.Join(e.base, "out")
	jobDir := filepath.Join(dest, "good", "c1", "00", "00001")
	require.NoError(t, os.MkdirAll(jobDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, "core.1234"), []byte("x"), 0o644))

	outPath := filepath.Join(e.base, "archive.jsonl")
	_, err := execute(t, "archive", "--dest", dest, "--output", outPath, "c1")
	var ee *ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, foundry.ExitInvalidArgument, ee.Code)

	errs := dataOf[output.ErrorRecord](t, readRecords(t, outPath), output.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, output.ErrCodeConfig, errs[0].Code)
	assert.NoFileExists(t, filepath.Join(dest, "archive", "bck.mu2e.cosmic.v1.001000_00000001.tgz"))
}

func TestArchiveCommand_Arguments(t *testing.T) {
	e := isolateCLI(t)

	_, err := execute(t, "archive", "--dest", e.base)
	assert.Error(t, err)

	_, err = execute(t, "archive", "--dest", e.base, "--all", "c1")
	assert.Error(t, err)

	_, err = execute(t, "archive", "c1")
	assert.ErrorContains(t, err, "destination root is required")

	_, err = execute(t, "archive", "--dest", e.base, "--all")
	assert.NoError(t, err)
}

func TestWalkCommand(t *testing.T) {
	e := isolateCLI(t)
	cluster := filepath.Join(e.base, "c1")
	gridtest.WriteJob(t, filepath.Join(cluster, "00", "00001.0144a733"), gridtest.GoodJob())
	gridtest.WriteJob(t, filepath.Join(cluster, "01", "00002"), gridtest.GoodJob())

	out, err := execute(t, "walk", cluster)
	require.NoError(t, err)
	assert.Contains(t, out, "00001.0144a733")
	assert.Contains(t, out, "00002")
	assert.Contains(t, out, "CLUSTER")
}

func TestCatalogCommands(t *testing.T) {
	e := isolateCLI(t)

	_, err := execute(t, "catalog", "ensure-definition", "cosmic-logs", "--query", "log.mu2e.cosmic.*")
	require.NoError(t, err)
	_, err = execute(t, "catalog", "ensure-definition", "cosmic-logs", "--query", "log.other.*")
	require.NoError(t, err)

	cat, err := catalog.OpenLocal(context.Background(), e.catalog)
	require.NoError(t, err)
	def, err := cat.DescribeDefinition(context.Background(), "cosmic-logs")
	require.NoError(t, err)
	assert.Equal(t, "log.mu2e.cosmic.*", def.Query)
	require.NoError(t, cat.Declare(context.Background(), catalog.Record{FileName: "log.mu2e.cosmic.v1.001000_00000001.log"}))
	require.NoError(t, cat.Close())

	out, err := execute(t, "catalog", "query", "cosmic-logs")
	require.NoError(t, err)
	assert.Equal(t, "log.mu2e.cosmic.v1.001000_00000001.log\n", out)
}

func TestHistory_UnknownRun(t *testing.T) {
	isolateCLI(t)
	_, err := execute(t, "history", "no-such-run")
	var ee *ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, foundry.ExitFileNotFound, ee.Code)
}

func TestSharedDest(t *testing.T) {
	dest, err := sharedDest([]string{"/data/grid/c1", "/data/grid/c2/"})
	require.NoError(t, err)
	assert.Equal(t, "/data/grid", dest)

	_, err = sharedDest([]string{"/data/a/c1", "/data/b/c2"})
	assert.Error(t, err)

	_, err = sharedDest(nil)
	assert.Error(t, err)
}

func TestFormatCounts(t *testing.T) {
	assert.Equal(t, "-", formatCounts(nil))
	assert.Equal(t, "badexit=1 good=10", formatCounts(map[string]int64{"good": 10, "badexit": 1}))
}

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, foundry.ExitSignalInt, exitCodeFor(context.Canceled))
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, exitCodeFor(&catalog.Error{Op: "Declare", Err: catalog.ErrUnavailable}))
	assert.Equal(t, foundry.ExitFileWriteError, exitCodeFor(errors.New("rename failed")))
}
