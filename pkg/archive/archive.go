// Package archive sweeps the files left in a promoted cluster into one
// registered tar archive.
//
// A cluster is first staged by renaming it out of good/, so promotion runs
// that start later cannot add jobs to it. The staged tree is scanned against
// an allow-list, written as a gzip-compressed tar whose SHA-256 is computed
// while writing, stored on the archive medium and declared in the catalog.
// Build, store and declare are retried together; each attempt rebuilds the
// archive from the staged files.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/gridsweep/pkg/catalog"
	"github.com/3leaps/gridsweep/pkg/match"
	"github.com/3leaps/gridsweep/pkg/output"
	"github.com/3leaps/gridsweep/pkg/promote"
	"github.com/3leaps/gridsweep/pkg/provider"
	"github.com/3leaps/gridsweep/pkg/retry"
	"github.com/3leaps/gridsweep/pkg/walker"
)

// DefaultAllow is the allow-list used when none is configured.
var DefaultAllow = []string{"log.*.*.*.*.log"}

// ChecksumPrefix tags checksums recorded in the catalog.
const ChecksumPrefix = "sha256:"

var (
	// ErrNotAllowListed means the cluster holds a file the allow-list does
	// not cover. Nothing is archived.
	ErrNotAllowListed = errors.New("file not allowed in cluster archive")

	// ErrInconsistentCluster means the log files name different datasets.
	ErrInconsistentCluster = errors.New("cluster log files disagree on dataset")

	// ErrEmptyCluster means the cluster holds no files. Archive removes
	// such a cluster instead of leaving it staged.
	ErrEmptyCluster = errors.New("cluster has no files to archive")

	// ErrClusterNotFound means the cluster is neither in good/ nor staged.
	ErrClusterNotFound = errors.New("cluster not found")

	// ErrStagingConflict means the cluster is both in good/ and staged.
	ErrStagingConflict = errors.New("cluster present in good and staging")

	// ErrChecksumMismatch means the catalog already holds the archive name
	// with a different checksum.
	ErrChecksumMismatch = errors.New("archive registered with a different checksum")

	// ErrArchiveExhausted means every attempt to build, store and register
	// the archive failed.
	ErrArchiveExhausted = errors.New("archive attempts exhausted")
)

// Config configures an Archiver.
type Config struct {
	// GoodRoot is the good/ directory clusters are promoted to.
	GoodRoot string

	// StagingDir receives clusters while they are archived.
	StagingDir string

	// Allow lists the globs archived file names must match.
	Allow []string

	Store   provider.Store
	Catalog catalog.Catalog

	// Retry bounds the build, store and register attempts.
	Retry retry.Config

	// Keep leaves the staged cluster in place after registration.
	Keep bool

	// DryRun scans and builds without staging, storing or registering.
	DryRun bool

	Logger *zap.Logger
}

// Result describes one archived cluster.
type Result struct {
	Summary  *ClusterSummary
	Built    Built
	Location string
	Attempts int
	DryRun   bool
}

// Record converts r to its output record.
func (r *Result) Record() *output.ArchiveRecord {
	return &output.ArchiveRecord{
		Cluster:  r.Summary.Cluster,
		Name:     r.Summary.Name(),
		Dataset:  r.Summary.Dataset(),
		Checksum: r.Built.Checksum,
		Size:     r.Built.Size,
		Location: r.Location,
		Files:    len(r.Summary.Files),
		Parents:  r.Summary.ParentList(),
		Attempts: r.Attempts,
		DryRun:   r.DryRun,
	}
}

// Archiver archives clusters.
type Archiver struct {
	cfg   Config
	allow *match.Matcher
	log   *zap.Logger
}

// New creates an Archiver.
func New(cfg Config) (*Archiver, error) {
	if cfg.GoodRoot == "" {
		return nil, errors.New("good root is required")
	}
	if cfg.StagingDir == "" {
		return nil, errors.New("staging directory is required")
	}
	if !cfg.DryRun && (cfg.Store == nil || cfg.Catalog == nil) {
		return nil, errors.New("archive store and catalog are required")
	}
	if len(cfg.Allow) == 0 {
		cfg.Allow = DefaultAllow
	}
	allow, err := match.New(match.Config{Includes: cfg.Allow})
	if err != nil {
		return nil, fmt.Errorf("allow-list: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Archiver{cfg: cfg, allow: allow, log: cfg.Logger}, nil
}

// Clusters lists the clusters awaiting archival: those already staged by an
// interrupted run, then those in good/.
func (a *Archiver) Clusters() ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, dir := range []string{a.cfg.StagingDir, a.cfg.GoodRoot} {
		names, err := listDirs(dir)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out, nil
}

// Stage moves cluster from good/ to the staging directory and returns the
// staged path. A cluster already staged by an earlier run is reused.
func (a *Archiver) Stage(cluster string) (string, error) {
	if err := checkClusterName(cluster); err != nil {
		return "", err
	}
	src := filepath.Join(a.cfg.GoodRoot, cluster)
	dst := filepath.Join(a.cfg.StagingDir, cluster)

	srcOK, err := isDir(src)
	if err != nil {
		return "", err
	}
	dstOK, err := isDir(dst)
	if err != nil {
		return "", err
	}
	switch {
	case srcOK && dstOK:
		return "", fmt.Errorf("%s: %w", cluster, ErrStagingConflict)
	case dstOK:
		a.log.Info("Resuming staged cluster", zap.String("cluster", cluster))
		return dst, nil
	case !srcOK:
		return "", fmt.Errorf("%s: %w", cluster, ErrClusterNotFound)
	}

	if err := os.MkdirAll(a.cfg.StagingDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", a.cfg.StagingDir, err)
	}
	if err := promote.RenameDir(src, dst); err != nil {
		return "", fmt.Errorf("stage %s: %w", cluster, err)
	}
	return dst, nil
}

// Archive stages, scans, builds, stores and registers one cluster.
func (a *Archiver) Archive(ctx context.Context, cluster string) (*Result, error) {
	if a.cfg.DryRun {
		return a.dryRun(cluster)
	}

	dir, err := a.Stage(cluster)
	if err != nil {
		return nil, err
	}
	sum, err := Scan(dir, a.allow)
	if errors.Is(err, ErrEmptyCluster) {
		// Nothing to archive; the staged tree holds only directories.
		if rerr := os.RemoveAll(dir); rerr != nil {
			return nil, fmt.Errorf("remove empty staged %s: %w", dir, rerr)
		}
		a.log.Info("Removed empty cluster", zap.String("cluster", cluster))
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	res := &Result{Summary: sum}
	name := sum.Name()
	var st attemptState

	err = retry.Do(ctx, a.cfg.Retry, func(attempt int) error {
		res.Attempts = attempt
		err := a.attempt(ctx, dir, res, &st)
		if err != nil {
			a.log.Warn("Archive attempt failed",
				zap.String("archive", name), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
	if err != nil {
		a.rollback(ctx, name, &st)
		if st.stored && !st.declared && !errors.Is(err, ErrChecksumMismatch) {
			// An unregistered object is never referenced.
			if derr := a.cfg.Store.DeleteObject(context.WithoutCancel(ctx), name); derr != nil {
				a.log.Warn("Failed to remove unregistered archive", zap.String("archive", name), zap.Error(derr))
			}
		}
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			return nil, fmt.Errorf("%s after %d attempts: %w: %v", name, exhausted.Attempts, ErrArchiveExhausted, exhausted.Err)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	if !a.cfg.Keep {
		if err := os.RemoveAll(dir); err != nil {
			return res, fmt.Errorf("remove staged %s: %w", dir, err)
		}
	}
	a.log.Info("Cluster archived",
		zap.String("cluster", cluster),
		zap.String("archive", name),
		zap.String("location", res.Location),
		zap.Int("files", len(sum.Files)))
	return res, nil
}

func (a *Archiver) dryRun(cluster string) (*Result, error) {
	if err := checkClusterName(cluster); err != nil {
		return nil, err
	}
	dir := filepath.Join(a.cfg.StagingDir, cluster)
	if ok, err := isDir(dir); err != nil {
		return nil, err
	} else if !ok {
		dir = filepath.Join(a.cfg.GoodRoot, cluster)
	}

	sum, err := Scan(dir, a.allow)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", cluster, ErrClusterNotFound)
		}
		return nil, err
	}
	built, err := Build(io.Discard, dir, sum.Files)
	if err != nil {
		return nil, err
	}
	return &Result{Summary: sum, Built: built, DryRun: true}, nil
}

// attemptState carries progress across the attempts of one Archive call.
type attemptState struct {
	stored   bool
	declared bool
	// created is set when this call declared the record itself.
	created bool
	located bool
}

// rollback retires a record this call declared but never gave a location,
// so a failed archive leaves no registration behind. A record declared by
// an earlier run is left for a later run to complete.
func (a *Archiver) rollback(ctx context.Context, name string, st *attemptState) {
	if !st.created || st.located {
		return
	}
	if err := a.cfg.Catalog.Retire(context.WithoutCancel(ctx), name); err != nil {
		a.log.Warn("Failed to retire incomplete archive record", zap.String("archive", name), zap.Error(err))
		return
	}
	st.declared = false
	st.created = false
}

// attempt builds the archive into a temporary file, stores it, and
// registers it with its location.
func (a *Archiver) attempt(ctx context.Context, dir string, res *Result, st *attemptState) error {
	tmp, err := os.CreateTemp(a.cfg.StagingDir, ".bck-*.tgz")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	sum := res.Summary
	built, err := Build(tmp, dir, sum.Files)
	if err != nil {
		return err
	}
	res.Built = built

	name := sum.Name()
	checksum := ChecksumPrefix + built.Checksum
	if !st.declared {
		declared, err := a.registered(ctx, name, checksum)
		if err != nil {
			return err
		}
		st.declared = declared
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := a.cfg.Store.PutObject(ctx, name, tmp, built.Size); err != nil {
		return storeError(err)
	}
	st.stored = true
	meta, err := a.cfg.Store.Head(ctx, name)
	if err != nil {
		return storeError(err)
	}
	if meta.Size != built.Size {
		return fmt.Errorf("stored %s is %d bytes, wrote %d", name, meta.Size, built.Size)
	}

	if !st.declared {
		created, err := a.declare(ctx, sum, built)
		if err != nil {
			return err
		}
		st.declared = true
		st.created = created
	}
	res.Location = a.cfg.Store.Location(name)
	if err := a.cfg.Catalog.AddLocation(ctx, name, res.Location); err != nil {
		return catalogError(err)
	}
	st.located = true
	return nil
}

// registered reports whether name is already declared with checksum. A
// declaration with another checksum is never overwritten.
func (a *Archiver) registered(ctx context.Context, name, checksum string) (bool, error) {
	existing, err := a.cfg.Catalog.Metadata(ctx, name)
	if catalog.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, catalogError(err)
	}
	for _, c := range existing.Checksum {
		if c == checksum {
			return true, nil
		}
	}
	return false, retry.Permanent(fmt.Errorf("%s: %w", name, ErrChecksumMismatch))
}

// declare creates the catalog record and reports whether this call created
// it. A conflict is a concurrent or earlier declaration and is checked like
// one found up front.
func (a *Archiver) declare(ctx context.Context, sum *ClusterSummary, built Built) (bool, error) {
	name := sum.Name()
	checksum := ChecksumPrefix + built.Checksum
	rec := catalog.Record{
		FileName: name,
		FileType: "other",
		FileSize: built.Size,
		DataTier: Tier,
		Dataset:  sum.Dataset(),
		Checksum: []string{checksum},
		Parents:  sum.ParentList(),
		Metadata: map[string]string{"cluster": sum.Cluster},
	}
	err := a.cfg.Catalog.Declare(ctx, rec)
	if err == nil {
		return true, nil
	}
	if !catalog.IsConflict(err) {
		return false, catalogError(err)
	}
	ok, err := a.registered(ctx, name, checksum)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%s: declared concurrently but not visible", name)
	}
	return false, nil
}

func catalogError(err error) error {
	if catalog.IsRetryable(err) {
		return err
	}
	return retry.Permanent(err)
}

func storeError(err error) error {
	if provider.IsPermanent(err) {
		return retry.Permanent(err)
	}
	return err
}

func checkClusterName(cluster string) error {
	if cluster == "" || cluster == "." || cluster == ".." || strings.ContainsAny(cluster, `/\`) {
		return fmt.Errorf("invalid cluster name %q", cluster)
	}
	return nil
}

func isDir(path string) (bool, error) {
	fi, err := os.Lstat(path)
	if err == nil {
		return fi.IsDir(), nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func listDirs(dir string) ([]string, error) {
	names, err := walker.Subdirs(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return names, err
}
