// Package promote moves classified job directories to their destination.
//
// Moves are renames only; a job directory is never copied. Good jobs go to
// good/<cluster>/<shard>/<normalized-name>, failed jobs to
// failed/<reason>/<cluster>/<shard>/<name>. Several promoters may share a
// destination tree, so parent creation tolerates concurrent creators and an
// occupied failed/ destination is retried with a .failNN suffix.
package promote

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/3leaps/gridsweep/pkg/validate"
	"github.com/3leaps/gridsweep/pkg/walker"
)

// DefaultMaxSuffix bounds the .failNN retries.
const DefaultMaxSuffix = 20

// Destination subdirectories.
const (
	GoodDir   = "good"
	FailedDir = "failed"
)

var (
	// ErrOccupied means the good/ destination already exists.
	ErrOccupied = errors.New("destination occupied")

	// ErrSuffixesExhausted means every .failNN candidate was occupied.
	ErrSuffixesExhausted = errors.New("destination suffixes exhausted")

	// ErrCrossDevice means source and destination are on different
	// filesystems and a rename is impossible.
	ErrCrossDevice = errors.New("source and destination on different filesystems")

	// ErrSourceMissing means the job directory was moved away by another
	// process before this move.
	ErrSourceMissing = errors.New("job directory no longer present")
)

// Config configures a Promoter.
type Config struct {
	// Dest is the destination root holding good/ and failed/.
	Dest string

	// MaxSuffix is the number of .failNN names tried after the plain name.
	MaxSuffix int

	// DryRun computes destinations without creating or renaming anything.
	DryRun bool

	Logger *zap.Logger
}

// Promoter performs terminal moves.
type Promoter struct {
	dest      string
	maxSuffix int
	dryRun    bool
	logger    *zap.Logger
}

// Move describes a completed (or, in dry-run mode, planned) move.
type Move struct {
	From   string
	To     string
	DryRun bool
}

// New creates a Promoter.
func New(cfg Config) (*Promoter, error) {
	if cfg.Dest == "" {
		return nil, errors.New("destination root is required")
	}
	if cfg.MaxSuffix <= 0 {
		cfg.MaxSuffix = DefaultMaxSuffix
	}
	if cfg.MaxSuffix > 100 {
		return nil, fmt.Errorf("max suffix %d exceeds two digits", cfg.MaxSuffix)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Promoter{
		dest:      filepath.Clean(cfg.Dest),
		maxSuffix: cfg.MaxSuffix,
		dryRun:    cfg.DryRun,
		logger:    cfg.Logger,
	}, nil
}

// GoodRoot returns <dest>/good.
func (p *Promoter) GoodRoot() string {
	return filepath.Join(p.dest, GoodDir)
}

// GoodPath returns the good/ destination of job.
func GoodPath(dest string, job walker.Job, normalized string) string {
	return filepath.Join(dest, GoodDir, job.Cluster, job.Shard, normalized)
}

// FailedPath returns the unsuffixed failed/ destination of job.
func FailedPath(dest string, reason validate.Reason, job walker.Job) string {
	return filepath.Join(dest, FailedDir, reason.String(), job.Cluster, job.Shard, job.Name)
}

// Good moves job to good/. An existing destination is ErrOccupied and the
// job is left in place.
func (p *Promoter) Good(job walker.Job, normalized string) (Move, error) {
	to := GoodPath(p.dest, job, normalized)
	if p.dryRun {
		occupied, err := exists(to)
		if err != nil {
			return Move{}, err
		}
		if occupied {
			return Move{}, fmt.Errorf("%s: %w", to, ErrOccupied)
		}
		return Move{From: job.Path(), To: to, DryRun: true}, nil
	}

	if err := mkdirParent(to); err != nil {
		return Move{}, err
	}
	if err := RenameDir(job.Path(), to); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return Move{}, fmt.Errorf("%s: %w", to, ErrOccupied)
		}
		return Move{}, err
	}
	return Move{From: job.Path(), To: to}, nil
}

// Failed moves job to failed/<reason>/. An occupied destination is retried
// as <name>.fail00, <name>.fail01, ... up to the configured bound.
func (p *Promoter) Failed(job walker.Job, reason validate.Reason) (Move, error) {
	if !reason.Failed() {
		return Move{}, fmt.Errorf("reason %s is not a failure", reason)
	}
	base := FailedPath(p.dest, reason, job)
	if !p.dryRun {
		if err := mkdirParent(base); err != nil {
			return Move{}, err
		}
	}

	for attempt := -1; attempt < p.maxSuffix; attempt++ {
		to := base
		if attempt >= 0 {
			to = fmt.Sprintf("%s.fail%02d", base, attempt)
		}

		if p.dryRun {
			occupied, err := exists(to)
			if err != nil {
				return Move{}, err
			}
			if !occupied {
				return Move{From: job.Path(), To: to, DryRun: true}, nil
			}
			continue
		}

		err := RenameDir(job.Path(), to)
		if err == nil {
			return Move{From: job.Path(), To: to}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return Move{}, err
		}
		p.logger.Debug("Failed destination occupied",
			zap.String("job", job.RelPath()),
			zap.String("destination", to))
	}
	return Move{}, fmt.Errorf("%s after %d suffixes: %w", base, p.maxSuffix, ErrSuffixesExhausted)
}

// RenameDir renames from to to without replacing an existing destination
// (fs.ErrExist). Renames across filesystems fail with ErrCrossDevice and a
// missing source with ErrSourceMissing.
func RenameDir(from, to string) error {
	err := renameNoReplace(from, to)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("rename %s -> %s: %w", from, to, ErrCrossDevice)
	}
	if errors.Is(err, fs.ErrNotExist) {
		if gone, _ := missing(from); gone {
			return fmt.Errorf("%s: %w", from, ErrSourceMissing)
		}
	}
	return err
}

// renameChecked is the portable fallback: refuse when newpath exists, then
// rename. The window between the two calls is accepted.
func renameChecked(oldpath, newpath string) error {
	if _, err := os.Lstat(newpath); err == nil {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: fs.ErrExist}
	}
	return os.Rename(oldpath, newpath)
}

// mkdirParent creates the parent of path. os.MkdirAll already treats a
// directory created concurrently by another process as success.
func mkdirParent(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

func exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func missing(path string) (bool, error) {
	ok, err := exists(path)
	return !ok && err == nil, err
}
