// Package walker enumerates the cluster/shard/job directory hierarchy written
// by grid job submissions.
//
// Other processes may rename or remove entries while a walk is in progress,
// so each level is listed only when it is reached and entries that vanish in
// between are skipped. Any other enumeration failure is returned as an error:
// a silently truncated listing would leave jobs unchecked.
package walker

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Job is one job directory found under a cluster.
type Job struct {
	// Root is the directory containing the cluster directory.
	Root string

	// Cluster, Shard and Name are the three path levels.
	Cluster string
	Shard   string
	Name    string

	// ModTime is the job directory modification time.
	ModTime time.Time
}

// Path returns the absolute (or root-relative) job directory path.
func (j Job) Path() string {
	return filepath.Join(j.Root, j.Cluster, j.Shard, j.Name)
}

// RelPath returns cluster/shard/name.
func (j Job) RelPath() string {
	return filepath.Join(j.Cluster, j.Shard, j.Name)
}

// EnumerationError reports a directory listing failure.
type EnumerationError struct {
	Dir string
	Err error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("enumerate %s: %v", e.Dir, e.Err)
}

func (e *EnumerationError) Unwrap() error { return e.Err }

// Jobs lazily yields the job directories of one cluster in sorted order.
// Iteration stops after the first error is yielded.
func Jobs(clusterDir string) iter.Seq2[Job, error] {
	clusterDir = filepath.Clean(clusterDir)
	root := filepath.Dir(clusterDir)
	cluster := filepath.Base(clusterDir)

	return func(yield func(Job, error) bool) {
		shards, err := Subdirs(clusterDir)
		if err != nil {
			yield(Job{}, err)
			return
		}

		for _, shard := range shards {
			shardDir := filepath.Join(clusterDir, shard)
			names, err := Subdirs(shardDir)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				yield(Job{}, err)
				return
			}

			for _, name := range names {
				info, err := os.Stat(filepath.Join(shardDir, name))
				if err != nil {
					if errors.Is(err, fs.ErrNotExist) {
						continue
					}
					yield(Job{}, &EnumerationError{Dir: shardDir, Err: err})
					return
				}
				job := Job{
					Root:    root,
					Cluster: cluster,
					Shard:   shard,
					Name:    name,
					ModTime: info.ModTime(),
				}
				if !yield(job, nil) {
					return
				}
			}
		}
	}
}

// Subdirs lists the non-hidden subdirectories of dir in sorted order.
//
// A missing dir is reported as an *EnumerationError wrapping fs.ErrNotExist;
// entries removed between the listing and their type check are skipped.
func Subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &EnumerationError{Dir: dir, Err: err}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		isDir, err := entryIsDir(dir, e)
		if err != nil {
			return nil, &EnumerationError{Dir: dir, Err: err}
		}
		if isDir {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Files lists the regular files directly inside dir in sorted order.
func Files(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &EnumerationError{Dir: dir, Err: err}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// entryIsDir resolves symlinks and unknown entry types with a stat call.
func entryIsDir(dir string, e fs.DirEntry) (bool, error) {
	if e.IsDir() {
		return true, nil
	}
	if e.Type().IsRegular() {
		return false, nil
	}
	info, err := os.Stat(filepath.Join(dir, e.Name()))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}
