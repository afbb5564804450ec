package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set"

	"github.com/3leaps/gridsweep/pkg/filename"
	"github.com/3leaps/gridsweep/pkg/logparse"
	"github.com/3leaps/gridsweep/pkg/match"
)

// Archive file name fields.
const (
	Tier   = "bck"
	Format = "tgz"
)

// Log files are the only archived files read for parents.
const (
	logTier   = "log"
	logFormat = "log"
)

// ClusterSummary describes the files of one staged cluster.
type ClusterSummary struct {
	Cluster string

	Owner         string
	Description   string
	Configuration string

	// MinSequence is the smallest sequencer among the archived files.
	MinSequence string

	// Parents holds the parent identifiers (string) named by the logs.
	// Logs that name no parent contribute nothing.
	Parents mapset.Set

	// Files are slash-separated paths relative to the cluster directory,
	// sorted.
	Files []string
}

// Name returns the archive file name.
func (s *ClusterSummary) Name() string {
	return s.file().String()
}

// Dataset returns the dataset the archive belongs to.
func (s *ClusterSummary) Dataset() string {
	return s.file().Dataset()
}

func (s *ClusterSummary) file() filename.File {
	return filename.File{
		Tier:          Tier,
		Owner:         s.Owner,
		Description:   s.Description,
		Configuration: s.Configuration,
		Sequencer:     s.MinSequence,
		Format:        Format,
	}
}

// ParentList returns the parents in sorted order.
func (s *ClusterSummary) ParentList() []string {
	out := make([]string, 0, s.Parents.Cardinality())
	for _, p := range s.Parents.ToSlice() {
		out = append(out, p.(string))
	}
	sort.Strings(out)
	return out
}

// Scan summarizes the cluster at dir. Every regular file must be an
// allow-listed dataset file name; anything else fails the whole cluster
// with ErrNotAllowListed.
func Scan(dir string, allow *match.Matcher) (*ClusterSummary, error) {
	sum := &ClusterSummary{
		Cluster: filepath.Base(dir),
		Parents: mapset.NewThreadUnsafeSet(),
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !d.Type().IsRegular() {
			return fmt.Errorf("%w: %s is not a regular file", ErrNotAllowListed, rel)
		}
		if !allow.MatchBase(rel) {
			return fmt.Errorf("%w: %s", ErrNotAllowListed, rel)
		}
		f, err := filename.Parse(d.Name())
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrNotAllowListed, rel, err)
		}
		if err := sum.add(path, d.Name(), f); err != nil {
			return err
		}
		sum.Files = append(sum.Files, rel)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotAllowListed) || errors.Is(err, ErrInconsistentCluster) {
			return nil, err
		}
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(sum.Files) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrEmptyCluster)
	}
	sort.Strings(sum.Files)
	return sum, nil
}

func (s *ClusterSummary) add(path, name string, f filename.File) error {
	if s.Owner == "" && s.Description == "" && s.Configuration == "" {
		s.Owner, s.Description, s.Configuration = f.Owner, f.Description, f.Configuration
		s.MinSequence = f.Sequencer
	} else if f.Owner != s.Owner || f.Description != s.Description || f.Configuration != s.Configuration {
		return fmt.Errorf("%w: %s is not %s.%s.%s", ErrInconsistentCluster,
			name, s.Owner, s.Description, s.Configuration)
	}
	if strings.Compare(f.Sequencer, s.MinSequence) < 0 {
		s.MinSequence = f.Sequencer
	}

	if f.Tier != logTier || f.Format != logFormat {
		return nil
	}
	info, err := logparse.ParseFile(path)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if info.Parent != "" {
		s.Parents.Add(info.Parent)
	}
	return nil
}
