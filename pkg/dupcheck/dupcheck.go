// Package dupcheck detects job directories that duplicate work already
// accepted.
//
// Two tiers are checked. Within a cluster, a job is a duplicate when its
// destination under good/ already exists. Across submissions, each accepted
// job declares a job-tracking record in the catalog keyed by its identity and
// carrying its log self-hash; a later job with the same identity but a
// different hash is a resubmission duplicate, while the same hash is a re-run
// of the job that declared the record.
package dupcheck

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"github.com/3leaps/gridsweep/pkg/catalog"
	"github.com/3leaps/gridsweep/pkg/filename"
)

// Job-tracking record fields.
const (
	RecordType   = "jobtrack"
	RecordPrefix = "jobtrack."
	HashField    = "log_hash"
)

// SameCluster reports whether goodPath already exists.
func SameCluster(goodPath string) (bool, error) {
	_, err := os.Lstat(goodPath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("check %s: %w", goodPath, err)
}

// Identity is the catalog key of one logical job.
type Identity struct {
	Owner         string
	Configuration string

	// Parent is the input fcl, or the log file name when the log does not
	// name one.
	Parent string
}

// IdentityFor derives the identity of the job that wrote logName.
func IdentityFor(logName, parent string) Identity {
	id := Identity{Parent: parent}
	if id.Parent == "" {
		id.Parent = logName
	}
	if f, err := filename.Parse(logName); err == nil {
		id.Owner = f.Owner
		id.Configuration = f.Configuration
	}
	return id
}

// RecordName is the catalog file name of the job-tracking record.
func (id Identity) RecordName() string {
	return RecordPrefix + id.Owner + "." + id.Configuration + "." + id.Parent
}

// Verdict is the outcome of a cross-submission check.
type Verdict int

const (
	// Registered means this call declared the record.
	Registered Verdict = iota

	// AlreadyRegistered means a record with the same hash exists.
	AlreadyRegistered

	// Unregistered means no record exists and none was declared (dry run).
	Unregistered

	// Duplicate means a record with a different hash exists.
	Duplicate
)

func (v Verdict) String() string {
	switch v {
	case Registered:
		return "registered"
	case AlreadyRegistered:
		return "already_registered"
	case Unregistered:
		return "unregistered"
	case Duplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Detector runs the cross-submission check against a catalog.
type Detector struct {
	cat    catalog.Catalog
	dryRun bool
	logger *zap.Logger
}

// NewDetector creates a Detector. In dry-run mode records are looked up but
// never declared.
func NewDetector(cat catalog.Catalog, dryRun bool, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{cat: cat, dryRun: dryRun, logger: logger}
}

// CrossSubmission declares the job-tracking record for id or, if one exists,
// compares its hash with logHash. Safe to call repeatedly for the same job.
func (d *Detector) CrossSubmission(ctx context.Context, id Identity, logHash string) (Verdict, error) {
	name := id.RecordName()

	if d.dryRun {
		return d.compare(ctx, name, logHash, Unregistered)
	}

	rec := catalog.Record{
		FileName: name,
		FileType: RecordType,
		Metadata: map[string]string{
			HashField:       logHash,
			"owner":         id.Owner,
			"configuration": id.Configuration,
			"parent":        id.Parent,
		},
	}
	err := d.cat.Declare(ctx, rec)
	if err == nil {
		d.logger.Debug("Declared job-tracking record", zap.String("record", name))
		return Registered, nil
	}
	if !catalog.IsConflict(err) {
		return Registered, fmt.Errorf("declare job-tracking record: %w", err)
	}
	return d.compare(ctx, name, logHash, Unregistered)
}

// compare reads the existing record. onMissing is returned when the record
// does not exist.
func (d *Detector) compare(ctx context.Context, name, logHash string, onMissing Verdict) (Verdict, error) {
	existing, err := d.cat.Metadata(ctx, name)
	if catalog.IsNotFound(err) {
		return onMissing, nil
	}
	if err != nil {
		return onMissing, fmt.Errorf("read job-tracking record: %w", err)
	}
	if existing.Metadata[HashField] == logHash {
		return AlreadyRegistered, nil
	}
	d.logger.Debug("Job-tracking record hash differs",
		zap.String("record", name),
		zap.String("existing_hash", existing.Metadata[HashField]),
		zap.String("hash", logHash))
	return Duplicate, nil
}
