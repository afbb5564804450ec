// Package validate classifies grid job directories.
//
// A job directory is run through a fixed sequence of checks. The first check
// that fails decides the Reason and the remaining checks are skipped; a job
// that passes every check is Good. Conditions that make classification
// impossible (a malformed job name, filesystem or catalog failures) are
// returned as errors instead.
package validate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/gridsweep/pkg/dupcheck"
	"github.com/3leaps/gridsweep/pkg/filename"
	"github.com/3leaps/gridsweep/pkg/logparse"
	"github.com/3leaps/gridsweep/pkg/match"
	"github.com/3leaps/gridsweep/pkg/walker"
)

// Default policy values.
const (
	DefaultLogGlob    = "*.log"
	DefaultMetaSuffix = ".json"
)

// ErrVanished means the job directory disappeared while it was being
// validated, typically because another instance moved it.
var ErrVanished = errors.New("job directory vanished")

// Policy selects the optional checks.
type Policy struct {
	// LogGlob matches the job log file name.
	LogGlob string

	// MetaSuffix marks metadata side-files.
	MetaSuffix string

	// MetaPairing requires every data file to have exactly one metadata
	// file and vice versa.
	MetaPairing bool

	// FullVerify recomputes digests of all files, not only metadata files.
	FullVerify bool

	// CrossSubmission enables the catalog-backed duplicate check.
	CrossSubmission bool
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		LogGlob:     DefaultLogGlob,
		MetaSuffix:  DefaultMetaSuffix,
		MetaPairing: true,
	}
}

// Result is the classification of one job directory.
type Result struct {
	Reason Reason

	// Normalized is the job name with any temporary suffix stripped.
	Normalized string

	// LogName is the log file name, empty when none was unique.
	LogName string

	// Info is the parsed log, nil when parsing did not succeed.
	Info *logparse.Info

	// Detail describes the failing check.
	Detail string

	// Identity and Verdict are set when the cross-submission check ran.
	Identity     dupcheck.Identity
	Verdict      dupcheck.Verdict
	CrossChecked bool
}

// Validator runs the check pipeline.
type Validator struct {
	policy   Policy
	goodRoot string
	logs     *match.Matcher
	detector *dupcheck.Detector
	logger   *zap.Logger
}

// New creates a Validator. goodRoot is the good/ directory used by the
// same-cluster duplicate check. detector is required when the policy enables
// cross-submission checks and ignored otherwise.
func New(policy Policy, goodRoot string, detector *dupcheck.Detector, logger *zap.Logger) (*Validator, error) {
	if policy.LogGlob == "" {
		policy.LogGlob = DefaultLogGlob
	}
	if policy.MetaSuffix == "" {
		policy.MetaSuffix = DefaultMetaSuffix
	}
	if policy.CrossSubmission && detector == nil {
		return nil, errors.New("cross-submission check requires a catalog")
	}
	if goodRoot == "" {
		return nil, errors.New("good root is required")
	}
	logs, err := match.New(match.Config{Includes: []string{policy.LogGlob}})
	if err != nil {
		return nil, fmt.Errorf("log glob: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		policy:   policy,
		goodRoot: goodRoot,
		logs:     logs,
		detector: detector,
		logger:   logger,
	}, nil
}

// Policy returns the effective policy.
func (v *Validator) Policy() Policy {
	return v.policy
}

// GoodPath returns the good/ destination used for job.
func (v *Validator) GoodPath(job walker.Job, normalized string) string {
	return filepath.Join(v.goodRoot, job.Cluster, job.Shard, normalized)
}

type state struct {
	ctx context.Context
	job walker.Job
	dir string
	res *Result
}

// step returns Good to continue, or the Reason that ends the pipeline.
type step func(*state) (Reason, error)

// Validate classifies job. A returned error aborts the run.
func (v *Validator) Validate(ctx context.Context, job walker.Job) (Result, error) {
	normalized, err := filename.NormalizeJobName(job.Name)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", job.Path(), err)
	}

	res := Result{Reason: Good, Normalized: normalized}
	st := &state{ctx: ctx, job: job, dir: job.Path(), res: &res}

	steps := []step{
		v.findLog,
		v.parseLog,
		v.checkExit,
		v.checkSelfHash,
		v.checkMetaPairing,
		v.checkSizes,
		v.checkDigests,
		v.checkGridDuplicate,
		v.checkResubmission,
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		reason, err := s(st)
		if err != nil {
			return res, err
		}
		if reason != Good {
			res.Reason = reason
			return res, nil
		}
	}
	return res, nil
}

func (v *Validator) findLog(st *state) (Reason, error) {
	names, err := walker.Files(st.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Good, fmt.Errorf("%s: %w", st.dir, ErrVanished)
		}
		return Good, err
	}
	logs := v.logs.Filter(names)
	switch len(logs) {
	case 1:
		st.res.LogName = logs[0]
		return Good, nil
	case 0:
		st.res.Detail = "no log file"
	default:
		st.res.Detail = fmt.Sprintf("%d log files: %s", len(logs), strings.Join(logs, ", "))
	}
	return NoLog, nil
}

func (v *Validator) parseLog(st *state) (Reason, error) {
	info, err := logparse.ParseFile(filepath.Join(st.dir, st.res.LogName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Good, fmt.Errorf("%s: %w", st.dir, ErrVanished)
		}
		st.res.Detail = err.Error()
		return LogCheck, nil
	}
	st.res.Info = info
	return Good, nil
}

func (v *Validator) checkExit(st *state) (Reason, error) {
	info := st.res.Info
	if info.PayloadStarted && !info.PayloadOK {
		st.res.Detail = "payload did not exit successfully"
		return ExitStatus, nil
	}
	return Good, nil
}

func (v *Validator) checkSelfHash(st *state) (Reason, error) {
	info := st.res.Info
	if info.SelfConsistent() {
		return Good, nil
	}
	if info.ManifestSelfHash == "" {
		st.res.Detail = "log has no self-check line"
	} else {
		st.res.Detail = fmt.Sprintf("self-check %s does not match computed %s", info.ManifestSelfHash, info.ComputedHash)
	}
	return LogCheck, nil
}

func (v *Validator) checkMetaPairing(st *state) (Reason, error) {
	if !v.policy.MetaPairing {
		return Good, nil
	}
	suffix := v.policy.MetaSuffix
	digests := st.res.Info.FileDigests

	var data, meta int
	for _, name := range sortedKeys(digests) {
		if base, ok := strings.CutSuffix(name, suffix); ok {
			meta++
			if _, paired := digests[base]; !paired {
				st.res.Detail = "metadata file without data file: " + name
				return MetaPaired, nil
			}
			continue
		}
		data++
		if _, paired := digests[name+suffix]; !paired {
			st.res.Detail = "data file without metadata file: " + name
			return MetaPaired, nil
		}
	}
	if data != meta {
		st.res.Detail = fmt.Sprintf("%d data files, %d metadata files", data, meta)
		return MetaPaired, nil
	}
	return Good, nil
}

// checkSizes compares every manifest file against the filesystem before any
// digest is computed. Listing entries without a digest line only supply
// sizes and are not checked themselves.
func (v *Validator) checkSizes(st *state) (Reason, error) {
	info := st.res.Info
	for _, name := range sortedKeys(info.FileDigests) {
		if !isPlainName(name) {
			st.res.Detail = "manifest names a path outside the job directory: " + name
			return DataSize, nil
		}
		want, ok := info.FileSizes[name]
		if !ok {
			st.res.Detail = "no size recorded for " + name
			return DataSize, nil
		}
		fi, err := os.Lstat(filepath.Join(st.dir, name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				st.res.Detail = "missing file " + name
				return DataSize, nil
			}
			return Good, fmt.Errorf("stat %s: %w", filepath.Join(st.dir, name), err)
		}
		if !fi.Mode().IsRegular() {
			st.res.Detail = "not a regular file: " + name
			return DataSize, nil
		}
		if fi.Size() != want {
			st.res.Detail = fmt.Sprintf("%s: size %d, manifest %d", name, fi.Size(), want)
			return DataSize, nil
		}
	}
	return Good, nil
}

func (v *Validator) checkDigests(st *state) (Reason, error) {
	digests := st.res.Info.FileDigests
	for _, name := range sortedKeys(digests) {
		if !v.policy.FullVerify && !strings.HasSuffix(name, v.policy.MetaSuffix) {
			continue
		}
		got, err := fileDigest(filepath.Join(st.dir, name))
		if err != nil {
			return Good, err
		}
		if got != digests[name] {
			st.res.Detail = fmt.Sprintf("%s: digest %s, manifest %s", name, got, digests[name])
			return DataCheck, nil
		}
	}
	return Good, nil
}

func (v *Validator) checkGridDuplicate(st *state) (Reason, error) {
	goodPath := v.GoodPath(st.job, st.res.Normalized)
	exists, err := dupcheck.SameCluster(goodPath)
	if err != nil {
		return Good, err
	}
	if exists {
		st.res.Detail = "already in good: " + goodPath
		return GridDuplicate, nil
	}
	return Good, nil
}

func (v *Validator) checkResubmission(st *state) (Reason, error) {
	if !v.policy.CrossSubmission {
		return Good, nil
	}
	info := st.res.Info
	id := dupcheck.IdentityFor(st.res.LogName, info.Parent)
	verdict, err := v.detector.CrossSubmission(st.ctx, id, info.ManifestSelfHash)
	if err != nil {
		return Good, fmt.Errorf("%s: %w", st.job.RelPath(), err)
	}
	st.res.Identity = id
	st.res.Verdict = verdict
	st.res.CrossChecked = true

	if verdict == dupcheck.Duplicate {
		st.res.Detail = "job already accepted from another submission: " + id.RecordName()
		return ResubmissionDuplicate, nil
	}
	v.logger.Debug("Cross-submission check passed",
		zap.String("job", st.job.RelPath()),
		zap.Stringer("verdict", verdict))
	return Good, nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func isPlainName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
