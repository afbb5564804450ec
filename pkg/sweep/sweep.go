// Package sweep drives one validation pass over grid job clusters.
//
// For every job directory yielded by the walker the sweeper skips
// directories still being written, classifies the rest with the validator,
// and moves each one to good/ or failed/<reason>/. Per-job failures are
// tallied in the Summary; errors that make classification or moving
// impossible end the run.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gridsweep/pkg/catalog"
	"github.com/3leaps/gridsweep/pkg/filename"
	"github.com/3leaps/gridsweep/pkg/ledger"
	"github.com/3leaps/gridsweep/pkg/output"
	"github.com/3leaps/gridsweep/pkg/promote"
	"github.com/3leaps/gridsweep/pkg/validate"
	"github.com/3leaps/gridsweep/pkg/walker"
)

// CatalogTimer reports time spent in catalog calls.
type CatalogTimer interface {
	Elapsed() time.Duration
	Calls() int
}

// Options configures a Sweeper.
type Options struct {
	Validator *validate.Validator
	Promoter  *promote.Promoter

	// Writer receives job, skip, error and summary records.
	// Nil discards them.
	Writer output.Writer

	// Ledger and RunID record per-job outcomes. Both are optional.
	Ledger *ledger.Ledger
	RunID  string

	// Timer supplies catalog timing for the summary. Optional.
	Timer CatalogTimer

	// MinAge skips job directories modified more recently than this.
	MinAge time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time

	Logger *zap.Logger
}

// Sweeper runs the walk, validate and promote loop.
//
// A Sweeper is safe for sequential reuse; Run calls must not overlap.
type Sweeper struct {
	validator *validate.Validator
	promoter  *promote.Promoter
	writer    output.Writer
	ledger    *ledger.Ledger
	runID     string
	timer     CatalogTimer
	minAge    time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// New creates a Sweeper.
func New(opts Options) (*Sweeper, error) {
	if opts.Validator == nil {
		return nil, errors.New("validator is required")
	}
	if opts.Promoter == nil {
		return nil, errors.New("promoter is required")
	}
	if opts.MinAge < 0 {
		return nil, fmt.Errorf("min age %s is negative", opts.MinAge)
	}
	if opts.Writer == nil {
		opts.Writer = output.NewJSONLWriter(io.Discard, opts.RunID, "check")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Sweeper{
		validator: opts.Validator,
		promoter:  opts.Promoter,
		writer:    opts.Writer,
		ledger:    opts.Ledger,
		runID:     opts.RunID,
		timer:     opts.Timer,
		minAge:    opts.MinAge,
		now:       opts.Now,
		logger:    opts.Logger,
	}, nil
}

// Run sweeps every cluster directory in order. The returned Summary covers
// all jobs handled before a fatal error, which is returned alongside it.
// A summary record is written in both cases.
func (s *Sweeper) Run(ctx context.Context, clusters []string) (Summary, error) {
	start := s.now()
	sum := newSummary(clusters)

	err := s.run(ctx, clusters, &sum)

	sum.Duration = s.now().Sub(start)
	if s.timer != nil {
		sum.CatalogCalls = s.timer.Calls()
		sum.CatalogTime = s.timer.Elapsed()
	}
	if err != nil {
		sum.Aborted = true
		s.writeError(ctx, err)
	}
	if werr := s.writer.WriteSummary(context.WithoutCancel(ctx), sum.Record()); werr != nil && err == nil {
		err = werr
	}
	return sum, err
}

func (s *Sweeper) run(ctx context.Context, clusters []string, sum *Summary) error {
	for _, cluster := range clusters {
		s.logger.Info("Sweeping cluster", zap.String("cluster", cluster))
		for job, err := range walker.Jobs(cluster) {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.handle(ctx, job, sum); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Sweeper) handle(ctx context.Context, job walker.Job, sum *Summary) error {
	if s.minAge > 0 {
		if age := s.now().Sub(job.ModTime); age < s.minAge {
			sum.SkippedRecent++
			s.logger.Debug("Skipping recent job",
				zap.String("job", job.RelPath()),
				zap.Duration("age", age))
			return s.writer.WriteSkip(ctx, &output.SkipRecord{
				Job:   job.RelPath(),
				Cause: output.SkipRecent,
				Age:   age.Round(time.Second).String(),
			})
		}
	}

	res, err := s.validator.Validate(ctx, job)
	if errors.Is(err, validate.ErrVanished) {
		return s.vanished(ctx, job, sum)
	}
	if err != nil {
		return err
	}

	mv, err := s.move(job, &res)
	if errors.Is(err, promote.ErrSourceMissing) {
		return s.vanished(ctx, job, sum)
	}
	if err != nil {
		return err
	}

	sum.Counts[res.Reason]++
	s.logJob(job, res, mv)

	rec := jobRecord(job, res, mv)
	if err := s.writer.WriteJob(ctx, rec); err != nil {
		return err
	}
	if s.ledger != nil && s.runID != "" {
		o := ledger.Outcome{
			RunID:       s.runID,
			Job:         rec.Job,
			Reason:      rec.Reason,
			Destination: rec.Destination,
			LogHash:     rec.LogHash,
			Detail:      rec.Detail,
		}
		if err := s.ledger.RecordOutcome(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// move performs the terminal move. A good/ destination taken between the
// duplicate check and the rename turns the job into a GridDuplicate.
func (s *Sweeper) move(job walker.Job, res *validate.Result) (promote.Move, error) {
	if res.Reason == validate.Good {
		mv, err := s.promoter.Good(job, res.Normalized)
		if !errors.Is(err, promote.ErrOccupied) {
			return mv, err
		}
		res.Reason = validate.GridDuplicate
		res.Detail = "good destination taken during move: " + err.Error()
	}
	return s.promoter.Failed(job, res.Reason)
}

func (s *Sweeper) vanished(ctx context.Context, job walker.Job, sum *Summary) error {
	sum.SkippedVanished++
	s.logger.Info("Job directory vanished", zap.String("job", job.RelPath()))
	return s.writer.WriteSkip(ctx, &output.SkipRecord{
		Job:   job.RelPath(),
		Cause: output.SkipVanished,
	})
}

func (s *Sweeper) logJob(job walker.Job, res validate.Result, mv promote.Move) {
	fields := []zap.Field{
		zap.String("job", job.RelPath()),
		zap.Stringer("reason", res.Reason),
		zap.String("destination", mv.To),
	}
	if res.Reason == validate.Good {
		s.logger.Info("Job accepted", fields...)
		return
	}
	s.logger.Info("Job rejected", append(fields, zap.String("detail", res.Detail))...)
}

func (s *Sweeper) writeError(ctx context.Context, err error) {
	code := output.ErrCodeInternal
	var enumErr *walker.EnumerationError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = output.ErrCodeCanceled
	case errors.As(err, &enumErr),
		errors.Is(err, promote.ErrCrossDevice),
		errors.Is(err, promote.ErrSuffixesExhausted):
		code = output.ErrCodeFilesystem
	case isCatalogError(err):
		code = output.ErrCodeCatalog
	case isNamingError(err):
		code = output.ErrCodeConfig
	}
	// The run is already failing; a write error here adds nothing.
	_ = s.writer.WriteError(context.WithoutCancel(ctx), &output.ErrorRecord{
		Code:    code,
		Message: err.Error(),
	})
}

func jobRecord(job walker.Job, res validate.Result, mv promote.Move) *output.JobRecord {
	rec := &output.JobRecord{
		Job:         filepath.ToSlash(job.RelPath()),
		Reason:      res.Reason.String(),
		Detail:      res.Detail,
		Log:         res.LogName,
		Destination: mv.To,
		DryRun:      mv.DryRun,
	}
	if res.CrossChecked {
		rec.CatalogVerdict = res.Verdict.String()
	}
	if info := res.Info; info != nil {
		rec.LogHash = info.ManifestSelfHash
		rec.Parent = info.Parent
		st := info.Stats
		rec.Stats = &output.JobStats{
			CPUSeconds:  st.CPUSeconds,
			WallSeconds: st.WallSeconds,
			MaxRSSMB:    st.MaxRSSMB,
			DiskKB:      st.DiskKB,
			Host:        st.Host,
			Site:        st.Site,
		}
		rec.MissingStats = st.Missing()
	}
	return rec
}

func isCatalogError(err error) bool {
	var catErr *catalog.Error
	return errors.As(err, &catErr)
}

func isNamingError(err error) bool {
	return errors.Is(err, filename.ErrBadJobName)
}
