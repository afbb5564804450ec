package sweep

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/3leaps/gridsweep/pkg/output"
	"github.com/3leaps/gridsweep/pkg/validate"
)

// Summary is the tally of one sweep.
type Summary struct {
	// Counts holds the number of jobs classified under each reason.
	Counts map[validate.Reason]int64

	SkippedRecent   int64
	SkippedVanished int64

	CatalogCalls int
	CatalogTime  time.Duration
	Duration     time.Duration

	Clusters []string
	Aborted  bool
}

func newSummary(clusters []string) Summary {
	return Summary{
		Counts:   make(map[validate.Reason]int64),
		Clusters: append([]string(nil), clusters...),
	}
}

// Jobs returns the number of classified jobs.
func (s Summary) Jobs() int64 {
	var n int64
	for _, c := range s.Counts {
		n += c
	}
	return n
}

// Labels returns the non-zero counts keyed by reason label.
func (s Summary) Labels() map[string]int64 {
	out := make(map[string]int64, len(s.Counts))
	for r, c := range s.Counts {
		if c > 0 {
			out[r.String()] = c
		}
	}
	return out
}

// Record converts the summary to its output record.
func (s Summary) Record() *output.SummaryRecord {
	return &output.SummaryRecord{
		Counts:          s.Labels(),
		Jobs:            s.Jobs(),
		SkippedRecent:   s.SkippedRecent,
		SkippedVanished: s.SkippedVanished,
		CatalogCalls:    int64(s.CatalogCalls),
		CatalogTime:     s.CatalogTime,
		Duration:        s.Duration,
		DurationHuman:   s.Duration.Round(time.Millisecond).String(),
		Aborted:         s.Aborted,
		Roots:           s.Clusters,
	}
}

// WriteTable writes the human tally: every reason in declaration order
// followed by the skip counts and catalog time.
func (s Summary) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "REASON\tJOBS")
	for _, r := range validate.Reasons() {
		_, _ = fmt.Fprintf(tw, "%s\t%d\n", r, s.Counts[r])
	}
	_, _ = fmt.Fprintf(tw, "total\t%d\n", s.Jobs())
	_, _ = fmt.Fprintf(tw, "skipped_recent\t%d\n", s.SkippedRecent)
	_, _ = fmt.Fprintf(tw, "skipped_vanished\t%d\n", s.SkippedVanished)
	_, _ = fmt.Fprintf(tw, "catalog_time\t%s (%d calls)\n", s.CatalogTime.Round(time.Millisecond), s.CatalogCalls)
	return tw.Flush()
}
