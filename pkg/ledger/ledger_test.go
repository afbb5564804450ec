package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)

	run, err := l.StartRun(ctx, "check", []string{"/data/c1"}, true)
	require.NoError(t, err)
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, RunStatusRunning, run.Status)

	got, err := l.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "check", got.Command)
	assert.True(t, got.DryRun)
	assert.Equal(t, []string{"/data/c1"}, got.Roots)
	assert.Nil(t, got.EndedAt)

	counts := map[string]int64{"good": 3, "nolog": 1}
	require.NoError(t, l.FinishRun(ctx, run.RunID, RunStatusCompleted, counts, ""))

	got, err = l.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, got.Status)
	assert.Equal(t, counts, got.Counts)
	require.NotNil(t, got.EndedAt)
	assert.Empty(t, got.Error)
}

func TestFinishRun_Aborted(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)

	run, err := l.StartRun(ctx, "archive", nil, false)
	require.NoError(t, err)
	require.NoError(t, l.FinishRun(ctx, run.RunID, RunStatusAborted, nil, "archive exhausted"))

	got, err := l.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusAborted, got.Status)
	assert.Equal(t, "archive exhausted", got.Error)
	assert.Empty(t, got.Roots)
}

func TestUnknownRun(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)

	_, err := l.GetRun(ctx, "missing")
	assert.True(t, errors.Is(err, ErrRunNotFound))

	err = l.FinishRun(ctx, "missing", RunStatusCompleted, nil, "")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestOutcomes(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)

	run, err := l.StartRun(ctx, "check", []string{"/data/c1"}, false)
	require.NoError(t, err)

	require.NoError(t, l.RecordOutcome(ctx, Outcome{RunID: run.RunID, Job: "c1/00/00002", Reason: "datasize", Destination: "/out/failed/datasize/c1/00/00002", Detail: "size mismatch"}))
	require.NoError(t, l.RecordOutcome(ctx, Outcome{RunID: run.RunID, Job: "c1/00/00001", Reason: "good", Destination: "/out/good/c1/00/00001", LogHash: "abc"}))
	// Re-recording a job replaces its outcome.
	require.NoError(t, l.RecordOutcome(ctx, Outcome{RunID: run.RunID, Job: "c1/00/00002", Reason: "gridduplicate", Destination: "/out/failed/gridduplicate/c1/00/00002"}))

	out, err := l.Outcomes(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "c1/00/00001", out[0].Job)
	assert.Equal(t, "abc", out[0].LogHash)
	assert.Equal(t, "gridduplicate", out[1].Reason)
	assert.Empty(t, out[1].Detail)
	assert.False(t, out[1].RecordedAt.IsZero())
}

func TestRuns_NewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)

	var ids []string
	for range 3 {
		run, err := l.StartRun(ctx, "check", nil, false)
		require.NoError(t, err)
		ids = append(ids, run.RunID)
		time.Sleep(2 * time.Millisecond)
	}

	runs, err := l.Runs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ids[2], runs[0].RunID)
	assert.Equal(t, ids[1], runs[1].RunID)

	all, err := l.Runs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestOpen_FilePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")

	l, err := Open(ctx, path)
	require.NoError(t, err)
	run, err := l.StartRun(ctx, "check", nil, false)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	got, err := l.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.RunID, got.RunID)
}
