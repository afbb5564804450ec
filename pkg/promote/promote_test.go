package promote

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gridsweep/pkg/validate"
	"github.com/3leaps/gridsweep/pkg/walker"
)

func makeJob(t *testing.T, root, name string) walker.Job {
	t.Helper()
	job := walker.Job{Root: root, Cluster: "c1", Shard: "00", Name: name}
	require.NoError(t, os.MkdirAll(job.Path(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(job.Path(), "job.log"), []byte("log"), 0o644))
	return job
}

func newPromoter(t *testing.T, cfg Config) *Promoter {
	t.Helper()
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func TestGood_MovesToNormalizedName(t *testing.T) {
	base := t.TempDir()
	dest := filepath.Join(base, "out")
	job := makeJob(t, filepath.Join(base, "in"), "00826.0144a733")

	mv, err := newPromoter(t, Config{Dest: dest}).Good(job, "00826")
	require.NoError(t, err)

	want := filepath.Join(dest, "good", "c1", "00", "00826")
	assert.Equal(t, want, mv.To)
	assert.FileExists(t, filepath.Join(want, "job.log"))
	assert.NoDirExists(t, job.Path())
}

func TestGood_OccupiedLeavesJobInPlace(t *testing.T) {
	base := t.TempDir()
	dest := filepath.Join(base, "out")
	job := makeJob(t, filepath.Join(base, "in"), "00001")
	require.NoError(t, os.MkdirAll(filepath.Join(dest, "good", "c1", "00", "00001"), 0o755))

	_, err := newPromoter(t, Config{Dest: dest}).Good(job, "00001")
	assert.True(t, errors.Is(err, ErrOccupied))
	assert.DirExists(t, job.Path())
}

func TestFailed_SuffixesOccupiedDestinations(t *testing.T) {
	base := t.TempDir()
	dest := filepath.Join(base, "out")
	p := newPromoter(t, Config{Dest: dest})

	var got []string
	for range 3 {
		job := makeJob(t, filepath.Join(base, "in"), "00001")
		mv, err := p.Failed(job, validate.DataSize)
		require.NoError(t, err)
		got = append(got, filepath.Base(mv.To))
	}

	assert.Equal(t, []string{"00001", "00001.fail00", "00001.fail01"}, got)
	assert.DirExists(t, filepath.Join(dest, "failed", "datasize", "c1", "00", "00001.fail01"))
}

func TestFailed_KeepsUnstrippedName(t *testing.T) {
	base := t.TempDir()
	dest := filepath.Join(base, "out")
	job := makeJob(t, filepath.Join(base, "in"), "00001.abc")

	mv, err := newPromoter(t, Config{Dest: dest}).Failed(job, validate.NoLog)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "failed", "nolog", "c1", "00", "00001.abc"), mv.To)
}

func TestFailed_Exhausted(t *testing.T) {
	base := t.TempDir()
	dest := filepath.Join(base, "out")
	target := FailedPath(dest, validate.LogCheck, walker.Job{Cluster: "c1", Shard: "00", Name: "00001"})
	for _, name := range []string{target, target + ".fail00", target + ".fail01"} {
		require.NoError(t, os.MkdirAll(name, 0o755))
	}
	job := makeJob(t, filepath.Join(base, "in"), "00001")

	_, err := newPromoter(t, Config{Dest: dest, MaxSuffix: 2}).Failed(job, validate.LogCheck)
	assert.True(t, errors.Is(err, ErrSuffixesExhausted))
	assert.DirExists(t, job.Path())
}

func TestFailed_RejectsGood(t *testing.T) {
	base := t.TempDir()
	job := makeJob(t, filepath.Join(base, "in"), "00001")
	_, err := newPromoter(t, Config{Dest: filepath.Join(base, "out")}).Failed(job, validate.Good)
	assert.Error(t, err)
}

func TestDryRun_DoesNotMove(t *testing.T) {
	base := t.TempDir()
	dest := filepath.Join(base, "out")
	job := makeJob(t, filepath.Join(base, "in"), "00001")
	p := newPromoter(t, Config{Dest: dest, DryRun: true})

	mv, err := p.Good(job, "00001")
	require.NoError(t, err)
	assert.True(t, mv.DryRun)
	assert.DirExists(t, job.Path())
	assert.NoDirExists(t, dest)

	require.NoError(t, os.MkdirAll(FailedPath(dest, validate.DataCheck, job), 0o755))
	mv, err = p.Failed(job, validate.DataCheck)
	require.NoError(t, err)
	assert.Equal(t, "00001.fail00", filepath.Base(mv.To))
	assert.DirExists(t, job.Path())
}

func TestSourceMissing(t *testing.T) {
	base := t.TempDir()
	job := walker.Job{Root: filepath.Join(base, "in"), Cluster: "c1", Shard: "00", Name: "00001"}

	_, err := newPromoter(t, Config{Dest: filepath.Join(base, "out")}).Good(job, "00001")
	assert.True(t, errors.Is(err, ErrSourceMissing))
}

func TestRenameNoReplace_RefusesEmptyDirectory(t *testing.T) {
	base := t.TempDir()
	from := filepath.Join(base, "from")
	to := filepath.Join(base, "to")
	require.NoError(t, os.Mkdir(from, 0o755))
	require.NoError(t, os.Mkdir(to, 0o755))

	err := renameNoReplace(from, to)
	assert.True(t, errors.Is(err, fs.ErrExist))
	assert.DirExists(t, from)

	require.NoError(t, renameChecked(from, filepath.Join(base, "other")))
	assert.DirExists(t, filepath.Join(base, "other"))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Dest: "/x", MaxSuffix: 101})
	assert.Error(t, err)

	p, err := New(Config{Dest: "/x/"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/x", "good"), p.GoodRoot())
}

func TestRenameDir(t *testing.T) {
	base := t.TempDir()
	from := filepath.Join(base, "staged")
	require.NoError(t, os.Mkdir(from, 0o755))

	require.NoError(t, RenameDir(from, filepath.Join(base, "moved")))
	assert.DirExists(t, filepath.Join(base, "moved"))

	err := RenameDir(from, filepath.Join(base, "again"))
	assert.True(t, errors.Is(err, ErrSourceMissing))
}
