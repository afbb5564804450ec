package walker

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkdirs(t *testing.T, base string, rels ...string) {
	t.Helper()
	for _, rel := range rels {
		require.NoError(t, os.MkdirAll(filepath.Join(base, rel), 0o755))
	}
}

func collect(t *testing.T, clusterDir string) ([]string, error) {
	t.Helper()
	var got []string
	for job, err := range Jobs(clusterDir) {
		if err != nil {
			return got, err
		}
		got = append(got, job.RelPath())
	}
	return got, nil
}

func TestJobs_SortedAndSkipsHidden(t *testing.T) {
	root := t.TempDir()
	cluster := filepath.Join(root, "12345")
	mkdirs(t, cluster,
		"01/00102",
		"00/00002",
		"00/00001",
		".hidden/00003",
		"01/.partial",
	)
	require.NoError(t, os.WriteFile(filepath.Join(cluster, "00", "stray.txt"), []byte("x"), 0o644))

	got, err := collect(t, cluster)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join("12345", "00", "00001"),
		filepath.Join("12345", "00", "00002"),
		filepath.Join("12345", "01", "00102"),
	}, got)
}

func TestJobs_PopulatesFields(t *testing.T) {
	root := t.TempDir()
	cluster := filepath.Join(root, "777")
	mkdirs(t, cluster, "00/00001.abc")

	for job, err := range Jobs(cluster) {
		require.NoError(t, err)
		assert.Equal(t, root, job.Root)
		assert.Equal(t, "777", job.Cluster)
		assert.Equal(t, "00", job.Shard)
		assert.Equal(t, "00001.abc", job.Name)
		assert.Equal(t, filepath.Join(root, "777", "00", "00001.abc"), job.Path())
		assert.False(t, job.ModTime.IsZero())
	}
}

func TestJobs_RewalkAfterMove(t *testing.T) {
	root := t.TempDir()
	cluster := filepath.Join(root, "c1")
	mkdirs(t, cluster, "00/00001", "00/00002")

	got, err := collect(t, cluster)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.NoError(t, os.Rename(filepath.Join(cluster, "00", "00001"), filepath.Join(root, "moved")))

	got, err = collect(t, cluster)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join("c1", "00", "00002")}, got)
}

func TestJobs_ShardVanishesDuringWalk(t *testing.T) {
	root := t.TempDir()
	cluster := filepath.Join(root, "c1")
	mkdirs(t, cluster, "00/00001", "01/00002")

	var got []string
	for job, err := range Jobs(cluster) {
		require.NoError(t, err)
		got = append(got, job.Name)
		// Another process removes the next shard before it is listed.
		require.NoError(t, os.RemoveAll(filepath.Join(cluster, "01")))
	}
	assert.Equal(t, []string{"00001"}, got)
}

func TestJobs_MissingClusterIsError(t *testing.T) {
	_, err := collect(t, filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)

	var enumErr *EnumerationError
	assert.True(t, errors.As(err, &enumErr))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestJobs_UnreadableShardIsError(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	root := t.TempDir()
	cluster := filepath.Join(root, "c1")
	mkdirs(t, cluster, "00/00001")
	shard := filepath.Join(cluster, "00")
	require.NoError(t, os.Chmod(shard, 0o000))
	t.Cleanup(func() { _ = os.Chmod(shard, 0o755) })

	_, err := collect(t, cluster)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrPermission))
}

func TestJobs_EarlyBreak(t *testing.T) {
	root := t.TempDir()
	cluster := filepath.Join(root, "c1")
	mkdirs(t, cluster, "00/00001", "00/00002", "00/00003")

	n := 0
	for _, err := range Jobs(cluster) {
		require.NoError(t, err)
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.log"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.art"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	files, err := Files(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.art", "b.log"}, files)
}
