package retention

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeDir(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "artifact.png"), []byte("x"), 0o644))
	return dir
}

func TestArmDeletesAfterTTL(t *testing.T) {
	t.Parallel()

	dir := makeDir(t, t.TempDir(), "job-1")
	s := New(nil)
	purged := make(chan error, 1)
	s.OnPurge(func(jobID string, err error) {
		assert.Equal(t, "job-1", jobID)
		purged <- err
	})

	require.True(t, s.Arm("job-1", dir, 20*time.Millisecond))
	assert.Equal(t, 1, s.Pending())
	assert.DirExists(t, dir)

	select {
	case err := <-purged:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("retention never fired")
	}
	assert.NoDirExists(t, dir)
	assert.Zero(t, s.Pending())
}

func TestArmOncePerJob(t *testing.T) {
	t.Parallel()

	dir := makeDir(t, t.TempDir(), "job-1")
	s := New(nil)
	defer s.Stop()

	assert.True(t, s.Arm("job-1", dir, time.Hour))
	assert.False(t, s.Arm("job-1", dir, time.Millisecond))
	assert.Equal(t, 1, s.Pending())

	time.Sleep(20 * time.Millisecond)
	assert.DirExists(t, dir)
}

func TestCancelKeepsDirectory(t *testing.T) {
	t.Parallel()

	dir := makeDir(t, t.TempDir(), "job-1")
	s := New(nil)

	require.True(t, s.Arm("job-1", dir, 30*time.Millisecond))
	assert.True(t, s.Cancel("job-1"))
	assert.False(t, s.Cancel("job-1"))

	time.Sleep(80 * time.Millisecond)
	assert.DirExists(t, dir)
}

func TestStopDisarmsEverything(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s := New(nil)
	a := makeDir(t, root, "a")
	b := makeDir(t, root, "b")
	s.Arm("a", a, 30*time.Millisecond)
	s.Arm("b", b, 30*time.Millisecond)

	s.Stop()
	assert.Zero(t, s.Pending())
	time.Sleep(80 * time.Millisecond)
	assert.DirExists(t, a)
	assert.DirExists(t, b)
}

func TestPurgeTwiceIsHarmless(t *testing.T) {
	t.Parallel()

	dir := makeDir(t, t.TempDir(), "job-1")
	require.NoError(t, Purge(dir))
	require.NoError(t, Purge(dir))
	assert.NoDirExists(t, dir)
}

func TestIndependentTimers(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fast := makeDir(t, root, "fast")
	slow := makeDir(t, root, "slow")
	s := New(nil)
	defer s.Stop()

	s.Arm("slow", slow, time.Hour)
	s.Arm("fast", fast, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := os.Stat(fast)
		return os.IsNotExist(err)
	}, 2*time.Second, 5*time.Millisecond)
	assert.DirExists(t, slow)
	assert.Equal(t, 1, s.Pending())
}

func TestSweepRemovesStaleDirectories(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	old := makeDir(t, root, "old")
	fresh := makeDir(t, root, "fresh")
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o644))

	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	n, err := Sweep(root, time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
	assert.FileExists(t, filepath.Join(root, "stray.txt"))

	n, err = Sweep(filepath.Join(root, "missing"), time.Hour, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}
