package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/bundle/internal/clock"
	"github.com/meigma/bundle/internal/testutil"
	"github.com/meigma/bundle/internal/verify"
	"github.com/meigma/bundle/manifest"
	"github.com/meigma/bundle/operation"
)

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(t.TempDir(), opts...)
	require.NoError(t, err)
	return s
}

func twoBundles(t *testing.T) *testutil.Package {
	t.Helper()
	return testutil.NewPackage(t, "game", "v1",
		testutil.File{Name: "one.bundle", Data: []byte("first bundle")},
		testutil.File{Name: "two.bundle", Data: []byte("second bundle")},
	)
}

// runToCompletion ticks s until h finishes.
func runToCompletion(t *testing.T, s *operation.Scheduler, h *operation.Handle) {
	t.Helper()
	for range 1000 {
		s.Update()
		if h.Status().Terminal() {
			return
		}
	}
	t.Fatal("operation did not finish")
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New("")
	require.ErrorContains(t, err, "cache: dir is empty")

	_, err = New(t.TempDir(), WithVerifyLevel(verify.Level(42)))
	require.Error(t, err)

	dir := filepath.Join(t.TempDir(), "nested", "cache")
	s, err := New(dir)
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.Equal(t, verify.LevelSize, s.Level())
}

func TestStore_CheckAndCommit(t *testing.T) {
	t.Parallel()

	pkg := twoBundles(t)
	s := newStore(t, WithVerifyLevel(verify.LevelHash))
	b := pkg.Bundle(t, "one.bundle")

	require.ErrorIs(t, s.Check(b, manifest.SHA256), verify.ErrNotExist)

	tmp := testutil.WriteFile(t, s.Dir(), filepath.Base(s.TempPath(b)), pkg.Bytes(b))
	require.NoError(t, s.Commit(b, tmp))
	assert.NoFileExists(t, tmp)
	assert.FileExists(t, s.Path(b))
	require.NoError(t, s.Check(b, manifest.SHA256))

	size, err := s.SizeBytes()
	require.NoError(t, err)
	assert.Equal(t, b.Size, size)
}

func TestStore_KnownGoodMemo(t *testing.T) {
	t.Parallel()

	pkg := twoBundles(t)
	b := pkg.Bundle(t, "one.bundle")

	memo := newStore(t, WithVerifyLevel(verify.LevelHash))
	recheck := newStore(t, WithVerifyLevel(verify.LevelHash), WithAlwaysRecheck(true))

	for _, s := range []*Store{memo, recheck} {
		testutil.WriteFile(t, s.Dir(), b.FileName(), pkg.Bytes(b))
		require.NoError(t, s.Check(b, manifest.SHA256))
		// Same size, different content.
		tampered := append([]byte(nil), pkg.Bytes(b)...)
		tampered[0] ^= 0xff
		testutil.WriteFile(t, s.Dir(), b.FileName(), tampered)
	}

	assert.NoError(t, memo.Check(b, manifest.SHA256), "memo skips re-hashing")
	assert.ErrorIs(t, recheck.Check(b, manifest.SHA256), verify.ErrChecksumMismatch)

	memo.Forget(b.Hash)
	assert.Error(t, memo.Check(b, manifest.SHA256))
}

func TestStore_MemoStillNoticesDeletion(t *testing.T) {
	t.Parallel()

	pkg := twoBundles(t)
	b := pkg.Bundle(t, "one.bundle")
	s := newStore(t)
	testutil.WriteFile(t, s.Dir(), b.FileName(), pkg.Bytes(b))
	require.NoError(t, s.Check(b, manifest.SHA256))

	require.NoError(t, s.RemoveBundle(b))
	assert.ErrorIs(t, s.Check(b, manifest.SHA256), verify.ErrNotExist)
	require.NoError(t, s.Remove(s.Path(b)), "removing a missing file is not an error")
}

func TestStore_Scan(t *testing.T) {
	t.Parallel()

	pkg := twoBundles(t)
	one := pkg.Bundle(t, "one.bundle")
	two := pkg.Bundle(t, "two.bundle")
	s := newStore(t)

	testutil.WriteFile(t, s.Dir(), one.FileName(), pkg.Bytes(one))
	testutil.WriteFile(t, s.Dir(), two.FileName()+TempSuffix, []byte("part"))
	testutil.WriteFile(t, s.Dir(), "stale.bundle", []byte("old"))
	require.NoError(t, os.Mkdir(filepath.Join(s.Dir(), "subdir"), 0o700))

	ix, err := s.Scan(pkg.Manifest)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{one.FileName(), two.FileName() + TempSuffix}, ix.Used)
	assert.Equal(t, []string{filepath.Join(s.Dir(), "stale.bundle")}, ix.Orphans)

	e, ok := ix.Entry(one.Hash)
	require.True(t, ok)
	assert.Equal(t, StateUnverified, e.State)
	e, ok = ix.Entry(two.Hash)
	require.True(t, ok)
	assert.Equal(t, StateMissing, e.State, "a partial download is not present")
	assert.Len(t, ix.Entries(), 2)
}

func TestStore_ScanSkipsReserved(t *testing.T) {
	t.Parallel()

	pkg := twoBundles(t)
	s := newStore(t, WithReserved("state.db"))
	testutil.WriteFile(t, s.Dir(), "state.db", []byte("db"))

	ix, err := s.Scan(pkg.Manifest)
	require.NoError(t, err)
	assert.Empty(t, ix.Orphans)
	assert.Empty(t, ix.Used)
}

func TestStore_ScanDedupsAcrossManifests(t *testing.T) {
	t.Parallel()

	shared := testutil.File{Name: "shared.bundle", Data: []byte("shared")}
	a := testutil.NewPackage(t, "a", "v1", shared)
	b := testutil.NewPackage(t, "b", "v1", shared, testutil.File{Name: "b.bundle", Data: []byte("b")})
	s := newStore(t)

	ix, err := s.Scan(a.Manifest, nil, b.Manifest)
	require.NoError(t, err)
	assert.Len(t, ix.Entries(), 2)
	assert.Len(t, ix.InState(StateMissing), 2)
}

func TestClearUnusedOperation(t *testing.T) {
	t.Parallel()

	pkg := twoBundles(t)
	one := pkg.Bundle(t, "one.bundle")
	s := newStore(t)

	kept := testutil.WriteFile(t, s.Dir(), one.FileName(), pkg.Bytes(one))
	orphan := testutil.WriteFile(t, s.Dir(), "F2.bundle", []byte("unused"))

	sched := operation.New(operation.WithClock(clock.Fake(time.Unix(0, 0))))
	op := NewClearUnusedOperation(s, pkg.Manifest)
	h := sched.Start("clear", op)
	runToCompletion(t, sched, h)

	require.NoError(t, h.Err())
	assert.FileExists(t, kept)
	assert.NoFileExists(t, orphan)
	assert.Equal(t, 0, op.Remaining())
	assert.Equal(t, []string{orphan}, op.Deleted())
	assert.Empty(t, op.Failed())
	assert.InDelta(t, 1.0, h.Progress(), 1e-9)
}

func TestClearUnusedOperation_TimeSliced(t *testing.T) {
	t.Parallel()

	pkg := twoBundles(t)
	s := newStore(t)
	for _, name := range []string{"a", "b", "c", "d"} {
		testutil.WriteFile(t, s.Dir(), name, []byte(name))
	}

	clk := clock.Fake(time.Unix(0, 0))
	// Every clock read costs 10ms, so each tick deletes only a few files.
	clk.OnNow(func(c *clock.FakeClock) { c.Advance(10 * time.Millisecond) })
	sched := operation.New(operation.WithClock(clk), operation.WithTimeSlice(operation.MinTimeSlice))

	op := NewClearUnusedOperation(s, pkg.Manifest)
	h := sched.Start("clear", op)
	sched.Update()
	assert.False(t, h.Status().Terminal())
	assert.Positive(t, op.Remaining())
	assert.Greater(t, h.Progress(), 0.0)

	runToCompletion(t, sched, h)
	assert.Len(t, op.Deleted(), 4)
}

func TestClearUnusedOperation_FailedDeleteContinues(t *testing.T) {
	t.Parallel()

	pkg := twoBundles(t)
	s := newStore(t)
	stuck := testutil.WriteFile(t, s.Dir(), "b", []byte("b"))
	others := []string{
		testutil.WriteFile(t, s.Dir(), "a", []byte("a")),
		testutil.WriteFile(t, s.Dir(), "c", []byte("c")),
	}
	s.remove = func(path string) error {
		if path == stuck {
			return os.ErrPermission
		}
		return os.Remove(path)
	}

	sched := operation.New(operation.WithClock(clock.Fake(time.Unix(0, 0))))
	op := NewClearUnusedOperation(s, pkg.Manifest)
	h := sched.Start("clear", op)
	runToCompletion(t, sched, h)

	require.NoError(t, h.Err())
	assert.Equal(t, []string{stuck}, op.Failed())
	assert.ElementsMatch(t, others, op.Deleted())
	assert.Equal(t, 0, op.Remaining())
	assert.FileExists(t, stuck)
	for _, p := range others {
		assert.NoFileExists(t, p)
	}
}

func TestClearAllOperation(t *testing.T) {
	t.Parallel()

	pkg := twoBundles(t)
	one := pkg.Bundle(t, "one.bundle")
	s := newStore(t, WithReserved("state.db"))

	bundle := testutil.WriteFile(t, s.Dir(), one.FileName(), pkg.Bytes(one))
	require.NoError(t, s.Check(one, manifest.SHA256))
	partial := testutil.WriteFile(t, s.Dir(), pkg.Bundle(t, "two.bundle").FileName()+TempSuffix, []byte("sec"))
	orphan := testutil.WriteFile(t, s.Dir(), "stale.bundle", []byte("stale"))
	db := testutil.WriteFile(t, s.Dir(), "state.db", []byte("db"))

	sched := operation.New(operation.WithClock(clock.Fake(time.Unix(0, 0))))
	op := NewClearAllOperation(s)
	h := sched.Start("clear-all", op)
	runToCompletion(t, sched, h)

	require.NoError(t, h.Err())
	assert.ElementsMatch(t, []string{bundle, partial, orphan}, op.Deleted())
	assert.NoFileExists(t, bundle)
	assert.NoFileExists(t, partial)
	assert.NoFileExists(t, orphan)
	assert.FileExists(t, db)
	assert.False(t, s.isKnown(one.Hash))
}

func TestVerifyOperation(t *testing.T) {
	t.Parallel()

	pkg := twoBundles(t)
	one := pkg.Bundle(t, "one.bundle")
	two := pkg.Bundle(t, "two.bundle")
	s := newStore(t, WithVerifyLevel(verify.LevelHash))

	testutil.WriteFile(t, s.Dir(), one.FileName(), pkg.Bytes(one))
	bad := append([]byte(nil), pkg.Bytes(two)...)
	bad[len(bad)-1] ^= 0x01
	corruptPath := testutil.WriteFile(t, s.Dir(), two.FileName(), bad)

	sched := operation.New(operation.WithClock(clock.Fake(time.Unix(0, 0))))
	op := NewVerifyOperation(s, pkg.Manifest)
	h := sched.Start("verify", op)
	runToCompletion(t, sched, h)

	require.NoError(t, h.Err())
	verified, corrupt, missing := op.Counts()
	assert.Equal(t, 1, verified)
	assert.Equal(t, 1, corrupt)
	assert.Equal(t, 0, missing)
	assert.NoFileExists(t, corruptPath)

	e, ok := op.Index().Entry(two.Hash)
	require.True(t, ok)
	assert.Equal(t, StateCorrupt, e.State)
	assert.True(t, verify.IsCorrupt(e.Err))
}
