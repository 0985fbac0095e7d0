package cl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/stretchr/testify/require"
)

// testBinaryStore checks the BinaryStore contract.
func testBinaryStore(t *testing.T, store BinaryStore) {
	_, err := store.Load("missing")
	require.ErrorIs(t, err, ErrNotCached)

	require.NoError(t, store.Save("square", []byte("binary #1")))
	require.Equal(t, []byte("binary #1"), capture(store.Load("square")).Test(t))
	require.NoError(t, store.Save("square", []byte("binary #2")))
	require.Equal(t, []byte("binary #2"), capture(store.Load("square")).Test(t))
}

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	store := capture(NewFileStore(dir)).Test(t)
	require.Equal(t, dir, store.Dir())
	testBinaryStore(t, store)
	require.FileExists(t, store.Path("square"))
	entries := capture(os.ReadDir(dir)).Test(t)
	require.Len(t, entries, 1, "temporary files must not be left behind")

	for _, key := range []string{"", "..", "a/b", `a\b`} {
		require.Error(t, store.Save(key, []byte("x")), "key %q", key)
	}
	_, err := NewFileStore("")
	require.Error(t, err)
}

func TestBadgerStore(t *testing.T) {
	t.Run("in-memory", func(t *testing.T) {
		store := capture(NewBadgerStore("")).Test(t)
		testBinaryStore(t, store)
		require.NoError(t, store.Close())
		require.NoError(t, store.Close())
	})
	t.Run("on disk", func(t *testing.T) {
		dir := t.TempDir()
		store := capture(NewBadgerStore(dir)).Test(t)
		testBinaryStore(t, store)
		require.NoError(t, store.Close())

		// Binaries survive re-opening.
		store = capture(NewBadgerStore(dir)).Test(t)
		defer func() { require.NoError(t, store.Close()) }()
		require.Equal(t, []byte("binary #2"), capture(store.Load("square")).Test(t))
	})
}

func TestOpenBinaryStore(t *testing.T) {
	dir := t.TempDir()
	store := capture(OpenBinaryStore("", dir)).Test(t)
	require.IsType(t, &FileStore{}, store)
	store = capture(OpenBinaryStore("none", dir)).Test(t)
	require.Nil(t, store)
	_, err := OpenBinaryStore("redis", dir)
	require.Error(t, err)
}

func TestProgramCacheOnFileStore(t *testing.T) {
	rt, _ := newHostRuntime(t, fourGPUs)
	ctx := newGPUContext(t, rt)
	defer func() { require.NoError(t, ctx.Destroy()) }()
	dir := t.TempDir()
	device := ctx.Devices()[0]

	// A different cache (as in a different process run) over the same directory loads the binary.
	first := NewProgramCache(capture(NewFileStore(dir)).Test(t))
	p := capture(first.LoadOrBuild(ctx, device, squareSource)).Test(t)
	require.Equal(t, OriginSource, p.Origin())
	second := NewProgramCache(capture(NewFileStore(dir)).Test(t))
	p = capture(second.LoadOrBuild(ctx, device, squareSource)).Test(t)
	require.Equal(t, OriginBinary, p.Origin())
	require.Equal(t, int64(1), second.Stats().Hits)

	// Truncated file: stale, rebuilt and overwritten.
	path := filepath.Join(dir, CacheKey(squareSource, device, ""))
	require.NoError(t, os.WriteFile(path, []byte("trunc"), 0o644))
	p = capture(second.LoadOrBuild(ctx, device, squareSource)).Test(t)
	require.Equal(t, OriginSource, p.Origin())
	require.Equal(t, int64(1), second.Stats().Stale)
	require.Greater(t, len(capture(os.ReadFile(path)).Test(t)), len("trunc"))
}

func TestSession(t *testing.T) {
	store := capture(NewBadgerStore("")).Test(t)
	s := capture(NewSession(WithDriver("host"), WithBinaryStore(store))).Test(t)
	require.NotNil(t, s.Cache)
	require.NotEmpty(t, s.Context.Devices())

	p := capture(s.LoadOrBuild(squareSource)).Test(t)
	require.Equal(t, len(s.Context.Devices()), len(p.Devices()))
	p = capture(s.LoadOrBuild(squareSource)).Test(t)
	require.Equal(t, OriginBinary, p.Origin())
	require.Equal(t, squareOn(t, p, p.Devices()[0], 8)[7], int32(49))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err := store.Load("anything")
	require.Error(t, err, "the store must be closed with the session")

	// Without a cache.
	s = capture(NewSession(WithDriver("host"), WithBinaryStore(nil), WithDeviceKinds(KindCPU))).Test(t)
	defer func() { require.NoError(t, s.Close()) }()
	require.Nil(t, s.Cache)
	require.True(t, KindCPU.Matches(s.Context.Devices()[0]))
	p = capture(s.LoadOrBuild(squareSource, WithBuildOptions("-I."))).Test(t)
	require.Equal(t, OriginSource, p.Origin())
	require.Equal(t, "-I.", p.Options())

	_, err = NewSession(WithDriver("no-such-driver"))
	require.Error(t, err)
}

func TestKernelArgs(t *testing.T) {
	rt, _ := newHostRuntime(t, fourGPUs)
	ctx := newGPUContext(t, rt)
	defer func() { require.NoError(t, ctx.Destroy()) }()
	program := capture(ctx.Compile().WithSource(squareSource).Done()).Test(t)
	kernel := capture(program.NewKernel("square")).Test(t)
	require.Equal(t, 1, kernel.NumArgs())

	require.Error(t, kernel.SetArgs())
	require.Equal(t, driver.InvalidArgIndex, StatusOf(kernel.SetArg(1, int32(0))))
	require.Equal(t, driver.InvalidArgValue, StatusOf(kernel.SetArg(0, int32(7))))

	// A buffer of another context.
	otherRT, _ := newHostRuntime(t, fourGPUs)
	otherCtx := newGPUContext(t, otherRT)
	defer func() { require.NoError(t, otherCtx.Destroy()) }()
	otherBuffer := capture(otherCtx.NewBuffer(MemReadWrite, 64)).Test(t)
	require.Error(t, kernel.SetArg(0, otherBuffer))

	buffer := capture(NewBufferFromSlice(ctx, MemReadWrite, iota32(8))).Test(t)
	require.NoError(t, kernel.SetArgs(buffer))
	q := capture(ctx.NewQueue(ctx.Devices()[1])).Test(t)
	event := capture(q.EnqueueKernel(kernel, []int{8}, nil)).Test(t)
	require.NoError(t, event.Await())
	require.Equal(t, []int32{0, 1, 4, 9, 16, 25, 36, 49}, capture(ReadSlice[int32](q, buffer, 0, -1)).Test(t))
	require.Equal(t, []int32{9, 16}, capture(ReadSlice[int32](q, buffer, 3, 2)).Test(t))

	require.Equal(t, 64, RoundUp(16, 50))
	require.Equal(t, 48, RoundUp(16, 48))

	require.NoError(t, kernel.Destroy())
	_, err := q.EnqueueKernel(kernel, []int{8}, nil)
	require.ErrorIs(t, err, ErrDestroyed)
}
