package cl

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// memoryStore is a BinaryStore in a map, that can be made to fail on Save.
type memoryStore struct {
	mu       sync.Mutex
	binaries map[string][]byte
	failSave bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{binaries: make(map[string][]byte)}
}

func (s *memoryStore) Load(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	binary, found := s.binaries[key]
	if !found {
		return nil, errors.Wrapf(ErrNotCached, "key %q", key)
	}
	return binary, nil
}

func (s *memoryStore) Save(key string, binary []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return errors.New("disk full")
	}
	s.binaries[key] = append([]byte(nil), binary...)
	return nil
}

// squareOn squares 0..n-1 on the device with the program, and returns the result.
func squareOn(t *testing.T, p *Program, device *Device, n int) []int32 {
	ctx := p.Context()
	buffer := capture(NewBufferFromSlice(ctx, MemReadWrite, iota32(n))).Test(t)
	defer func() { require.NoError(t, buffer.Destroy()) }()
	batch := capture(p.Dispatch("square").OnDevices(device).OnBuffers(buffer).WithGlobalSize(n).Done()).Test(t)
	defer func() { require.NoError(t, batch.Destroy()) }()
	require.NoError(t, batch.Await())
	return capture(ReadSlice[int32](batch.Queues()[0], buffer, 0, -1)).Test(t)
}

func TestCacheKey(t *testing.T) {
	rt, _ := newHostRuntime(t, fourGPUs)
	devices := capture(capture(rt.Platform(0)).Test(t).Devices(KindGPU)).Test(t)
	key := CacheKey(squareSource, devices[0], "")
	require.Len(t, key, 64)
	require.Equal(t, key, CacheKey(squareSource, devices[0], ""))
	require.NotEqual(t, key, CacheKey(squareSource+" ", devices[0], ""))
	require.NotEqual(t, key, CacheKey(squareSource, devices[1], ""))
	require.NotEqual(t, key, CacheKey(squareSource, devices[0], "-I."))
	// Length prefixes keep field boundaries unambiguous.
	require.NotEqual(t, CacheKey("ab", devices[0], "c"), CacheKey("a", devices[0], "bc"))
}

func TestProgramCacheRoundTrip(t *testing.T) {
	rt, drv := newHostRuntime(t, fourGPUs)
	ctx := newGPUContext(t, rt)
	device := ctx.Devices()[0]
	store := newMemoryStore()
	cache := NewProgramCache(store)

	// Miss: compiled from source and persisted.
	fromSource := capture(cache.LoadOrBuild(ctx, device, squareSource)).Test(t)
	require.Equal(t, OriginSource, fromSource.Origin())
	require.Len(t, store.binaries, 1)
	require.Contains(t, store.binaries, CacheKey(squareSource, device, ""))
	require.Equal(t, CacheStats{Misses: 1}, cache.Stats())

	// Hit: loaded from the binary.
	fromBinary := capture(cache.LoadOrBuild(ctx, device, squareSource)).Test(t)
	require.Equal(t, OriginBinary, fromBinary.Origin())
	require.Equal(t, CacheStats{Misses: 1, Hits: 1}, cache.Stats())

	// Bit-identical results.
	require.Equal(t, squareOn(t, fromSource, device, 64), squareOn(t, fromBinary, device, 64))
	require.Equal(t, int32(63*63), squareOn(t, fromBinary, device, 64)[63])

	// Different options: a different key.
	withOptions := capture(cache.LoadOrBuild(ctx, device, squareSource, WithBuildOptions("-I."))).Test(t)
	require.Equal(t, OriginSource, withOptions.Origin())
	require.Equal(t, "-I.", withOptions.Options())
	require.Len(t, store.binaries, 2)

	require.NoError(t, ctx.Destroy())
	require.Zero(t, drv.Stats().Alive())
}

func TestProgramCacheStaleBinaries(t *testing.T) {
	rt, _ := newHostRuntime(t, fourGPUs)
	ctx := newGPUContext(t, rt)
	defer func() { require.NoError(t, ctx.Destroy()) }()
	devices := ctx.Devices()
	store := newMemoryStore()
	cache := NewProgramCache(store)

	// Corrupted binary.
	key := CacheKey(squareSource, devices[0], "")
	store.binaries[key] = []byte("definitely not a program")
	p := capture(cache.LoadOrBuild(ctx, devices[0], squareSource)).Test(t)
	require.Equal(t, OriginSource, p.Origin())
	require.Equal(t, int64(1), cache.Stats().Stale)
	require.NotEqual(t, []byte("definitely not a program"), store.binaries[key], "stale binary must be replaced")

	// Binary of another device, under a fixed key, as the legacy file name scheme would do.
	other := capture(ctx.Compile().WithSource(squareSource).ForDevices(devices[1]).Done()).Test(t)
	store.binaries["square.cl.bin"] = capture(other.Binary(devices[1])).Test(t)
	p = capture(cache.LoadOrBuild(ctx, devices[0], squareSource, WithCacheKey("square.cl.bin"))).Test(t)
	require.Equal(t, OriginSource, p.Origin())
	require.Equal(t, int64(2), cache.Stats().Stale)
	require.Equal(t, int32(25), squareOn(t, p, devices[0], 16)[5])

	// Now the fixed key holds a valid binary for devices[0].
	p = capture(cache.LoadOrBuild(ctx, devices[0], squareSource, WithCacheKey("square.cl.bin"))).Test(t)
	require.Equal(t, OriginBinary, p.Origin())
}

func TestProgramCacheBuildError(t *testing.T) {
	rt, _ := newHostRuntime(t, fourGPUs)
	ctx := newGPUContext(t, rt)
	defer func() { require.NoError(t, ctx.Destroy()) }()
	store := newMemoryStore()
	cache := NewProgramCache(store)

	_, err := cache.LoadOrBuild(ctx, ctx.Devices()[0], "__kernel void square(__global int *b) { b[0] = 1;")
	var buildErr *BuildError
	require.True(t, errors.As(err, &buildErr), "got %v", err)
	require.Equal(t, "gpu-0", buildErr.Device)
	require.Contains(t, buildErr.Log, "error:")
	require.Empty(t, store.binaries)
	require.Zero(t, ctx.Janitor().LiveByRank(RankProgram), "failed programs must be released")
}

func TestProgramCachePersistenceWarning(t *testing.T) {
	rt, _ := newHostRuntime(t, fourGPUs)
	ctx := newGPUContext(t, rt)
	defer func() { require.NoError(t, ctx.Destroy()) }()
	store := newMemoryStore()
	store.failSave = true
	cache := NewProgramCache(store)
	var warnings []*PersistenceWarning
	cache.OnWarning = func(w *PersistenceWarning) { warnings = append(warnings, w) }

	// Building for all devices: one binary (and one warning) per device.
	p := capture(cache.LoadOrBuildForDevices(ctx, nil, squareSource)).Test(t)
	require.Len(t, p.Devices(), 4)
	require.Len(t, warnings, 4)
	require.ErrorContains(t, warnings[0], "disk full")
	require.Equal(t, int64(4), cache.Stats().PersistenceWarnings)
	require.Equal(t, int64(4), cache.Stats().Misses, "one miss per device")

	// The next run succeeds in saving, and the one after loads all binaries.
	store.failSave = false
	capture(cache.LoadOrBuildForDevices(ctx, nil, squareSource)).Test(t)
	require.Len(t, store.binaries, 4)
	p = capture(cache.LoadOrBuildForDevices(ctx, nil, squareSource)).Test(t)
	require.Equal(t, OriginBinary, p.Origin())
	require.Equal(t, int64(4), cache.Stats().Hits)
	require.Equal(t, int64(8), cache.Stats().Misses)
}
