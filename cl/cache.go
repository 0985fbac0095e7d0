package cl

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
	"k8s.io/klog/v2"
)

// BinaryStore persists program binaries by key. Implementations must be safe for concurrent use.
type BinaryStore interface {
	// Load returns the binary saved under key, or an error matching ErrNotCached if there is none.
	Load(key string) ([]byte, error)

	// Save stores binary under key, replacing any previous value.
	Save(key string, binary []byte) error
}

// CacheKey returns the content-addressed key of the binary of source built for device with options: the hex-encoded
// BLAKE2b-256 digest of the length-prefixed fields. Any change to the source, the device (see Device.Fingerprint) or
// the options yields a different key.
func CacheKey(source string, device *Device, options string) string {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only fails for invalid keys, and no key is given.
		panic(errors.Wrap(err, "blake2b.New256"))
	}
	var lenBuf [8]byte
	for _, field := range []string{source, device.Fingerprint(), options} {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(field)))
		_, _ = h.Write(lenBuf[:])
		_, _ = h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ProgramCache builds programs, reusing binaries saved in a BinaryStore by previous runs.
//
// Stale binaries (corrupt, built for another device, or that fail to build) are never fatal: the program is then
// rebuilt from source and the binary saved again. Failing to save a binary is also not fatal, it is reported as a
// *PersistenceWarning to the OnWarning hook (and logged).
type ProgramCache struct {
	store BinaryStore

	// OnWarning, if set, is called for every binary that couldn't be persisted.
	OnWarning func(warning *PersistenceWarning)

	hits, misses, stale, warnings atomic.Int64
}

// CacheStats counts the outcomes of ProgramCache lookups, one per device.
type CacheStats struct {
	// Hits are binaries loaded and built successfully.
	Hits int64

	// Misses are keys not found in the store.
	Misses int64

	// Stale are binaries found but rejected, and rebuilt from source.
	Stale int64

	// PersistenceWarnings are binaries that failed to be saved.
	PersistenceWarnings int64
}

// NewProgramCache creates a ProgramCache over the store.
func NewProgramCache(store BinaryStore) *ProgramCache {
	return &ProgramCache{store: store}
}

// Store returns the BinaryStore used by the cache.
func (c *ProgramCache) Store() BinaryStore { return c.store }

// Stats returns a snapshot of the cache counters.
func (c *ProgramCache) Stats() CacheStats {
	return CacheStats{
		Hits:                c.hits.Load(),
		Misses:              c.misses.Load(),
		Stale:               c.stale.Load(),
		PersistenceWarnings: c.warnings.Load(),
	}
}

// CacheOption configures one ProgramCache.LoadOrBuild call.
type CacheOption func(*cacheRequest)

type cacheRequest struct {
	options []string
	key     string
}

// WithBuildOptions sets the options used to build the program. They are part of the content-addressed key.
func WithBuildOptions(options ...string) CacheOption {
	return func(r *cacheRequest) { r.options = append(r.options, options...) }
}

// WithCacheKey overrides the content-addressed key with a fixed one, e.g. "HelloWorld.cl.bin".
//
// The caller is then responsible for the key changing whenever the source, the device or the options change:
// otherwise a stale binary built from another source would be silently used.
// When building for more than one device, the device ordinal is appended to the key.
func WithCacheKey(key string) CacheOption {
	return func(r *cacheRequest) { r.key = key }
}

func (r *cacheRequest) keyFor(source string, d *Device, numDevices int, options string) string {
	if r.key == "" {
		return CacheKey(source, d, options)
	}
	if numDevices == 1 {
		return r.key
	}
	return fmt.Sprintf("%s.%d", r.key, d.Ordinal())
}

// LoadOrBuild returns the program built for device: from the binary in the store if there is a valid one, or else
// compiled from source, in which case the resulting binary is saved for future runs.
//
// It fails only if the compilation from source fails, with a *BuildError carrying the build log.
func (c *ProgramCache) LoadOrBuild(ctx *Context, device *Device, source string, options ...CacheOption) (*Program, error) {
	return c.LoadOrBuildForDevices(ctx, []*Device{device}, source, options...)
}

// LoadOrBuildForDevices is like LoadOrBuild, for a program built for several devices of the context. Binaries are
// loaded only if every device has a valid one, otherwise the program is compiled from source for all of them.
// If devices is empty, all devices of the context are used.
func (c *ProgramCache) LoadOrBuildForDevices(ctx *Context, devices []*Device, source string,
	options ...CacheOption) (*Program, error) {
	if err := ctx.check(); err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		devices = ctx.devices
	}
	var req cacheRequest
	for _, option := range options {
		option(&req)
	}
	buildOptions := joinOptions(req.options)
	keys := make([]string, len(devices))
	for ii, d := range devices {
		keys[ii] = req.keyFor(source, d, len(devices), buildOptions)
	}

	// Step 1: binaries from the store.
	if binaries := c.loadAll(keys, devices); binaries != nil {
		p, err := ctx.Compile().WithBinaries(devices, binaries).WithOptions(req.options...).Done()
		if err == nil {
			c.hits.Add(int64(len(devices)))
			klog.V(1).Infof("loaded %s from cached binaries %v", p, keys)
			return p, nil
		}
		if errors.Is(err, ErrContextLost) || errors.Is(err, ErrDestroyed) {
			return nil, err
		}
		c.stale.Add(int64(len(devices)))
		klog.Warningf("cached binaries %v are stale, rebuilding from source: %v", keys, err)
	}

	// Step 2: compile from source.
	p, err := ctx.Compile().WithSource(source).WithOptions(req.options...).ForDevices(devices...).Done()
	if err != nil {
		return nil, err
	}

	// Step 3: persist the binaries.
	binaries, err := p.Binaries()
	if err != nil {
		c.warn(&PersistenceWarning{Key: keys[0], Err: err})
		return p, nil
	}
	for ii, key := range keys {
		if err := c.store.Save(key, binaries[ii]); err != nil {
			c.warn(&PersistenceWarning{Key: key, Err: err})
		}
	}
	return p, nil
}

// loadAll returns the binaries for all keys, or nil if any of them is missing.
func (c *ProgramCache) loadAll(keys []string, devices []*Device) [][]byte {
	binaries := make([][]byte, len(keys))
	for ii, key := range keys {
		blob, err := c.store.Load(key)
		if err != nil {
			if !errors.Is(err, ErrNotCached) {
				klog.Warningf("failed to load cached binary %q for %s, treating as a miss: %v", key, devices[ii], err)
			}
			c.misses.Add(int64(len(keys)))
			return nil
		}
		binaries[ii] = blob
	}
	return binaries
}

func (c *ProgramCache) warn(warning *PersistenceWarning) {
	c.warnings.Add(1)
	klog.Warningf("%v", warning)
	if c.OnWarning != nil {
		c.OnWarning(warning)
	}
}
