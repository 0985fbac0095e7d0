package cl

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CacheBackendEnv is the environment variable selecting the BinaryStore of NewSession: "file" (the default),
// "badger" or "none".
const CacheBackendEnv = "GOCL_CACHE_BACKEND"

// Session owns everything needed to run kernels: a Runtime, a Context created with the GPU then CPU fallback, and a
// ProgramCache. Close releases all of it, and must be called on every exit path.
type Session struct {
	Runtime *Runtime
	Context *Context

	// Cache is nil if the session was created without a binary store.
	Cache *ProgramCache

	store BinaryStore
}

// SessionOption configures NewSession.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	driverName     string
	kinds          []DeviceKind
	store          BinaryStore
	storeSet       bool
	contextOptions []ContextOption
}

// WithDriver selects the driver of the session by name. The default is DefaultDriverName.
func WithDriver(name string) SessionOption {
	return func(c *sessionConfig) { c.driverName = name }
}

// WithDeviceKinds sets the kinds of devices tried, in order, to create the context. The default is KindGPU then
// KindCPU.
func WithDeviceKinds(kinds ...DeviceKind) SessionOption {
	return func(c *sessionConfig) { c.kinds = kinds }
}

// WithBinaryStore sets the store of the session's ProgramCache. A nil store disables the cache.
// The default is given by $GOCL_CACHE_BACKEND, in DefaultCacheDir.
// If the store implements io.Closer, it is closed by Session.Close.
func WithBinaryStore(store BinaryStore) SessionOption {
	return func(c *sessionConfig) {
		c.store = store
		c.storeSet = true
	}
}

// WithContextOptions passes options to the creation of the context, e.g. WithErrorHandler.
func WithContextOptions(options ...ContextOption) SessionOption {
	return func(c *sessionConfig) { c.contextOptions = append(c.contextOptions, options...) }
}

// OpenBinaryStore opens a BinaryStore of the given backend ("file", "badger" or "none") in dir.
// For "none" it returns nil.
func OpenBinaryStore(backend, dir string) (BinaryStore, error) {
	switch backend {
	case "", "file":
		return NewFileStore(dir)
	case "badger":
		return NewBadgerStore(dir)
	case "none":
		return nil, nil
	}
	return nil, errors.Errorf("unknown binary cache backend %q, valid values are file, badger or none", backend)
}

// NewSession creates the runtime, the context and the program cache.
func NewSession(options ...SessionOption) (*Session, error) {
	var config sessionConfig
	for _, option := range options {
		option(&config)
	}
	rt, err := GetRuntime(config.driverName)
	if err != nil {
		return nil, err
	}
	if !config.storeSet {
		config.store, err = OpenBinaryStore(os.Getenv(CacheBackendEnv), DefaultCacheDir())
		if err != nil {
			return nil, err
		}
	}
	s := &Session{Runtime: rt, store: config.store}
	if config.store != nil {
		s.Cache = NewProgramCache(config.store)
	}
	s.Context, err = NewContextWithFallback(rt, config.kinds, config.contextOptions...)
	if err != nil {
		if closeErr := s.Close(); closeErr != nil {
			klog.Errorf("failed to close session after failure: %+v", closeErr)
		}
		return nil, err
	}
	return s, nil
}

// LoadOrBuild builds the program for all devices of the session's context, using the cache if there is one.
func (s *Session) LoadOrBuild(source string, options ...CacheOption) (*Program, error) {
	if s.Cache != nil {
		return s.Cache.LoadOrBuildForDevices(s.Context, nil, source, options...)
	}
	var req cacheRequest
	for _, option := range options {
		option(&req)
	}
	return s.Context.Compile().WithSource(source).WithOptions(req.options...).Done()
}

// Close destroys the context, with every object created on it, and closes the binary store. It is idempotent.
func (s *Session) Close() error {
	var firstErr error
	if s.Context != nil {
		firstErr = s.Context.Destroy()
		s.Context = nil
	}
	if closer, ok := s.store.(io.Closer); ok {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.store = nil
	return firstErr
}
