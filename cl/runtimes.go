package cl

import (
	"fmt"
	"os"
	"sync"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/pkg/errors"
)

// DriverEnv is the environment variable with the name of the driver used by DefaultRuntime.
// If not set, DefaultDriver is used.
const DriverEnv = "GOCL_DRIVER"

// DefaultDriver is the driver used when $GOCL_DRIVER is not set: the pure Go "host" driver, which must be
// registered by importing github.com/gomlx/gocl/cl/host.
const DefaultDriver = "host"

// Runtime is the entry point to a driver: it enumerates its platforms, from which contexts are created.
//
// Runtimes are singletons per driver name (GetRuntime returns the same Runtime if called with the same name).
type Runtime struct {
	name string
	drv  driver.Driver

	// platforms are cached by handle, so Platform and Device objects are the same across enumerations.
	mu        sync.Mutex
	platforms map[driver.PlatformID]*Platform
}

var (
	runtimesMu sync.Mutex
	runtimes   = make(map[string]*Runtime)
)

// DefaultDriverName returns the value of $GOCL_DRIVER, or DefaultDriver if it is not set.
func DefaultDriverName() string {
	if name := os.Getenv(DriverEnv); name != "" {
		return name
	}
	return DefaultDriver
}

// GetRuntime returns the runtime for the registered driver name. If name is empty, DefaultDriverName is used.
func GetRuntime(name string) (*Runtime, error) {
	if name == "" {
		name = DefaultDriverName()
	}
	runtimesMu.Lock()
	defer runtimesMu.Unlock()
	if rt, found := runtimes[name]; found {
		return rt, nil
	}
	drv, err := driver.Open(name)
	if err != nil {
		return nil, errors.WithMessagef(err, "cl.GetRuntime(%q)", name)
	}
	rt := NewRuntime(drv)
	rt.name = name
	runtimes[name] = rt
	return rt, nil
}

// DefaultRuntime returns GetRuntime("").
func DefaultRuntime() (*Runtime, error) {
	return GetRuntime("")
}

// NewRuntime creates a runtime for a driver instance that is not registered, typically a host.Driver with a
// specific topology, for tests.
func NewRuntime(drv driver.Driver) *Runtime {
	return &Runtime{name: drv.Name(), drv: drv, platforms: make(map[driver.PlatformID]*Platform)}
}

// Name of the runtime's driver.
func (rt *Runtime) Name() string {
	return rt.name
}

// Driver returns the underlying driver.
func (rt *Runtime) Driver() driver.Driver {
	return rt.drv
}

// String implements fmt.Stringer.
func (rt *Runtime) String() string {
	return fmt.Sprintf("cl runtime %q", rt.name)
}

// Platforms lists the platforms currently reported by the driver. If there are none, it returns an EnumerationError
// wrapping ErrNoPlatformFound.
func (rt *Runtime) Platforms() ([]*Platform, error) {
	ids, err := rt.drv.Platforms()
	if err != nil {
		return nil, &EnumerationError{What: "platforms", Err: err}
	}
	if len(ids) == 0 {
		return nil, &EnumerationError{What: "platforms", Err: ErrNoPlatformFound}
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	platforms := make([]*Platform, len(ids))
	for ii, id := range ids {
		p, found := rt.platforms[id]
		if !found || p.index != ii {
			p, err = newPlatform(rt, id, ii)
			if err != nil {
				return nil, err
			}
			rt.platforms[id] = p
		}
		platforms[ii] = p
	}
	return platforms, nil
}

// Platform returns the platform with the given index, as listed by Platforms.
func (rt *Runtime) Platform(index int) (*Platform, error) {
	platforms, err := rt.Platforms()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(platforms) {
		return nil, &EnumerationError{
			What: fmt.Sprintf("platform #%d", index),
			Err:  errors.Errorf("invalid platform index, there are %d platforms", len(platforms)),
		}
	}
	return platforms[index], nil
}

// FirstPlatformWith returns the first platform that has at least one device of the given kind.
func (rt *Runtime) FirstPlatformWith(kind DeviceKind) (*Platform, error) {
	platforms, err := rt.Platforms()
	if err != nil {
		return nil, err
	}
	for _, p := range platforms {
		if devices, err := p.Devices(kind); err == nil && len(devices) > 0 {
			return p, nil
		}
	}
	return nil, &EnumerationError{What: fmt.Sprintf("platforms with %s devices", kind), Err: ErrNoDeviceFound}
}
