package driver

import (
	"slices"
	"sync"

	"github.com/pkg/errors"
)

// Factory creates a Driver. It is called at most once per registered name, the first time Open is called for it.
type Factory func() (Driver, error)

var (
	registryMu sync.Mutex
	factories  = make(map[string]Factory)
	opened     = make(map[string]Driver)
)

// Register makes a driver available under name. It panics if name is registered twice or factory is nil.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic(errors.Errorf("driver.Register(%q) given a nil factory", name))
	}
	if _, found := factories[name]; found {
		panic(errors.Errorf("driver.Register called twice for driver %q", name))
	}
	factories[name] = factory
}

// Open returns the driver registered under name, creating it on first use.
// Drivers are singletons: later calls return the same instance.
func Open(name string) (Driver, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if drv, found := opened[name]; found {
		return drv, nil
	}
	factory, found := factories[name]
	if !found {
		return nil, errors.Errorf("driver %q not registered (available: %v) -- did you forget to import its package?",
			name, registeredLocked())
	}
	drv, err := factory()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to initialize driver %q", name)
	}
	opened[name] = drv
	return drv, nil
}

// Registered returns the sorted names of the registered drivers.
func Registered() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registeredLocked()
}

func registeredLocked() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
