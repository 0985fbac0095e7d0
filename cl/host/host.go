// Package host implements a driver.Driver in pure Go, registered as "host".
//
// It emulates a configurable topology of platforms and devices (see Config) on the host CPU: programs are "compiled"
// by linking the kernel entry points found in the source to Go implementations registered with RegisterKernel,
// command queues are executed by one goroutine each, and memory objects are aligned host allocations.
//
// It exists so that the orchestration done by package cl (contexts, program caching, buffer partitioning,
// multi-device dispatch and release) runs and can be tested anywhere, with or without OpenCL hardware.
package host

import (
	"sync"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DriverName is the name under which this package registers itself.
const DriverName = "host"

func init() {
	driver.Register(DriverName, func() (driver.Driver, error) {
		config, err := ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		return New(config)
	})
}

// Driver is the host implementation of driver.Driver. Create it with New.
type Driver struct {
	platforms []*platform

	mu         sync.Mutex
	nextHandle uintptr
	objects    map[uintptr]any

	stats stats
}

// Compile-time check that Driver implements driver.Driver.
var _ driver.Driver = (*Driver)(nil)

// New creates a host driver with the given topology.
func New(config Config) (*Driver, error) {
	d := &Driver{objects: make(map[uintptr]any)}
	if len(config.Platforms) == 0 {
		klog.Warningf("host driver configured with no platforms")
	}
	for pIdx, pConfig := range config.Platforms {
		p := &platform{info: driver.PlatformInfo{
			Name:    pConfig.Name,
			Vendor:  pConfig.Vendor,
			Version: pConfig.Version,
			Profile: "FULL_PROFILE",
		}}
		if p.info.Name == "" {
			return nil, errors.Errorf("host platform #%d has no name", pIdx)
		}
		if p.info.Version == "" {
			p.info.Version = "OpenCL 1.2 gocl-host"
		}
		p.id = driver.PlatformID(d.register(p))
		for _, dConfig := range pConfig.Devices {
			info, err := dConfig.deviceInfo(p.info.Name)
			if err != nil {
				return nil, errors.WithMessagef(err, "host platform %q", p.info.Name)
			}
			dev := &device{platform: p, info: info, latency: dConfig.Latency}
			dev.id = driver.DeviceID(d.register(dev))
			p.devices = append(p.devices, dev)
		}
		d.platforms = append(d.platforms, p)
	}
	return d, nil
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return DriverName }

// register assigns a new handle to obj.
func (d *Driver) register(obj any) uintptr {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHandle++
	d.objects[d.nextHandle] = obj
	return d.nextHandle
}

// unregister removes the handle. It returns false if it wasn't registered.
func (d *Driver) unregister(handle uintptr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.objects[handle]; !found {
		return false
	}
	delete(d.objects, handle)
	return true
}

// lookup returns the object of type T registered under handle, or a driver error with the given status.
func lookup[T any](d *Driver, op string, handle uintptr, status driver.Status) (T, error) {
	d.mu.Lock()
	obj, found := d.objects[handle]
	d.mu.Unlock()
	typed, ok := obj.(T)
	if !found || !ok {
		var zero T
		return zero, driver.Errorf(op, status, "unknown handle %#x", handle)
	}
	return typed, nil
}
