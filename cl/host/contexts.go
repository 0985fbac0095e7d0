package host

import (
	"fmt"
	"slices"

	"github.com/gomlx/gocl/cl/driver"
	"k8s.io/klog/v2"
)

type context struct {
	id       driver.ContextID
	platform *platform
	devices  []*device
	notify   driver.NotifyFunc
}

// hasDevice returns whether dev is part of the context.
func (c *context) hasDevice(dev *device) bool {
	return slices.Contains(c.devices, dev)
}

// reportError delivers errInfo through the context's notify function, from a separate goroutine: the callback
// can't be correlated to whatever triggered it.
func (c *context) reportError(errInfo string) {
	if c.notify == nil {
		klog.Errorf("host context #%d error (no callback registered): %s", c.id, errInfo)
		return
	}
	go c.notify(errInfo)
}

// CreateContext implements driver.Driver.
// If a device is not available, notify is called (synchronously) with the reason before the error is returned.
func (d *Driver) CreateContext(platformID driver.PlatformID, deviceIDs []driver.DeviceID, notify driver.NotifyFunc) (driver.ContextID, error) {
	const op = "CreateContext"
	p, err := lookup[*platform](d, op, uintptr(platformID), driver.InvalidPlatform)
	if err != nil {
		return 0, err
	}
	if len(deviceIDs) == 0 {
		return 0, driver.Errorf(op, driver.InvalidValue, "no devices given")
	}
	devices := make([]*device, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		dev, err := lookup[*device](d, op, uintptr(id), driver.InvalidDevice)
		if err != nil {
			return 0, err
		}
		if dev.platform != p {
			return 0, driver.Errorf(op, driver.InvalidDevice, "device %q is not part of platform %q",
				dev.info.Name, p.info.Name)
		}
		if slices.Contains(devices, dev) {
			return 0, driver.Errorf(op, driver.InvalidDevice, "device %q given more than once", dev.info.Name)
		}
		devices = append(devices, dev)
	}
	return d.newContext(op, p, devices, notify)
}

// CreateContextFromType implements driver.Driver. Only available devices of the given kind are included.
func (d *Driver) CreateContextFromType(platformID driver.PlatformID, kind driver.DeviceType, notify driver.NotifyFunc) (driver.ContextID, error) {
	const op = "CreateContextFromType"
	p, err := lookup[*platform](d, op, uintptr(platformID), driver.InvalidPlatform)
	if err != nil {
		return 0, err
	}
	devices := p.matching(kind)
	if len(devices) == 0 {
		return 0, driver.Errorf(op, driver.DeviceNotFound, "no %s device in platform %q", kind, p.info.Name)
	}
	available := slices.DeleteFunc(slices.Clone(devices), func(dev *device) bool { return !dev.info.Available })
	if len(available) == 0 {
		// Let newContext report on the first unavailable device.
		available = devices[:1]
	}
	return d.newContext(op, p, available, notify)
}

func (d *Driver) newContext(op string, p *platform, devices []*device, notify driver.NotifyFunc) (driver.ContextID, error) {
	for _, dev := range devices {
		if !dev.info.Available {
			msg := fmt.Sprintf("gocl host: device %q (%s) is not available", dev.info.Name, dev.info.Type)
			if notify != nil {
				notify(msg)
			}
			return 0, driver.Errorf(op, driver.DeviceNotAvailable, "%s", msg)
		}
	}
	c := &context{platform: p, devices: devices, notify: notify}
	c.id = driver.ContextID(d.register(c))
	d.stats.contexts.Add(1)
	klog.V(2).Infof("host: created context #%d with %d device(s) on platform %q", c.id, len(devices), p.info.Name)
	return c.id, nil
}

// ContextDevices implements driver.Driver.
func (d *Driver) ContextDevices(contextID driver.ContextID) ([]driver.DeviceID, error) {
	c, err := lookup[*context](d, "ContextDevices", uintptr(contextID), driver.InvalidContext)
	if err != nil {
		return nil, err
	}
	ids := make([]driver.DeviceID, len(c.devices))
	for ii, dev := range c.devices {
		ids[ii] = dev.id
	}
	return ids, nil
}

// ReleaseContext implements driver.Driver.
func (d *Driver) ReleaseContext(contextID driver.ContextID) error {
	if _, err := lookup[*context](d, "ReleaseContext", uintptr(contextID), driver.InvalidContext); err != nil {
		return err
	}
	if d.unregister(uintptr(contextID)) {
		d.stats.contexts.Add(-1)
	}
	return nil
}
