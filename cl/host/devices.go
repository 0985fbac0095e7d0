package host

import (
	"time"

	"github.com/gomlx/gocl/cl/driver"
)

type platform struct {
	id      driver.PlatformID
	info    driver.PlatformInfo
	devices []*device
}

type device struct {
	id       driver.DeviceID
	platform *platform
	info     driver.DeviceInfo
	latency  time.Duration
}

// Platforms implements driver.Driver.
func (d *Driver) Platforms() ([]driver.PlatformID, error) {
	ids := make([]driver.PlatformID, 0, len(d.platforms))
	for _, p := range d.platforms {
		ids = append(ids, p.id)
	}
	return ids, nil
}

// PlatformInfo implements driver.Driver.
func (d *Driver) PlatformInfo(platformID driver.PlatformID) (driver.PlatformInfo, error) {
	p, err := lookup[*platform](d, "PlatformInfo", uintptr(platformID), driver.InvalidPlatform)
	if err != nil {
		return driver.PlatformInfo{}, err
	}
	return p.info, nil
}

// Devices implements driver.Driver.
func (d *Driver) Devices(platformID driver.PlatformID, kind driver.DeviceType) ([]driver.DeviceID, error) {
	p, err := lookup[*platform](d, "Devices", uintptr(platformID), driver.InvalidPlatform)
	if err != nil {
		return nil, err
	}
	devices := p.matching(kind)
	if len(devices) == 0 {
		return nil, driver.Errorf("Devices", driver.DeviceNotFound, "no %s device in platform %q", kind, p.info.Name)
	}
	ids := make([]driver.DeviceID, len(devices))
	for ii, dev := range devices {
		ids[ii] = dev.id
	}
	return ids, nil
}

// matching returns the devices of the platform of the given kind. DeviceTypeDefault matches the first device.
func (p *platform) matching(kind driver.DeviceType) []*device {
	if kind == driver.DeviceTypeDefault {
		if len(p.devices) == 0 {
			return nil
		}
		return p.devices[:1]
	}
	var devices []*device
	for _, dev := range p.devices {
		if dev.info.Type&kind != 0 {
			devices = append(devices, dev)
		}
	}
	return devices
}

// DeviceInfo implements driver.Driver.
func (d *Driver) DeviceInfo(deviceID driver.DeviceID) (driver.DeviceInfo, error) {
	dev, err := lookup[*device](d, "DeviceInfo", uintptr(deviceID), driver.InvalidDevice)
	if err != nil {
		return driver.DeviceInfo{}, err
	}
	return dev.info, nil
}
