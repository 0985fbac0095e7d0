package cl

import (
	"fmt"
	"sync"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Platform is a vendor runtime instance, with its devices. It is immutable.
type Platform struct {
	rt    *Runtime
	id    driver.PlatformID
	index int
	info  driver.PlatformInfo

	devicesOnce sync.Once
	devices     []*Device
	devicesErr  error
}

func newPlatform(rt *Runtime, id driver.PlatformID, index int) (*Platform, error) {
	info, err := rt.drv.PlatformInfo(id)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to query platform #%d", index)
	}
	return &Platform{rt: rt, id: id, index: index, info: info}, nil
}

// Runtime of the platform.
func (p *Platform) Runtime() *Runtime { return p.rt }

// Index of the platform, in the order listed by Runtime.Platforms.
func (p *Platform) Index() int { return p.index }

// Name of the platform.
func (p *Platform) Name() string { return p.info.Name }

// Vendor of the platform.
func (p *Platform) Vendor() string { return p.info.Vendor }

// Info returns all the information reported by the driver on the platform.
func (p *Platform) Info() driver.PlatformInfo { return p.info }

// String implements fmt.Stringer.
func (p *Platform) String() string {
	return fmt.Sprintf("platform #%d %q (%s, %s)", p.index, p.info.Name, p.info.Vendor, p.info.Version)
}

// allDevices lists (once) every device of the platform, assigning their ordinals.
func (p *Platform) allDevices() ([]*Device, error) {
	p.devicesOnce.Do(func() {
		ids, err := p.rt.drv.Devices(p.id, driver.DeviceTypeAll)
		if err != nil {
			if driver.StatusOf(err) == driver.DeviceNotFound {
				return
			}
			p.devicesErr = errors.WithMessagef(err, "failed to list the devices of %s", p)
			return
		}
		for ordinal, id := range ids {
			info, err := p.rt.drv.DeviceInfo(id)
			if err != nil {
				p.devicesErr = errors.WithMessagef(err, "failed to query device #%d of %s", ordinal, p)
				return
			}
			p.devices = append(p.devices, &Device{platform: p, id: id, ordinal: ordinal, info: info})
		}
	})
	return p.devices, p.devicesErr
}

// Devices lists the devices of the platform of the given kind. If none matches, it returns an EnumerationError
// wrapping ErrNoDeviceFound.
func (p *Platform) Devices(kind DeviceKind) ([]*Device, error) {
	all, err := p.allDevices()
	if err != nil {
		return nil, &EnumerationError{What: fmt.Sprintf("%s devices of %s", kind, p), Err: err}
	}
	var devices []*Device
	for _, d := range all {
		if kind.Matches(d) {
			devices = append(devices, d)
		}
	}
	if len(devices) == 0 {
		return nil, &EnumerationError{What: fmt.Sprintf("%s devices of %s", kind, p), Err: ErrNoDeviceFound}
	}
	return devices, nil
}

// PreferDevices returns the devices of the first kind, in order of preference, that the platform has.
// E.g. PreferDevices(KindGPU, KindCPU) implements "prefer GPU, try CPU".
func (p *Platform) PreferDevices(kinds ...DeviceKind) ([]*Device, DeviceKind, error) {
	if len(kinds) == 0 {
		kinds = []DeviceKind{KindGPU, KindCPU}
	}
	var lastErr error
	for ii, kind := range kinds {
		devices, err := p.Devices(kind)
		if err == nil {
			if ii > 0 {
				klog.Warningf("%s: no %s device, using %s devices", p, kinds[0], kind)
			}
			return devices, kind, nil
		}
		lastErr = err
	}
	return nil, 0, lastErr
}

// deviceByID returns the Device object of the platform with the given driver handle.
func (p *Platform) deviceByID(id driver.DeviceID) (*Device, error) {
	all, err := p.allDevices()
	if err != nil {
		return nil, err
	}
	for _, d := range all {
		if d.id == id {
			return d, nil
		}
	}
	return nil, errors.Errorf("device handle %#x not found in %s", id, p)
}
