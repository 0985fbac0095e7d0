package cl

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gocl/cl/driver"
	"github.com/pkg/errors"
)

// DeviceKind selects devices by type.
type DeviceKind int

const (
	KindAll DeviceKind = iota
	KindGPU
	KindCPU
	KindAccelerator
)

// String implements fmt.Stringer.
func (k DeviceKind) String() string {
	switch k {
	case KindAll:
		return "ALL"
	case KindGPU:
		return "GPU"
	case KindCPU:
		return "CPU"
	case KindAccelerator:
		return "ACCELERATOR"
	}
	return fmt.Sprintf("DeviceKind(%d)", int(k))
}

// DeviceType returns the driver device type for the kind.
func (k DeviceKind) DeviceType() driver.DeviceType {
	switch k {
	case KindGPU:
		return driver.DeviceTypeGPU
	case KindCPU:
		return driver.DeviceTypeCPU
	case KindAccelerator:
		return driver.DeviceTypeAccelerator
	}
	return driver.DeviceTypeAll
}

// Matches returns whether the device is of this kind.
func (k DeviceKind) Matches(d *Device) bool {
	return d.info.Type&k.DeviceType() != 0
}

// ParseDeviceKind converts "gpu", "cpu", "accelerator" or "all" (case-insensitive) to a DeviceKind.
func ParseDeviceKind(s string) (DeviceKind, error) {
	for _, k := range []DeviceKind{KindAll, KindGPU, KindCPU, KindAccelerator} {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return KindAll, errors.Errorf("unknown device kind %q, valid values are all, gpu, cpu or accelerator", s)
}

// Device is a compute device of a Platform. It is immutable.
type Device struct {
	platform *Platform
	id       driver.DeviceID
	ordinal  int
	info     driver.DeviceInfo
}

// Platform of the device.
func (d *Device) Platform() *Platform { return d.platform }

// Ordinal is the index of the device within its platform.
func (d *Device) Ordinal() int { return d.ordinal }

// Name of the device.
func (d *Device) Name() string { return d.info.Name }

// Type of the device as reported by the driver.
func (d *Device) Type() driver.DeviceType { return d.info.Type }

// ImageSupport returns whether the device supports images.
func (d *Device) ImageSupport() bool { return d.info.ImageSupport }

// Available returns whether contexts can be created on the device.
func (d *Device) Available() bool { return d.info.Available }

// MaxWorkGroupSize is the maximum number of work-items in a work-group.
func (d *Device) MaxWorkGroupSize() int { return d.info.MaxWorkGroupSize }

// MemBaseAddrAlign is the required alignment, in bytes, of sub-buffer origins.
func (d *Device) MemBaseAddrAlign() int { return d.info.MemBaseAddrAlign }

// Info returns all the information reported by the driver on the device.
func (d *Device) Info() driver.DeviceInfo { return d.info }

// Fingerprint identifies the device and the software stack that compiles for it. Program binaries are only valid for
// devices with the same fingerprint.
func (d *Device) Fingerprint() string {
	id := d.info.UUID
	if id == "" {
		id = fmt.Sprintf("#%d", d.ordinal)
	}
	return strings.Join([]string{
		d.platform.rt.name, d.platform.info.Name, d.platform.info.Version,
		d.info.Vendor, d.info.Name, d.info.Version, d.info.DriverVersion, id,
	}, "|")
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	return fmt.Sprintf("%s device #%d %q (%s memory)", d.info.Type, d.ordinal, d.info.Name,
		humanize.IBytes(d.info.GlobalMemSize))
}
