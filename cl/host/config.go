package host

import (
	"os"
	"time"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/gomlx/gocl/internal/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ConfigEnv is the environment variable with the path to a YAML topology used by the "host" driver registered by
// this package. If not set, DefaultConfig is used.
const ConfigEnv = "GOCL_HOST_CONFIG"

// Config is the topology of the emulated host runtime: its platforms and their devices.
type Config struct {
	Platforms []PlatformConfig `yaml:"platforms"`
}

// PlatformConfig describes one emulated platform.
type PlatformConfig struct {
	Name    string         `yaml:"name"`
	Vendor  string         `yaml:"vendor"`
	Version string         `yaml:"version"`
	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig describes one emulated device.
type DeviceConfig struct {
	Name string `yaml:"name"`

	// Kind is "gpu", "cpu" or "accelerator".
	Kind string `yaml:"kind"`

	// ComputeUnits bounds how many work-groups of a launch run in parallel. Defaults to 1.
	ComputeUnits int `yaml:"compute_units"`

	// MaxWorkGroupSize is the largest local size (product over dimensions) accepted. Defaults to 1024.
	MaxWorkGroupSize int `yaml:"max_work_group_size"`

	// MemBaseAddrAlign is the required alignment in bytes of sub-buffer origins. Defaults to 64.
	MemBaseAddrAlign int `yaml:"mem_base_addr_align"`

	// GlobalMemSize in bytes. Allocations beyond it fail. Defaults to 1GiB.
	GlobalMemSize uint64 `yaml:"global_mem_size"`

	ImageSupport bool `yaml:"image_support"`

	// Unavailable devices are enumerated but contexts can't be created on them.
	Unavailable bool `yaml:"unavailable"`

	// Latency is added to every kernel launch on the device, e.g. "20ms".
	Latency time.Duration `yaml:"latency"`
}

// DefaultConfig returns the default topology: one platform with two GPUs and one CPU.
func DefaultConfig() Config {
	return Config{Platforms: []PlatformConfig{{
		Name:    "gocl host",
		Vendor:  "gocl",
		Version: "OpenCL 1.2 gocl-host",
		Devices: []DeviceConfig{
			{Name: "host-gpu-0", Kind: "gpu", ComputeUnits: 4, MaxWorkGroupSize: 256, ImageSupport: true},
			{Name: "host-gpu-1", Kind: "gpu", ComputeUnits: 4, MaxWorkGroupSize: 256, ImageSupport: true},
			{Name: "host-cpu-0", Kind: "cpu", ComputeUnits: 2, MaxWorkGroupSize: 1024},
		},
	}}}
}

// LoadConfig reads a YAML topology from path. A leading "~" is expanded to the home directory.
func LoadConfig(path string) (Config, error) {
	var config Config
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return config, err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return config, errors.Wrapf(err, "failed to read host topology from %q", path)
	}
	return ParseConfig(contents)
}

// ParseConfig parses a YAML topology, e.g.:
//
//	platforms:
//	  - name: lab
//	    devices:
//	      - {name: gpu-a, kind: gpu, compute_units: 8, latency: 10ms}
//	      - {name: cpu-a, kind: cpu, unavailable: true}
func ParseConfig(contents []byte) (Config, error) {
	var config Config
	if err := yaml.Unmarshal(contents, &config); err != nil {
		return config, errors.Wrap(err, "failed to parse host topology")
	}
	return config, nil
}

// ConfigFromEnv returns the topology pointed to by $GOCL_HOST_CONFIG, or DefaultConfig if it is not set.
func ConfigFromEnv() (Config, error) {
	path := os.Getenv(ConfigEnv)
	if path == "" {
		return DefaultConfig(), nil
	}
	return LoadConfig(path)
}

func (c *DeviceConfig) deviceType() (driver.DeviceType, error) {
	switch c.Kind {
	case "gpu", "GPU":
		return driver.DeviceTypeGPU, nil
	case "cpu", "CPU":
		return driver.DeviceTypeCPU, nil
	case "accelerator", "ACCELERATOR":
		return driver.DeviceTypeAccelerator, nil
	}
	return 0, errors.Errorf("device %q has unknown kind %q, valid kinds are gpu, cpu or accelerator", c.Name, c.Kind)
}

// deviceNamespace seeds the deterministic UUIDs of emulated devices.
var deviceNamespace = uuid.MustParse("5d3b1c8e-2f47-4c61-9a0e-6f1f2b7c9d40")

// deviceInfo validates the configuration, fills in defaults and returns the resulting driver.DeviceInfo.
func (c *DeviceConfig) deviceInfo(platformName string) (driver.DeviceInfo, error) {
	kind, err := c.deviceType()
	if err != nil {
		return driver.DeviceInfo{}, err
	}
	info := driver.DeviceInfo{
		Name:             c.Name,
		Vendor:           "gocl",
		Version:          "OpenCL 1.2 gocl-host",
		DriverVersion:    "1.0",
		Type:             kind,
		UUID:             uuid.NewSHA1(deviceNamespace, []byte(platformName+"/"+c.Name)).String(),
		ImageSupport:     c.ImageSupport,
		Available:        !c.Unavailable,
		MaxComputeUnits:  max(c.ComputeUnits, 1),
		MaxWorkGroupSize: c.MaxWorkGroupSize,
		GlobalMemSize:    c.GlobalMemSize,
		MemBaseAddrAlign: c.MemBaseAddrAlign,
	}
	if info.MaxWorkGroupSize <= 0 {
		info.MaxWorkGroupSize = 1024
	}
	if info.GlobalMemSize == 0 {
		info.GlobalMemSize = 1 << 30
	}
	if info.MemBaseAddrAlign <= 0 {
		info.MemBaseAddrAlign = BufferAlignment
	}
	if info.MemBaseAddrAlign%8 != 0 || info.MemBaseAddrAlign&(info.MemBaseAddrAlign-1) != 0 {
		return info, errors.Errorf("device %q: mem_base_addr_align must be a power of 2 multiple of 8, got %d",
			c.Name, info.MemBaseAddrAlign)
	}
	if c.Latency < 0 {
		return info, errors.Errorf("device %q: negative latency %s", c.Name, c.Latency)
	}
	return info, nil
}
