package host

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/klog/v2"
)

// binaryMagic prefixes every program binary produced by the host driver.
var binaryMagic = []byte("GOCLHOST")

const binaryFormat = "gocl-host-program/1"

// binaryImage is the decoded content of a program binary.
type binaryImage struct {
	deviceUUID   string
	deviceName   string
	entryPoints  []string
	sourceDigest string
	options      string
}

func (img *binaryImage) encode() ([]byte, error) {
	entryPoints := make([]any, len(img.entryPoints))
	for ii, name := range img.entryPoints {
		entryPoints[ii] = name
	}
	s, err := structpb.NewStruct(map[string]any{
		"format":        binaryFormat,
		"device_uuid":   img.deviceUUID,
		"device_name":   img.deviceName,
		"entry_points":  entryPoints,
		"source_digest": img.sourceDigest,
		"options":       img.options,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create program binary message")
	}
	encoded, err := proto.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize program binary")
	}
	return append(slices.Clone(binaryMagic), encoded...), nil
}

// decodeBinary parses a program binary.
func decodeBinary(binary []byte) (*binaryImage, error) {
	if !bytes.HasPrefix(binary, binaryMagic) {
		return nil, errors.New("not a gocl host program binary")
	}
	s := &structpb.Struct{}
	if err := proto.Unmarshal(binary[len(binaryMagic):], s); err != nil {
		return nil, errors.Wrap(err, "corrupted program binary")
	}
	fields := s.GetFields()
	if format := fields["format"].GetStringValue(); format != binaryFormat {
		return nil, errors.Errorf("unsupported program binary format %q", format)
	}
	img := &binaryImage{
		deviceUUID:   fields["device_uuid"].GetStringValue(),
		deviceName:   fields["device_name"].GetStringValue(),
		sourceDigest: fields["source_digest"].GetStringValue(),
		options:      fields["options"].GetStringValue(),
	}
	for _, value := range fields["entry_points"].GetListValue().GetValues() {
		name := value.GetStringValue()
		if name == "" {
			return nil, errors.New("program binary has an invalid entry point")
		}
		img.entryPoints = append(img.entryPoints, name)
	}
	if img.deviceUUID == "" {
		return nil, errors.New("program binary has no target device")
	}
	return img, nil
}

func sourceDigest(source []byte) string {
	digest := blake2b.Sum256(source)
	return hex.EncodeToString(digest[:])
}

// executable is the result of a successful build for one device.
type executable struct {
	image   *binaryImage
	kernels map[string]KernelDef
}

type program struct {
	id      driver.ProgramID
	ctx     *context
	devices []*device

	// source is nil for programs created from binaries.
	source []byte
	digest string

	mu          sync.Mutex
	binaries    map[*device]*binaryImage // Loaded binaries, not yet built.
	executables map[*device]*executable
	logs        map[*device]string
}

// CreateProgramWithSource implements driver.Driver. The program is associated with all the context devices.
func (d *Driver) CreateProgramWithSource(contextID driver.ContextID, source []byte) (driver.ProgramID, error) {
	const op = "CreateProgramWithSource"
	c, err := lookup[*context](d, op, uintptr(contextID), driver.InvalidContext)
	if err != nil {
		return 0, err
	}
	if len(source) == 0 {
		return 0, driver.Errorf(op, driver.InvalidValue, "empty program source")
	}
	p := d.newProgram(c, slices.Clone(c.devices))
	p.source = slices.Clone(source)
	p.digest = sourceDigest(source)
	p.id = driver.ProgramID(d.register(p))
	d.stats.programs.Add(1)
	return p.id, nil
}

func (d *Driver) newProgram(c *context, devices []*device) *program {
	return &program{
		ctx:         c,
		devices:     devices,
		binaries:    make(map[*device]*binaryImage),
		executables: make(map[*device]*executable),
		logs:        make(map[*device]string),
	}
}

// CreateProgramWithBinary implements driver.Driver.
// A binary is invalid for a device if it can't be decoded or if it was built for another device.
func (d *Driver) CreateProgramWithBinary(contextID driver.ContextID, deviceIDs []driver.DeviceID, binaries [][]byte) (driver.ProgramID, []driver.Status, error) {
	const op = "CreateProgramWithBinary"
	c, err := lookup[*context](d, op, uintptr(contextID), driver.InvalidContext)
	if err != nil {
		return 0, nil, err
	}
	if len(deviceIDs) == 0 || len(deviceIDs) != len(binaries) {
		return 0, nil, driver.Errorf(op, driver.InvalidValue, "%d devices and %d binaries given", len(deviceIDs), len(binaries))
	}
	devices, err := d.contextDevices(op, c, deviceIDs)
	if err != nil {
		return 0, nil, err
	}
	statuses := make([]driver.Status, len(devices))
	images := make([]*binaryImage, len(devices))
	var invalid []string
	for ii, dev := range devices {
		img, err := decodeBinary(binaries[ii])
		if err == nil && img.deviceUUID != dev.info.UUID {
			err = errors.Errorf("binary was built for device %q (%s)", img.deviceName, img.deviceUUID)
		}
		if err != nil {
			statuses[ii] = driver.InvalidBinary
			invalid = append(invalid, fmt.Sprintf("device %q: %v", dev.info.Name, err))
			continue
		}
		images[ii] = img
	}
	if len(invalid) > 0 {
		return 0, statuses, driver.Errorf(op, driver.InvalidBinary, "%s", strings.Join(invalid, "; "))
	}
	p := d.newProgram(c, devices)
	for ii, dev := range devices {
		p.binaries[dev] = images[ii]
	}
	p.id = driver.ProgramID(d.register(p))
	d.stats.programs.Add(1)
	return p.id, statuses, nil
}

// contextDevices resolves device handles, checking they are part of the context.
func (d *Driver) contextDevices(op string, c *context, deviceIDs []driver.DeviceID) ([]*device, error) {
	devices := make([]*device, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		dev, err := lookup[*device](d, op, uintptr(id), driver.InvalidDevice)
		if err != nil {
			return nil, err
		}
		if !c.hasDevice(dev) {
			return nil, driver.Errorf(op, driver.InvalidDevice, "device %q is not part of the context", dev.info.Name)
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// BuildProgram implements driver.Driver. If devices is empty, it builds for all the devices of the program.
func (d *Driver) BuildProgram(programID driver.ProgramID, deviceIDs []driver.DeviceID, options string) error {
	const op = "BuildProgram"
	p, err := lookup[*program](d, op, uintptr(programID), driver.InvalidProgram)
	if err != nil {
		return err
	}
	devices := p.devices
	if len(deviceIDs) > 0 {
		devices, err = d.contextDevices(op, p.ctx, deviceIDs)
		if err != nil {
			return err
		}
		for _, dev := range devices {
			if !slices.Contains(p.devices, dev) {
				return driver.Errorf(op, driver.InvalidDevice, "program is not associated with device %q", dev.info.Name)
			}
		}
	}
	if err := validateOptions(options); err != nil {
		return driver.Errorf(op, driver.InvalidBuildOptions, "%v", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var failed []string
	for _, dev := range devices {
		exec, log := p.buildFor(dev, options)
		p.logs[dev] = log
		if exec == nil {
			delete(p.executables, dev)
			failed = append(failed, dev.info.Name)
			continue
		}
		p.executables[dev] = exec
	}
	if len(failed) > 0 {
		return driver.Errorf(op, driver.BuildProgramFailure, "build failed for device(s) %s", strings.Join(failed, ", "))
	}
	return nil
}

// buildFor builds the program for one device. It returns nil if the build failed, and the build log.
func (p *program) buildFor(dev *device, options string) (*executable, string) {
	img := p.binaries[dev]
	var diags []diagnostic
	if img == nil {
		if p.source == nil {
			return nil, "no source or binary available for device " + dev.info.Name + "\n"
		}
		var entryPoints []string
		entryPoints, diags = scanSource(p.source)
		img = &binaryImage{
			deviceUUID:   dev.info.UUID,
			deviceName:   dev.info.Name,
			entryPoints:  entryPoints,
			sourceDigest: p.digest,
			options:      options,
		}
	}

	exec := &executable{image: img, kernels: make(map[string]KernelDef, len(img.entryPoints))}
	for _, name := range img.entryPoints {
		def, found := findKernel(name)
		if !found {
			diags = append(diags, diagnostic{msg: fmt.Sprintf("undefined reference to kernel %q: no implementation "+
				"registered in the host runtime", name)})
			continue
		}
		exec.kernels[name] = def
	}
	if len(diags) > 0 {
		return nil, buildLog(diags)
	}
	klog.V(2).Infof("host: program #%d built for %q with entry points %v", p.id, dev.info.Name, img.entryPoints)
	return exec, ""
}

// ProgramBuildLog implements driver.Driver.
func (d *Driver) ProgramBuildLog(programID driver.ProgramID, deviceID driver.DeviceID) (string, error) {
	const op = "ProgramBuildLog"
	p, err := lookup[*program](d, op, uintptr(programID), driver.InvalidProgram)
	if err != nil {
		return "", err
	}
	dev, err := lookup[*device](d, op, uintptr(deviceID), driver.InvalidDevice)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logs[dev], nil
}

// ProgramBinaries implements driver.Driver. Devices for which the program was not built have an empty binary.
func (d *Driver) ProgramBinaries(programID driver.ProgramID) ([]driver.DeviceID, [][]byte, error) {
	const op = "ProgramBinaries"
	p, err := lookup[*program](d, op, uintptr(programID), driver.InvalidProgram)
	if err != nil {
		return nil, nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]driver.DeviceID, len(p.devices))
	binaries := make([][]byte, len(p.devices))
	for ii, dev := range p.devices {
		ids[ii] = dev.id
		exec := p.executables[dev]
		if exec == nil {
			continue
		}
		binaries[ii], err = exec.image.encode()
		if err != nil {
			return nil, nil, driver.Errorf(op, driver.OutOfHostMemory, "%v", err)
		}
	}
	return ids, binaries, nil
}

// ReleaseProgram implements driver.Driver.
func (d *Driver) ReleaseProgram(programID driver.ProgramID) error {
	if _, err := lookup[*program](d, "ReleaseProgram", uintptr(programID), driver.InvalidProgram); err != nil {
		return err
	}
	if d.unregister(uintptr(programID)) {
		d.stats.programs.Add(-1)
	}
	return nil
}

// linkedKernel returns the implementation of the named entry point, from any device the program was built for.
func (p *program) linkedKernel(op, name string) (KernelDef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.executables) == 0 {
		return KernelDef{}, driver.Errorf(op, driver.InvalidProgramExecutable, "program has not been built")
	}
	for _, exec := range p.executables {
		if def, found := exec.kernels[name]; found {
			return def, nil
		}
	}
	return KernelDef{}, driver.Errorf(op, driver.InvalidKernelName, "no kernel named %q in program", name)
}

// isBuiltFor returns whether the program has an executable for the device.
func (p *program) isBuiltFor(dev *device) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.executables[dev] != nil
}
