package cl

import (
	"slices"
	"strings"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CompileConfig is created with Context.Compile, and is a "builder pattern" to configure the creation of a Program.
//
// At a minimum one has to set the program, with CompileConfig.WithSource or CompileConfig.WithBinaries.
// Optionally, the build options and the subset of devices can be set.
//
// Once finished call CompileConfig.Done to trigger the build and get back a Program or an error.
// Errors in the configuration are reported by Done.
type CompileConfig struct {
	ctx *Context

	source   []byte
	binaries [][]byte
	devices  []*Device
	options  []string

	err error
}

// Compile returns a CompileConfig to build a Program on the context.
func (ctx *Context) Compile() *CompileConfig {
	return &CompileConfig{ctx: ctx}
}

// WithSource configures the program to be compiled from source.
//
// Either WithSource or WithBinaries must be set before Done is called, but not both.
// It returns itself (CompileConfig) to allow cascading configuration calls.
func (cc *CompileConfig) WithSource(source string) *CompileConfig {
	if cc.source != nil || cc.binaries != nil {
		cc.err = errors.New("cl.Context.Compile() was given the program more than once using WithSource or WithBinaries")
		return cc
	}
	cc.source = []byte(source)
	return cc
}

// WithBinaries configures the program to be loaded from binaries, one per device, previously returned by
// Program.Binaries. It also sets the devices, as with ForDevices.
//
// Either WithSource or WithBinaries must be set before Done is called, but not both.
// It returns itself (CompileConfig) to allow cascading configuration calls.
func (cc *CompileConfig) WithBinaries(devices []*Device, binaries [][]byte) *CompileConfig {
	if cc.source != nil || cc.binaries != nil {
		cc.err = errors.New("cl.Context.Compile() was given the program more than once using WithSource or WithBinaries")
		return cc
	}
	if len(devices) != len(binaries) || len(binaries) == 0 {
		cc.err = errors.Errorf("cl.Context.Compile().WithBinaries() given %d devices and %d binaries",
			len(devices), len(binaries))
		return cc
	}
	cc.binaries = binaries
	return cc.ForDevices(devices...)
}

// WithOptions appends build options, e.g. "-I." or "-DWIDTH=8". Options are joined with spaces.
// It returns itself (CompileConfig) to allow cascading configuration calls.
func (cc *CompileConfig) WithOptions(options ...string) *CompileConfig {
	cc.options = append(cc.options, options...)
	return cc
}

// ForDevices restricts the build to the given devices of the context. The default is every device of the context.
// It returns itself (CompileConfig) to allow cascading configuration calls.
func (cc *CompileConfig) ForDevices(devices ...*Device) *CompileConfig {
	for _, d := range devices {
		if !slices.Contains(cc.ctx.devices, d) {
			cc.err = errors.Errorf("%s is not part of %s", d, cc.ctx)
			return cc
		}
	}
	cc.devices = devices
	return cc
}

// Done triggers the build of the program. On compilation failure it returns a *BuildError with the build log.
func (cc *CompileConfig) Done() (*Program, error) {
	if cc.ctx == nil {
		return nil, errors.New("misconfigured CompileConfig, or an attempt of using it more than once, which is not " +
			"supported -- call Context.Compile() again")
	}
	ctx := cc.ctx
	// CompileConfig can only be used once.
	cc.ctx = nil

	if cc.err != nil {
		return nil, cc.err
	}
	if err := ctx.check(); err != nil {
		return nil, err
	}
	if cc.source == nil && cc.binaries == nil {
		return nil, errors.New("no program given to Context.Compile(), use Context.Compile().WithSource() or " +
			"Context.Compile().WithBinaries() to specify a program, before calling Done()")
	}
	devices := cc.devices
	if len(devices) == 0 {
		devices = ctx.devices
	}
	options := joinOptions(cc.options)

	drv := ctx.rt.drv
	var (
		id     driver.ProgramID
		origin ProgramOrigin
		err    error
	)
	if cc.binaries != nil {
		origin = OriginBinary
		var statuses []driver.Status
		id, statuses, err = drv.CreateProgramWithBinary(ctx.id, deviceIDs(devices), cc.binaries)
		if err != nil {
			for ii, status := range statuses {
				if status != driver.Success {
					klog.V(1).Infof("binary for %s rejected: %s", devices[ii], status)
				}
			}
			return nil, errors.WithMessagef(err, "failed to load program binaries on %s", ctx)
		}
	} else {
		id, err = drv.CreateProgramWithSource(ctx.id, cc.source)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to create program on %s", ctx)
		}
	}
	// Tracked before building, so the handle is released if the build fails.
	p := newProgram(ctx, id, devices, origin, options)
	if err = buildProgram(ctx, id, devices, options); err != nil {
		if releaseErr := p.Destroy(); releaseErr != nil {
			klog.Errorf("failed to release program after failed build: %+v", releaseErr)
		}
		return nil, err
	}
	klog.V(1).Infof("built %s", p)
	return p, nil
}

// joinOptions joins build options with spaces, skipping empty ones.
func joinOptions(options []string) string {
	nonEmpty := make([]string, 0, len(options))
	for _, option := range options {
		if option = strings.TrimSpace(option); option != "" {
			nonEmpty = append(nonEmpty, option)
		}
	}
	return strings.Join(nonEmpty, " ")
}
