package cl

import (
	"fmt"
	"slices"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ProgramOrigin tells how a Program was created.
type ProgramOrigin int

const (
	// OriginSource programs were compiled from source.
	OriginSource ProgramOrigin = iota

	// OriginBinary programs were loaded from previously saved binaries.
	OriginBinary
)

// String implements fmt.Stringer.
func (o ProgramOrigin) String() string {
	if o == OriginBinary {
		return "binary"
	}
	return "source"
}

// Program is a built program: an executable for each of its devices, with kernel entry points.
// It is valid only for the Context and devices it was built for.
type Program struct {
	ctx     *Context
	id      driver.ProgramID
	devices []*Device
	origin  ProgramOrigin
	options string
	guard   *Guard
}

func newProgram(ctx *Context, id driver.ProgramID, devices []*Device, origin ProgramOrigin, options string) *Program {
	drv := ctx.rt.drv
	return &Program{
		ctx:     ctx,
		id:      id,
		devices: devices,
		origin:  origin,
		options: options,
		guard: ctx.track(RankProgram, fmt.Sprintf("program #%d", id), func() error {
			return drv.ReleaseProgram(id)
		}),
	}
}

// Context of the program.
func (p *Program) Context() *Context { return p.ctx }

// Devices the program was built for. The returned slice is owned by the program, don't change it.
func (p *Program) Devices() []*Device { return p.devices }

// Origin tells whether the program was compiled from source or loaded from binaries.
func (p *Program) Origin() ProgramOrigin { return p.origin }

// Options used to build the program.
func (p *Program) Options() string { return p.options }

// String implements fmt.Stringer.
func (p *Program) String() string {
	return fmt.Sprintf("program #%d (from %s, %d devices)", p.id, p.origin, len(p.devices))
}

// check returns an error if the program or its context can't be used.
func (p *Program) check() error {
	if p == nil || p.guard.Released() {
		return errors.Wrap(ErrDestroyed, "cl.Program")
	}
	return p.ctx.check()
}

// Destroy releases the program. It is idempotent.
func (p *Program) Destroy() error {
	if p == nil {
		return nil
	}
	return p.guard.Release()
}

// Binaries returns the binary of the program for each of its devices, in the order of Devices.
func (p *Program) Binaries() ([][]byte, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	ids, binaries, err := p.ctx.rt.drv.ProgramBinaries(p.id)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to retrieve the binaries of %s", p)
	}
	result := make([][]byte, len(p.devices))
	for ii, d := range p.devices {
		idx := slices.Index(ids, d.id)
		if idx < 0 || len(binaries[idx]) == 0 {
			return nil, errors.Errorf("%s has no binary for %s", p, d)
		}
		result[ii] = binaries[idx]
	}
	return result, nil
}

// Binary returns the binary of the program for one of its devices.
func (p *Program) Binary(device *Device) ([]byte, error) {
	idx := slices.Index(p.devices, device)
	if idx < 0 {
		return nil, errors.Errorf("%s was not built for %s", p, device)
	}
	binaries, err := p.Binaries()
	if err != nil {
		return nil, err
	}
	return binaries[idx], nil
}

// buildProgram builds the program for the devices, and converts a failure to a *BuildError with the log of the first
// device that failed.
func buildProgram(ctx *Context, id driver.ProgramID, devices []*Device, options string) error {
	drv := ctx.rt.drv
	ids := deviceIDs(devices)
	err := drv.BuildProgram(id, ids, options)
	if err == nil {
		return nil
	}
	if StatusOf(err) != driver.BuildProgramFailure {
		return &BuildError{Device: devices[0].Name(), Err: err}
	}
	for _, d := range devices {
		log, logErr := drv.ProgramBuildLog(id, d.id)
		if logErr != nil {
			klog.Errorf("failed to retrieve build log for %s: %v", d, logErr)
			continue
		}
		if log != "" {
			return &BuildError{Device: d.Name(), Log: log, Err: err}
		}
	}
	return &BuildError{Device: devices[0].Name(), Err: err}
}

func deviceIDs(devices []*Device) []driver.DeviceID {
	ids := make([]driver.DeviceID, len(devices))
	for ii, d := range devices {
		ids[ii] = d.id
	}
	return ids
}
