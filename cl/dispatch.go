package cl

import (
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DeviceRegionArg is the type of DeviceRegion.
type DeviceRegionArg struct{}

// DeviceRegion is a placeholder argument for DispatchConfig.WithArgs: it is replaced by the buffer of each device
// (see DispatchConfig.OnRegions and DispatchConfig.OnBuffers).
var DeviceRegion = DeviceRegionArg{}

// PerDevice is an argument for DispatchConfig.WithArgs whose value depends on the device: the function is called
// with the index of each device of the dispatch.
type PerDevice func(deviceIndex int) any

// DispatchConfig is created with Program.Dispatch, and is a "builder pattern" to configure the launch of one kernel
// on several devices, each working on its own region of memory.
//
// At a minimum one has to set the global size with DispatchConfig.WithGlobalSize.
//
// Once finished call DispatchConfig.Done to enqueue the launches and get back a Batch, with one Event per device.
type DispatchConfig struct {
	program    *Program
	kernelName string

	devices    []*Device
	buffers    []*Buffer
	queues     []*Queue
	globalSize []int
	localSize  []int
	args       []any

	err error
}

// Dispatch returns a DispatchConfig to launch the kernel entry point kernelName on several devices.
// Call DispatchConfig.Done to enqueue the launches.
func (p *Program) Dispatch(kernelName string) *DispatchConfig {
	return &DispatchConfig{program: p, kernelName: kernelName}
}

// OnRegions sets the buffers of each device to the regions of a partition: device i works on r.ForDevice(i).
// It returns itself (DispatchConfig) to allow cascading configuration calls.
func (c *DispatchConfig) OnRegions(r *Regions) *DispatchConfig {
	if c.err != nil {
		return c
	}
	if r == nil {
		c.err = errors.New("Program.Dispatch().OnRegions() given nil regions")
		return c
	}
	return c.OnBuffers(r.Buffers()...)
}

// OnBuffers sets the buffer of each device, used for the DeviceRegion arguments.
// It returns itself (DispatchConfig) to allow cascading configuration calls.
func (c *DispatchConfig) OnBuffers(buffers ...*Buffer) *DispatchConfig {
	if c.err != nil {
		return c
	}
	for ii, b := range buffers {
		if b == nil {
			c.err = errors.Errorf("Program.Dispatch().OnBuffers() given a nil buffer for device #%d", ii)
			return c
		}
	}
	c.buffers = buffers
	return c
}

// OnDevices selects the devices to launch on, all of which must be devices of the program.
//
// The default is the devices of the queues if OnQueues is used, or else the first devices of the program, as many as
// there are buffers (or all, if no buffers were given).
// It returns itself (DispatchConfig) to allow cascading configuration calls.
func (c *DispatchConfig) OnDevices(devices ...*Device) *DispatchConfig {
	if c.err != nil {
		return c
	}
	for _, d := range devices {
		if !slices.Contains(c.program.devices, d) {
			c.err = errors.Errorf("Program.Dispatch().OnDevices() given %s, which %s was not built for", d, c.program)
			return c
		}
	}
	c.devices = devices
	return c
}

// OnQueues makes the dispatch use the given queues, one per device, instead of creating its own.
// Queues given here are not destroyed by Batch.Destroy.
// It returns itself (DispatchConfig) to allow cascading configuration calls.
func (c *DispatchConfig) OnQueues(queues ...*Queue) *DispatchConfig {
	if c.err != nil {
		return c
	}
	for ii, q := range queues {
		if q == nil {
			c.err = errors.Errorf("Program.Dispatch().OnQueues() given a nil queue for device #%d", ii)
			return c
		}
	}
	c.queues = queues
	return c
}

// WithGlobalSize sets the number of work-items of each device's launch, with 1 to 3 dimensions.
// It returns itself (DispatchConfig) to allow cascading configuration calls.
func (c *DispatchConfig) WithGlobalSize(sizes ...int) *DispatchConfig {
	c.globalSize = sizes
	return c
}

// WithLocalSize sets the size of the work-groups. The default is 1 in every dimension, which every device supports.
// It returns itself (DispatchConfig) to allow cascading configuration calls.
func (c *DispatchConfig) WithLocalSize(sizes ...int) *DispatchConfig {
	c.localSize = sizes
	return c
}

// WithArgs sets the kernel arguments. Besides the values accepted by Kernel.SetArg, DeviceRegion is replaced by the
// buffer of each device and a PerDevice function by its result for each device.
//
// The default, if buffers were given, is a single DeviceRegion argument.
// It returns itself (DispatchConfig) to allow cascading configuration calls.
func (c *DispatchConfig) WithArgs(args ...any) *DispatchConfig {
	c.args = args
	return c
}

// Batch holds the launches of one dispatch: one queue, one kernel and one event per device.
type Batch struct {
	devices     []*Device
	queues      []*Queue
	ownedQueues bool
	kernels     []*Kernel
	events      []*Event
}

// Done enqueues one launch per device, and returns without waiting for them to execute: see Batch.Await.
//
// If enqueueing on a device fails, the remaining devices are skipped, the launches already enqueued are awaited,
// everything created by the dispatch is released and a *DispatchError is returned.
func (c *DispatchConfig) Done() (*Batch, error) {
	if c.program == nil {
		return nil, errors.New("misconfigured DispatchConfig, or an attempt of using it more than once, which is not " +
			"supported -- call Program.Dispatch() again")
	}
	p := c.program
	// DispatchConfig can only be used once.
	c.program = nil

	if c.err != nil {
		return nil, c.err
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	devices, err := c.resolveDevices(p)
	if err != nil {
		return nil, err
	}
	if len(c.globalSize) == 0 {
		return nil, errors.New("Program.Dispatch() requires a global size, set it with WithGlobalSize()")
	}
	localSize := c.localSize
	if localSize == nil {
		localSize = make([]int, len(c.globalSize))
		for ii := range localSize {
			localSize[ii] = 1
		}
	}
	args := c.args
	if args == nil && c.buffers != nil {
		args = []any{DeviceRegion}
	}
	usesRegion := slices.ContainsFunc(args, func(arg any) bool {
		_, isRegion := arg.(DeviceRegionArg)
		return isRegion
	})
	if c.buffers == nil && usesRegion {
		return nil, errors.New("Program.Dispatch() uses DeviceRegion arguments, but no buffers were given, use " +
			"OnRegions() or OnBuffers()")
	}

	b := &Batch{devices: devices, ownedQueues: c.queues == nil}
	for ii, d := range devices {
		if err := c.enqueueOn(b, p, ii, d, args, localSize); err != nil {
			if awaitErr := AwaitAll(b.events...); awaitErr != nil {
				klog.Errorf("dispatch of %q: failed awaiting devices enqueued before the failure: %+v",
					c.kernelName, awaitErr)
			}
			if destroyErr := b.Destroy(); destroyErr != nil {
				klog.Errorf("dispatch of %q: failed to release the batch: %+v", c.kernelName, destroyErr)
			}
			return nil, &DispatchError{DeviceIndex: ii, Code: StatusOf(err), Err: err}
		}
	}
	klog.V(1).Infof("dispatched %q on %d devices", c.kernelName, len(devices))
	return b, nil
}

func (c *DispatchConfig) resolveDevices(p *Program) ([]*Device, error) {
	devices := c.devices
	if devices == nil && c.queues != nil {
		devices = make([]*Device, len(c.queues))
		for ii, q := range c.queues {
			devices[ii] = q.device
		}
	}
	if devices == nil {
		n := len(p.devices)
		if c.buffers != nil {
			n = len(c.buffers)
		}
		if n > len(p.devices) {
			return nil, errors.Errorf("Program.Dispatch() given %d buffers, but %s has only %d devices",
				n, p, len(p.devices))
		}
		devices = p.devices[:n]
	}
	if len(devices) == 0 {
		return nil, errors.New("Program.Dispatch() has no devices to launch on")
	}
	if c.buffers != nil && len(c.buffers) != len(devices) {
		return nil, errors.Errorf("Program.Dispatch() given %d buffers for %d devices", len(c.buffers), len(devices))
	}
	if c.queues != nil {
		if len(c.queues) != len(devices) {
			return nil, errors.Errorf("Program.Dispatch() given %d queues for %d devices", len(c.queues), len(devices))
		}
		for ii, q := range c.queues {
			if q.device != devices[ii] {
				return nil, errors.Errorf("Program.Dispatch(): %s is not bound to %s", q, devices[ii])
			}
		}
	}
	for _, d := range devices {
		if !slices.Contains(p.devices, d) {
			return nil, errors.Errorf("Program.Dispatch(): %s was not built for %s", p, d)
		}
	}
	return devices, nil
}

// enqueueOn creates the queue (if needed) and the kernel for device #ii and enqueues its launch.
func (c *DispatchConfig) enqueueOn(b *Batch, p *Program, ii int, d *Device, args []any, localSize []int) error {
	var q *Queue
	if c.queues != nil {
		q = c.queues[ii]
	} else {
		var err error
		q, err = p.ctx.NewQueue(d)
		if err != nil {
			return err
		}
	}
	b.queues = append(b.queues, q)

	k, err := p.NewKernel(c.kernelName)
	if err != nil {
		return err
	}
	b.kernels = append(b.kernels, k)
	values := make([]any, len(args))
	for argIdx, arg := range args {
		switch v := arg.(type) {
		case DeviceRegionArg:
			values[argIdx] = c.buffers[ii]
		case PerDevice:
			values[argIdx] = v(ii)
		default:
			values[argIdx] = arg
		}
	}
	if err = k.SetArgs(values...); err != nil {
		return err
	}
	e, err := q.EnqueueKernel(k, c.globalSize, localSize)
	if err != nil {
		return err
	}
	b.events = append(b.events, e)
	return nil
}

// Devices of the batch, in dispatch order.
func (b *Batch) Devices() []*Device { return b.devices }

// Queues of the batch, one per device. They can be used to read back results.
func (b *Batch) Queues() []*Queue { return b.queues }

// Events of the launches, one per device.
func (b *Batch) Events() []*Event { return b.events }

// Await blocks until the launches on every device have completed. See AwaitAll.
func (b *Batch) Await() error {
	return AwaitAll(b.events...)
}

// Destroy releases the events and kernels of the batch, and the queues it created (waiting for their outstanding
// commands). It is idempotent.
func (b *Batch) Destroy() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, e := range b.events {
		keep(e.Destroy())
	}
	for _, k := range b.kernels {
		keep(k.Destroy())
	}
	if b.ownedQueues {
		for _, q := range b.queues {
			keep(q.Destroy())
		}
	}
	return firstErr
}
