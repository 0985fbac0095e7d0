package host

import (
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// command is one entry of a command queue.
type command struct {
	event    *event
	waitList []*event
	run      func() error
}

// queue is an in-order command queue, executed by its own goroutine.
type queue struct {
	id     driver.QueueID
	ctx    *context
	device *device

	mu          sync.Mutex
	cond        *sync.Cond
	pending     []*command
	outstanding int // Commands enqueued and not yet completed.
	closed      bool
}

// CreateCommandQueue implements driver.Driver.
func (d *Driver) CreateCommandQueue(contextID driver.ContextID, deviceID driver.DeviceID) (driver.QueueID, error) {
	const op = "CreateCommandQueue"
	c, err := lookup[*context](d, op, uintptr(contextID), driver.InvalidContext)
	if err != nil {
		return 0, err
	}
	dev, err := lookup[*device](d, op, uintptr(deviceID), driver.InvalidDevice)
	if err != nil {
		return 0, err
	}
	if !c.hasDevice(dev) {
		return 0, driver.Errorf(op, driver.InvalidDevice, "device %q is not part of the context", dev.info.Name)
	}
	q := &queue{ctx: c, device: dev}
	q.cond = sync.NewCond(&q.mu)
	q.id = driver.QueueID(d.register(q))
	d.stats.queues.Add(1)
	go q.loop()
	return q.id, nil
}

// loop executes the commands in order, until the queue is closed and drained.
func (q *queue) loop() {
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		cmd := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.execute(cmd)

		q.mu.Lock()
		q.outstanding--
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

func (q *queue) execute(cmd *command) {
	for _, e := range cmd.waitList {
		if err := e.wait(); err != nil {
			cmd.event.complete(driver.Errorf(cmd.event.name, driver.ExecStatusErrorForEvents,
				"waited event %q failed: %v", e.name, err))
			return
		}
	}
	cmd.event.setStatus(driver.Running)
	cmd.event.complete(cmd.run())
}

// enqueue adds the command to the queue. It fails if the queue was released.
func (q *queue) enqueue(op string, cmd *command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return driver.Errorf(op, driver.InvalidCommandQueue, "queue already released")
	}
	cmd.event.setStatus(driver.Submitted)
	q.pending = append(q.pending, cmd)
	q.outstanding++
	q.cond.Broadcast()
	return nil
}

// finish blocks until all commands enqueued so far completed.
func (q *queue) finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.outstanding > 0 {
		q.cond.Wait()
	}
}

// Finish implements driver.Driver.
func (d *Driver) Finish(queueID driver.QueueID) error {
	q, err := lookup[*queue](d, "Finish", uintptr(queueID), driver.InvalidCommandQueue)
	if err != nil {
		return err
	}
	q.finish()
	return nil
}

// ReleaseCommandQueue implements driver.Driver. Commands already enqueued are completed first.
func (d *Driver) ReleaseCommandQueue(queueID driver.QueueID) error {
	q, err := lookup[*queue](d, "ReleaseCommandQueue", uintptr(queueID), driver.InvalidCommandQueue)
	if err != nil {
		return err
	}
	if !d.unregister(uintptr(queueID)) {
		return nil
	}
	q.finish()
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	d.stats.queues.Add(-1)
	return nil
}

// submit creates the event for a command, enqueues it and, if blocking, waits for it.
func (d *Driver) submit(op string, q *queue, blocking bool, waitList []driver.EventID, run func() error) (driver.EventID, error) {
	waitEvents, err := d.lookupEvents(op, waitList)
	if err != nil {
		return 0, err
	}
	e := newEvent(fmt.Sprintf("%s@%s", op, q.device.info.Name))
	if err := q.enqueue(op, &command{event: e, waitList: waitEvents, run: run}); err != nil {
		return 0, err
	}
	id := d.registerEvent(e)
	if blocking {
		if err := e.wait(); err != nil {
			return id, err
		}
	}
	return id, nil
}

// checkMem verifies the memory object can be used by commands of the queue.
func checkMem(op string, q *queue, m *memObject) error {
	if m.ctx != q.ctx {
		return driver.Errorf(op, driver.InvalidContext, "memory object and queue belong to different contexts")
	}
	return nil
}

// launchGeometry validates the global size and resolves the local size.
func launchGeometry(op string, dev *device, globalSize, localSize []int) ([]int, error) {
	dims := len(globalSize)
	if dims < 1 || dims > 3 {
		return nil, driver.Errorf(op, driver.InvalidWorkDimension, "%d dimensions given, 1 to 3 supported", dims)
	}
	for _, g := range globalSize {
		if g <= 0 {
			return nil, driver.Errorf(op, driver.InvalidGlobalWorkSize, "invalid global size %v", globalSize)
		}
	}
	maxGroup := dev.info.MaxWorkGroupSize
	if localSize == nil {
		// Largest divisor of the first dimension that fits a work-group.
		localSize = make([]int, dims)
		for ii := range localSize {
			localSize[ii] = 1
		}
		for l := min(globalSize[0], maxGroup); l >= 1; l-- {
			if globalSize[0]%l == 0 {
				localSize[0] = l
				break
			}
		}
		return localSize, nil
	}
	if len(localSize) != dims {
		return nil, driver.Errorf(op, driver.InvalidWorkDimension, "local size %v doesn't match global size %v",
			localSize, globalSize)
	}
	groupSize := 1
	for ii, l := range localSize {
		if l <= 0 || globalSize[ii]%l != 0 {
			return nil, driver.Errorf(op, driver.InvalidWorkGroupSize, "local size %v doesn't divide global size %v",
				localSize, globalSize)
		}
		groupSize *= l
	}
	if groupSize > maxGroup {
		return nil, driver.Errorf(op, driver.InvalidWorkGroupSize, "work-group size %d (%v) exceeds the maximum %d of device %q",
			groupSize, localSize, maxGroup, dev.info.Name)
	}
	return slices.Clone(localSize), nil
}

// EnqueueNDRangeKernel implements driver.Driver.
// Launching a kernel with a memory argument that is currently mapped fails with InvalidOperation.
func (d *Driver) EnqueueNDRangeKernel(queueID driver.QueueID, kernelID driver.KernelID, globalSize, localSize []int, waitList []driver.EventID) (driver.EventID, error) {
	const op = "EnqueueNDRangeKernel"
	q, err := lookup[*queue](d, op, uintptr(queueID), driver.InvalidCommandQueue)
	if err != nil {
		return 0, err
	}
	k, err := lookup[*kernel](d, op, uintptr(kernelID), driver.InvalidKernel)
	if err != nil {
		return 0, err
	}
	if k.program.ctx != q.ctx {
		return 0, driver.Errorf(op, driver.InvalidContext, "kernel and queue belong to different contexts")
	}
	if !k.program.isBuiltFor(q.device) {
		return 0, driver.Errorf(op, driver.InvalidProgramExecutable, "program not built for device %q", q.device.info.Name)
	}
	localSize, err = launchGeometry(op, q.device, globalSize, localSize)
	if err != nil {
		return 0, err
	}
	args, err := k.snapshotArgs(op)
	if err != nil {
		return 0, err
	}
	for ii, arg := range args {
		if arg.kind != driver.ArgMem {
			continue
		}
		if err := checkMem(op, q, arg.mem); err != nil {
			return 0, err
		}
		if arg.mem.isMapped() {
			return 0, driver.Errorf(op, driver.InvalidOperation, "kernel %q argument #%d is mapped on the host",
				k.def.Name, ii)
		}
	}
	l := &launch{
		def:        k.def,
		device:     q.device,
		args:       args,
		globalSize: slices.Clone(globalSize),
		localSize:  localSize,
	}
	d.stats.launches.Add(1)
	return d.submit(op, q, false, waitList, func() error {
		err := l.run()
		if err != nil {
			q.ctx.reportError(fmt.Sprintf("kernel %q failed on device %q: %v", k.def.Name, q.device.info.Name, err))
		}
		return err
	})
}

// launch is one execution of a kernel over a range.
type launch struct {
	def                   KernelDef
	device                *device
	args                  []boundArg
	globalSize, localSize []int
}

func (l *launch) run() error {
	if l.device.latency > 0 {
		time.Sleep(l.device.latency)
	}
	dims := len(l.globalSize)
	var numGroups [3]int
	totalGroups := 1
	for ii := range 3 {
		numGroups[ii] = 1
		if ii < dims {
			numGroups[ii] = l.globalSize[ii] / l.localSize[ii]
		}
		totalGroups *= numGroups[ii]
	}
	var g errgroup.Group
	g.SetLimit(l.device.info.MaxComputeUnits)
	for groupIdx := range totalGroups {
		groupID := [3]int{groupIdx % numGroups[0], (groupIdx / numGroups[0]) % numGroups[1], groupIdx / (numGroups[0] * numGroups[1])}
		g.Go(func() error { return l.runGroup(groupID, numGroups) })
	}
	if err := g.Wait(); err != nil {
		return driver.Errorf(l.def.Name, driver.OutOfResources, "%v", err)
	}
	return nil
}

// runGroup runs the work-items of one work-group sequentially. A panic in the kernel is converted to an error.
func (l *launch) runGroup(groupID, numGroups [3]int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			klog.V(1).Infof("host: kernel %q panicked: %v\n%s", l.def.Name, r, debug.Stack())
			err = errors.Errorf("kernel %q panicked in work-group %v: %v", l.def.Name, groupID[:len(l.globalSize)], r)
		}
	}()
	args := &Args{args: l.args, local: make([][]byte, len(l.args))}
	for ii, arg := range l.args {
		if arg.kind == driver.ArgLocal {
			args.local[ii] = make([]byte, arg.local)
		}
	}
	item := &WorkItem{dims: len(l.globalSize), groupID: groupID, numGroups: numGroups}
	var localSize [3]int
	for ii := range 3 {
		localSize[ii], item.globalSize[ii] = 1, 1
		if ii < item.dims {
			localSize[ii] = l.localSize[ii]
			item.globalSize[ii] = l.globalSize[ii]
		}
	}
	item.localSize = localSize
	for z := range localSize[2] {
		for y := range localSize[1] {
			for x := range localSize[0] {
				item.localID = [3]int{x, y, z}
				for ii := range 3 {
					item.globalID[ii] = groupID[ii]*localSize[ii] + item.localID[ii]
				}
				if err := l.def.Run(item, args); err != nil {
					return errors.WithMessagef(err, "kernel %q work-item %v", l.def.Name, item.globalID[:item.dims])
				}
			}
		}
	}
	return nil
}

// EnqueueWriteBuffer implements driver.Driver. If not blocking, src must not be modified until the event completes.
func (d *Driver) EnqueueWriteBuffer(queueID driver.QueueID, memID driver.MemID, blocking bool, offset int, src []byte, waitList []driver.EventID) (driver.EventID, error) {
	const op = "EnqueueWriteBuffer"
	q, m, err := d.transferTarget(op, queueID, memID, offset, len(src))
	if err != nil {
		return 0, err
	}
	return d.submit(op, q, blocking, waitList, func() error {
		copy(m.data[offset:], src)
		return nil
	})
}

// EnqueueReadBuffer implements driver.Driver. If not blocking, dst is only valid after the event completes.
func (d *Driver) EnqueueReadBuffer(queueID driver.QueueID, memID driver.MemID, blocking bool, offset int, dst []byte, waitList []driver.EventID) (driver.EventID, error) {
	const op = "EnqueueReadBuffer"
	q, m, err := d.transferTarget(op, queueID, memID, offset, len(dst))
	if err != nil {
		return 0, err
	}
	return d.submit(op, q, blocking, waitList, func() error {
		copy(dst, m.data[offset:])
		return nil
	})
}

func (d *Driver) transferTarget(op string, queueID driver.QueueID, memID driver.MemID, offset, size int) (*queue, *memObject, error) {
	q, err := lookup[*queue](d, op, uintptr(queueID), driver.InvalidCommandQueue)
	if err != nil {
		return nil, nil, err
	}
	m, err := lookup[*memObject](d, op, uintptr(memID), driver.InvalidMemObject)
	if err != nil {
		return nil, nil, err
	}
	if err := checkMem(op, q, m); err != nil {
		return nil, nil, err
	}
	if m.image != nil {
		return nil, nil, driver.Errorf(op, driver.InvalidMemObject, "memory object is an image")
	}
	if offset < 0 || size <= 0 || offset+size > len(m.data) {
		return nil, nil, driver.Errorf(op, driver.InvalidValue, "region [%d, %d) out of bounds of %d bytes",
			offset, offset+size, len(m.data))
	}
	return q, m, nil
}

// EnqueueReadImage implements driver.Driver. Only 2D regions are supported: origin[2] must be 0 and region[2] 1.
func (d *Driver) EnqueueReadImage(queueID driver.QueueID, memID driver.MemID, blocking bool, origin, region [3]int, dst []byte, waitList []driver.EventID) (driver.EventID, error) {
	const op = "EnqueueReadImage"
	q, err := lookup[*queue](d, op, uintptr(queueID), driver.InvalidCommandQueue)
	if err != nil {
		return 0, err
	}
	m, err := lookup[*memObject](d, op, uintptr(memID), driver.InvalidMemObject)
	if err != nil {
		return 0, err
	}
	if err := checkMem(op, q, m); err != nil {
		return 0, err
	}
	img := m.image
	if img == nil {
		return 0, driver.Errorf(op, driver.InvalidMemObject, "memory object is not an image")
	}
	if origin[2] != 0 || region[2] != 1 || origin[0] < 0 || origin[1] < 0 || region[0] <= 0 || region[1] <= 0 ||
		origin[0]+region[0] > img.width || origin[1]+region[1] > img.height {
		return 0, driver.Errorf(op, driver.InvalidValue, "region %v at %v out of bounds of %dx%d image",
			region, origin, img.width, img.height)
	}
	rowSize := region[0] * img.pixelSize
	if len(dst) < rowSize*region[1] {
		return 0, driver.Errorf(op, driver.InvalidValue, "destination has %d bytes, %d required", len(dst), rowSize*region[1])
	}
	return d.submit(op, q, blocking, waitList, func() error {
		for y := range region[1] {
			start := ((origin[1]+y)*img.width + origin[0]) * img.pixelSize
			copy(dst[y*rowSize:(y+1)*rowSize], m.data[start:start+rowSize])
		}
		return nil
	})
}

// EnqueueMapBuffer implements driver.Driver. The host driver maps without copying: the returned slice is a view of
// the buffer storage, and the region counts as mapped from the moment this returns.
func (d *Driver) EnqueueMapBuffer(queueID driver.QueueID, memID driver.MemID, blocking bool, flags driver.MapFlags, offset, size int, waitList []driver.EventID) ([]byte, driver.EventID, error) {
	const op = "EnqueueMapBuffer"
	if flags&(driver.MapRead|driver.MapWrite) == 0 {
		return nil, 0, driver.Errorf(op, driver.InvalidValue, "map flags must include MapRead and/or MapWrite")
	}
	q, m, err := d.transferTarget(op, queueID, memID, offset, size)
	if err != nil {
		return nil, 0, err
	}
	mapped, err := m.mapRegion(op, offset, size)
	if err != nil {
		return nil, 0, err
	}
	id, err := d.submit(op, q, blocking, waitList, func() error { return nil })
	if err != nil && id == 0 {
		_ = m.unmapRegion(op, mapped)
		return nil, 0, err
	}
	return mapped, id, err
}

// EnqueueUnmapMemObject implements driver.Driver. The region stops counting as mapped immediately, since commands
// enqueued afterwards execute after the unmap.
func (d *Driver) EnqueueUnmapMemObject(queueID driver.QueueID, memID driver.MemID, mapped []byte, waitList []driver.EventID) (driver.EventID, error) {
	const op = "EnqueueUnmapMemObject"
	q, err := lookup[*queue](d, op, uintptr(queueID), driver.InvalidCommandQueue)
	if err != nil {
		return 0, err
	}
	m, err := lookup[*memObject](d, op, uintptr(memID), driver.InvalidMemObject)
	if err != nil {
		return 0, err
	}
	if err := checkMem(op, q, m); err != nil {
		return 0, err
	}
	if err := m.unmapRegion(op, mapped); err != nil {
		return 0, err
	}
	return d.submit(op, q, false, waitList, func() error { return nil })
}
