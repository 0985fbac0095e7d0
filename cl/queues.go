package cl

import (
	"fmt"
	"slices"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Queue is an in-order command queue bound to one device of a Context.
//
// Commands are executed in the order they were enqueued, concurrently with the host and with the queues of other
// devices.
type Queue struct {
	ctx    *Context
	device *Device
	id     driver.QueueID
	guard  *Guard
}

// NewQueue creates a command queue for the device, which must be part of the context.
func (ctx *Context) NewQueue(device *Device) (*Queue, error) {
	if err := ctx.check(); err != nil {
		return nil, err
	}
	if !slices.Contains(ctx.devices, device) {
		return nil, errors.Errorf("%s is not part of %s", device, ctx)
	}
	drv := ctx.rt.drv
	id, err := drv.CreateCommandQueue(ctx.id, device.id)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create command queue for %s", device)
	}
	q := &Queue{ctx: ctx, device: device, id: id}
	q.guard = ctx.track(RankQueue, fmt.Sprintf("queue #%d on %q", id, device.Name()), func() error {
		// Drains outstanding commands before releasing.
		if err := drv.Finish(id); err != nil {
			klog.Warningf("failed to finish queue #%d before releasing it: %v", id, err)
		}
		return drv.ReleaseCommandQueue(id)
	})
	return q, nil
}

// Context of the queue.
func (q *Queue) Context() *Context { return q.ctx }

// Device of the queue.
func (q *Queue) Device() *Device { return q.device }

// String implements fmt.Stringer.
func (q *Queue) String() string {
	return fmt.Sprintf("queue #%d on %q", q.id, q.device.Name())
}

func (q *Queue) check() error {
	if q == nil || q.guard.Released() {
		return errors.Wrap(ErrDestroyed, "cl.Queue")
	}
	return q.ctx.check()
}

// Finish blocks until every command enqueued so far has completed.
func (q *Queue) Finish() error {
	if q == nil || q.guard.Released() {
		return errors.Wrap(ErrDestroyed, "cl.Queue")
	}
	return errors.WithMessagef(q.ctx.rt.drv.Finish(q.id), "%s", q)
}

// Destroy waits for outstanding commands and releases the queue. It is idempotent.
func (q *Queue) Destroy() error {
	if q == nil {
		return nil
	}
	return q.guard.Release()
}

// checkSameContext returns an error if the object of the given context can't be used with the queue.
func (q *Queue) checkSameContext(what string, ctx *Context) error {
	if ctx != q.ctx {
		return errors.Errorf("%s belongs to %s, but %s belongs to %s", what, ctx, q, q.ctx)
	}
	return nil
}
