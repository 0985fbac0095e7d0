package cl

import (
	"fmt"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/gomlx/gocl/dtypes"
	"github.com/pkg/errors"
)

// Kernel is an instance of one entry point of a Program, with its arguments.
//
// Arguments are captured when the kernel is enqueued, so they can be changed afterward for the next launch.
// A Kernel must not be used concurrently from several goroutines.
type Kernel struct {
	program *Program
	id      driver.KernelID
	name    string
	numArgs int
	guard   *Guard
}

// LocalMemory is a kernel argument requesting that many bytes of work-group local memory.
type LocalMemory int

// NewKernel creates an instance of the kernel entry point name of the program.
func (p *Program) NewKernel(name string) (*Kernel, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	drv := p.ctx.rt.drv
	id, err := drv.CreateKernel(p.id, name)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create kernel %q from %s", name, p)
	}
	k := &Kernel{program: p, id: id, name: name}
	k.guard = p.ctx.track(RankKernel, fmt.Sprintf("kernel #%d %q", id, name), func() error {
		return drv.ReleaseKernel(id)
	})
	k.numArgs, err = drv.KernelNumArgs(id)
	if err != nil {
		_ = k.Destroy()
		return nil, errors.WithMessagef(err, "failed to query kernel %q", name)
	}
	return k, nil
}

// Name of the kernel entry point.
func (k *Kernel) Name() string { return k.name }

// Program of the kernel.
func (k *Kernel) Program() *Program { return k.program }

// NumArgs returns the number of arguments of the kernel.
func (k *Kernel) NumArgs() int { return k.numArgs }

// String implements fmt.Stringer.
func (k *Kernel) String() string {
	return fmt.Sprintf("kernel #%d %q", k.id, k.name)
}

func (k *Kernel) check() error {
	if k == nil || k.guard.Released() {
		return errors.Wrap(ErrDestroyed, "cl.Kernel")
	}
	return k.program.ctx.check()
}

// Destroy releases the kernel. It is idempotent.
func (k *Kernel) Destroy() error {
	if k == nil {
		return nil
	}
	return k.guard.Release()
}

// SetArg sets the argument at index. value can be a *Buffer, an *Image2D, a *Sampler, a LocalMemory size, or a
// scalar of any type supported by dtypes (e.g. int32, float32).
func (k *Kernel) SetArg(index int, value any) error {
	if err := k.check(); err != nil {
		return err
	}
	ctx := k.program.ctx
	var arg driver.KernelArg
	switch v := value.(type) {
	case *Buffer:
		if err := v.check(); err != nil {
			return err
		}
		if v.ctx != ctx {
			return errors.Errorf("%s argument #%d: %s belongs to another context", k, index, v)
		}
		arg = driver.KernelArg{Kind: driver.ArgMem, Mem: v.id}
	case *Image2D:
		if err := v.check(); err != nil {
			return err
		}
		if v.ctx != ctx {
			return errors.Errorf("%s argument #%d: %s belongs to another context", k, index, v)
		}
		arg = driver.KernelArg{Kind: driver.ArgMem, Mem: v.id}
	case *Sampler:
		if err := v.check(); err != nil {
			return err
		}
		if v.ctx != ctx {
			return errors.Errorf("%s argument #%d: sampler belongs to another context", k, index)
		}
		arg = driver.KernelArg{Kind: driver.ArgSampler, Sampler: v.id}
	case LocalMemory:
		arg = driver.KernelArg{Kind: driver.ArgLocal, Size: int(v)}
	default:
		raw, _, err := dtypes.ScalarToBytes(value)
		if err != nil {
			return errors.WithMessagef(err, "%s argument #%d", k, index)
		}
		arg = driver.KernelArg{Kind: driver.ArgScalar, Value: raw}
	}
	return errors.WithMessagef(ctx.rt.drv.SetKernelArg(k.id, index, arg), "%s argument #%d", k, index)
}

// SetArgs sets all arguments, in order. See SetArg for the accepted values.
func (k *Kernel) SetArgs(values ...any) error {
	if len(values) != k.numArgs {
		return errors.Errorf("%s takes %d arguments, %d given", k, k.numArgs, len(values))
	}
	for ii, value := range values {
		if err := k.SetArg(ii, value); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueKernel enqueues a launch of the kernel over globalSize work-items (1 to 3 dimensions), in work-groups of
// localSize, after the waitFor events complete. If localSize is nil the driver picks it.
//
// It returns the event that completes when all work-items have executed.
func (q *Queue) EnqueueKernel(k *Kernel, globalSize, localSize []int, waitFor ...*Event) (*Event, error) {
	if err := q.check(); err != nil {
		return nil, err
	}
	if err := k.check(); err != nil {
		return nil, err
	}
	if err := q.checkSameContext(k.String(), k.program.ctx); err != nil {
		return nil, err
	}
	waitList, err := eventIDs(waitFor)
	if err != nil {
		return nil, err
	}
	id, err := q.ctx.rt.drv.EnqueueNDRangeKernel(q.id, k.id, globalSize, localSize, waitList)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: failed to enqueue %s over %v", q, k, globalSize)
	}
	return newEvent(q.ctx, id, fmt.Sprintf("%s on %q", k.name, q.device.Name())), nil
}

// RoundUp returns globalSize rounded up to a multiple of groupSize.
func RoundUp(groupSize, globalSize int) int {
	if groupSize <= 0 {
		return globalSize
	}
	if r := globalSize % groupSize; r != 0 {
		return globalSize + groupSize - r
	}
	return globalSize
}
