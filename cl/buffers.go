package cl

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gocl/cl/driver"
	"github.com/gomlx/gocl/dtypes"
	"github.com/pkg/errors"
)

// MemFlags configure buffers and images: access from the kernels and initialization from host memory.
type MemFlags = driver.MemFlags

const (
	MemReadWrite   = driver.MemReadWrite
	MemWriteOnly   = driver.MemWriteOnly
	MemReadOnly    = driver.MemReadOnly
	MemUseHostPtr  = driver.MemUseHostPtr
	MemCopyHostPtr = driver.MemCopyHostPtr
)

// Buffer is a contiguous memory region owned by a Context, or a sub-buffer: a view of a region of a parent Buffer,
// sharing its storage.
type Buffer struct {
	ctx    *Context
	id     driver.MemID
	flags  MemFlags
	size   int
	parent *Buffer
	origin int
	guard  *Guard
}

var buffersAlive atomic.Int64

// BuffersAlive returns the number of Buffers (including sub-buffers) created and not yet destroyed.
// Used for testing.
func BuffersAlive() int64 {
	return buffersAlive.Load()
}

func newBuffer(ctx *Context, id driver.MemID, flags MemFlags, size int, parent *Buffer, origin int) *Buffer {
	drv := ctx.rt.drv
	b := &Buffer{ctx: ctx, id: id, flags: flags, size: size, parent: parent, origin: origin}
	buffersAlive.Add(1)
	b.guard = ctx.track(RankMemory, b.String(), func() error {
		buffersAlive.Add(-1)
		return drv.ReleaseMemObject(id)
	})
	return b
}

// NewBuffer allocates a buffer of size bytes on the context.
// If flags has MemCopyHostPtr, NewBufferFromSlice or NewBufferFromBytes must be used instead.
func (ctx *Context) NewBuffer(flags MemFlags, size int) (*Buffer, error) {
	return ctx.NewBufferFromBytes(flags, size, nil)
}

// NewBufferFromBytes allocates a buffer of size bytes, initialized with host if flags has MemCopyHostPtr.
func (ctx *Context) NewBufferFromBytes(flags MemFlags, size int, host []byte) (*Buffer, error) {
	if err := ctx.check(); err != nil {
		return nil, err
	}
	if flags == 0 {
		flags = MemReadWrite
	}
	id, err := ctx.rt.drv.CreateBuffer(ctx.id, flags, size, host)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create buffer of %s on %s", humanize.IBytes(uint64(max(size, 0))), ctx)
	}
	return newBuffer(ctx, id, flags, size, nil, 0), nil
}

// NewBufferFromSlice allocates a buffer with a copy of data. MemCopyHostPtr is added to flags.
func NewBufferFromSlice[T dtypes.Supported](ctx *Context, flags MemFlags, data []T) (*Buffer, error) {
	raw := dtypes.FlatToBytes(data)
	if len(raw) == 0 {
		return nil, errors.New("cl.NewBufferFromSlice given an empty slice")
	}
	if flags&(MemReadWrite|MemReadOnly|MemWriteOnly) == 0 {
		flags |= MemReadWrite
	}
	return ctx.NewBufferFromBytes(flags|MemCopyHostPtr, len(raw), raw)
}

// SubBuffer creates a view of the region [origin, origin+size) of b. The origin must be a multiple of the
// base address alignment of the devices (see Device.MemBaseAddrAlign). If flags is 0, the flags of b are used.
//
// The sub-buffer shares the storage of b, and must be destroyed before it (the Janitor takes care of that order).
func (b *Buffer) SubBuffer(flags MemFlags, origin, size int) (*Buffer, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if b.parent != nil {
		return nil, errors.Errorf("cl.Buffer.SubBuffer: %s is already a sub-buffer", b)
	}
	id, err := b.ctx.rt.drv.CreateSubBuffer(b.id, flags, origin, size)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create sub-buffer [%d, %d) of %s", origin, origin+size, b)
	}
	if flags == 0 {
		flags = b.flags &^ (MemCopyHostPtr | MemUseHostPtr)
	}
	return newBuffer(b.ctx, id, flags, size, b, origin), nil
}

// Context of the buffer.
func (b *Buffer) Context() *Context { return b.ctx }

// Size of the buffer in bytes.
func (b *Buffer) Size() int { return b.size }

// Flags the buffer was created with.
func (b *Buffer) Flags() MemFlags { return b.flags }

// Parent returns the buffer b is a view of, or nil if b is not a sub-buffer.
func (b *Buffer) Parent() *Buffer { return b.parent }

// Origin of a sub-buffer within its parent, in bytes. It is 0 for a base buffer.
func (b *Buffer) Origin() int { return b.origin }

// IsSubBuffer returns whether b is a view of another buffer.
func (b *Buffer) IsSubBuffer() bool { return b.parent != nil }

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	if b.parent != nil {
		return fmt.Sprintf("sub-buffer #%d [%d, %d) of buffer #%d", b.id, b.origin, b.origin+b.size, b.parent.id)
	}
	return fmt.Sprintf("buffer #%d (%s)", b.id, humanize.IBytes(uint64(b.size)))
}

func (b *Buffer) check() error {
	if b == nil || b.guard.Released() {
		return errors.Wrap(ErrDestroyed, "cl.Buffer")
	}
	return b.ctx.check()
}

// Destroy releases the buffer. It is idempotent.
func (b *Buffer) Destroy() error {
	if b == nil {
		return nil
	}
	return b.guard.Release()
}
