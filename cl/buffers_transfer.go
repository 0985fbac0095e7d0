package cl

import (
	"fmt"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/gomlx/gocl/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EnqueueWrite enqueues a copy of src to b at offset (in bytes), after the waitFor events complete.
// src must not be changed until the returned event completes.
func (q *Queue) EnqueueWrite(b *Buffer, offset int, src []byte, waitFor ...*Event) (*Event, error) {
	return q.write(b, offset, src, false, waitFor)
}

// Write copies src to b at offset (in bytes), and waits for the copy to complete.
func (q *Queue) Write(b *Buffer, offset int, src []byte) error {
	_, err := q.write(b, offset, src, true, nil)
	return err
}

func (q *Queue) write(b *Buffer, offset int, src []byte, blocking bool, waitFor []*Event) (*Event, error) {
	if err := q.checkTransfer(b); err != nil {
		return nil, err
	}
	waitList, err := eventIDs(waitFor)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("write %d bytes to %s", len(src), b)
	id, err := q.ctx.rt.drv.EnqueueWriteBuffer(q.id, b.id, blocking, offset, src, waitList)
	e := q.enqueued(id, name, blocking)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: failed to %s", q, name)
	}
	return e, nil
}

// EnqueueRead enqueues a copy of b, from offset (in bytes), to dst, after the waitFor events complete.
// dst is only valid after the returned event completes.
func (q *Queue) EnqueueRead(b *Buffer, offset int, dst []byte, waitFor ...*Event) (*Event, error) {
	return q.read(b, offset, dst, false, waitFor)
}

// Read copies b, from offset (in bytes), to dst, and waits for the copy to complete.
func (q *Queue) Read(b *Buffer, offset int, dst []byte) error {
	_, err := q.read(b, offset, dst, true, nil)
	return err
}

func (q *Queue) read(b *Buffer, offset int, dst []byte, blocking bool, waitFor []*Event) (*Event, error) {
	if err := q.checkTransfer(b); err != nil {
		return nil, err
	}
	waitList, err := eventIDs(waitFor)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("read %d bytes from %s", len(dst), b)
	id, err := q.ctx.rt.drv.EnqueueReadBuffer(q.id, b.id, blocking, offset, dst, waitList)
	e := q.enqueued(id, name, blocking)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: failed to %s", q, name)
	}
	return e, nil
}

func (q *Queue) checkTransfer(b *Buffer) error {
	if err := q.check(); err != nil {
		return err
	}
	if err := b.check(); err != nil {
		return err
	}
	return q.checkSameContext(b.String(), b.ctx)
}

// WriteSlice copies data to the buffer, starting at element offset, and waits for the copy to complete.
func WriteSlice[T dtypes.Supported](q *Queue, b *Buffer, offset int, data []T) error {
	dtype := dtypes.FromGenericsType[T]()
	return q.Write(b, offset*dtype.Size(), dtypes.FlatToBytes(data))
}

// ReadSlice reads n elements of the buffer, starting at element offset, and waits for the copy to complete.
// If n < 0, it reads up to the end of the buffer.
func ReadSlice[T dtypes.Supported](q *Queue, b *Buffer, offset, n int) ([]T, error) {
	dtype := dtypes.FromGenericsType[T]()
	if n < 0 {
		n = b.Size()/dtype.Size() - offset
	}
	if n <= 0 {
		return nil, errors.Errorf("cl.ReadSlice[%s]: nothing to read from element %d of %s", dtype, offset, b)
	}
	data := make([]T, n)
	if err := q.Read(b, offset*dtype.Size(), dtypes.FlatToBytes(data)); err != nil {
		return nil, err
	}
	return data, nil
}

// MapFlags configure Buffer.Map.
type MapFlags = driver.MapFlags

const (
	MapRead  = driver.MapRead
	MapWrite = driver.MapWrite
)

// Mapping is a buffer mapped into host memory, an alternative to Queue.Read and Queue.Write for moving data.
//
// The buffer must not be used by a kernel while mapped: call Unmap before enqueuing any kernel that uses it.
// Launching a kernel on a mapped buffer fails.
type Mapping struct {
	buffer *Buffer
	queue  *Queue
	data   []byte
	guard  *Guard
}

// Map blocks until the whole buffer is mapped into host memory, using the queue q.
func (b *Buffer) Map(q *Queue, flags MapFlags) (*Mapping, error) {
	if err := q.checkTransfer(b); err != nil {
		return nil, err
	}
	drv := q.ctx.rt.drv
	data, eventID, err := drv.EnqueueMapBuffer(q.id, b.id, true, flags, 0, b.size, nil)
	q.enqueued(eventID, "map", true)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to map %s", b)
	}
	queueID, memID := q.id, b.id
	m := &Mapping{buffer: b, queue: q, data: data}
	m.guard = q.ctx.track(RankMapping, fmt.Sprintf("mapping of %s", b), func() error {
		unmapEvent, err := drv.EnqueueUnmapMemObject(queueID, memID, data, nil)
		if err != nil {
			return err
		}
		err = drv.WaitForEvents([]driver.EventID{unmapEvent})
		if releaseErr := drv.ReleaseEvent(unmapEvent); releaseErr != nil {
			klog.Errorf("failed to release unmap event: %v", releaseErr)
		}
		return err
	})
	return m, nil
}

// Bytes returns the mapped memory. It is only valid until Unmap is called.
func (m *Mapping) Bytes() []byte { return m.data }

// Buffer that is mapped.
func (m *Mapping) Buffer() *Buffer { return m.buffer }

// Unmap the buffer and wait for the unmapping to complete. The memory returned by Bytes must no longer be used.
// It is idempotent.
func (m *Mapping) Unmap() error {
	if m == nil {
		return nil
	}
	err := m.guard.Release()
	m.data = nil
	return err
}

// MappingAs returns the mapped memory as a slice of T. It is only valid until Unmap is called.
func MappingAs[T dtypes.Supported](m *Mapping) []T {
	return dtypes.BytesToFlat[T](m.data)
}
