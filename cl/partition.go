package cl

import (
	"fmt"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Span is a region [Offset, Offset+Size) of a buffer, in bytes.
type Span struct {
	Offset, Size int
}

// End of the span, exclusive.
func (s Span) End() int { return s.Offset + s.Size }

// String implements fmt.Stringer.
func (s Span) String() string { return fmt.Sprintf("[%d, %d)", s.Offset, s.End()) }

// Spans splits [0, total) into n equal, contiguous and disjoint spans.
// It returns an *InvalidPartitionError if total is not divisible by n.
func Spans(total, n int) ([]Span, error) {
	if n <= 0 {
		return nil, &InvalidPartitionError{TotalSize: total, Count: n, Reason: "the number of regions must be positive"}
	}
	if total <= 0 {
		return nil, &InvalidPartitionError{TotalSize: total, Count: n, Reason: "the size must be positive"}
	}
	if total%n != 0 {
		return nil, &InvalidPartitionError{TotalSize: total, Count: n,
			Reason: fmt.Sprintf("the size is not divisible by the number of regions (remainder %d)", total%n)}
	}
	size := total / n
	spans := make([]Span, n)
	for ii := range spans {
		spans[ii] = Span{Offset: ii * size, Size: size}
	}
	return spans, nil
}

// Regions is the partition of a base buffer into one region per device.
//
// The region of device 0 is the base buffer itself, used whole; the regions of devices 1..N-1 are sub-buffers of
// their span. Code that needs "the buffer of device i" should use ForDevice, which handles that asymmetry.
type Regions struct {
	base  *Buffer
	spans []Span

	// subs[0] is always nil.
	subs []*Buffer
}

// Partition splits base into n regions of equal size, one per device. See Regions.
//
// With n == 1 no sub-buffer is created. If base can't be split evenly, or the driver rejects the origin of a
// sub-buffer because it is not aligned to the devices' base address alignment, it returns an *InvalidPartitionError
// and no sub-buffer is left allocated.
func Partition(base *Buffer, n int) (*Regions, error) {
	if err := base.check(); err != nil {
		return nil, err
	}
	if base.IsSubBuffer() {
		return nil, errors.Errorf("cl.Partition: %s is a sub-buffer, only base buffers can be partitioned", base)
	}
	spans, err := Spans(base.Size(), n)
	if err != nil {
		return nil, err
	}
	r := &Regions{base: base, spans: spans, subs: make([]*Buffer, n)}
	for ii := 1; ii < n; ii++ {
		sub, err := base.SubBuffer(0, spans[ii].Offset, spans[ii].Size)
		if err != nil {
			if destroyErr := r.Destroy(); destroyErr != nil {
				klog.Errorf("failed to release the sub-buffers of a failed partition: %+v", destroyErr)
			}
			if status := StatusOf(err); status == driver.MisalignedSubBufferOffset || status == driver.InvalidValue {
				return nil, &InvalidPartitionError{TotalSize: base.Size(), Count: n,
					Reason: fmt.Sprintf("region #%d %s rejected", ii, spans[ii]), Err: err}
			}
			return nil, err
		}
		r.subs[ii] = sub
	}
	return r, nil
}

// Len returns the number of regions.
func (r *Regions) Len() int { return len(r.spans) }

// Base buffer that was partitioned.
func (r *Regions) Base() *Buffer { return r.base }

// Span of the region of device i within the base buffer. Notice for device 0 the buffer used is the whole base,
// but it is only meant to work on this span.
func (r *Regions) Span(i int) Span { return r.spans[i] }

// ForDevice returns the buffer of device i: the base buffer itself for i == 0, and a sub-buffer otherwise.
func (r *Regions) ForDevice(i int) *Buffer {
	if i == 0 {
		return r.base
	}
	return r.subs[i]
}

// Buffers returns the buffer of each device, see ForDevice.
func (r *Regions) Buffers() []*Buffer {
	buffers := make([]*Buffer, r.Len())
	for ii := range buffers {
		buffers[ii] = r.ForDevice(ii)
	}
	return buffers
}

// Destroy releases the sub-buffers, in reverse order of creation. The base buffer is not destroyed.
// It is idempotent.
func (r *Regions) Destroy() error {
	var firstErr error
	for ii := len(r.subs) - 1; ii > 0; ii-- {
		if r.subs[ii] == nil {
			continue
		}
		if err := r.subs[ii].Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
