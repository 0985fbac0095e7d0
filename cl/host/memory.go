package host

import (
	"fmt"
	"slices"
	"sync"
	"unsafe"

	"github.com/gomlx/gocl/cl/driver"
	"k8s.io/klog/v2"
)

// BufferAlignment is the default alignment of memory objects, and the default required alignment of
// sub-buffer origins (DeviceInfo.MemBaseAddrAlign).
const BufferAlignment = 64

// alignedAlloc returns a zeroed slice of size bytes, whose first element is aligned to alignment.
// It assumes alignment is a multiple of 8.
//
// It allocates extra and slices at the first aligned position. The Go garbage collector doesn't move heap
// objects, so the alignment holds for the lifetime of the slice.
func alignedAlloc(size, alignment int) []byte {
	if alignment < 8 || alignment%8 != 0 {
		panic(fmt.Sprintf("alignedAlloc: alignment must be a multiple of 8, got %d", alignment))
	}
	raw := make([]byte, size+alignment)
	offset := int(uintptr(unsafe.Pointer(unsafe.SliceData(raw))) % uintptr(alignment))
	if offset != 0 {
		offset = alignment - offset
	}
	return raw[offset : offset+size : offset+size]
}

type span struct{ start, end int }

func (s span) overlaps(other span) bool {
	return s.start < other.end && other.start < s.end
}

type imageDesc struct {
	format        driver.ImageFormat
	width, height int
	pixelSize     int
}

type memObject struct {
	id    driver.MemID
	ctx   *context
	flags driver.MemFlags
	data  []byte

	// parent is set for sub-buffers, whose data is parent.data[origin:origin+len(data)].
	parent *memObject
	origin int

	// image is set for images.
	image *imageDesc

	// Only used on root objects (parent == nil).
	mu       sync.Mutex
	mappings []span
	children int
}

// root returns the object owning the storage, and the absolute span of m within it.
func (m *memObject) root() (*memObject, span) {
	if m.parent == nil {
		return m, span{0, len(m.data)}
	}
	return m.parent, span{m.origin, m.origin + len(m.data)}
}

// isMapped returns whether any part of m is currently mapped on the host.
func (m *memObject) isMapped() bool {
	root, s := m.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	for _, mapped := range root.mappings {
		if mapped.overlaps(s) {
			return true
		}
	}
	return false
}

// deviceAlign returns whether origin is aligned for at least one device of the context.
func (c *context) deviceAlign(origin int) (aligned bool, alignments []int) {
	for _, dev := range c.devices {
		align := dev.info.MemBaseAddrAlign
		alignments = append(alignments, align)
		if origin%align == 0 {
			aligned = true
		}
	}
	return
}

// maxAlloc returns the smallest GlobalMemSize of the context devices.
func (c *context) maxAlloc() uint64 {
	smallest := c.devices[0].info.GlobalMemSize
	for _, dev := range c.devices[1:] {
		smallest = min(smallest, dev.info.GlobalMemSize)
	}
	return smallest
}

func (d *Driver) newMemObject(op string, c *context, flags driver.MemFlags, size int, host []byte) (*memObject, error) {
	if size <= 0 || uint64(size) > c.maxAlloc() {
		return nil, driver.Errorf(op, driver.InvalidBufferSize, "invalid size %d bytes (device memory is %d bytes)",
			size, c.maxAlloc())
	}
	if flags&(driver.MemReadOnly|driver.MemWriteOnly) == driver.MemReadOnly|driver.MemWriteOnly {
		return nil, driver.Errorf(op, driver.InvalidValue, "memory flags can't be both read-only and write-only")
	}
	m := &memObject{ctx: c, flags: flags}
	switch {
	case flags&(driver.MemUseHostPtr|driver.MemCopyHostPtr) == driver.MemUseHostPtr|driver.MemCopyHostPtr:
		return nil, driver.Errorf(op, driver.InvalidValue, "MemUseHostPtr and MemCopyHostPtr are mutually exclusive")
	case flags&(driver.MemUseHostPtr|driver.MemCopyHostPtr) != 0:
		if len(host) < size {
			return nil, driver.Errorf(op, driver.InvalidHostPtr, "host memory has %d bytes, %d required", len(host), size)
		}
		if flags&driver.MemUseHostPtr != 0 {
			m.data = host[:size:size]
		} else {
			m.data = alignedAlloc(size, BufferAlignment)
			copy(m.data, host)
		}
	default:
		if host != nil {
			return nil, driver.Errorf(op, driver.InvalidHostPtr, "host memory given without MemUseHostPtr or MemCopyHostPtr")
		}
		m.data = alignedAlloc(size, BufferAlignment)
	}
	return m, nil
}

// CreateBuffer implements driver.Driver.
func (d *Driver) CreateBuffer(contextID driver.ContextID, flags driver.MemFlags, size int, host []byte) (driver.MemID, error) {
	const op = "CreateBuffer"
	c, err := lookup[*context](d, op, uintptr(contextID), driver.InvalidContext)
	if err != nil {
		return 0, err
	}
	m, err := d.newMemObject(op, c, flags, size, host)
	if err != nil {
		return 0, err
	}
	m.id = driver.MemID(d.register(m))
	d.stats.memObjects.Add(1)
	return m.id, nil
}

// CreateSubBuffer implements driver.Driver. If flags is 0, the parent's flags are inherited.
func (d *Driver) CreateSubBuffer(parentID driver.MemID, flags driver.MemFlags, origin, size int) (driver.MemID, error) {
	const op = "CreateSubBuffer"
	parent, err := lookup[*memObject](d, op, uintptr(parentID), driver.InvalidMemObject)
	if err != nil {
		return 0, err
	}
	if parent.parent != nil || parent.image != nil {
		return 0, driver.Errorf(op, driver.InvalidMemObject, "sub-buffers can only be created from a buffer")
	}
	if size <= 0 {
		return 0, driver.Errorf(op, driver.InvalidBufferSize, "invalid sub-buffer size %d", size)
	}
	if origin < 0 || origin+size > len(parent.data) {
		return 0, driver.Errorf(op, driver.InvalidValue, "region [%d, %d) out of bounds of a %d bytes buffer",
			origin, origin+size, len(parent.data))
	}
	if aligned, alignments := parent.ctx.deviceAlign(origin); !aligned {
		return 0, driver.Errorf(op, driver.MisalignedSubBufferOffset,
			"origin %d not aligned to the base address alignment of any device (%v)", origin, alignments)
	}
	if flags == 0 {
		flags = parent.flags &^ (driver.MemUseHostPtr | driver.MemCopyHostPtr | driver.MemAllocHostPtr)
	} else if flags&(driver.MemUseHostPtr|driver.MemCopyHostPtr|driver.MemAllocHostPtr) != 0 {
		return 0, driver.Errorf(op, driver.InvalidValue, "host pointer flags not allowed for sub-buffers")
	}
	sub := &memObject{
		ctx:    parent.ctx,
		flags:  flags,
		data:   parent.data[origin : origin+size : origin+size],
		parent: parent,
		origin: origin,
	}
	parent.mu.Lock()
	parent.children++
	parent.mu.Unlock()
	sub.id = driver.MemID(d.register(sub))
	d.stats.memObjects.Add(1)
	d.stats.subBuffersCreated.Add(1)
	return sub.id, nil
}

// pixelSize returns the number of bytes per pixel of the format, or 0 if it is not supported.
func pixelSize(format driver.ImageFormat) int {
	var channels, channelSize int
	switch format.Order {
	case driver.ChannelOrderR:
		channels = 1
	case driver.ChannelOrderRGBA:
		channels = 4
	}
	switch format.Type {
	case driver.ChannelTypeUnormInt8:
		channelSize = 1
	case driver.ChannelTypeFloat:
		channelSize = 4
	}
	return channels * channelSize
}

// CreateImage2D implements driver.Driver.
func (d *Driver) CreateImage2D(contextID driver.ContextID, flags driver.MemFlags, format driver.ImageFormat, width, height int, host []byte) (driver.MemID, error) {
	const op = "CreateImage2D"
	c, err := lookup[*context](d, op, uintptr(contextID), driver.InvalidContext)
	if err != nil {
		return 0, err
	}
	if !slices.ContainsFunc(c.devices, func(dev *device) bool { return dev.info.ImageSupport }) {
		return 0, driver.Errorf(op, driver.InvalidOperation, "no device in the context supports images")
	}
	pSize := pixelSize(format)
	if pSize == 0 {
		return 0, driver.Errorf(op, driver.ImageFormatNotSupported, "format %#x/%#x", format.Order, format.Type)
	}
	if width <= 0 || height <= 0 {
		return 0, driver.Errorf(op, driver.InvalidImageSize, "invalid image size %dx%d", width, height)
	}
	m, err := d.newMemObject(op, c, flags, width*height*pSize, host)
	if err != nil {
		return 0, err
	}
	m.image = &imageDesc{format: format, width: width, height: height, pixelSize: pSize}
	m.id = driver.MemID(d.register(m))
	d.stats.memObjects.Add(1)
	return m.id, nil
}

// ReleaseMemObject implements driver.Driver.
func (d *Driver) ReleaseMemObject(memID driver.MemID) error {
	m, err := lookup[*memObject](d, "ReleaseMemObject", uintptr(memID), driver.InvalidMemObject)
	if err != nil {
		return err
	}
	if !d.unregister(uintptr(memID)) {
		return nil
	}
	d.stats.memObjects.Add(-1)
	if m.parent != nil {
		m.parent.mu.Lock()
		m.parent.children--
		m.parent.mu.Unlock()
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.children > 0 {
		// The storage stays alive while the sub-buffers reference it.
		klog.Warningf("host: buffer #%d released before its %d sub-buffer(s)", memID, m.children)
	}
	if len(m.mappings) > 0 {
		klog.Warningf("host: buffer #%d released while still mapped", memID)
	}
	return nil
}

// mapRegion records the span of m at [offset, offset+size) as mapped and returns a view of it.
func (m *memObject) mapRegion(op string, offset, size int) ([]byte, error) {
	if offset < 0 || size <= 0 || offset+size > len(m.data) {
		return nil, driver.Errorf(op, driver.InvalidValue, "map region [%d, %d) out of bounds of %d bytes",
			offset, offset+size, len(m.data))
	}
	root, s := m.root()
	s = span{s.start + offset, s.start + offset + size}
	root.mu.Lock()
	defer root.mu.Unlock()
	root.mappings = append(root.mappings, s)
	return m.data[offset : offset+size : offset+size], nil
}

// unmapRegion removes the mapping that returned mapped.
func (m *memObject) unmapRegion(op string, mapped []byte) error {
	if len(mapped) == 0 {
		return driver.Errorf(op, driver.InvalidValue, "empty mapped region")
	}
	offset := int(uintptr(unsafe.Pointer(unsafe.SliceData(mapped))) - uintptr(unsafe.Pointer(unsafe.SliceData(m.data))))
	if offset < 0 || offset+len(mapped) > len(m.data) {
		return driver.Errorf(op, driver.InvalidValue, "mapped region doesn't belong to the memory object")
	}
	root, s := m.root()
	s = span{s.start + offset, s.start + offset + len(mapped)}
	root.mu.Lock()
	defer root.mu.Unlock()
	idx := slices.Index(root.mappings, s)
	if idx < 0 {
		return driver.Errorf(op, driver.InvalidValue, "region [%d, %d) is not mapped", s.start, s.end)
	}
	root.mappings = slices.Delete(root.mappings, idx, idx+1)
	return nil
}
