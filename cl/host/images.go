package host

import (
	"encoding/binary"
	"math"

	"github.com/chewxy/math32"
	"github.com/gomlx/gocl/cl/driver"
)

// Sampler configures how kernels read images. Only integer (non-normalized) coordinates are supported by Image.Read,
// so the filter mode is always effectively nearest.
type Sampler struct {
	NormalizedCoords bool
	Addressing       driver.AddressingMode
	Filter           driver.FilterMode
}

type sampler struct {
	id  driver.SamplerID
	ctx *context
	Sampler
}

// CreateSampler implements driver.Driver.
func (d *Driver) CreateSampler(contextID driver.ContextID, normalizedCoords bool, addressing driver.AddressingMode, filter driver.FilterMode) (driver.SamplerID, error) {
	const op = "CreateSampler"
	c, err := lookup[*context](d, op, uintptr(contextID), driver.InvalidContext)
	if err != nil {
		return 0, err
	}
	switch addressing {
	case driver.AddressNone, driver.AddressClampToEdge, driver.AddressClamp, driver.AddressRepeat:
	default:
		return 0, driver.Errorf(op, driver.InvalidValue, "unknown addressing mode %#x", addressing)
	}
	if filter != driver.FilterNearest && filter != driver.FilterLinear {
		return 0, driver.Errorf(op, driver.InvalidValue, "unknown filter mode %#x", filter)
	}
	s := &sampler{ctx: c, Sampler: Sampler{NormalizedCoords: normalizedCoords, Addressing: addressing, Filter: filter}}
	s.id = driver.SamplerID(d.register(s))
	d.stats.samplers.Add(1)
	return s.id, nil
}

// ReleaseSampler implements driver.Driver.
func (d *Driver) ReleaseSampler(samplerID driver.SamplerID) error {
	if _, err := lookup[*sampler](d, "ReleaseSampler", uintptr(samplerID), driver.InvalidSampler); err != nil {
		return err
	}
	if d.unregister(uintptr(samplerID)) {
		d.stats.samplers.Add(-1)
	}
	return nil
}

// Image is a 2D image argument of a kernel.
type Image struct {
	imageDesc
	data []byte
}

// Width of the image in pixels.
func (img *Image) Width() int { return img.width }

// Height of the image in pixels.
func (img *Image) Height() int { return img.height }

// Read returns the pixel at (x, y) as normalized floats (RGBA), with out-of-range coordinates resolved by the sampler's
// addressing mode. Missing channels of single-channel formats read as 0, and alpha as 1.
func (img *Image) Read(s Sampler, x, y int) [4]float32 {
	var inRange bool
	x, inRange = address(s.Addressing, x, img.width)
	if !inRange {
		return img.border()
	}
	y, inRange = address(s.Addressing, y, img.height)
	if !inRange {
		return img.border()
	}
	pixel := img.data[(y*img.width+x)*img.pixelSize:][:img.pixelSize]
	color := [4]float32{0, 0, 0, 1}
	channels := 4
	if img.format.Order == driver.ChannelOrderR {
		channels = 1
	}
	for ch := range channels {
		if img.format.Type == driver.ChannelTypeUnormInt8 {
			color[ch] = float32(pixel[ch]) / 255
		} else {
			color[ch] = math.Float32frombits(binary.NativeEndian.Uint32(pixel[ch*4:]))
		}
	}
	return color
}

// Write sets the pixel at (x, y). Coordinates out of range are ignored. Normalized formats clamp to [0, 1].
func (img *Image) Write(x, y int, color [4]float32) {
	if x < 0 || x >= img.width || y < 0 || y >= img.height {
		return
	}
	pixel := img.data[(y*img.width+x)*img.pixelSize:][:img.pixelSize]
	channels := 4
	if img.format.Order == driver.ChannelOrderR {
		channels = 1
	}
	for ch := range channels {
		if img.format.Type == driver.ChannelTypeUnormInt8 {
			v := math32.Max(0, math32.Min(1, color[ch]))
			pixel[ch] = uint8(math32.Floor(v*255 + 0.5))
		} else {
			binary.NativeEndian.PutUint32(pixel[ch*4:], math.Float32bits(color[ch]))
		}
	}
}

func (img *Image) border() [4]float32 {
	if img.format.Order == driver.ChannelOrderR {
		return [4]float32{0, 0, 0, 1}
	}
	return [4]float32{}
}

// address resolves coordinate coord for a dimension of the given size. It returns false if the border color should
// be used instead.
func address(mode driver.AddressingMode, coord, size int) (int, bool) {
	if coord >= 0 && coord < size {
		return coord, true
	}
	switch mode {
	case driver.AddressClamp:
		return 0, false
	case driver.AddressRepeat:
		coord %= size
		if coord < 0 {
			coord += size
		}
		return coord, true
	}
	// AddressClampToEdge, and AddressNone, whose result is undefined.
	return min(max(coord, 0), size-1), true
}
