package cl

import (
	"fmt"
	"slices"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/pkg/errors"
)

// ImageFormat of a 2D image.
type ImageFormat = driver.ImageFormat

// FormatRGBA8 is 4 channels (red, green, blue, alpha) of 8 bits, normalized to [0, 1] when read by kernels.
var FormatRGBA8 = ImageFormat{Order: driver.ChannelOrderRGBA, Type: driver.ChannelTypeUnormInt8}

// Image2D is a 2D image owned by a Context, read by kernels through a Sampler.
type Image2D struct {
	ctx           *Context
	id            driver.MemID
	format        ImageFormat
	width, height int
	pixelSize     int
	guard         *Guard
}

// pixelSize of the formats supported by Image2D.
func pixelSize(format ImageFormat) (int, error) {
	var channels int
	switch format.Order {
	case driver.ChannelOrderR:
		channels = 1
	case driver.ChannelOrderRGBA:
		channels = 4
	default:
		return 0, errors.Errorf("unsupported image channel order %#x", format.Order)
	}
	switch format.Type {
	case driver.ChannelTypeUnormInt8:
		return channels, nil
	case driver.ChannelTypeFloat:
		return channels * 4, nil
	}
	return 0, errors.Errorf("unsupported image channel type %#x", format.Type)
}

// NewImage2D creates an image of width x height pixels. If pixels is given, flags must include MemCopyHostPtr (it is
// added if missing) and pixels must hold width*height pixels in the format.
//
// It fails if none of the devices of the context supports images: see Device.ImageSupport.
func (ctx *Context) NewImage2D(flags MemFlags, format ImageFormat, width, height int, pixels []byte) (*Image2D, error) {
	if err := ctx.check(); err != nil {
		return nil, err
	}
	if !slices.ContainsFunc(ctx.devices, (*Device).ImageSupport) {
		return nil, errors.Errorf("no device of %s supports images", ctx)
	}
	pSize, err := pixelSize(format)
	if err != nil {
		return nil, err
	}
	if pixels != nil {
		if len(pixels) != width*height*pSize {
			return nil, errors.Errorf("cl.NewImage2D: %dx%d image needs %d bytes of pixels, got %d",
				width, height, width*height*pSize, len(pixels))
		}
		flags |= MemCopyHostPtr
	}
	if flags&(MemReadWrite|MemReadOnly|MemWriteOnly) == 0 {
		flags |= MemReadWrite
	}
	drv := ctx.rt.drv
	id, err := drv.CreateImage2D(ctx.id, flags, format, width, height, pixels)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create %dx%d image on %s", width, height, ctx)
	}
	img := &Image2D{ctx: ctx, id: id, format: format, width: width, height: height, pixelSize: pSize}
	img.guard = ctx.track(RankMemory, img.String(), func() error {
		return drv.ReleaseMemObject(id)
	})
	return img, nil
}

// Width of the image in pixels.
func (img *Image2D) Width() int { return img.width }

// Height of the image in pixels.
func (img *Image2D) Height() int { return img.height }

// Format of the pixels.
func (img *Image2D) Format() ImageFormat { return img.format }

// String implements fmt.Stringer.
func (img *Image2D) String() string {
	return fmt.Sprintf("image #%d (%dx%d)", img.id, img.width, img.height)
}

func (img *Image2D) check() error {
	if img == nil || img.guard.Released() {
		return errors.Wrap(ErrDestroyed, "cl.Image2D")
	}
	return img.ctx.check()
}

// Destroy releases the image. It is idempotent.
func (img *Image2D) Destroy() error {
	if img == nil {
		return nil
	}
	return img.guard.Release()
}

// ReadImage copies the whole image to dst, which must hold Width*Height pixels, and waits for the copy to complete.
func (q *Queue) ReadImage(img *Image2D, dst []byte) error {
	if err := q.check(); err != nil {
		return err
	}
	if err := img.check(); err != nil {
		return err
	}
	if err := q.checkSameContext(img.String(), img.ctx); err != nil {
		return err
	}
	region := [3]int{img.width, img.height, 1}
	id, err := q.ctx.rt.drv.EnqueueReadImage(q.id, img.id, true, [3]int{}, region, dst, nil)
	q.enqueued(id, "read image", true)
	return errors.WithMessagef(err, "%s: failed to read %s", q, img)
}

// AddressingMode and FilterMode configure samplers.
type (
	AddressingMode = driver.AddressingMode
	FilterMode     = driver.FilterMode
)

const (
	AddressNone        = driver.AddressNone
	AddressClampToEdge = driver.AddressClampToEdge
	AddressClamp       = driver.AddressClamp
	AddressRepeat      = driver.AddressRepeat

	FilterNearest = driver.FilterNearest
	FilterLinear  = driver.FilterLinear
)

// Sampler configures how kernels read images: coordinates normalization, addressing out of the image bounds and
// filtering.
type Sampler struct {
	ctx   *Context
	id    driver.SamplerID
	guard *Guard
}

// NewSampler creates a sampler on the context.
func (ctx *Context) NewSampler(normalizedCoords bool, addressing AddressingMode, filter FilterMode) (*Sampler, error) {
	if err := ctx.check(); err != nil {
		return nil, err
	}
	drv := ctx.rt.drv
	id, err := drv.CreateSampler(ctx.id, normalizedCoords, addressing, filter)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create sampler on %s", ctx)
	}
	s := &Sampler{ctx: ctx, id: id}
	s.guard = ctx.track(RankSampler, fmt.Sprintf("sampler #%d", id), func() error {
		return drv.ReleaseSampler(id)
	})
	return s, nil
}

func (s *Sampler) check() error {
	if s == nil || s.guard.Released() {
		return errors.Wrap(ErrDestroyed, "cl.Sampler")
	}
	return s.ctx.check()
}

// Destroy releases the sampler. It is idempotent.
func (s *Sampler) Destroy() error {
	if s == nil {
		return nil
	}
	return s.guard.Release()
}
