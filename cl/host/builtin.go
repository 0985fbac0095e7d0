package host

import (
	"github.com/gomlx/gocl/cl/driver"
	"github.com/pkg/errors"
)

// Implementations of the kernels of the sample programs (see package kernels for their OpenCL C sources).
func init() {
	RegisterKernel(KernelDef{
		Name:   "square",
		Params: []driver.ArgKind{driver.ArgMem},
		Run:    squareKernel,
	})
	RegisterKernel(KernelDef{
		Name:   "hello_kernel",
		Params: []driver.ArgKind{driver.ArgMem, driver.ArgMem, driver.ArgMem},
		Run:    helloKernel,
	})
	RegisterKernel(KernelDef{
		Name:   "gaussian_filter",
		Params: []driver.ArgKind{driver.ArgMem, driver.ArgMem, driver.ArgSampler, driver.ArgScalar, driver.ArgScalar},
		Run:    gaussianFilterKernel,
	})
	RegisterKernel(KernelDef{
		Name:   "convolve",
		Params: []driver.ArgKind{driver.ArgMem, driver.ArgMem, driver.ArgMem, driver.ArgScalar, driver.ArgScalar},
		Run:    convolveKernel,
	})
}

// squareKernel: buffer[id] = buffer[id] * buffer[id], over int32.
func squareKernel(item *WorkItem, args *Args) error {
	buffer := Buffer[int32](args, 0)
	id := item.GlobalID(0)
	buffer[id] *= buffer[id]
	return nil
}

// helloKernel: result[id] = a[id] + b[id], over float32.
func helloKernel(item *WorkItem, args *Args) error {
	a, b, result := Buffer[float32](args, 0), Buffer[float32](args, 1), Buffer[float32](args, 2)
	id := item.GlobalID(0)
	result[id] = a[id] + b[id]
	return nil
}

var gaussianWeights = [9]float32{
	1, 2, 1,
	2, 4, 2,
	1, 2, 1,
}

// gaussianFilterKernel applies a 3x3 Gaussian blur from image 0 into image 1, reading through the sampler.
// Work-items outside (width, height) do nothing, so the global size can be rounded up to the work-group size.
func gaussianFilterKernel(item *WorkItem, args *Args) error {
	src, dst, sampler := args.Image(0), args.Image(1), args.Sampler(2)
	width, height := int(args.Int32(3)), int(args.Int32(4))
	x, y := item.GlobalID(0), item.GlobalID(1)
	if x >= width || y >= height {
		return nil
	}
	var color [4]float32
	weight := 0
	for sy := y - 1; sy <= y+1; sy++ {
		for sx := x - 1; sx <= x+1; sx++ {
			pixel := src.Read(sampler, sx, sy)
			for ch := range color {
				color[ch] += pixel[ch] * (gaussianWeights[weight] / 16)
			}
			weight++
		}
	}
	dst.Write(x, y, color)
	return nil
}

// convolveKernel convolves the uint32 input signal (inputWidth columns) with the square mask (maskWidth x maskWidth),
// writing one output per work-item of a 2D range.
func convolveKernel(item *WorkItem, args *Args) error {
	input, mask, output := Buffer[uint32](args, 0), Buffer[uint32](args, 1), Buffer[uint32](args, 2)
	inputWidth, maskWidth := int(args.Int32(3)), int(args.Int32(4))
	if maskWidth*maskWidth > len(mask) {
		return errors.Errorf("mask has %d elements, %dx%d expected", len(mask), maskWidth, maskWidth)
	}
	x, y := item.GlobalID(0), item.GlobalID(1)
	var sum uint32
	for r := range maskWidth {
		row := (y+r)*inputWidth + x
		for c := range maskWidth {
			sum += mask[r*maskWidth+c] * input[row+c]
		}
	}
	output[y*item.GlobalSize(0)+x] = sum
	return nil
}
