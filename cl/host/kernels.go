package host

import (
	"encoding/binary"
	"math"
	"slices"
	"sync"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/gomlx/gocl/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// KernelFunc is the Go implementation of a kernel entry point. It is called once per work-item.
//
// Work-items of a work-group are run sequentially, in order of their linear local id, so barriers are not
// supported. Work-groups run in parallel, bounded by the device's compute units.
type KernelFunc func(item *WorkItem, args *Args) error

// KernelDef defines a kernel that programs can link to.
type KernelDef struct {
	// Name of the entry point, as declared with __kernel in the source.
	Name string

	// Params lists the expected kind of each argument. driver.ArgMem is used both for buffers and images.
	Params []driver.ArgKind

	Run KernelFunc
}

var (
	kernelRegistryMu sync.RWMutex
	kernelRegistry   = make(map[string]KernelDef)
)

// RegisterKernel makes a kernel implementation available for linking. Registering a name twice replaces the
// previous definition, which only affects programs built afterwards.
func RegisterKernel(def KernelDef) {
	if def.Name == "" || def.Run == nil {
		panic(errors.Errorf("host.RegisterKernel: kernel definition needs a Name and a Run function, got %+v", def))
	}
	kernelRegistryMu.Lock()
	defer kernelRegistryMu.Unlock()
	if _, found := kernelRegistry[def.Name]; found {
		klog.V(1).Infof("host: kernel %q re-registered", def.Name)
	}
	kernelRegistry[def.Name] = def
}

// RegisteredKernels returns the sorted names of the registered kernels.
func RegisteredKernels() []string {
	kernelRegistryMu.RLock()
	defer kernelRegistryMu.RUnlock()
	names := make([]string, 0, len(kernelRegistry))
	for name := range kernelRegistry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func findKernel(name string) (KernelDef, bool) {
	kernelRegistryMu.RLock()
	defer kernelRegistryMu.RUnlock()
	def, found := kernelRegistry[name]
	return def, found
}

// WorkItem identifies the work-item being executed, in up to 3 dimensions.
type WorkItem struct {
	dims                             int
	globalID, localID, groupID       [3]int
	globalSize, localSize, numGroups [3]int
}

// WorkDim returns the number of dimensions of the launch.
func (w *WorkItem) WorkDim() int { return w.dims }

// GlobalID returns the global id in dimension dim, or 0 if dim is out of range.
func (w *WorkItem) GlobalID(dim int) int { return at(w.globalID, dim, 0) }

// LocalID returns the id within the work-group in dimension dim.
func (w *WorkItem) LocalID(dim int) int { return at(w.localID, dim, 0) }

// GroupID returns the work-group id in dimension dim.
func (w *WorkItem) GroupID(dim int) int { return at(w.groupID, dim, 0) }

// GlobalSize returns the global size in dimension dim, or 1 if dim is out of range.
func (w *WorkItem) GlobalSize(dim int) int { return at(w.globalSize, dim, 1) }

// LocalSize returns the work-group size in dimension dim, or 1 if dim is out of range.
func (w *WorkItem) LocalSize(dim int) int { return at(w.localSize, dim, 1) }

// NumGroups returns the number of work-groups in dimension dim, or 1 if dim is out of range.
func (w *WorkItem) NumGroups(dim int) int { return at(w.numGroups, dim, 1) }

func at(values [3]int, dim, outOfRange int) int {
	if dim < 0 || dim >= 3 {
		return outOfRange
	}
	return values[dim]
}

// boundArg is a kernel argument resolved at launch time.
type boundArg struct {
	kind    driver.ArgKind
	mem     *memObject
	sampler *sampler
	value   []byte
	local   int
}

// Args gives a kernel implementation access to its arguments. Accessors panic if the argument has a different kind:
// the panic fails the launch, as a fault would on a device.
type Args struct {
	args  []boundArg
	local [][]byte // Per work-group local memory, indexed by argument.
}

// Len returns the number of arguments.
func (a *Args) Len() int { return len(a.args) }

func (a *Args) get(index int, kind driver.ArgKind) *boundArg {
	if index < 0 || index >= len(a.args) {
		panic(errors.Errorf("kernel argument #%d out of range (%d arguments)", index, len(a.args)))
	}
	arg := &a.args[index]
	if arg.kind != kind {
		panic(errors.Errorf("kernel argument #%d has kind %d, wanted %d", index, arg.kind, kind))
	}
	return arg
}

// Bytes returns the raw contents of the buffer argument.
func (a *Args) Bytes(index int) []byte {
	arg := a.get(index, driver.ArgMem)
	if arg.mem.image != nil {
		panic(errors.Errorf("kernel argument #%d is an image, not a buffer", index))
	}
	return arg.mem.data
}

// Buffer returns the buffer argument as a slice of T, aliasing its contents.
func Buffer[T dtypes.Supported](a *Args, index int) []T {
	return dtypes.BytesToFlat[T](a.Bytes(index))
}

// Image returns the image argument.
func (a *Args) Image(index int) *Image {
	arg := a.get(index, driver.ArgMem)
	if arg.mem.image == nil {
		panic(errors.Errorf("kernel argument #%d is a buffer, not an image", index))
	}
	return &Image{imageDesc: *arg.mem.image, data: arg.mem.data}
}

// Sampler returns the sampler argument.
func (a *Args) Sampler(index int) Sampler {
	return a.get(index, driver.ArgSampler).sampler.Sampler
}

// Local returns the local memory argument of the current work-group.
func (a *Args) Local(index int) []byte {
	a.get(index, driver.ArgLocal)
	return a.local[index]
}

// Int32 returns the scalar argument as an int32.
func (a *Args) Int32(index int) int32 {
	return int32(a.Uint32(index))
}

// Uint32 returns the scalar argument as an uint32.
func (a *Args) Uint32(index int) uint32 {
	value := a.get(index, driver.ArgScalar).value
	if len(value) != 4 {
		panic(errors.Errorf("kernel argument #%d has %d bytes, wanted 4", index, len(value)))
	}
	return binary.NativeEndian.Uint32(value)
}

// Float32 returns the scalar argument as a float32.
func (a *Args) Float32(index int) float32 {
	return math.Float32frombits(a.Uint32(index))
}

// kernel is an instance of a kernel: a program entry point plus its argument values.
type kernel struct {
	id      driver.KernelID
	program *program
	def     KernelDef

	mu   sync.Mutex
	args []boundArg
	set  []bool
}

// CreateKernel implements driver.Driver.
func (d *Driver) CreateKernel(programID driver.ProgramID, name string) (driver.KernelID, error) {
	const op = "CreateKernel"
	p, err := lookup[*program](d, op, uintptr(programID), driver.InvalidProgram)
	if err != nil {
		return 0, err
	}
	def, err := p.linkedKernel(op, name)
	if err != nil {
		return 0, err
	}
	k := &kernel{
		program: p,
		def:     def,
		args:    make([]boundArg, len(def.Params)),
		set:     make([]bool, len(def.Params)),
	}
	k.id = driver.KernelID(d.register(k))
	d.stats.kernels.Add(1)
	return k.id, nil
}

// KernelNumArgs implements driver.Driver.
func (d *Driver) KernelNumArgs(kernelID driver.KernelID) (int, error) {
	k, err := lookup[*kernel](d, "KernelNumArgs", uintptr(kernelID), driver.InvalidKernel)
	if err != nil {
		return 0, err
	}
	return len(k.def.Params), nil
}

// SetKernelArg implements driver.Driver.
func (d *Driver) SetKernelArg(kernelID driver.KernelID, index int, arg driver.KernelArg) error {
	const op = "SetKernelArg"
	k, err := lookup[*kernel](d, op, uintptr(kernelID), driver.InvalidKernel)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(k.def.Params) {
		return driver.Errorf(op, driver.InvalidArgIndex, "kernel %q has %d arguments, got index %d",
			k.def.Name, len(k.def.Params), index)
	}
	if want := k.def.Params[index]; arg.Kind != want {
		return driver.Errorf(op, driver.InvalidArgValue, "kernel %q argument #%d: expected kind %d, got %d",
			k.def.Name, index, want, arg.Kind)
	}
	bound := boundArg{kind: arg.Kind}
	switch arg.Kind {
	case driver.ArgMem:
		bound.mem, err = lookup[*memObject](d, op, uintptr(arg.Mem), driver.InvalidMemObject)
		if err != nil {
			return err
		}
		if bound.mem.ctx != k.program.ctx {
			return driver.Errorf(op, driver.InvalidMemObject, "memory object belongs to a different context")
		}
	case driver.ArgSampler:
		bound.sampler, err = lookup[*sampler](d, op, uintptr(arg.Sampler), driver.InvalidSampler)
		if err != nil {
			return err
		}
	case driver.ArgLocal:
		if arg.Size <= 0 {
			return driver.Errorf(op, driver.InvalidArgSize, "local memory argument #%d needs a positive size", index)
		}
		bound.local = arg.Size
	case driver.ArgScalar:
		if len(arg.Value) == 0 {
			return driver.Errorf(op, driver.InvalidArgSize, "scalar argument #%d has no value", index)
		}
		bound.value = slices.Clone(arg.Value)
	default:
		return driver.Errorf(op, driver.InvalidArgValue, "unknown argument kind %d", arg.Kind)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.args[index] = bound
	k.set[index] = true
	return nil
}

// snapshotArgs returns a copy of the current arguments, as captured by an enqueue.
func (k *kernel) snapshotArgs(op string) ([]boundArg, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for ii, isSet := range k.set {
		if !isSet {
			return nil, driver.Errorf(op, driver.InvalidKernelArgs, "kernel %q argument #%d not set", k.def.Name, ii)
		}
	}
	return slices.Clone(k.args), nil
}

// ReleaseKernel implements driver.Driver.
func (d *Driver) ReleaseKernel(kernelID driver.KernelID) error {
	if _, err := lookup[*kernel](d, "ReleaseKernel", uintptr(kernelID), driver.InvalidKernel); err != nil {
		return err
	}
	if d.unregister(uintptr(kernelID)) {
		d.stats.kernels.Add(-1)
	}
	return nil
}
