// Package cl runs data-parallel kernels on heterogeneous compute devices (GPUs, CPUs, accelerators) through an
// OpenCL-style runtime.
//
// The runtime itself is a driver.Driver: the pure Go "host" driver (package cl/host) is always available, and the
// native OpenCL driver (package cl/opencl) is compiled in with the "opencl" build tag.
//
// A typical use:
//
//	s, err := cl.NewSession()  // GPU context, falls back to CPU. Binaries cached in cl.DefaultCacheDir().
//	if err != nil { ... }
//	defer s.Close()
//	program, err := s.LoadOrBuild(source)
//	base, err := cl.NewBufferFromSlice(s.Context, cl.MemReadWrite, values)
//	regions, err := cl.Partition(base, len(s.Context.Devices()))
//	batch, err := program.Dispatch("square").OnRegions(regions).WithGlobalSize(len(values) / regions.Len()).Done()
//	err = batch.Await()
//
// Every object is created on a Context and tracked by its Janitor: Context.Destroy releases whatever is still alive,
// in dependency order.
package cl
