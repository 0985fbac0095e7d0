package cl

import (
	"testing"

	"github.com/gomlx/gocl/cl/host"
	"github.com/janpfeifer/must"
)

// benchmarkContext returns a context with the 4 GPUs of fourGPUs.
func benchmarkContext(b *testing.B) *Context {
	drv := must.M1(host.New(must.M1(host.ParseConfig([]byte(fourGPUs)))))
	platform := must.M1(NewRuntime(drv).Platform(0))
	ctx := must.M1(platform.NewContextFromType(KindGPU))
	b.Cleanup(func() { must.M(ctx.Destroy()) })
	return ctx
}

func BenchmarkCacheKey(b *testing.B) {
	ctx := benchmarkContext(b)
	device := ctx.Devices()[0]
	for b.Loop() {
		_ = CacheKey(squareSource, device, "-I.")
	}
}

func BenchmarkLoadOrBuild(b *testing.B) {
	ctx := benchmarkContext(b)
	device := ctx.Devices()[0]
	cache := NewProgramCache(newMemoryStore())
	must.M(must.M1(cache.LoadOrBuild(ctx, device, squareSource)).Destroy())
	for b.Loop() {
		program := must.M1(cache.LoadOrBuild(ctx, device, squareSource))
		must.M(program.Destroy())
	}
}

// BenchmarkDispatch measures a partitioned launch of square over all devices, including the creation of the
// per-device queues and kernels.
func BenchmarkDispatch(b *testing.B) {
	const perDevice = 1024
	ctx := benchmarkContext(b)
	numDevices := len(ctx.Devices())
	program := must.M1(ctx.Compile().WithSource(squareSource).Done())
	base := must.M1(NewBufferFromSlice(ctx, MemReadWrite, iota32(numDevices*perDevice)))
	regions := must.M1(Partition(base, numDevices))
	for b.Loop() {
		batch := must.M1(program.Dispatch("square").OnRegions(regions).WithGlobalSize(perDevice).Done())
		must.M(batch.Await())
		must.M(batch.Destroy())
	}
}
