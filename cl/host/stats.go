package host

import "sync/atomic"

type stats struct {
	contexts, programs, memObjects, samplers, queues, kernels, events atomic.Int64
	subBuffersCreated, launches                                       atomic.Int64
}

// Stats are counters of the host driver: the number of live handles per class, and a few cumulative counts.
type Stats struct {
	Contexts, Programs, MemObjects, Samplers, Queues, Kernels, Events int64

	// SubBuffersCreated counts every sub-buffer ever created.
	SubBuffersCreated int64

	// Launches counts every kernel launch ever enqueued.
	Launches int64
}

// Alive returns the total number of live handles.
func (s Stats) Alive() int64 {
	return s.Contexts + s.Programs + s.MemObjects + s.Samplers + s.Queues + s.Kernels + s.Events
}

// Stats returns a snapshot of the driver counters.
func (d *Driver) Stats() Stats {
	return Stats{
		Contexts:          d.stats.contexts.Load(),
		Programs:          d.stats.programs.Load(),
		MemObjects:        d.stats.memObjects.Load(),
		Samplers:          d.stats.samplers.Load(),
		Queues:            d.stats.queues.Load(),
		Kernels:           d.stats.kernels.Load(),
		Events:            d.stats.events.Load(),
		SubBuffersCreated: d.stats.subBuffersCreated.Load(),
		Launches:          d.stats.launches.Load(),
	}
}
