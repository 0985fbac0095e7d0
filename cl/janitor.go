package cl

import (
	"cmp"
	"slices"
	"sync"

	"k8s.io/klog/v2"
)

// Rank orders releases: lower ranks are released first. Objects must be released before the objects used to create
// them, so the ranks go from leaves (events, mappings) to the root (the context).
type Rank int

const (
	RankMapping Rank = iota
	RankEvent
	RankQueue
	RankKernel
	RankMemory
	RankProgram
	RankSampler
	RankContext
)

var rankNames = []string{"mapping", "event", "queue", "kernel", "memory", "program", "sampler", "context"}

// String implements fmt.Stringer.
func (r Rank) String() string {
	if r < 0 || int(r) >= len(rankNames) {
		return "unknown"
	}
	return rankNames[r]
}

// Janitor keeps track of every native handle acquired on a Context, and releases the ones still alive in dependency
// order when Release is called: by Rank, and within a rank in reverse order of creation, so sub-buffers are released
// before their parent buffer.
//
// Every Context owns one Janitor, and Context.Destroy calls its Release.
// It is safe for concurrent use.
type Janitor struct {
	mu      sync.Mutex
	nextSeq int
	live    map[*Guard]struct{}
}

// NewJanitor creates an empty Janitor.
func NewJanitor() *Janitor {
	return &Janitor{live: make(map[*Guard]struct{})}
}

// Guard owns one native handle tracked by a Janitor. Release it when the handle is no longer needed; otherwise
// the Janitor will.
type Guard struct {
	janitor *Janitor
	rank    Rank
	seq     int
	name    string
	release func() error
	done    bool
}

// Track registers a handle to be released with the release function, and returns its Guard.
// The name is only used for logging.
func (j *Janitor) Track(rank Rank, name string, release func() error) *Guard {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.nextSeq++
	g := &Guard{janitor: j, rank: rank, seq: j.nextSeq, name: name, release: release}
	j.live[g] = struct{}{}
	return g
}

// Release the guarded handle. It is idempotent: only the first call releases it.
func (g *Guard) Release() error {
	if g == nil {
		return nil
	}
	j := g.janitor
	j.mu.Lock()
	if g.done {
		j.mu.Unlock()
		return nil
	}
	g.done = true
	delete(j.live, g)
	j.mu.Unlock()
	klog.V(2).Infof("releasing %s %s", g.rank, g.name)
	return g.release()
}

// Released returns whether the handle was already released.
func (g *Guard) Released() bool {
	if g == nil {
		return true
	}
	g.janitor.mu.Lock()
	defer g.janitor.mu.Unlock()
	return g.done
}

// Live returns the number of handles tracked and not yet released.
func (j *Janitor) Live() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.live)
}

// LiveByRank returns the number of live handles of the given rank.
func (j *Janitor) LiveByRank(rank Rank) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	count := 0
	for g := range j.live {
		if g.rank == rank {
			count++
		}
	}
	return count
}

// Release releases every live handle, leaves first. It doesn't stop at failures: it returns the first error and
// logs the others.
//
// It is idempotent, and handles tracked after a Release are released by the next call.
func (j *Janitor) Release() error {
	j.mu.Lock()
	guards := make([]*Guard, 0, len(j.live))
	for g := range j.live {
		g.done = true
		guards = append(guards, g)
	}
	clear(j.live)
	j.mu.Unlock()

	slices.SortFunc(guards, func(a, b *Guard) int {
		if a.rank != b.rank {
			return cmp.Compare(a.rank, b.rank)
		}
		return cmp.Compare(b.seq, a.seq)
	})
	var firstErr error
	for _, g := range guards {
		klog.V(2).Infof("janitor releasing %s %s", g.rank, g.name)
		err := g.release()
		if err == nil {
			continue
		}
		if firstErr == nil {
			firstErr = err
		} else {
			klog.Errorf("failed to release %s %s: %+v", g.rank, g.name, err)
		}
	}
	return firstErr
}
