// Package layout implements the pure rank<->server mapping that every other
// component relies on (spec.md component C1). It is computed once at
// startup from the job's worker and server counts and never changes
// afterward.
package layout

import "fmt"

// Layout is the frozen mapping between worker ranks, server ranks, and the
// hosts they run on for one job.
//
// Workers occupy ranks [0, Workers); servers occupy the following
// [Workers, Workers+Servers) range. Server s owns workers
// [s*chunk, (s+1)*chunk) where chunk = ceil(Workers/Servers), grounded on
// original_source/lb/code/src/layout.c.
type Layout struct {
	Workers int
	Servers int

	chunk int

	// hostOf maps a rank (worker or server) to an opaque host identifier.
	// Two ranks sharing a host identifier are eligible for each other's
	// NODE-accuracy targeting.
	hostOf []string

	// hostWorkers maps a host identifier to the worker ranks resident on it.
	hostWorkers map[string][]int
}

// New builds a Layout for workers workers and servers servers, given a
// function that reports which host a rank runs on. hostOf is called once
// per rank in [0, workers+servers) and its results are frozen into the
// returned Layout.
func New(workers, servers int, hostOf func(rank int) string) (*Layout, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("layout: workers must be positive, got %d", workers)
	}
	if servers <= 0 {
		return nil, fmt.Errorf("layout: servers must be positive, got %d", servers)
	}
	l := &Layout{
		Workers:     workers,
		Servers:     servers,
		chunk:       ceilDiv(workers, servers),
		hostOf:      make([]string, workers+servers),
		hostWorkers: make(map[string][]int),
	}
	for r := 0; r < workers+servers; r++ {
		host := hostOf(r)
		l.hostOf[r] = host
		if r < workers {
			l.hostWorkers[host] = append(l.hostWorkers[host], r)
		}
	}
	return l, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// IsWorker reports whether rank is a worker rank.
func (l *Layout) IsWorker(rank int) bool { return rank >= 0 && rank < l.Workers }

// IsServer reports whether rank is a server rank.
func (l *Layout) IsServer(rank int) bool {
	return rank >= l.Workers && rank < l.Workers+l.Servers
}

// ServerRank returns the (absolute) rank of the given zero-based server
// index.
func (l *Layout) ServerRank(serverIndex int) int { return l.Workers + serverIndex }

// ServerIndex returns the zero-based server index of the given absolute
// server rank. Panics if rank is not a server rank; callers should check
// IsServer first if unsure.
func (l *Layout) ServerIndex(rank int) int {
	if !l.IsServer(rank) {
		panic(fmt.Sprintf("layout: rank %d is not a server rank", rank))
	}
	return rank - l.Workers
}

// HomeServer returns the server rank that owns worker rank workerRank: the
// worker's chunk index offset into the server rank range.
func (l *Layout) HomeServer(workerRank int) int {
	return l.ServerRank(workerRank / l.chunk)
}

// WorkersOf returns the contiguous [lo, hi) worker rank range owned by the
// given server rank.
func (l *Layout) WorkersOf(serverRank int) (lo, hi int) {
	idx := l.ServerIndex(serverRank)
	lo = idx * l.chunk
	hi = lo + l.chunk
	if hi > l.Workers {
		hi = l.Workers
	}
	if lo > l.Workers {
		lo = l.Workers
	}
	return lo, hi
}

// Host returns the host identifier of the given rank.
func (l *Layout) Host(rank int) string { return l.hostOf[rank] }

// SameHost reports whether two ranks share a host.
func (l *Layout) SameHost(a, b int) bool { return l.hostOf[a] == l.hostOf[b] }

// HostWorkers returns the worker ranks that share a host with the given
// worker rank, including the worker itself, in ascending order. Used to
// satisfy accuracy=NODE targeting: any worker sharing a host with the
// nominal target is an eligible match.
func (l *Layout) HostWorkers(workerRank int) []int {
	host := l.hostOf[workerRank]
	return l.hostWorkers[host]
}

// DatumHome maps a datum id to its home server rank: spec.md §3.1,
// "abs(id) mod servers offset to the server rank range".
func (l *Layout) DatumHome(id int64) int {
	if id < 0 {
		id = -id
	}
	return l.ServerRank(int(id % int64(l.Servers)))
}
