// Package steal implements the two-phase work-stealing protocol of spec.md
// component C8: a prober picks a random peer, asks what it has, and only
// then decides whether a full steal is worth issuing; a responder computes,
// per work type, how much of its excess to hand over.
//
// Grounded on original_source/lb/code/src/steal.c (probe/decide orchestration)
// and workqueue.c's xlb_workq_steal (the per-type fraction formula, kept
// here rather than in internal/queue so the decision and the mechanism -
// internal/queue.Queue.StealSingle/StealParallel - stay separately
// testable).
package steal

import (
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// imbalanceThreshold is the minimum relative excess (peer vs me) that makes
// stealing worthwhile (spec.md §4.8's XLB_STEAL_IMBALANCE).
const imbalanceThreshold = 0.1

// Decision is what to take from one work type on the responding server.
type Decision struct {
	Type           int
	SingleFraction float64 // probability of taking any one untargeted task
	ParallelCount  int     // exact number of parallel tasks to take
}

// Decide computes, per work type, how much of mySingle/myParallel's excess
// over stealerCounts to hand over (spec.md §4.8's fraction formula: halve
// this server's excess over the stealer, floor of one parallel task if any
// are present). Types
// with nothing to steal are omitted.
func Decide(mySingle, myParallel, stealerCounts []int) []Decision {
	var out []Decision
	for t := range mySingle {
		single := mySingle[t]
		par := 0
		if t < len(myParallel) {
			par = myParallel[t]
		}
		tot := single + par
		if tot == 0 {
			continue
		}
		stealerCount := 0
		if t < len(stealerCounts) {
			stealerCount = stealerCounts[t]
		}

		send := stealerCount == 0
		if !send {
			imbalance := float64(tot-stealerCount) / float64(stealerCount)
			send = imbalance > imbalanceThreshold
		}
		if !send {
			continue
		}

		sendFrac := float64(tot-stealerCount) / (2.0 * float64(tot))
		parToSend := int(sendFrac * float64(par))
		if par > 0 && parToSend == 0 {
			parToSend = 1
		}
		out = append(out, Decision{Type: t, SingleFraction: sendFrac, ParallelCount: parToSend})
	}
	return out
}

// CanSteal reports whether issuing a full steal against a peer advertising
// peerWorkCounts is worth it: true iff some type has both pending local
// requests and matching work on the peer (spec.md §4.8, original's
// xlb_can_steal).
func CanSteal(localRequestCounts, peerWorkCounts []int) bool {
	for t := range localRequestCounts {
		if localRequestCounts[t] > 0 && t < len(peerWorkCounts) && peerWorkCounts[t] > 0 {
			return true
		}
	}
	return false
}

// Prober tracks outstanding probes, a concurrency cap, and rate-limit/backoff
// state for the server that initiates steals (spec.md §4.8).
type Prober struct {
	mu sync.Mutex

	sem         *semaphore.Weighted
	outstanding map[int]struct{}

	rateLimit    time.Duration
	backoff      time.Duration
	servers      int
	lastProbe    time.Time
	failStreak   int
	backoffUntil time.Time

	rng *rand.Rand
}

// NewProber creates a Prober. concurrencyLimit bounds simultaneous
// outstanding probes; rateLimit is the minimum interval between probes;
// backoff is how long to pause after servers consecutive failed steals;
// servers is the job's server count (the failure-streak threshold).
func NewProber(concurrencyLimit int, rateLimit, backoff time.Duration, servers int, seed int64) *Prober {
	if concurrencyLimit < 1 {
		concurrencyLimit = 1
	}
	return &Prober{
		sem:         semaphore.NewWeighted(int64(concurrencyLimit)),
		outstanding: make(map[int]struct{}),
		rateLimit:   rateLimit,
		backoff:     backoff,
		servers:     servers,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// TryProbe attempts to start a new probe against a random server picked by
// pickTarget (which is responsible for excluding self). A target with a
// probe already outstanding is skipped and pickTarget is retried, up to
// maxAttempts (8) times. Returns ok=false if the concurrency limit, rate
// limit, or backoff window currently forbids probing, or if no eligible
// target was picked.
func (p *Prober) TryProbe(now time.Time, pickTarget func(rng *rand.Rand) int) (target int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Before(p.backoffUntil) {
		return 0, false
	}
	if !p.lastProbe.IsZero() && now.Sub(p.lastProbe) < p.rateLimit {
		return 0, false
	}
	if !p.sem.TryAcquire(1) {
		return 0, false
	}

	const maxAttempts = 8
	for attempt := 0; attempt < maxAttempts; attempt++ {
		t := pickTarget(p.rng)
		if _, busy := p.outstanding[t]; busy {
			continue
		}
		p.outstanding[t] = struct{}{}
		p.lastProbe = now
		return t, true
	}
	p.sem.Release(1)
	return 0, false
}

// ProbeDone records the outcome of a completed probe/steal round trip to
// target: stole is the number of tasks actually received (zero means the
// peer had nothing to give, a failed attempt for backoff purposes).
func (p *Prober) ProbeDone(now time.Time, target int, stole int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.outstanding, target)
	p.sem.Release(1)

	if stole > 0 {
		p.failStreak = 0
		return
	}
	p.failStreak++
	if p.failStreak >= p.servers {
		p.backoffUntil = now.Add(p.backoff)
		p.failStreak = 0
	}
}

// Outstanding reports how many probes are currently in flight.
func (p *Prober) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outstanding)
}
