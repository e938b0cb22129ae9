// Package depengine implements component C9's dput wait-set: a task
// submitted with a list of input ids is held back from the work queue until
// every one of those ids (optionally restricted to a subscript) has closed.
//
// spec.md §3.3 describes dput as "put, but the task becomes ready only once
// its listed inputs are all set"; the mechanics of turning N separate
// close notifications into one release decision aren't spelled out by any
// file in original_source (the retrieved turbine sources cover the Tcl rule
// interpreter's command loop, not the wait-counting itself), so this engine
// is grounded on the piece that IS present on both sides of that gap:
// internal/store.Store.Subscribe already reports, per id, whether the datum
// is already closed (the local fast path) or else arranges for a future
// notify.RankNotify to fire via the same close-notification machinery
// described in original_source/lb/code/src/notifications.c. depengine's job
// is purely to count subscriptions down to zero and release the held task
// when the count reaches it - same shape as internal/workgraph's Waiter
// binding a caller to a single cell, generalized here to N cells collapsing
// into one release.
package depengine

import (
	"sync"

	"github.com/pkg/errors"
)

// Dep names one input a pending task is waiting on.
type Dep struct {
	ID  int64
	Sub []byte // empty means "the whole datum", matching store.Subscript's zero value
}

// WaitNotifier is the subset of internal/store.Store a depengine needs: just
// enough to register one subscription and learn whether it fired
// immediately. Declared here, rather than importing internal/store directly,
// so depengine can be tested against a fake and so internal/server is free
// to wire in any store implementation that satisfies it (supplemented
// feature #7).
type WaitNotifier interface {
	Subscribe(id int64, sub []byte, rank, workType int) (alreadySet bool, err error)
}

// pending is one task still waiting on some of its declared Deps.
type pending struct {
	remaining int
	release   func()
}

// Engine tracks tasks blocked on dput's input list and releases them into a
// caller-supplied sink once every declared dependency has closed.
type Engine struct {
	mu sync.Mutex

	notifier WaitNotifier
	workType int // the work type depengine subscribes under; see Register

	tasks map[int64]*pending // keyed by an engine-assigned task id
	next  int64
}

// New creates an Engine that subscribes through notifier, identifying its
// own subscriptions with workType (a reserved work type the caller's server
// routes depengine's self-notifications to, distinct from any real task
// type, rather than a rank belonging to a worker).
func New(notifier WaitNotifier, workType int) *Engine {
	return &Engine{
		notifier: notifier,
		workType: workType,
		tasks:    make(map[int64]*pending),
	}
}

// Register holds release back until every dep in deps has closed, then
// calls release exactly once. If deps is empty, release fires immediately
// before Register returns, and the returned id is 0. Otherwise it returns
// the engine-assigned task id used to correlate a later Notify call; the
// same id is passed as the "rank" argument to Subscribe (depengine
// delivers close notifications to itself, not to a worker, so it needs a
// stable per-task correlation key rather than a real worker rank).
func (e *Engine) Register(deps []Dep, release func()) (int64, error) {
	if len(deps) == 0 {
		release()
		return 0, nil
	}

	e.mu.Lock()
	e.next++
	taskID := e.next
	p := &pending{remaining: len(deps), release: release}
	e.tasks[taskID] = p
	e.mu.Unlock()

	for _, d := range deps {
		alreadySet, err := e.notifier.Subscribe(d.ID, d.Sub, int(taskID), e.workType)
		if err != nil {
			return taskID, errors.Wrapf(err, "depengine: subscribing task %d to id %d", taskID, d.ID)
		}
		if alreadySet {
			e.countDown(taskID)
		}
	}
	return taskID, nil
}

// Notify reports that one dependency of taskID has closed, delivered by the
// server's handling of a RankNotify addressed to depengine's reserved work
// type (spec.md §4.4's notification delivery, generalized from "deliver a
// priority-1 work unit" to "deliver back into this engine" when the target
// rank is depengine rather than a worker).
func (e *Engine) Notify(taskID int64) {
	e.countDown(taskID)
}

func (e *Engine) countDown(taskID int64) {
	e.mu.Lock()
	p, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return
	}
	p.remaining--
	done := p.remaining <= 0
	if done {
		delete(e.tasks, taskID)
	}
	e.mu.Unlock()

	if done {
		p.release()
	}
}

// Pending reports how many dput tasks are still waiting on at least one
// dependency, for idle-detection and leak reporting at shutdown.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// Abandon drops every still-pending task without releasing it, returning
// their engine-assigned ids. Used at global shutdown: spec.md's shutdown
// semantics don't promise blocked dput tasks ever run, only that shutdown
// itself completes (component C10).
func (e *Engine) Abandon() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int64, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	e.tasks = make(map[int64]*pending)
	return ids
}
