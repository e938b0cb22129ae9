package server

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/swift-lang/swift-t-sub000/internal/config"
	"github.com/swift-lang/swift-t-sub000/internal/depengine"
	"github.com/swift-lang/swift-t-sub000/internal/layout"
	"github.com/swift-lang/swift-t-sub000/internal/metrics"
	"github.com/swift-lang/swift-t-sub000/internal/notify"
	"github.com/swift-lang/swift-t-sub000/internal/queue"
	"github.com/swift-lang/swift-t-sub000/internal/reqqueue"
	"github.com/swift-lang/swift-t-sub000/internal/steal"
	"github.com/swift-lang/swift-t-sub000/internal/store"
	"github.com/swift-lang/swift-t-sub000/internal/syncproto"
	"github.com/swift-lang/swift-t-sub000/internal/transport"
)

// depKey identifies one (id, subscript) pair this server's depengine is
// waiting on, homed on a peer server.
type depKey struct {
	id  int64
	sub string
}

// fwdWaiter is what this server (when it owns the datum) remembers about a
// subscription it is servicing on a peer server's behalf, so that when the
// listener eventually fires it knows who to tell (notify.RankNotify carries
// only a rank and a work type, not the id/sub that closed).
type fwdWaiter struct {
	originServer int
	id           int64
	sub          []byte
}

type idleCheckReply struct {
	idle          bool
	pendingNotifs bool
}

// Server is one rank's worth of component C10: the poll loop that owns a
// data store, a work queue, a request queue, a dependency engine, and a
// sync protocol instance, and that drives their interaction every tick.
// Exactly one Server runs per server rank; all of its state is touched from
// a single goroutine (Run), so the mutex below guards only the handful of
// fields a concurrently-running worker-facing helper (none exist yet, but
// matching the teacher's defensive posture costs nothing) or a future
// caller from another goroutine might reach.
type Server struct {
	rank   int
	layout *layout.Layout
	fabric transport.Fabric
	ids    *layout.IDSpace

	store *store.Store
	queue *queue.Queue
	reqs  *reqqueue.Queue
	deps  *depengine.Engine
	sync  *syncproto.Protocol
	prober *steal.Prober

	cfg     config.Config
	metrics *metrics.Metrics
	log     *logrus.Entry
	rng     *rand.Rand

	// depWorkType and depForwardWorkType are reserved work types, out of
	// range of any real client work type, used to tag the synthetic
	// notify.RankNotify listeners depengine registers with itself
	// (depWorkType, rank == the depengine task id) and that this server
	// registers on a peer's behalf when forwarding a remote depengine
	// subscription (depForwardWorkType, rank == a local fwdWaiters key).
	depWorkType        int
	depForwardWorkType int

	mu         sync.Mutex
	hostKeys   map[string]int
	depWaiters map[depKey][]int64
	fwdWaiters map[int64]fwdWaiter
	nextFwdWaiter int64

	idleRound   bool
	idleReplies map[int]idleCheckReply

	ctx       context.Context
	startTime time.Time
}

// New constructs a Server for rank within l, communicating over fabric.
// workTypes is the number of real client work types; two more are reserved
// internally for depengine bookkeeping (see depWorkType/depForwardWorkType).
func New(rank int, l *layout.Layout, fabric transport.Fabric, ids *layout.IDSpace, workTypes int, cfg config.Config, log *logrus.Entry, mtr *metrics.Metrics, seed int64) *Server {
	s := &Server{
		rank:               rank,
		layout:             l,
		fabric:             fabric,
		ids:                ids,
		cfg:                cfg,
		log:                log,
		metrics:            mtr,
		rng:                rand.New(rand.NewSource(seed)),
		hostKeys:           make(map[string]int),
		depWaiters:         make(map[depKey][]int64),
		fwdWaiters:         make(map[int64]fwdWaiter),
		idleReplies:        make(map[int]idleCheckReply),
		depWorkType:        workTypes,
		depForwardWorkType: workTypes + 1,
		ctx:                context.Background(),
	}
	s.store = store.New(store.WithReadRefcountEnable(true), store.WithLogger(log))
	s.queue = queue.New(workTypes)
	s.reqs = reqqueue.New(workTypes, cfg.ParMod)
	s.deps = depengine.New(s, s.depWorkType)
	s.sync = syncproto.New(rank, fabric, s)
	s.prober = steal.NewProber(4, 10*time.Millisecond, 200*time.Millisecond, l.Servers, seed)
	return s
}

// Subscribe implements depengine.WaitNotifier: register rank (an engine task
// id) against id[sub], resolving locally if this server owns id, otherwise
// forwarding the subscription to id's home server via SyncModeSubscribe and
// recording rank in depWaiters so HandleNotify can release it later.
func (s *Server) Subscribe(id int64, sub []byte, rank, workType int) (bool, error) {
	home := s.layout.DatumHome(id)
	if home == s.rank {
		return s.store.Subscribe(id, store.Subscript(sub), rank, workType)
	}

	key := depKey{id: id, sub: string(sub)}
	s.mu.Lock()
	s.depWaiters[key] = append(s.depWaiters[key], int64(rank))
	s.mu.Unlock()

	hdr := transport.SyncHeader{Mode: transport.SyncModeSubscribe, ID: id, Sub: sub}
	if err := s.sync.Sync(s.ctx, home, hdr); err != nil {
		return false, errors.Wrapf(err, "server: forwarding subscribe for id %d to server %d", id, home)
	}
	s.metrics.SyncSent(transport.SyncModeSubscribe)
	return false, nil
}

// HandleRequest implements syncproto.Handler. A plain request has no
// payload of its own in this design - nothing besides the handshake's
// rank-ordering tie-break depends on it - so there is nothing further to
// do.
func (s *Server) HandleRequest(ctx context.Context, rank int) error {
	return nil
}

// HandleRefcount implements syncproto.Handler: apply a refcount delta
// forwarded from a peer (this server owns the datum) and deliver whatever
// it unblocks.
func (s *Server) HandleRefcount(id int64, readDelta, writeDelta int) error {
	set, err := s.store.RefcountIncr(id, store.Refc{Read: readDelta, Write: writeDelta})
	if err != nil {
		return err
	}
	s.deliverSetAsync(s.ctx, set)
	return nil
}

// HandleSubscribe implements syncproto.Handler: rank (a peer server) wants
// to be told when id[sub] closes. If it's already closed, syncproto itself
// calls HandleNotify right after this returns true - no fwdWaiters entry is
// needed for that path. Otherwise mint a local waiter id and register it,
// so the eventual notify.RankNotify (tagged depForwardWorkType, rank ==
// this waiter id) can be traced back to rank/id/sub.
func (s *Server) HandleSubscribe(rank int, id int64, sub []byte) (bool, error) {
	s.mu.Lock()
	s.nextFwdWaiter++
	waiterID := s.nextFwdWaiter
	s.mu.Unlock()

	alreadySet, err := s.store.Subscribe(id, store.Subscript(sub), int(waiterID), s.depForwardWorkType)
	if err != nil {
		return false, err
	}
	if alreadySet {
		return true, nil
	}

	s.mu.Lock()
	s.fwdWaiters[waiterID] = fwdWaiter{originServer: rank, id: id, sub: sub}
	s.mu.Unlock()
	return false, nil
}

// HandleNotify implements syncproto.Handler. It is invoked in two distinct
// roles by syncproto, both with the same signature: (a) synchronously,
// right after this server's own HandleSubscribe just reported a datum
// already closed, meaning rank (a peer) must now be told; (b) when an
// actual SyncModeNotify message arrives from a peer that owns a datum this
// server's depengine is waiting on, meaning the notification should resolve
// locally. depWaiters can only be populated for ids this server does NOT
// own (see Subscribe's local/remote split), and case (a) only ever fires on
// the server that DOES own id - so checking depWaiters first disambiguates
// correctly without any extra bookkeeping.
func (s *Server) HandleNotify(rank int, id int64, sub []byte) error {
	key := depKey{id: id, sub: string(sub)}
	s.mu.Lock()
	taskIDs, ok := s.depWaiters[key]
	if ok {
		delete(s.depWaiters, key)
	}
	s.mu.Unlock()

	if ok {
		for _, taskID := range taskIDs {
			s.deps.Notify(taskID)
		}
		return nil
	}

	hdr := transport.SyncHeader{Mode: transport.SyncModeNotify, ID: id, Sub: sub}
	err := s.sync.Sync(s.ctx, rank, hdr)
	if err == nil {
		s.metrics.SyncSent(transport.SyncModeNotify)
	}
	return err
}

// HandleStealProbe implements syncproto.Handler: reply with this server's
// per-type queue depth so rank can decide whether a real steal is worth
// issuing.
func (s *Server) HandleStealProbe(ctx context.Context, rank int) error {
	hdr := transport.SyncHeader{
		Mode: transport.SyncModeStealProbeResp,
		Sub:  syncproto.PackInt32s(intToInt32(s.queue.TypeCounts())),
	}
	err := s.sync.Sync(ctx, rank, hdr)
	if err == nil {
		s.metrics.SyncSent(transport.SyncModeStealProbeResp)
	}
	return err
}

// HandleStealProbeResp implements syncproto.Handler: rank just told us its
// queue depths; if stealing from it looks worthwhile, issue the real steal
// right away (this callback only ever runs outside of any Sync wait loop -
// see syncproto.Protocol.accept's defer_ gating - so a second, blocking
// Sync call here is safe).
func (s *Server) HandleStealProbeResp(rank int, workCounts []int32) error {
	local := s.reqs.TypeCounts()
	if !steal.CanSteal(local, int32ToInt(workCounts)) {
		s.prober.ProbeDone(time.Now(), rank, 0)
		return nil
	}

	hdr := transport.SyncHeader{
		Mode: transport.SyncModeSteal,
		Sub:  syncproto.PackInt32s(intToInt32(local)),
	}
	if err := s.sync.Sync(s.ctx, rank, hdr); err != nil {
		s.prober.ProbeDone(time.Now(), rank, 0)
		return err
	}
	s.metrics.SyncSent(transport.SyncModeSteal)
	s.prober.ProbeDone(time.Now(), rank, 1)
	s.metrics.StealWorkReceived()
	return nil
}

// HandleSteal implements syncproto.Handler: rank has already been accepted
// (SyncModeSteal requires an accept ack) and is waiting for us to hand over
// some of our excess work directly, one queue.WorkUnit per TagPut message.
func (s *Server) HandleSteal(ctx context.Context, rank int, workCounts []int32) error {
	single, parallel := s.queue.TypeCountsDetailed()
	decisions := steal.Decide(single, parallel, int32ToInt(workCounts))

	cb := func(wu *queue.WorkUnit) error {
		return s.forwardWorkUnit(ctx, rank, wu)
	}
	for _, d := range decisions {
		if _, err := s.queue.StealSingle(d.Type, d.SingleFraction, s.rng, cb); err != nil {
			return err
		}
		if d.ParallelCount > 0 {
			if _, err := s.queue.StealParallel(d.Type, d.ParallelCount, s.rng, cb); err != nil {
				return err
			}
		}
	}
	return nil
}

// HandleIdleCheck implements syncproto.Handler: the master server wants to
// know if this server's workers are idle and it has nothing pending, as
// part of deciding whether the whole job can shut down.
func (s *Server) HandleIdleCheck(ctx context.Context, rank int) error {
	reqCounts := s.reqs.TypeCounts()
	workCounts := s.queue.TypeCounts()
	payload := make([]int32, 2+2*len(reqCounts))
	if s.isLocallyIdle() {
		payload[0] = 1
	}
	if s.sync.HasPendingNotifs() || s.deps.Pending() > 0 {
		payload[1] = 1
	}
	for t := range reqCounts {
		payload[2+2*t] = int32(reqCounts[t])
		w := 0
		if t < len(workCounts) {
			w = workCounts[t]
		}
		payload[3+2*t] = int32(w)
	}

	hdr := transport.SyncHeader{Mode: transport.SyncModeIdleCheckResp, Sub: syncproto.PackInt32s(payload)}
	err := s.sync.Sync(ctx, rank, hdr)
	if err == nil {
		s.metrics.SyncSent(transport.SyncModeIdleCheckResp)
	}
	return err
}

// HandleIdleCheckResp implements syncproto.Handler: record rank's answer
// for the idle round currently in progress, if any.
func (s *Server) HandleIdleCheckResp(rank int, payload []int32) error {
	if len(payload) < 2 {
		return errors.New("server: short idle check response")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.idleRound {
		return nil
	}
	s.idleReplies[rank] = idleCheckReply{idle: payload[0] != 0, pendingNotifs: payload[1] != 0}
	return nil
}

// isLocallyIdle reports whether every worker this server is responsible for
// is blocked in get with nothing left to match, and depengine has nothing
// pending either (spec.md §4.10, original's workers_idle).
func (s *Server) isLocallyIdle() bool {
	lo, hi := s.layout.WorkersOf(s.rank)
	workers := hi - lo
	if workers <= 0 {
		return s.deps.Pending() == 0
	}
	if s.reqs.NumBlocked() < workers {
		return false
	}
	total := 0
	for _, c := range s.queue.TypeCounts() {
		total += c
	}
	return total == 0 && s.deps.Pending() == 0
}

// deliverSetAsync drains set to a fixpoint and delivers whatever it
// produces, logging (rather than propagating) any failure: spec.md's
// notification delivery is asynchronous from the mutation that produced
// it, so its caller - already mid-response to some other request - must
// not block on, or fail because of, a problem delivering a side effect.
func (s *Server) deliverSetAsync(ctx context.Context, set notify.Set) {
	if set.Empty() {
		return
	}
	final, err := s.drainToFixpoint(set)
	if err != nil {
		s.log.WithError(err).Error("draining notification set")
	}
	s.deliverFinalSet(ctx, final)
}

// maxDrainIterations bounds drainToFixpoint against a reference cycle that
// can never resolve (each datum in the cycle permanently waiting on the
// next), which would otherwise loop forever.
const maxDrainIterations = 64

// drainToFixpoint repeatedly drains set against the local store: resolving
// one reference or refcount change can itself produce more of the same
// (store.Store.Drain is documented as single-pass), so this loops, feeding
// only the leftover References/RefcChanges back in each round (Notify is
// always copied through unchanged by Drain, so re-feeding it would
// duplicate every entry), until an iteration makes no further progress. The
// remaining References/RefcChanges at that point are for ids this server
// doesn't own and must be forwarded across the fabric instead.
func (s *Server) drainToFixpoint(set notify.Set) (notify.Set, error) {
	var all notify.Set
	for i := 0; i < maxDrainIterations; i++ {
		out, err := s.store.Drain(set)
		if err != nil {
			return all, err
		}
		all.Notify = append(all.Notify, out.Notify...)
		if len(out.References) >= len(set.References) && len(out.RefcChanges) >= len(set.RefcChanges) {
			all.References = out.References
			all.RefcChanges = out.RefcChanges
			return all, nil
		}
		set = notify.Set{References: out.References, RefcChanges: out.RefcChanges}
	}
	s.log.Warn("drainToFixpoint hit its iteration cap; remaining references may never resolve")
	return all, nil
}

// deliverFinalSet dispatches every entry of a fully-drained Set: rank
// notifications as priority-1 work units (locally or forwarded to the
// target's home server), leftover references/refcount changes across the
// fabric to whichever server actually owns that id.
func (s *Server) deliverFinalSet(ctx context.Context, set notify.Set) {
	for _, n := range set.Notify {
		if err := s.deliverOneNotify(ctx, n); err != nil {
			s.log.WithError(err).WithField("rank", n.Rank).Error("delivering notification")
		}
	}
	for _, ref := range set.References {
		if err := s.forwardReference(ctx, ref); err != nil {
			s.log.WithError(err).WithField("id", ref.ID).Error("forwarding cross-server reference")
		}
	}
	for _, rc := range set.RefcChanges {
		if err := s.forwardRefcChange(ctx, rc); err != nil {
			s.log.WithError(err).WithField("id", rc.ID).Error("forwarding cross-server refcount change")
		}
	}
}

// deliverOneNotify routes one notify.RankNotify by its work type: the two
// reserved depengine types resolve internally (locally, or by telling the
// origin server back via SyncModeNotify), everything else is a real
// worker-rank notification delivered as a priority-1 work unit.
func (s *Server) deliverOneNotify(ctx context.Context, n notify.RankNotify) error {
	switch n.WorkType {
	case s.depWorkType:
		s.deps.Notify(int64(n.Rank))
		return nil

	case s.depForwardWorkType:
		s.mu.Lock()
		fw, ok := s.fwdWaiters[int64(n.Rank)]
		if ok {
			delete(s.fwdWaiters, int64(n.Rank))
		}
		s.mu.Unlock()
		if !ok {
			return nil
		}
		hdr := transport.SyncHeader{Mode: transport.SyncModeNotify, ID: fw.id, Sub: fw.sub}
		err := s.sync.Sync(ctx, fw.originServer, hdr)
		if err == nil {
			s.metrics.SyncSent(transport.SyncModeNotify)
		}
		return err

	default:
		return s.deliverWorkerNotify(ctx, n)
	}
}

// deliverWorkerNotify builds the priority-1, hard-targeted work unit a
// closed datum's subscriber is owed and either queues it locally or
// forwards it to the worker's home server.
func (s *Server) deliverWorkerNotify(ctx context.Context, n notify.RankNotify) error {
	wu := &queue.WorkUnit{
		ID:          s.ids.Unique(),
		Type:        n.WorkType,
		Priority:    1,
		Parallelism: 1,
		Target:      n.Rank,
		Strictness:  queue.TargetHard,
		Accuracy:    queue.TargetRank,
		AnswerRank:  -1,
		Payload:     n.Subscript,
	}
	home := s.layout.HomeServer(n.Rank)
	if home == s.rank {
		return s.addAndMatch(ctx, wu)
	}
	return s.forwardWorkUnit(ctx, home, wu)
}

// forwardWorkUnit ships wu to target as a PutRequest over TagPut, the same
// envelope a worker's own put uses - target's handlePut sends its ack only
// to a worker sender (via layout.IsWorker), so no ack comes back here.
func (s *Server) forwardWorkUnit(ctx context.Context, target int, wu *queue.WorkUnit) error {
	return s.fabric.Send(ctx, target, transport.TagPut, encode(PutRequest{WU: toWire(wu)}))
}

// forwardReference ships a leftover notify.RefDatum to its home server as a
// TagStoreOp/OpStore request, the reply discarded (see pollWorkerMessage).
func (s *Server) forwardReference(ctx context.Context, ref notify.RefDatum) error {
	home := s.layout.DatumHome(ref.ID)
	if home == s.rank {
		s.log.WithField("id", ref.ID).Warn("reference to a locally-homed id could not be resolved locally")
		return nil
	}
	req := StoreOpRequest{Op: OpStore, ID: ref.ID, Sub: ref.Sub, Type: ref.Type, Value: ref.Value}
	return s.fabric.Send(ctx, home, transport.TagStoreOp, encode(req))
}

// forwardRefcChange ships a leftover notify.RefcChange to its home server
// via the pre-existing SyncModeRefcount fire-and-forget handshake.
// RefcChange.MustPreacquire's ordering guarantee is honored only for
// same-server reordering (store.Store.Drain's own processing order); once a
// change crosses the fabric there is no further ordering promise against
// other in-flight changes to the same id, so SyncModeRefcountWait (the
// blocking variant) is never used here.
func (s *Server) forwardRefcChange(ctx context.Context, rc notify.RefcChange) error {
	home := s.layout.DatumHome(rc.ID)
	if home == s.rank {
		s.log.WithField("id", rc.ID).Warn("refcount change on a locally-homed id could not be resolved locally")
		return nil
	}
	hdr := transport.SyncHeader{Mode: transport.SyncModeRefcount, ID: rc.ID, Sub: syncproto.PackRefc(rc.ReadDelta, rc.WriteDelta)}
	err := s.sync.Sync(ctx, home, hdr)
	if err == nil {
		s.metrics.SyncSent(transport.SyncModeRefcount)
	}
	return err
}

// hostKey maps rank's host to a small dense int, the shape queue.Queue.Add
// needs for its per-host soft-target bookkeeping, lazily assigning the next
// free int the first time a given host is seen.
func (s *Server) hostKey(rank int) int {
	host := s.layout.Host(rank)
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.hostKeys[host]; ok {
		return k
	}
	k := len(s.hostKeys)
	s.hostKeys[host] = k
	return k
}

// addAndMatch either dispatches wu straight to one or more waiting workers
// or, failing that, enqueues it for a later get/steal to pick up.
func (s *Server) addAndMatch(ctx context.Context, wu *queue.WorkUnit) error {
	if wu.Parallelism > 1 {
		if ranks, ok := s.reqs.ParallelWorkers(wu.Type, wu.Parallelism, true); ok {
			return s.dispatchParallel(ctx, wu, ranks)
		}
		s.metrics.WorkEnqueued(wu.Type)
		return s.queue.Add(wu, 0)
	}

	if wu.Target >= 0 {
		if wu.Accuracy == queue.TargetNode {
			for _, r := range s.layout.HostWorkers(wu.Target) {
				if s.reqs.MatchesTarget(r, wu.Type) {
					return s.dispatchSingle(ctx, wu, r)
				}
			}
		} else if s.reqs.MatchesTarget(wu.Target, wu.Type) {
			return s.dispatchSingle(ctx, wu, wu.Target)
		}
		if wu.Strictness == queue.TargetHard {
			s.metrics.WorkEnqueued(wu.Type)
			return s.queue.Add(wu, s.hostKey(wu.Target))
		}
	}

	if rank, ok := s.reqs.MatchesType(wu.Type); ok {
		return s.dispatchSingle(ctx, wu, rank)
	}

	hk := 0
	if wu.Target >= 0 {
		hk = s.hostKey(wu.Target)
	}
	s.metrics.WorkEnqueued(wu.Type)
	return s.queue.Add(wu, hk)
}

func (s *Server) dispatchSingle(ctx context.Context, wu *queue.WorkUnit, rank int) error {
	s.metrics.WorkDequeued(wu.Type)
	return s.fabric.Send(ctx, rank, transport.TagGetResponse, encode(GetResponse{OK: true, WU: toWire(wu)}))
}

func (s *Server) dispatchParallel(ctx context.Context, wu *queue.WorkUnit, ranks []int) error {
	wire := toWire(wu)
	wire.TeamRanks = ranks
	s.metrics.WorkDequeued(wu.Type)
	for _, r := range ranks {
		if err := s.fabric.Send(ctx, r, transport.TagGetResponse, encode(GetResponse{OK: true, WU: wire})); err != nil {
			return err
		}
	}
	return nil
}

// Run drives this server until it sees global shutdown or ctx is canceled:
// service sync traffic, service worker GET/PUT/DPUT/STORE_OP traffic,
// occasionally probe for steals, and - if this is the designated master
// server - occasionally poll every peer for idleness. The sleep between
// idle ticks doubles from 1ms up to 20ms and drops back to 1ms whenever a
// tick services a sync or worker message.
func (s *Server) Run(ctx context.Context) error {
	s.ctx = ctx
	s.startTime = time.Now()

	const minBackoff = time.Millisecond
	const maxBackoff = 20 * time.Millisecond
	backoff := minBackoff
	lastIdleCheck := time.Now()

	for !s.sync.ShuttingDown() {
		did := s.drainIncomingOnce(ctx)
		if s.pollWorkerMessage(ctx) {
			did = true
		}

		if did {
			backoff = minBackoff
			continue
		}

		if s.isMaster() && s.isLocallyIdle() && time.Since(lastIdleCheck) > time.Duration(s.cfg.ExhaustTime*float64(time.Second)) {
			lastIdleCheck = time.Now()
			s.runIdleRound(ctx)
			continue
		}

		s.maybeProbeSteal(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
	return s.finalize()
}

func (s *Server) isMaster() bool {
	return s.rank == s.layout.ServerRank(0)
}

// drainIncomingOnce services at most one incoming or deferred sync
// handshake, reporting whether it did anything.
func (s *Server) drainIncomingOnce(ctx context.Context) bool {
	did := false
	if ok, err := s.sync.HandleNextIncoming(ctx); ok {
		did = true
		if err != nil && err != syncproto.ErrShutdown {
			s.log.WithError(err).Error("handling incoming sync")
		}
	}
	if s.sync.PendingCount() > 0 {
		if ok, err := s.sync.DrainOne(ctx); ok {
			did = true
			if err != nil && err != syncproto.ErrShutdown {
				s.log.WithError(err).Error("draining deferred sync")
			}
		}
	}
	return did
}

// pollWorkerMessage services at most one worker-facing message, polling
// each relevant tag explicitly rather than transport.Fabric's generic
// TryRecvAny - which could otherwise race HandleNextIncoming for a
// sync-protocol tag sitting at the head of this rank's shared inbound
// queue.
func (s *Server) pollWorkerMessage(ctx context.Context) bool {
	if msg, ok := s.fabric.TryRecvTag(transport.TagGet); ok {
		if err := s.handleGet(ctx, msg); err != nil {
			s.log.WithError(err).Error("handling get")
		}
		return true
	}
	if msg, ok := s.fabric.TryRecvTag(transport.TagPut); ok {
		if err := s.handlePut(ctx, msg); err != nil {
			s.log.WithError(err).Error("handling put")
		}
		return true
	}
	if msg, ok := s.fabric.TryRecvTag(transport.TagDPut); ok {
		if err := s.handleDPut(ctx, msg); err != nil {
			s.log.WithError(err).Error("handling dput")
		}
		return true
	}
	if msg, ok := s.fabric.TryRecvTag(transport.TagStoreOp); ok {
		if err := s.handleStoreOp(ctx, msg); err != nil {
			s.log.WithError(err).Error("handling store op")
		}
		return true
	}
	// Stray acks addressed to this server from a put/store-op it sent on
	// another server's behalf (a steal, a forwarded reference) - nobody
	// here is waiting on them synchronously.
	for _, tag := range []transport.Tag{transport.TagPutResponse, transport.TagDPutResponse, transport.TagStoreOpResponse} {
		if _, ok := s.fabric.TryRecvTag(tag); ok {
			return true
		}
	}
	return false
}

// maybeProbeSteal initiates a work-steal probe against a random peer if
// this server currently has unmatched requests waiting and the prober's
// rate limit/backoff/concurrency cap allow it.
func (s *Server) maybeProbeSteal(ctx context.Context) {
	if s.layout.Servers <= 1 {
		return
	}
	reqCounts := s.reqs.TypeCounts()
	anyPending := false
	for _, c := range reqCounts {
		if c > 0 {
			anyPending = true
			break
		}
	}
	if !anyPending {
		return
	}

	target, ok := s.prober.TryProbe(time.Now(), func(rng *rand.Rand) int {
		for {
			t := s.layout.ServerRank(rng.Intn(s.layout.Servers))
			if t != s.rank {
				return t
			}
		}
	})
	if !ok {
		return
	}

	if err := s.sync.Sync(ctx, target, transport.SyncHeader{Mode: transport.SyncModeStealProbe}); err != nil {
		s.log.WithError(err).Warn("steal probe failed")
		s.prober.ProbeDone(time.Now(), target, 0)
		return
	}
	s.metrics.SyncSent(transport.SyncModeStealProbe)
	s.metrics.StealProbeSent()
}

// runIdleRound (master only) asks every peer server whether it's idle and
// has nothing pending, and declares global shutdown if they all say yes and
// this server agrees about itself (spec.md §4.10, original's
// servers_idle/shutdown_all_servers).
func (s *Server) runIdleRound(ctx context.Context) {
	s.mu.Lock()
	s.idleRound = true
	s.idleReplies = make(map[int]idleCheckReply)
	s.mu.Unlock()

	for i := 0; i < s.layout.Servers; i++ {
		peer := s.layout.ServerRank(i)
		if peer == s.rank {
			continue
		}
		if err := s.sync.Sync(ctx, peer, transport.SyncHeader{Mode: transport.SyncModeIdleCheck}); err != nil {
			s.log.WithError(err).Warn("idle check probe failed")
			continue
		}
		s.metrics.SyncSent(transport.SyncModeIdleCheck)
	}

	deadline := time.Now().Add(time.Duration(s.cfg.ExhaustTime * float64(time.Second)))
	for time.Now().Before(deadline) {
		s.drainIncomingOnce(ctx)
		s.mu.Lock()
		got := len(s.idleReplies)
		s.mu.Unlock()
		if got >= s.layout.Servers-1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	s.mu.Lock()
	replies := s.idleReplies
	s.idleRound = false
	s.mu.Unlock()

	allIdle := s.isLocallyIdle()
	for i := 0; i < s.layout.Servers; i++ {
		peer := s.layout.ServerRank(i)
		if peer == s.rank {
			continue
		}
		r, ok := replies[peer]
		if !ok || !r.idle || r.pendingNotifs {
			allIdle = false
		}
	}
	if allIdle {
		s.declareShutdown(ctx)
	}
}

// declareShutdown marks this server shutting down and broadcasts
// SyncModeShutdown to every peer, which sets shuttingDown on the receiving
// end via their own accept().
func (s *Server) declareShutdown(ctx context.Context) {
	s.sync.DeclareShutdown()
	for i := 0; i < s.layout.Servers; i++ {
		peer := s.layout.ServerRank(i)
		if peer == s.rank {
			continue
		}
		if err := s.sync.Sync(ctx, peer, transport.SyncHeader{Mode: transport.SyncModeShutdown}); err != nil {
			s.log.WithError(err).Warn("broadcasting shutdown")
			continue
		}
		s.metrics.SyncSent(transport.SyncModeShutdown)
	}
	s.log.Info("global shutdown declared")
}

// finalize runs once Run's loop exits: reports leaked datums and stranded
// work, matching the original's ADLB_Finalize diagnostics (spec.md §7).
func (s *Server) finalize() error {
	stranded := s.queue.Finalize()
	waitingRanks := s.reqs.Shutdown()
	abandoned := s.deps.Abandon()

	if s.cfg.ReportLeaks {
		for _, leak := range s.store.ReportLeaks() {
			s.log.WithFields(logrus.Fields{
				"id": leak.ID, "name": leak.Name, "type": leak.Type,
				"read_rc": leak.ReadRC, "write_rc": leak.WriteRC,
			}).Warn("leaked datum at shutdown")
		}
	}
	if s.cfg.PrintTime {
		s.log.WithField("elapsed", time.Since(s.startTime)).Info("server finalized")
	}
	if len(stranded) > 0 {
		s.log.WithField("count", len(stranded)).Warn("work units never dispatched at shutdown")
	}
	if len(abandoned) > 0 {
		s.log.WithField("count", len(abandoned)).Warn("dput tasks never released at shutdown")
	}

	// Unlike leak reporting, this runs unconditionally: an outstanding
	// listener means a dataflow graph the program built never completed,
	// which spec.md §7 treats as a correctness bug in the program rather
	// than a debug-only diagnostic.
	unresolved, unresolvedErr := s.store.FinalizeCheck()
	for _, u := range unresolved {
		fields := logrus.Fields{"id": u.ID, "name": u.Name}
		if len(u.Subscript) > 0 {
			fields["subscript"] = string(u.Subscript)
		}
		switch u.Kind {
		case store.KindUnfilledSubscribe:
			fields["rank"] = u.Rank
			fields["work_type"] = u.WorkType
		case store.KindUnfilledContainerReference:
			fields["ref_id"] = u.RefID
			if len(u.RefSub) > 0 {
				fields["ref_subscript"] = string(u.RefSub)
			}
		}
		s.log.WithFields(fields).Error(u.Kind)
	}

	for _, r := range waitingRanks {
		_ = s.fabric.Send(context.Background(), r, transport.TagGetResponse, encode(GetResponse{Shutdown: true}))
	}
	return unresolvedErr
}

func intToInt32(in []int) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}

func int32ToInt(in []int32) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}
