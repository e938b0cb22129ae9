package syncproto_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swift-lang/swift-t-sub000/internal/syncproto"
	"github.com/swift-lang/swift-t-sub000/internal/transport"
)

// fakeHandler records every callback it receives, guarded by a mutex since
// Sync's caller and a peer's accept loop may run on different goroutines in
// these tests.
type fakeHandler struct {
	mu sync.Mutex

	requests    []int
	refcounts   []int64
	subscribed  map[int64]bool // ids reported already-set
	notified    []int64
	stealProbes []int
	stealResps  [][]int32
	steals      [][]int32

	idleChecks     []int
	idleCheckResps [][]int32
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{subscribed: make(map[int64]bool)}
}

func (h *fakeHandler) HandleRequest(ctx context.Context, rank int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, rank)
	return nil
}

func (h *fakeHandler) HandleRefcount(id int64, readDelta, writeDelta int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refcounts = append(h.refcounts, id)
	return nil
}

func (h *fakeHandler) HandleSubscribe(rank int, id int64, sub []byte) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribed[id], nil
}

func (h *fakeHandler) HandleNotify(rank int, id int64, sub []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notified = append(h.notified, id)
	return nil
}

func (h *fakeHandler) HandleStealProbe(ctx context.Context, rank int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stealProbes = append(h.stealProbes, rank)
	return nil
}

func (h *fakeHandler) HandleStealProbeResp(rank int, workCounts []int32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stealResps = append(h.stealResps, workCounts)
	return nil
}

func (h *fakeHandler) HandleSteal(ctx context.Context, rank int, workCounts []int32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.steals = append(h.steals, workCounts)
	return nil
}

func (h *fakeHandler) HandleIdleCheck(ctx context.Context, rank int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.idleChecks = append(h.idleChecks, rank)
	return nil
}

func (h *fakeHandler) HandleIdleCheckResp(rank int, payload []int32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.idleCheckResps = append(h.idleCheckResps, payload)
	return nil
}

// pumpIncoming repeatedly services incoming syncs on p until stop fires.
func pumpIncoming(ctx context.Context, p *syncproto.Protocol, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		_, _ = p.HandleNextIncoming(ctx)
		time.Sleep(time.Millisecond)
	}
}

func TestNotifyIsFireAndForget(t *testing.T) {
	hub := transport.NewLocalHub(2)
	hB := newFakeHandler()
	pA := syncproto.New(0, hub.Fabric(0), newFakeHandler())
	pB := syncproto.New(1, hub.Fabric(1), hB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stop := make(chan struct{})
	go pumpIncoming(ctx, pB, stop)
	defer close(stop)

	err := pA.Sync(ctx, 1, transport.SyncHeader{Mode: transport.SyncModeNotify, ID: 42})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		hB.mu.Lock()
		defer hB.mu.Unlock()
		return len(hB.notified) == 1 && hB.notified[0] == 42
	}, time.Second, time.Millisecond)
}

func TestRequestBlocksUntilAccepted(t *testing.T) {
	hub := transport.NewLocalHub(2)
	hB := newFakeHandler()
	pA := syncproto.New(0, hub.Fabric(0), newFakeHandler())
	pB := syncproto.New(1, hub.Fabric(1), hB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stop := make(chan struct{})
	go pumpIncoming(ctx, pB, stop)
	defer close(stop)

	err := pA.Sync(ctx, 1, transport.SyncHeader{Mode: transport.SyncModeRequest})
	require.NoError(t, err)

	hB.mu.Lock()
	defer hB.mu.Unlock()
	assert.Equal(t, []int{0}, hB.requests)
}

func TestLowerRankAcceptedWhileWaitingForOwnAccept(t *testing.T) {
	// Both A (rank 0) and B (rank 1) issue a REQUEST-mode sync to each
	// other at roughly the same time. Tie-break: B (higher rank) must
	// accept A's (lower rank) incoming request even while B's own sync to
	// A is still outstanding, and A only services B's request after A's
	// own sync to B completes (B is the higher rank, so A defers it). B's
	// sync is accepted only once A drains that deferred request, so after
	// its own sync returns A keeps servicing its deferred queue and inbound
	// syncs, as a server loop does, until B's sync completes.
	hub := transport.NewLocalHub(2)
	hA, hB := newFakeHandler(), newFakeHandler()
	pA := syncproto.New(0, hub.Fabric(0), hA)
	pB := syncproto.New(1, hub.Fabric(1), hB)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	errs := make([]error, 2)
	bDone := make(chan struct{})
	go func() {
		defer wg.Done()
		errs[0] = pA.Sync(ctx, 1, transport.SyncHeader{Mode: transport.SyncModeRequest})
		for {
			select {
			case <-bDone:
				return
			default:
			}
			_, _ = pA.DrainOne(ctx)
			_, _ = pA.HandleNextIncoming(ctx)
			time.Sleep(time.Millisecond)
		}
	}()
	go func() {
		defer wg.Done()
		defer close(bDone)
		errs[1] = pB.Sync(ctx, 0, transport.SyncHeader{Mode: transport.SyncModeRequest})
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	hB.mu.Lock()
	bRequests := append([]int(nil), hB.requests...)
	hB.mu.Unlock()
	assert.Contains(t, bRequests, 0, "B must have accepted A's (lower-ranked) request directly")

	// A deferred B's request (B is higher-ranked) and delivered it while
	// draining its deferred queue, so nothing is left pending.
	ok, err := pA.DrainOne(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "A's deferred queue should already be drained")
	hA.mu.Lock()
	assert.Contains(t, hA.requests, 1)
	hA.mu.Unlock()
}

func TestSubscribeAlreadySetSendsImmediateNotify(t *testing.T) {
	hub := transport.NewLocalHub(2)
	hB := newFakeHandler()
	hB.subscribed[7] = true
	pA := syncproto.New(0, hub.Fabric(0), newFakeHandler())
	pB := syncproto.New(1, hub.Fabric(1), hB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stop := make(chan struct{})
	go pumpIncoming(ctx, pB, stop)
	defer close(stop)

	err := pA.Sync(ctx, 1, transport.SyncHeader{Mode: transport.SyncModeSubscribe, ID: 7})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		hB.mu.Lock()
		defer hB.mu.Unlock()
		return len(hB.notified) == 1 && hB.notified[0] == 7
	}, time.Second, time.Millisecond)
}

func TestRefcountPayloadRoundTrips(t *testing.T) {
	hub := transport.NewLocalHub(2)
	hB := newFakeHandler()
	pA := syncproto.New(0, hub.Fabric(0), newFakeHandler())
	pB := syncproto.New(1, hub.Fabric(1), hB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stop := make(chan struct{})
	go pumpIncoming(ctx, pB, stop)
	defer close(stop)

	hdr := transport.SyncHeader{
		Mode: transport.SyncModeRefcount,
		ID:   99,
		Sub:  syncproto.PackRefc(2, -1),
	}
	err := pA.Sync(ctx, 1, hdr)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		hB.mu.Lock()
		defer hB.mu.Unlock()
		return len(hB.refcounts) == 1 && hB.refcounts[0] == 99
	}, time.Second, time.Millisecond)
}

func TestStealProbeRespPayloadRoundTrips(t *testing.T) {
	hub := transport.NewLocalHub(2)
	hB := newFakeHandler()
	pA := syncproto.New(0, hub.Fabric(0), newFakeHandler())
	pB := syncproto.New(1, hub.Fabric(1), hB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stop := make(chan struct{})
	go pumpIncoming(ctx, pB, stop)
	defer close(stop)

	hdr := transport.SyncHeader{
		Mode: transport.SyncModeStealProbeResp,
		Sub:  syncproto.PackInt32s([]int32{3, 0, 7}),
	}
	err := pA.Sync(ctx, 1, hdr)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		hB.mu.Lock()
		defer hB.mu.Unlock()
		return len(hB.stealResps) == 1
	}, time.Second, time.Millisecond)

	hB.mu.Lock()
	assert.Equal(t, []int32{3, 0, 7}, hB.stealResps[0])
	hB.mu.Unlock()
}

func TestSyncRejectsReentrantCall(t *testing.T) {
	hub := transport.NewLocalHub(2)
	pA := syncproto.New(0, hub.Fabric(0), newFakeHandler())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = pA.Sync(ctx, 1, transport.SyncHeader{Mode: transport.SyncModeRequest})
		close(done)
	}()
	time.Sleep(10 * time.Millisecond) // let the goroutine enter Sync and block

	err := pA.Sync(ctx, 1, transport.SyncHeader{Mode: transport.SyncModeRequest})
	assert.Error(t, err)

	<-done
}
