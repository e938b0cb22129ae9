package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swift-lang/swift-t-sub000/internal/client"
	"github.com/swift-lang/swift-t-sub000/internal/config"
	"github.com/swift-lang/swift-t-sub000/internal/layout"
	"github.com/swift-lang/swift-t-sub000/internal/logging"
	"github.com/swift-lang/swift-t-sub000/internal/metrics"
	"github.com/swift-lang/swift-t-sub000/internal/server"
	"github.com/swift-lang/swift-t-sub000/internal/store"
	"github.com/swift-lang/swift-t-sub000/internal/transport"
)

// newTestJob builds one worker and one server, wires them over a LocalHub,
// and starts the server's Run loop in the background. It returns the
// worker's Client and a cancel func that stops the server and waits for it
// to finish.
func newTestJob(t *testing.T) (*client.Client, func()) {
	t.Helper()
	l, err := layout.New(1, 1, func(rank int) string { return "host" })
	require.NoError(t, err)

	hub := transport.NewLocalHub(2)
	serverRank := l.ServerRank(0)
	ids := layout.NewIDSpace(0, 1)
	srv := server.New(serverRank, l, hub.Fabric(serverRank), ids, 2, config.Default(), logging.Discard(), metrics.New(nil, false), 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()

	c, err := client.Init(0, l, hub.Fabric(0), logging.Discard())
	require.NoError(t, err)

	return c, func() {
		cancel()
		<-done
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	c, stop := newTestJob(t)
	defer stop()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, []byte("hello"), -1, -1, 0, client.DefaultOptions()))

	task, err := c.Get(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), task.Payload)
}

func TestIGetReturnsNotOKWithNothingQueued(t *testing.T) {
	c, stop := newTestJob(t)
	defer stop()
	ctx := context.Background()

	_, ok, err := c.IGet(ctx, 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAGetResolvesOncePutArrives(t *testing.T) {
	c, stop := newTestJob(t)
	defer stop()
	ctx := context.Background()

	h, err := c.AGet(ctx, 0)
	require.NoError(t, err)

	_, ok, err := h.Test()
	require.NoError(t, err)
	require.False(t, ok, "nothing has been put yet")

	require.NoError(t, c.Put(ctx, []byte("payload"), -1, -1, 0, client.DefaultOptions()))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	task, err := h.Wait(waitCtx)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), task.Payload)
}

func TestCreateStoreRetrieveRoundTrip(t *testing.T) {
	c, stop := newTestJob(t)
	defer stop()
	ctx := context.Background()

	id, err := c.Unique(ctx)
	require.NoError(t, err)

	require.NoError(t, c.CreateInteger(ctx, id, store.DefaultCreateProps))
	require.NoError(t, c.Store(ctx, id, nil, store.TypeInteger, []byte("42"), store.Refc{}, store.Refc{}))

	typ, value, err := c.Retrieve(ctx, id, nil, store.RetrieveRefc{})
	require.NoError(t, err)
	require.Equal(t, store.TypeInteger, typ)
	require.Equal(t, []byte("42"), value)

	exists, err := c.Exists(ctx, id, nil, store.Refc{})
	require.NoError(t, err)
	require.True(t, exists)
}

func TestSubscribeReportsAlreadySetAfterStore(t *testing.T) {
	c, stop := newTestJob(t)
	defer stop()
	ctx := context.Background()

	id, err := c.Unique(ctx)
	require.NoError(t, err)
	require.NoError(t, c.CreateInteger(ctx, id, store.DefaultCreateProps))
	require.NoError(t, c.Store(ctx, id, nil, store.TypeInteger, []byte("1"), store.Refc{}, store.Refc{}))

	alreadySet, err := c.Subscribe(ctx, id, nil, 0)
	require.NoError(t, err)
	require.True(t, alreadySet)
}

func TestDPutReleasesOnceDependencyCloses(t *testing.T) {
	c, stop := newTestJob(t)
	defer stop()
	ctx := context.Background()

	depID, err := c.Unique(ctx)
	require.NoError(t, err)
	require.NoError(t, c.CreateInteger(ctx, depID, store.DefaultCreateProps))

	require.NoError(t, c.DPut(ctx, []byte("dependent"), -1, -1, 0, client.DefaultOptions(), "t1", []client.Dep{{ID: depID}}))

	_, ok, err := c.IGet(ctx, 0)
	require.NoError(t, err)
	require.False(t, ok, "dput task must not be ready before its dependency closes")

	require.NoError(t, c.Store(ctx, depID, nil, store.TypeInteger, []byte("1"), store.Refc{}, store.Refc{}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, ok, err := c.IGet(ctx, 0)
		require.NoError(t, err)
		if ok {
			require.Equal(t, []byte("dependent"), task.Payload)
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("dput task never became ready after its dependency closed")
}

func TestGetReturnsShutdownAfterIdleTimeout(t *testing.T) {
	l, err := layout.New(1, 1, func(rank int) string { return "host" })
	require.NoError(t, err)
	hub := transport.NewLocalHub(2)
	serverRank := l.ServerRank(0)
	ids := layout.NewIDSpace(0, 1)
	cfg := config.Default()
	cfg.ExhaustTime = 0.01
	srv := server.New(serverRank, l, hub.Fabric(serverRank), ids, 2, cfg, logging.Discard(), metrics.New(nil, false), 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()

	c, err := client.Init(0, l, hub.Fabric(0), logging.Discard())
	require.NoError(t, err)

	getCtx, cancelGet := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelGet()
	_, err = c.Get(getCtx, 0)
	require.ErrorIs(t, err, client.ErrShutdown)

	<-done
}
