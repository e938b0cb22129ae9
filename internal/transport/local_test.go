package transport_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swift-lang/swift-t-sub000/internal/transport"
)

func TestLocalFabricSendRecvAny(t *testing.T) {
	hub := transport.NewLocalHub(3)
	a := hub.Fabric(0)
	b := hub.Fabric(1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, a.Send(ctx, 1, transport.TagPut, []byte("hello")))

	msg, err := b.RecvAny(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, msg.Src)
	assert.Equal(t, transport.TagPut, msg.Tag)
	assert.Equal(t, []byte("hello"), msg.Body)
}

func TestLocalFabricRecvTagSkipsOtherTags(t *testing.T) {
	hub := transport.NewLocalHub(2)
	a := hub.Fabric(0)
	b := hub.Fabric(1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, a.Send(ctx, 1, transport.TagGet, []byte("get")))
	require.NoError(t, a.Send(ctx, 1, transport.TagSyncRequest, []byte("sync")))

	msg, err := b.RecvTag(ctx, transport.TagSyncRequest)
	require.NoError(t, err)
	assert.Equal(t, []byte("sync"), msg.Body)

	// The GET message skipped over by RecvTag must still be there.
	msg, err = b.RecvAny(ctx)
	require.NoError(t, err)
	assert.Equal(t, transport.TagGet, msg.Tag)
}

func TestLocalFabricTryRecvNonBlocking(t *testing.T) {
	hub := transport.NewLocalHub(2)
	a := hub.Fabric(0)
	b := hub.Fabric(1)

	_, ok := b.TryRecvAny()
	assert.False(t, ok)

	require.NoError(t, a.Send(context.Background(), 1, transport.TagPut, nil))
	msg, ok := b.TryRecvAny()
	assert.True(t, ok)
	assert.Equal(t, transport.TagPut, msg.Tag)
}

func TestLocalFabricRecvAnyBlocksUntilSend(t *testing.T) {
	hub := transport.NewLocalHub(2)
	a := hub.Fabric(0)
	b := hub.Fabric(1)

	var wg sync.WaitGroup
	wg.Add(1)
	var got transport.Message
	go func() {
		defer wg.Done()
		msg, err := b.RecvAny(context.Background())
		if err == nil {
			got = msg
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Send(context.Background(), 1, transport.TagDPut, []byte("late")))
	wg.Wait()
	assert.Equal(t, []byte("late"), got.Body)
}

func TestLocalFabricRecvAnyRespectsCancellation(t *testing.T) {
	hub := transport.NewLocalHub(2)
	b := hub.Fabric(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.RecvAny(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSyncHeaderRoundTrip(t *testing.T) {
	h := transport.SyncHeader{
		Mode: transport.SyncModeSubscribe,
		Rank: 7,
		ID:   12345,
		Sub:  []byte("field"),
	}
	buf, overflow := h.Pack()
	require.False(t, overflow)

	got, err := transport.UnpackSyncHeader(buf[:])
	require.NoError(t, err)
	assert.Equal(t, h.Mode, got.Mode)
	assert.Equal(t, h.Rank, got.Rank)
	assert.Equal(t, h.ID, got.ID)
	assert.Equal(t, h.Sub, got.Sub)
	assert.False(t, got.SubOverflow)
}

func TestSyncHeaderSubscriptOverflow(t *testing.T) {
	big := make([]byte, 4096)
	h := transport.SyncHeader{Mode: transport.SyncModeSubscribe, Sub: big}
	buf, overflow := h.Pack()
	require.True(t, overflow)

	got, err := transport.UnpackSyncHeader(buf[:])
	require.NoError(t, err)
	assert.True(t, got.SubOverflow)
	assert.Nil(t, got.Sub)
}

func TestSyncModeRequiresAccept(t *testing.T) {
	assert.True(t, transport.SyncModeRequest.RequiresAccept())
	assert.False(t, transport.SyncModeNotify.RequiresAccept())
	assert.True(t, transport.SyncModeSteal.RequiresAccept())
}

func TestChunkAndReassemblePayloadSmall(t *testing.T) {
	body := []byte("a small payload that fits in one chunk")
	chunks := transport.ChunkPayload(42, body)
	require.Len(t, chunks, 1)

	got, err := transport.ReassemblePayload(chunks)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestChunkAndReassemblePayloadLarge(t *testing.T) {
	body := make([]byte, transport.BigSendThreshold*3+17)
	for i := range body {
		body[i] = byte(i)
	}
	chunks := transport.ChunkPayload(99, body)
	require.Greater(t, len(chunks), 1)

	// Shuffle delivery order to prove reassembly doesn't depend on arrival order.
	shuffled := append([][]byte(nil), chunks...)
	shuffled[0], shuffled[len(shuffled)-1] = shuffled[len(shuffled)-1], shuffled[0]

	got, err := transport.ReassemblePayload(shuffled)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestReassemblePayloadMissingChunk(t *testing.T) {
	body := make([]byte, transport.BigSendThreshold*2+5)
	chunks := transport.ChunkPayload(1, body)
	require.Greater(t, len(chunks), 1)

	_, err := transport.ReassemblePayload(chunks[:len(chunks)-1])
	assert.Error(t, err)
}
