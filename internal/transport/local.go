package transport

import (
	"context"
	"fmt"
	"sync"
)

// LocalHub is the shared state backing a set of LocalFabric handles, one per
// simulated rank, all within a single OS process. It plays the role that an
// MPI communicator would play in a real deployment.
type LocalHub struct {
	mailboxes []*mailbox
}

// NewLocalHub creates a hub for size simulated ranks [0, size).
func NewLocalHub(size int) *LocalHub {
	h := &LocalHub{mailboxes: make([]*mailbox, size)}
	for i := range h.mailboxes {
		h.mailboxes[i] = newMailbox()
	}
	return h
}

// Size returns the number of ranks in this hub.
func (h *LocalHub) Size() int { return len(h.mailboxes) }

// Fabric returns a Fabric handle for the given rank.
func (h *LocalHub) Fabric(rank int) Fabric {
	if rank < 0 || rank >= len(h.mailboxes) {
		panic(fmt.Sprintf("transport: rank %d out of range [0,%d)", rank, len(h.mailboxes)))
	}
	return &LocalFabric{hub: h, rank: rank}
}

// mailbox is a FIFO queue of messages destined for one rank, with blocking
// consumers woken by a condition variable. Messages are delivered in
// arrival order across all tags (matching MPI's per-(src,dst,tag) ordering
// plus the fact that our single queue is a strict superset of ordering
// guarantees the protocol actually relies on).
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Message
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) push(msg Message) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()
	m.cond.Broadcast()
}

func (m *mailbox) popAny() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return Message{}, false
	}
	msg := m.queue[0]
	m.queue = m.queue[1:]
	return msg, true
}

func (m *mailbox) popTag(tag Tag) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, msg := range m.queue {
		if msg.Tag == tag {
			m.queue = append(m.queue[:i:i], m.queue[i+1:]...)
			return msg, true
		}
	}
	return Message{}, false
}

// LocalFabric is a Fabric implementation over a LocalHub: every Send/Recv is
// a direct operation on the destination/own mailbox, synchronized with a
// mutex+condvar rather than any real network I/O.
type LocalFabric struct {
	hub  *LocalHub
	rank int
}

var _ Fabric = (*LocalFabric)(nil)

func (f *LocalFabric) Rank() int { return f.rank }
func (f *LocalFabric) Size() int { return f.hub.Size() }

func (f *LocalFabric) Send(ctx context.Context, dst int, tag Tag, body []byte) error {
	if dst < 0 || dst >= f.hub.Size() {
		return fmt.Errorf("transport: send to out-of-range rank %d", dst)
	}
	// Copy body so the sender can reuse its buffer immediately, as a real
	// MPI async send implementation would require once it returns.
	cp := make([]byte, len(body))
	copy(cp, body)
	f.hub.mailboxes[dst].push(Message{Src: f.rank, Dst: dst, Tag: tag, Body: cp})
	return nil
}

func (f *LocalFabric) RecvAny(ctx context.Context) (Message, error) {
	mb := f.hub.mailboxes[f.rank]
	return waitFor(ctx, mb, mb.popAny)
}

func (f *LocalFabric) TryRecvAny() (Message, bool) {
	return f.hub.mailboxes[f.rank].popAny()
}

func (f *LocalFabric) RecvTag(ctx context.Context, tag Tag) (Message, error) {
	mb := f.hub.mailboxes[f.rank]
	return waitFor(ctx, mb, func() (Message, bool) { return mb.popTag(tag) })
}

func (f *LocalFabric) TryRecvTag(tag Tag) (Message, bool) {
	return f.hub.mailboxes[f.rank].popTag(tag)
}

func (f *LocalFabric) Close() error { return nil }

// waitFor blocks on mb's condvar until pop succeeds or ctx is done. The
// watcher goroutine exists only to translate ctx cancellation into a
// Broadcast wakeup; it exits as soon as pop succeeds or ctx fires.
func waitFor(ctx context.Context, mb *mailbox, pop func() (Message, bool)) (Message, error) {
	if msg, ok := pop(); ok {
		return msg, nil
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			mb.cond.Broadcast()
		case <-done:
		}
	}()

	mb.mu.Lock()
	defer mb.mu.Unlock()
	for {
		mb.mu.Unlock()
		if msg, ok := pop(); ok {
			mb.mu.Lock()
			return msg, nil
		}
		mb.mu.Lock()
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		default:
		}
		mb.cond.Wait()
	}
}
