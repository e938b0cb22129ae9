package transport

import "context"

// Message is one point-to-point envelope: (src, dst, tag, bytes) per
// spec.md §6.2.
type Message struct {
	Src  int
	Dst  int
	Tag  Tag
	Body []byte
}

// Fabric is the transport substrate every component above it is written
// against. A real binding would implement this over MPI; LocalFabric
// implements it over goroutines and channels for tests and the in-process
// demo in cmd/adlbd and cmd/adlbw.
type Fabric interface {
	// Rank returns this fabric handle's own rank.
	Rank() int
	// Size returns the total number of ranks in the job (workers+servers).
	Size() int

	// Send delivers body to dst under tag. Ordering guarantee: messages
	// sent from this rank to the same (dst, tag) arrive in send order
	// (spec.md §5, "Messages on a given (src, dst, tag) are ordered by
	// MPI").
	Send(ctx context.Context, dst int, tag Tag, body []byte) error

	// RecvAny blocks until any message addressed to this rank arrives,
	// across all tags, in arrival order. The server loop (component C10)
	// does not use it: it polls each tag with TryRecvTag instead.
	RecvAny(ctx context.Context) (Message, error)

	// TryRecvAny is the non-blocking form of RecvAny: it returns
	// immediately with ok=false if nothing has arrived.
	TryRecvAny() (msg Message, ok bool)

	// RecvTag blocks until a message with the given tag arrives, skipping
	// over (but not discarding) messages of other tags so they remain
	// available to a later RecvAny/TryRecvAny/RecvTag. Used for posting a
	// receive for a specific reply, such as a sync accept token.
	RecvTag(ctx context.Context, tag Tag) (Message, error)

	// TryRecvTag is the non-blocking form of RecvTag.
	TryRecvTag(tag Tag) (msg Message, ok bool)

	// Close releases this handle. It does not affect other ranks.
	Close() error
}
