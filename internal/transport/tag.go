// Package transport implements the messaging substrate of spec.md component
// C2: a tag enumeration, fixed-width header pack/unpack, a big-message
// chunking convention, and a Fabric abstraction over point-to-point
// delivery.
//
// spec.md treats the MPI library itself as an opaque transport substrate
// out of scope (§1); no repository in the retrieval pack links against a
// real Go MPI binding, so Fabric is implemented here by LocalFabric, a
// goroutine-and-channel simulation of N ranks in one process. This mirrors
// the teacher's own substrate (see internal/workgraph) generalized from one
// process coordinating workers to N simulated ranks coordinating servers and
// workers, and matches the Design Notes instruction to express MPI-style
// non-blocking waits as explicit polling loops over this substrate.
package transport

// Tag identifies the kind of message carried by an envelope. Tags fall into
// the four groups named by spec.md §6.2: request-to-server,
// response-to-worker, server-to-server sync, and payload transfer.
type Tag uint8

const (
	// TagGet is a worker->server request for a matching task.
	TagGet Tag = iota
	// TagGetResponse is a server->worker reply carrying a task (or a
	// shutdown indication).
	TagGetResponse
	// TagPut is a worker->server submission of an independent task.
	TagPut
	// TagPutResponse is the server's ack of a TagPut.
	TagPutResponse
	// TagDPut is a worker->server submission of a data-dependent task.
	TagDPut
	// TagDPutResponse is the server's ack of a TagDPut.
	TagDPutResponse
	// TagStoreOp carries a data-store client operation
	// (create/store/retrieve/exists/enumerate/insert_atomic/subscribe/
	// container_reference/refcount_incr/refcount_get/lock/unlock) from a
	// worker to its home server.
	TagStoreOp
	// TagStoreOpResponse carries the reply to a TagStoreOp.
	TagStoreOpResponse

	// TagSyncRequest is the fixed-size sync header sent by one server to
	// another to begin any inter-server handshake (spec.md §4.3).
	TagSyncRequest
	// TagSyncAccept carries the accept token for sync modes that require
	// one (REQUEST, STEAL and REFCOUNT_WAIT; see SyncMode.RequiresAccept).
	TagSyncAccept
	// TagSyncSub carries sync payload that didn't fit inline in the
	// header (e.g. oversized subscripts).
	TagSyncSub
	// TagSyncShutdown is the master's broadcast that global shutdown has
	// been declared.
	TagSyncShutdown
	// TagSyncCancel is the dummy message a sync initiator sends its target
	// when it abandons a REQUEST-mode sync because a shutdown raced it, so
	// the target (which is expecting a follow-up RPC) doesn't block
	// forever waiting for one that will never come (spec.md §4.3,
	// original's ADLB_TAG_DO_NOTHING).
	TagSyncCancel

	// TagPayload carries a big-send payload chunk, prefixed by a
	// PayloadHeader.
	TagPayload
)

func (t Tag) String() string {
	switch t {
	case TagGet:
		return "GET"
	case TagGetResponse:
		return "GET_RESPONSE"
	case TagPut:
		return "PUT"
	case TagPutResponse:
		return "PUT_RESPONSE"
	case TagDPut:
		return "DPUT"
	case TagDPutResponse:
		return "DPUT_RESPONSE"
	case TagStoreOp:
		return "STORE_OP"
	case TagStoreOpResponse:
		return "STORE_OP_RESPONSE"
	case TagSyncRequest:
		return "SYNC_REQUEST"
	case TagSyncAccept:
		return "SYNC_ACCEPT"
	case TagSyncSub:
		return "SYNC_SUB"
	case TagSyncShutdown:
		return "SYNC_SHUTDOWN"
	case TagSyncCancel:
		return "SYNC_CANCEL"
	case TagPayload:
		return "PAYLOAD"
	default:
		return "UNKNOWN_TAG"
	}
}
