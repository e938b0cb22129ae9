// Package server implements component C10: the per-server poll loop that
// ties every other component together - matching worker GET/PUT/DPUT
// traffic against the work and request queues, dispatching client store
// operations to the local data store, driving the sync protocol and
// dependency engine, and running the steal and idle/shutdown policies.
//
// Grounded on original_source/lb/code/src/server.c (the ADLB_Server outer
// loop, serve_several's adaptive backoff, workers_idle/check_idle/
// servers_idle/shutdown_all_servers) and handlers.c (per-request dispatch).
package server

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"
)

// Worker-facing messages (GET/PUT/DPUT/STORE_OP) carry arbitrary-shaped,
// variable-length payloads (container values, key/value enumerations,
// dependency lists) that don't fit a fixed-width header the way
// transport.SyncHeader does. No third-party serialization library appears
// anywhere in the retrieval pack's go.mod set - protobuf shows up only as
// prometheus client_golang's transitive dependency, unusable here without
// .proto codegen for message shapes that exist only internally - so these
// envelopes use encoding/gob, the stdlib's answer to exactly this problem
// and net/rpc's own default codec for same-version Go-to-Go calls.
func encode(v interface{}) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		panic(errors.Wrap(err, "server: gob encode")) // a wire struct failing to encode is a programming error
	}
	return buf.Bytes()
}

func decode(body []byte, v interface{}) error {
	return errors.Wrap(gob.NewDecoder(bytes.NewReader(body)).Decode(v), "server: gob decode")
}

// WireWorkUnit is the over-the-wire shape of a queue.WorkUnit, plus the
// worker-rank team a parallel task was matched to.
type WireWorkUnit struct {
	ID          int64
	Type        int
	Priority    int
	Parallelism int
	Target      int
	Strictness  int
	Accuracy    int
	AnswerRank  int
	Payload     []byte
	TeamRanks   []int
}

// WireDep is the over-the-wire shape of a depengine.Dep.
type WireDep struct {
	ID  int64
	Sub []byte
}

// GetRequest asks for one work unit of WorkType. Blocking requests stay
// queued in reqqueue until matched or shutdown; non-blocking requests that
// can't be matched immediately get an OK=false response right away.
type GetRequest struct {
	Rank     int
	WorkType int
	Blocking bool
}

type GetResponse struct {
	OK       bool
	Shutdown bool
	WU       WireWorkUnit
}

// PutRequest submits an independent work unit.
type PutRequest struct {
	WU WireWorkUnit
}

type PutResponse struct {
	OK bool
}

// DPutRequest submits a work unit that becomes ready only once every dep
// has closed.
type DPutRequest struct {
	WU   WireWorkUnit
	Deps []WireDep
}

type DPutResponse struct {
	OK bool
}

// StoreOp names a client data-store operation (spec.md §4.4/§6.1).
type StoreOp int

const (
	OpCreate StoreOp = iota
	OpStore
	OpRetrieve
	OpExists
	OpEnumerate
	OpInsertAtomic
	OpSubscribe
	OpContainerReference
	OpRefcountIncr
	OpRefcountGet
	OpLock
	OpUnlock
	// OpTypeof reports a datum's (or, with Sub set, a subscript's) type.
	OpTypeof
	// OpContainerSize reports the entry count of a container/multiset.
	OpContainerSize
	// OpUnique mints one fresh datum id from the target server's reserved
	// id stripe.
	OpUnique
	// OpAllocGlobal reserves Count ids from the target server's stripe
	// (consecutive ids differ by the server count), returning the first.
	OpAllocGlobal
	// OpPermanent exempts a datum from refcount-driven destruction.
	OpPermanent
	// OpReadRefcountEnable toggles whether read-refcount deltas are applied
	// store-wide on the target server (spec.md §6.1's read_refcount_enable).
	OpReadRefcountEnable
)

// StoreOpRequest is the single generic envelope for every client store
// operation; only the fields relevant to Op are meaningful, the same
// discriminated-union shape original_source/lb/code/src/handlers.c's
// per-opcode structs express as a C union.
type StoreOpRequest struct {
	Op       StoreOp
	Rank     int
	WorkType int

	ID    int64
	Sub   []byte
	Type  int
	Value []byte

	DecrRead, DecrWrite   int
	StoreRead, StoreWrite int

	RefID                int64
	RefSub               []byte
	RefType              int
	TransferRead         int
	TransferWrite        int
	RefWriteDecr         int

	IncrRead, IncrWrite int
	Permanent           bool // OpCreate only
	KeyType             int  // OpCreate only, meaningful when compound (TypeContainer)
	ValType             int  // OpCreate only, meaningful when compound
	ExtraValid          bool // OpCreate only: whether KeyType/ValType should be applied

	Count    int
	Offset   int
	WantKeys bool
	WantVals bool

	Enable bool // OpReadRefcountEnable
}

type StoreOpResponse struct {
	OK     bool
	ErrMsg string

	Type  int
	Value []byte
	Exists bool

	Keys [][]byte
	Vals [][]byte

	Created, Present bool
	AlreadySet       bool
	Acquired         bool

	ReadRC, WriteRC int

	KeyType int // OpTypeof, when the addressed value is compound
	ValType int // OpTypeof, when the addressed value is compound
	Count   int // OpContainerSize

	ID int64 // OpUnique, OpAllocGlobal: the minted id (first of the batch)
}
