package server

import (
	"context"

	"github.com/swift-lang/swift-t-sub000/internal/depengine"
	"github.com/swift-lang/swift-t-sub000/internal/queue"
	"github.com/swift-lang/swift-t-sub000/internal/store"
	"github.com/swift-lang/swift-t-sub000/internal/transport"
)

// toWire converts a local queue.WorkUnit to its wire shape.
func toWire(wu *queue.WorkUnit) WireWorkUnit {
	return WireWorkUnit{
		ID:          wu.ID,
		Type:        wu.Type,
		Priority:    wu.Priority,
		Parallelism: wu.Parallelism,
		Target:      wu.Target,
		Strictness:  int(wu.Strictness),
		Accuracy:    int(wu.Accuracy),
		AnswerRank:  wu.AnswerRank,
		Payload:     wu.Payload,
	}
}

// fromWire converts a wire work unit back to a local queue.WorkUnit,
// dropping TeamRanks (only meaningful on the dispatch side).
func fromWire(w WireWorkUnit) *queue.WorkUnit {
	return &queue.WorkUnit{
		ID:          w.ID,
		Type:        w.Type,
		Priority:    w.Priority,
		Parallelism: w.Parallelism,
		Target:      w.Target,
		Strictness:  queue.TargetStrictness(w.Strictness),
		Accuracy:    queue.TargetAccuracy(w.Accuracy),
		AnswerRank:  w.AnswerRank,
		Payload:     w.Payload,
	}
}

// handleGet services a worker's GetRequest: match it immediately against
// the work queue, or - for a blocking request that doesn't match - register
// it in the request queue for a future put/steal to satisfy.
func (s *Server) handleGet(ctx context.Context, msg transport.Message) error {
	var req GetRequest
	if err := decode(msg.Body, &req); err != nil {
		return err
	}

	if wu := s.queue.Get(req.WorkType, req.Rank, s.hostKey(req.Rank)); wu != nil {
		s.metrics.WorkDequeued(req.WorkType)
		return s.fabric.Send(ctx, req.Rank, transport.TagGetResponse, encode(GetResponse{OK: true, WU: toWire(wu)}))
	}

	if !req.Blocking {
		return s.fabric.Send(ctx, req.Rank, transport.TagGetResponse, encode(GetResponse{OK: false}))
	}
	return s.reqs.Add(req.Rank, req.WorkType, 1, true)
}

// handlePut services a worker's (or peer server's, when forwarding) put.
func (s *Server) handlePut(ctx context.Context, msg transport.Message) error {
	var req PutRequest
	if err := decode(msg.Body, &req); err != nil {
		return err
	}
	wu := fromWire(req.WU)
	if err := s.addAndMatch(ctx, wu); err != nil {
		return err
	}
	if s.layout.IsWorker(msg.Src) {
		return s.fabric.Send(ctx, msg.Src, transport.TagPutResponse, encode(PutResponse{OK: true}))
	}
	return nil
}

// handleDPut services a dput: it becomes a normal put only once every
// listed dependency has closed, tracked through depengine (which resolves
// each dep locally or forwards the subscription to its home server via
// Server.Subscribe).
func (s *Server) handleDPut(ctx context.Context, msg transport.Message) error {
	var req DPutRequest
	if err := decode(msg.Body, &req); err != nil {
		return err
	}
	wu := fromWire(req.WU)
	deps := make([]depengine.Dep, len(req.Deps))
	for i, d := range req.Deps {
		deps[i] = depengine.Dep{ID: d.ID, Sub: d.Sub}
	}

	_, err := s.deps.Register(deps, func() {
		if err := s.addAndMatch(s.ctx, wu); err != nil {
			s.log.WithError(err).WithField("id", wu.ID).Error("dispatching released dput work unit")
		}
	})
	if err != nil {
		return err
	}
	if s.layout.IsWorker(msg.Src) {
		return s.fabric.Send(ctx, msg.Src, transport.TagDPutResponse, encode(DPutResponse{OK: true}))
	}
	return nil
}

// handleStoreOp dispatches one client data-store operation to the local
// store, translating a store.Error result into an OK=false StoreOpResponse
// (store errors are ordinary user-visible results, never fatal to the
// server) rather than propagating it as a Go error, and delivering whatever
// notify.Set the operation produced.
func (s *Server) handleStoreOp(ctx context.Context, msg transport.Message) error {
	var req StoreOpRequest
	if err := decode(msg.Body, &req); err != nil {
		return err
	}

	resp := s.dispatchStoreOp(ctx, req)

	if s.layout.IsWorker(msg.Src) {
		return s.fabric.Send(ctx, msg.Src, transport.TagStoreOpResponse, encode(resp))
	}
	return nil
}

func (s *Server) dispatchStoreOp(ctx context.Context, req StoreOpRequest) StoreOpResponse {
	switch req.Op {
	case OpCreate:
		return s.dispatchCreate(req)
	case OpStore:
		return s.dispatchStore(ctx, req)
	case OpRetrieve:
		return s.dispatchRetrieve(ctx, req)
	case OpExists:
		return s.dispatchExists(ctx, req)
	case OpEnumerate:
		return s.dispatchEnumerate(req)
	case OpInsertAtomic:
		return s.dispatchInsertAtomic(req)
	case OpSubscribe:
		return s.dispatchSubscribe(req)
	case OpContainerReference:
		return s.dispatchContainerReference(ctx, req)
	case OpRefcountIncr:
		return s.dispatchRefcountIncr(ctx, req)
	case OpRefcountGet:
		return s.dispatchRefcountGet(ctx, req)
	case OpLock:
		return s.dispatchLock(req)
	case OpUnlock:
		return s.dispatchUnlock(req)
	case OpTypeof:
		return s.dispatchTypeof(req)
	case OpContainerSize:
		return s.dispatchContainerSize(req)
	case OpUnique:
		return s.dispatchUnique(req)
	case OpAllocGlobal:
		return s.dispatchAllocGlobal(req)
	case OpPermanent:
		return s.dispatchPermanent(req)
	case OpReadRefcountEnable:
		return s.dispatchReadRefcountEnable(req)
	default:
		return StoreOpResponse{OK: false, ErrMsg: "server: unknown store op"}
	}
}

// errResponse turns a failing store call into a StoreOpResponse. A
// store.Error is an ordinary user-visible result and is reported quietly;
// anything else is an unexpected internal fault and gets logged, since
// store.Store's contract is that only *store.Error ever reaches a caller
// for bad input.
func (s *Server) errResponse(err error) StoreOpResponse {
	if store.CodeOf(err) == store.CodeUnknown {
		s.log.WithError(err).Error("unexpected internal error from store")
	}
	return StoreOpResponse{OK: false, ErrMsg: err.Error()}
}

func (s *Server) dispatchCreate(req StoreOpRequest) StoreOpResponse {
	props := store.CreateProps{ReadRefcount: req.IncrRead, WriteRefcount: req.IncrWrite, Permanent: req.Permanent}
	extra := store.TypeExtra{Valid: false}
	if req.ExtraValid {
		extra = store.TypeExtra{KeyType: store.DataType(req.KeyType), ValType: store.DataType(req.ValType), Valid: true}
	}
	if err := s.store.Create(req.ID, store.DataType(req.Type), extra, props); err != nil {
		return s.errResponse(err)
	}
	return StoreOpResponse{OK: true}
}

func (s *Server) dispatchStore(ctx context.Context, req StoreOpRequest) StoreOpResponse {
	decr := store.Refc{Read: req.DecrRead, Write: req.DecrWrite}
	storeRefs := store.Refc{Read: req.StoreRead, Write: req.StoreWrite}
	set, err := s.store.StoreValue(req.ID, store.Subscript(req.Sub), store.DataType(req.Type), req.Value, decr, storeRefs)
	if err != nil {
		return s.errResponse(err)
	}
	s.deliverSetAsync(ctx, set)
	return StoreOpResponse{OK: true}
}

func (s *Server) dispatchRetrieve(ctx context.Context, req StoreOpRequest) StoreOpResponse {
	refc := store.RetrieveRefc{
		DecrSelf:     store.Refc{Read: req.DecrRead, Write: req.DecrWrite},
		IncrReferand: store.Refc{Read: req.IncrRead, Write: req.IncrWrite},
	}
	typ, value, set, err := s.store.Retrieve(req.ID, store.Subscript(req.Sub), refc)
	if err != nil {
		return s.errResponse(err)
	}
	s.deliverSetAsync(ctx, set)
	return StoreOpResponse{OK: true, Type: int(typ), Value: value}
}

func (s *Server) dispatchExists(ctx context.Context, req StoreOpRequest) StoreOpResponse {
	decr := store.Refc{Read: req.DecrRead, Write: req.DecrWrite}
	exists, set, err := s.store.Exists(req.ID, store.Subscript(req.Sub), decr)
	if err != nil {
		return s.errResponse(err)
	}
	s.deliverSetAsync(ctx, set)
	return StoreOpResponse{OK: true, Exists: exists}
}

func (s *Server) dispatchEnumerate(req StoreOpRequest) StoreOpResponse {
	decr := store.Refc{Read: req.DecrRead, Write: req.DecrWrite}
	keys, vals, err := s.store.Enumerate(req.ID, req.Count, req.Offset, req.WantKeys, req.WantVals, decr)
	if err != nil {
		return s.errResponse(err)
	}
	return StoreOpResponse{OK: true, Keys: keys, Vals: vals}
}

func (s *Server) dispatchInsertAtomic(req StoreOpRequest) StoreOpResponse {
	refc := store.Refc{Read: req.StoreRead, Write: req.StoreWrite}
	res, err := s.store.InsertAtomic(req.ID, store.Subscript(req.Sub), refc)
	if err != nil {
		return s.errResponse(err)
	}
	return StoreOpResponse{OK: true, Created: res.Created, Present: res.Present, Value: res.Value, Type: int(res.ValueType)}
}

// dispatchSubscribe handles a worker's own subscribe request - distinct
// from Server.HandleSubscribe, which services a peer server forwarding a
// subscription on a remote worker's behalf.
func (s *Server) dispatchSubscribe(req StoreOpRequest) StoreOpResponse {
	alreadySet, err := s.store.Subscribe(req.ID, store.Subscript(req.Sub), req.Rank, req.WorkType)
	if err != nil {
		return s.errResponse(err)
	}
	return StoreOpResponse{OK: true, AlreadySet: alreadySet}
}

func (s *Server) dispatchContainerReference(ctx context.Context, req StoreOpRequest) StoreOpResponse {
	transferRefs := store.Refc{Read: req.TransferRead, Write: req.TransferWrite}
	set, err := s.store.ContainerReference(req.ID, store.Subscript(req.Sub), req.RefID, store.Subscript(req.RefSub), store.DataType(req.RefType), transferRefs, req.RefWriteDecr)
	if err != nil {
		return s.errResponse(err)
	}
	s.deliverSetAsync(ctx, set)
	return StoreOpResponse{OK: true}
}

func (s *Server) dispatchRefcountIncr(ctx context.Context, req StoreOpRequest) StoreOpResponse {
	delta := store.Refc{Read: req.IncrRead, Write: req.IncrWrite}
	set, err := s.store.RefcountIncr(req.ID, delta)
	if err != nil {
		return s.errResponse(err)
	}
	s.deliverSetAsync(ctx, set)
	return StoreOpResponse{OK: true}
}

func (s *Server) dispatchRefcountGet(ctx context.Context, req StoreOpRequest) StoreOpResponse {
	decr := store.Refc{Read: req.DecrRead, Write: req.DecrWrite}
	refc, set, err := s.store.RefcountGet(req.ID, decr)
	if err != nil {
		return s.errResponse(err)
	}
	s.deliverSetAsync(ctx, set)
	return StoreOpResponse{OK: true, ReadRC: refc.Read, WriteRC: refc.Write}
}

func (s *Server) dispatchLock(req StoreOpRequest) StoreOpResponse {
	acquired, err := s.store.Lock(req.ID)
	if err != nil {
		return s.errResponse(err)
	}
	return StoreOpResponse{OK: true, Acquired: acquired}
}

func (s *Server) dispatchUnlock(req StoreOpRequest) StoreOpResponse {
	if err := s.store.Unlock(req.ID); err != nil {
		return s.errResponse(err)
	}
	return StoreOpResponse{OK: true}
}

func (s *Server) dispatchTypeof(req StoreOpRequest) StoreOpResponse {
	typ, extra, err := s.store.TypeOf(req.ID, store.Subscript(req.Sub))
	if err != nil {
		return s.errResponse(err)
	}
	resp := StoreOpResponse{OK: true, Type: int(typ)}
	if extra.Valid {
		resp.KeyType = int(extra.KeyType)
		resp.ValType = int(extra.ValType)
	}
	return resp
}

func (s *Server) dispatchContainerSize(req StoreOpRequest) StoreOpResponse {
	n, err := s.store.ContainerSize(req.ID, store.Subscript(req.Sub))
	if err != nil {
		return s.errResponse(err)
	}
	return StoreOpResponse{OK: true, Count: n}
}

// dispatchUnique mints one fresh id from this server's own id stripe, per
// spec.md §6.1's unique() client operation.
func (s *Server) dispatchUnique(req StoreOpRequest) StoreOpResponse {
	return StoreOpResponse{OK: true, ID: s.ids.Unique()}
}

// dispatchAllocGlobal reserves req.Count ids from this server's stripe
// (consecutive ids differ by the server count) and returns the first
// (spec.md §6.1's alloc_global).
func (s *Server) dispatchAllocGlobal(req StoreOpRequest) StoreOpResponse {
	count := req.Count
	if count < 1 {
		count = 1
	}
	return StoreOpResponse{OK: true, ID: s.ids.AllocGlobal(count)}
}

func (s *Server) dispatchPermanent(req StoreOpRequest) StoreOpResponse {
	if err := s.store.MarkPermanent(req.ID); err != nil {
		return s.errResponse(err)
	}
	return StoreOpResponse{OK: true}
}

// dispatchReadRefcountEnable toggles read-refcounting on this server's
// store only: unlike the original's broadcast ADLB_Read_refcount_enable,
// each server here owns its own datums, so there is no global flag to
// fan the toggle out to.
func (s *Server) dispatchReadRefcountEnable(req StoreOpRequest) StoreOpResponse {
	s.store.SetReadRefcountEnable(req.Enable)
	return StoreOpResponse{OK: true}
}
