// Package client implements spec.md §6.1: the synchronous worker-facing API
// an embedded task executor calls to submit and collect work and to operate
// on shared datums, built on top of the wire envelopes internal/server
// exposes to worker ranks over internal/transport.
//
// Grounded on original_source/lb/code/src/adlb.c (the public put/get/dput
// entry points) and api.c's thin wrappers over them; every blocking call
// here is, underneath, one Fabric.Send followed by one Fabric.RecvTag on the
// matching response tag - the same request/response shape
// internal/syncproto uses for server-to-server sync, generalized here to a
// worker talking to its single home server. The pipelined AGet/GetHandle
// pair resolves through internal/workgraph's fire-once cell instead of a
// bare channel, so a goroutine that pipelines async Gets into a cycle on
// itself fails fast rather than deadlocking.
package client

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/swift-lang/swift-t-sub000/internal/layout"
	"github.com/swift-lang/swift-t-sub000/internal/queue"
	"github.com/swift-lang/swift-t-sub000/internal/server"
	"github.com/swift-lang/swift-t-sub000/internal/transport"
	"github.com/swift-lang/swift-t-sub000/internal/workgraph"
)

// ErrShutdown is returned by a blocking call when the server has declared
// global shutdown (spec.md §4.10's idle/shutdown detection) while the call
// was outstanding.
var ErrShutdown = errors.New("client: job is shutting down")

// Task is one work unit delivered to a worker by Get/IGet/a GetHandle.
type Task struct {
	Payload    []byte
	AnswerRank int
	Type       int
}

func taskFromWire(w server.WireWorkUnit) Task {
	return Task{Payload: w.Payload, AnswerRank: w.AnswerRank, Type: w.Type}
}

// Options carries the per-task opts record of spec.md §6.1: priority,
// parallelism width, target strictness, and target accuracy.
type Options struct {
	Priority    int
	Parallelism int
	Strictness  queue.TargetStrictness
	Accuracy    queue.TargetAccuracy
}

// DefaultOptions is an untargeted, single-worker, soft/rank task.
func DefaultOptions() Options {
	return Options{Parallelism: 1, Strictness: queue.TargetSoft, Accuracy: queue.TargetRank}
}

// Client is the worker-side handle opened by init (spec.md §6.1). One
// Client owns one Fabric handle; it is not safe for concurrent blocking
// calls from multiple goroutines, matching the original's single-threaded
// per-rank calling convention (a rank may have only one outstanding get at
// a time - see internal/reqqueue's one-request-per-rank invariant).
type Client struct {
	rank   int
	layout *layout.Layout
	fabric transport.Fabric
	home   int
	log    *logrus.Entry

	nextTaskID int64

	// caller is this Client's single workgraph.Caller, the "linear
	// codepath" that issues pipelined AGet calls (see internal/workgraph's
	// doc comment). A Client is single-goroutine by contract, so one Caller
	// for its whole lifetime is enough to catch a goroutine that ends up
	// awaiting its own outstanding AGet.
	caller *workgraph.Caller
}

// Init opens a Client for worker rank, resolving its home server from l and
// binding it to fabric. It mirrors spec.md §6.1's init(nservers, ntypes,
// type_vect, comm), returning the worker's own Client in place of the
// original's (am_server, worker_comm) pair - am_server is answered instead
// by IsWorker/IsServer on the layout the caller already holds.
func Init(rank int, l *layout.Layout, fabric transport.Fabric, log *logrus.Entry) (*Client, error) {
	if !l.IsWorker(rank) {
		return nil, errors.Errorf("client: rank %d is not a worker rank", rank)
	}
	return &Client{
		rank:   rank,
		layout: l,
		fabric: fabric,
		home:   l.HomeServer(rank),
		log:    log,
		caller: workgraph.NewCaller(),
	}, nil
}

// Rank returns the worker's own rank.
func (c *Client) Rank() int { return c.rank }

// Locate returns the server rank responsible for id (spec.md §6.1's
// locate, a pure function of the layout).
func (c *Client) Locate(id int64) int { return c.layout.DatumHome(id) }

func (c *Client) newTaskID() int64 {
	return int64(c.rank)<<32 | atomic.AddInt64(&c.nextTaskID, 1)
}

func wireOpts(opts Options) (strictness, accuracy int) {
	return int(opts.Strictness), int(opts.Accuracy)
}

// Put submits an independent work unit (spec.md §6.1's put). target is
// queue.NoTarget for an untargeted task; answer is the rank that should be
// recorded as AnswerRank on the dispatched Task (typically the submitter's
// own rank, for gets that expect a reply route).
func (c *Client) Put(ctx context.Context, payload []byte, target, answer, typ int, opts Options) error {
	strictness, accuracy := wireOpts(opts)
	wu := server.WireWorkUnit{
		ID:          c.newTaskID(),
		Type:        typ,
		Priority:    opts.Priority,
		Parallelism: opts.Parallelism,
		Target:      target,
		Strictness:  strictness,
		Accuracy:    accuracy,
		AnswerRank:  answer,
		Payload:     payload,
	}
	if err := c.fabric.Send(ctx, c.home, transport.TagPut, encode(server.PutRequest{WU: wu})); err != nil {
		return errors.Wrap(err, "client: put")
	}
	msg, err := c.fabric.RecvTag(ctx, transport.TagPutResponse)
	if err != nil {
		return errors.Wrap(err, "client: put response")
	}
	var resp server.PutResponse
	if err := decode(msg.Body, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return errors.New("client: put rejected")
	}
	return nil
}

// DPut submits a work unit that becomes ready only once every (id, sub)
// pair in waits has closed (spec.md §6.1's dput). name is carried only for
// debug/trace logging, matching the original's dput "name" argument used
// in error messages, never interpreted by the runtime.
func (c *Client) DPut(ctx context.Context, payload []byte, target, answer, typ int, opts Options, name string, waits []Dep) error {
	strictness, accuracy := wireOpts(opts)
	wu := server.WireWorkUnit{
		ID:          c.newTaskID(),
		Type:        typ,
		Priority:    opts.Priority,
		Parallelism: opts.Parallelism,
		Target:      target,
		Strictness:  strictness,
		Accuracy:    accuracy,
		AnswerRank:  answer,
		Payload:     payload,
	}
	wireDeps := make([]server.WireDep, len(waits))
	for i, d := range waits {
		wireDeps[i] = server.WireDep{ID: d.ID, Sub: d.Sub}
	}
	if err := c.fabric.Send(ctx, c.home, transport.TagDPut, encode(server.DPutRequest{WU: wu, Deps: wireDeps})); err != nil {
		return errors.Wrapf(err, "client: dput %s", name)
	}
	msg, err := c.fabric.RecvTag(ctx, transport.TagDPutResponse)
	if err != nil {
		return errors.Wrap(err, "client: dput response")
	}
	var resp server.DPutResponse
	if err := decode(msg.Body, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return errors.Errorf("client: dput %s rejected", name)
	}
	return nil
}

// Dep names one input a DPut waits on: the id, and optionally a subscript
// restricting the wait to one entry of a compound datum.
type Dep struct {
	ID  int64
	Sub []byte
}

// Get blocks for a matching task of workType (spec.md §6.1's get). If the
// call returned due to job shutdown, the error is ErrShutdown.
func (c *Client) Get(ctx context.Context, workType int) (Task, error) {
	if err := c.fabric.Send(ctx, c.home, transport.TagGet, encode(server.GetRequest{Rank: c.rank, WorkType: workType, Blocking: true})); err != nil {
		return Task{}, errors.Wrap(err, "client: get")
	}
	msg, err := c.fabric.RecvTag(ctx, transport.TagGetResponse)
	if err != nil {
		return Task{}, errors.Wrap(err, "client: get response")
	}
	var resp server.GetResponse
	if err := decode(msg.Body, &resp); err != nil {
		return Task{}, err
	}
	if resp.Shutdown {
		return Task{}, ErrShutdown
	}
	if !resp.OK {
		return Task{}, errors.New("client: get: no matching task")
	}
	return taskFromWire(resp.WU), nil
}

// IGet makes one non-blocking attempt to match workType (spec.md §6.1's
// iget): ok is false if nothing matched right now, with no error.
func (c *Client) IGet(ctx context.Context, workType int) (task Task, ok bool, err error) {
	if err := c.fabric.Send(ctx, c.home, transport.TagGet, encode(server.GetRequest{Rank: c.rank, WorkType: workType, Blocking: false})); err != nil {
		return Task{}, false, errors.Wrap(err, "client: iget")
	}
	msg, err := c.fabric.RecvTag(ctx, transport.TagGetResponse)
	if err != nil {
		return Task{}, false, errors.Wrap(err, "client: iget response")
	}
	var resp server.GetResponse
	if err := decode(msg.Body, &resp); err != nil {
		return Task{}, false, err
	}
	if resp.Shutdown {
		return Task{}, false, ErrShutdown
	}
	if !resp.OK {
		return Task{}, false, nil
	}
	return taskFromWire(resp.WU), true, nil
}

// AMGet tries each of types in turn, non-blocking, and returns the first
// that matches (spec.md §6.1's amget). ok is false if none matched.
func (c *Client) AMGet(ctx context.Context, types []int) (task Task, ok bool, err error) {
	for _, typ := range types {
		task, ok, err = c.IGet(ctx, typ)
		if err != nil || ok {
			return task, ok, err
		}
	}
	return Task{}, false, nil
}

// GetHandle is a pipelined, outstanding blocking Get issued by AGet: the
// request is already queued at the server, and Test/Wait collect the
// eventual reply (spec.md §6.1's aget_test/aget_wait).
type GetHandle struct {
	c        *Client
	done     chan getResult
	resolved getResult
	have     bool
}

type getResult struct {
	task Task
	err  error
}

// AGet issues a blocking get for workType without waiting for it to match,
// returning a handle the caller polls or waits on later (spec.md §6.1's
// aget). Only one GetHandle may be outstanding per Client at a time,
// mirroring reqqueue's one-outstanding-request-per-rank invariant - and
// matching workgraph.Caller's own one-cell-at-a-time rule for c.caller.
//
// The eventual reply is resolved through a workgraph.Cell: c.caller starts
// out responsible for it, then immediately delegates that responsibility to
// a fresh Caller that does the actual Fabric.RecvTag in the background
// (workgraph.WithNewAsyncCaller). A single internal goroutine then performs
// the one legitimate Waiter.Await(c.caller) call and forwards its outcome to
// a buffered channel, which is all Test/Wait ever read from; this keeps
// workgraph's self-dependency detection live (it fires if c.caller somehow
// ends up transitively awaiting this same cell a second time) without
// exposing Await's blocking-only shape to aget_test's non-blocking contract.
func (c *Client) AGet(ctx context.Context, workType int) (*GetHandle, error) {
	if err := c.fabric.Send(ctx, c.home, transport.TagGet, encode(server.GetRequest{Rank: c.rank, WorkType: workType, Blocking: true})); err != nil {
		return nil, errors.Wrap(err, "client: aget")
	}

	resolver, waiter := workgraph.NewCell[Task](c.caller)
	workgraph.WithNewAsyncCaller(func(bg *workgraph.Caller) {
		msg, err := c.fabric.RecvTag(ctx, transport.TagGetResponse)
		if err != nil {
			resolver.ReportError(bg, errors.Wrap(err, "client: aget response"))
			return
		}
		var resp server.GetResponse
		if err := decode(msg.Body, &resp); err != nil {
			resolver.ReportError(bg, err)
			return
		}
		if resp.Shutdown {
			resolver.ReportError(bg, ErrShutdown)
			return
		}
		if !resp.OK {
			resolver.ReportError(bg, errors.New("client: aget: no matching task"))
			return
		}
		resolver.ReportSuccess(bg, taskFromWire(resp.WU))
	}, resolver)

	h := &GetHandle{c: c, done: make(chan getResult, 1)}
	go func() {
		task, err := waiter.Await(c.caller)
		h.done <- getResult{task: task, err: err}
	}()
	return h, nil
}

// Test is the non-blocking aget_test: ok is false if the get hasn't
// resolved yet.
func (h *GetHandle) Test() (task Task, ok bool, err error) {
	if h.have {
		return h.resolved.task, true, h.resolved.err
	}
	select {
	case r := <-h.done:
		h.resolved, h.have = r, true
		return r.task, true, r.err
	default:
		return Task{}, false, nil
	}
}

// Wait is the blocking aget_wait: it returns once the get resolves, or ctx
// is cancelled.
func (h *GetHandle) Wait(ctx context.Context) (Task, error) {
	if h.have {
		return h.resolved.task, h.resolved.err
	}
	select {
	case r := <-h.done:
		h.resolved, h.have = r, true
		return r.task, r.err
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}
