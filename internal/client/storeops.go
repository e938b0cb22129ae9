package client

import (
	"context"

	"github.com/pkg/errors"

	"github.com/swift-lang/swift-t-sub000/internal/server"
	"github.com/swift-lang/swift-t-sub000/internal/store"
	"github.com/swift-lang/swift-t-sub000/internal/transport"
)

// storeOp sends one generic data-store request to the home server and
// waits for its reply, turning an OK=false response into a Go error (the
// store's own result codes - not found, already set, wrong type, and so on
// - are ordinary outcomes a caller is expected to branch on, but the
// blocking client calls below collapse them to a single error return for
// callers that don't need to distinguish them; see store.CodeOf for
// callers that do, applied against the wrapped error via errors.Cause).
func (c *Client) storeOp(ctx context.Context, req server.StoreOpRequest) (server.StoreOpResponse, error) {
	req.Rank = c.rank
	if err := c.fabric.Send(ctx, c.home, transport.TagStoreOp, encode(req)); err != nil {
		return server.StoreOpResponse{}, errors.Wrap(err, "client: store op")
	}
	msg, err := c.fabric.RecvTag(ctx, transport.TagStoreOpResponse)
	if err != nil {
		return server.StoreOpResponse{}, errors.Wrap(err, "client: store op response")
	}
	var resp server.StoreOpResponse
	if err := decode(msg.Body, &resp); err != nil {
		return server.StoreOpResponse{}, err
	}
	if !resp.OK {
		return resp, errors.New(resp.ErrMsg)
	}
	return resp, nil
}

// Create declares a new datum (spec.md §6.1's create). extra is ignored
// (Valid left false) for scalar types.
func (c *Client) Create(ctx context.Context, id int64, typ store.DataType, extra store.TypeExtra, props store.CreateProps) error {
	req := server.StoreOpRequest{
		Op:         server.OpCreate,
		ID:         id,
		Type:       int(typ),
		IncrRead:   props.ReadRefcount,
		IncrWrite:  props.WriteRefcount,
		Permanent:  props.Permanent,
		KeyType:    int(extra.KeyType),
		ValType:    int(extra.ValType),
		ExtraValid: extra.Valid,
	}
	_, err := c.storeOp(ctx, req)
	return err
}

// CreateSpec is one element of a MultiCreate batch.
type CreateSpec struct {
	Type  store.DataType
	Extra store.TypeExtra
	Props store.CreateProps
}

// MultiCreate mints a fresh id for each spec (via Unique) and creates it,
// returning the ids in order (spec.md §6.1's multicreate). Unlike a true
// batched RPC, each element is a separate round trip to the home server -
// the wire protocol has no batched-create envelope - so MultiCreate is a
// client-side convenience, not a single atomic operation.
func (c *Client) MultiCreate(ctx context.Context, specs []CreateSpec) ([]int64, error) {
	ids := make([]int64, len(specs))
	for i, spec := range specs {
		id, err := c.Unique(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Create(ctx, id, spec.Type, spec.Extra, spec.Props); err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// CreateInteger, CreateFloat, CreateString, and CreateBlob are the
// create_<type> scalar conveniences of spec.md §6.1.
func (c *Client) CreateInteger(ctx context.Context, id int64, props store.CreateProps) error {
	return c.Create(ctx, id, store.TypeInteger, store.TypeExtra{}, props)
}

func (c *Client) CreateFloat(ctx context.Context, id int64, props store.CreateProps) error {
	return c.Create(ctx, id, store.TypeFloat, store.TypeExtra{}, props)
}

func (c *Client) CreateString(ctx context.Context, id int64, props store.CreateProps) error {
	return c.Create(ctx, id, store.TypeString, store.TypeExtra{}, props)
}

func (c *Client) CreateBlob(ctx context.Context, id int64, props store.CreateProps) error {
	return c.Create(ctx, id, store.TypeBlob, store.TypeExtra{}, props)
}

// CreateContainer declares a keyType->valType container.
func (c *Client) CreateContainer(ctx context.Context, id int64, keyType, valType store.DataType, props store.CreateProps) error {
	return c.Create(ctx, id, store.TypeContainer, store.TypeExtra{KeyType: keyType, ValType: valType, Valid: true}, props)
}

// CreateMultiset declares a valType multiset.
func (c *Client) CreateMultiset(ctx context.Context, id int64, valType store.DataType, props store.CreateProps) error {
	return c.Create(ctx, id, store.TypeMultiset, store.TypeExtra{ValType: valType, Valid: true}, props)
}

// CreateStruct declares a struct datum.
func (c *Client) CreateStruct(ctx context.Context, id int64, props store.CreateProps) error {
	return c.Create(ctx, id, store.TypeStruct, store.TypeExtra{}, props)
}

// Store writes a value (spec.md §6.1's store).
func (c *Client) Store(ctx context.Context, id int64, sub []byte, typ store.DataType, value []byte, decr, storeRefs store.Refc) error {
	req := server.StoreOpRequest{
		Op: server.OpStore, ID: id, Sub: sub, Type: int(typ), Value: value,
		DecrRead: decr.Read, DecrWrite: decr.Write,
		StoreRead: storeRefs.Read, StoreWrite: storeRefs.Write,
	}
	_, err := c.storeOp(ctx, req)
	return err
}

// Retrieve reads a scalar value (spec.md §6.1's retrieve).
func (c *Client) Retrieve(ctx context.Context, id int64, sub []byte, refc store.RetrieveRefc) (store.DataType, []byte, error) {
	req := server.StoreOpRequest{
		Op: server.OpRetrieve, ID: id, Sub: sub,
		DecrRead: refc.DecrSelf.Read, DecrWrite: refc.DecrSelf.Write,
		IncrRead: refc.IncrReferand.Read, IncrWrite: refc.IncrReferand.Write,
	}
	resp, err := c.storeOp(ctx, req)
	if err != nil {
		return store.TypeNull, nil, err
	}
	return store.DataType(resp.Type), resp.Value, nil
}

// Exists reports whether id (optionally at sub) has been assigned (spec.md
// §6.1's exists).
func (c *Client) Exists(ctx context.Context, id int64, sub []byte, decr store.Refc) (bool, error) {
	req := server.StoreOpRequest{Op: server.OpExists, ID: id, Sub: sub, DecrRead: decr.Read, DecrWrite: decr.Write}
	resp, err := c.storeOp(ctx, req)
	if err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// Enumerate lists entries of a compound datum (spec.md §6.1's enumerate).
func (c *Client) Enumerate(ctx context.Context, id int64, count, offset int, wantKeys, wantVals bool, decr store.Refc) (keys, vals [][]byte, err error) {
	req := server.StoreOpRequest{
		Op: server.OpEnumerate, ID: id, Count: count, Offset: offset, WantKeys: wantKeys, WantVals: wantVals,
		DecrRead: decr.Read, DecrWrite: decr.Write,
	}
	resp, err := c.storeOp(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return resp.Keys, resp.Vals, nil
}

// InsertAtomicResult is the outcome of InsertAtomic.
type InsertAtomicResult struct {
	Created   bool
	Present   bool
	Value     []byte
	ValueType store.DataType
}

// InsertAtomic reserves sub on id if absent (spec.md §6.1's insert_atomic).
func (c *Client) InsertAtomic(ctx context.Context, id int64, sub []byte, refcounts store.Refc) (InsertAtomicResult, error) {
	req := server.StoreOpRequest{Op: server.OpInsertAtomic, ID: id, Sub: sub, StoreRead: refcounts.Read, StoreWrite: refcounts.Write}
	resp, err := c.storeOp(ctx, req)
	if err != nil {
		return InsertAtomicResult{}, err
	}
	return InsertAtomicResult{Created: resp.Created, Present: resp.Present, Value: resp.Value, ValueType: store.DataType(resp.Type)}, nil
}

// Subscribe registers workType as the type of task dispatched to this
// worker once id (optionally restricted to sub) closes (spec.md §6.1's
// subscribe). alreadySet is true if it had already closed, in which case
// no task will be dispatched for this call and the caller should treat the
// datum as immediately readable.
func (c *Client) Subscribe(ctx context.Context, id int64, sub []byte, workType int) (alreadySet bool, err error) {
	req := server.StoreOpRequest{Op: server.OpSubscribe, ID: id, Sub: sub, WorkType: workType}
	resp, err := c.storeOp(ctx, req)
	if err != nil {
		return false, err
	}
	return resp.AlreadySet, nil
}

// ContainerReference arranges for refID (at refSub) to be filled in with a
// reference to id's value once it is set (spec.md §6.1's
// container_reference).
func (c *Client) ContainerReference(ctx context.Context, id int64, sub []byte, refID int64, refSub []byte, refType store.DataType, transferRefs store.Refc, refWriteDecr int) error {
	req := server.StoreOpRequest{
		Op: server.OpContainerReference, ID: id, Sub: sub,
		RefID: refID, RefSub: refSub, RefType: int(refType),
		TransferRead: transferRefs.Read, TransferWrite: transferRefs.Write, RefWriteDecr: refWriteDecr,
	}
	_, err := c.storeOp(ctx, req)
	return err
}

// RefcountIncr applies delta to id's refcounts (spec.md §6.1's
// refcount_incr).
func (c *Client) RefcountIncr(ctx context.Context, id int64, delta store.Refc) error {
	req := server.StoreOpRequest{Op: server.OpRefcountIncr, ID: id, IncrRead: delta.Read, IncrWrite: delta.Write}
	_, err := c.storeOp(ctx, req)
	return err
}

// RefcountGet reads id's current refcounts, applying decr atomically
// (spec.md §6.1's refcount_get).
func (c *Client) RefcountGet(ctx context.Context, id int64, decr store.Refc) (store.Refc, error) {
	req := server.StoreOpRequest{Op: server.OpRefcountGet, ID: id, DecrRead: decr.Read, DecrWrite: decr.Write}
	resp, err := c.storeOp(ctx, req)
	if err != nil {
		return store.Refc{}, err
	}
	return store.Refc{Read: resp.ReadRC, Write: resp.WriteRC}, nil
}

// Permanent exempts id from refcount-driven destruction (spec.md §6.1's
// permanent).
func (c *Client) Permanent(ctx context.Context, id int64) error {
	_, err := c.storeOp(ctx, server.StoreOpRequest{Op: server.OpPermanent, ID: id})
	return err
}

// Lock attempts to acquire id's advisory lock (spec.md §6.1's lock).
func (c *Client) Lock(ctx context.Context, id int64) (acquired bool, err error) {
	resp, err := c.storeOp(ctx, server.StoreOpRequest{Op: server.OpLock, ID: id})
	if err != nil {
		return false, err
	}
	return resp.Acquired, nil
}

// Unlock releases id's advisory lock (spec.md §6.1's unlock).
func (c *Client) Unlock(ctx context.Context, id int64) error {
	_, err := c.storeOp(ctx, server.StoreOpRequest{Op: server.OpUnlock, ID: id})
	return err
}

// Unique mints one fresh datum id from the home server's reserved stripe
// (spec.md §6.1's unique).
func (c *Client) Unique(ctx context.Context) (int64, error) {
	resp, err := c.storeOp(ctx, server.StoreOpRequest{Op: server.OpUnique})
	if err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// AllocGlobal reserves count ids from the home server's stripe (consecutive
// ids differ by the server count), returning the first (spec.md §6.1's
// alloc_global).
func (c *Client) AllocGlobal(ctx context.Context, count int) (int64, error) {
	resp, err := c.storeOp(ctx, server.StoreOpRequest{Op: server.OpAllocGlobal, Count: count})
	if err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// Typeof reports the type of id (spec.md §6.1's typeof).
func (c *Client) Typeof(ctx context.Context, id int64) (store.DataType, error) {
	resp, err := c.storeOp(ctx, server.StoreOpRequest{Op: server.OpTypeof, ID: id})
	if err != nil {
		return store.TypeNull, err
	}
	return store.DataType(resp.Type), nil
}

// ContainerTypeof reports the element type of a container/multiset
// (spec.md §6.1's container_typeof).
func (c *Client) ContainerTypeof(ctx context.Context, id int64) (keyType, valType store.DataType, err error) {
	resp, err := c.storeOp(ctx, server.StoreOpRequest{Op: server.OpTypeof, ID: id})
	if err != nil {
		return store.TypeNull, store.TypeNull, err
	}
	return store.DataType(resp.KeyType), store.DataType(resp.ValType), nil
}

// ContainerSize reports the entry count of a container/multiset (spec.md
// §6.1's container_size).
func (c *Client) ContainerSize(ctx context.Context, id int64) (int, error) {
	resp, err := c.storeOp(ctx, server.StoreOpRequest{Op: server.OpContainerSize, ID: id})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// ReadRefcountEnable toggles whether read-refcount deltas are applied on
// this client's home server (spec.md §6.1's read_refcount_enable). Each
// server owns its own datum table, so unlike the original's process-wide
// flag this call is per-server; a caller that wants it disabled everywhere
// must call it once per rank that is home to data it cares about.
func (c *Client) ReadRefcountEnable(ctx context.Context, enable bool) error {
	_, err := c.storeOp(ctx, server.StoreOpRequest{Op: server.OpReadRefcountEnable, Enable: enable})
	return err
}
