package transport

import (
	"encoding/binary"
	"fmt"
)

// SyncHeaderSize is the fixed width of a sync handshake header (spec.md
// §6.2's PACKED_SYNC_SIZE), wide enough to carry a sync mode, the requesting
// rank, a datum id, and a short inline subscript without a second message.
// Subscripts that don't fit inline are shipped separately under TagSyncSub.
const SyncHeaderSize = 40

const inlineSubscriptCap = SyncHeaderSize - 4 - 4 - 8 - 4 // mode + rank + id + sub length

// SyncHeader is the fixed-width envelope every server-to-server sync
// handshake begins with (spec.md §4.3). Mode determines which of ID/Sub is
// meaningful and whether the request is fire-and-forget or needs an accept.
type SyncHeader struct {
	Mode    SyncMode
	Rank    int32
	ID      int64
	Sub     []byte // inline if len(Sub) <= inlineSubscriptCap, else sent via TagSyncSub
	SubOverflow bool
}

// SyncMode enumerates the handshake kinds of component C3.
type SyncMode uint32

const (
	SyncModeRequest SyncMode = iota
	SyncModeRefcount
	SyncModeRefcountWait
	SyncModeSubscribe
	SyncModeNotify
	SyncModeStealProbe
	SyncModeStealProbeResp
	SyncModeSteal
	SyncModeShutdown
	// SyncModeIdleCheck is the master server's query to a peer server
	// asking whether its workers are idle and it has no pending
	// notifications (original's ADLB_Server_idle request half,
	// server.c's servers_idle).
	SyncModeIdleCheck
	// SyncModeIdleCheckResp carries the answer: idle yes/no plus that
	// server's per-type request and work counts, packed via PackInt32s.
	SyncModeIdleCheckResp
)

func (m SyncMode) String() string {
	switch m {
	case SyncModeRequest:
		return "REQUEST"
	case SyncModeRefcount:
		return "REFCOUNT"
	case SyncModeRefcountWait:
		return "REFCOUNT_WAIT"
	case SyncModeSubscribe:
		return "SUBSCRIBE"
	case SyncModeNotify:
		return "NOTIFY"
	case SyncModeStealProbe:
		return "STEAL_PROBE"
	case SyncModeStealProbeResp:
		return "STEAL_PROBE_RESP"
	case SyncModeSteal:
		return "STEAL"
	case SyncModeShutdown:
		return "SHUTDOWN"
	case SyncModeIdleCheck:
		return "IDLE_CHECK"
	case SyncModeIdleCheckResp:
		return "IDLE_CHECK_RESP"
	default:
		return "UNKNOWN_SYNC_MODE"
	}
}

// RequiresAccept reports whether a receiver must reply with an accept token
// before the sender proceeds, as opposed to a fire-and-forget one-shot mode
// (spec.md §4.3). Matches the original's sync_accept_required: only a plain
// request, a steal, and a refcount change the sender must block on need an
// ack; every other mode is fire-and-forget.
func (m SyncMode) RequiresAccept() bool {
	return m == SyncModeRequest || m == SyncModeSteal || m == SyncModeRefcountWait
}

// Pack encodes h into a SyncHeaderSize-byte buffer. If the subscript is too
// long to inline, Pack truncates it from the header and sets the returned
// bool to true so the caller knows to follow up with a TagSyncSub message
// carrying the full subscript.
func (h SyncHeader) Pack() (buf [SyncHeaderSize]byte, overflow bool) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Mode))
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.Rank))
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.ID))

	sub := h.Sub
	overflow = len(sub) > inlineSubscriptCap
	if overflow {
		sub = nil
	}
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(h.Sub)))
	copy(buf[20:20+len(sub)], sub)
	return buf, overflow
}

// UnpackSyncHeader decodes a SyncHeaderSize-byte buffer produced by Pack. If
// the encoded subscript length exceeds what fits inline, Sub is nil and
// SubOverflow is true; the caller must also consume a TagSyncSub message.
func UnpackSyncHeader(buf []byte) (SyncHeader, error) {
	if len(buf) != SyncHeaderSize {
		return SyncHeader{}, fmt.Errorf("transport: sync header must be %d bytes, got %d", SyncHeaderSize, len(buf))
	}
	h := SyncHeader{
		Mode: SyncMode(binary.BigEndian.Uint32(buf[0:4])),
		Rank: int32(binary.BigEndian.Uint32(buf[4:8])),
		ID:   int64(binary.BigEndian.Uint64(buf[8:16])),
	}
	subLen := int(binary.BigEndian.Uint32(buf[16:20]))
	if subLen > inlineSubscriptCap {
		h.SubOverflow = true
		return h, nil
	}
	if subLen > 0 {
		h.Sub = append([]byte(nil), buf[20:20+subLen]...)
	}
	return h, nil
}

// BigSendThreshold is the chunk size ChunkPayload uses when it splits a
// payload into TagPayload messages behind a PayloadHeader. No store
// operation goes through ChunkPayload: client and server send every
// store-op value inline in a single TagStoreOp message, whatever its size.
const BigSendThreshold = 1 << 16 // 64 KiB

// PayloadHeader precedes each chunk of a big-send transfer.
type PayloadHeader struct {
	TransferID uint64
	ChunkIndex uint32
	ChunkCount uint32
	TotalLen   uint32
}

const PayloadHeaderSize = 8 + 4 + 4 + 4

func (p PayloadHeader) Pack() [PayloadHeaderSize]byte {
	var buf [PayloadHeaderSize]byte
	binary.BigEndian.PutUint64(buf[0:8], p.TransferID)
	binary.BigEndian.PutUint32(buf[8:12], p.ChunkIndex)
	binary.BigEndian.PutUint32(buf[12:16], p.ChunkCount)
	binary.BigEndian.PutUint32(buf[16:20], p.TotalLen)
	return buf
}

func UnpackPayloadHeader(buf []byte) (PayloadHeader, error) {
	if len(buf) < PayloadHeaderSize {
		return PayloadHeader{}, fmt.Errorf("transport: payload header must be at least %d bytes, got %d", PayloadHeaderSize, len(buf))
	}
	return PayloadHeader{
		TransferID: binary.BigEndian.Uint64(buf[0:8]),
		ChunkIndex: binary.BigEndian.Uint32(buf[8:12]),
		ChunkCount: binary.BigEndian.Uint32(buf[12:16]),
		TotalLen:   binary.BigEndian.Uint32(buf[16:20]),
	}, nil
}

// ChunkPayload splits body into BigSendThreshold-sized chunks, each
// prefixed by its PayloadHeader, ready to send one-per-message under
// TagPayload. Small bodies still go through this path with ChunkCount==1 so
// callers have one code path regardless of size.
func ChunkPayload(transferID uint64, body []byte) [][]byte {
	total := len(body)
	chunkSize := BigSendThreshold
	count := (total + chunkSize - 1) / chunkSize
	if count == 0 {
		count = 1
	}
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		lo := i * chunkSize
		hi := lo + chunkSize
		if hi > total {
			hi = total
		}
		hdr := PayloadHeader{TransferID: transferID, ChunkIndex: uint32(i), ChunkCount: uint32(count), TotalLen: uint32(total)}.Pack()
		chunk := make([]byte, 0, PayloadHeaderSize+(hi-lo))
		chunk = append(chunk, hdr[:]...)
		chunk = append(chunk, body[lo:hi]...)
		out = append(out, chunk)
	}
	return out
}

// ReassemblePayload is the receive-side counterpart of ChunkPayload. Callers
// accumulate chunks for a transfer id as TagPayload messages arrive and call
// this once ChunkCount chunks have been seen.
func ReassemblePayload(chunks [][]byte) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("transport: no chunks to reassemble")
	}
	hdrs := make([]PayloadHeader, len(chunks))
	for i, c := range chunks {
		h, err := UnpackPayloadHeader(c)
		if err != nil {
			return nil, err
		}
		hdrs[i] = h
	}
	out := make([]byte, 0, hdrs[0].TotalLen)
	ordered := make([][]byte, hdrs[0].ChunkCount)
	for i, h := range hdrs {
		if h.TransferID != hdrs[0].TransferID {
			return nil, fmt.Errorf("transport: mismatched transfer ids in reassembly")
		}
		ordered[h.ChunkIndex] = chunks[i][PayloadHeaderSize:]
	}
	for _, part := range ordered {
		if part == nil {
			return nil, fmt.Errorf("transport: missing chunk in reassembly")
		}
		out = append(out, part...)
	}
	return out, nil
}
