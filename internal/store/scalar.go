package store

import "encoding/binary"

// EncodeRefID encodes a datum id as the scalar payload of a TypeRef value.
func EncodeRefID(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

// DecodeRefID decodes the scalar payload of a TypeRef value back into a
// datum id.
func DecodeRefID(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, newErr(CodeInvalid, "DecodeRefID", "ref payload must be 8 bytes, got %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}
