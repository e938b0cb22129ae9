package client

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"
)

// encode/decode match internal/server's own gob envelope convention (see
// internal/server/wire.go) since the client and server exchange exactly
// those wire types.
func encode(v interface{}) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		panic(errors.Wrap(err, "client: gob encode")) // a wire struct failing to encode is a programming error
	}
	return buf.Bytes()
}

func decode(body []byte, v interface{}) error {
	return errors.Wrap(gob.NewDecoder(bytes.NewReader(body)).Decode(v), "client: gob decode")
}
