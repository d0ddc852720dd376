package types

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/ugorji/go/codec"
)

// Chain objects are persisted in CBOR. Struct types carry the `toarray` codec
// option: fields encode positionally, which keeps encodings compact and
// deterministic for content hashing.
var cborHandle = func() *codec.CborHandle {
	h := &codec.CborHandle{}
	h.StructToArray = true
	return h
}()

var encoderPool = sync.Pool{New: func() any { return codec.NewEncoder(nil, cborHandle) }}
var decoderPool = sync.Pool{New: func() any { return codec.NewDecoder(nil, cborHandle) }}

func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := encoderPool.Get().(*codec.Encoder)
	defer encoderPool.Put(enc)
	enc.Reset(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("cbor encode: %w", err)
	}
	return buf.Bytes(), nil
}

func MustMarshal(v interface{}) []byte {
	b, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func Unmarshal(data []byte, v interface{}) error {
	dec := decoderPool.Get().(*codec.Decoder)
	defer decoderPool.Put(dec)
	dec.ResetBytes(data)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("cbor decode: %w", err)
	}
	return nil
}
