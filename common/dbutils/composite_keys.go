package dbutils

import (
	"encoding/binary"

	"github.com/meridianchain/meridian/common"
)

const NumberLength = 8

// EncodeBlockNumber encodes a block number as big endian uint64.
// Big endian keeps block-keyed tables ordered by number under MDBX's byte comparator.
func EncodeBlockNumber(number uint64) []byte {
	enc := make([]byte, NumberLength)
	binary.BigEndian.PutUint64(enc, number)
	return enc
}

func DecodeBlockNumber(number []byte) uint64 {
	return binary.BigEndian.Uint64(number)
}

// HeaderKey = num (uint64 big endian) + hash
func HeaderKey(number uint64, hash common.Hash) []byte {
	k := make([]byte, NumberLength+common.HashLength)
	binary.BigEndian.PutUint64(k, number)
	copy(k[NumberLength:], hash[:])
	return k
}

// BlockBodyKey = num (uint64 big endian) + hash
func BlockBodyKey(number uint64, hash common.Hash) []byte {
	return HeaderKey(number, hash)
}

// HistoryChunkKey = address + high block of chunk (uint64 big endian)
func HistoryChunkKey(addr common.Address, highBlock uint64) []byte {
	k := make([]byte, common.AddressLength+NumberLength)
	copy(k, addr[:])
	binary.BigEndian.PutUint64(k[common.AddressLength:], highBlock)
	return k
}
