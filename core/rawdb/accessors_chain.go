package rawdb

import (
	"fmt"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/common/dbutils"
	"github.com/meridianchain/meridian/core/types"
	"github.com/meridianchain/meridian/kv"
)

// ReadCanonicalHash retrieves the hash of the canonical block at the given number.
func ReadCanonicalHash(db kv.Getter, number uint64) (common.Hash, error) {
	data, err := db.GetOne(kv.HeaderCanonical, dbutils.EncodeBlockNumber(number))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed ReadCanonicalHash: %w, number=%d", err, number)
	}
	if len(data) == 0 {
		return common.Hash{}, nil
	}
	return common.BytesToHash(data), nil
}

func WriteCanonicalHash(db kv.Putter, hash common.Hash, number uint64) error {
	if err := db.Put(kv.HeaderCanonical, dbutils.EncodeBlockNumber(number), hash.Bytes()); err != nil {
		return fmt.Errorf("failed to store number to hash mapping: %w", err)
	}
	return nil
}

// TruncateCanonicalHash removes all canonical markers from the given number upwards.
func TruncateCanonicalHash(tx kv.RwTx, blockFrom uint64) error {
	if err := tx.ForEach(kv.HeaderCanonical, dbutils.EncodeBlockNumber(blockFrom), func(k, _ []byte) error {
		return tx.Delete(kv.HeaderCanonical, k)
	}); err != nil {
		return fmt.Errorf("TruncateCanonicalHash: %w", err)
	}
	return nil
}

// ReadHeaderNumber returns the block number assigned to a hash.
func ReadHeaderNumber(db kv.Getter, hash common.Hash) (*uint64, error) {
	data, err := db.GetOne(kv.HeaderNumber, hash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("ReadHeaderNumber: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) != dbutils.NumberLength {
		return nil, fmt.Errorf("ReadHeaderNumber got wrong data len: %d", len(data))
	}
	number := dbutils.DecodeBlockNumber(data)
	return &number, nil
}

func WriteHeaderNumber(db kv.Putter, hash common.Hash, number uint64) error {
	return db.Put(kv.HeaderNumber, hash.Bytes(), dbutils.EncodeBlockNumber(number))
}

// ReadHeader retrieves the block header corresponding to the hash.
func ReadHeader(db kv.Getter, hash common.Hash, number uint64) (*types.Header, error) {
	data, err := db.GetOne(kv.Headers, dbutils.HeaderKey(number, hash))
	if err != nil {
		return nil, fmt.Errorf("ReadHeader: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	header := new(types.Header)
	if err := types.Unmarshal(data, header); err != nil {
		return nil, fmt.Errorf("invalid header CBOR: hash=%s, %w", hash, err)
	}
	return header, nil
}

// ReadHeaderByNumber retrieves the canonical header at the given number.
func ReadHeaderByNumber(db kv.Getter, number uint64) (*types.Header, error) {
	hash, err := ReadCanonicalHash(db, number)
	if err != nil {
		return nil, err
	}
	if hash == (common.Hash{}) {
		return nil, nil
	}
	return ReadHeader(db, hash, number)
}

func WriteHeader(db kv.Putter, header *types.Header) error {
	hash := header.Hash()
	if err := WriteHeaderNumber(db, hash, header.Number); err != nil {
		return err
	}
	if err := db.Put(kv.Headers, dbutils.HeaderKey(header.Number, hash), types.MustMarshal(header)); err != nil {
		return fmt.Errorf("WriteHeader: %w", err)
	}
	return nil
}

// TruncateHeaders removes headers (and their number index entries) above blockFrom.
func TruncateHeaders(tx kv.RwTx, blockFrom uint64) error {
	return tx.ForEach(kv.Headers, dbutils.EncodeBlockNumber(blockFrom), func(k, _ []byte) error {
		if err := tx.Delete(kv.HeaderNumber, k[dbutils.NumberLength:]); err != nil {
			return err
		}
		return tx.Delete(kv.Headers, k)
	})
}

// ReadBody retrieves the block body corresponding to the hash.
func ReadBody(db kv.Getter, hash common.Hash, number uint64) (*types.Body, error) {
	data, err := db.GetOne(kv.BlockBody, dbutils.BlockBodyKey(number, hash))
	if err != nil {
		return nil, fmt.Errorf("ReadBody: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	body := new(types.Body)
	if err := types.Unmarshal(data, body); err != nil {
		return nil, fmt.Errorf("invalid body CBOR: hash=%s, %w", hash, err)
	}
	return body, nil
}

func WriteBody(db kv.Putter, hash common.Hash, number uint64, body *types.Body) error {
	if err := db.Put(kv.BlockBody, dbutils.BlockBodyKey(number, hash), types.MustMarshal(body)); err != nil {
		return fmt.Errorf("WriteBody: %w", err)
	}
	return nil
}

func TruncateBodies(tx kv.RwTx, blockFrom uint64) error {
	return tx.ForEach(kv.BlockBody, dbutils.EncodeBlockNumber(blockFrom), func(k, _ []byte) error {
		return tx.Delete(kv.BlockBody, k)
	})
}

// ReadSenders returns the recovered sender addresses of a block's transactions.
func ReadSenders(db kv.Getter, hash common.Hash, number uint64) ([]common.Address, error) {
	data, err := db.GetOne(kv.Senders, dbutils.BlockBodyKey(number, hash))
	if err != nil {
		return nil, fmt.Errorf("ReadSenders: %w", err)
	}
	senders := make([]common.Address, len(data)/common.AddressLength)
	for i := 0; i < len(senders); i++ {
		copy(senders[i][:], data[i*common.AddressLength:])
	}
	return senders, nil
}

func WriteSenders(db kv.Putter, hash common.Hash, number uint64, senders []common.Address) error {
	data := make([]byte, common.AddressLength*len(senders))
	for i, sender := range senders {
		copy(data[i*common.AddressLength:], sender[:])
	}
	if err := db.Put(kv.Senders, dbutils.BlockBodyKey(number, hash), data); err != nil {
		return fmt.Errorf("WriteSenders: %w", err)
	}
	return nil
}

func TruncateSenders(tx kv.RwTx, blockFrom uint64) error {
	return tx.ForEach(kv.Senders, dbutils.EncodeBlockNumber(blockFrom), func(k, _ []byte) error {
		return tx.Delete(kv.Senders, k)
	})
}

// ReadReceipts retrieves all receipts of a block.
func ReadReceipts(db kv.Getter, number uint64) (types.Receipts, error) {
	data, err := db.GetOne(kv.Receipts, dbutils.EncodeBlockNumber(number))
	if err != nil {
		return nil, fmt.Errorf("ReadReceipts: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var receipts types.Receipts
	if err := types.Unmarshal(data, &receipts); err != nil {
		return nil, fmt.Errorf("invalid receipts CBOR: number=%d, %w", number, err)
	}
	return receipts, nil
}

func WriteReceipts(db kv.Putter, number uint64, receipts types.Receipts) error {
	if err := db.Put(kv.Receipts, dbutils.EncodeBlockNumber(number), types.MustMarshal(receipts)); err != nil {
		return fmt.Errorf("WriteReceipts: %w", err)
	}
	return nil
}

func TruncateReceipts(tx kv.RwTx, blockFrom uint64) error {
	return tx.ForEach(kv.Receipts, dbutils.EncodeBlockNumber(blockFrom), func(k, _ []byte) error {
		return tx.Delete(kv.Receipts, k)
	})
}

// ReadHeadHeaderHash returns the hash of the highest ingested header.
func ReadHeadHeaderHash(db kv.Getter) (common.Hash, error) {
	data, err := db.GetOne(kv.HeadHeaderKey, []byte(kv.HeadHeaderKey))
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(data), nil
}

func WriteHeadHeaderHash(db kv.Putter, hash common.Hash) error {
	return db.Put(kv.HeadHeaderKey, []byte(kv.HeadHeaderKey), hash.Bytes())
}

// ReadHeadBlockHash returns the hash of the highest fully processed block.
func ReadHeadBlockHash(db kv.Getter) (common.Hash, error) {
	data, err := db.GetOne(kv.HeadBlockKey, []byte(kv.HeadBlockKey))
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(data), nil
}

func WriteHeadBlockHash(db kv.Putter, hash common.Hash) error {
	return db.Put(kv.HeadBlockKey, []byte(kv.HeadBlockKey), hash.Bytes())
}

// ReadTxLookupEntry returns the number of the block containing the transaction.
func ReadTxLookupEntry(db kv.Getter, txHash common.Hash) (*uint64, error) {
	data, err := db.GetOne(kv.TxLookup, txHash.Bytes())
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	number := dbutils.DecodeBlockNumber(data)
	return &number, nil
}

func WriteTxLookupEntry(db kv.Putter, txHash common.Hash, blockNumber uint64) error {
	return db.Put(kv.TxLookup, txHash.Bytes(), dbutils.EncodeBlockNumber(blockNumber))
}
