// Package changeset records pre-images of account mutations per block. The
// execution stage writes one change per touched address per block; unwinding
// replays them in reverse to restore the exact prior state.
package changeset

import (
	"bytes"
	"fmt"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/common/dbutils"
	"github.com/meridianchain/meridian/kv"
)

// Encode packs one account change: address followed by the previous account
// encoding. An empty previous encoding means the account did not exist before
// the block.
func Encode(addr common.Address, prev []byte) []byte {
	v := make([]byte, common.AddressLength+len(prev))
	copy(v, addr[:])
	copy(v[common.AddressLength:], prev)
	return v
}

func Decode(v []byte) (common.Address, []byte, error) {
	if len(v) < common.AddressLength {
		return common.Address{}, nil, fmt.Errorf("account changeset entry too short: %d", len(v))
	}
	addr := common.BytesToAddress(v[:common.AddressLength])
	prev := v[common.AddressLength:]
	if len(prev) == 0 {
		prev = nil
	}
	return addr, prev, nil
}

// Write stores the change of addr at blockNum. DupSort keeps all changes of
// one block as sorted duplicates under the block-number key.
func Write(tx kv.RwTx, blockNum uint64, addr common.Address, prev []byte) error {
	return tx.Put(kv.AccountChangeSet, dbutils.EncodeBlockNumber(blockNum), Encode(addr, prev))
}

// ForEach walks all changes of one block in address order.
func ForEach(tx kv.Tx, blockNum uint64, f func(addr common.Address, prev []byte) error) error {
	c, err := tx.CursorDupSort(kv.AccountChangeSet)
	if err != nil {
		return err
	}
	defer c.Close()

	key := dbutils.EncodeBlockNumber(blockNum)
	k, v, err := c.SeekExact(key)
	if err != nil {
		return err
	}
	for ; k != nil; k, v, err = c.NextDup() {
		if err != nil {
			return err
		}
		addr, prev, err := Decode(v)
		if err != nil {
			return err
		}
		if err := f(addr, prev); err != nil {
			return err
		}
	}
	return nil
}

// Truncate removes all changesets for blocks >= blockFrom.
func Truncate(tx kv.RwTx, blockFrom uint64) error {
	c, err := tx.RwCursorDupSort(kv.AccountChangeSet)
	if err != nil {
		return err
	}
	defer c.Close()

	from := dbutils.EncodeBlockNumber(blockFrom)
	for k, _, err := c.Seek(from); k != nil; k, _, err = c.NextNoDup() {
		if err != nil {
			return err
		}
		if bytes.Compare(k, from) < 0 {
			continue
		}
		if err := c.DeleteCurrentDuplicates(); err != nil {
			return err
		}
	}
	return nil
}
