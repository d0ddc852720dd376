package rawdb

import (
	"fmt"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/core/types"
	"github.com/meridianchain/meridian/kv"
)

// ReadAccount reads the current state of an address. Returns nil for
// non-existent accounts.
func ReadAccount(db kv.Getter, addr common.Address) (*types.Account, error) {
	data, err := db.GetOne(kv.PlainState, addr.Bytes())
	if err != nil {
		return nil, fmt.Errorf("ReadAccount: %w", err)
	}
	acc, err := types.DecodeAccount(data)
	if err != nil {
		return nil, fmt.Errorf("ReadAccount: addr=%s, %w", addr, err)
	}
	return acc, nil
}

func WriteAccount(db kv.Putter, addr common.Address, acc *types.Account) error {
	if err := db.Put(kv.PlainState, addr.Bytes(), acc.Encode()); err != nil {
		return fmt.Errorf("WriteAccount: %w", err)
	}
	return nil
}

func DeleteAccount(db kv.Putter, addr common.Address) error {
	if err := db.Delete(kv.PlainState, addr.Bytes()); err != nil {
		return fmt.Errorf("DeleteAccount: %w", err)
	}
	return nil
}
