// Package commitment derives the state root: a chained keccak fold over the
// CommitmentState table, which mirrors PlainState under hashed keys. The fold
// is split into bounded batches and its cursor position plus running hash are
// serializable, so a restart resumes mid-fold instead of recomputing from the
// start.
package commitment

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/core/rawdb"
	"github.com/meridianchain/meridian/crypto"
	"github.com/meridianchain/meridian/kv"
)

// FoldState is the resumable position of one root computation.
// Running chains keccak(running || key || value) over entries in key order;
// NextKey is the first key not yet folded. A nil NextKey with a zero Running
// is a fresh fold.
type FoldState struct {
	Running common.Hash
	NextKey []byte
}

func (s *FoldState) Started() bool {
	return s.NextKey != nil || s.Running != (common.Hash{})
}

// Encode packs the fold state as 32 bytes of running hash plus the next key.
func (s *FoldState) Encode() []byte {
	out := make([]byte, common.HashLength+len(s.NextKey))
	copy(out, s.Running[:])
	copy(out[common.HashLength:], s.NextKey)
	return out
}

func DecodeFoldState(data []byte) (*FoldState, error) {
	if len(data) == 0 {
		return &FoldState{}, nil
	}
	if len(data) < common.HashLength {
		return nil, fmt.Errorf("fold state too short: %d", len(data))
	}
	s := &FoldState{Running: common.BytesToHash(data[:common.HashLength])}
	if len(data) > common.HashLength {
		s.NextKey = bytes.Clone(data[common.HashLength:])
	}
	return s, nil
}

// UpdateTouched refreshes CommitmentState for the given addresses from the
// current PlainState. Deleted accounts drop their hashed entry.
func UpdateTouched(tx kv.RwTx, addrs []common.Address) error {
	for _, addr := range addrs {
		hashedKey := crypto.Keccak256(addr.Bytes())
		acc, err := rawdb.ReadAccount(tx, addr)
		if err != nil {
			return err
		}
		if acc == nil {
			if err := tx.Delete(kv.CommitmentState, hashedKey); err != nil {
				return err
			}
			continue
		}
		if err := tx.Put(kv.CommitmentState, hashedKey, crypto.Keccak256(acc.Encode())); err != nil {
			return err
		}
	}
	return nil
}

// Fold advances the computation by at most maxEntries table entries.
// Returns done=true when the table is exhausted; the root is then s.Running.
func Fold(tx kv.Tx, s *FoldState, maxEntries int) (bool, error) {
	c, err := tx.Cursor(kv.CommitmentState)
	if err != nil {
		return false, err
	}
	defer c.Close()

	k, v, err := c.Seek(s.NextKey)
	if err != nil {
		return false, err
	}
	for i := 0; k != nil; k, v, err = c.Next() {
		if err != nil {
			return false, err
		}
		if i == maxEntries {
			s.NextKey = bytes.Clone(k)
			return false, nil
		}
		s.Running = crypto.Keccak256Hash(s.Running[:], k, v)
		i++
	}
	s.NextKey = nil
	return true, nil
}

// Root computes the full root in one pass. Used at genesis and in tests.
func Root(tx kv.Tx) (common.Hash, error) {
	s := &FoldState{}
	if _, err := Fold(tx, s, -1); err != nil {
		return common.Hash{}, err
	}
	return s.Running, nil
}

// RootOfAccounts derives the root of an in-memory account set, matching what
// Fold produces once those accounts are the whole PlainState. Used by block
// producers and test chain generators.
func RootOfAccounts(accounts map[common.Address][]byte) common.Hash {
	type entry struct{ k, v []byte }
	entries := make([]entry, 0, len(accounts))
	for addr, enc := range accounts {
		if len(enc) == 0 {
			continue
		}
		entries = append(entries, entry{k: crypto.Keccak256(addr.Bytes()), v: crypto.Keccak256(enc)})
	}
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].k, entries[j].k) < 0 })

	var running common.Hash
	for _, e := range entries {
		running = crypto.Keccak256Hash(running[:], e.k, e.v)
	}
	return running
}
