// Package core assembles blocks: genesis bootstrap and chain generation on
// top of the rawdb accessors.
package core

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/core/commitment"
	"github.com/meridianchain/meridian/core/rawdb"
	"github.com/meridianchain/meridian/core/types"
	"github.com/meridianchain/meridian/crypto"
	"github.com/meridianchain/meridian/kv"
	"github.com/meridianchain/meridian/stagedsync/stages"
)

// Genesis specifies block zero: the initial account allocation.
type Genesis struct {
	Time  uint64
	Alloc map[common.Address]*types.Account
}

// MakeGenesisBlock derives the genesis block without touching a database.
func (g *Genesis) MakeGenesisBlock() *types.Block {
	encoded := make(map[common.Address][]byte, len(g.Alloc))
	for addr, acc := range g.Alloc {
		if !acc.IsEmpty() {
			encoded[addr] = acc.Encode()
		}
	}
	header := &types.Header{
		Number:      0,
		Time:        g.Time,
		TxHash:      types.TxListHash(nil),
		ReceiptHash: types.Receipts{}.Hash(),
		StateRoot:   commitment.RootOfAccounts(encoded),
	}
	return &types.Block{Header: header, Body: &types.Body{}}
}

// Commit writes the genesis block, its state and zeroed stage checkpoints.
func (g *Genesis) Commit(tx kv.RwTx) (*types.Block, error) {
	block := g.MakeGenesisBlock()
	hash := block.Hash()

	for addr, acc := range g.Alloc {
		if acc.IsEmpty() {
			continue
		}
		enc := acc.Encode()
		if err := tx.Put(kv.PlainState, addr.Bytes(), enc); err != nil {
			return nil, err
		}
		if err := tx.Put(kv.CommitmentState, crypto.Keccak256(addr.Bytes()), crypto.Keccak256(enc)); err != nil {
			return nil, err
		}
	}
	if err := rawdb.WriteHeader(tx, block.Header); err != nil {
		return nil, err
	}
	if err := rawdb.WriteCanonicalHash(tx, hash, 0); err != nil {
		return nil, err
	}
	if err := rawdb.WriteBody(tx, hash, 0, block.Body); err != nil {
		return nil, err
	}
	if err := rawdb.WriteSenders(tx, hash, 0, nil); err != nil {
		return nil, err
	}
	if err := rawdb.WriteHeadHeaderHash(tx, hash); err != nil {
		return nil, err
	}
	if err := rawdb.WriteHeadBlockHash(tx, hash); err != nil {
		return nil, err
	}
	for _, stage := range stages.AllStages {
		if err := stages.SaveStageProgress(tx, stage, 0); err != nil {
			return nil, err
		}
	}
	return block, nil
}

// CommitGenesisBlock initializes an empty chain database, or verifies that an
// already initialized one was built from the same genesis.
func CommitGenesisBlock(ctx context.Context, db kv.RwDB, g *Genesis) (*types.Block, error) {
	var block *types.Block
	err := db.Update(ctx, func(tx kv.RwTx) error {
		stored, err := rawdb.ReadCanonicalHash(tx, 0)
		if err != nil {
			return err
		}
		if stored != (common.Hash{}) {
			expected := g.MakeGenesisBlock()
			if stored != expected.Hash() {
				return fmt.Errorf("database was initialized with a different genesis: have %s, want %s", stored, expected.Hash())
			}
			block = expected
			return nil
		}
		block, err = g.Commit(tx)
		return err
	})
	return block, err
}

// DevGenesis allocates a balance to each given address. Handy default for
// local networks and tests.
func DevGenesis(addrs ...common.Address) *Genesis {
	alloc := make(map[common.Address]*types.Account, len(addrs))
	for _, addr := range addrs {
		alloc[addr] = &types.Account{Balance: *uint256.NewInt(1_000_000)}
	}
	return &Genesis{Alloc: alloc}
}
