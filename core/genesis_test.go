package core_test

import (
	"context"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/core"
	"github.com/meridianchain/meridian/core/commitment"
	"github.com/meridianchain/meridian/core/rawdb"
	"github.com/meridianchain/meridian/core/types"
	"github.com/meridianchain/meridian/crypto"
	"github.com/meridianchain/meridian/kv"
	"github.com/meridianchain/meridian/kv/memdb"
	"github.com/meridianchain/meridian/stagedsync/stages"
)

func TestCommitGenesisBlock(t *testing.T) {
	db := memdb.NewTestDB(t)
	ctx := context.Background()
	g := core.DevGenesis(common.HexToAddress("0x01"), common.HexToAddress("0x02"))

	block, err := core.CommitGenesisBlock(ctx, db, g)
	require.NoError(t, err)
	require.Equal(t, uint64(0), block.Number())

	require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
		hash, err := rawdb.ReadCanonicalHash(tx, 0)
		require.NoError(t, err)
		require.Equal(t, block.Hash(), hash)

		root, err := commitment.Root(tx)
		require.NoError(t, err)
		require.Equal(t, block.Header.StateRoot, root)

		for _, stage := range stages.AllStages {
			progress, err := stages.GetStageProgress(tx, stage)
			require.NoError(t, err)
			require.Zero(t, progress)
		}
		return nil
	}))

	// committing the same genesis again is a no-op
	again, err := core.CommitGenesisBlock(ctx, db, g)
	require.NoError(t, err)
	require.Equal(t, block.Hash(), again.Hash())

	// a different genesis is rejected
	_, err = core.CommitGenesisBlock(ctx, db, core.DevGenesis(common.HexToAddress("0x03")))
	require.Error(t, err)
}

func TestGenerateChain(t *testing.T) {
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	key2, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	g := core.DevGenesis(addrOf(key), addrOf(key2))
	pack, err := core.GenerateChain(g, 5, func(i int, b *core.BlockGen) {
		b.SendValue(key, addrOf(key2), uint64(10*(i+1)))
	})
	require.NoError(t, err)
	require.Len(t, pack.Blocks, 5)

	// headers link up and commit to their contents
	prev := pack.Genesis.Header
	for i, block := range pack.Blocks {
		require.Equal(t, prev.Hash(), block.Header.ParentHash, "block %d", i+1)
		require.Equal(t, prev.Number+1, block.Number())
		require.Equal(t, pack.Receipts[i].Hash(), block.Header.ReceiptHash)
		require.Equal(t, block.Header.TxHash, blockTxHash(block))
		prev = block.Header
	}

	// nonces advance with the generated state
	require.Equal(t, uint64(4), pack.Blocks[4].Body.Transactions[0].Nonce)
	require.Equal(t, addrOf(key), pack.Senders[4][0])
}

func TestGenerateChainDeterministic(t *testing.T) {
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	g := core.DevGenesis(addrOf(key))

	gen := func(i int, b *core.BlockGen) {
		b.SendValue(key, common.HexToAddress("0x05"), 10)
	}
	a, err := core.GenerateChain(g, 3, gen)
	require.NoError(t, err)
	b, err := core.GenerateChain(g, 3, gen)
	require.NoError(t, err)

	for i := range a.Blocks {
		require.Equal(t, a.Blocks[i].Hash(), b.Blocks[i].Hash(), "block %d", i+1)
	}
}

func addrOf(key *secp256k1.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PubKey())
}

func blockTxHash(block *types.Block) common.Hash {
	return types.TxListHash(block.Body.Transactions)
}
