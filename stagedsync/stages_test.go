package stagedsync

import (
	"context"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ledgerwatch/log/v3"
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

// testSource serves a generated chain to the pipeline. The pack can be
// swapped mid-test to simulate a source switching to a different chain, and
// bodies above a threshold can be withheld to simulate a lagging source.
type testSource struct {
	pack                *core.ChainPack
	withholdBodiesAbove uint64 // 0 = serve everything
}

func (s *testSource) TipNumber(ctx context.Context) (uint64, error) {
	return uint64(len(s.pack.Blocks)), nil
}

func (s *testSource) HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	return s.pack.HeaderByNumber(number), nil
}

func (s *testSource) HeadersFrom(ctx context.Context, from uint64, limit int) ([]*types.Header, error) {
	var out []*types.Header
	for i := 0; i < limit; i++ {
		header := s.pack.HeaderByNumber(from + uint64(i))
		if header == nil {
			break
		}
		out = append(out, header)
	}
	return out, nil
}

func (s *testSource) BodyByHash(ctx context.Context, hash common.Hash) (*types.Body, error) {
	if s.pack.Genesis.Hash() == hash {
		return s.pack.Genesis.Body, nil
	}
	for _, block := range s.pack.Blocks {
		if block.Hash() == hash {
			if s.withholdBodiesAbove > 0 && block.Number() > s.withholdBodiesAbove {
				return nil, nil
			}
			return block.Body, nil
		}
	}
	return nil, nil
}

type testChain struct {
	keys    []*secp256k1.PrivateKey
	addrs   []common.Address
	genesis *core.Genesis
}

func newTestChain(t *testing.T) *testChain {
	t.Helper()
	tc := &testChain{}
	for i := 0; i < 3; i++ {
		key, err := secp256k1.GeneratePrivateKey()
		require.NoError(t, err)
		tc.keys = append(tc.keys, key)
		tc.addrs = append(tc.addrs, crypto.PubkeyToAddress(key.PubKey()))
	}
	tc.genesis = core.DevGenesis(tc.addrs...)
	return tc
}

// generate produces n blocks of round-robin transfers.
func (tc *testChain) generate(t *testing.T, n int) *core.ChainPack {
	t.Helper()
	pack, err := core.GenerateChain(tc.genesis, n, func(i int, b *core.BlockGen) {
		b.SendValue(tc.keys[i%3], tc.addrs[(i+1)%3], uint64(100+i))
	})
	require.NoError(t, err)
	return pack
}

func newTestDB(t *testing.T, genesis *core.Genesis) kv.RwDB {
	t.Helper()
	db := memdb.NewTestDB(t)
	_, err := core.CommitGenesisBlock(context.Background(), db, genesis)
	require.NoError(t, err)
	return db
}

func newTestSync(ctx context.Context, db kv.RwDB, source *testSource) *Sync {
	logger := log.New()
	return New(
		DefaultStages(ctx,
			StageHeadersCfg(db, source, 4),
			StageBodiesCfg(db, source, 4, 2),
			StageSendersCfg(db, 4),
			StageExecuteBlocksCfg(db, 4),
			StageCommitmentCfg(db, 16),
			StageHistoryCfg(db, 4, 0),
			StageTxLookupCfg(db, 4, 0),
			StageFinishCfg(db),
		),
		DefaultUnwindOrder,
		DefaultPruneOrder,
		logger,
	)
}

func stageProgress(t *testing.T, db kv.RoDB, stage stages.SyncStage) uint64 {
	t.Helper()
	var progress uint64
	require.NoError(t, db.View(context.Background(), func(tx kv.Tx) error {
		var err error
		progress, err = stages.GetStageProgress(tx, stage)
		return err
	}))
	return progress
}

func requireAllStagesAt(t *testing.T, db kv.RoDB, blockNum uint64) {
	t.Helper()
	for _, stage := range stages.AllStages {
		require.Equal(t, blockNum, stageProgress(t, db, stage), string(stage))
	}
}

func TestFullSync(t *testing.T) {
	ctx := context.Background()
	tc := newTestChain(t)
	pack := tc.generate(t, 10)
	source := &testSource{pack: pack}
	db := newTestDB(t, tc.genesis)
	sync := newTestSync(ctx, db, source)

	require.NoError(t, sync.Run(db, nil, true))
	requireAllStagesAt(t, db, 10)

	top := pack.TopBlock()
	require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
		// canonical chain matches the source
		hash, err := rawdb.ReadCanonicalHash(tx, 10)
		require.NoError(t, err)
		require.Equal(t, top.Hash(), hash)

		headBlock, err := rawdb.ReadHeadBlockHash(tx)
		require.NoError(t, err)
		require.Equal(t, top.Hash(), headBlock)

		// execution produced exactly the state the headers commit to
		root, err := commitment.Root(tx)
		require.NoError(t, err)
		require.Equal(t, top.Header.StateRoot, root)

		// per-transaction derived data is in place
		firstTx := pack.Blocks[0].Body.Transactions[0]
		blockNum, err := rawdb.ReadTxLookupEntry(tx, firstTx.Hash())
		require.NoError(t, err)
		require.NotNil(t, blockNum)
		require.Equal(t, uint64(1), *blockNum)

		senders, err := rawdb.ReadSenders(tx, pack.Blocks[0].Hash(), 1)
		require.NoError(t, err)
		require.Equal(t, pack.Senders[0], senders)

		receipts, err := rawdb.ReadReceipts(tx, 1)
		require.NoError(t, err)
		require.Equal(t, pack.Receipts[0].Hash(), receipts.Hash())
		return nil
	}))

	// a second cycle with nothing new is a no-op
	require.NoError(t, sync.Run(db, nil, false))
	requireAllStagesAt(t, db, 10)
}

func TestLaggingBodiesHoldDownstreamBack(t *testing.T) {
	ctx := context.Background()
	tc := newTestChain(t)
	source := &testSource{pack: tc.generate(t, 10), withholdBodiesAbove: 8}
	db := newTestDB(t, tc.genesis)
	sync := newTestSync(ctx, db, source)

	require.NoError(t, sync.Run(db, nil, true))

	// headers ran ahead, everything below the bodies checkpoint waits
	require.Equal(t, uint64(10), stageProgress(t, db, stages.Headers))
	require.Equal(t, uint64(8), stageProgress(t, db, stages.Bodies))
	require.Equal(t, uint64(8), stageProgress(t, db, stages.Execution))
	require.Equal(t, uint64(8), stageProgress(t, db, stages.Finish))

	// once the source catches up, the next cycle resumes from the body
	// checkpoint and completes
	source.withholdBodiesAbove = 0
	require.NoError(t, sync.Run(db, nil, false))
	requireAllStagesAt(t, db, 10)
}

// corruptReceiptHash invalidates the block at index i and relinks the headers
// above it so the chain still attaches.
func corruptReceiptHash(pack *core.ChainPack, i int) {
	pack.Blocks[i].Header.ReceiptHash = common.HexToHash("0xdead")
	for j := i + 1; j < len(pack.Blocks); j++ {
		pack.Blocks[j].Header.ParentHash = pack.Blocks[j-1].Hash()
	}
}

func TestInvalidBlockUnwindsAndIsRefused(t *testing.T) {
	ctx := context.Background()
	tc := newTestChain(t)
	pack := tc.generate(t, 5)
	corruptReceiptHash(pack, 1)
	badHash := pack.Blocks[1].Hash()
	source := &testSource{pack: pack}
	db := newTestDB(t, tc.genesis)
	sync := newTestSync(ctx, db, source)

	require.NoError(t, sync.Run(db, nil, true))

	// execution rejected block 2, every stage settled on block 1 and the
	// bad block is refused when the source offers it again
	requireAllStagesAt(t, db, 1)
	require.True(t, sync.HasBadBlock(badHash))

	require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
		hash, err := rawdb.ReadCanonicalHash(tx, 2)
		require.NoError(t, err)
		require.Equal(t, common.Hash{}, hash)

		root, err := commitment.Root(tx)
		require.NoError(t, err)
		require.Equal(t, pack.Blocks[0].Header.StateRoot, root)
		return nil
	}))

	// nothing changes on later cycles, the chain is parked before the bad block
	require.NoError(t, sync.Run(db, nil, false))
	requireAllStagesAt(t, db, 1)
}

func TestReorg(t *testing.T) {
	ctx := context.Background()
	tc := newTestChain(t)

	// two chains sharing the first three blocks; signing is deterministic so
	// the shared prefix is byte-identical
	chainA, err := core.GenerateChain(tc.genesis, 6, func(i int, b *core.BlockGen) {
		b.SendValue(tc.keys[i%3], tc.addrs[(i+1)%3], uint64(100+i))
	})
	require.NoError(t, err)
	chainB, err := core.GenerateChain(tc.genesis, 7, func(i int, b *core.BlockGen) {
		if i < 3 {
			b.SendValue(tc.keys[i%3], tc.addrs[(i+1)%3], uint64(100+i))
			return
		}
		b.SendValue(tc.keys[(i+1)%3], tc.addrs[i%3], uint64(500+i))
	})
	require.NoError(t, err)
	require.Equal(t, chainA.Blocks[2].Hash(), chainB.Blocks[2].Hash())
	require.NotEqual(t, chainA.Blocks[3].Hash(), chainB.Blocks[3].Hash())

	source := &testSource{pack: chainA}
	db := newTestDB(t, tc.genesis)
	sync := newTestSync(ctx, db, source)

	require.NoError(t, sync.Run(db, nil, true))
	requireAllStagesAt(t, db, 6)

	// the source switches to the other chain
	source.pack = chainB
	require.NoError(t, sync.Run(db, nil, false))
	requireAllStagesAt(t, db, 7)

	require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
		for n := uint64(1); n <= 7; n++ {
			hash, err := rawdb.ReadCanonicalHash(tx, n)
			require.NoError(t, err)
			require.Equal(t, chainB.Blocks[n-1].Hash(), hash, "block %d", n)
		}
		root, err := commitment.Root(tx)
		require.NoError(t, err)
		require.Equal(t, chainB.TopBlock().Header.StateRoot, root)
		return nil
	}))
}

// dumpDB captures every table as an ordered list of key=value pairs.
func dumpDB(t *testing.T, db kv.RoDB) map[string][]string {
	t.Helper()
	dump := make(map[string][]string)
	require.NoError(t, db.View(context.Background(), func(tx kv.Tx) error {
		for _, table := range kv.ChaindataTables {
			var entries []string
			require.NoError(t, tx.ForEach(table, nil, func(k, v []byte) error {
				entries = append(entries, string(k)+"\x00"+string(v))
				return nil
			}))
			dump[table] = entries
		}
		return nil
	}))
	return dump
}

func TestUnwindIsExactInverse(t *testing.T) {
	ctx := context.Background()
	tc := newTestChain(t)
	source := &testSource{pack: tc.generate(t, 10)}
	db := newTestDB(t, tc.genesis)
	sync := newTestSync(ctx, db, source)

	target := uint64(5)
	sync.SetTarget(&target)
	require.NoError(t, sync.Run(db, nil, true))
	requireAllStagesAt(t, db, 5)
	before := dumpDB(t, db)

	sync.SetTarget(nil)
	require.NoError(t, sync.Run(db, nil, false))
	requireAllStagesAt(t, db, 10)

	sync.UnwindTo(5, common.Hash{})
	require.NoError(t, sync.RunUnwind(db, nil))
	requireAllStagesAt(t, db, 5)

	// the whole database is byte-for-byte what it was before the blocks
	// above the unwind point were applied
	after := dumpDB(t, db)
	require.Equal(t, before, after)
}

func TestCommitmentResumesPartialFold(t *testing.T) {
	ctx := context.Background()
	tc := newTestChain(t)
	source := &testSource{pack: tc.generate(t, 10)}
	db := newTestDB(t, tc.genesis)
	sync := newTestSync(ctx, db, source)

	require.NoError(t, sync.Run(db, nil, true))
	requireAllStagesAt(t, db, 10)

	// fake a crash mid-fold: rewind the commitment checkpoint to block 5 and
	// store a half-finished fold targeting block 10
	require.NoError(t, db.Update(ctx, func(tx kv.RwTx) error {
		fold := &commitment.FoldState{}
		done, err := commitment.Fold(tx, fold, 2)
		require.NoError(t, err)
		require.False(t, done)
		return stages.SaveStageCheckpoint(tx, stages.Commitment, 5, encodeCommitmentData(10, fold))
	}))

	require.NoError(t, sync.Run(db, nil, false))
	requireAllStagesAt(t, db, 10)

	// the checkpoint is clean again, no stage data left behind
	require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
		progress, stageData, err := stages.GetStageCheckpoint(tx, stages.Commitment)
		require.NoError(t, err)
		require.Equal(t, uint64(10), progress)
		require.Empty(t, stageData)
		return nil
	}))
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	tc := newTestChain(t)
	source := &testSource{pack: tc.generate(t, 10)}
	db := newTestDB(t, tc.genesis)

	logger := log.New()
	sync := New(
		DefaultStages(ctx,
			StageHeadersCfg(db, source, 4),
			StageBodiesCfg(db, source, 4, 2),
			StageSendersCfg(db, 4),
			StageExecuteBlocksCfg(db, 4),
			StageCommitmentCfg(db, 16),
			StageHistoryCfg(db, 4, 3),
			StageTxLookupCfg(db, 4, 3),
			StageFinishCfg(db),
		),
		DefaultUnwindOrder,
		DefaultPruneOrder,
		logger,
	)

	require.NoError(t, sync.Run(db, nil, true))
	require.NoError(t, sync.RunPrune(db, nil, true))

	require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
		pruneProgress, err := stages.GetStagePruneProgress(tx, stages.TxLookup)
		require.NoError(t, err)
		require.Equal(t, uint64(7), pruneProgress)

		// lookups below the horizon are gone, recent ones stay
		oldTx := source.pack.Blocks[0].Body.Transactions[0]
		blockNum, err := rawdb.ReadTxLookupEntry(tx, oldTx.Hash())
		require.NoError(t, err)
		require.Nil(t, blockNum)

		newTx := source.pack.Blocks[9].Body.Transactions[0]
		blockNum, err = rawdb.ReadTxLookupEntry(tx, newTx.Hash())
		require.NoError(t, err)
		require.NotNil(t, blockNum)
		return nil
	}))
}

// corruptStateRoot invalidates the declared state root of the block at index
// i and relinks the headers above it so the chain still attaches.
func corruptStateRoot(pack *core.ChainPack, i int) {
	pack.Blocks[i].Header.StateRoot = common.HexToHash("0xbad")
	for j := i + 1; j < len(pack.Blocks); j++ {
		pack.Blocks[j].Header.ParentHash = pack.Blocks[j-1].Hash()
	}
}

func TestStateRootMismatchUnwindsAndIsRefused(t *testing.T) {
	ctx := context.Background()
	tc := newTestChain(t)

	// the condemned block pays an address no other block touches, so any
	// leftover of it in the hashed state would poison every later root
	fresh := common.HexToAddress("0x00000000000000000000000000000000f00dfeed")
	pack, err := core.GenerateChain(tc.genesis, 5, func(i int, b *core.BlockGen) {
		if i == 4 {
			b.SendValue(tc.keys[0], fresh, 1234)
			return
		}
		b.SendValue(tc.keys[i%3], tc.addrs[(i+1)%3], uint64(100+i))
	})
	require.NoError(t, err)
	corruptStateRoot(pack, 4)
	badHash := pack.Blocks[4].Hash()
	source := &testSource{pack: pack}
	db := newTestDB(t, tc.genesis)
	sync := newTestSync(ctx, db, source)

	require.NoError(t, sync.Run(db, nil, true))

	// commitment rejected block 5, the valid prefix survived intact
	requireAllStagesAt(t, db, 4)
	require.True(t, sync.HasBadBlock(badHash))

	require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
		root, err := commitment.Root(tx)
		require.NoError(t, err)
		require.Equal(t, pack.Blocks[3].Header.StateRoot, root)

		// the hashed state carries nothing from the condemned block
		v, err := tx.GetOne(kv.CommitmentState, crypto.Keccak256(fresh.Bytes()))
		require.NoError(t, err)
		require.Nil(t, v)
		return nil
	}))

	// later cycles stay parked before the bad block
	require.NoError(t, sync.Run(db, nil, false))
	requireAllStagesAt(t, db, 4)
}
