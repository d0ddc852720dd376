package provider_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/core/types"
	"github.com/meridianchain/meridian/kv"
	"github.com/meridianchain/meridian/kv/bitmapdb"
	"github.com/meridianchain/meridian/kv/memdb"
	"github.com/meridianchain/meridian/provider"
)

func TestReaderIsReadOnly(t *testing.T) {
	f := provider.NewFactory(memdb.NewTestDB(t))
	ctx := context.Background()

	p, err := f.Reader(ctx)
	require.NoError(t, err)
	defer p.Rollback()

	err = p.InsertHeader(&types.Header{Number: 1})
	require.ErrorIs(t, err, provider.ErrReadOnly)
}

func TestWriteAndReadBack(t *testing.T) {
	f := provider.NewFactory(memdb.NewTestDB(t))
	ctx := context.Background()

	header := &types.Header{Number: 1, Time: 100}
	hash := header.Hash()
	body := &types.Body{}
	addr := common.HexToAddress("0x42")
	acc := &types.Account{Nonce: 3, Balance: *uint256.NewInt(77)}

	require.NoError(t, f.Update(ctx, func(p *provider.Provider) error {
		if err := p.InsertHeader(header); err != nil {
			return err
		}
		if err := p.MarkCanonical(hash, 1); err != nil {
			return err
		}
		if err := p.InsertBody(hash, 1, body); err != nil {
			return err
		}
		return p.PutAccount(addr, acc)
	}))

	require.NoError(t, f.View(ctx, func(p *provider.Provider) error {
		got, err := p.HeaderByNumber(1)
		require.NoError(t, err)
		require.Equal(t, hash, got.Hash())

		byHash, err := p.HeaderByHash(hash)
		require.NoError(t, err)
		require.Equal(t, got.Hash(), byHash.Hash())

		canonical, err := p.CanonicalHash(1)
		require.NoError(t, err)
		require.Equal(t, hash, canonical)

		gotBody, err := p.Body(hash, 1)
		require.NoError(t, err)
		require.Empty(t, gotBody.Transactions)

		gotAcc, err := p.Account(addr)
		require.NoError(t, err)
		require.Equal(t, acc.Nonce, gotAcc.Nonce)
		require.Equal(t, acc.Balance, gotAcc.Balance)
		return nil
	}))
}

func TestUpdateRollsBackOnError(t *testing.T) {
	f := provider.NewFactory(memdb.NewTestDB(t))
	ctx := context.Background()

	boom := context.DeadlineExceeded
	err := f.Update(ctx, func(p *provider.Provider) error {
		if err := p.PutAccount(common.HexToAddress("0x01"), &types.Account{Nonce: 1}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, f.View(ctx, func(p *provider.Provider) error {
		acc, err := p.Account(common.HexToAddress("0x01"))
		require.NoError(t, err)
		require.Nil(t, acc)
		return nil
	}))
}

func TestHistoryIndexRange(t *testing.T) {
	db := memdb.NewTestDB(t)
	f := provider.NewFactory(db)
	ctx := context.Background()
	addr := common.HexToAddress("0x99")

	require.NoError(t, db.Update(ctx, func(tx kv.RwTx) error {
		bm := roaring64.BitmapOf(3, 7, 20, 150)
		var buf bytes.Buffer
		return bitmapdb.AppendMergedChunks(tx, kv.AccountsHistory, addr.Bytes(), bm, &buf)
	}))

	require.NoError(t, f.View(ctx, func(p *provider.Provider) error {
		blocks, err := p.HistoryIndexRange(addr, 5, 100)
		require.NoError(t, err)
		require.Equal(t, []uint64{7, 20}, blocks)
		return nil
	}))
}

func TestMarkCanonicalIsAppendOnly(t *testing.T) {
	f := provider.NewFactory(memdb.NewTestDB(t))
	ctx := context.Background()

	require.NoError(t, f.Update(ctx, func(p *provider.Provider) error {
		if err := p.MarkCanonical(common.HexToHash("0x01"), 0); err != nil {
			return err
		}
		return p.MarkCanonical(common.HexToHash("0x02"), 1)
	}))

	// re-marking an existing number or skipping ahead is refused
	err := f.Update(ctx, func(p *provider.Provider) error {
		return p.MarkCanonical(common.HexToHash("0x03"), 1)
	})
	require.ErrorContains(t, err, "not monotonic")

	err = f.Update(ctx, func(p *provider.Provider) error {
		return p.MarkCanonical(common.HexToHash("0x03"), 5)
	})
	require.ErrorContains(t, err, "gap")

	require.NoError(t, f.Update(ctx, func(p *provider.Provider) error {
		return p.MarkCanonical(common.HexToHash("0x03"), 2)
	}))
}
