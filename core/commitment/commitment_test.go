package commitment_test

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/core/commitment"
	"github.com/meridianchain/meridian/core/rawdb"
	"github.com/meridianchain/meridian/core/types"
	"github.com/meridianchain/meridian/kv"
	"github.com/meridianchain/meridian/kv/memdb"
)

func writeAccounts(t *testing.T, tx kv.RwTx, n int) map[common.Address][]byte {
	t.Helper()
	accounts := make(map[common.Address][]byte, n)
	addrs := make([]common.Address, 0, n)
	for i := 0; i < n; i++ {
		var addr common.Address
		addr[0] = byte(i >> 8)
		addr[1] = byte(i)
		acc := &types.Account{Nonce: uint64(i), Balance: *uint256.NewInt(uint64(i) * 10)}
		require.NoError(t, rawdb.WriteAccount(tx, addr, acc))
		accounts[addr] = acc.Encode()
		addrs = append(addrs, addr)
	}
	require.NoError(t, commitment.UpdateTouched(tx, addrs))
	return accounts
}

func TestRootMatchesInMemory(t *testing.T) {
	_, tx := memdb.NewTestTx(t)
	accounts := writeAccounts(t, tx, 100)

	root, err := commitment.Root(tx)
	require.NoError(t, err)
	require.Equal(t, commitment.RootOfAccounts(accounts), root)
	require.NotEqual(t, common.Hash{}, root)
}

func TestRootEmptyState(t *testing.T) {
	_, tx := memdb.NewTestTx(t)
	root, err := commitment.Root(tx)
	require.NoError(t, err)
	require.Equal(t, common.Hash{}, root)
}

func TestUpdateTouchedDeletes(t *testing.T) {
	_, tx := memdb.NewTestTx(t)
	accounts := writeAccounts(t, tx, 10)

	var victim common.Address
	victim[1] = 3
	require.NoError(t, rawdb.DeleteAccount(tx, victim))
	require.NoError(t, commitment.UpdateTouched(tx, []common.Address{victim}))
	delete(accounts, victim)

	root, err := commitment.Root(tx)
	require.NoError(t, err)
	require.Equal(t, commitment.RootOfAccounts(accounts), root)
}

func TestFoldResume(t *testing.T) {
	_, tx := memdb.NewTestTx(t)
	writeAccounts(t, tx, 100)

	want, err := commitment.Root(tx)
	require.NoError(t, err)

	// fold in small batches, round-tripping the state through its encoding
	// between batches the way the checkpoint does
	state := &commitment.FoldState{}
	for {
		done, err := commitment.Fold(tx, state, 7)
		require.NoError(t, err)
		if done {
			break
		}
		require.True(t, state.Started())
		state, err = commitment.DecodeFoldState(state.Encode())
		require.NoError(t, err)
	}
	require.Equal(t, want, state.Running)
}

func TestFoldStateEncoding(t *testing.T) {
	s := &commitment.FoldState{}
	require.False(t, s.Started())

	decoded, err := commitment.DecodeFoldState(nil)
	require.NoError(t, err)
	require.False(t, decoded.Started())

	s.Running[0] = 0xaa
	s.NextKey = []byte{1, 2, 3}
	decoded, err = commitment.DecodeFoldState(s.Encode())
	require.NoError(t, err)
	require.Equal(t, s.Running, decoded.Running)
	require.Equal(t, s.NextKey, decoded.NextKey)

	_, err = commitment.DecodeFoldState([]byte{1, 2})
	require.Error(t, err)
}
