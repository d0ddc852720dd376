package changeset_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/core/changeset"
	"github.com/meridianchain/meridian/kv/memdb"
)

func TestEncodeDecode(t *testing.T) {
	addr := common.HexToAddress("0x0102030405060708090a0b0c0d0e0f1011121314")
	prev := []byte{0xca, 0xfe}

	gotAddr, gotPrev, err := changeset.Decode(changeset.Encode(addr, prev))
	require.NoError(t, err)
	require.Equal(t, addr, gotAddr)
	require.Equal(t, prev, gotPrev)

	// an empty previous value means the account did not exist
	gotAddr, gotPrev, err = changeset.Decode(changeset.Encode(addr, nil))
	require.NoError(t, err)
	require.Equal(t, addr, gotAddr)
	require.Empty(t, gotPrev)

	_, _, err = changeset.Decode([]byte{0x01})
	require.Error(t, err)
}

func TestWriteForEach(t *testing.T) {
	_, tx := memdb.NewTestTx(t)

	addr1 := common.HexToAddress("0x01")
	addr2 := common.HexToAddress("0x02")
	require.NoError(t, changeset.Write(tx, 5, addr1, []byte("one")))
	require.NoError(t, changeset.Write(tx, 5, addr2, nil))
	require.NoError(t, changeset.Write(tx, 6, addr1, []byte("other")))

	got := make(map[common.Address]string)
	require.NoError(t, changeset.ForEach(tx, 5, func(addr common.Address, prev []byte) error {
		got[addr] = string(prev)
		return nil
	}))
	require.Equal(t, map[common.Address]string{addr1: "one", addr2: ""}, got)

	count := 0
	require.NoError(t, changeset.ForEach(tx, 7, func(common.Address, []byte) error {
		count++
		return nil
	}))
	require.Zero(t, count)
}

func TestTruncate(t *testing.T) {
	_, tx := memdb.NewTestTx(t)

	addr := common.HexToAddress("0x01")
	for n := uint64(1); n <= 10; n++ {
		require.NoError(t, changeset.Write(tx, n, addr, []byte{byte(n)}))
	}

	require.NoError(t, changeset.Truncate(tx, 6))

	for n := uint64(1); n <= 10; n++ {
		count := 0
		require.NoError(t, changeset.ForEach(tx, n, func(common.Address, []byte) error {
			count++
			return nil
		}))
		if n < 6 {
			require.Equal(t, 1, count, "block %d", n)
		} else {
			require.Zero(t, count, "block %d", n)
		}
	}
}
