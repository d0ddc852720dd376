package mdbx_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridianchain/meridian/kv"
	"github.com/meridianchain/meridian/kv/memdb"
)

func TestPutGet(t *testing.T) {
	_, tx := memdb.NewTestTx(t)

	require.NoError(t, tx.Put(kv.PlainState, []byte("key1"), []byte("value1")))
	v, err := tx.GetOne(kv.PlainState, []byte("key1"))
	require.NoError(t, err)
	require.Equal(t, []byte("value1"), v)

	v, err = tx.GetOne(kv.PlainState, []byte("absent"))
	require.NoError(t, err)
	require.Nil(t, v)

	has, err := tx.Has(kv.PlainState, []byte("key1"))
	require.NoError(t, err)
	require.True(t, has)
}

func TestDelete(t *testing.T) {
	_, tx := memdb.NewTestTx(t)

	require.NoError(t, tx.Put(kv.PlainState, []byte("key1"), []byte("value1")))
	require.NoError(t, tx.Delete(kv.PlainState, []byte("key1")))
	v, err := tx.GetOne(kv.PlainState, []byte("key1"))
	require.NoError(t, err)
	require.Nil(t, v)

	// deleting an absent key is not an error
	require.NoError(t, tx.Delete(kv.PlainState, []byte("key1")))
}

func TestCursorOrder(t *testing.T) {
	_, tx := memdb.NewTestTx(t)

	for _, k := range []string{"b", "d", "a", "c"} {
		require.NoError(t, tx.Put(kv.PlainState, []byte(k), []byte("v"+k)))
	}

	c, err := tx.Cursor(kv.PlainState)
	require.NoError(t, err)
	defer c.Close()

	var keys []string
	for k, _, err := c.First(); k != nil; k, _, err = c.Next() {
		require.NoError(t, err)
		keys = append(keys, string(k))
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, keys)

	k, v, err := c.Seek([]byte("bb"))
	require.NoError(t, err)
	require.Equal(t, "c", string(k))
	require.Equal(t, "vc", string(v))

	k, _, err = c.Seek([]byte("zz"))
	require.NoError(t, err)
	require.Nil(t, k)

	k, v, err = c.SeekExact([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, "b", string(k))
	require.Equal(t, "vb", string(v))

	k, _, err = c.SeekExact([]byte("bb"))
	require.NoError(t, err)
	require.Nil(t, k)
}

func TestDupSort(t *testing.T) {
	_, tx := memdb.NewTestTx(t)

	key := []byte("key1")
	for _, v := range []string{"v3", "v1", "v2"} {
		require.NoError(t, tx.Put(kv.AccountChangeSet, key, []byte(v)))
	}
	require.NoError(t, tx.Put(kv.AccountChangeSet, []byte("key2"), []byte("x1")))

	c, err := tx.CursorDupSort(kv.AccountChangeSet)
	require.NoError(t, err)
	defer c.Close()

	k, v, err := c.SeekExact(key)
	require.NoError(t, err)
	require.Equal(t, key, k)
	require.Equal(t, "v1", string(v))

	cnt, err := c.CountDuplicates()
	require.NoError(t, err)
	require.Equal(t, uint64(3), cnt)

	var vals []string
	for ; v != nil; _, v, err = c.NextDup() {
		require.NoError(t, err)
		vals = append(vals, string(v))
	}
	require.Equal(t, []string{"v1", "v2", "v3"}, vals)

	v, err = c.SeekBothRange(key, []byte("v2"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(v))
}

func TestDeleteCurrentDuplicates(t *testing.T) {
	_, tx := memdb.NewTestTx(t)

	for _, v := range []string{"v1", "v2", "v3"} {
		require.NoError(t, tx.Put(kv.AccountChangeSet, []byte("key1"), []byte(v)))
	}
	require.NoError(t, tx.Put(kv.AccountChangeSet, []byte("key2"), []byte("keep")))

	c, err := tx.RwCursorDupSort(kv.AccountChangeSet)
	require.NoError(t, err)
	defer c.Close()

	k, _, err := c.SeekExact([]byte("key1"))
	require.NoError(t, err)
	require.NotNil(t, k)
	require.NoError(t, c.DeleteCurrentDuplicates())

	var rest []string
	require.NoError(t, tx.ForEach(kv.AccountChangeSet, nil, func(k, v []byte) error {
		rest = append(rest, string(k)+"="+string(v))
		return nil
	}))
	require.Equal(t, []string{"key2=keep"}, rest)
}

func TestSnapshotIsolation(t *testing.T) {
	db := memdb.NewTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Update(ctx, func(tx kv.RwTx) error {
		return tx.Put(kv.PlainState, []byte("k"), []byte("v1"))
	}))

	roTx, err := db.BeginRo(ctx)
	require.NoError(t, err)
	defer roTx.Rollback()

	require.NoError(t, db.Update(ctx, func(tx kv.RwTx) error {
		return tx.Put(kv.PlainState, []byte("k"), []byte("v2"))
	}))

	// the read transaction still sees the state it was opened on
	v, err := roTx.GetOne(kv.PlainState, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(v))

	roTx2, err := db.BeginRo(ctx)
	require.NoError(t, err)
	defer roTx2.Rollback()
	v, err = roTx2.GetOne(kv.PlainState, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(v))
}

func TestSingleWriter(t *testing.T) {
	db := memdb.NewTestDB(t)
	ctx := context.Background()

	tx1, err := db.BeginRw(ctx)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		tx2, err := db.BeginRw(ctx)
		if err == nil {
			tx2.Rollback()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second write transaction started while the first was open")
	case <-time.After(100 * time.Millisecond):
	}

	tx1.Rollback()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second write transaction never started")
	}
}

func TestSequence(t *testing.T) {
	_, tx := memdb.NewTestTx(t)

	v, err := tx.IncrementSequence(kv.BlockBody, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(0), v)

	v, err = tx.IncrementSequence(kv.BlockBody, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(3), v)

	v, err = tx.ReadSequence(kv.BlockBody)
	require.NoError(t, err)
	require.Equal(t, uint64(5), v)
}

func TestCommitDurability(t *testing.T) {
	db := memdb.NewTestDB(t)
	ctx := context.Background()

	tx, err := db.BeginRw(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(kv.PlainState, []byte("a"), []byte("1")))
	tx.Rollback()

	require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
		v, err := tx.GetOne(kv.PlainState, []byte("a"))
		require.NoError(t, err)
		require.Nil(t, v)
		return nil
	}))

	require.NoError(t, db.Update(ctx, func(tx kv.RwTx) error {
		return tx.Put(kv.PlainState, []byte("a"), []byte("2"))
	}))
	require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
		v, err := tx.GetOne(kv.PlainState, []byte("a"))
		require.NoError(t, err)
		require.Equal(t, "2", string(v))
		return nil
	}))
}
