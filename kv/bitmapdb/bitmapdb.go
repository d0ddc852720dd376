// Package bitmapdb stores block-number bitmaps in chunked roaring form.
// Large bitmaps are split into chunks of bounded serialized size so that a
// single index entry stays within one database page neighborhood. The chunk
// holding the highest bits is keyed with a 0xff..ff suffix, all others with
// their own maximum - appends always find the open chunk at the fixed key.
package bitmapdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/meridianchain/meridian/kv"
)

// ChunkLimit is the target serialized size of one bitmap chunk.
const ChunkLimit = uint64(1950) // 4096 page leaves room for 2 chunks + keys

// CutLeft64 removes and returns the left part of bm whose serialized size is
// close to sizeLimit. Returns nil when bm is empty.
func CutLeft64(bm *roaring64.Bitmap, sizeLimit uint64) *roaring64.Bitmap {
	if bm.IsEmpty() {
		return nil
	}
	if bm.GetSerializedSizeInBytes() <= sizeLimit {
		lft := roaring64.New()
		lft.AddRange(bm.Minimum(), bm.Maximum()+1)
		lft.And(bm)
		bm.Clear()
		return lft
	}

	from := bm.Minimum()
	minMax := bm.Maximum() - bm.Minimum()
	to := sort.Search(int(minMax), func(i int) bool {
		lft := roaring64.New()
		lft.AddRange(from, from+uint64(i)+1)
		lft.And(bm)
		return lft.GetSerializedSizeInBytes() > sizeLimit
	})

	lft := roaring64.New()
	lft.AddRange(from, from+uint64(to))
	lft.And(bm)
	bm.RemoveRange(from, from+uint64(to))
	return lft
}

func WalkChunks64(bm *roaring64.Bitmap, sizeLimit uint64, f func(chunk *roaring64.Bitmap, isLast bool) error) error {
	for bm.GetCardinality() > 0 {
		if err := f(CutLeft64(bm, sizeLimit), bm.GetCardinality() == 0); err != nil {
			return err
		}
	}
	return nil
}

// WalkChunkWithKeys64 splits bm into chunks and calls f with the chunk key the
// chunk must be stored under.
func WalkChunkWithKeys64(k []byte, m *roaring64.Bitmap, sizeLimit uint64, f func(chunkKey []byte, chunk *roaring64.Bitmap) error) error {
	return WalkChunks64(m, sizeLimit, func(chunk *roaring64.Bitmap, isLast bool) error {
		chunkKey := make([]byte, len(k)+8)
		copy(chunkKey, k)
		if isLast {
			binary.BigEndian.PutUint64(chunkKey[len(k):], ^uint64(0))
		} else {
			binary.BigEndian.PutUint64(chunkKey[len(k):], chunk.Maximum())
		}
		return f(chunkKey, chunk)
	})
}

// Get64 reads the bitmap for key restricted to [from, to].
func Get64(tx kv.Tx, table string, key []byte, from, to uint64) (*roaring64.Bitmap, error) {
	var chunks []*roaring64.Bitmap

	fromKey := make([]byte, len(key)+8)
	copy(fromKey, key)
	binary.BigEndian.PutUint64(fromKey[len(key):], from)

	c, err := tx.Cursor(table)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	for k, v, err := c.Seek(fromKey); k != nil; k, v, err = c.Next() {
		if err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(k, key) {
			break
		}
		bm := roaring64.New()
		if _, err := bm.ReadFrom(bytes.NewReader(v)); err != nil {
			return nil, fmt.Errorf("bitmap read: %w", err)
		}
		chunks = append(chunks, bm)
		if binary.BigEndian.Uint64(k[len(key):]) >= to {
			break
		}
	}
	if len(chunks) == 0 {
		return roaring64.New(), nil
	}
	merged := roaring64.FastOr(chunks...)
	merged.RemoveRange(0, from)
	if to < math.MaxUint64 {
		// to+1 wraps on the open-range sentinel and would wipe the bitmap
		merged.RemoveRange(to+1, math.MaxUint64)
	}
	return merged, nil
}

// AppendMergedChunks merges delta into the stored bitmap for key and rewrites
// the affected chunks. delta must only contain values >= every stored value
// except those already inside the open (last) chunk.
func AppendMergedChunks(tx kv.RwTx, table string, key []byte, delta *roaring64.Bitmap, buf *bytes.Buffer) error {
	lastChunkKey := make([]byte, len(key)+8)
	copy(lastChunkKey, key)
	binary.BigEndian.PutUint64(lastChunkKey[len(key):], ^uint64(0))
	lastChunkBytes, err := tx.GetOne(table, lastChunkKey)
	if err != nil {
		return err
	}
	if len(lastChunkBytes) > 0 {
		lastChunk := roaring64.New()
		if _, err := lastChunk.ReadFrom(bytes.NewReader(lastChunkBytes)); err != nil {
			return fmt.Errorf("bitmap read: %w", err)
		}
		delta.Or(lastChunk)
	}
	return WalkChunkWithKeys64(key, delta, ChunkLimit, func(chunkKey []byte, chunk *roaring64.Bitmap) error {
		buf.Reset()
		if _, err := chunk.WriteTo(buf); err != nil {
			return err
		}
		return tx.Put(table, chunkKey, bytes.Clone(buf.Bytes()))
	})
}

// TruncateRange64 removes all values >= from for the given key, dropping and
// rewriting chunks as needed while keeping the open-chunk key invariant.
func TruncateRange64(tx kv.RwTx, table string, key []byte, from uint64) error {
	chunkKey := make([]byte, len(key)+8)
	copy(chunkKey, key)
	binary.BigEndian.PutUint64(chunkKey[len(key):], from)

	c, err := tx.RwCursor(table)
	if err != nil {
		return err
	}
	defer c.Close()

	keep := roaring64.New()
	for k, v, err := c.Seek(chunkKey); k != nil; k, v, err = c.Next() {
		if err != nil {
			return err
		}
		if !bytes.HasPrefix(k, key) {
			break
		}
		bm := roaring64.New()
		if _, err := bm.ReadFrom(bytes.NewReader(v)); err != nil {
			return fmt.Errorf("bitmap read: %w", err)
		}
		bm.RemoveRange(from, math.MaxUint64)
		keep.Or(bm)
		if err := c.DeleteCurrent(); err != nil {
			return err
		}
	}

	if keep.IsEmpty() {
		// everything at or above `from` is gone, re-key the preceding chunk
		// (if any) as the new open chunk
		k, v, err := c.Seek(chunkKey)
		if err != nil {
			return err
		}
		if k == nil || !bytes.HasPrefix(k, key) {
			k, v, err = c.Prev()
			if err != nil {
				return err
			}
		}
		if k != nil && bytes.HasPrefix(k, key) {
			val := bytes.Clone(v)
			if err := c.DeleteCurrent(); err != nil {
				return err
			}
			lastChunkKey := make([]byte, len(key)+8)
			copy(lastChunkKey, key)
			binary.BigEndian.PutUint64(lastChunkKey[len(key):], ^uint64(0))
			if err := tx.Put(table, lastChunkKey, val); err != nil {
				return err
			}
		}
		return nil
	}

	var buf bytes.Buffer
	return WalkChunkWithKeys64(key, keep, ChunkLimit, func(chunkKey []byte, chunk *roaring64.Bitmap) error {
		buf.Reset()
		if _, err := chunk.WriteTo(&buf); err != nil {
			return err
		}
		return tx.Put(table, chunkKey, bytes.Clone(buf.Bytes()))
	})
}
