package stagedsync

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/ledgerwatch/log/v3"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/common/dbutils"
	"github.com/meridianchain/meridian/core/changeset"
	"github.com/meridianchain/meridian/kv"
	"github.com/meridianchain/meridian/kv/bitmapdb"
	"github.com/meridianchain/meridian/stagedsync/stages"
)

type HistoryCfg struct {
	db            kv.RwDB
	batchSize     uint64
	pruneDistance uint64 // 0 disables pruning
}

func StageHistoryCfg(db kv.RwDB, batchSize uint64, pruneDistance uint64) HistoryCfg {
	return HistoryCfg{db: db, batchSize: batchSize, pruneDistance: pruneDistance}
}

// SpawnAccountHistoryIndex builds the per-account index of modification
// blocks from changesets, stored as chunked roaring bitmaps.
func SpawnAccountHistoryIndex(ctx context.Context, s *StageState, tx kv.RwTx, cfg HistoryCfg, logger log.Logger) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
	}
	logPrefix := s.LogPrefix()

	execProgress, err := stages.GetStageProgress(tx, stages.Execution)
	if err != nil {
		return err
	}
	to := execProgress
	if to <= s.BlockNumber {
		return nil
	}
	logger.Info(fmt.Sprintf("[%s] Started", logPrefix), "from", s.BlockNumber+1, "to", to)
	logEvery := time.NewTicker(30 * time.Second)
	defer logEvery.Stop()

	for blockNum := s.BlockNumber + 1; blockNum <= to; {
		select {
		case <-ctx.Done():
			return common.ErrStopped
		case <-logEvery.C:
			logger.Info(fmt.Sprintf("[%s] Indexing", logPrefix), "block_number", blockNum)
		default:
		}
		batchEnd := blockNum + cfg.batchSize - 1
		if batchEnd > to {
			batchEnd = to
		}

		updates := make(map[common.Address]*roaring64.Bitmap)
		for n := blockNum; n <= batchEnd; n++ {
			err := changeset.ForEach(tx, n, func(addr common.Address, prev []byte) error {
				bm, ok := updates[addr]
				if !ok {
					bm = roaring64.New()
					updates[addr] = bm
				}
				bm.Add(n)
				return nil
			})
			if err != nil {
				return err
			}
		}

		addrs := make([]common.Address, 0, len(updates))
		for addr := range updates {
			addrs = append(addrs, addr)
		}
		sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })

		var buf bytes.Buffer
		for _, addr := range addrs {
			if err := bitmapdb.AppendMergedChunks(tx, kv.AccountsHistory, addr[:], updates[addr], &buf); err != nil {
				return err
			}
		}

		blockNum = batchEnd + 1
		if err := s.Update(tx, batchEnd); err != nil {
			return err
		}
		if !useExternalTx && blockNum <= to {
			if err := commitAndReopen(ctx, cfg.db, &tx); err != nil {
				return err
			}
		}
	}

	if !useExternalTx {
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// UnwindAccountHistoryIndex removes index entries above the unwind point for
// every address touched in the unwound range.
func UnwindAccountHistoryIndex(ctx context.Context, u *UnwindState, tx kv.RwTx, cfg HistoryCfg) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
	}

	touched := make(map[common.Address]struct{})
	for n := u.UnwindPoint + 1; n <= u.CurrentBlockNumber; n++ {
		err := changeset.ForEach(tx, n, func(addr common.Address, prev []byte) error {
			touched[addr] = struct{}{}
			return nil
		})
		if err != nil {
			return err
		}
	}
	for addr := range touched {
		if err := bitmapdb.TruncateRange64(tx, kv.AccountsHistory, addr[:], u.UnwindPoint+1); err != nil {
			return err
		}
	}
	if err := u.Done(tx); err != nil {
		return err
	}

	if !useExternalTx {
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// PruneAccountHistoryIndex drops closed index chunks that lie entirely below
// the pruning horizon. The open chunk of each address is always kept.
func PruneAccountHistoryIndex(ctx context.Context, p *PruneState, tx kv.RwTx, cfg HistoryCfg, logger log.Logger) error {
	if cfg.pruneDistance == 0 || p.ForwardProgress <= cfg.pruneDistance {
		return nil
	}
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
	}
	pruneTo := p.ForwardProgress - cfg.pruneDistance
	if pruneTo <= p.PruneProgress {
		return nil
	}

	c, err := tx.RwCursor(kv.AccountsHistory)
	if err != nil {
		return err
	}
	defer c.Close()
	for k, _, err := c.First(); k != nil; {
		if err != nil {
			return err
		}
		chunkHigh := dbutils.DecodeBlockNumber(k[len(k)-dbutils.NumberLength:])
		if chunkHigh == ^uint64(0) || chunkHigh >= pruneTo {
			// remaining chunks of this address hold yet higher blocks, jump
			// straight to the next address
			next, ok := kv.NextSubtree(k[:len(k)-dbutils.NumberLength])
			if !ok {
				break
			}
			k, _, err = c.Seek(next)
			continue
		}
		if err := c.DeleteCurrent(); err != nil {
			return err
		}
		k, _, err = c.Next()
	}

	p.PruneTo = pruneTo
	if err := p.Done(tx); err != nil {
		return err
	}

	if !useExternalTx {
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
