package stagedsync

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/ledgerwatch/log/v3"
	"golang.org/x/sync/errgroup"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/core/rawdb"
	"github.com/meridianchain/meridian/kv"
	"github.com/meridianchain/meridian/stagedsync/stages"
)

type SendersCfg struct {
	db        kv.RwDB
	batchSize uint64
	workers   int
}

func StageSendersCfg(db kv.RwDB, batchSize uint64) SendersCfg {
	return SendersCfg{db: db, batchSize: batchSize, workers: runtime.NumCPU()}
}

// SpawnRecoverSendersStage recovers transaction senders from signatures and
// stores them per block, so execution never touches signature crypto.
// Recovery runs on a worker pool, writes happen in block order.
func SpawnRecoverSendersStage(ctx context.Context, cfg SendersCfg, s *StageState, tx kv.RwTx, logger log.Logger) error {
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

	bodiesProgress, err := stages.GetStageProgress(tx, stages.Bodies)
	if err != nil {
		return err
	}
	to := bodiesProgress
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
			logger.Info(fmt.Sprintf("[%s] Recovery", logPrefix), "block_number", blockNum)
		default:
		}
		batchEnd := blockNum + cfg.batchSize - 1
		if batchEnd > to {
			batchEnd = to
		}

		count := int(batchEnd - blockNum + 1)
		hashes := make([]common.Hash, count)
		senders := make([][]common.Address, count)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cfg.workers)
		for i := 0; i < count; i++ {
			n := blockNum + uint64(i)
			hash, err := rawdb.ReadCanonicalHash(tx, n)
			if err != nil {
				return err
			}
			hashes[i] = hash
			body, err := rawdb.ReadBody(tx, hash, n)
			if err != nil {
				return err
			}
			if body == nil {
				return fmt.Errorf("body %d not found", n)
			}
			i, n, body := i, n, body
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				recovered := make([]common.Address, len(body.Transactions))
				for j, txn := range body.Transactions {
					from, err := txn.Sender()
					if err != nil {
						return fmt.Errorf("block %d txn %d: %w", n, j, err)
					}
					recovered[j] = from
				}
				senders[i] = recovered
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for i := 0; i < count; i++ {
			if err := rawdb.WriteSenders(tx, hashes[i], blockNum+uint64(i), senders[i]); err != nil {
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

func UnwindSendersStage(ctx context.Context, u *UnwindState, tx kv.RwTx, cfg SendersCfg) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
	}

	if err := rawdb.TruncateSenders(tx, u.UnwindPoint+1); err != nil {
		return err
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
