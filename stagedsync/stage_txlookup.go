package stagedsync

import (
	"context"
	"fmt"
	"time"

	"github.com/ledgerwatch/log/v3"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/core/rawdb"
	"github.com/meridianchain/meridian/kv"
	"github.com/meridianchain/meridian/stagedsync/stages"
)

type TxLookupCfg struct {
	db            kv.RwDB
	batchSize     uint64
	pruneDistance uint64
}

func StageTxLookupCfg(db kv.RwDB, batchSize uint64, pruneDistance uint64) TxLookupCfg {
	return TxLookupCfg{db: db, batchSize: batchSize, pruneDistance: pruneDistance}
}

// SpawnTxLookup maps transaction hashes to the block that includes them.
func SpawnTxLookup(ctx context.Context, s *StageState, tx kv.RwTx, cfg TxLookupCfg, logger log.Logger) error {
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
		for n := blockNum; n <= batchEnd; n++ {
			hash, err := rawdb.ReadCanonicalHash(tx, n)
			if err != nil {
				return err
			}
			body, err := rawdb.ReadBody(tx, hash, n)
			if err != nil {
				return err
			}
			if body == nil {
				return fmt.Errorf("body %d not found", n)
			}
			for _, txn := range body.Transactions {
				if err := rawdb.WriteTxLookupEntry(tx, txn.Hash(), n); err != nil {
					return err
				}
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

func UnwindTxLookup(ctx context.Context, u *UnwindState, tx kv.RwTx, cfg TxLookupCfg) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
	}

	for n := u.UnwindPoint + 1; n <= u.CurrentBlockNumber; n++ {
		hash, err := rawdb.ReadCanonicalHash(tx, n)
		if err != nil {
			return err
		}
		body, err := rawdb.ReadBody(tx, hash, n)
		if err != nil {
			return err
		}
		if body == nil {
			continue
		}
		for _, txn := range body.Transactions {
			txHash := txn.Hash()
			if err := tx.Delete(kv.TxLookup, txHash[:]); err != nil {
				return err
			}
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

// PruneTxLookup removes lookup entries for blocks below the pruning horizon.
func PruneTxLookup(ctx context.Context, p *PruneState, tx kv.RwTx, cfg TxLookupCfg, logger log.Logger) error {
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

	for n := p.PruneProgress + 1; n <= pruneTo; n++ {
		hash, err := rawdb.ReadCanonicalHash(tx, n)
		if err != nil {
			return err
		}
		body, err := rawdb.ReadBody(tx, hash, n)
		if err != nil {
			return err
		}
		if body == nil {
			continue
		}
		for _, txn := range body.Transactions {
			txHash := txn.Hash()
			if err := tx.Delete(kv.TxLookup, txHash[:]); err != nil {
				return err
			}
		}
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
