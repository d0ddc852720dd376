package stagedsync

import (
	"context"

	"github.com/ledgerwatch/log/v3"

	"github.com/meridianchain/meridian/core/rawdb"
	"github.com/meridianchain/meridian/kv"
	"github.com/meridianchain/meridian/stagedsync/stages"
)

type FinishCfg struct {
	db kv.RwDB
}

func StageFinishCfg(db kv.RwDB) FinishCfg {
	return FinishCfg{db: db}
}

// FinishForward advances the head block marker to the lowest checkpoint of
// the preceding stages, which is the highest fully synced block.
func FinishForward(ctx context.Context, s *StageState, tx kv.RwTx, cfg FinishCfg, logger log.Logger) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
	}

	head := ^uint64(0)
	for _, stage := range []stages.SyncStage{stages.Execution, stages.Commitment, stages.AccountHistoryIndex, stages.TxLookup} {
		progress, err := stages.GetStageProgress(tx, stage)
		if err != nil {
			return err
		}
		if progress < head {
			head = progress
		}
	}
	if head == ^uint64(0) || head <= s.BlockNumber {
		if !useExternalTx {
			return tx.Commit()
		}
		return nil
	}

	hash, err := rawdb.ReadCanonicalHash(tx, head)
	if err != nil {
		return err
	}
	if err := rawdb.WriteHeadBlockHash(tx, hash); err != nil {
		return err
	}
	if err := s.Update(tx, head); err != nil {
		return err
	}

	if !useExternalTx {
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func UnwindFinish(ctx context.Context, u *UnwindState, tx kv.RwTx, cfg FinishCfg) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
	}

	hash, err := rawdb.ReadCanonicalHash(tx, u.UnwindPoint)
	if err != nil {
		return err
	}
	if err := rawdb.WriteHeadBlockHash(tx, hash); err != nil {
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
