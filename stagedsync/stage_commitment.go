package stagedsync

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ledgerwatch/log/v3"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/core/changeset"
	"github.com/meridianchain/meridian/core/commitment"
	"github.com/meridianchain/meridian/core/rawdb"
	"github.com/meridianchain/meridian/crypto"
	"github.com/meridianchain/meridian/kv"
	"github.com/meridianchain/meridian/stagedsync/stages"
)

type CommitmentCfg struct {
	db        kv.RwDB
	foldBatch int
}

func StageCommitmentCfg(db kv.RwDB, foldBatch int) CommitmentCfg {
	if foldBatch <= 0 {
		foldBatch = 100_000
	}
	return CommitmentCfg{db: db, foldBatch: foldBatch}
}

// The stage checkpoint carries [8 byte fold target][fold state] while a fold
// is in flight. The target pins the execution height the fold is computing a
// root for, so a restart resumes the same computation even if execution has
// moved on since.
func encodeCommitmentData(target uint64, fold *commitment.FoldState) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, target)
	return append(out, fold.Encode()...)
}

func decodeCommitmentData(data []byte) (uint64, *commitment.FoldState, error) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("commitment stage data too short: %d", len(data))
	}
	fold, err := commitment.DecodeFoldState(data[8:])
	if err != nil {
		return 0, nil, err
	}
	return binary.BigEndian.Uint64(data[:8]), fold, nil
}

// SpawnCommitmentStage recomputes the state root over the hashed state and
// checks it against the header. The fold is batched and its position is
// checkpointed, so large state does not have to be folded in one sitting.
func SpawnCommitmentStage(ctx context.Context, s *StageState, u Unwinder, tx kv.RwTx, cfg CommitmentCfg, logger log.Logger) error {
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
	verified := s.BlockNumber
	target, fold, err := decodeCommitmentData(s.StageData)
	if err != nil {
		return err
	}
	if fold != nil {
		logger.Info(fmt.Sprintf("[%s] Resuming partial fold", logPrefix), "target", target, "next_key", fmt.Sprintf("%x", fold.NextKey))
	}

	for {
		if fold == nil {
			if verified >= execProgress {
				break
			}
			target = execProgress
			touched, err := collectTouched(tx, verified+1, target)
			if err != nil {
				return err
			}
			if err := commitment.UpdateTouched(tx, touched); err != nil {
				return err
			}
			fold = &commitment.FoldState{}
		}

		for {
			select {
			case <-ctx.Done():
				return common.ErrStopped
			default:
			}
			done, err := commitment.Fold(tx, fold, cfg.foldBatch)
			if err != nil {
				return err
			}
			if done {
				break
			}
			if err := s.UpdateWithStageData(tx, verified, encodeCommitmentData(target, fold)); err != nil {
				return err
			}
			if !useExternalTx {
				if err := commitAndReopen(ctx, cfg.db, &tx); err != nil {
					return err
				}
			}
		}

		hash, err := rawdb.ReadCanonicalHash(tx, target)
		if err != nil {
			return err
		}
		header, err := rawdb.ReadHeader(tx, hash, target)
		if err != nil {
			return err
		}
		if header == nil {
			return fmt.Errorf("canonical header %d not found", target)
		}
		if fold.Running != header.StateRoot {
			logger.Warn(fmt.Sprintf("[%s] State root mismatch, unwinding", logPrefix),
				"number", target, "got", fold.Running, "want", header.StateRoot)
			// the touched-key updates for the condemned range are already in
			// the hashed state, take them back before the verdict commits
			if err := restoreCommitmentState(tx, verified+1, target); err != nil {
				return err
			}
			u.UnwindTo(verified, hash)
			if err := s.UpdateWithStageData(tx, verified, nil); err != nil {
				return err
			}
			if !useExternalTx {
				return tx.Commit()
			}
			return nil
		}

		if err := s.Update(tx, target); err != nil {
			return err
		}
		verified = target
		fold = nil
	}

	if !useExternalTx {
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// collectTouched returns every address modified in blocks [from, to], deduplicated.
func collectTouched(tx kv.Tx, from, to uint64) ([]common.Address, error) {
	seen := make(map[common.Address]struct{})
	var out []common.Address
	for n := from; n <= to; n++ {
		err := changeset.ForEach(tx, n, func(addr common.Address, prev []byte) error {
			if _, ok := seen[addr]; !ok {
				seen[addr] = struct{}{}
				out = append(out, addr)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// restoreCommitmentState rewrites the hashed state of every address touched
// in blocks [from, to] back to its value before block from. It runs before
// the execution unwind, so PlainState cannot be consulted; the oldest
// changeset entry per address in the range is that value.
func restoreCommitmentState(tx kv.RwTx, from, to uint64) error {
	restored := make(map[common.Address][]byte)
	for n := from; n <= to; n++ {
		err := changeset.ForEach(tx, n, func(addr common.Address, prev []byte) error {
			if _, ok := restored[addr]; !ok {
				restored[addr] = prev
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	for addr, prev := range restored {
		hashedKey := crypto.Keccak256(addr.Bytes())
		if len(prev) == 0 {
			if err := tx.Delete(kv.CommitmentState, hashedKey); err != nil {
				return err
			}
			continue
		}
		if err := tx.Put(kv.CommitmentState, hashedKey, crypto.Keccak256(prev)); err != nil {
			return err
		}
	}
	return nil
}

// UnwindCommitmentStage rewinds the hashed state to the unwind point using
// changesets. A fold in flight has already applied touched keys up to its
// pinned target, which can lie beyond the checkpoint, so the restore range
// covers both.
func UnwindCommitmentStage(ctx context.Context, u *UnwindState, tx kv.RwTx, cfg CommitmentCfg) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
	}

	_, stageData, err := stages.GetStageCheckpoint(tx, stages.Commitment)
	if err != nil {
		return err
	}
	foldTarget, fold, err := decodeCommitmentData(stageData)
	if err != nil {
		return err
	}
	upper := u.CurrentBlockNumber
	if fold != nil && foldTarget > upper {
		upper = foldTarget
	}
	lower := u.UnwindPoint
	if u.CurrentBlockNumber < lower {
		lower = u.CurrentBlockNumber
	}

	if err := restoreCommitmentState(tx, lower+1, upper); err != nil {
		return err
	}
	if err := stages.SaveStageProgress(tx, stages.Commitment, lower); err != nil {
		return err
	}

	if !useExternalTx {
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
