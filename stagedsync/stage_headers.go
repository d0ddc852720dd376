package stagedsync

import (
	"context"
	"fmt"
	"time"

	"github.com/ledgerwatch/log/v3"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/core/rawdb"
	"github.com/meridianchain/meridian/core/types"
	"github.com/meridianchain/meridian/kv"
)

// HeaderSource is where the headers stage pulls the chain from. Implementations
// retry transient failures internally and return only what they could get.
type HeaderSource interface {
	// TipNumber is the height of the source's current best chain.
	TipNumber(ctx context.Context) (uint64, error)
	// HeadersFrom returns up to limit consecutive best-chain headers starting at from.
	HeadersFrom(ctx context.Context, from uint64, limit int) ([]*types.Header, error)
	// HeaderByNumber returns the source's best-chain header at the given height.
	HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error)
}

type HeadersCfg struct {
	db        kv.RwDB
	source    HeaderSource
	batchSize uint64
}

func StageHeadersCfg(db kv.RwDB, source HeaderSource, batchSize uint64) HeadersCfg {
	return HeadersCfg{db: db, source: source, batchSize: batchSize}
}

// SpawnHeadersStage extends the canonical header chain towards the source tip.
// A source whose chain no longer attaches at our head triggers an unwind to
// the deepest shared ancestor.
func SpawnHeadersStage(ctx context.Context, s *StageState, u Unwinder, tx kv.RwTx, cfg HeadersCfg, logger log.Logger) error {
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

	tip, err := cfg.source.TipNumber(ctx)
	if err != nil {
		return fmt.Errorf("reading source tip: %w", err)
	}
	to := tip
	if target := s.Target(); target != nil && *target < to {
		to = *target
	}

	// Even with no new blocks the source may have switched to a different
	// chain under our head.
	unwindPoint, reorg, err := attachmentPoint(ctx, tx, cfg.source, s.BlockNumber)
	if err != nil {
		return err
	}
	if reorg {
		logger.Info(fmt.Sprintf("[%s] Source diverged, unwinding", logPrefix), "fork_point", unwindPoint, "head", s.BlockNumber)
		u.UnwindTo(unwindPoint, common.Hash{})
		return nil
	}
	if to <= s.BlockNumber {
		return nil
	}

	logger.Info(fmt.Sprintf("[%s] Downloading headers", logPrefix), "from", s.BlockNumber+1, "to", to)
	logEvery := time.NewTicker(30 * time.Second)
	defer logEvery.Stop()

	prevHash, err := rawdb.ReadCanonicalHash(tx, s.BlockNumber)
	if err != nil {
		return err
	}
	blockNum := s.BlockNumber
	for blockNum < to {
		select {
		case <-ctx.Done():
			return common.ErrStopped
		case <-logEvery.C:
			logger.Info(fmt.Sprintf("[%s] Wrote headers", logPrefix), "now", blockNum, "target", to)
		default:
		}
		limit := int(cfg.batchSize)
		if remaining := to - blockNum; remaining < cfg.batchSize {
			limit = int(remaining)
		}
		headers, err := cfg.source.HeadersFrom(ctx, blockNum+1, limit)
		if err != nil {
			return fmt.Errorf("fetching headers from %d: %w", blockNum+1, err)
		}
		if len(headers) == 0 {
			break // source has nothing for us right now, try again next cycle
		}
		stopped := false
		for _, header := range headers {
			hash := header.Hash()
			if u.HasBadBlock(hash) {
				logger.Warn(fmt.Sprintf("[%s] Source offered a condemned header, stopping before it", logPrefix), "number", header.Number, "hash", hash)
				stopped = true
				break
			}
			if header.Number != blockNum+1 {
				return fmt.Errorf("header gap: got %d, expected %d", header.Number, blockNum+1)
			}
			if header.ParentHash != prevHash {
				return fmt.Errorf("header %d does not attach: parent %s, have %s", header.Number, header.ParentHash, prevHash)
			}
			if err := rawdb.WriteHeader(tx, header); err != nil {
				return err
			}
			if err := rawdb.WriteCanonicalHash(tx, hash, header.Number); err != nil {
				return err
			}
			prevHash = hash
			blockNum = header.Number
		}
		if err := s.Update(tx, blockNum); err != nil {
			return err
		}
		if err := rawdb.WriteHeadHeaderHash(tx, prevHash); err != nil {
			return err
		}
		if stopped {
			break
		}
		if !useExternalTx && blockNum < to {
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

// attachmentPoint verifies the source still agrees with our canonical head.
// On divergence it walks down to the highest block both sides agree on.
func attachmentPoint(ctx context.Context, tx kv.Tx, source HeaderSource, head uint64) (uint64, bool, error) {
	if head == 0 {
		return 0, false, nil
	}
	localHash, err := rawdb.ReadCanonicalHash(tx, head)
	if err != nil {
		return 0, false, err
	}
	srcHeader, err := source.HeaderByNumber(ctx, head)
	if err != nil {
		return 0, false, fmt.Errorf("reading source header %d: %w", head, err)
	}
	if srcHeader == nil || srcHeader.Hash() == localHash {
		return 0, false, nil
	}
	for n := head - 1; ; n-- {
		localHash, err = rawdb.ReadCanonicalHash(tx, n)
		if err != nil {
			return 0, false, err
		}
		srcHeader, err = source.HeaderByNumber(ctx, n)
		if err != nil {
			return 0, false, fmt.Errorf("reading source header %d: %w", n, err)
		}
		if srcHeader != nil && srcHeader.Hash() == localHash {
			return n, true, nil
		}
		if n == 0 {
			return 0, false, fmt.Errorf("source shares no ancestor with local chain")
		}
	}
}

// UnwindHeadersStage deletes headers and canonical markers above the unwind
// point and moves the head marker back.
func UnwindHeadersStage(ctx context.Context, u *UnwindState, tx kv.RwTx, cfg HeadersCfg) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
	}

	badBlock := u.BadBlock != (common.Hash{})
	if badBlock {
		// Keep the condemned headers around for inspection, only the
		// canonical markers go. A plain reorg removes both.
		if err := rawdb.TruncateCanonicalHash(tx, u.UnwindPoint+1); err != nil {
			return err
		}
	} else {
		if err := rawdb.TruncateHeaders(tx, u.UnwindPoint+1); err != nil {
			return err
		}
		if err := rawdb.TruncateCanonicalHash(tx, u.UnwindPoint+1); err != nil {
			return err
		}
	}
	newHead, err := rawdb.ReadCanonicalHash(tx, u.UnwindPoint)
	if err != nil {
		return err
	}
	if err := rawdb.WriteHeadHeaderHash(tx, newHead); err != nil {
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
