package stagedsync

import (
	"context"
	"fmt"
	"time"

	"github.com/ledgerwatch/log/v3"
	"golang.org/x/sync/errgroup"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/core/rawdb"
	"github.com/meridianchain/meridian/core/types"
	"github.com/meridianchain/meridian/kv"
	"github.com/meridianchain/meridian/stagedsync/stages"
)

// BodySource serves block bodies by header hash. A nil body in the result
// means the source does not have it yet.
type BodySource interface {
	BodyByHash(ctx context.Context, hash common.Hash) (*types.Body, error)
}

type BodiesCfg struct {
	db          kv.RwDB
	source      BodySource
	batchSize   uint64
	fetchers    int
	retryDelay  time.Duration
	maxAttempts int
}

func StageBodiesCfg(db kv.RwDB, source BodySource, batchSize uint64, fetchers int) BodiesCfg {
	if fetchers <= 0 {
		fetchers = 8
	}
	return BodiesCfg{db: db, source: source, batchSize: batchSize, fetchers: fetchers, retryDelay: 100 * time.Millisecond, maxAttempts: 5}
}

// SpawnBodiesStage fetches bodies for all canonical headers the headers stage
// has, verifies each against the header's body commitment, and persists them.
func SpawnBodiesStage(ctx context.Context, s *StageState, tx kv.RwTx, cfg BodiesCfg, logger log.Logger) error {
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

	headerProgress, err := stages.GetStageProgress(tx, stages.Headers)
	if err != nil {
		return err
	}
	to := headerProgress
	if to <= s.BlockNumber {
		return nil
	}
	logger.Info(fmt.Sprintf("[%s] Downloading bodies", logPrefix), "from", s.BlockNumber+1, "to", to)

	for blockNum := s.BlockNumber + 1; blockNum <= to; {
		batchEnd := blockNum + cfg.batchSize - 1
		if batchEnd > to {
			batchEnd = to
		}
		headers := make([]*types.Header, 0, batchEnd-blockNum+1)
		for n := blockNum; n <= batchEnd; n++ {
			hash, err := rawdb.ReadCanonicalHash(tx, n)
			if err != nil {
				return err
			}
			header, err := rawdb.ReadHeader(tx, hash, n)
			if err != nil {
				return err
			}
			if header == nil {
				return fmt.Errorf("canonical header %d not found", n)
			}
			headers = append(headers, header)
		}

		bodies, err := fetchBodies(ctx, cfg, headers)
		if err != nil {
			return err
		}

		written := uint64(0)
		for i, body := range bodies {
			header := headers[i]
			if body == nil {
				break // source does not have it yet, stop here and retry next cycle
			}
			if got := types.TxListHash(body.Transactions); got != header.TxHash {
				return fmt.Errorf("body of block %d does not match header commitment: got %s, want %s", header.Number, got, header.TxHash)
			}
			if err := rawdb.WriteBody(tx, header.Hash(), header.Number, body); err != nil {
				return err
			}
			written++
		}
		if written == 0 {
			break
		}
		blockNum += written
		if err := s.Update(tx, blockNum-1); err != nil {
			return err
		}
		if written < uint64(len(bodies)) {
			break
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

// fetchBodies downloads bodies for the given headers concurrently, preserving
// order. Transient source errors are retried with a flat delay.
func fetchBodies(ctx context.Context, cfg BodiesCfg, headers []*types.Header) ([]*types.Body, error) {
	bodies := make([]*types.Body, len(headers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.fetchers)
	for i, header := range headers {
		i, header := i, header
		g.Go(func() error {
			var err error
			for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
				var body *types.Body
				body, err = cfg.source.BodyByHash(gctx, header.Hash())
				if err == nil {
					bodies[i] = body
					return nil
				}
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-time.After(cfg.retryDelay):
				}
			}
			return fmt.Errorf("fetching body %s: %w", header.Hash(), err)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return bodies, nil
}

func UnwindBodiesStage(ctx context.Context, u *UnwindState, tx kv.RwTx, cfg BodiesCfg) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
	}

	if err := rawdb.TruncateBodies(tx, u.UnwindPoint+1); err != nil {
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
