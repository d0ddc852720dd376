package stagedsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ledgerwatch/log/v3"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/kv"
	"github.com/meridianchain/meridian/metrics"
	"github.com/meridianchain/meridian/stagedsync/stages"
)

// StageLoop runs sync cycles back to back until the context is cancelled.
// Cycles that make no progress back off exponentially instead of spinning
// against an idle source. A checkpoint inversion or a store failure stops
// the loop, every other error is logged and retried.
func StageLoop(ctx context.Context, db kv.RwDB, sync *Sync, logger log.Logger) {
	defer logger.Info("Stage loop stopped")

	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = 500 * time.Millisecond
	idle.MaxInterval = 10 * time.Second
	idle.MaxElapsedTime = 0

	initialCycle := true
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		headBefore, err := finishProgress(ctx, db)
		if err != nil {
			logger.Error("Reading progress", "err", err)
			return
		}

		if err := StageLoopIteration(ctx, db, sync, initialCycle, logger); err != nil {
			if errors.Is(err, common.ErrStopped) || errors.Is(err, context.Canceled) {
				return
			}
			var ahead ErrStageCheckpointAhead
			if errors.As(err, &ahead) {
				logger.Error("Checkpoint inversion detected, stopping. Manual intervention required", "err", err)
				return
			}
			var storeErr *kv.StoreError
			if errors.As(err, &storeErr) {
				logger.Error("Store failure, stopping. Manual intervention required", "err", err)
				return
			}
			logger.Error("Stage loop iteration failed", "err", err)
			if !sleepOrDone(ctx, idle.NextBackOff()) {
				return
			}
			continue
		}
		initialCycle = false
		metrics.CycleDuration.Observe(time.Since(start).Seconds())

		headAfter, err := finishProgress(ctx, db)
		if err != nil {
			logger.Error("Reading progress", "err", err)
			return
		}
		if headAfter > headBefore {
			idle.Reset()
			logger.Info("Sync cycle complete", append([]interface{}{"head", headAfter}, sync.PrintTimings()...)...)
			continue
		}
		if !sleepOrDone(ctx, idle.NextBackOff()) {
			return
		}
	}
}

// StageLoopIteration runs one forward cycle followed by a pruning pass, each
// stage managing its own transactions.
func StageLoopIteration(ctx context.Context, db kv.RwDB, sync *Sync, initialCycle bool, logger log.Logger) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("staged sync panic: %v", rec)
		}
	}()

	if err = sync.Run(db, nil, initialCycle); err != nil {
		return err
	}
	return sync.RunPrune(db, nil, initialCycle)
}

func finishProgress(ctx context.Context, db kv.RoDB) (uint64, error) {
	var progress uint64
	err := db.View(ctx, func(tx kv.Tx) error {
		var err error
		progress, err = stages.GetStageProgress(tx, stages.Finish)
		return err
	})
	return progress, err
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
