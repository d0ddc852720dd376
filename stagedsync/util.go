package stagedsync

import (
	"context"
	"time"

	"github.com/meridianchain/meridian/kv"
	"github.com/meridianchain/meridian/metrics"
)

// commitAndReopen commits a stage-owned transaction at a batch boundary and
// opens a fresh one in its place. Data and checkpoint land atomically, so a
// crash between batches resumes from the last committed batch.
func commitAndReopen(ctx context.Context, db kv.RwDB, tx *kv.RwTx) error {
	start := time.Now()
	if err := (*tx).Commit(); err != nil {
		return err
	}
	metrics.DBCommitDuration.Observe(time.Since(start).Seconds())
	newTx, err := db.BeginRw(ctx)
	if err != nil {
		return err
	}
	*tx = newTx
	return nil
}
