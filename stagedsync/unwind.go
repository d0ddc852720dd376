package stagedsync

import (
	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/kv"
	"github.com/meridianchain/meridian/stagedsync/stages"
)

// Unwinder allows the stage to cause an unwind.
type Unwinder interface {
	// UnwindTo begins staged unwind to the specified block (=lowest block that remains valid).
	// A non-zero badBlock marks the block that caused the unwind as invalid,
	// so header ingestion refuses it if it is offered again.
	UnwindTo(unwindPoint uint64, badBlock common.Hash)
	// HasBadBlock reports whether the hash was previously condemned by an unwind.
	HasBadBlock(hash common.Hash) bool
}

// UnwindState contains the information about unwind.
type UnwindState struct {
	ID stages.SyncStage
	// UnwindPoint is the block to unwind to.
	UnwindPoint        uint64
	CurrentBlockNumber uint64
	// If unwind is caused by a bad block, this hash is not empty
	BadBlock common.Hash
	state    *Sync
}

func (u *UnwindState) LogPrefix() string { return u.state.LogPrefix() }

// Done updates the DB state of the stage.
func (u *UnwindState) Done(db kv.Putter) error {
	return stages.SaveStageProgress(db, u.ID, u.UnwindPoint)
}
