package stagedsync

import (
	"fmt"

	"github.com/ledgerwatch/log/v3"

	"github.com/meridianchain/meridian/kv"
	"github.com/meridianchain/meridian/stagedsync/stages"
)

// ExecFunc is the execution function for the stage to move forward.
//   - firstCycle - is it the first cycle of the process.
//   - badBlockUnwind - whether the stage is run after an unwind caused by an invalid block.
//   - s - is the current state of the stage and contains stage data from the last run.
//   - u - allows the stage to request an unwind of the whole sync.
//   - tx - the database transaction. May be nil, in which case the stage
//     manages its own transactions and commits at batch boundaries.
type ExecFunc func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error

// UnwindFunc rolls the stage back to u.UnwindPoint.
type UnwindFunc func(firstCycle bool, u *UnwindState, s *StageState, tx kv.RwTx, logger log.Logger) error

// PruneFunc deletes stage data older than the stage's pruning horizon.
type PruneFunc func(firstCycle bool, p *PruneState, tx kv.RwTx, logger log.Logger) error

// Stage is a single sync stage in the staged sync process.
type Stage struct {
	// ID of the sync stage. Should not be empty and should be unique. Persisted with the checkpoint.
	ID stages.SyncStage
	// Description is a string that is shown in the logs.
	Description string
	// DisabledDescription shows in the log when the stage is disabled. Set to empty "" when the stage is enabled.
	DisabledDescription string
	// Forward is called when the stage is executed. The main logic of the stage should be here.
	Forward ExecFunc
	// Unwind is called when the stage should be unwound. The unwind logic should be there.
	Unwind UnwindFunc
	// Prune deletes data older than the pruning horizon.
	Prune PruneFunc
	// Disabled defines if the stage is disabled. It sets up when the stage is build by its `StageBuilder`.
	Disabled bool
}

// StageState is the state of the stage.
type StageState struct {
	state *Sync
	ID    stages.SyncStage
	// BlockNumber is the current checkpoint of the stage.
	BlockNumber uint64
	// StageData carries opaque bytes the stage saved alongside its checkpoint,
	// e.g. a partially folded commitment.
	StageData []byte
}

func (s *StageState) LogPrefix() string { return s.state.LogPrefix() }

// CurrentSyncCycle info about current sync cycle target. Nil means "sync to
// whatever the source offers".
func (s *StageState) Target() *uint64 { return s.state.Target() }

// Update updates the stage checkpoint in the database, clearing any stage data.
func (s *StageState) Update(db kv.Putter, newBlockNum uint64) error {
	return stages.SaveStageProgress(db, s.ID, newBlockNum)
}

// UpdateWithStageData updates the stage checkpoint and saves opaque stage data
// next to it, to be handed back on the next run.
func (s *StageState) UpdateWithStageData(db kv.Putter, newBlockNum uint64, stageData []byte) error {
	return stages.SaveStageCheckpoint(db, s.ID, newBlockNum, stageData)
}

// ExecutionAt returns the progress of the execution stage, a frequent bound
// for downstream stages.
func (s *StageState) ExecutionAt(db kv.Getter) (uint64, error) {
	execution, err := stages.GetStageProgress(db, stages.Execution)
	return execution, err
}

// PruneState holds the pruning cursor of a stage.
type PruneState struct {
	state           *Sync
	ID              stages.SyncStage
	ForwardProgress uint64 // progress of the stage's forward pass
	PruneProgress   uint64 // lowest block still retained, exclusive
	PruneTo         uint64 // prune everything strictly below this block
}

func (s *PruneState) LogPrefix() string { return s.state.LogPrefix() + " Prune" }

// Done saves the new pruning horizon.
func (s *PruneState) Done(db kv.Putter) error {
	return stages.SaveStagePruneProgress(db, s.ID, s.PruneTo)
}

func (s *PruneState) DoneAt(db kv.Putter, blockNum uint64) error {
	return stages.SaveStagePruneProgress(db, s.ID, blockNum)
}

// ErrStageCheckpointAhead reports a stage whose checkpoint is ahead of an
// upstream stage, which can only happen through outside interference with the
// database. The pipeline refuses to run until the operator intervenes.
type ErrStageCheckpointAhead struct {
	ID       stages.SyncStage
	Progress uint64
	Upstream stages.SyncStage
	Bound    uint64
}

func (e ErrStageCheckpointAhead) Error() string {
	return fmt.Sprintf("stage %s checkpoint %d is ahead of upstream %s checkpoint %d", e.ID, e.Progress, e.Upstream, e.Bound)
}
