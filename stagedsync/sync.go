package stagedsync

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ledgerwatch/log/v3"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/kv"
	"github.com/meridianchain/meridian/metrics"
	"github.com/meridianchain/meridian/stagedsync/stages"
)

const badBlockCacheLimit = 1000

type Sync struct {
	unwindPoint     *uint64 // used to run stages
	prevUnwindPoint *uint64 // used to get value from outside of staged sync after cycle (for example to notify RPCDaemon)
	badBlock        common.Hash
	badBlocks       *lru.Cache[common.Hash, struct{}]
	targetBlock     *uint64 // sync no further than this block, when set

	stages       []*Stage
	unwindOrder  []*Stage
	pruningOrder []*Stage
	currentStage uint
	timings      []Timing
	logPrefixes  []string
	logger       log.Logger
}

type Timing struct {
	isUnwind bool
	isPrune  bool
	stage    stages.SyncStage
	took     time.Duration
}

func New(stagesList []*Stage, unwindOrder UnwindOrder, pruneOrder PruneOrder, logger log.Logger) *Sync {
	unwindStages := make([]*Stage, len(stagesList))
	for i, stageIndex := range unwindOrder {
		for _, s := range stagesList {
			if s.ID == stageIndex {
				unwindStages[i] = s
				break
			}
		}
	}
	pruneStages := make([]*Stage, len(stagesList))
	for i, stageIndex := range pruneOrder {
		for _, s := range stagesList {
			if s.ID == stageIndex {
				pruneStages[i] = s
				break
			}
		}
	}
	logPrefixes := make([]string, len(stagesList))
	for i := range stagesList {
		logPrefixes[i] = fmt.Sprintf("%d/%d %s", i+1, len(stagesList), stagesList[i].ID)
	}
	badBlocks, _ := lru.New[common.Hash, struct{}](badBlockCacheLimit)

	return &Sync{
		stages:       stagesList,
		unwindOrder:  unwindStages,
		pruningOrder: pruneStages,
		logPrefixes:  logPrefixes,
		badBlocks:    badBlocks,
		logger:       logger,
	}
}

func (s *Sync) Len() int                 { return len(s.stages) }
func (s *Sync) PrevUnwindPoint() *uint64 { return s.prevUnwindPoint }

// Target returns the block the sync should not go beyond, nil for "follow the source".
func (s *Sync) Target() *uint64 { return s.targetBlock }

// SetTarget caps forward sync at the given block. Pass nil to remove the cap.
func (s *Sync) SetTarget(blockNum *uint64) { s.targetBlock = blockNum }

func (s *Sync) NewUnwindState(id stages.SyncStage, unwindPoint, currentProgress uint64) *UnwindState {
	return &UnwindState{id, unwindPoint, currentProgress, common.Hash{}, s}
}

func (s *Sync) PruneStageState(id stages.SyncStage, forwardProgress uint64, tx kv.Tx, db kv.RwDB) (*PruneState, error) {
	var pruneProgress uint64
	var err error
	useExternalTx := tx != nil
	if useExternalTx {
		pruneProgress, err = stages.GetStagePruneProgress(tx, id)
		if err != nil {
			return nil, err
		}
	} else {
		if err = db.View(context.Background(), func(tx kv.Tx) error {
			pruneProgress, err = stages.GetStagePruneProgress(tx, id)
			return err
		}); err != nil {
			return nil, err
		}
	}
	return &PruneState{state: s, ID: id, ForwardProgress: forwardProgress, PruneProgress: pruneProgress}, nil
}

func (s *Sync) NextStage() {
	if s == nil {
		return
	}
	s.currentStage++
}

// IsBefore returns true if stage1 goes before stage2 in staged sync
func (s *Sync) IsBefore(stage1, stage2 stages.SyncStage) bool {
	idx1 := -1
	idx2 := -1
	for i, stage := range s.stages {
		if stage.ID == stage1 {
			idx1 = i
		}
		if stage.ID == stage2 {
			idx2 = i
		}
	}
	return idx1 < idx2
}

// IsAfter returns true if stage1 goes after stage2 in staged sync
func (s *Sync) IsAfter(stage1, stage2 stages.SyncStage) bool {
	return !s.IsBefore(stage1, stage2) && stage1 != stage2
}

// UnwindTo requests the sync to roll every stage back so that unwindPoint is
// the highest fully applied block. The lowest of competing requests wins.
func (s *Sync) UnwindTo(unwindPoint uint64, badBlock common.Hash) {
	if s.unwindPoint != nil && unwindPoint >= *s.unwindPoint {
		return
	}
	s.logger.Info("UnwindTo", "block", unwindPoint, "bad_block_hash", badBlock)
	s.unwindPoint = &unwindPoint
	s.badBlock = badBlock
	metrics.UnwindRequests.Inc()
}

func (s *Sync) HasBadBlock(hash common.Hash) bool {
	if s == nil || s.badBlocks == nil {
		return false
	}
	return s.badBlocks.Contains(hash)
}

func (s *Sync) IsDone() bool {
	return s.currentStage >= uint(len(s.stages)) && s.unwindPoint == nil
}

func (s *Sync) LogPrefix() string {
	if s == nil {
		return ""
	}
	return s.logPrefixes[s.currentStage]
}

func (s *Sync) SetCurrentStage(id stages.SyncStage) error {
	for i, stage := range s.stages {
		if stage.ID == id {
			s.currentStage = uint(i)
			return nil
		}
	}
	return fmt.Errorf("stage not found with id: %v", id)
}

// StageState loads the persisted checkpoint of the given stage.
func (s *Sync) StageState(stage stages.SyncStage, tx kv.Tx, db kv.RoDB) (*StageState, error) {
	var blockNum uint64
	var stageData []byte
	var err error
	useExternalTx := tx != nil
	if useExternalTx {
		blockNum, stageData, err = stages.GetStageCheckpoint(tx, stage)
		if err != nil {
			return nil, err
		}
	} else {
		if err = db.View(context.Background(), func(tx kv.Tx) error {
			blockNum, stageData, err = stages.GetStageCheckpoint(tx, stage)
			return err
		}); err != nil {
			return nil, err
		}
	}
	return &StageState{s, stage, blockNum, stageData}, nil
}

// Run executes one full cycle: any pending unwind first, then every enabled
// stage in order. A stage requesting an unwind mid-cycle restarts the cycle
// from the first stage once the unwind has been carried out.
func (s *Sync) Run(db kv.RwDB, tx kv.RwTx, firstCycle bool) error {
	s.prevUnwindPoint = nil
	s.timings = s.timings[:0]

	for !s.IsDone() {
		var badBlockUnwind bool
		if s.unwindPoint != nil {
			for j := 0; j < len(s.unwindOrder); j++ {
				if s.unwindOrder[j] == nil || s.unwindOrder[j].Disabled || s.unwindOrder[j].Unwind == nil {
					continue
				}
				if err := s.unwindStage(firstCycle, s.unwindOrder[j], db, tx); err != nil {
					return err
				}
			}
			s.prevUnwindPoint = s.unwindPoint
			s.unwindPoint = nil
			if s.badBlock != (common.Hash{}) {
				badBlockUnwind = true
				s.badBlocks.Add(s.badBlock, struct{}{})
				s.badBlock = common.Hash{}
			}
			if err := s.SetCurrentStage(s.stages[0].ID); err != nil {
				return err
			}
			// If there were unwinds, it's possible that the state is not
			// consistent with the first cycle assumptions anymore.
			firstCycle = false
		}

		stage := s.stages[s.currentStage]

		if stage.Disabled || stage.Forward == nil {
			s.logger.Trace(fmt.Sprintf("%s disabled. %s", stage.ID, stage.DisabledDescription))
			s.NextStage()
			continue
		}

		if err := s.runStage(stage, db, tx, firstCycle, badBlockUnwind); err != nil {
			return err
		}

		s.NextStage()
	}

	if err := s.SetCurrentStage(s.stages[0].ID); err != nil {
		return err
	}
	s.currentStage = 0
	return nil
}

// RunUnwind performs the pending unwind without running the forward stages
// afterwards. Used by the operator rollback command.
func (s *Sync) RunUnwind(db kv.RwDB, tx kv.RwTx) error {
	if s.unwindPoint == nil {
		return nil
	}
	for j := 0; j < len(s.unwindOrder); j++ {
		if s.unwindOrder[j] == nil || s.unwindOrder[j].Disabled || s.unwindOrder[j].Unwind == nil {
			continue
		}
		if err := s.unwindStage(false, s.unwindOrder[j], db, tx); err != nil {
			return err
		}
	}
	s.prevUnwindPoint = s.unwindPoint
	s.unwindPoint = nil
	s.badBlock = common.Hash{}
	return s.SetCurrentStage(s.stages[0].ID)
}

// RunPrune runs the pruning pass of every stage that defines one.
func (s *Sync) RunPrune(db kv.RwDB, tx kv.RwTx, firstCycle bool) error {
	for i := 0; i < len(s.pruningOrder); i++ {
		if s.pruningOrder[i] == nil || s.pruningOrder[i].Disabled || s.pruningOrder[i].Prune == nil {
			continue
		}
		if err := s.pruneStage(firstCycle, s.pruningOrder[i], db, tx); err != nil {
			return err
		}
	}
	return s.SetCurrentStage(s.stages[0].ID)
}

func (s *Sync) runStage(stage *Stage, db kv.RwDB, tx kv.RwTx, firstCycle bool, badBlockUnwind bool) (err error) {
	start := time.Now()
	stageState, err := s.StageState(stage.ID, tx, db)
	if err != nil {
		return err
	}
	if err = s.checkStageOrder(stage, stageState, tx, db); err != nil {
		return err
	}

	if err = stage.Forward(firstCycle, badBlockUnwind, stageState, s, tx, s.logger); err != nil {
		wrappedError := fmt.Errorf("[%s] %w", s.LogPrefix(), err)
		s.logger.Debug("Error while executing stage", "err", wrappedError)
		return wrappedError
	}

	took := time.Since(start)
	if took > 60*time.Second {
		logPrefix := s.LogPrefix()
		s.logger.Info(fmt.Sprintf("[%s] DONE", logPrefix), "in", took)
	}
	s.timings = append(s.timings, Timing{stage: stage.ID, took: took})

	if progress, err := s.StageState(stage.ID, tx, db); err == nil {
		metrics.StageProgress.WithLabelValues(string(stage.ID)).Set(float64(progress.BlockNumber))
	}
	return nil
}

// checkStageOrder refuses to run a stage whose checkpoint is ahead of the
// stage before it. Checkpoints only move in lockstep through Run and unwind,
// so an inversion means the database was modified behind the pipeline's back.
func (s *Sync) checkStageOrder(stage *Stage, stageState *StageState, tx kv.Tx, db kv.RoDB) error {
	var prev *Stage
	for i := int(s.currentStage) - 1; i >= 0; i-- {
		if !s.stages[i].Disabled && s.stages[i].Forward != nil {
			prev = s.stages[i]
			break
		}
	}
	if prev == nil {
		return nil
	}
	upstream, err := s.StageState(prev.ID, tx, db)
	if err != nil {
		return err
	}
	if stageState.BlockNumber > upstream.BlockNumber {
		return ErrStageCheckpointAhead{ID: stage.ID, Progress: stageState.BlockNumber, Upstream: prev.ID, Bound: upstream.BlockNumber}
	}
	return nil
}

func (s *Sync) unwindStage(firstCycle bool, stage *Stage, db kv.RwDB, tx kv.RwTx) error {
	start := time.Now()
	s.logger.Trace("Unwind...", "stage", stage.ID)
	stageState, err := s.StageState(stage.ID, tx, db)
	if err != nil {
		return err
	}
	// a stage carrying in-flight data may have written beyond its checkpoint,
	// its Unwind must run even when the checkpoint is at or below the point
	if stageState.BlockNumber <= *s.unwindPoint && len(stageState.StageData) == 0 {
		return nil
	}

	unwind := s.NewUnwindState(stage.ID, *s.unwindPoint, stageState.BlockNumber)
	unwind.BadBlock = s.badBlock

	err = stage.Unwind(firstCycle, unwind, stageState, tx, s.logger)
	if err != nil {
		return fmt.Errorf("[%s] %w", s.LogPrefix(), err)
	}

	took := time.Since(start)
	if took > 60*time.Second {
		logPrefix := s.LogPrefix()
		s.logger.Info(fmt.Sprintf("[%s] Unwind done", logPrefix), "in", took)
	}
	s.timings = append(s.timings, Timing{isUnwind: true, stage: stage.ID, took: took})
	metrics.StageProgress.WithLabelValues(string(stage.ID)).Set(float64(*s.unwindPoint))
	return nil
}

func (s *Sync) pruneStage(firstCycle bool, stage *Stage, db kv.RwDB, tx kv.RwTx) error {
	start := time.Now()
	s.logger.Trace("Prune...", "stage", stage.ID)

	stageState, err := s.StageState(stage.ID, tx, db)
	if err != nil {
		return err
	}
	prune, err := s.PruneStageState(stage.ID, stageState.BlockNumber, tx, db)
	if err != nil {
		return err
	}

	err = stage.Prune(firstCycle, prune, tx, s.logger)
	if err != nil {
		return fmt.Errorf("[%s] %w", s.LogPrefix(), err)
	}

	took := time.Since(start)
	if took > 60*time.Second {
		logPrefix := s.LogPrefix()
		s.logger.Info(fmt.Sprintf("[%s] Prune done", logPrefix), "in", took)
	}
	s.timings = append(s.timings, Timing{isPrune: true, stage: stage.ID, took: took})
	return nil
}

// PrintTimings returns the timings of the last sync cycle as log context pairs.
func (s *Sync) PrintTimings() []interface{} {
	var logCtx []interface{}
	count := 0
	for i := range s.timings {
		if s.timings[i].took < 50*time.Millisecond {
			continue
		}
		count++
		if count == 50 {
			break
		}
		if s.timings[i].isUnwind {
			logCtx = append(logCtx, "Unwind "+string(s.timings[i].stage), s.timings[i].took.Truncate(time.Millisecond).String())
		} else if s.timings[i].isPrune {
			logCtx = append(logCtx, "Prune "+string(s.timings[i].stage), s.timings[i].took.Truncate(time.Millisecond).String())
		} else {
			logCtx = append(logCtx, string(s.timings[i].stage), s.timings[i].took.Truncate(time.Millisecond).String())
		}
	}
	return logCtx
}

// UnwindOrder represents the order in which the stages are unwound. The
// unwinding happens in reverse order to the execution of the stages.
type UnwindOrder []stages.SyncStage

// PruneOrder is the order in which stages are pruned.
type PruneOrder []stages.SyncStage
