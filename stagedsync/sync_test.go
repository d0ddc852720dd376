package stagedsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/require"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/kv"
	"github.com/meridianchain/meridian/kv/memdb"
	"github.com/meridianchain/meridian/stagedsync/stages"
)

func TestStagesSuccess(t *testing.T) {
	flow := make([]stages.SyncStage, 0)
	s := []*Stage{
		{
			ID:          stages.Headers,
			Description: "Downloading headers",
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				flow = append(flow, stages.Headers)
				return nil
			},
		},
		{
			ID:          stages.Bodies,
			Description: "Downloading block bodies",
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				flow = append(flow, stages.Bodies)
				return nil
			},
		},
		{
			ID:          stages.Senders,
			Description: "Recovering senders",
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				flow = append(flow, stages.Senders)
				return nil
			},
		},
	}
	state := New(s, nil, nil, log.New())
	db, tx := memdb.NewTestTx(t)
	err := state.Run(db, tx, true)
	require.NoError(t, err)

	expectedFlow := []stages.SyncStage{stages.Headers, stages.Bodies, stages.Senders}
	require.Equal(t, expectedFlow, flow)
}

func TestDisabledStages(t *testing.T) {
	flow := make([]stages.SyncStage, 0)
	s := []*Stage{
		{
			ID: stages.Headers,
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				flow = append(flow, stages.Headers)
				return nil
			},
		},
		{
			ID:       stages.Bodies,
			Disabled: true,
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				flow = append(flow, stages.Bodies)
				return nil
			},
		},
		{
			ID: stages.Senders,
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				flow = append(flow, stages.Senders)
				return nil
			},
		},
	}
	state := New(s, nil, nil, log.New())
	db, tx := memdb.NewTestTx(t)
	err := state.Run(db, tx, true)
	require.NoError(t, err)

	expectedFlow := []stages.SyncStage{stages.Headers, stages.Senders}
	require.Equal(t, expectedFlow, flow)
}

func TestErroredStage(t *testing.T) {
	flow := make([]stages.SyncStage, 0)
	expectedErr := errors.New("test error")
	s := []*Stage{
		{
			ID: stages.Headers,
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				flow = append(flow, stages.Headers)
				return nil
			},
		},
		{
			ID: stages.Bodies,
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				flow = append(flow, stages.Bodies)
				return expectedErr
			},
		},
		{
			ID: stages.Senders,
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				flow = append(flow, stages.Senders)
				return nil
			},
		},
	}
	state := New(s, UnwindOrder{stages.Senders, stages.Bodies, stages.Headers}, nil, log.New())
	db, tx := memdb.NewTestTx(t)
	err := state.Run(db, tx, true)
	require.ErrorIs(t, err, expectedErr)

	expectedFlow := []stages.SyncStage{stages.Headers, stages.Bodies}
	require.Equal(t, expectedFlow, flow)
}

func TestUnwind(t *testing.T) {
	flow := make([]stages.SyncStage, 0)
	unwound := false
	s := []*Stage{
		{
			ID: stages.Headers,
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				flow = append(flow, stages.Headers)
				if s.BlockNumber == 0 {
					return s.Update(tx, 2000)
				}
				return nil
			},
			Unwind: func(firstCycle bool, u *UnwindState, s *StageState, tx kv.RwTx, logger log.Logger) error {
				flow = append(flow, "unwind_"+stages.Headers)
				return u.Done(tx)
			},
		},
		{
			ID: stages.Bodies,
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				flow = append(flow, stages.Bodies)
				if s.BlockNumber == 0 {
					return s.Update(tx, 2000)
				}
				return nil
			},
			Unwind: func(firstCycle bool, u *UnwindState, s *StageState, tx kv.RwTx, logger log.Logger) error {
				flow = append(flow, "unwind_"+stages.Bodies)
				return u.Done(tx)
			},
		},
		{
			ID: stages.Senders,
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				flow = append(flow, stages.Senders)
				if !unwound {
					unwound = true
					u.UnwindTo(500, common.Hash{})
					return s.Update(tx, 3000)
				}
				return nil
			},
			Unwind: func(firstCycle bool, u *UnwindState, s *StageState, tx kv.RwTx, logger log.Logger) error {
				flow = append(flow, "unwind_"+stages.Senders)
				return u.Done(tx)
			},
		},
	}
	state := New(s, UnwindOrder{stages.Senders, stages.Bodies, stages.Headers}, nil, log.New())
	db, tx := memdb.NewTestTx(t)
	err := state.Run(db, tx, true)
	require.NoError(t, err)

	expectedFlow := []stages.SyncStage{
		stages.Headers, stages.Bodies, stages.Senders,
		"unwind_" + stages.Senders, "unwind_" + stages.Bodies, "unwind_" + stages.Headers,
		stages.Headers, stages.Bodies, stages.Senders,
	}
	require.Equal(t, expectedFlow, flow)

	for _, id := range []stages.SyncStage{stages.Headers, stages.Bodies, stages.Senders} {
		progress, err := stages.GetStageProgress(tx, id)
		require.NoError(t, err)
		require.Equal(t, uint64(500), progress, string(id))
	}
}

func TestUnwindLowestOfCompetingPointsWins(t *testing.T) {
	state := New(nil, nil, nil, log.New())
	state.UnwindTo(100, common.Hash{})
	state.UnwindTo(200, common.Hash{})
	require.Equal(t, uint64(100), *state.unwindPoint)
	state.UnwindTo(50, common.Hash{})
	require.Equal(t, uint64(50), *state.unwindPoint)
}

func TestBadBlockIsRemembered(t *testing.T) {
	badHash := common.HexToHash("0xbad")
	s := []*Stage{
		{
			ID: stages.Headers,
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				if s.BlockNumber == 0 {
					return s.Update(tx, 10)
				}
				return nil
			},
			Unwind: func(firstCycle bool, u *UnwindState, s *StageState, tx kv.RwTx, logger log.Logger) error {
				return u.Done(tx)
			},
		},
		{
			ID: stages.Execution,
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				if !u.HasBadBlock(badHash) {
					u.UnwindTo(5, badHash)
					return s.Update(tx, 5)
				}
				return nil
			},
			Unwind: func(firstCycle bool, u *UnwindState, s *StageState, tx kv.RwTx, logger log.Logger) error {
				return u.Done(tx)
			},
		},
	}
	state := New(s, UnwindOrder{stages.Execution, stages.Headers}, nil, log.New())
	db, tx := memdb.NewTestTx(t)
	require.NoError(t, state.Run(db, tx, true))
	require.True(t, state.HasBadBlock(badHash))
}

func TestCheckpointInversionRefusesToRun(t *testing.T) {
	noop := func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
		return nil
	}
	s := []*Stage{
		{ID: stages.Headers, Forward: noop},
		{ID: stages.Bodies, Forward: noop},
	}
	state := New(s, nil, nil, log.New())
	db, tx := memdb.NewTestTx(t)

	// a downstream checkpoint ahead of its upstream can only mean outside
	// interference with the database
	require.NoError(t, stages.SaveStageProgress(tx, stages.Headers, 5))
	require.NoError(t, stages.SaveStageProgress(tx, stages.Bodies, 10))

	err := state.Run(db, tx, true)
	var ahead ErrStageCheckpointAhead
	require.ErrorAs(t, err, &ahead)
	require.Equal(t, stages.Bodies, ahead.ID)
	require.Equal(t, stages.Headers, ahead.Upstream)
}

func TestRollbackDiscardsCheckpoints(t *testing.T) {
	s := []*Stage{
		{
			ID: stages.Headers,
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				return s.Update(tx, 42)
			},
		},
	}
	state := New(s, nil, nil, log.New())
	db := memdb.NewTestDB(t)
	ctx := context.Background()

	tx, err := db.BeginRw(ctx)
	require.NoError(t, err)
	require.NoError(t, state.Run(db, tx, true))

	progress, err := stages.GetStageProgress(tx, stages.Headers)
	require.NoError(t, err)
	require.Equal(t, uint64(42), progress)

	// the work was never committed, so the database still shows the old checkpoint
	tx.Rollback()
	require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
		progress, err := stages.GetStageProgress(tx, stages.Headers)
		require.NoError(t, err)
		require.Zero(t, progress)
		return nil
	}))
}

func TestStageLoopStopsOnStoreError(t *testing.T) {
	s := []*Stage{
		{
			ID: stages.Headers,
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				return &kv.StoreError{Op: "put", Table: kv.Headers, Err: errors.New("write failed")}
			},
		},
	}
	state := New(s, nil, nil, log.New())
	db := memdb.NewTestDB(t)

	done := make(chan struct{})
	go func() {
		StageLoop(context.Background(), db, state, log.New())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("store failure was retried instead of stopping the loop")
	}
}
