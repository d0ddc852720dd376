package stagedsync

import (
	"context"

	"github.com/ledgerwatch/log/v3"

	"github.com/meridianchain/meridian/kv"
	"github.com/meridianchain/meridian/stagedsync/stages"
)

// DefaultStages returns the full stage list in execution order. Stage
// functions capture ctx and their configs; the sync engine only sees the
// uniform Forward/Unwind/Prune surface.
func DefaultStages(ctx context.Context,
	headers HeadersCfg,
	bodies BodiesCfg,
	senders SendersCfg,
	exec ExecuteBlockCfg,
	com CommitmentCfg,
	history HistoryCfg,
	txLookup TxLookupCfg,
	finish FinishCfg,
) []*Stage {
	return []*Stage{
		{
			ID:          stages.Headers,
			Description: "Download headers",
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				return SpawnHeadersStage(ctx, s, u, tx, headers, logger)
			},
			Unwind: func(firstCycle bool, u *UnwindState, s *StageState, tx kv.RwTx, logger log.Logger) error {
				return UnwindHeadersStage(ctx, u, tx, headers)
			},
		},
		{
			ID:          stages.Bodies,
			Description: "Download block bodies",
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				return SpawnBodiesStage(ctx, s, tx, bodies, logger)
			},
			Unwind: func(firstCycle bool, u *UnwindState, s *StageState, tx kv.RwTx, logger log.Logger) error {
				return UnwindBodiesStage(ctx, u, tx, bodies)
			},
		},
		{
			ID:          stages.Senders,
			Description: "Recover senders from txn signatures",
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				return SpawnRecoverSendersStage(ctx, senders, s, tx, logger)
			},
			Unwind: func(firstCycle bool, u *UnwindState, s *StageState, tx kv.RwTx, logger log.Logger) error {
				return UnwindSendersStage(ctx, u, tx, senders)
			},
		},
		{
			ID:          stages.Execution,
			Description: "Execute blocks w/o hash checks",
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				return SpawnExecuteBlocksStage(ctx, s, u, tx, exec, logger)
			},
			Unwind: func(firstCycle bool, u *UnwindState, s *StageState, tx kv.RwTx, logger log.Logger) error {
				return UnwindExecutionStage(ctx, u, s, tx, exec, logger)
			},
		},
		{
			ID:          stages.Commitment,
			Description: "Compute state root and verify against header",
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				return SpawnCommitmentStage(ctx, s, u, tx, com, logger)
			},
			Unwind: func(firstCycle bool, u *UnwindState, s *StageState, tx kv.RwTx, logger log.Logger) error {
				return UnwindCommitmentStage(ctx, u, tx, com)
			},
		},
		{
			ID:          stages.AccountHistoryIndex,
			Description: "Generate account history index",
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				return SpawnAccountHistoryIndex(ctx, s, tx, history, logger)
			},
			Unwind: func(firstCycle bool, u *UnwindState, s *StageState, tx kv.RwTx, logger log.Logger) error {
				return UnwindAccountHistoryIndex(ctx, u, tx, history)
			},
			Prune: func(firstCycle bool, p *PruneState, tx kv.RwTx, logger log.Logger) error {
				return PruneAccountHistoryIndex(ctx, p, tx, history, logger)
			},
		},
		{
			ID:          stages.TxLookup,
			Description: "Generate txn lookup index",
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				return SpawnTxLookup(ctx, s, tx, txLookup, logger)
			},
			Unwind: func(firstCycle bool, u *UnwindState, s *StageState, tx kv.RwTx, logger log.Logger) error {
				return UnwindTxLookup(ctx, u, tx, txLookup)
			},
			Prune: func(firstCycle bool, p *PruneState, tx kv.RwTx, logger log.Logger) error {
				return PruneTxLookup(ctx, p, tx, txLookup, logger)
			},
		},
		{
			ID:          stages.Finish,
			Description: "Final: update head block marker",
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				return FinishForward(ctx, s, tx, finish, logger)
			},
			Unwind: func(firstCycle bool, u *UnwindState, s *StageState, tx kv.RwTx, logger log.Logger) error {
				return UnwindFinish(ctx, u, tx, finish)
			},
		},
	}
}

// DefaultUnwindOrder is the reverse of the execution order.
var DefaultUnwindOrder = UnwindOrder{
	stages.Finish,
	stages.TxLookup,
	stages.AccountHistoryIndex,
	stages.Commitment,
	stages.Execution,
	stages.Senders,
	stages.Bodies,
	stages.Headers,
}

var DefaultPruneOrder = PruneOrder{
	stages.TxLookup,
	stages.AccountHistoryIndex,
}
