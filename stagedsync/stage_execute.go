package stagedsync

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/ledgerwatch/log/v3"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/core/changeset"
	"github.com/meridianchain/meridian/core/rawdb"
	"github.com/meridianchain/meridian/core/types"
	"github.com/meridianchain/meridian/kv"
	"github.com/meridianchain/meridian/stagedsync/stages"
)

type ExecuteBlockCfg struct {
	db        kv.RwDB
	batchSize uint64
}

func StageExecuteBlocksCfg(db kv.RwDB, batchSize uint64) ExecuteBlockCfg {
	return ExecuteBlockCfg{db: db, batchSize: batchSize}
}

// blockState buffers one block's account updates so that an invalid block
// leaves no trace in the database.
type blockState struct {
	tx       kv.Tx
	accounts map[common.Address]*types.Account
	prev     map[common.Address][]byte
}

func newBlockState(tx kv.Tx) *blockState {
	return &blockState{
		tx:       tx,
		accounts: make(map[common.Address]*types.Account),
		prev:     make(map[common.Address][]byte),
	}
}

func (bs *blockState) account(addr common.Address) (*types.Account, error) {
	if acc, ok := bs.accounts[addr]; ok {
		if acc == nil {
			return &types.Account{}, nil
		}
		return acc, nil
	}
	acc, err := rawdb.ReadAccount(bs.tx, addr)
	if err != nil {
		return nil, err
	}
	var prevEnc []byte
	if acc != nil {
		prevEnc = acc.Encode()
	}
	bs.prev[addr] = prevEnc
	if acc == nil {
		acc = &types.Account{}
	}
	bs.accounts[addr] = acc
	return acc, nil
}

// flush writes the buffered updates, recording the pre-block value of every
// account that actually changed.
func (bs *blockState) flush(tx kv.RwTx, blockNum uint64) ([]common.Address, error) {
	var touched []common.Address
	for addr, acc := range bs.accounts {
		var newEnc []byte
		if acc != nil && !acc.IsEmpty() {
			newEnc = acc.Encode()
		}
		if bytes.Equal(bs.prev[addr], newEnc) {
			continue
		}
		if err := changeset.Write(tx, blockNum, addr, bs.prev[addr]); err != nil {
			return nil, err
		}
		if newEnc == nil {
			if err := rawdb.DeleteAccount(tx, addr); err != nil {
				return nil, err
			}
		} else {
			if err := tx.Put(kv.PlainState, addr[:], newEnc); err != nil {
				return nil, err
			}
		}
		touched = append(touched, addr)
	}
	return touched, nil
}

// errInvalidBlock marks a consensus violation inside a block. The block is
// discarded and condemned rather than surfaced as a pipeline error.
type errInvalidBlock struct {
	blockNum uint64
	reason   string
}

func (e errInvalidBlock) Error() string {
	return fmt.Sprintf("invalid block %d: %s", e.blockNum, e.reason)
}

// executeBlock replays the block's transactions on top of the current flat
// state. Nothing is written unless the whole block validates, including the
// receipt commitment.
func executeBlock(tx kv.RwTx, header *types.Header, body *types.Body, senders []common.Address) error {
	bs := newBlockState(tx)
	receipts := make(types.Receipts, 0, len(body.Transactions))

	for txIndex, txn := range body.Transactions {
		sender := senders[txIndex]
		senderAcc, err := bs.account(sender)
		if err != nil {
			return err
		}
		if txn.Nonce != senderAcc.Nonce {
			return errInvalidBlock{header.Number, fmt.Sprintf("txn %d nonce %d, account nonce %d", txIndex, txn.Nonce, senderAcc.Nonce)}
		}
		status := types.ReceiptStatusSuccessful
		if senderAcc.Balance.Cmp(&txn.Value) < 0 {
			// Underfunded transfers are included but move no value.
			status = types.ReceiptStatusFailed
		}
		senderAcc.Nonce++
		if status == types.ReceiptStatusSuccessful {
			senderAcc.Balance.Sub(&senderAcc.Balance, &txn.Value)
			recipient, err := bs.account(txn.To)
			if err != nil {
				return err
			}
			recipient.Balance.Add(&recipient.Balance, &txn.Value)
		}
		receipts = append(receipts, &types.Receipt{TxIndex: uint64(txIndex), Status: status, Sender: sender})
	}

	if got := receipts.Hash(); got != header.ReceiptHash {
		return errInvalidBlock{header.Number, fmt.Sprintf("receipt commitment mismatch: got %s, want %s", got, header.ReceiptHash)}
	}

	if _, err := bs.flush(tx, header.Number); err != nil {
		return err
	}
	return rawdb.WriteReceipts(tx, header.Number, receipts)
}

// SpawnExecuteBlocksStage replays blocks against the flat state, producing
// changesets and receipts. An invalid block triggers an unwind to its parent
// and condemns the block.
func SpawnExecuteBlocksStage(ctx context.Context, s *StageState, u Unwinder, tx kv.RwTx, cfg ExecuteBlockCfg, logger log.Logger) error {
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

	sendersProgress, err := stages.GetStageProgress(tx, stages.Senders)
	if err != nil {
		return err
	}
	to := sendersProgress
	if to <= s.BlockNumber {
		return nil
	}
	logger.Info(fmt.Sprintf("[%s] Blocks execution", logPrefix), "from", s.BlockNumber+1, "to", to)
	logEvery := time.NewTicker(30 * time.Second)
	defer logEvery.Stop()

	batchStart := s.BlockNumber + 1
	for blockNum := s.BlockNumber + 1; blockNum <= to; blockNum++ {
		select {
		case <-ctx.Done():
			return common.ErrStopped
		case <-logEvery.C:
			logger.Info(fmt.Sprintf("[%s] Executed blocks", logPrefix), "number", blockNum)
		default:
		}
		hash, err := rawdb.ReadCanonicalHash(tx, blockNum)
		if err != nil {
			return err
		}
		header, err := rawdb.ReadHeader(tx, hash, blockNum)
		if err != nil {
			return err
		}
		if header == nil {
			return fmt.Errorf("canonical header %d not found", blockNum)
		}
		body, err := rawdb.ReadBody(tx, hash, blockNum)
		if err != nil {
			return err
		}
		if body == nil {
			return fmt.Errorf("body %d not found", blockNum)
		}
		senders, err := rawdb.ReadSenders(tx, hash, blockNum)
		if err != nil {
			return err
		}
		if len(senders) != len(body.Transactions) {
			return fmt.Errorf("block %d: %d senders for %d transactions", blockNum, len(senders), len(body.Transactions))
		}

		if err := executeBlock(tx, header, body, senders); err != nil {
			if invalid, ok := err.(errInvalidBlock); ok {
				logger.Warn(fmt.Sprintf("[%s] Invalid block, unwinding", logPrefix), "number", blockNum, "hash", hash, "reason", invalid.reason)
				u.UnwindTo(blockNum-1, hash)
				if err := s.Update(tx, blockNum-1); err != nil {
					return err
				}
				if !useExternalTx {
					return tx.Commit()
				}
				return nil
			}
			return err
		}

		if err := s.Update(tx, blockNum); err != nil {
			return err
		}
		if !useExternalTx && blockNum-batchStart+1 >= cfg.batchSize && blockNum < to {
			if err := commitAndReopen(ctx, cfg.db, &tx); err != nil {
				return err
			}
			batchStart = blockNum + 1
		}
	}

	if !useExternalTx {
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// UnwindExecutionStage restores the flat state to its value at the unwind
// point, byte for byte, by replaying changesets in reverse block order.
func UnwindExecutionStage(ctx context.Context, u *UnwindState, s *StageState, tx kv.RwTx, cfg ExecuteBlockCfg, logger log.Logger) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
	}
	logPrefix := u.LogPrefix()
	logger.Info(fmt.Sprintf("[%s] Unwind Execution", logPrefix), "from", s.BlockNumber, "to", u.UnwindPoint)

	for blockNum := s.BlockNumber; blockNum > u.UnwindPoint; blockNum-- {
		err := changeset.ForEach(tx, blockNum, func(addr common.Address, prev []byte) error {
			if len(prev) == 0 {
				return rawdb.DeleteAccount(tx, addr)
			}
			return tx.Put(kv.PlainState, addr[:], prev)
		})
		if err != nil {
			return err
		}
	}
	if err := changeset.Truncate(tx, u.UnwindPoint+1); err != nil {
		return err
	}
	if err := rawdb.TruncateReceipts(tx, u.UnwindPoint+1); err != nil {
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
