// Package stages holds the ordered stage identities of the sync pipeline and
// the persisted per-stage checkpoints.
package stages

import (
	"encoding/binary"
	"fmt"

	"github.com/meridianchain/meridian/kv"
)

// SyncStage represents one stage of the staged sync. Persisted as the
// checkpoint key, so values must be unique and stable.
type SyncStage string

var (
	Headers             SyncStage = "Headers"             // Chain headers are ingested and canonical markers written
	Bodies              SyncStage = "Bodies"              // Block bodies are fetched and verified against the header body commitment
	Senders             SyncStage = "Senders"             // Sender addresses recovered from transaction signatures
	Execution           SyncStage = "Execution"           // Transactions replayed against flat state, changesets and receipts recorded
	Commitment          SyncStage = "Commitment"          // State root recomputed and checked against the header
	AccountHistoryIndex SyncStage = "AccountHistoryIndex" // History index of account modifications
	TxLookup            SyncStage = "TxLookup"            // Transaction hash to block number index
	Finish              SyncStage = "Finish"              // Head markers advanced, nominal last stage
)

// AllStages is the canonical execution order.
var AllStages = []SyncStage{
	Headers,
	Bodies,
	Senders,
	Execution,
	Commitment,
	AccountHistoryIndex,
	TxLookup,
	Finish,
}

// A checkpoint is the big-endian block number optionally followed by opaque
// stage-specific bytes, interpreted only by the owning stage.

// GetStageProgress retrieves the saved block number of the given stage.
func GetStageProgress(db kv.Getter, stage SyncStage) (uint64, error) {
	v, err := db.GetOne(kv.SyncStageProgress, []byte(stage))
	if err != nil {
		return 0, err
	}
	blockNum, _, err := unmarshalData(v)
	return blockNum, err
}

func SaveStageProgress(db kv.Putter, stage SyncStage, progress uint64) error {
	return db.Put(kv.SyncStageProgress, []byte(stage), marshalData(progress, nil))
}

// GetStageCheckpoint retrieves the saved progress plus stage-specific data.
func GetStageCheckpoint(db kv.Getter, stage SyncStage) (uint64, []byte, error) {
	v, err := db.GetOne(kv.SyncStageProgress, []byte(stage))
	if err != nil {
		return 0, nil, err
	}
	return unmarshalData(v)
}

func SaveStageCheckpoint(db kv.Putter, stage SyncStage, progress uint64, stageData []byte) error {
	return db.Put(kv.SyncStageProgress, []byte(stage), marshalData(progress, stageData))
}

// GetStagePruneProgress retrieves the block below which the stage has pruned.
func GetStagePruneProgress(db kv.Getter, stage SyncStage) (uint64, error) {
	v, err := db.GetOne(kv.SyncStageProgress, pruneKey(stage))
	if err != nil {
		return 0, err
	}
	blockNum, _, err := unmarshalData(v)
	return blockNum, err
}

func SaveStagePruneProgress(db kv.Putter, stage SyncStage, progress uint64) error {
	return db.Put(kv.SyncStageProgress, pruneKey(stage), marshalData(progress, nil))
}

func pruneKey(stage SyncStage) []byte {
	return append([]byte("prune_"), stage...)
}

func marshalData(blockNumber uint64, stageData []byte) []byte {
	out := make([]byte, 8+len(stageData))
	binary.BigEndian.PutUint64(out, blockNumber)
	copy(out[8:], stageData)
	return out
}

func unmarshalData(data []byte) (uint64, []byte, error) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("value must be at least 8 bytes, got %d", len(data))
	}
	var stageData []byte
	if len(data) > 8 {
		stageData = data[8:]
	}
	return binary.BigEndian.Uint64(data[:8]), stageData, nil
}
