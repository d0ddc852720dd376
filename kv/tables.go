package kv

import "sort"

// Chain data tables. Keys of block-keyed tables start with the big-endian
// block number so that range scans walk the chain in order.
const (
	// Headers: block_num_u64 + hash -> header (CBOR)
	Headers = "Header"
	// HeaderCanonical: block_num_u64 -> canonical header hash
	HeaderCanonical = "CanonicalHeader"
	// HeaderNumber: header_hash -> block_num_u64
	HeaderNumber = "HeaderNumber"

	// BlockBody: block_num_u64 + hash -> body (CBOR)
	BlockBody = "BlockBody"

	// Senders: block_num_u64 + hash -> sender list (every 20 bytes is the next sender)
	Senders = "TxSender"

	// PlainState: address -> account (CBOR)
	PlainState = "PlainState"

	// AccountChangeSet: block_num_u64 -> address + previous account encoding.
	// DupSort: all changes of one block are duplicates under one key.
	AccountChangeSet = "AccountChangeSet"

	// Receipts: block_num_u64 -> receipts (CBOR)
	Receipts = "Receipt"

	// AccountsHistory: address + chunk_high_block_u64 -> roaring bitmap of block numbers
	AccountsHistory = "AccountHistory"

	// CommitmentState: keccak(address) -> keccak(account encoding).
	// Mirror of PlainState in hashed-key order, folded into the state root.
	CommitmentState = "CommitmentState"

	// TxLookup: tx_hash -> block_num_u64
	TxLookup = "BlockTransactionLookup"

	// SyncStageProgress: stage_name -> block_num_u64 + opaque stage data
	SyncStageProgress = "SyncStage"

	DatabaseInfo = "DbInfo"
	Sequence     = "Sequence" // table_name -> seq_u64

	HeadHeaderKey = "LastHeader"
	HeadBlockKey  = "LastBlock"

	ConfigTable = "Config"
)

type TableFlags uint

const (
	Default TableFlags = 0
	DupSort TableFlags = 1
)

type TableCfgItem struct {
	Flags        TableFlags
	IsDeprecated bool
}

type TableCfg map[string]TableCfgItem

// ChaindataTables - the full schema of the chain database. Every table must be
// listed here: MDBX dbis are opened once at startup.
var ChaindataTables = []string{
	Headers,
	HeaderCanonical,
	HeaderNumber,
	BlockBody,
	Senders,
	PlainState,
	AccountChangeSet,
	Receipts,
	AccountsHistory,
	CommitmentState,
	TxLookup,
	SyncStageProgress,
	DatabaseInfo,
	Sequence,
	HeadHeaderKey,
	HeadBlockKey,
	ConfigTable,
}

var ChaindataTablesCfg = TableCfg{
	AccountChangeSet: {Flags: DupSort},
}

func init() {
	for _, name := range ChaindataTables {
		if _, ok := ChaindataTablesCfg[name]; !ok {
			ChaindataTablesCfg[name] = TableCfgItem{}
		}
	}
}

// TablesCfgByName returns a sorted list of table names from cfg, for
// deterministic dbi creation order.
func TablesCfgByName(cfg TableCfg) []string {
	names := make([]string, 0, len(cfg))
	for name := range cfg {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
