package types

import (
	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/crypto"
)

const (
	ReceiptStatusFailed     = uint64(0)
	ReceiptStatusSuccessful = uint64(1)
)

// Receipt records the outcome of one transaction.
type Receipt struct {
	TxIndex uint64
	Status  uint64
	Sender  common.Address
}

type Receipts []*Receipt

// Hash derives the receipts commitment stored in Header.ReceiptHash.
func (rs Receipts) Hash() common.Hash {
	return crypto.Keccak256Hash(MustMarshal(rs))
}
