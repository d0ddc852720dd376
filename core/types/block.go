package types

import (
	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/crypto"
)

// Header is the chain header. StateRoot commits to the post-state of the
// block, TxHash to the body, ReceiptHash to the execution outcomes. Validity
// of those commitments is checked by the corresponding sync stages, not here.
type Header struct {
	ParentHash  common.Hash
	Number      uint64
	TxHash      common.Hash
	StateRoot   common.Hash
	ReceiptHash common.Hash
	Time        uint64
	Extra       []byte
}

// Hash returns the keccak256 of the CBOR encoding of the header.
func (h *Header) Hash() common.Hash {
	return crypto.Keccak256Hash(MustMarshal(h))
}

// Body is the transaction list of one block.
type Body struct {
	Transactions []*Transaction
}

// TxListHash derives the body commitment stored in Header.TxHash: keccak over
// the concatenated transaction hashes, in order.
func TxListHash(txs []*Transaction) common.Hash {
	buf := make([]byte, 0, len(txs)*common.HashLength)
	for _, txn := range txs {
		h := txn.Hash()
		buf = append(buf, h[:]...)
	}
	return crypto.Keccak256Hash(buf)
}

// Hash returns the body commitment, matching Header.TxHash of a valid block.
func (b *Body) Hash() common.Hash {
	return TxListHash(b.Transactions)
}

// Block couples a header with its body. The sync pipeline mostly works on
// headers and bodies separately; Block exists for sources that deliver both.
type Block struct {
	Header *Header
	Body   *Body
}

func (b *Block) Number() uint64    { return b.Header.Number }
func (b *Block) Hash() common.Hash { return b.Header.Hash() }
