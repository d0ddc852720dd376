package types

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/holiman/uint256"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/crypto"
)

var ErrInvalidSig = errors.New("invalid transaction signature")

// Transaction is a value transfer signed with a compact secp256k1 signature.
// The sender is not part of the encoding - it is recovered from the signature
// by the senders stage and stored separately.
type Transaction struct {
	Nonce uint64
	To    common.Address
	Value uint256.Int
	Data  []byte
	Sig   []byte

	from *common.Address // recovery cache, unexported so the codec skips it
}

// sigContent is the signed payload: everything except the signature itself.
type sigContent struct {
	Nonce uint64
	To    common.Address
	Value uint256.Int
	Data  []byte
}

// SigningHash returns the hash the sender signs.
func (txn *Transaction) SigningHash() common.Hash {
	return crypto.Keccak256Hash(MustMarshal(&sigContent{
		Nonce: txn.Nonce,
		To:    txn.To,
		Value: txn.Value,
		Data:  txn.Data,
	}))
}

// Hash returns the transaction content hash (signature included).
func (txn *Transaction) Hash() common.Hash {
	return crypto.Keccak256Hash(MustMarshal(txn))
}

// Sender recovers the sender address from the signature. The result is cached
// on the transaction.
func (txn *Transaction) Sender() (common.Address, error) {
	if txn.from != nil {
		return *txn.from, nil
	}
	if len(txn.Sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSig, len(txn.Sig))
	}
	addr, err := crypto.RecoverAddress(txn.Sig, txn.SigningHash())
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %s", ErrInvalidSig, err)
	}
	txn.from = &addr
	return addr, nil
}

// SetSender stores a known-good sender, skipping recovery on later calls.
func (txn *Transaction) SetSender(addr common.Address) {
	txn.from = &addr
}

// SignTx signs txn with key and returns it.
func SignTx(txn *Transaction, key *secp256k1.PrivateKey) *Transaction {
	txn.Sig = crypto.SignCompact(key, txn.SigningHash())
	txn.from = nil
	return txn
}
