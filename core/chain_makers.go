package core

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/holiman/uint256"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/core/commitment"
	"github.com/meridianchain/meridian/core/types"
	"github.com/meridianchain/meridian/crypto"
)

// ChainPack is a generated chain: blocks with their senders and receipts,
// ready to be fed to the pipeline or served by a fake source.
type ChainPack struct {
	Genesis  *types.Block
	Blocks   []*types.Block
	Senders  [][]common.Address
	Receipts []types.Receipts
}

func (cp *ChainPack) TopBlock() *types.Block {
	if len(cp.Blocks) == 0 {
		return cp.Genesis
	}
	return cp.Blocks[len(cp.Blocks)-1]
}

// HeaderByNumber returns the header at the given height, genesis included.
func (cp *ChainPack) HeaderByNumber(number uint64) *types.Header {
	if number == 0 {
		return cp.Genesis.Header
	}
	if number > uint64(len(cp.Blocks)) {
		return nil
	}
	return cp.Blocks[number-1].Header
}

// BlockGen collects the transactions of one block under generation.
type BlockGen struct {
	number   uint64
	time     uint64
	state    map[common.Address]*types.Account
	txs      []*types.Transaction
	senders  []common.Address
	receipts types.Receipts
	err      error
}

func (b *BlockGen) Number() uint64   { return b.number }
func (b *BlockGen) SetTime(t uint64) { b.time = t }

// SendValue adds a signed transfer from the key holder, with the nonce taken
// from the generated state. Transfers exceeding the balance are included as
// failed, matching what execution does.
func (b *BlockGen) SendValue(key *secp256k1.PrivateKey, to common.Address, value uint64) {
	if b.err != nil {
		return
	}
	sender := crypto.PubkeyToAddress(key.PubKey())
	acc := b.account(sender)
	txn := types.SignTx(&types.Transaction{
		Nonce: acc.Nonce,
		To:    to,
		Value: *uint256.NewInt(value),
	}, key)
	b.applyTx(txn, sender)
}

// AddTx includes an already signed transaction, recovering its sender.
func (b *BlockGen) AddTx(txn *types.Transaction) {
	if b.err != nil {
		return
	}
	sender, err := txn.Sender()
	if err != nil {
		b.err = fmt.Errorf("block %d: %w", b.number, err)
		return
	}
	b.applyTx(txn, sender)
}

func (b *BlockGen) applyTx(txn *types.Transaction, sender common.Address) {
	acc := b.account(sender)
	if txn.Nonce != acc.Nonce {
		b.err = fmt.Errorf("block %d: txn nonce %d, account nonce %d", b.number, txn.Nonce, acc.Nonce)
		return
	}
	status := types.ReceiptStatusSuccessful
	if acc.Balance.Cmp(&txn.Value) < 0 {
		status = types.ReceiptStatusFailed
	}
	acc.Nonce++
	if status == types.ReceiptStatusSuccessful {
		acc.Balance.Sub(&acc.Balance, &txn.Value)
		recipient := b.account(txn.To)
		recipient.Balance.Add(&recipient.Balance, &txn.Value)
	}
	b.receipts = append(b.receipts, &types.Receipt{TxIndex: uint64(len(b.txs)), Status: status, Sender: sender})
	b.txs = append(b.txs, txn)
	b.senders = append(b.senders, sender)
}

func (b *BlockGen) account(addr common.Address) *types.Account {
	acc, ok := b.state[addr]
	if !ok {
		acc = &types.Account{}
		b.state[addr] = acc
	}
	return acc
}

// GenerateChain builds n valid blocks on top of the genesis, threading state
// through so that every header carries the correct state root and receipt
// commitment.
func GenerateChain(g *Genesis, n int, gen func(i int, b *BlockGen)) (*ChainPack, error) {
	state := make(map[common.Address]*types.Account, len(g.Alloc))
	for addr, acc := range g.Alloc {
		cp := *acc
		state[addr] = &cp
	}
	genesisBlock := g.MakeGenesisBlock()
	parent := genesisBlock.Header

	pack := &ChainPack{Genesis: genesisBlock}
	for i := 0; i < n; i++ {
		b := &BlockGen{number: parent.Number + 1, time: parent.Time + 1, state: state}
		if gen != nil {
			gen(i, b)
		}
		if b.err != nil {
			return nil, b.err
		}
		header := &types.Header{
			ParentHash:  parent.Hash(),
			Number:      b.number,
			Time:        b.time,
			TxHash:      types.TxListHash(b.txs),
			ReceiptHash: b.receipts.Hash(),
			StateRoot:   stateRoot(state),
		}
		pack.Blocks = append(pack.Blocks, &types.Block{Header: header, Body: &types.Body{Transactions: b.txs}})
		pack.Senders = append(pack.Senders, b.senders)
		pack.Receipts = append(pack.Receipts, b.receipts)
		parent = header
	}
	return pack, nil
}

func stateRoot(state map[common.Address]*types.Account) common.Hash {
	encoded := make(map[common.Address][]byte, len(state))
	for addr, acc := range state {
		if !acc.IsEmpty() {
			encoded[addr] = acc.Encode()
		}
	}
	return commitment.RootOfAccounts(encoded)
}
