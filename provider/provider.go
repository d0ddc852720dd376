// Package provider gives domain-typed, transaction-scoped access to the chain
// database. A Provider wraps exactly one transaction and is the only path to
// table data for its lifetime; the Factory owns creation and the
// commit-or-rollback discipline.
package provider

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/core/rawdb"
	"github.com/meridianchain/meridian/core/types"
	"github.com/meridianchain/meridian/kv"
	"github.com/meridianchain/meridian/kv/bitmapdb"
)

var ErrReadOnly = errors.New("provider is read-only")

type Factory struct {
	db kv.RwDB
}

func NewFactory(db kv.RwDB) *Factory {
	return &Factory{db: db}
}

func (f *Factory) DB() kv.RwDB { return f.db }

// Reader opens a read-only Provider over a snapshot of committed state.
// Finish with Rollback (safe in a defer even after Commit).
func (f *Factory) Reader(ctx context.Context) (*Provider, error) {
	tx, err := f.db.BeginRo(ctx)
	if err != nil {
		return nil, err
	}
	return &Provider{tx: tx}, nil
}

// Writer opens the read-write Provider. Blocks while another writer is open.
func (f *Factory) Writer(ctx context.Context) (*Provider, error) {
	tx, err := f.db.BeginRw(ctx)
	if err != nil {
		return nil, err
	}
	return &Provider{tx: tx, rwTx: tx}, nil
}

// View runs fn in a short-lived read Provider.
func (f *Factory) View(ctx context.Context, fn func(p *Provider) error) error {
	p, err := f.Reader(ctx)
	if err != nil {
		return err
	}
	defer p.Rollback()
	return fn(p)
}

// Update runs fn in a write Provider, committing on success and rolling back
// on any error path.
func (f *Factory) Update(ctx context.Context, fn func(p *Provider) error) error {
	p, err := f.Writer(ctx)
	if err != nil {
		return err
	}
	defer p.Rollback()
	if err := fn(p); err != nil {
		return err
	}
	return p.Commit()
}

// Provider wraps one transaction. Not safe for concurrent use; mutating calls
// stage writes which only become durable on Commit.
type Provider struct {
	tx   kv.Tx
	rwTx kv.RwTx // nil for read-only providers
}

// NewProvider wraps an existing transaction without taking ownership of its
// lifetime. Used by stages running inside the pipeline's transaction.
func NewProvider(tx kv.Tx) *Provider {
	p := &Provider{tx: tx}
	if rw, ok := tx.(kv.RwTx); ok {
		p.rwTx = rw
	}
	return p
}

func (p *Provider) Tx() kv.Tx { return p.tx }

func (p *Provider) Commit() error {
	if p.rwTx == nil {
		p.tx.Rollback()
		return nil
	}
	return p.rwTx.Commit()
}

func (p *Provider) Rollback() {
	p.tx.Rollback()
}

// --- read accessors ---

func (p *Provider) CanonicalHash(number uint64) (common.Hash, error) {
	return rawdb.ReadCanonicalHash(p.tx, number)
}

func (p *Provider) HeaderByNumber(number uint64) (*types.Header, error) {
	return rawdb.ReadHeaderByNumber(p.tx, number)
}

func (p *Provider) HeaderByHash(hash common.Hash) (*types.Header, error) {
	number, err := rawdb.ReadHeaderNumber(p.tx, hash)
	if err != nil || number == nil {
		return nil, err
	}
	return rawdb.ReadHeader(p.tx, hash, *number)
}

func (p *Provider) Body(hash common.Hash, number uint64) (*types.Body, error) {
	return rawdb.ReadBody(p.tx, hash, number)
}

// BodyWithSenders returns the body with recovered senders attached to each
// transaction just as the senders stage committed them.
func (p *Provider) BodyWithSenders(hash common.Hash, number uint64) (*types.Body, error) {
	body, err := rawdb.ReadBody(p.tx, hash, number)
	if err != nil || body == nil {
		return nil, err
	}
	senders, err := rawdb.ReadSenders(p.tx, hash, number)
	if err != nil {
		return nil, err
	}
	if len(senders) != len(body.Transactions) {
		return nil, fmt.Errorf("senders length mismatch: block %d has %d txs, %d senders", number, len(body.Transactions), len(senders))
	}
	for i, txn := range body.Transactions {
		txn.SetSender(senders[i])
	}
	return body, nil
}

func (p *Provider) Senders(hash common.Hash, number uint64) ([]common.Address, error) {
	return rawdb.ReadSenders(p.tx, hash, number)
}

func (p *Provider) Account(addr common.Address) (*types.Account, error) {
	return rawdb.ReadAccount(p.tx, addr)
}

func (p *Provider) Receipts(number uint64) (types.Receipts, error) {
	return rawdb.ReadReceipts(p.tx, number)
}

func (p *Provider) BlockNumberByTxHash(txHash common.Hash) (*uint64, error) {
	return rawdb.ReadTxLookupEntry(p.tx, txHash)
}

// HistoryIndexRange returns the block numbers within [from, to] at which addr
// was modified.
func (p *Provider) HistoryIndexRange(addr common.Address, from, to uint64) ([]uint64, error) {
	bm, err := bitmapdb.Get64(p.tx, kv.AccountsHistory, addr.Bytes(), from, to)
	if err != nil {
		return nil, err
	}
	return bm.ToArray(), nil
}

func (p *Provider) HeadHeaderHash() (common.Hash, error) {
	return rawdb.ReadHeadHeaderHash(p.tx)
}

func (p *Provider) HeadBlockHash() (common.Hash, error) {
	return rawdb.ReadHeadBlockHash(p.tx)
}

// --- write accessors ---

func (p *Provider) rw() (kv.RwTx, error) {
	if p.rwTx == nil {
		return nil, ErrReadOnly
	}
	return p.rwTx, nil
}

func (p *Provider) InsertHeader(header *types.Header) error {
	tx, err := p.rw()
	if err != nil {
		return err
	}
	return rawdb.WriteHeader(tx, header)
}

// MarkCanonical appends the canonical marker for number. Canonical markers are
// append-only: numbers must arrive in increasing order between truncations.
func (p *Provider) MarkCanonical(hash common.Hash, number uint64) error {
	tx, err := p.rw()
	if err != nil {
		return err
	}
	c, err := tx.Cursor(kv.HeaderCanonical)
	if err != nil {
		return err
	}
	defer c.Close()
	k, _, err := c.Last()
	if err != nil {
		return err
	}
	if k != nil {
		last := binary.BigEndian.Uint64(k)
		if number > last+1 {
			return fmt.Errorf("canonical marker gap: have %d, got %d", last, number)
		}
		if number <= last {
			return fmt.Errorf("canonical marker not monotonic: have %d, got %d", last, number)
		}
	}
	return rawdb.WriteCanonicalHash(tx, hash, number)
}

func (p *Provider) InsertBody(hash common.Hash, number uint64, body *types.Body) error {
	tx, err := p.rw()
	if err != nil {
		return err
	}
	return rawdb.WriteBody(tx, hash, number, body)
}

func (p *Provider) PutAccount(addr common.Address, acc *types.Account) error {
	tx, err := p.rw()
	if err != nil {
		return err
	}
	return rawdb.WriteAccount(tx, addr, acc)
}
