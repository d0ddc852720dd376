package provider

import (
	"context"

	"github.com/meridianchain/meridian/common"
	"github.com/meridianchain/meridian/core/rawdb"
	"github.com/meridianchain/meridian/core/types"
	"github.com/meridianchain/meridian/kv"
	"github.com/meridianchain/meridian/stagedsync/stages"
)

// ChainSource serves headers and bodies out of another node's chain database,
// typically opened read-only. It is the replication counterpart of the sync
// pipeline: a replica points its header and body stages at the primary's
// database.
type ChainSource struct {
	db kv.RoDB
}

func NewChainSource(db kv.RoDB) *ChainSource {
	return &ChainSource{db: db}
}

// TipNumber is the primary's header progress: headers up to here exist,
// bodies may lag and are served as they appear.
func (s *ChainSource) TipNumber(ctx context.Context) (uint64, error) {
	var tip uint64
	err := s.db.View(ctx, func(tx kv.Tx) error {
		var err error
		tip, err = stages.GetStageProgress(tx, stages.Headers)
		return err
	})
	return tip, err
}

func (s *ChainSource) HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	var header *types.Header
	err := s.db.View(ctx, func(tx kv.Tx) error {
		var err error
		header, err = rawdb.ReadHeaderByNumber(tx, number)
		return err
	})
	return header, err
}

// HeadersFrom returns up to limit consecutive canonical headers starting at
// from. The result stops early at a gap.
func (s *ChainSource) HeadersFrom(ctx context.Context, from uint64, limit int) ([]*types.Header, error) {
	var headers []*types.Header
	err := s.db.View(ctx, func(tx kv.Tx) error {
		for i := 0; i < limit; i++ {
			header, err := rawdb.ReadHeaderByNumber(tx, from+uint64(i))
			if err != nil {
				return err
			}
			if header == nil {
				break
			}
			headers = append(headers, header)
		}
		return nil
	})
	return headers, err
}

// BodyByHash returns the body, nil if the primary does not have it yet.
func (s *ChainSource) BodyByHash(ctx context.Context, hash common.Hash) (*types.Body, error) {
	var body *types.Body
	err := s.db.View(ctx, func(tx kv.Tx) error {
		number, err := rawdb.ReadHeaderNumber(tx, hash)
		if err != nil || number == nil {
			return err
		}
		body, err = rawdb.ReadBody(tx, hash, *number)
		return err
	})
	return body, err
}
