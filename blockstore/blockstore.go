package blockstore

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// Blockstore is the byte-level get/put-by-content-id surface the chain
// packages consume. It is a trimmed-down version of the go-ipfs blockstore
// interface: everything here takes a context and is keyed by CID.
type Blockstore interface {
	Has(ctx context.Context, c cid.Cid) (bool, error)
	Get(ctx context.Context, c cid.Cid) (blocks.Block, error)
	GetSize(ctx context.Context, c cid.Cid) (int, error)
	Put(ctx context.Context, blk blocks.Block) error
	PutMany(ctx context.Context, blks []blocks.Block) error
	DeleteBlock(ctx context.Context, c cid.Cid) error
	Viewer
}

// Viewer gives zero-copy access to block data.
type Viewer interface {
	View(ctx context.Context, c cid.Cid, callback func([]byte) error) error
}

type Flusher interface {
	Flush(context.Context) error
}
