package blockstore

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
)

// NewMemory returns a temporary memory-backed blockstore.
func NewMemory() MemBlockstore {
	return make(MemBlockstore)
}

// MemBlockstore is a terminal blockstore that keeps blocks in memory.
// It is not safe for concurrent use; wrap it with NewMemorySync if multiple
// goroutines touch the store.
type MemBlockstore map[cid.Cid]blocks.Block

func (m MemBlockstore) Has(_ context.Context, k cid.Cid) (bool, error) {
	_, ok := m[k]
	return ok, nil
}

func (m MemBlockstore) Get(_ context.Context, k cid.Cid) (blocks.Block, error) {
	b, ok := m[k]
	if !ok {
		return nil, ipld.ErrNotFound{Cid: k}
	}
	return b, nil
}

func (m MemBlockstore) GetSize(_ context.Context, k cid.Cid) (int, error) {
	b, ok := m[k]
	if !ok {
		return 0, ipld.ErrNotFound{Cid: k}
	}
	return len(b.RawData()), nil
}

func (m MemBlockstore) View(ctx context.Context, k cid.Cid, callback func([]byte) error) error {
	b, err := m.Get(ctx, k)
	if err != nil {
		return err
	}
	return callback(b.RawData())
}

func (m MemBlockstore) Put(_ context.Context, b blocks.Block) error {
	// Convert to a basic block to avoid retaining caller-side wrappers.
	if _, ok := b.(*blocks.BasicBlock); !ok {
		var err error
		b, err = blocks.NewBlockWithCid(b.RawData(), b.Cid())
		if err != nil {
			return err
		}
	}
	m[b.Cid()] = b
	return nil
}

func (m MemBlockstore) PutMany(ctx context.Context, bs []blocks.Block) error {
	for _, b := range bs {
		if err := m.Put(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func (m MemBlockstore) DeleteBlock(_ context.Context, k cid.Cid) error {
	delete(m, k)
	return nil
}
