package state

import (
	"context"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/builtin"
	adt "github.com/filecoin-project/go-state-types/builtin/v13/util/adt"

	"github.com/embernode/ember/chain/types"
)

var log = logging.Logger("statetree")

// StateTree stores actor records by their ID address in an IPLD HAMT.
// Every Flush produces a new immutable root; a flushed tree is never
// mutated in place.
type StateTree struct {
	Map   *adt.Map
	Store adt.Store
}

func NewStateTree(ctx context.Context, cst cbor.IpldStore) (*StateTree, error) {
	store := adt.WrapStore(ctx, cst)
	m, err := adt.MakeEmptyMap(store, builtin.DefaultHamtBitwidth)
	if err != nil {
		return nil, xerrors.Errorf("failed to create state tree: %w", err)
	}

	return &StateTree{
		Map:   m,
		Store: store,
	}, nil
}

func LoadStateTree(ctx context.Context, cst cbor.IpldStore, c cid.Cid) (*StateTree, error) {
	store := adt.WrapStore(ctx, cst)
	m, err := adt.AsMap(store, c, builtin.DefaultHamtBitwidth)
	if err != nil {
		log.Errorf("loading state tree %s failed: %s", c, err)
		return nil, xerrors.Errorf("loading state tree %s: %w", c, err)
	}

	return &StateTree{
		Map:   m,
		Store: store,
	}, nil
}

// GetActor returns the actor stored at `addr`, or types.ErrActorNotFound.
// The address must already be an ID address; resolution through the init
// actor is the VM's job, not the tree's.
func (st *StateTree) GetActor(addr address.Address) (*types.Actor, error) {
	if addr == address.Undef {
		return nil, xerrors.Errorf("GetActor called on undefined address")
	}

	var act types.Actor
	found, err := st.Map.Get(abi.AddrKey(addr), &act)
	if err != nil {
		return nil, xerrors.Errorf("hamt find failed: %w", err)
	}
	if !found {
		return nil, types.ErrActorNotFound
	}

	return &act, nil
}

func (st *StateTree) SetActor(addr address.Address, act *types.Actor) error {
	if addr == address.Undef {
		return xerrors.Errorf("SetActor called on undefined address")
	}

	return st.Map.Put(abi.AddrKey(addr), act)
}

func (st *StateTree) DeleteActor(addr address.Address) error {
	if addr == address.Undef {
		return xerrors.Errorf("DeleteActor called on undefined address")
	}

	if _, err := st.GetActor(addr); err != nil {
		return err
	}

	return st.Map.Delete(abi.AddrKey(addr))
}

// ForEach walks every (address, actor) pair in the tree.
func (st *StateTree) ForEach(fn func(address.Address, *types.Actor) error) error {
	var act types.Actor
	return st.Map.ForEach(&act, func(key string) error {
		addr, err := address.NewFromBytes([]byte(key))
		if err != nil {
			return xerrors.Errorf("invalid address key in state tree: %w", err)
		}

		cpy := act
		return fn(addr, &cpy)
	})
}

// Flush writes out any dirty nodes and returns the new root CID.
func (st *StateTree) Flush(ctx context.Context) (cid.Cid, error) {
	root, err := st.Map.Root()
	if err != nil {
		return cid.Undef, xerrors.Errorf("flushing state tree: %w", err)
	}

	return root, nil
}

// MutateActor loads the actor at addr, applies f and stores it back.
func (st *StateTree) MutateActor(addr address.Address, f func(*types.Actor) error) error {
	act, err := st.GetActor(addr)
	if err != nil {
		return err
	}

	if err := f(act); err != nil {
		return err
	}

	return st.SetActor(addr, act)
}
