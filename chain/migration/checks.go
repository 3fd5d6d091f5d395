package migration

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-address"

	"github.com/embernode/ember/chain/state"
	"github.com/embernode/ember/chain/types"
)

// Verifier runs against the input tree before any job starts, so that a gap
// in the migration specification fails the upgrade up front instead of
// mid-pass.
type Verifier interface {
	Verify(ctx context.Context, store cbor.IpldStore, actorsIn *state.StateTree, migrations map[cid.Cid]ActorMigration) error
}

// CoverageVerifier checks that the catalog registers a migration for every
// distinct actor code present in the input tree.
type CoverageVerifier struct{}

var _ Verifier = CoverageVerifier{}

func (CoverageVerifier) Verify(ctx context.Context, store cbor.IpldStore, actorsIn *state.StateTree, migrations map[cid.Cid]ActorMigration) error {
	uncovered := make(map[cid.Cid]int)
	err := actorsIn.ForEach(func(_ address.Address, actor *types.Actor) error {
		if _, ok := migrations[actor.Code]; !ok {
			uncovered[actor.Code]++
		}
		return nil
	})
	if err != nil {
		return xerrors.Errorf("verifying migration coverage: %w", err)
	}

	for code, count := range uncovered {
		return xerrors.Errorf("%w: %s (%d actors, %d codes uncovered)", ErrUnknownActorCode, code, count, len(uncovered))
	}
	return nil
}

// PostMigrator injects whole-tree side effects after the deferred pass, e.g.
// synthesizing an actor that only exists after the upgrade. PostMigrators
// run in registration order.
type PostMigrator interface {
	PostMigrateState(ctx context.Context, store cbor.IpldStore, actorsOut *state.StateTree) error
}

// PostMigrationCheck validates the output tree against the input tree after
// all migrators and post-migrators have run. Any violation fails the whole
// migration. Checks run in registration order.
type PostMigrationCheck interface {
	Check(ctx context.Context, store cbor.IpldStore, actorsIn, actorsOut *state.StateTree) error
}

// CompletenessCheck verifies that every address present in the input tree
// has an entry in the output tree. Post-migrators may add addresses, so the
// output is allowed to be a superset.
type CompletenessCheck struct{}

var _ PostMigrationCheck = CompletenessCheck{}

func (CompletenessCheck) Check(ctx context.Context, store cbor.IpldStore, actorsIn, actorsOut *state.StateTree) error {
	return actorsIn.ForEach(func(addr address.Address, _ *types.Actor) error {
		if _, err := actorsOut.GetActor(addr); err != nil {
			if errors.Is(err, types.ErrActorNotFound) {
				return xerrors.Errorf("actor %s present in input tree but missing from output tree", addr)
			}
			return xerrors.Errorf("checking output tree for %s: %w", addr, err)
		}
		return nil
	})
}
