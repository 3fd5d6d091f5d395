package stmgr

import (
	"context"
	"time"

	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/network"

	"github.com/embernode/ember/chain/migration"
)

// ErrMissingManifest means the actor bundle an upgrade needs is not in the
// blockstore. Bundles ship ahead of the upgrade epoch; reaching the epoch
// without one is a deployment problem, so the node fails before touching
// state.
var ErrMissingManifest = xerrors.New("upgrade manifest not present in blockstore")

// ErrNoopMigration means a migration returned the parent root unchanged.
// Every scheduled migration must alter the tree (at minimum the actor code
// CIDs change); an identical root means the migration silently did nothing.
var ErrNoopMigration = xerrors.New("migration returned unchanged state root")

// MigrationFunc transforms the state tree rooted at oldRoot into the
// post-upgrade tree and returns its root. It must not mutate oldRoot's tree.
type MigrationFunc func(ctx context.Context, sm *StateManager, cache migration.MigrationCache, oldRoot cid.Cid, height abi.ChainEpoch) (cid.Cid, error)

// Upgrade is one entry of the upgrade schedule.
type Upgrade struct {
	// Height is the epoch the upgrade activates at.
	Height abi.ChainEpoch
	// Network is the network version the upgrade transitions to.
	Network network.Version
	// Manifest is the root CID of the new actor bundle. Undef for upgrades
	// that ship no bundle.
	Manifest cid.Cid
	// Migration rewrites the state tree. Nil for upgrades that change rules
	// without touching state.
	Migration MigrationFunc
}

// UpgradeSchedule is the ordered table of upgrades this node applies. It is
// built explicitly at startup and passed to the StateManager; nothing is
// registered through package globals.
type UpgradeSchedule []Upgrade

// Validate checks the schedule is sane: heights strictly increasing, network
// versions non-decreasing, and every bundle-bearing upgrade has a migration.
func (us UpgradeSchedule) Validate() error {
	for i, u := range us {
		if u.Height < 0 {
			return xerrors.Errorf("upgrade at index %d has negative height %d", i, u.Height)
		}
		if u.Manifest.Defined() && u.Migration == nil {
			return xerrors.Errorf("upgrade at height %d carries a bundle but no migration", u.Height)
		}
	}
	for i := 1; i < len(us); i++ {
		prev, curr := us[i-1], us[i]
		if curr.Height <= prev.Height {
			return xerrors.Errorf("upgrade heights must be strictly increasing: %d then %d", prev.Height, curr.Height)
		}
		if curr.Network < prev.Network {
			return xerrors.Errorf("upgrade network versions must not decrease: %d then %d", prev.Network, curr.Network)
		}
	}
	return nil
}

// RunStateMigrations applies the migration scheduled at epoch, if any, to
// the tree rooted at parentRoot. It returns the resulting root and whether a
// migration ran; with no upgrade at this epoch it returns parentRoot
// untouched.
func (sm *StateManager) RunStateMigrations(ctx context.Context, parentRoot cid.Cid, epoch abi.ChainEpoch) (cid.Cid, bool, error) {
	u := sm.upgrades.upgradeAt(epoch)
	if u == nil || u.Migration == nil {
		return parentRoot, false, nil
	}

	if u.Manifest.Defined() {
		has, err := sm.bs.Has(ctx, u.Manifest)
		if err != nil {
			return cid.Undef, false, xerrors.Errorf("checking for upgrade manifest %s: %w", u.Manifest, err)
		}
		if !has {
			return cid.Undef, false, xerrors.Errorf("%w: %s (nv%d at epoch %d)", ErrMissingManifest, u.Manifest, u.Network, u.Height)
		}
	}

	log.Infow("running network upgrade", "epoch", epoch, "network", u.Network)
	start := time.Now()

	newRoot, err := u.Migration(ctx, sm, sm.cache, parentRoot, epoch)
	if err != nil {
		return cid.Undef, false, xerrors.Errorf("migration at epoch %d failed: %w", epoch, err)
	}

	if newRoot == parentRoot {
		return cid.Undef, false, xerrors.Errorf("%w: %s (nv%d at epoch %d)", ErrNoopMigration, parentRoot, u.Network, u.Height)
	}

	if err := sm.Flush(ctx); err != nil {
		return cid.Undef, false, xerrors.Errorf("flushing after migration: %w", err)
	}

	log.Infow("network upgrade complete", "epoch", epoch, "newRoot", newRoot, "elapsed", time.Since(start))
	return newRoot, true, nil
}

func (us UpgradeSchedule) upgradeAt(epoch abi.ChainEpoch) *Upgrade {
	for i := range us {
		if us[i].Height == epoch {
			return &us[i]
		}
	}
	return nil
}
