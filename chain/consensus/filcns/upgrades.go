// Package filcns wires the concrete upgrade schedule for Filecoin consensus
// networks.
package filcns

import (
	"context"
	"os"
	"strconv"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/network"

	"github.com/embernode/ember/chain/migration"
	"github.com/embernode/ember/chain/migration/nv22"
	"github.com/embernode/ember/chain/stmgr"
)

var log = logging.Logger("filcns")

// EnvMigrationMaxWorkerCount overrides the migration worker pool size.
const EnvMigrationMaxWorkerCount = "EMBER_MIGRATION_MAX_WORKER_COUNT"

// MigrationConfig returns the migration tuning for this process, starting
// from the library defaults and applying environment overrides.
func MigrationConfig() migration.Config {
	cfg := migration.DefaultConfig()

	if v := os.Getenv(EnvMigrationMaxWorkerCount); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Warnw("ignoring invalid worker count override", "value", v)
		} else {
			// values below the engine's floor are raised by the engine
			cfg.MaxWorkers = uint(n)
		}
	}

	return cfg
}

// DragonUpgradeSchedule returns the schedule for the nv22 "Dragon" upgrade,
// activating the given v13 actor bundle at dragonHeight.
func DragonUpgradeSchedule(dragonHeight abi.ChainEpoch, v13Manifest cid.Cid) stmgr.UpgradeSchedule {
	return stmgr.UpgradeSchedule{{
		Height:    dragonHeight,
		Network:   network.Version22,
		Manifest:  v13Manifest,
		Migration: UpgradeActorsV13(v13Manifest),
	}}
}

// UpgradeActorsV13 returns the migration function for the nv22 upgrade,
// bound to the new bundle's manifest CID.
func UpgradeActorsV13(newManifestCID cid.Cid) stmgr.MigrationFunc {
	return func(ctx context.Context, sm *stmgr.StateManager, cache migration.MigrationCache, oldRoot cid.Cid, height abi.ChainEpoch) (cid.Cid, error) {
		newRoot, err := nv22.MigrateStateTree(ctx, sm.IpldStore(), newManifestCID, oldRoot, height, sm.MigrationConfig(), cache)
		if err != nil {
			return cid.Undef, xerrors.Errorf("migrating actors v13 state: %w", err)
		}
		return newRoot, nil
	}
}
