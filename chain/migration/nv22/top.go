// Package nv22 migrates the actor state tree for the network version 22
// upgrade. The upgrade moves the deal-to-sector mapping out of miner sector
// infos and into a new ProviderSectors index on the market actor, so the
// miner and market migrations cooperate through a shared accumulator.
package nv22

import (
	"context"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/builtin"
	system12 "github.com/filecoin-project/go-state-types/builtin/v12/system"
	adt13 "github.com/filecoin-project/go-state-types/builtin/v13/util/adt"
	"github.com/filecoin-project/go-state-types/manifest"

	"github.com/embernode/ember/chain/migration"
	"github.com/embernode/ember/chain/state"
)

// MigrateStateTree migrates every actor from the version 12 bundle to the
// version 13 bundle rooted at newManifestCID and returns the new state root.
// upgradeEpoch is the epoch the upgrade lands at; the migration itself runs
// against the state as of the parent epoch.
func MigrateStateTree(ctx context.Context, store cbor.IpldStore, newManifestCID, actorsRootIn cid.Cid, upgradeEpoch abi.ChainEpoch, cfg migration.Config, cache migration.MigrationCache) (cid.Cid, error) {
	adtStore := adt13.WrapStore(ctx, store)

	var newManifest manifest.Manifest
	if err := adtStore.Get(ctx, newManifestCID, &newManifest); err != nil {
		return cid.Undef, xerrors.Errorf("reading actors manifest %s: %w", newManifestCID, err)
	}
	if err := newManifest.Load(ctx, adtStore); err != nil {
		return cid.Undef, xerrors.Errorf("loading actors manifest: %w", err)
	}

	actorsIn, err := state.LoadStateTree(ctx, store, actorsRootIn)
	if err != nil {
		return cid.Undef, err
	}
	actorsOut, err := state.NewStateTree(ctx, store)
	if err != nil {
		return cid.Undef, err
	}

	// The code CIDs of the outgoing bundle come from the system actor, which
	// tracks the manifest data the chain is currently running.
	oldManifestData, err := loadCurrentManifestData(ctx, adtStore, actorsIn)
	if err != nil {
		return cid.Undef, err
	}

	ps := newProviderSectors()

	migrations := make(map[cid.Cid]migration.ActorMigration, len(oldManifestData.Entries))
	for _, entry := range oldManifestData.Entries {
		newCode, ok := newManifest.Get(entry.Name)
		if !ok {
			return cid.Undef, xerrors.Errorf("new manifest has no code for actor %q", entry.Name)
		}

		switch entry.Name {
		case manifest.MinerKey:
			migrations[entry.Code] = &minerMigrator{providerSectors: ps, outCode: newCode}
		case manifest.MarketKey:
			migrations[entry.Code] = &marketMigrator{providerSectors: ps, upgradeEpoch: upgradeEpoch, outCode: newCode}
		case manifest.SystemKey:
			migrations[entry.Code] = &systemMigrator{outCode: newCode, manifestData: newManifest.Data}
		default:
			migrations[entry.Code] = migration.NilMigration(newCode)
		}
	}

	sm := migration.NewStateMigration(migrations, cfg).
		WithVerifier(migration.CoverageVerifier{}).
		AddPostMigrationCheck(migration.CompletenessCheck{})

	return sm.Migrate(ctx, store, actorsIn, actorsOut, upgradeEpoch-1, cache)
}

func loadCurrentManifestData(ctx context.Context, adtStore adt13.Store, actorsIn *state.StateTree) (*manifest.ManifestData, error) {
	systemActor, err := actorsIn.GetActor(builtin.SystemActorAddr)
	if err != nil {
		return nil, xerrors.Errorf("getting system actor: %w", err)
	}

	var systemState system12.State
	if err := adtStore.Get(ctx, systemActor.Head, &systemState); err != nil {
		return nil, xerrors.Errorf("loading system actor state: %w", err)
	}

	var manifestData manifest.ManifestData
	if err := adtStore.Get(ctx, systemState.BuiltinActors, &manifestData); err != nil {
		return nil, xerrors.Errorf("loading manifest data %s: %w", systemState.BuiltinActors, err)
	}

	return &manifestData, nil
}
