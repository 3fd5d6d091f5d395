package nv22

import (
	"context"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"

	system13 "github.com/filecoin-project/go-state-types/builtin/v13/system"

	"github.com/embernode/ember/chain/migration"
)

// systemMigrator points the system actor at the new bundle's manifest data.
type systemMigrator struct {
	outCode      cid.Cid
	manifestData cid.Cid
}

var _ migration.ActorMigration = (*systemMigrator)(nil)

func (m *systemMigrator) MigratedCodeCID() cid.Cid {
	return m.outCode
}

func (m *systemMigrator) Deferred() bool {
	return false
}

func (m *systemMigrator) MigrateState(ctx context.Context, store cbor.IpldStore, in migration.ActorMigrationInput) (*migration.ActorMigrationResult, error) {
	newHead, err := store.Put(ctx, &system13.State{BuiltinActors: m.manifestData})
	if err != nil {
		return nil, xerrors.Errorf("storing new system state: %w", err)
	}

	return &migration.ActorMigrationResult{
		NewCodeCID: m.outCode,
		NewHead:    newHead,
	}, nil
}
