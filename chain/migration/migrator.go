package migration

import (
	"context"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"

	"github.com/filecoin-project/go-address"
)

// ActorMigration transforms the state of every actor of one type from the
// old schema to the new one. Implementations must be deterministic and safe
// for concurrent invocation on different actors.
type ActorMigration interface {
	MigrateState(ctx context.Context, store cbor.IpldStore, input ActorMigrationInput) (*ActorMigrationResult, error)

	// MigratedCodeCID is the code CID actors of this type carry after the
	// migration.
	MigratedCodeCID() cid.Cid

	// Deferred reports whether this migration depends on state gathered
	// while migrating other actor types, and must therefore run in the
	// deferred pass, after every concurrent-pass job has settled.
	Deferred() bool
}

type ActorMigrationInput struct {
	Address address.Address // actor's address
	Head    cid.Cid         // actor's state head CID
	Cache   MigrationCache  // cache of existing CID -> CID migrations for this actor
}

type ActorMigrationResult struct {
	NewCodeCID cid.Cid
	NewHead    cid.Cid
}

// NilMigration migrates an actor whose schema is unaffected by the upgrade:
// only the code CID changes, the head is carried over untouched.
func NilMigration(to cid.Cid) ActorMigration {
	return nilMigrator{outCode: to}
}

type nilMigrator struct {
	outCode cid.Cid
}

func (n nilMigrator) MigrateState(_ context.Context, _ cbor.IpldStore, in ActorMigrationInput) (*ActorMigrationResult, error) {
	return &ActorMigrationResult{
		NewCodeCID: n.outCode,
		NewHead:    in.Head,
	}, nil
}

func (n nilMigrator) MigratedCodeCID() cid.Cid {
	return n.outCode
}

func (n nilMigrator) Deferred() bool {
	return false
}
