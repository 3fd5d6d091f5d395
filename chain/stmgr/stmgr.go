package stmgr

import (
	"context"

	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"

	"github.com/embernode/ember/blockstore"
	"github.com/embernode/ember/chain/migration"
)

var log = logging.Logger("statemgr")

// StateManager drives state transitions that happen outside message
// execution, chiefly the network-upgrade migrations. The migration cache
// persists across calls so that a pre-computed migration can be replayed
// cheaply at the upgrade epoch.
type StateManager struct {
	bs       blockstore.Blockstore
	cst      cbor.IpldStore
	upgrades UpgradeSchedule
	cache    migration.MigrationCache
	migCfg   migration.Config
}

func NewStateManager(bs blockstore.Blockstore, us UpgradeSchedule, cfg migration.Config) (*StateManager, error) {
	if err := us.Validate(); err != nil {
		return nil, err
	}

	return &StateManager{
		bs:       bs,
		cst:      cbor.NewCborStore(bs),
		upgrades: us,
		cache:    migration.NewMemMigrationCache(),
		migCfg:   cfg,
	}, nil
}

func (sm *StateManager) Blockstore() blockstore.Blockstore {
	return sm.bs
}

func (sm *StateManager) IpldStore() cbor.IpldStore {
	return sm.cst
}

func (sm *StateManager) MigrationConfig() migration.Config {
	return sm.migCfg
}

// Flush makes sure everything the migrations wrote is durable before the new
// root is handed to the caller.
func (sm *StateManager) Flush(ctx context.Context) error {
	if f, ok := sm.bs.(blockstore.Flusher); ok {
		return f.Flush(ctx)
	}
	return nil
}
