package nv22

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-address"
	amt "github.com/filecoin-project/go-amt-ipld/v4"
	"github.com/filecoin-project/go-state-types/abi"
	miner12 "github.com/filecoin-project/go-state-types/builtin/v12/miner"
	adt12 "github.com/filecoin-project/go-state-types/builtin/v12/util/adt"

	"github.com/embernode/ember/chain/migration"
)

// providerSectors is the cross-actor accumulator of the upgrade: miner
// migrators record which sector holds each live deal during the concurrent
// pass, and the deferred market migrator reads the settled mapping to stamp
// sector numbers into deal states. It lives only for the duration of one
// migration run.
type providerSectors struct {
	lk           sync.Mutex
	dealToSector map[abi.DealID]abi.SectorID
}

func newProviderSectors() *providerSectors {
	return &providerSectors{
		dealToSector: make(map[abi.DealID]abi.SectorID),
	}
}

func (ps *providerSectors) add(mid abi.ActorID, sector abi.SectorNumber, deals []abi.DealID) {
	ps.lk.Lock()
	defer ps.lk.Unlock()
	for _, deal := range deals {
		ps.dealToSector[deal] = abi.SectorID{Miner: mid, Number: sector}
	}
}

func (ps *providerSectors) lookup(deal abi.DealID) (abi.SectorID, bool) {
	ps.lk.Lock()
	defer ps.lk.Unlock()
	sid, ok := ps.dealToSector[deal]
	return sid, ok
}

// minerMigrator walks each miner's sector AMT and feeds the deal -> sector
// mapping into the shared accumulator. The miner state itself is untouched;
// only the code CID changes. When the cache holds the sector root from a
// previous run, only the AMT diff is folded in.
type minerMigrator struct {
	providerSectors *providerSectors
	outCode         cid.Cid
}

var _ migration.ActorMigration = (*minerMigrator)(nil)

func (m *minerMigrator) MigratedCodeCID() cid.Cid {
	return m.outCode
}

func (m *minerMigrator) Deferred() bool {
	return false
}

func (m *minerMigrator) MigrateState(ctx context.Context, store cbor.IpldStore, in migration.ActorMigrationInput) (*migration.ActorMigrationResult, error) {
	var inState miner12.State
	if err := store.Get(ctx, in.Head, &inState); err != nil {
		return nil, xerrors.Errorf("loading miner state for %s: %w", in.Address, err)
	}

	mid, err := address.IDFromAddress(in.Address)
	if err != nil {
		return nil, xerrors.Errorf("not an ID address: %s: %w", in.Address, err)
	}

	hasCached, prevSectors, err := in.Cache.Read(minerPrevSectorsInKey(in.Address))
	if err != nil {
		return nil, xerrors.Errorf("reading prev sectors for %s: %w", in.Address, err)
	}

	if hasCached {
		if err := m.collectFromDiff(ctx, store, abi.ActorID(mid), prevSectors, inState.Sectors); err != nil {
			return nil, err
		}
	} else {
		if err := m.collectFromScratch(ctx, store, abi.ActorID(mid), inState.Sectors); err != nil {
			return nil, err
		}
	}

	if err := in.Cache.Write(minerPrevSectorsInKey(in.Address), inState.Sectors); err != nil {
		return nil, xerrors.Errorf("caching sector root for %s: %w", in.Address, err)
	}

	return &migration.ActorMigrationResult{
		NewCodeCID: m.outCode,
		NewHead:    in.Head,
	}, nil
}

func (m *minerMigrator) collectFromScratch(ctx context.Context, store cbor.IpldStore, mid abi.ActorID, sectorsRoot cid.Cid) error {
	adtStore := adt12.WrapStore(ctx, store)
	sectors, err := adt12.AsArray(adtStore, sectorsRoot, miner12.SectorsAmtBitwidth)
	if err != nil {
		return xerrors.Errorf("loading sectors array: %w", err)
	}

	var sector miner12.SectorOnChainInfo
	return sectors.ForEach(&sector, func(i int64) error {
		if len(sector.DealIDs) == 0 {
			return nil
		}
		m.providerSectors.add(mid, abi.SectorNumber(i), sector.DealIDs)
		return nil
	})
}

// collectFromDiff applies only the sector-set edits since the cached run.
func (m *minerMigrator) collectFromDiff(ctx context.Context, store cbor.IpldStore, mid abi.ActorID, prevSectors, curSectors cid.Cid) error {
	changes, err := amt.Diff(ctx, store, store, prevSectors, curSectors, amt.UseTreeBitWidth(miner12.SectorsAmtBitwidth))
	if err != nil {
		return xerrors.Errorf("diffing sector arrays: %w", err)
	}

	for _, change := range changes {
		sectorNo := abi.SectorNumber(change.Key)

		switch change.Type {
		case amt.Add:
			var sector miner12.SectorOnChainInfo
			if err := sector.UnmarshalCBOR(bytes.NewReader(change.After.Raw)); err != nil {
				return xerrors.Errorf("decoding added sector %d: %w", sectorNo, err)
			}
			if len(sector.DealIDs) == 0 {
				continue
			}
			m.providerSectors.add(mid, sectorNo, sector.DealIDs)

		case amt.Modify:
			var before, after miner12.SectorOnChainInfo
			if err := before.UnmarshalCBOR(bytes.NewReader(change.Before.Raw)); err != nil {
				return xerrors.Errorf("decoding pre-change sector %d: %w", sectorNo, err)
			}
			if err := after.UnmarshalCBOR(bytes.NewReader(change.After.Raw)); err != nil {
				return xerrors.Errorf("decoding post-change sector %d: %w", sectorNo, err)
			}

			if len(before.DealIDs) != len(after.DealIDs) {
				// snap deals: deals may land in a previously deal-less
				// sector, but existing deals never change sector in place
				if len(before.DealIDs) != 0 {
					return xerrors.Errorf("deal set of miner %d sector %d changed unexpectedly", mid, sectorNo)
				}
				m.providerSectors.add(mid, sectorNo, after.DealIDs)
			}

		case amt.Remove:
			// nothing to do: the market side removes mappings based on deal
			// activation/slash status and already knows which to drop
		}
	}

	return nil
}

func minerPrevSectorsInKey(addr address.Address) string {
	return fmt.Sprintf("prevSectorsIn-%s", addr)
}
