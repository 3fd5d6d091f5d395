package nv22

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-address"
	amt "github.com/filecoin-project/go-amt-ipld/v4"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/builtin"
	market12 "github.com/filecoin-project/go-state-types/builtin/v12/market"
	adt12 "github.com/filecoin-project/go-state-types/builtin/v12/util/adt"
	market13 "github.com/filecoin-project/go-state-types/builtin/v13/market"
	adt13 "github.com/filecoin-project/go-state-types/builtin/v13/util/adt"

	"github.com/embernode/ember/chain/migration"
)

// marketMigrator rewrites the market actor's deal states, stamping each
// unslashed deal with the sector number the miner migrators recorded in the
// shared accumulator, and builds the new ProviderSectors double-HAMT
// (provider ID -> sector number -> deal IDs). It is deferred: it must not
// run until every miner has been migrated.
type marketMigrator struct {
	providerSectors *providerSectors
	upgradeEpoch    abi.ChainEpoch
	outCode         cid.Cid
}

var _ migration.ActorMigration = (*marketMigrator)(nil)

func (m *marketMigrator) MigratedCodeCID() cid.Cid {
	return m.outCode
}

func (m *marketMigrator) Deferred() bool {
	return true
}

func (m *marketMigrator) MigrateState(ctx context.Context, store cbor.IpldStore, in migration.ActorMigrationInput) (*migration.ActorMigrationResult, error) {
	var inState market12.State
	if err := store.Get(ctx, in.Head, &inState); err != nil {
		return nil, xerrors.Errorf("loading market state: %w", err)
	}

	providerSectorsRoot, newStates, err := m.migrateProviderSectorsAndStates(ctx, store, in, inState.States, inState.Proposals)
	if err != nil {
		return nil, err
	}

	outState := market13.State{
		Proposals:                     inState.Proposals,
		States:                        newStates,
		PendingProposals:              inState.PendingProposals,
		EscrowTable:                   inState.EscrowTable,
		LockedTable:                   inState.LockedTable,
		NextID:                        inState.NextID,
		DealOpsByEpoch:                inState.DealOpsByEpoch,
		LastCron:                      inState.LastCron,
		TotalClientLockedCollateral:   inState.TotalClientLockedCollateral,
		TotalProviderLockedCollateral: inState.TotalProviderLockedCollateral,
		TotalClientStorageFee:         inState.TotalClientStorageFee,
		PendingDealAllocationIds:      inState.PendingDealAllocationIds,
		ProviderSectors:               providerSectorsRoot,
	}

	newHead, err := store.Put(ctx, &outState)
	if err != nil {
		return nil, xerrors.Errorf("storing new market state: %w", err)
	}

	return &migration.ActorMigrationResult{
		NewCodeCID: m.outCode,
		NewHead:    newHead,
	}, nil
}

func (m *marketMigrator) migrateProviderSectorsAndStates(ctx context.Context, store cbor.IpldStore, in migration.ActorMigrationInput, states, proposals cid.Cid) (cid.Cid, cid.Cid, error) {
	// The diff path needs all four roots from the previous run: the input
	// states and proposals it diffed against, and the outputs it produced.
	okIn, prevInStates, err := in.Cache.Read(marketPrevDealStatesInKey(in.Address))
	if err != nil {
		return cid.Undef, cid.Undef, xerrors.Errorf("reading cached deal states: %w", err)
	}
	okInProposals, prevInProposals, err := in.Cache.Read(marketPrevDealProposalsInKey(in.Address))
	if err != nil {
		return cid.Undef, cid.Undef, xerrors.Errorf("reading cached deal proposals: %w", err)
	}
	okOut, prevOutStates, err := in.Cache.Read(marketPrevDealStatesOutKey(in.Address))
	if err != nil {
		return cid.Undef, cid.Undef, xerrors.Errorf("reading cached output deal states: %w", err)
	}
	okOutPs, prevOutProviderSectors, err := in.Cache.Read(marketPrevProviderSectorsOutKey(in.Address))
	if err != nil {
		return cid.Undef, cid.Undef, xerrors.Errorf("reading cached provider sectors: %w", err)
	}

	var providerSectorsRoot, newStatesRoot cid.Cid
	if okIn && okInProposals && okOut && okOutPs {
		providerSectorsRoot, newStatesRoot, err = m.migrateFromDiff(ctx, store, prevInStates, prevInProposals, prevOutStates, prevOutProviderSectors, states)
	} else {
		providerSectorsRoot, newStatesRoot, err = m.migrateFromScratch(ctx, store, states, proposals)
	}
	if err != nil {
		return cid.Undef, cid.Undef, err
	}

	if err := in.Cache.Write(marketPrevDealStatesInKey(in.Address), states); err != nil {
		return cid.Undef, cid.Undef, err
	}
	if err := in.Cache.Write(marketPrevDealProposalsInKey(in.Address), proposals); err != nil {
		return cid.Undef, cid.Undef, err
	}
	if err := in.Cache.Write(marketPrevDealStatesOutKey(in.Address), newStatesRoot); err != nil {
		return cid.Undef, cid.Undef, err
	}
	if err := in.Cache.Write(marketPrevProviderSectorsOutKey(in.Address), providerSectorsRoot); err != nil {
		return cid.Undef, cid.Undef, err
	}

	return providerSectorsRoot, newStatesRoot, nil
}

// sectorDeals accumulates per-provider, per-sector deal lists before they are
// folded into the ProviderSectors HAMTs.
type sectorDeals map[abi.ActorID]map[abi.SectorNumber][]abi.DealID

func (sd sectorDeals) push(sector abi.SectorID, deal abi.DealID) {
	byNumber, ok := sd[sector.Miner]
	if !ok {
		byNumber = make(map[abi.SectorNumber][]abi.DealID)
		sd[sector.Miner] = byNumber
	}
	byNumber[sector.Number] = append(byNumber[sector.Number], deal)
}

func (m *marketMigrator) migrateFromScratch(ctx context.Context, store cbor.IpldStore, states, proposals cid.Cid) (cid.Cid, cid.Cid, error) {
	adtStore := adt12.WrapStore(ctx, store)
	oldStates, err := adt12.AsArray(adtStore, states, market12.StatesAmtBitwidth)
	if err != nil {
		return cid.Undef, cid.Undef, xerrors.Errorf("loading deal states: %w", err)
	}

	adtStore13 := adt13.WrapStore(ctx, store)
	newStates, err := adt13.MakeEmptyArray(adtStore13, market13.StatesAmtBitwidth)
	if err != nil {
		return cid.Undef, cid.Undef, xerrors.Errorf("creating new deal state array: %w", err)
	}

	// loaded lazily, only deals absent from the accumulator need it
	var oldProposals *adt12.Array

	addedSectors := make(sectorDeals)

	var oldState market12.DealState
	err = oldStates.ForEach(&oldState, func(i int64) error {
		deal := abi.DealID(i)

		var sectorNumber abi.SectorNumber
		if oldState.SlashEpoch == -1 {
			sid, ok := m.providerSectors.lookup(deal)
			if ok {
				addedSectors.push(sid, deal)
				sectorNumber = sid.Number
			} else {
				// A live deal with no sector is fine only if its proposal has
				// already expired: such deals never activated and are pending
				// cron cleanup.
				if oldProposals == nil {
					oldProposals, err = adt12.AsArray(adtStore, proposals, market12.ProposalsAmtBitwidth)
					if err != nil {
						return xerrors.Errorf("loading deal proposals: %w", err)
					}
				}
				var proposal market12.DealProposal
				found, err := oldProposals.Get(uint64(deal), &proposal)
				if err != nil {
					return xerrors.Errorf("loading proposal for deal %d: %w", deal, err)
				}
				if !found || proposal.EndEpoch >= m.upgradeEpoch {
					return xerrors.Errorf("deal %d not found in providerSectors", deal)
				}
			}
		}

		return newStates.Set(uint64(deal), &market13.DealState{
			SectorNumber:     sectorNumber,
			SectorStartEpoch: oldState.SectorStartEpoch,
			LastUpdatedEpoch: oldState.LastUpdatedEpoch,
			SlashEpoch:       oldState.SlashEpoch,
		})
	})
	if err != nil {
		return cid.Undef, cid.Undef, err
	}

	newStatesRoot, err := newStates.Root()
	if err != nil {
		return cid.Undef, cid.Undef, xerrors.Errorf("flushing new deal states: %w", err)
	}

	outProviderSectors, err := adt13.MakeEmptyMap(adtStore13, builtin.DefaultHamtBitwidth)
	if err != nil {
		return cid.Undef, cid.Undef, xerrors.Errorf("creating provider sectors map: %w", err)
	}

	for provider, sectors := range addedSectors {
		inner, err := adt13.MakeEmptyMap(adtStore13, builtin.DefaultHamtBitwidth)
		if err != nil {
			return cid.Undef, cid.Undef, xerrors.Errorf("creating sector deals map: %w", err)
		}
		for sector, deals := range sectors {
			dealList := abi.DealIDList(deals)
			if err := inner.Put(abi.UIntKey(uint64(sector)), &dealList); err != nil {
				return cid.Undef, cid.Undef, xerrors.Errorf("setting deals for sector %d: %w", sector, err)
			}
		}
		innerRoot, err := inner.Root()
		if err != nil {
			return cid.Undef, cid.Undef, xerrors.Errorf("flushing sector deals map: %w", err)
		}
		innerRootCbor := cbg.CborCid(innerRoot)
		if err := outProviderSectors.Put(abi.UIntKey(uint64(provider)), &innerRootCbor); err != nil {
			return cid.Undef, cid.Undef, xerrors.Errorf("setting sectors for provider %d: %w", provider, err)
		}
	}

	providerSectorsRoot, err := outProviderSectors.Root()
	if err != nil {
		return cid.Undef, cid.Undef, xerrors.Errorf("flushing provider sectors map: %w", err)
	}

	return providerSectorsRoot, newStatesRoot, nil
}

// migrateFromDiff replays only the deal-state changes since the cached run
// against the previously produced outputs.
func (m *marketMigrator) migrateFromDiff(ctx context.Context, store cbor.IpldStore, prevInStates, prevInProposals, prevOutStatesRoot, prevOutProviderSectorsRoot, curStates cid.Cid) (cid.Cid, cid.Cid, error) {
	adtStore := adt13.WrapStore(ctx, store)
	prevOutStates, err := adt13.AsArray(adtStore, prevOutStatesRoot, market13.StatesAmtBitwidth)
	if err != nil {
		return cid.Undef, cid.Undef, xerrors.Errorf("loading cached output deal states: %w", err)
	}
	prevOutProviderSectors, err := adt13.AsMap(adtStore, prevOutProviderSectorsRoot, builtin.DefaultHamtBitwidth)
	if err != nil {
		return cid.Undef, cid.Undef, xerrors.Errorf("loading cached provider sectors: %w", err)
	}
	proposals, err := adt12.AsArray(adt12.WrapStore(ctx, store), prevInProposals, market12.ProposalsAmtBitwidth)
	if err != nil {
		return cid.Undef, cid.Undef, xerrors.Errorf("loading deal proposals: %w", err)
	}

	addedSectors := make(sectorDeals)
	removedSectors := make(sectorDeals)

	addEntry := func(deal abi.DealID) (abi.SectorNumber, error) {
		sid, ok := m.providerSectors.lookup(deal)
		if !ok {
			return 0, xerrors.Errorf("deal %d not found in providerSectors", deal)
		}
		addedSectors.push(sid, deal)
		return sid.Number, nil
	}

	// removeEntry queues the deal's provider-sector mapping for removal and
	// clears the sector number on the deal state. The provider comes from the
	// proposal since a slashed deal's state no longer knows it.
	removeEntry := func(deal abi.DealID, st market13.DealState) (market13.DealState, error) {
		var proposal market12.DealProposal
		found, err := proposals.Get(uint64(deal), &proposal)
		if err != nil {
			return st, xerrors.Errorf("loading proposal for deal %d: %w", deal, err)
		}
		if !found {
			return st, xerrors.Errorf("no proposal for deal %d", deal)
		}
		providerID, err := address.IDFromAddress(proposal.Provider)
		if err != nil {
			return st, xerrors.Errorf("provider of deal %d is not an ID address: %w", deal, err)
		}

		removedSectors.push(abi.SectorID{Miner: abi.ActorID(providerID), Number: st.SectorNumber}, deal)
		st.SectorNumber = 0
		return st, nil
	}

	changes, err := amt.Diff(ctx, store, store, prevInStates, curStates, amt.UseTreeBitWidth(market12.StatesAmtBitwidth))
	if err != nil {
		return cid.Undef, cid.Undef, xerrors.Errorf("diffing deal states: %w", err)
	}

	for _, change := range changes {
		deal := abi.DealID(change.Key)

		switch change.Type {
		case amt.Add:
			var oldState market12.DealState
			if err := oldState.UnmarshalCBOR(bytes.NewReader(change.After.Raw)); err != nil {
				return cid.Undef, cid.Undef, xerrors.Errorf("decoding added deal %d: %w", deal, err)
			}

			var sectorNumber abi.SectorNumber
			if oldState.SlashEpoch == -1 {
				sectorNumber, err = addEntry(deal)
				if err != nil {
					return cid.Undef, cid.Undef, err
				}
			}

			err = prevOutStates.Set(uint64(deal), &market13.DealState{
				SectorNumber:     sectorNumber,
				SectorStartEpoch: oldState.SectorStartEpoch,
				LastUpdatedEpoch: oldState.LastUpdatedEpoch,
				SlashEpoch:       oldState.SlashEpoch,
			})
			if err != nil {
				return cid.Undef, cid.Undef, xerrors.Errorf("setting added deal %d: %w", deal, err)
			}

		case amt.Remove:
			var prevOutState market13.DealState
			found, err := prevOutStates.Get(uint64(deal), &prevOutState)
			if err != nil {
				return cid.Undef, cid.Undef, xerrors.Errorf("loading removed deal %d: %w", deal, err)
			}
			if !found {
				return cid.Undef, cid.Undef, xerrors.Errorf("removed deal %d not in cached output", deal)
			}

			// unslashed deals carry a provider sector entry that goes with them
			if prevOutState.SlashEpoch == -1 {
				if _, err := removeEntry(deal, prevOutState); err != nil {
					return cid.Undef, cid.Undef, err
				}
			}

			if err := prevOutStates.Delete(uint64(deal)); err != nil {
				return cid.Undef, cid.Undef, xerrors.Errorf("deleting deal %d: %w", deal, err)
			}

		case amt.Modify:
			var before, after market12.DealState
			if err := before.UnmarshalCBOR(bytes.NewReader(change.Before.Raw)); err != nil {
				return cid.Undef, cid.Undef, xerrors.Errorf("decoding pre-change deal %d: %w", deal, err)
			}
			if err := after.UnmarshalCBOR(bytes.NewReader(change.After.Raw)); err != nil {
				return cid.Undef, cid.Undef, xerrors.Errorf("decoding post-change deal %d: %w", deal, err)
			}

			var newState market13.DealState
			found, err := prevOutStates.Get(uint64(deal), &newState)
			if err != nil {
				return cid.Undef, cid.Undef, xerrors.Errorf("loading modified deal %d: %w", deal, err)
			}
			if !found {
				return cid.Undef, cid.Undef, xerrors.Errorf("modified deal %d not in cached output", deal)
			}

			newState.SectorStartEpoch = after.SectorStartEpoch
			newState.LastUpdatedEpoch = after.LastUpdatedEpoch
			newState.SlashEpoch = after.SlashEpoch

			if before.SlashEpoch == -1 && after.SlashEpoch != -1 {
				newState, err = removeEntry(deal, newState)
				if err != nil {
					return cid.Undef, cid.Undef, err
				}
			}

			if err := prevOutStates.Set(uint64(deal), &newState); err != nil {
				return cid.Undef, cid.Undef, xerrors.Errorf("setting modified deal %d: %w", deal, err)
			}
		}
	}

	// fold the changesets into the provider sectors map, removes first
	if err := applySectorRemovals(prevOutProviderSectors, adtStore, removedSectors); err != nil {
		return cid.Undef, cid.Undef, err
	}
	if err := applySectorAdditions(prevOutProviderSectors, adtStore, addedSectors); err != nil {
		return cid.Undef, cid.Undef, err
	}

	providerSectorsRoot, err := prevOutProviderSectors.Root()
	if err != nil {
		return cid.Undef, cid.Undef, xerrors.Errorf("flushing provider sectors map: %w", err)
	}
	newStatesRoot, err := prevOutStates.Root()
	if err != nil {
		return cid.Undef, cid.Undef, xerrors.Errorf("flushing deal states: %w", err)
	}

	return providerSectorsRoot, newStatesRoot, nil
}

func applySectorRemovals(outer *adt13.Map, store adt13.Store, removals sectorDeals) error {
	for provider, sectors := range removals {
		var innerRootCbor cbg.CborCid
		found, err := outer.Get(abi.UIntKey(uint64(provider)), &innerRootCbor)
		if err != nil {
			return xerrors.Errorf("loading sectors of provider %d: %w", provider, err)
		}
		if !found {
			// A zero sector number in a deal state is ambiguous: it may mean
			// "no sector" or genuinely sector 0, so a removal can target a
			// provider with no entries. Nothing to remove then.
			continue
		}

		inner, err := adt13.AsMap(store, cid.Cid(innerRootCbor), builtin.DefaultHamtBitwidth)
		if err != nil {
			return xerrors.Errorf("loading sector deals of provider %d: %w", provider, err)
		}

		for sector, deals := range sectors {
			var dealList abi.DealIDList
			found, err := inner.Get(abi.UIntKey(uint64(sector)), &dealList)
			if err != nil {
				return xerrors.Errorf("loading deals of sector %d: %w", sector, err)
			}
			if !found {
				continue
			}

			kept := make([]abi.DealID, 0, len(dealList))
			for _, d := range dealList {
				removed := false
				for _, r := range deals {
					if d == r {
						removed = true
						break
					}
				}
				if !removed {
					kept = append(kept, d)
				}
			}

			if len(kept) == 0 {
				if err := inner.Delete(abi.UIntKey(uint64(sector))); err != nil {
					return xerrors.Errorf("deleting sector %d: %w", sector, err)
				}
			} else {
				keptList := abi.DealIDList(kept)
				if err := inner.Put(abi.UIntKey(uint64(sector)), &keptList); err != nil {
					return xerrors.Errorf("setting deals for sector %d: %w", sector, err)
				}
			}
		}

		empty, err := mapIsEmpty(inner)
		if err != nil {
			return err
		}
		if empty {
			if err := outer.Delete(abi.UIntKey(uint64(provider))); err != nil {
				return xerrors.Errorf("deleting provider %d: %w", provider, err)
			}
		} else {
			innerRoot, err := inner.Root()
			if err != nil {
				return xerrors.Errorf("flushing sector deals of provider %d: %w", provider, err)
			}
			rootCbor := cbg.CborCid(innerRoot)
			if err := outer.Put(abi.UIntKey(uint64(provider)), &rootCbor); err != nil {
				return xerrors.Errorf("setting sectors for provider %d: %w", provider, err)
			}
		}
	}
	return nil
}

func applySectorAdditions(outer *adt13.Map, store adt13.Store, additions sectorDeals) error {
	for provider, sectors := range additions {
		var innerRootCbor cbg.CborCid
		found, err := outer.Get(abi.UIntKey(uint64(provider)), &innerRootCbor)
		if err != nil {
			return xerrors.Errorf("loading sectors of provider %d: %w", provider, err)
		}

		var inner *adt13.Map
		if found {
			inner, err = adt13.AsMap(store, cid.Cid(innerRootCbor), builtin.DefaultHamtBitwidth)
		} else {
			inner, err = adt13.MakeEmptyMap(store, builtin.DefaultHamtBitwidth)
		}
		if err != nil {
			return xerrors.Errorf("loading sector deals of provider %d: %w", provider, err)
		}

		for sector, deals := range sectors {
			var existing abi.DealIDList
			found, err := inner.Get(abi.UIntKey(uint64(sector)), &existing)
			if err != nil {
				return xerrors.Errorf("loading deals of sector %d: %w", sector, err)
			}
			if found {
				deals = append(existing, deals...)
			}
			dealList := abi.DealIDList(deals)
			if err := inner.Put(abi.UIntKey(uint64(sector)), &dealList); err != nil {
				return xerrors.Errorf("setting deals for sector %d: %w", sector, err)
			}
		}

		innerRoot, err := inner.Root()
		if err != nil {
			return xerrors.Errorf("flushing sector deals of provider %d: %w", provider, err)
		}
		rootCbor := cbg.CborCid(innerRoot)
		if err := outer.Put(abi.UIntKey(uint64(provider)), &rootCbor); err != nil {
			return xerrors.Errorf("setting sectors for provider %d: %w", provider, err)
		}
	}
	return nil
}

var errNotEmpty = xerrors.New("not empty")

func mapIsEmpty(m *adt13.Map) (bool, error) {
	var v cbg.Deferred
	err := m.ForEach(&v, func(string) error {
		return errNotEmpty
	})
	if err == errNotEmpty {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func marketPrevDealStatesInKey(addr address.Address) string {
	return fmt.Sprintf("prevDealStatesIn-%s", addr)
}

func marketPrevDealProposalsInKey(addr address.Address) string {
	return fmt.Sprintf("prevDealProposalsIn-%s", addr)
}

func marketPrevDealStatesOutKey(addr address.Address) string {
	return fmt.Sprintf("prevDealStatesOut-%s", addr)
}

func marketPrevProviderSectorsOutKey(addr address.Address) string {
	return fmt.Sprintf("prevProviderSectorsOut-%s", addr)
}
