package migration

import (
	"context"
	"sync"
	"testing"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/stretchr/testify/require"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/big"

	"github.com/embernode/ember/blockstore"
	"github.com/embernode/ember/chain/state"
	"github.com/embernode/ember/chain/types"
)

func testStore(t *testing.T) cbor.IpldStore {
	t.Helper()
	return cbor.NewCborStore(blockstore.NewMemorySync())
}

func makeInputTree(t *testing.T, store cbor.IpldStore, code cid.Cid, count int) *state.StateTree {
	t.Helper()
	tree, err := state.NewStateTree(context.Background(), store)
	require.NoError(t, err)

	for i := 0; i < count; i++ {
		addr, err := address.NewIDAddress(uint64(1000 + i))
		require.NoError(t, err)
		require.NoError(t, tree.SetActor(addr, &types.Actor{
			Code:       code,
			Head:       testCid(t, "head"),
			CallSeqNum: uint64(i),
			Balance:    big.NewInt(int64(i * 100)),
		}))
	}
	return tree
}

func runMigration(t *testing.T, store cbor.IpldStore, sm *StateMigration, actorsIn *state.StateTree) (cid.Cid, *state.StateTree) {
	t.Helper()
	ctx := context.Background()

	actorsOut, err := state.NewStateTree(ctx, store)
	require.NoError(t, err)

	root, err := sm.Migrate(ctx, store, actorsIn, actorsOut, 99, NewMemMigrationCache())
	require.NoError(t, err)

	out, err := state.LoadStateTree(ctx, store, root)
	require.NoError(t, err)
	return root, out
}

func TestNilMigrationSwapsCodeOnly(t *testing.T) {
	store := testStore(t)
	oldCode := testCid(t, "code-v1")
	newCode := testCid(t, "code-v2")

	actorsIn := makeInputTree(t, store, oldCode, 25)

	sm := NewStateMigration(map[cid.Cid]ActorMigration{
		oldCode: NilMigration(newCode),
	}, DefaultConfig())

	_, out := runMigration(t, store, sm, actorsIn)

	count := 0
	err := out.ForEach(func(addr address.Address, act *types.Actor) error {
		count++
		require.Equal(t, newCode, act.Code)
		require.Equal(t, testCid(t, "head"), act.Head)
		orig, err := actorsIn.GetActor(addr)
		require.NoError(t, err)
		require.Equal(t, orig.CallSeqNum, act.CallSeqNum)
		require.Equal(t, orig.Balance, act.Balance)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 25, count)
}

func TestMigrationDeterministicAcrossWorkerCounts(t *testing.T) {
	store := testStore(t)
	oldCode := testCid(t, "code-v1")
	newCode := testCid(t, "code-v2")

	actorsIn := makeInputTree(t, store, oldCode, 200)

	var roots []cid.Cid
	for _, workers := range []uint{3, 8, 16} {
		cfg := DefaultConfig()
		cfg.MaxWorkers = workers

		sm := NewStateMigration(map[cid.Cid]ActorMigration{
			oldCode: NilMigration(newCode),
		}, cfg)

		root, _ := runMigration(t, store, sm, actorsIn)
		roots = append(roots, root)
	}

	require.Equal(t, roots[0], roots[1])
	require.Equal(t, roots[0], roots[2])
}

func TestUnknownActorCodeAborts(t *testing.T) {
	store := testStore(t)
	known := testCid(t, "known-code")
	unknown := testCid(t, "unknown-code")

	ctx := context.Background()
	actorsIn := makeInputTree(t, store, known, 5)
	strayAddr, err := address.NewIDAddress(42)
	require.NoError(t, err)
	require.NoError(t, actorsIn.SetActor(strayAddr, &types.Actor{
		Code:    unknown,
		Head:    testCid(t, "head"),
		Balance: big.Zero(),
	}))

	catalog := map[cid.Cid]ActorMigration{
		known: NilMigration(testCid(t, "known-code-v2")),
	}

	// without the verifier the producer trips over the stray actor
	actorsOut, err := state.NewStateTree(ctx, store)
	require.NoError(t, err)
	_, err = NewStateMigration(catalog, DefaultConfig()).
		Migrate(ctx, store, actorsIn, actorsOut, 99, NewMemMigrationCache())
	require.ErrorIs(t, err, ErrUnknownActorCode)

	// with the verifier the same failure surfaces before any job runs
	actorsOut, err = state.NewStateTree(ctx, store)
	require.NoError(t, err)
	_, err = NewStateMigration(catalog, DefaultConfig()).
		WithVerifier(CoverageVerifier{}).
		Migrate(ctx, store, actorsIn, actorsOut, 99, NewMemMigrationCache())
	require.ErrorIs(t, err, ErrUnknownActorCode)
}

type brokenMigrator struct {
	outCode cid.Cid
}

func (m *brokenMigrator) MigrateState(context.Context, cbor.IpldStore, ActorMigrationInput) (*ActorMigrationResult, error) {
	return nil, xerrors.New("corrupt actor state")
}

func (m *brokenMigrator) MigratedCodeCID() cid.Cid { return m.outCode }
func (m *brokenMigrator) Deferred() bool           { return false }

func TestFailingJobAbortsMigration(t *testing.T) {
	store := testStore(t)
	goodCode := testCid(t, "good-code")
	badCode := testCid(t, "bad-code")

	ctx := context.Background()

	// a healthy majority keeps the whole pipeline busy while the failures
	// land, so the pass must unwind with the producer, workers and collector
	// all mid-flight
	actorsIn := makeInputTree(t, store, goodCode, 200)
	for i := 0; i < 5; i++ {
		addr, err := address.NewIDAddress(uint64(10 + i))
		require.NoError(t, err)
		require.NoError(t, actorsIn.SetActor(addr, &types.Actor{
			Code:    badCode,
			Head:    testCid(t, "head"),
			Balance: big.Zero(),
		}))
	}

	catalog := map[cid.Cid]ActorMigration{
		goodCode: NilMigration(testCid(t, "good-code-v2")),
		badCode:  &brokenMigrator{outCode: testCid(t, "bad-code-v2")},
	}

	for i := 0; i < 10; i++ {
		actorsOut, err := state.NewStateTree(ctx, store)
		require.NoError(t, err)

		_, err = NewStateMigration(catalog, DefaultConfig()).
			Migrate(ctx, store, actorsIn, actorsOut, 99, NewMemMigrationCache())
		require.ErrorContains(t, err, "corrupt actor state", "iteration %d", i)
	}
}

// countingAccumulator stands in for cross-actor state shared between a
// concurrent migration and a deferred one.
type countingAccumulator struct {
	lk   sync.Mutex
	seen int
}

func (a *countingAccumulator) add() {
	a.lk.Lock()
	a.seen++
	a.lk.Unlock()
}

func (a *countingAccumulator) count() int {
	a.lk.Lock()
	defer a.lk.Unlock()
	return a.seen
}

type recordingMigrator struct {
	acc     *countingAccumulator
	outCode cid.Cid
}

func (m *recordingMigrator) MigrateState(_ context.Context, _ cbor.IpldStore, in ActorMigrationInput) (*ActorMigrationResult, error) {
	m.acc.add()
	return &ActorMigrationResult{NewCodeCID: m.outCode, NewHead: in.Head}, nil
}

func (m *recordingMigrator) MigratedCodeCID() cid.Cid { return m.outCode }
func (m *recordingMigrator) Deferred() bool           { return false }

type summingMigrator struct {
	acc     *countingAccumulator
	outCode cid.Cid
}

func (m *summingMigrator) MigrateState(ctx context.Context, store cbor.IpldStore, in ActorMigrationInput) (*ActorMigrationResult, error) {
	total := cbg.CborInt(m.acc.count())
	head, err := store.Put(ctx, &total)
	if err != nil {
		return nil, err
	}
	return &ActorMigrationResult{NewCodeCID: m.outCode, NewHead: head}, nil
}

func (m *summingMigrator) MigratedCodeCID() cid.Cid { return m.outCode }
func (m *summingMigrator) Deferred() bool           { return true }

func TestDeferredMigrationSeesSettledAccumulator(t *testing.T) {
	store := testStore(t)
	recordedCode := testCid(t, "recorded-code")
	summedCode := testCid(t, "summed-code")

	ctx := context.Background()
	const recordedActors = 100

	actorsIn := makeInputTree(t, store, recordedCode, recordedActors)
	// a low address so HAMT iteration order cannot save a broken barrier
	sumAddr, err := address.NewIDAddress(1)
	require.NoError(t, err)
	require.NoError(t, actorsIn.SetActor(sumAddr, &types.Actor{
		Code:    summedCode,
		Head:    testCid(t, "sum-head"),
		Balance: big.Zero(),
	}))

	acc := &countingAccumulator{}
	sm := NewStateMigration(map[cid.Cid]ActorMigration{
		recordedCode: &recordingMigrator{acc: acc, outCode: testCid(t, "recorded-code-v2")},
		summedCode:   &summingMigrator{acc: acc, outCode: testCid(t, "summed-code-v2")},
	}, DefaultConfig())

	_, out := runMigration(t, store, sm, actorsIn)

	sumActor, err := out.GetActor(sumAddr)
	require.NoError(t, err)
	require.Equal(t, testCid(t, "summed-code-v2"), sumActor.Code)

	var got cbg.CborInt
	require.NoError(t, store.Get(ctx, sumActor.Head, &got))
	require.Equal(t, cbg.CborInt(recordedActors), got)
}

type actorInjector struct {
	addr  address.Address
	actor types.Actor
}

func (p *actorInjector) PostMigrateState(_ context.Context, _ cbor.IpldStore, actorsOut *state.StateTree) error {
	return actorsOut.SetActor(p.addr, &p.actor)
}

func TestPostMigratorAddsActor(t *testing.T) {
	store := testStore(t)
	oldCode := testCid(t, "code-v1")

	actorsIn := makeInputTree(t, store, oldCode, 10)

	newAddr, err := address.NewIDAddress(77)
	require.NoError(t, err)

	sm := NewStateMigration(map[cid.Cid]ActorMigration{
		oldCode: NilMigration(testCid(t, "code-v2")),
	}, DefaultConfig())
	sm.AddPostMigrator(&actorInjector{
		addr: newAddr,
		actor: types.Actor{
			Code:    testCid(t, "injected-code"),
			Head:    testCid(t, "injected-head"),
			Balance: big.Zero(),
		},
	})
	// post-migrators may grow the tree, completeness only requires a superset
	sm.AddPostMigrationCheck(CompletenessCheck{})

	_, out := runMigration(t, store, sm, actorsIn)

	injected, err := out.GetActor(newAddr)
	require.NoError(t, err)
	require.Equal(t, testCid(t, "injected-code"), injected.Code)
}

type failingCheck struct{}

func (failingCheck) Check(context.Context, cbor.IpldStore, *state.StateTree, *state.StateTree) error {
	return xerrors.New("check failed")
}

func TestFailingPostCheckAbortsMigration(t *testing.T) {
	store := testStore(t)
	oldCode := testCid(t, "code-v1")

	ctx := context.Background()
	actorsIn := makeInputTree(t, store, oldCode, 5)
	actorsOut, err := state.NewStateTree(ctx, store)
	require.NoError(t, err)

	sm := NewStateMigration(map[cid.Cid]ActorMigration{
		oldCode: NilMigration(testCid(t, "code-v2")),
	}, DefaultConfig())
	sm.AddPostMigrationCheck(failingCheck{})

	_, err = sm.Migrate(ctx, store, actorsIn, actorsOut, 99, NewMemMigrationCache())
	require.ErrorContains(t, err, "check failed")
}

func TestConfigNormalizeRaisesFloor(t *testing.T) {
	cfg := Config{MaxWorkers: 1}.normalize()
	require.Equal(t, uint(MinWorkers), cfg.MaxWorkers)
	require.Equal(t, uint(DefaultJobQueueSize), cfg.JobQueueSize)
	require.Equal(t, uint(DefaultResultQueueSize), cfg.ResultQueueSize)
}
