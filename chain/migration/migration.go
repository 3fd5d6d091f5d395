package migration

import (
	"context"
	"runtime"
	"time"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"

	"github.com/embernode/ember/chain/state"
	"github.com/embernode/ember/chain/types"
)

var log = logging.Logger("migration")

// ErrUnknownActorCode means an actor in the input tree has a code CID with
// no registered migration. This is a gap in the migration specification and
// always aborts the pass; silently skipping the actor would corrupt
// consensus state.
var ErrUnknownActorCode = xerrors.New("no migration registered for actor code")

const (
	// MinWorkers is the floor on the worker pool. The producer, the workers
	// and the collector overlap with in-flight jobs on two bounded queues;
	// fewer than three workers can stall the pipeline.
	MinWorkers = 3

	DefaultJobQueueSize    = 30
	DefaultResultQueueSize = 30
)

type Config struct {
	// MaxWorkers is the size of the worker pool. Values below MinWorkers
	// are raised to MinWorkers.
	MaxWorkers uint
	// JobQueueSize bounds the producer -> worker queue.
	JobQueueSize uint
	// ResultQueueSize bounds the worker -> collector queue.
	ResultQueueSize uint
	// ProgressLogPeriod throttles collector progress logging; zero disables it.
	ProgressLogPeriod time.Duration
}

func DefaultConfig() Config {
	workers := runtime.NumCPU() / 2
	if workers < MinWorkers {
		workers = MinWorkers
	}

	return Config{
		MaxWorkers:        uint(workers),
		JobQueueSize:      DefaultJobQueueSize,
		ResultQueueSize:   DefaultResultQueueSize,
		ProgressLogPeriod: 30 * time.Second,
	}
}

func (c Config) normalize() Config {
	if c.MaxWorkers < MinWorkers {
		c.MaxWorkers = MinWorkers
	}
	if c.JobQueueSize == 0 {
		c.JobQueueSize = DefaultJobQueueSize
	}
	if c.ResultQueueSize == 0 {
		c.ResultQueueSize = DefaultResultQueueSize
	}
	return c
}

// StateMigration rewrites every entry of an actor state tree for a network
// upgrade. The catalog maps old actor code CIDs to their migrations; the
// optional verifier and the post hooks run against whole trees.
type StateMigration struct {
	migrations    map[cid.Cid]ActorMigration
	verifier      Verifier
	postMigrators []PostMigrator
	postChecks    []PostMigrationCheck
	cfg           Config
}

func NewStateMigration(migrations map[cid.Cid]ActorMigration, cfg Config) *StateMigration {
	return &StateMigration{
		migrations: migrations,
		cfg:        cfg.normalize(),
	}
}

// WithVerifier sets the pre-flight catalog verifier.
func (sm *StateMigration) WithVerifier(v Verifier) *StateMigration {
	sm.verifier = v
	return sm
}

// AddPostMigrator appends a post-migrator; they run in registration order.
func (sm *StateMigration) AddPostMigrator(pm PostMigrator) *StateMigration {
	sm.postMigrators = append(sm.postMigrators, pm)
	return sm
}

// AddPostMigrationCheck appends a post-check; they run in registration order.
func (sm *StateMigration) AddPostMigrationCheck(pc PostMigrationCheck) *StateMigration {
	sm.postChecks = append(sm.postChecks, pc)
	return sm
}

type migrationJob struct {
	address address.Address
	actorIn types.Actor
	ActorMigration
	cache MigrationCache
}

type migrationJobResult struct {
	address address.Address
	actor   types.Actor
}

func (job *migrationJob) run(ctx context.Context, store cbor.IpldStore) (*migrationJobResult, error) {
	if job.Deferred() {
		// Runs again in the deferred pass, once the cross-actor state
		// gathered by the concurrent pass has settled.
		return nil, nil
	}

	result, err := job.MigrateState(ctx, store, ActorMigrationInput{
		Address: job.address,
		Head:    job.actorIn.Head,
		Cache:   job.cache,
	})
	if err != nil {
		return nil, xerrors.Errorf("state migration failed for actor %s (code %s): %w", job.address, job.actorIn.Code, err)
	}
	if result == nil {
		// only deferred migrations may withhold their output
		return nil, xerrors.Errorf("migration for actor %s (code %s) returned no result", job.address, job.actorIn.Code)
	}

	return &migrationJobResult{
		address: job.address,
		actor: types.Actor{
			Code:             result.NewCodeCID,
			Head:             result.NewHead,
			CallSeqNum:       job.actorIn.CallSeqNum,
			Balance:          job.actorIn.Balance,
			DelegatedAddress: job.actorIn.DelegatedAddress,
		},
	}, nil
}

// Migrate runs the full migration of actorsIn into actorsOut and returns the
// flushed root of the output tree. The pass is all-or-nothing: any failure
// aborts with no partial root. actorsOut must start empty; the collector is
// its only writer during the run.
func (sm *StateMigration) Migrate(ctx context.Context, store cbor.IpldStore, actorsIn, actorsOut *state.StateTree, priorEpoch abi.ChainEpoch, cache MigrationCache) (cid.Cid, error) {
	startTime := time.Now()

	if sm.verifier != nil {
		if err := sm.verifier.Verify(ctx, store, actorsIn, sm.migrations); err != nil {
			return cid.Undef, xerrors.Errorf("pre-migration verification failed: %w", err)
		}
	}

	log.Infow("running state migration", "workers", sm.cfg.MaxWorkers, "epoch", priorEpoch)

	var migratedCount int
	if err := sm.runConcurrentPass(ctx, store, actorsIn, actorsOut, cache, &migratedCount); err != nil {
		return cid.Undef, err
	}

	log.Infow("concurrent pass done", "actors", migratedCount, "elapsed", time.Since(startTime))

	// The concurrent pass has fully drained: every job completed and every
	// result was applied to the output tree. Deferred migrations now observe
	// a settled cross-actor accumulator.
	deferredCount, err := sm.runDeferredPass(ctx, store, actorsIn, actorsOut, cache)
	if err != nil {
		return cid.Undef, err
	}
	if deferredCount > 0 {
		log.Infow("deferred pass done", "actors", deferredCount)
	}

	for i, pm := range sm.postMigrators {
		if err := pm.PostMigrateState(ctx, store, actorsOut); err != nil {
			return cid.Undef, xerrors.Errorf("post migration %d failed: %w", i, err)
		}
	}

	for i, pc := range sm.postChecks {
		if err := pc.Check(ctx, store, actorsIn, actorsOut); err != nil {
			return cid.Undef, xerrors.Errorf("post migration check %d failed: %w", i, err)
		}
	}

	root, err := actorsOut.Flush(ctx)
	if err != nil {
		return cid.Undef, xerrors.Errorf("flushing migrated state tree: %w", err)
	}

	log.Infow("state migration done", "root", root, "elapsed", time.Since(startTime))
	return root, nil
}

// runConcurrentPass streams every (address, actor) pair through a bounded
// fan-out/fan-in pipeline: one producer, MaxWorkers workers, one collector.
// The collector is the sole writer of actorsOut, which keeps flush ordering
// deterministic and avoids write contention.
func (sm *StateMigration) runConcurrentPass(ctx context.Context, store cbor.IpldStore, actorsIn, actorsOut *state.StateTree, cache MigrationCache, migratedCount *int) error {
	grp, grpCtx := errgroup.WithContext(ctx)

	jobCh := make(chan *migrationJob, sm.cfg.JobQueueSize)
	jobResultCh := make(chan *migrationJobResult, sm.cfg.ResultQueueSize)

	// producer
	grp.Go(func() error {
		defer close(jobCh)

		return actorsIn.ForEach(func(addr address.Address, actorIn *types.Actor) error {
			migration, ok := sm.migrations[actorIn.Code]
			if !ok {
				return xerrors.Errorf("%w: %s (actor %s)", ErrUnknownActorCode, actorIn.Code, addr)
			}

			job := &migrationJob{
				address:        addr,
				actorIn:        *actorIn,
				ActorMigration: migration,
				cache:          cache,
			}

			select {
			case jobCh <- job:
				return nil
			case <-grpCtx.Done():
				return grpCtx.Err()
			}
		})
	})

	// workers
	workerDone := make(chan struct{}, sm.cfg.MaxWorkers)
	for i := uint(0); i < sm.cfg.MaxWorkers; i++ {
		grp.Go(func() error {
			defer func() { workerDone <- struct{}{} }()

			for {
				select {
				case job, ok := <-jobCh:
					if !ok {
						return nil
					}

					result, err := job.run(grpCtx, store)
					if err != nil {
						return err
					}
					if result == nil {
						continue // deferred, handled in the deferred pass
					}

					select {
					case jobResultCh <- result:
					case <-grpCtx.Done():
						return grpCtx.Err()
					}
				case <-grpCtx.Done():
					return grpCtx.Err()
				}
			}
		})
	}

	// Close the result queue once every worker has exited. Workers signal
	// through the buffered channel even when they fail, so the drain cannot
	// block and the channel is always closed, error or not; the collector
	// depends on that to terminate.
	grp.Go(func() error {
		for i := uint(0); i < sm.cfg.MaxWorkers; i++ {
			<-workerDone
		}
		close(jobResultCh)
		return nil
	})

	// collector: sole writer of actorsOut
	grp.Go(func() error {
		lastLog := time.Now()
		for {
			select {
			case result, ok := <-jobResultCh:
				if !ok {
					return nil
				}

				if err := actorsOut.SetActor(result.address, &result.actor); err != nil {
					return xerrors.Errorf("writing migrated actor %s: %w", result.address, err)
				}
				*migratedCount++

				if sm.cfg.ProgressLogPeriod > 0 && time.Since(lastLog) >= sm.cfg.ProgressLogPeriod {
					log.Infof("migration progress: %d actors migrated", *migratedCount)
					lastLog = time.Now()
				}
			case <-grpCtx.Done():
				return grpCtx.Err()
			}
		}
	})

	return grp.Wait()
}

// runDeferredPass re-walks the input tree sequentially, running only the
// migrations flagged deferred. Deferred migrators are few; parallelism is
// not worth the coordination here.
func (sm *StateMigration) runDeferredPass(ctx context.Context, store cbor.IpldStore, actorsIn, actorsOut *state.StateTree, cache MigrationCache) (int, error) {
	count := 0
	err := actorsIn.ForEach(func(addr address.Address, actorIn *types.Actor) error {
		migration, ok := sm.migrations[actorIn.Code]
		if !ok {
			return xerrors.Errorf("%w: %s (actor %s)", ErrUnknownActorCode, actorIn.Code, addr)
		}
		if !migration.Deferred() {
			return nil
		}

		result, err := migration.MigrateState(ctx, store, ActorMigrationInput{
			Address: addr,
			Head:    actorIn.Head,
			Cache:   cache,
		})
		if err != nil {
			return xerrors.Errorf("deferred migration failed for actor %s (code %s): %w", addr, actorIn.Code, err)
		}
		if result == nil {
			return xerrors.Errorf("deferred migration for actor %s (code %s) returned no result", addr, actorIn.Code)
		}

		count++
		return actorsOut.SetActor(addr, &types.Actor{
			Code:             result.NewCodeCID,
			Head:             result.NewHead,
			CallSeqNum:       actorIn.CallSeqNum,
			Balance:          actorIn.Balance,
			DelegatedAddress: actorIn.DelegatedAddress,
		})
	})
	return count, err
}
