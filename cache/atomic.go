package cache

import (
	"context"
	"fmt"

	"github.com/jrife/plover/affinity"
	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/storage/kv"
	"github.com/jrife/plover/txn"
	"github.com/jrife/plover/utils/log"
	"go.uber.org/zap"
)

// invokeAtomic runs one invocation without a transaction. On the
// key's primary it locks the key, runs the processor against the
// committed entry, writes the change, applies the processor's side
// effects and replicates the result to the backups before releasing
// the lock. A failing processor leaves the entry alone. A failing
// side effect is answered with a compensating write that restores
// the entry's previous value.
//
// Errors are returned only if the invocation never reached the
// processor: the primary was unreachable, the topology changed,
// ctx was done, or the key lock could not be acquired. Cancellation
// is checked for the last time right before the processor runs.
func (cache *Cache[K, V]) invokeAtomic(ctx context.Context, topology affinity.Topology, inv *invocation[K, V], args Args) (Outcome, error) {
	ctx = log.WithInvocation(ctx, inv.id)
	logger := log.WithContext(ctx, cache.logger)

	primary, backups, err := cache.cluster.Route(topology, inv.partition)

	if err != nil {
		return Outcome{}, err
	}

	if err := primary.Reachable(); err != nil {
		return Outcome{}, err
	}

	if err := cache.lock(ctx, primary, inv); err != nil {
		return Outcome{}, err
	}

	defer primary.Locks().Unlock(string(inv.encoded), inv.id)

	release, err := cache.cluster.Pin(topology)

	if err != nil {
		return Outcome{}, err
	}

	defer release()

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	partition := primary.Partition(inv.partition)
	current, err := partition.Read(inv.encoded)

	if err != nil {
		return Outcome{}, fmt.Errorf("could not read entry: %s", err)
	}

	entry, outcome := cache.process(inv, current, args)

	if entry == nil {
		return outcome, nil
	}

	// The apply step starts here and always runs to completion
	write, ok, err := entry.write(cache.codec, inv.encoded, current.Version)

	if err != nil {
		return failureOutcome(err), nil
	}

	if !ok {
		if err := cache.guard.run(context.Background(), inv.id, entry.effects); err != nil {
			return failureOutcome(err), nil
		}

		return outcome, nil
	}

	version, err := partition.Write(write)

	if err != nil {
		return failureOutcome(fmt.Errorf("could not write entry: %s", err)), nil
	}

	committed := kv.Entry{Value: write.Value, Version: version, Exists: !write.Delete}

	if err := cache.guard.run(context.Background(), inv.id, entry.effects); err != nil {
		cache.compensate(logger, inv, partition, backups, current, version)

		return failureOutcome(err), nil
	}

	if err := cache.replicate(logger, inv, backups, committed, args); err != nil {
		logger.Error("could not replicate entry", zap.Error(err))
	}

	return outcome, nil
}

// compensate puts back the value an invocation overwrote after its
// side effects failed. The restoring write gets a new version so
// that readers that saw the discarded value notice the change.
func (cache *Cache[K, V]) compensate(logger *zap.Logger, inv *invocation[K, V], partition kv.Partition, backups []*cluster.Node, previous kv.Entry, version uint64) {
	restore := kv.Write{Key: inv.encoded, Value: previous.Value, Delete: !previous.Exists, ExpectedVersion: version}
	restored, err := partition.Write(restore)

	if err != nil {
		logger.Error("could not restore entry after side effect failure", zap.Error(err))

		return
	}

	entry := kv.Entry{Value: restore.Value, Version: restored, Exists: previous.Exists}

	if entry.Exists && entry.Value == nil {
		entry.Value = []byte{}
	}

	if err := cache.cluster.Replicate(backups, inv.partition, inv.encoded, entry); err != nil {
		logger.Error("could not replicate restored entry", zap.Error(err))
	}
}

func (cache *Cache[K, V]) lock(ctx context.Context, node *cluster.Node, inv *invocation[K, V]) error {
	lockCtx := ctx

	if cache.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, cache.lockTimeout)
		defer cancel()
	}

	err := node.Locks().Lock(lockCtx, string(inv.encoded), inv.id)

	if err == context.DeadlineExceeded && ctx.Err() == nil {
		return txn.ErrLockTimeout
	}

	return err
}

// replicate brings the backups up to date with the primary's
// committed entry
func (cache *Cache[K, V]) replicate(logger *zap.Logger, inv *invocation[K, V], backups []*cluster.Node, committed kv.Entry, args Args) error {
	if cache.replication == ReplicationShip {
		return cache.cluster.Replicate(backups, inv.partition, inv.encoded, committed)
	}

	for _, backup := range backups {
		if err := backup.Reachable(); err != nil {
			logger.Warn("skipping unreachable backup", zap.String("node", string(backup.ID())))

			continue
		}

		image, err := cache.reexecute(backup, inv, committed, args)

		if err != nil {
			logger.Warn("re-execution on backup failed, shipping primary image", zap.String("node", string(backup.ID())), zap.Error(err))
			image = committed
		}

		if err := backup.Partition(inv.partition).Install(inv.encoded, image); err != nil {
			return fmt.Errorf("could not install entry on backup %s: %s", backup.ID(), err)
		}
	}

	return nil
}

// reexecute runs the invocation again against a backup's copy
// of the entry and returns the resulting entry stamped with the
// primary's version. Side effects go through the guard, which
// already holds them from the primary's execution.
func (cache *Cache[K, V]) reexecute(backup *cluster.Node, inv *invocation[K, V], committed kv.Entry, args Args) (kv.Entry, error) {
	current, err := backup.Partition(inv.partition).Read(inv.encoded)

	if err != nil {
		return kv.Entry{}, err
	}

	entry, outcome := cache.process(inv, current, args)

	if entry == nil {
		return kv.Entry{}, outcome.Err
	}

	if err := cache.guard.run(context.Background(), inv.id, entry.effects); err != nil {
		return kv.Entry{}, err
	}

	write, ok, err := entry.write(cache.codec, inv.encoded, current.Version)

	if err != nil {
		return kv.Entry{}, err
	}

	if !ok {
		return kv.Entry{}, fmt.Errorf("backup execution made no change")
	}

	return kv.Entry{Value: write.Value, Version: committed.Version, Exists: !write.Delete}, nil
}
