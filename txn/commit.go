package txn

import (
	"context"
	"fmt"
	"sort"

	"github.com/jrife/plover/affinity"
	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/storage/kv"
	"github.com/jrife/plover/utils/log"
	"go.uber.org/zap"
)

type partitionWrites struct {
	partition uint32
	primary   *cluster.Node
	backups   []*cluster.Node
	entries   []*txEntry
}

// prepareAttempts bounds how many times Commit prepares again
// because the topology changed under it
const prepareAttempts = 3

// Commit applies every staged mutation as one unit. It runs in
// two phases. The prepare phase locks every entry on its current
// primary in key order and validates that nothing changed since
// the transaction first read it. The apply phase writes each
// partition's mutations as a batch, undoing earlier partitions if
// a later one fails, runs the commit hooks, then copies the
// results to backups.
//
// Whatever the result, the transaction is finished when Commit
// returns: Committed on success and RolledBack otherwise. Once
// every write is applied and every hook has run the transaction
// is Committed even if some backup could not be updated.
func (tx *Tx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	logger := log.WithContext(ctx, tx.logger).With(zap.String("operation", "Commit"))
	logger.Debug("start", zap.Int("entries", len(tx.entries)))

	if tx.state != Active {
		logger.Debug("return", zap.Error(ErrTxNotActive))

		return ErrTxNotActive
	}

	tx.state = Committing
	err := tx.commit(ctx, logger)

	if err != nil {
		tx.state = RollingBack
		tx.finish(RolledBack)
		tx.manager.commits.WithLabelValues("rollback").Inc()
	} else {
		tx.finish(Committed)
		tx.manager.commits.WithLabelValues("commit").Inc()
	}

	logger.Debug("return", zap.Error(err))

	return err
}

// tx.mu must be held
func (tx *Tx) commit(ctx context.Context, logger *zap.Logger) error {
	groups, release, err := tx.pin(ctx, logger)

	if err != nil {
		return err
	}

	defer release()

	var applied []partitionWrites

	undo := func() {
		for _, done := range applied {
			tx.undo(done, logger)
		}
	}

	for _, group := range groups {
		if err := tx.apply(group); err != nil {
			logger.Warn("could not apply partition, undoing", zap.Uint32("partition", group.partition), zap.Error(err))
			undo()

			return err
		}

		applied = append(applied, group)
	}

	for i, hook := range tx.hooks {
		if err := hook(ctx); err != nil {
			undo()

			return fmt.Errorf("commit hook %d failed: %w", i, err)
		}
	}

	for _, group := range applied {
		if err := tx.replicate(group); err != nil {
			logger.Error("could not replicate committed entries", zap.Uint32("partition", group.partition), zap.Error(err))
		}
	}

	return nil
}

// pin prepares the transaction and pins the topology it was
// prepared with. It prepares again if the topology changed in
// between. tx.mu must be held.
func (tx *Tx) pin(ctx context.Context, logger *zap.Logger) ([]partitionWrites, func(), error) {
	for attempt := 1; ; attempt++ {
		topology := tx.manager.cluster.Topology()
		groups, err := tx.prepare(ctx, topology)

		if err != nil {
			return nil, nil, err
		}

		release, err := tx.manager.cluster.Pin(topology)

		if err == nil {
			return groups, release, nil
		}

		if attempt >= prepareAttempts {
			return nil, nil, err
		}

		logger.Debug("topology changed during prepare, retrying", zap.Int("attempt", attempt))
	}
}

func (tx *Tx) replicate(group partitionWrites) error {
	for _, entry := range group.entries {
		committed, err := group.primary.Partition(group.partition).Read(entry.key)

		if err != nil {
			return fmt.Errorf("could not read committed entry: %s", err)
		}

		if err := tx.manager.cluster.Replicate(group.backups, group.partition, entry.key, committed); err != nil {
			return err
		}
	}

	return nil
}

// prepare locks and validates every entry and groups dirty
// entries by partition. tx.mu must be held.
func (tx *Tx) prepare(ctx context.Context, topology affinity.Topology) ([]partitionWrites, error) {
	groups := map[uint32]*partitionWrites{}

	for _, entry := range tx.sortedEntries() {
		primary, backups, err := tx.manager.cluster.Route(topology, entry.partition)

		if err != nil {
			return nil, err
		}

		if err := primary.Reachable(); err != nil {
			return nil, err
		}

		if err := tx.lock(ctx, primary, entry.key); err != nil {
			return nil, err
		}

		committed, err := primary.Partition(entry.partition).Read(entry.key)

		if err != nil {
			return nil, fmt.Errorf("could not read key from %s: %s", primary.ID(), err)
		}

		if committed.Version != entry.read.Version {
			tx.logger.Debug("conflict", zap.ByteString("key", entry.key), zap.Uint64("read", entry.read.Version), zap.Uint64("committed", committed.Version))

			return nil, ErrEntryConflict
		}

		if !entry.dirty {
			continue
		}

		group, ok := groups[entry.partition]

		if !ok {
			group = &partitionWrites{partition: entry.partition, primary: primary, backups: backups}
			groups[entry.partition] = group
		}

		group.entries = append(group.entries, entry)
	}

	result := make([]partitionWrites, 0, len(groups))

	for _, group := range groups {
		result = append(result, *group)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].partition < result[j].partition })

	return result, nil
}

func (tx *Tx) apply(group partitionWrites) error {
	writes := make([]kv.Write, len(group.entries))

	for i, entry := range group.entries {
		writes[i] = kv.Write{
			Key:             entry.key,
			Value:           entry.current.Value,
			Delete:          !entry.current.Exists,
			ExpectedVersion: entry.read.Version,
		}
	}

	if _, err := group.primary.Partition(group.partition).Batch(writes); err != nil {
		if err == kv.ErrConflict {
			return ErrEntryConflict
		}

		return fmt.Errorf("could not apply writes to partition %d: %s", group.partition, err)
	}

	return nil
}

// undo restores the entries of an applied partition to exactly
// what they were when the transaction read them. The entries are
// still locked so nobody else can have written them since.
func (tx *Tx) undo(group partitionWrites, logger *zap.Logger) {
	for _, entry := range group.entries {
		if err := group.primary.Partition(group.partition).Install(entry.key, entry.read); err != nil {
			logger.Error("could not undo write", zap.ByteString("key", entry.key), zap.Error(err))
		}
	}
}
