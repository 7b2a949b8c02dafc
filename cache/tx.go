package cache

import (
	"context"

	"github.com/jrife/plover/txn"
	"github.com/jrife/plover/utils/log"
	"go.uber.org/zap"
)

// invokeTx runs one invocation inside tx. The processor sees the
// transaction's view of the entry and its change is staged in the
// transaction. Side effects are deferred until commit so that a
// transaction that rolls back leaves none behind.
//
// Routing errors are returned so the invocation can be retried.
// Any other transaction error rolls tx back and is returned.
func (cache *Cache[K, V]) invokeTx(ctx context.Context, tx *txn.Tx, inv *invocation[K, V], args Args) (Outcome, error) {
	ctx = log.WithInvocation(ctx, inv.id)
	logger := log.WithContext(ctx, cache.logger)

	current, err := tx.Entry(ctx, inv.partition, inv.encoded)

	if err != nil {
		return Outcome{}, err
	}

	entry, outcome := cache.process(inv, current, args)

	if entry == nil {
		return outcome, nil
	}

	write, ok, err := entry.write(cache.codec, inv.encoded, current.Version)

	if err != nil {
		return failureOutcome(err), nil
	}

	if len(entry.effects) > 0 {
		effects := entry.effects

		if err := tx.BeforeCommit(func(ctx context.Context) error { return cache.guard.run(ctx, inv.id, effects) }); err != nil {
			return Outcome{}, err
		}
	}

	if ok {
		if err := tx.Stage(inv.encoded, write.Value, write.Delete); err != nil {
			return Outcome{}, err
		}

		logger.Debug("staged", zap.Bool("delete", write.Delete))
	}

	return outcome, nil
}
