package cache

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jrife/plover/affinity"
	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/txn"
	"github.com/jrife/plover/utils/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// group is the set of keys of one batch that share
// a primary node and a partition
type group struct {
	groupKey
	indexes []int
}

type groupKey struct {
	node      affinity.NodeID
	partition uint32
}

// execute runs one invocation per key and returns the outcomes
// in key order. Without a transaction keys are grouped by primary
// node and partition and groups run in parallel on the worker
// pool. Inside a transaction keys run one after the other in
// encoded key order so that pessimistic locks are always taken
// in the same order.
//
// Keys whose primary cannot be reached are retried against a
// fresh topology. Keys still unroutable after the last attempt
// fail with a *RoutingError.
func (cache *Cache[K, V]) execute(ctx context.Context, tx *txn.Tx, keys []K, processorOf func(K) Processor[K, V], args Args) ([]Outcome, error) {
	if tx != nil {
		ctx = log.WithTx(ctx, tx.ID())
	}

	logger := log.WithContext(ctx, cache.logger)
	outcomes := make([]Outcome, len(keys))
	invocations := make([]*invocation[K, V], len(keys))
	var pending []int

	for i, key := range keys {
		inv, err := cache.newInvocation(key, processorOf(key))

		if err != nil {
			outcomes[i] = failureOutcome(err)

			continue
		}

		invocations[i] = inv
		pending = append(pending, i)
	}

	for attempt := 1; len(pending) > 0; attempt++ {
		var retry []int
		var lastErr error
		var err error

		if tx != nil {
			retry, lastErr, err = cache.runTx(ctx, logger, tx, invocations, pending, outcomes, args)
		} else {
			retry, lastErr, err = cache.runAtomic(ctx, invocations, pending, outcomes, args)
		}

		if err != nil {
			return nil, err
		}

		if len(retry) == 0 {
			break
		}

		if attempt >= cache.maxRoutingAttempts {
			for _, i := range retry {
				outcomes[i] = failureOutcome(&RoutingError{Attempts: attempt, cause: lastErr})
				cache.metrics.failures.WithLabelValues("routing").Inc()
			}

			break
		}

		logger.Debug("retrying unroutable keys", zap.Int("keys", len(retry)), zap.Int("attempt", attempt), zap.Error(lastErr))
		cache.metrics.routingRetries.Add(float64(len(retry)))

		if err := sleep(ctx, cache.routingBackoff); err != nil {
			return nil, err
		}

		pending = retry
	}

	return outcomes, nil
}

// runAtomic runs one attempt of every pending invocation outside a
// transaction. It returns the invocations that hit a routing error,
// the last routing error seen and any error that aborts the call.
func (cache *Cache[K, V]) runAtomic(ctx context.Context, invocations []*invocation[K, V], pending []int, outcomes []Outcome, args Args) ([]int, error, error) {
	topology := cache.cluster.Topology()
	groups := map[groupKey]*group{}
	var order []*group
	var mu sync.Mutex
	var retry []int
	var lastErr error

	fail := func(i int, err error) {
		mu.Lock()
		defer mu.Unlock()

		retry = append(retry, i)
		lastErr = err
	}

	for _, i := range pending {
		primary, _, err := cache.cluster.Route(topology, invocations[i].partition)

		if err != nil {
			fail(i, err)

			continue
		}

		key := groupKey{node: primary.ID(), partition: invocations[i].partition}
		g, ok := groups[key]

		if !ok {
			g = &group{groupKey: key}
			groups[key] = g
			order = append(order, g)
		}

		g.indexes = append(g.indexes, i)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(cache.workers)

	for _, g := range order {
		g := g

		eg.Go(func() error {
			for _, i := range g.indexes {
				outcome, err := cache.invokeAtomic(egCtx, topology, invocations[i], args)

				switch {
				case isRoutingError(err):
					fail(i, err)
				case err == context.Canceled || err == context.DeadlineExceeded:
					return err
				case err != nil:
					outcomes[i] = failureOutcome(err)
					cache.metrics.observe("atomic", outcomes[i])
				default:
					outcomes[i] = outcome
					cache.metrics.observe("atomic", outcome)
				}
			}

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		return nil, nil, err
	}

	sort.Ints(retry)

	return retry, lastErr, nil
}

// runTx runs one attempt of every pending invocation inside tx in
// encoded key order
func (cache *Cache[K, V]) runTx(ctx context.Context, logger *zap.Logger, tx *txn.Tx, invocations []*invocation[K, V], pending []int, outcomes []Outcome, args Args) ([]int, error, error) {
	ordered := append([]int{}, pending...)

	sort.Slice(ordered, func(a, b int) bool {
		return bytes.Compare(invocations[ordered[a]].encoded, invocations[ordered[b]].encoded) < 0
	})

	var retry []int
	var lastErr error

	for _, i := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		outcome, err := cache.invokeTx(ctx, tx, invocations[i], args)

		if isRoutingError(err) {
			retry = append(retry, i)
			lastErr = err

			continue
		}

		if err != nil {
			if err != txn.ErrTxNotActive {
				logger.Debug("rolling back transaction", zap.Error(err))
				tx.Rollback()
			}

			return nil, nil, err
		}

		outcomes[i] = outcome
		cache.metrics.observe("tx", outcome)
	}

	sort.Ints(retry)

	return retry, lastErr, nil
}

func isRoutingError(err error) bool {
	return errors.Is(err, cluster.ErrUnreachable) || errors.Is(err, cluster.ErrNoOwner) || errors.Is(err, cluster.ErrStaleTopology)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
