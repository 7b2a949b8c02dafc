package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/jrife/plover/affinity"
	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/txn"
	"github.com/jrife/plover/utils/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ReplicationMode selects how a primary brings its
// backups up to date after an atomic invocation
type ReplicationMode int

const (
	// ReplicationShip copies the primary's post-image of the
	// entry to every backup
	ReplicationShip ReplicationMode = iota
	// ReplicationReexecute runs the processor again on each
	// backup's copy under the same invocation id
	ReplicationReexecute
)

func (mode ReplicationMode) String() string {
	switch mode {
	case ReplicationShip:
		return "ship"
	case ReplicationReexecute:
		return "reexecute"
	}

	return fmt.Sprintf("ReplicationMode(%d)", int(mode))
}

// ParseReplicationMode parses the name of a replication mode
func ParseReplicationMode(s string) (ReplicationMode, error) {
	switch s {
	case "ship", "":
		return ReplicationShip, nil
	case "reexecute":
		return ReplicationReexecute, nil
	}

	return 0, fmt.Errorf("unknown replication mode %q", s)
}

const (
	DefaultWorkers            = 8
	DefaultMaxRoutingAttempts = 3
	DefaultRoutingBackoff     = 10 * time.Millisecond
)

// Config configures a Cache
type Config struct {
	// Name namespaces the cache's keys inside the cluster
	Name    string
	Cluster *cluster.Cluster
	// Guard deduplicates side effects. A guard over the
	// cluster's metadata store is created if it is nil.
	Guard *Guard
	// Workers bounds how many partition groups of one
	// batch run at the same time
	Workers int
	// MaxRoutingAttempts bounds how many times a key is
	// submitted before it fails with a *RoutingError
	MaxRoutingAttempts int
	// RoutingBackoff is the pause between routing attempts
	RoutingBackoff time.Duration
	// LockTimeout bounds how long an atomic invocation waits
	// for its key lock. Zero means wait until the context is
	// done.
	LockTimeout time.Duration
	Replication ReplicationMode
	Registerer  prometheus.Registerer
	Logger      *zap.Logger
}

// Cache runs processors against typed entries stored in
// a cluster. Every processor runs on the primary of the
// partition that owns its key.
type Cache[K comparable, V any] struct {
	name               string
	cluster            *cluster.Cluster
	guard              *Guard
	codec              codec[K, V]
	workers            int
	maxRoutingAttempts int
	routingBackoff     time.Duration
	lockTimeout        time.Duration
	replication        ReplicationMode
	metrics            *metrics
	logger             *zap.Logger
}

// New creates a cache
func New[K comparable, V any](config Config) (*Cache[K, V], error) {
	if config.Name == "" {
		return nil, fmt.Errorf("name is required")
	}

	if config.Cluster == nil {
		return nil, fmt.Errorf("cluster is required")
	}

	if config.Logger == nil {
		config.Logger = zap.L()
	}

	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}

	if config.MaxRoutingAttempts <= 0 {
		config.MaxRoutingAttempts = DefaultMaxRoutingAttempts
	}

	if config.Guard == nil {
		config.Guard = NewGuard(GuardConfig{Ledger: config.Cluster.Metadata(GuardPartition), Logger: config.Logger})
	}

	cache := &Cache[K, V]{
		name:               config.Name,
		cluster:            config.Cluster,
		guard:              config.Guard,
		codec:              newCodec[K, V](config.Name),
		workers:            config.Workers,
		maxRoutingAttempts: config.MaxRoutingAttempts,
		routingBackoff:     config.RoutingBackoff,
		lockTimeout:        config.LockTimeout,
		replication:        config.Replication,
		metrics:            newMetrics(config.Name),
		logger:             config.Logger.With(zap.String("cache", config.Name)),
	}

	if config.Registerer != nil {
		if err := cache.metrics.register(config.Registerer); err != nil {
			return nil, fmt.Errorf("could not register metrics: %s", err)
		}
	}

	return cache, nil
}

// Name returns the cache name
func (cache *Cache[K, V]) Name() string {
	return cache.name
}

// Partition returns the partition that owns key
func (cache *Cache[K, V]) Partition(key K) (uint32, error) {
	affinityKey, err := cache.codec.affinityKey(key)

	if err != nil {
		return 0, err
	}

	return cache.cluster.Affinity().Partition(affinityKey), nil
}

// Invoke runs processor against key and returns its result. The
// returned result is never nil, even if the processor had no
// result. Processor failures are reported by Result.Get. The
// error is only set when the call as a whole failed: ctx was
// cancelled or tx could not continue.
//
// tx may be nil, in which case the invocation is atomic on its
// own. Otherwise it joins the transaction and its changes become
// visible when the transaction commits.
func (cache *Cache[K, V]) Invoke(ctx context.Context, tx *txn.Tx, key K, processor Processor[K, V], args ...interface{}) (*Result, error) {
	logger := log.WithContext(ctx, cache.logger).With(zap.String("operation", "Invoke"))
	logger.Debug("start", zap.Any("key", key))

	outcomes, err := cache.execute(ctx, tx, []K{key}, func(K) Processor[K, V] { return processor }, Args(args))

	if err != nil {
		logger.Debug("return", zap.Error(err))

		return nil, err
	}

	logger.Debug("return", zap.Stringer("outcome", outcomes[0].Kind))

	return &Result{outcome: outcomes[0]}, nil
}

// InvokeAsync is the asynchronous form of Invoke
func (cache *Cache[K, V]) InvokeAsync(ctx context.Context, tx *txn.Tx, key K, processor Processor[K, V], args ...interface{}) *Future[*Result] {
	return newFuture(ctx, func(ctx context.Context) (*Result, error) {
		return cache.Invoke(ctx, tx, key, processor, args...)
	})
}

// InvokeAll runs processor against every key. The result map has
// an entry for a key iff its processor returned a result or failed.
// One key's failure never affects the others.
func (cache *Cache[K, V]) InvokeAll(ctx context.Context, tx *txn.Tx, keys []K, processor Processor[K, V], args ...interface{}) (map[K]*Result, error) {
	logger := log.WithContext(ctx, cache.logger).With(zap.String("operation", "InvokeAll"))
	logger.Debug("start", zap.Int("keys", len(keys)))

	keys = distinct(keys)
	outcomes, err := cache.execute(ctx, tx, keys, func(K) Processor[K, V] { return processor }, Args(args))

	if err != nil {
		logger.Debug("return", zap.Error(err))

		return nil, err
	}

	results := aggregate(keys, outcomes)
	logger.Debug("return", zap.Int("results", len(results)))

	return results, nil
}

// InvokeAllAsync is the asynchronous form of InvokeAll
func (cache *Cache[K, V]) InvokeAllAsync(ctx context.Context, tx *txn.Tx, keys []K, processor Processor[K, V], args ...interface{}) *Future[map[K]*Result] {
	return newFuture(ctx, func(ctx context.Context) (map[K]*Result, error) {
		return cache.InvokeAll(ctx, tx, keys, processor, args...)
	})
}

// InvokeAllMap runs each key's own processor against it. All
// processors receive the same arguments. The result map follows
// the same rules as InvokeAll.
func (cache *Cache[K, V]) InvokeAllMap(ctx context.Context, tx *txn.Tx, processors map[K]Processor[K, V], args ...interface{}) (map[K]*Result, error) {
	logger := log.WithContext(ctx, cache.logger).With(zap.String("operation", "InvokeAllMap"))
	logger.Debug("start", zap.Int("keys", len(processors)))

	keys := make([]K, 0, len(processors))

	for key := range processors {
		keys = append(keys, key)
	}

	outcomes, err := cache.execute(ctx, tx, keys, func(key K) Processor[K, V] { return processors[key] }, Args(args))

	if err != nil {
		logger.Debug("return", zap.Error(err))

		return nil, err
	}

	results := aggregate(keys, outcomes)
	logger.Debug("return", zap.Int("results", len(results)))

	return results, nil
}

// InvokeAllMapAsync is the asynchronous form of InvokeAllMap
func (cache *Cache[K, V]) InvokeAllMapAsync(ctx context.Context, tx *txn.Tx, processors map[K]Processor[K, V], args ...interface{}) *Future[map[K]*Result] {
	return newFuture(ctx, func(ctx context.Context) (map[K]*Result, error) {
		return cache.InvokeAllMap(ctx, tx, processors, args...)
	})
}

// PrimaryKeys returns the candidates whose primary is node
func (cache *Cache[K, V]) PrimaryKeys(node affinity.NodeID, candidates []K) []K {
	topology := cache.cluster.Topology()

	return cache.filterKeys(candidates, func(partition uint32) bool {
		return topology.IsPrimary(node, partition)
	})
}

// BackupKeys returns the candidates that node holds a backup of
func (cache *Cache[K, V]) BackupKeys(node affinity.NodeID, candidates []K) []K {
	topology := cache.cluster.Topology()

	return cache.filterKeys(candidates, func(partition uint32) bool {
		return topology.IsPrimaryOrBackup(node, partition) && !topology.IsPrimary(node, partition)
	})
}

func (cache *Cache[K, V]) filterKeys(candidates []K, keep func(partition uint32) bool) []K {
	var keys []K

	for _, key := range candidates {
		partition, err := cache.Partition(key)

		if err == nil && keep(partition) {
			keys = append(keys, key)
		}
	}

	return keys
}

func distinct[K comparable](keys []K) []K {
	seen := make(map[K]bool, len(keys))
	result := make([]K, 0, len(keys))

	for _, key := range keys {
		if !seen[key] {
			seen[key] = true
			result = append(result, key)
		}
	}

	return result
}
