package txn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/storage/kv"
	"github.com/jrife/plover/utils/log"
	"github.com/jrife/plover/utils/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	// ErrTxNotActive is returned by operations on a
	// transaction that already committed or rolled back
	ErrTxNotActive = errors.New("transaction is not active")
	// ErrLockTimeout is returned when a key lock could not
	// be acquired before the lock timeout expired
	ErrLockTimeout = errors.New("timed out waiting for key lock")
	// ErrEntryConflict is returned by Commit when an entry
	// read by an optimistic transaction was changed by
	// someone else before the transaction committed
	ErrEntryConflict = errors.New("entry was modified concurrently")
	// ErrUnsupportedIsolation is returned by Begin for any
	// isolation level other than RepeatableRead
	ErrUnsupportedIsolation = errors.New("unsupported isolation level")
)

// Concurrency selects how a transaction protects the
// entries it touches
type Concurrency int

const (
	// Optimistic transactions take no locks until commit and
	// validate entry versions at commit time
	Optimistic Concurrency = iota
	// Pessimistic transactions lock each key on first access
	// and hold the lock until commit or rollback
	Pessimistic
)

func (concurrency Concurrency) String() string {
	switch concurrency {
	case Optimistic:
		return "optimistic"
	case Pessimistic:
		return "pessimistic"
	}

	return fmt.Sprintf("Concurrency(%d)", int(concurrency))
}

// Isolation is a transaction isolation level
type Isolation int

const (
	// RepeatableRead guarantees that a key read twice within
	// a transaction returns the same value both times unless
	// the transaction itself changed it
	RepeatableRead Isolation = iota
)

// State is the lifecycle state of a transaction
type State int

const (
	Idle State = iota
	Active
	Committing
	Committed
	RollingBack
	RolledBack
)

func (state State) String() string {
	switch state {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case RollingBack:
		return "rolling-back"
	case RolledBack:
		return "rolled-back"
	}

	return fmt.Sprintf("State(%d)", int(state))
}

// ManagerConfig configures a Manager
type ManagerConfig struct {
	Cluster *cluster.Cluster
	// LockTimeout bounds how long a transaction waits for
	// a key lock. Zero means wait until the context is done.
	LockTimeout time.Duration
	// Registerer receives the manager's metrics if it is set
	Registerer prometheus.Registerer
	Logger     *zap.Logger
}

// Manager begins transactions against a cluster
type Manager struct {
	cluster     *cluster.Cluster
	lockTimeout time.Duration
	logger      *zap.Logger
	commits     *prometheus.CounterVec
}

// NewManager creates a Manager
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Cluster == nil {
		return nil, fmt.Errorf("cluster is required")
	}

	if config.Logger == nil {
		config.Logger = zap.L()
	}

	manager := &Manager{
		cluster:     config.Cluster,
		lockTimeout: config.LockTimeout,
		logger:      config.Logger,
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plover",
			Subsystem: "txn",
			Name:      "commits_total",
			Help:      "Transactions that finished, by result",
		}, []string{"result"}),
	}

	if config.Registerer != nil {
		if err := config.Registerer.Register(manager.commits); err != nil {
			return nil, fmt.Errorf("could not register metrics: %s", err)
		}
	}

	return manager, nil
}

// Begin starts a new transaction
func (manager *Manager) Begin(ctx context.Context, concurrency Concurrency, isolation Isolation) (*Tx, error) {
	if isolation != RepeatableRead {
		return nil, ErrUnsupportedIsolation
	}

	if concurrency != Optimistic && concurrency != Pessimistic {
		return nil, fmt.Errorf("unknown concurrency mode %s", concurrency)
	}

	tx := &Tx{
		id:          uuid.MustUUID(),
		manager:     manager,
		concurrency: concurrency,
		entries:     map[string]*txEntry{},
		locks:       map[string]*cluster.Node{},
	}

	tx.logger = manager.logger.With(zap.String("tx", tx.id), zap.Stringer("concurrency", concurrency))
	tx.state = Active
	log.WithContext(ctx, tx.logger).Debug("begin")

	return tx, nil
}

type txEntry struct {
	partition uint32
	key       []byte
	// read is the committed entry seen on first access
	read kv.Entry
	// current is the transaction's view of the entry
	current kv.Entry
	dirty   bool
}

// Tx is an explicit transaction. It tracks a snapshot of
// every entry it touches so that reads are repeatable and
// applies all staged mutations together on Commit.
type Tx struct {
	id          string
	manager     *Manager
	concurrency Concurrency
	logger      *zap.Logger

	mu      sync.Mutex
	state   State
	entries map[string]*txEntry
	hooks   []func(ctx context.Context) error
	// locks maps a key to the node it is locked on
	locks map[string]*cluster.Node
}

// ID returns the transaction id. It is also the
// owner of every key lock the transaction holds.
func (tx *Tx) ID() string {
	return tx.id
}

// Concurrency returns the transaction's concurrency mode
func (tx *Tx) Concurrency() Concurrency {
	return tx.concurrency
}

// State returns the transaction's current state
func (tx *Tx) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	return tx.state
}

// Entry returns the transaction's view of key. The first access
// reads the committed entry from the key's primary, locking it
// first in pessimistic mode. Later accesses return the recorded
// view, including anything staged by this transaction.
func (tx *Tx) Entry(ctx context.Context, partition uint32, key []byte) (kv.Entry, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return kv.Entry{}, ErrTxNotActive
	}

	if entry, ok := tx.entries[string(key)]; ok {
		return copyEntry(entry.current), nil
	}

	primary, _, err := tx.manager.cluster.Route(tx.manager.cluster.Topology(), partition)

	if err != nil {
		return kv.Entry{}, err
	}

	if err := primary.Reachable(); err != nil {
		return kv.Entry{}, err
	}

	if tx.concurrency == Pessimistic {
		if err := tx.lock(ctx, primary, key); err != nil {
			return kv.Entry{}, err
		}
	}

	read, err := primary.Partition(partition).Read(key)

	if err != nil {
		return kv.Entry{}, fmt.Errorf("could not read key from %s: %s", primary.ID(), err)
	}

	tx.entries[string(key)] = &txEntry{partition: partition, key: key, read: read, current: copyEntry(read)}

	return read, nil
}

// Stage records a mutation of key in the transaction's view.
// Entry must have been called for key first.
func (tx *Tx) Stage(key []byte, value []byte, remove bool) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return ErrTxNotActive
	}

	entry, ok := tx.entries[string(key)]

	if !ok {
		return fmt.Errorf("key %q was never read by this transaction", key)
	}

	entry.dirty = true

	if remove {
		entry.current = kv.Entry{Version: entry.current.Version}
	} else {
		entry.current = kv.Entry{Value: append([]byte{}, value...), Version: entry.current.Version, Exists: true}
	}

	return nil
}

// BeforeCommit registers a hook that runs during Commit once
// every entry is written and before the transaction is
// Committed. If a hook fails the writes are undone and the
// transaction rolls back. Hooks run with the topology pinned
// and must not call Cluster.Topology.
func (tx *Tx) BeforeCommit(hook func(ctx context.Context) error) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return ErrTxNotActive
	}

	tx.hooks = append(tx.hooks, hook)

	return nil
}

// Rollback discards every staged mutation and releases all
// locks. Rolling back a rolled back transaction is a no-op.
func (tx *Tx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state == RolledBack {
		return nil
	}

	if tx.state != Active {
		return ErrTxNotActive
	}

	tx.state = RollingBack
	tx.finish(RolledBack)
	tx.manager.commits.WithLabelValues("rollback").Inc()
	tx.logger.Debug("rolled back")

	return nil
}

// finish releases locks and drops the transaction's view.
// tx.mu must be held.
func (tx *Tx) finish(state State) {
	for key, node := range tx.locks {
		node.Locks().Unlock(key, tx.id)
	}

	tx.locks = map[string]*cluster.Node{}
	tx.entries = map[string]*txEntry{}
	tx.hooks = nil
	tx.state = state
}

// lock acquires the lock for key on node, waiting at most
// the manager's lock timeout. tx.mu must be held.
func (tx *Tx) lock(ctx context.Context, node *cluster.Node, key []byte) error {
	if held, ok := tx.locks[string(key)]; ok && held == node {
		return nil
	}

	lockCtx := ctx

	if tx.manager.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, tx.manager.lockTimeout)
		defer cancel()
	}

	if err := node.Locks().Lock(lockCtx, string(key), tx.id); err != nil {
		if ctx.Err() == nil && err == context.DeadlineExceeded {
			return ErrLockTimeout
		}

		return err
	}

	if held, ok := tx.locks[string(key)]; ok {
		held.Locks().Unlock(string(key), tx.id)
	}

	tx.locks[string(key)] = node

	return nil
}

// sortedEntries returns the entries in key order.
// tx.mu must be held.
func (tx *Tx) sortedEntries() []*txEntry {
	entries := make([]*txEntry, 0, len(tx.entries))

	for _, entry := range tx.entries {
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return string(entries[i].key) < string(entries[j].key)
	})

	return entries
}

func copyEntry(entry kv.Entry) kv.Entry {
	if entry.Value != nil {
		entry.Value = append([]byte{}, entry.Value...)
	}

	return entry
}
