package cluster

import (
	"errors"
	"sync"

	"github.com/jrife/plover/affinity"
	"github.com/jrife/plover/storage/kv"
	"go.uber.org/zap"
)

var (
	// ErrUnreachable is returned when a node cannot be reached.
	// Callers may retry against a fresh topology.
	ErrUnreachable = errors.New("node is unreachable")
)

// Node is one member of the cluster. It holds a copy of
// every partition it is primary or backup for and the
// per-key locks for the keys it is primary for.
type Node struct {
	id     affinity.NodeID
	store  kv.RootStore
	locks  *LockMap
	logger *zap.Logger

	mu     sync.Mutex
	down   bool
	faults int
}

func newNode(id affinity.NodeID, store kv.RootStore, logger *zap.Logger) *Node {
	return &Node{
		id:     id,
		store:  store,
		locks:  NewLockMap(),
		logger: logger.With(zap.String("node", string(id))),
	}
}

// ID returns the node id
func (node *Node) ID() affinity.NodeID {
	return node.id
}

// Partition returns this node's copy of partition
func (node *Node) Partition(partition uint32) kv.Partition {
	return node.store.Partition(partition)
}

// Locks returns the lock map for keys this node is primary for
func (node *Node) Locks() *LockMap {
	return node.locks
}

// Reachable returns ErrUnreachable if the node is down
// or an injected fault is pending. Each call consumes
// one pending fault.
func (node *Node) Reachable() error {
	node.mu.Lock()
	defer node.mu.Unlock()

	if node.down {
		return ErrUnreachable
	}

	if node.faults > 0 {
		node.faults--
		node.logger.Debug("injected fault", zap.Int("remaining", node.faults))

		return ErrUnreachable
	}

	return nil
}

// InjectFaults makes the next n calls to Reachable fail
func (node *Node) InjectFaults(n int) {
	node.mu.Lock()
	defer node.mu.Unlock()

	node.faults = n
}

// Down reports whether the node was stopped
func (node *Node) Down() bool {
	node.mu.Lock()
	defer node.mu.Unlock()

	return node.down
}

func (node *Node) setDown(down bool) {
	node.mu.Lock()
	defer node.mu.Unlock()

	node.down = down
}
