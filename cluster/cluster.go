package cluster

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/jrife/plover/affinity"
	"github.com/jrife/plover/storage/kv"
	"go.uber.org/zap"
)

var (
	// ErrNoOwner is returned when no live node owns a partition
	ErrNoOwner = errors.New("partition has no live owner")
	// ErrNoSuchNode is returned when a node id is not part of the cluster
	ErrNoSuchNode = errors.New("no such node")
	// ErrStaleTopology is returned by Pin when the topology changed
	// after the caller routed with it. Callers may retry against a
	// fresh topology.
	ErrStaleTopology = errors.New("topology changed since routing")
)

// Config configures a Cluster
type Config struct {
	// Nodes is the number of nodes to start
	Nodes int
	// Partitions is the number of affinity partitions
	Partitions uint32
	// Backups is the number of backup copies kept per partition
	Backups int
	// Plugin is the storage plugin used for every node's
	// root store. The in-memory plugin is used if it is nil.
	Plugin kv.Plugin
	// DataDir is where durable plugins keep their files.
	// Each node gets <DataDir>/<node>.db. Temporary stores
	// are used if it is empty.
	DataDir string
	Logger  *zap.Logger
}

// Cluster is a set of in-process nodes sharing one
// affinity function. Nodes can be stopped and started
// to change the topology.
type Cluster struct {
	fn       *affinity.Function
	logger   *zap.Logger
	temp     bool
	nodes    map[affinity.NodeID]*Node
	ids      []affinity.NodeID
	metadata kv.RootStore

	mu      sync.RWMutex
	version uint64
}

// New builds a cluster and opens a root store for every node
// plus one for cluster metadata
func New(config Config) (*Cluster, error) {
	if config.Nodes <= 0 {
		return nil, fmt.Errorf("nodes must be positive, got %d", config.Nodes)
	}

	if config.Logger == nil {
		config.Logger = zap.L()
	}

	if config.Plugin == nil {
		config.Plugin = &kv.MemoryPlugin{}
	}

	cluster := &Cluster{
		fn:      affinity.New(config.Partitions, config.Backups),
		logger:  config.Logger,
		temp:    config.DataDir == "",
		nodes:   map[affinity.NodeID]*Node{},
		version: 1,
	}

	openStore := func(name string) (kv.RootStore, error) {
		if cluster.temp {
			return config.Plugin.NewTempRootStore()
		}

		return config.Plugin.NewRootStore(kv.PluginOptions{"path": filepath.Join(config.DataDir, name+".db")})
	}

	for i := 0; i < config.Nodes; i++ {
		id := affinity.NodeID(fmt.Sprintf("node-%d", i))
		store, err := openStore(string(id))

		if err != nil {
			cluster.Close()

			return nil, fmt.Errorf("could not open store for node %s: %s", id, err)
		}

		cluster.nodes[id] = newNode(id, store, config.Logger)
		cluster.ids = append(cluster.ids, id)
	}

	metadata, err := openStore("metadata")

	if err != nil {
		cluster.Close()

		return nil, fmt.Errorf("could not open metadata store: %s", err)
	}

	cluster.metadata = metadata
	cluster.logger.Info("cluster started",
		zap.Int("nodes", config.Nodes),
		zap.Uint32("partitions", cluster.fn.Partitions()),
		zap.Int("backups", cluster.fn.Backups()),
		zap.String("plugin", config.Plugin.Name()))

	return cluster, nil
}

// Affinity returns the affinity function shared by every node
func (cluster *Cluster) Affinity() *affinity.Function {
	return cluster.fn
}

// Topology returns a snapshot of the current set of live nodes
func (cluster *Cluster) Topology() affinity.Topology {
	cluster.mu.RLock()
	defer cluster.mu.RUnlock()

	return cluster.topology()
}

// cluster.mu must be held
func (cluster *Cluster) topology() affinity.Topology {
	live := make([]affinity.NodeID, 0, len(cluster.ids))

	for _, id := range cluster.ids {
		if !cluster.nodes[id].Down() {
			live = append(live, id)
		}
	}

	return affinity.NewTopology(cluster.fn, cluster.version, live)
}

// Node returns the node with this id
func (cluster *Cluster) Node(id affinity.NodeID) (*Node, bool) {
	node, ok := cluster.nodes[id]

	return node, ok
}

// Nodes returns every node, live or not, ordered by id
func (cluster *Cluster) Nodes() []*Node {
	nodes := make([]*Node, len(cluster.ids))

	for i, id := range cluster.ids {
		nodes[i] = cluster.nodes[id]
	}

	return nodes
}

// Route returns the primary and backups of partition
// according to topology
func (cluster *Cluster) Route(topology affinity.Topology, partition uint32) (*Node, []*Node, error) {
	owners := topology.Owners(partition)

	if len(owners) == 0 {
		return nil, nil, ErrNoOwner
	}

	backups := make([]*Node, 0, len(owners)-1)

	for _, id := range owners[1:] {
		backups = append(backups, cluster.nodes[id])
	}

	return cluster.nodes[owners[0]], backups, nil
}

// Metadata returns a partition of the cluster metadata
// store. It is shared by every node and is not affected
// by topology changes.
func (cluster *Cluster) Metadata(partition uint32) kv.Partition {
	return cluster.metadata.Partition(partition)
}

// Pin holds off topology changes until release is called. It
// returns ErrStaleTopology if topology is no longer current.
// Every write to a partition replica happens under a pin on the
// topology it was routed with, so Stop and Start copy partitions
// while no write is in flight. The caller must not call Topology,
// Stop or Start before releasing.
func (cluster *Cluster) Pin(topology affinity.Topology) (release func(), err error) {
	cluster.mu.RLock()

	if topology.Version() != cluster.version {
		cluster.mu.RUnlock()

		return nil, ErrStaleTopology
	}

	return cluster.mu.RUnlock, nil
}

// Stop takes a node out of the topology. Its partitions move
// to their next owners. Owners that gain a partition receive a
// copy of it from a surviving owner before the new topology is
// published.
func (cluster *Cluster) Stop(id affinity.NodeID) error {
	cluster.mu.Lock()
	defer cluster.mu.Unlock()

	node, ok := cluster.nodes[id]

	if !ok {
		return ErrNoSuchNode
	}

	if node.Down() {
		return nil
	}

	before := cluster.topology()
	node.setDown(true)

	if err := cluster.rebalance(before, cluster.topology()); err != nil {
		node.setDown(false)

		return fmt.Errorf("could not stop node %s: %s", id, err)
	}

	cluster.version++
	cluster.logger.Info("node stopped", zap.String("node", string(id)), zap.Uint64("topology", cluster.version))

	return nil
}

// Start brings a stopped node back. Before it rejoins it
// receives a copy of every partition it will own from
// that partition's current primary.
func (cluster *Cluster) Start(id affinity.NodeID) error {
	cluster.mu.Lock()
	defer cluster.mu.Unlock()

	node, ok := cluster.nodes[id]

	if !ok {
		return ErrNoSuchNode
	}

	if !node.Down() {
		return nil
	}

	before := cluster.topology()
	node.setDown(false)
	after := cluster.topology()
	node.setDown(true)

	if err := cluster.rebalance(before, after); err != nil {
		return fmt.Errorf("could not start node %s: %s", id, err)
	}

	node.setDown(false)
	cluster.version++
	cluster.logger.Info("node started", zap.String("node", string(id)), zap.Uint64("topology", cluster.version))

	return nil
}

// rebalance copies every partition to the owners it gains going
// from before to after. The source is the first owner in before
// that is still live in after. Partitions with no such owner are
// skipped. cluster.mu must be held for writing.
func (cluster *Cluster) rebalance(before affinity.Topology, after affinity.Topology) error {
	live := map[affinity.NodeID]bool{}

	for _, id := range after.Nodes() {
		live[id] = true
	}

	for p := uint32(0); p < cluster.fn.Partitions(); p++ {
		held := map[affinity.NodeID]bool{}
		var source affinity.NodeID

		for _, id := range before.Owners(p) {
			held[id] = true

			if source == "" && live[id] {
				source = id
			}
		}

		if source == "" {
			continue
		}

		for _, id := range after.Owners(p) {
			if held[id] {
				continue
			}

			if err := cluster.copyPartition(cluster.nodes[source], cluster.nodes[id], p); err != nil {
				return fmt.Errorf("could not copy partition %d from %s to %s: %s", p, source, id, err)
			}

			cluster.logger.Debug("copied partition", zap.Uint32("partition", p), zap.String("from", string(source)), zap.String("to", string(id)))
		}
	}

	return nil
}

func (cluster *Cluster) copyPartition(from *Node, to *Node, partition uint32) error {
	var keys [][]byte
	var entries []kv.Entry

	err := from.Partition(partition).ForEach(func(key []byte, entry kv.Entry) error {
		keys = append(keys, key)
		entries = append(entries, entry)

		return nil
	})

	if err != nil {
		return err
	}

	for i := range keys {
		if err := to.Partition(partition).Install(keys[i], entries[i]); err != nil {
			return err
		}
	}

	return nil
}

// Close closes every store. Temporary stores are deleted.
func (cluster *Cluster) Close() error {
	var stores []kv.RootStore

	for _, id := range cluster.ids {
		stores = append(stores, cluster.nodes[id].store)
	}

	if cluster.metadata != nil {
		stores = append(stores, cluster.metadata)
	}

	var firstErr error

	for _, store := range stores {
		var err error

		if cluster.temp {
			err = store.Delete()
		} else {
			err = store.Close()
		}

		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Replicate installs entry on every backup in backups. Backups
// that cannot be reached are skipped since they will be
// refreshed from the primary when they rejoin.
func (cluster *Cluster) Replicate(backups []*Node, partition uint32, key []byte, entry kv.Entry) error {
	for _, backup := range backups {
		if err := backup.Reachable(); err != nil {
			cluster.logger.Warn("skipping unreachable backup", zap.String("node", string(backup.ID())), zap.Uint32("partition", partition))

			continue
		}

		if err := backup.Partition(partition).Install(key, entry); err != nil {
			return fmt.Errorf("could not install entry on backup %s: %s", backup.ID(), err)
		}
	}

	return nil
}
