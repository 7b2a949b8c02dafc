// Package affinity maps keys to partitions and partitions to
// the nodes that own them.
//
// A key is hashed to one of a fixed number of partitions. The
// owners of a partition are chosen from the live nodes with
// rendezvous (highest random weight) hashing: every node gets a
// score for the partition and the highest scoring node is the
// primary while the next Backups nodes hold backup copies.
// Rendezvous hashing means that a node leaving only moves the
// partitions it owned.
package affinity

import (
	"encoding/binary"
	"sort"

	farm "github.com/dgryski/go-farm"
)

const (
	// DefaultPartitions is used when a Function is created
	// with zero partitions
	DefaultPartitions uint32 = 1024
)

// NodeID identifies a node in the cluster
type NodeID string

// Keyed is implemented by composite keys that route by
// one designated field instead of by the whole key. Two
// keys that are equal must return equal affinity keys.
type Keyed interface {
	AffinityKey() interface{}
}

// Function is the affinity function
type Function struct {
	partitions uint32
	backups    int
}

// New creates an affinity function with the given number
// of partitions and backups per partition
func New(partitions uint32, backups int) *Function {
	if partitions == 0 {
		partitions = DefaultPartitions
	}

	if backups < 0 {
		backups = 0
	}

	return &Function{partitions: partitions, backups: backups}
}

// Partitions returns the number of partitions
func (f *Function) Partitions() uint32 {
	return f.partitions
}

// Backups returns the number of backups per partition
func (f *Function) Backups() int {
	return f.backups
}

// Partition returns the partition for an encoded affinity key
func (f *Function) Partition(affinityKey []byte) uint32 {
	return uint32(farm.Fingerprint64(affinityKey) % uint64(f.partitions))
}

// Assign returns the owners of partition chosen from nodes.
// The primary comes first followed by up to Backups() backups.
func (f *Function) Assign(partition uint32, nodes []NodeID) []NodeID {
	type scored struct {
		node  NodeID
		score uint64
	}

	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, partition)

	scores := make([]scored, len(nodes))

	for i, node := range nodes {
		scores[i] = scored{node: node, score: farm.Hash64WithSeed(p, farm.Fingerprint64([]byte(node)))}
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}

		return scores[i].node < scores[j].node
	})

	n := f.backups + 1

	if n > len(scores) {
		n = len(scores)
	}

	owners := make([]NodeID, n)

	for i := 0; i < n; i++ {
		owners[i] = scores[i].node
	}

	return owners
}

// Topology is an immutable snapshot of the live
// nodes at some topology version
type Topology struct {
	version uint64
	nodes   []NodeID
	fn      *Function
}

// NewTopology creates a topology snapshot
func NewTopology(fn *Function, version uint64, nodes []NodeID) Topology {
	sorted := append([]NodeID(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return Topology{version: version, nodes: sorted, fn: fn}
}

// Version returns the topology version
func (topology Topology) Version() uint64 {
	return topology.version
}

// Nodes returns the live nodes in this topology
func (topology Topology) Nodes() []NodeID {
	return append([]NodeID(nil), topology.nodes...)
}

// Function returns the affinity function
func (topology Topology) Function() *Function {
	return topology.fn
}

// Owners returns the primary followed by the backups for partition
func (topology Topology) Owners(partition uint32) []NodeID {
	return topology.fn.Assign(partition, topology.nodes)
}

// Primary returns the primary for partition. It returns
// false if the topology has no live nodes.
func (topology Topology) Primary(partition uint32) (NodeID, bool) {
	owners := topology.Owners(partition)

	if len(owners) == 0 {
		return "", false
	}

	return owners[0], true
}

// IsPrimary reports whether node is the primary for partition
func (topology Topology) IsPrimary(node NodeID, partition uint32) bool {
	primary, ok := topology.Primary(partition)

	return ok && primary == node
}

// IsPrimaryOrBackup reports whether node holds a copy of partition
func (topology Topology) IsPrimaryOrBackup(node NodeID, partition uint32) bool {
	for _, owner := range topology.Owners(partition) {
		if owner == node {
			return true
		}
	}

	return false
}
