// Package kv provides an interface for implementing
// kv drivers that hold the key-value bindings of a node.
//
// A kv plugin is a factory for root store instances. A root store
// contains zero or more numbered partitions. Partitions operate
// independently from each other: there are no ordering or consistency
// guarantees for operations spanning partitions. Within a partition
// every operation is linearizable.
//
//  - Root Store
//    - Partition 1
//      - key1: (v3, abc)
//      - key2: (v1, tombstone)
//    - Partition 7
//      - keyN: (v12, xyz)
//
// Every entry carries a version. Writes are compare-and-swap on that
// version which is what lets callers detect conflicting writes that
// happened between a read and a write. A partition number maps
// directly to a partition of the affinity function so that a node
// holds exactly the partitions it is primary or backup for.
package kv
