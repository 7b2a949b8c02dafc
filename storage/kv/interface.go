package kv

import (
	"errors"
)

var (
	// ErrClosed indicates that the root store was closed
	ErrClosed = errors.New("root store was closed")
	// ErrConflict indicates that a compare-and-swap write found a
	// version other than the one it expected
	ErrConflict = errors.New("version conflict")
	// ErrEmptyKey indicates that an operation was given an empty key
	ErrEmptyKey = errors.New("key is empty")
)

// PluginOptions is a free-form set of options passed
// to a plugin when creating a root store
type PluginOptions map[string]interface{}

// Plugin represents a kv storage plugin
type Plugin interface {
	// Name returns the name of the storage plugin
	Name() string
	// NewRootStore returns an instance of the plugin store
	NewRootStore(options PluginOptions) (RootStore, error)
	// NewTempRootStore returns an instance of the plugin store
	// initialized with some sane defaults. It is meant for
	// tests that need an initialized instance of the plugin's
	// store without knowing how to initialize it
	NewTempRootStore() (RootStore, error)
}

// RootStore is the parent store from which all partitions are descended
type RootStore interface {
	// Partition returns a handle for the partition with this id.
	// Partitions are created lazily on first write. It must not
	// return nil.
	Partition(id uint32) Partition
	// Partitions lists the ids of every partition that has been
	// written to in ascending order. It must return ErrClosed if
	// its invocation starts after Close() returns.
	Partitions() ([]uint32, error)
	// Close closes the store. Function calls to any partition
	// descended from this store occurring after Close returns
	// must have no effect and return ErrClosed. Close must not
	// return until all concurrent I/O operations have concluded.
	Close() error
	// Delete closes then deletes this store and all its contents.
	// If the root store doesn't exist it should return nil and have
	// no effect.
	Delete() error
}

// Entry is the stored state of a single key.
//
// Version is monotonic per key and is never reset, not even
// by a delete: deleting a key leaves a tombstone whose version
// is one more than the last live version. Version 0 means the
// key was never written.
type Entry struct {
	Value   []byte
	Version uint64
	Exists  bool
}

// Write describes a compare-and-swap write. It succeeds only
// if the key's current version equals ExpectedVersion. Delete
// = true removes the key and Value is ignored.
type Write struct {
	Key             []byte
	Value           []byte
	Delete          bool
	ExpectedVersion uint64
}

// Partition is a reference to a numbered partition of a root
// store. Every operation on a single partition is linearizable.
// Partitions are independent of each other: there are no ordering
// or atomicity guarantees for operations spanning partitions.
type Partition interface {
	// ID returns the id of this partition
	ID() uint32
	// Read returns the current entry for key. A key that
	// was never written returns the zero Entry.
	Read(key []byte) (Entry, error)
	// Write applies a single compare-and-swap write and returns
	// the new version. It returns ErrConflict if the current
	// version differs from write.ExpectedVersion.
	Write(write Write) (uint64, error)
	// Batch applies every write or none of them. It returns the
	// new version for each write in order. If any write conflicts
	// Batch returns ErrConflict and makes no changes.
	Batch(writes []Write) ([]uint64, error)
	// Install overwrites the entry for key with exactly this entry,
	// version included. It is used to copy an entry from a primary
	// to a backup and performs no version check.
	Install(key []byte, entry Entry) error
	// ForEach calls fn for every key in this partition in
	// ascending key order, tombstones included. fn must not
	// write to the root store.
	ForEach(fn func(key []byte, entry Entry) error) error
}

// Apply applies write to an entry in memory. It is shared
// by plugins so that their compare-and-swap semantics agree.
func Apply(current Entry, write Write) (Entry, error) {
	if len(write.Key) == 0 {
		return Entry{}, ErrEmptyKey
	}

	if current.Version != write.ExpectedVersion {
		return Entry{}, ErrConflict
	}

	next := Entry{Version: current.Version + 1}

	if !write.Delete {
		next.Exists = true
		next.Value = write.Value

		if next.Value == nil {
			next.Value = []byte{}
		}
	}

	return next, nil
}
