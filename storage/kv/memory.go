package kv

import (
	"bytes"
	"sort"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
)

const (
	// MemoryPluginName is the name of the in-memory plugin
	MemoryPluginName = "memory"
)

var _ Plugin = (*MemoryPlugin)(nil)

// MemoryPlugin creates root stores that keep
// everything in memory. Data is lost on Close.
type MemoryPlugin struct {
}

// Name implements Plugin.Name
func (plugin *MemoryPlugin) Name() string {
	return MemoryPluginName
}

// NewRootStore implements Plugin.NewRootStore
func (plugin *MemoryPlugin) NewRootStore(options PluginOptions) (RootStore, error) {
	return NewMemoryRootStore(), nil
}

// NewTempRootStore implements Plugin.NewTempRootStore
func (plugin *MemoryPlugin) NewTempRootStore() (RootStore, error) {
	return NewMemoryRootStore(), nil
}

var _ RootStore = (*MemoryRootStore)(nil)

// MemoryRootStore is an in-memory implementation
// of RootStore
type MemoryRootStore struct {
	mu         sync.RWMutex
	closed     bool
	partitions map[uint32]*treemap.Map
}

// NewMemoryRootStore creates a new MemoryRootStore
func NewMemoryRootStore() *MemoryRootStore {
	return &MemoryRootStore{partitions: map[uint32]*treemap.Map{}}
}

// Partition implements RootStore.Partition
func (store *MemoryRootStore) Partition(id uint32) Partition {
	return &memoryPartition{store: store, id: id}
}

// Partitions implements RootStore.Partitions
func (store *MemoryRootStore) Partitions() ([]uint32, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	if store.closed {
		return nil, ErrClosed
	}

	result := make([]uint32, 0, len(store.partitions))

	for id := range store.partitions {
		result = append(result, id)
	}

	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })

	return result, nil
}

// Close implements RootStore.Close
func (store *MemoryRootStore) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.closed = true
	store.partitions = nil

	return nil
}

// Delete implements RootStore.Delete
func (store *MemoryRootStore) Delete() error {
	return store.Close()
}

// m returns the map for partition id. create
// controls whether or not a missing map is created.
// store.mu must be held.
func (store *MemoryRootStore) m(id uint32, create bool) *treemap.Map {
	m, ok := store.partitions[id]

	if !ok && create {
		m = treemap.NewWith(func(a, b interface{}) int {
			return bytes.Compare([]byte(a.(string)), []byte(b.(string)))
		})

		store.partitions[id] = m
	}

	return m
}

var _ Partition = (*memoryPartition)(nil)

type memoryPartition struct {
	store *MemoryRootStore
	id    uint32
}

// ID implements Partition.ID
func (partition *memoryPartition) ID() uint32 {
	return partition.id
}

// Read implements Partition.Read
func (partition *memoryPartition) Read(key []byte) (Entry, error) {
	if len(key) == 0 {
		return Entry{}, ErrEmptyKey
	}

	partition.store.mu.RLock()
	defer partition.store.mu.RUnlock()

	if partition.store.closed {
		return Entry{}, ErrClosed
	}

	return partition.read(key), nil
}

// Write implements Partition.Write
func (partition *memoryPartition) Write(write Write) (uint64, error) {
	versions, err := partition.Batch([]Write{write})

	if err != nil {
		return 0, err
	}

	return versions[0], nil
}

// Batch implements Partition.Batch
func (partition *memoryPartition) Batch(writes []Write) ([]uint64, error) {
	partition.store.mu.Lock()
	defer partition.store.mu.Unlock()

	if partition.store.closed {
		return nil, ErrClosed
	}

	// Stage everything first so that a conflict
	// on write n leaves writes 0..n-1 unapplied
	staged := map[string]Entry{}
	versions := make([]uint64, len(writes))

	for i, write := range writes {
		current, ok := staged[string(write.Key)]

		if !ok {
			current = partition.read(write.Key)
		}

		next, err := Apply(current, write)

		if err != nil {
			return nil, err
		}

		staged[string(write.Key)] = next
		versions[i] = next.Version
	}

	m := partition.store.m(partition.id, true)

	for key, entry := range staged {
		m.Put(key, copyEntry(entry))
	}

	return versions, nil
}

// Install implements Partition.Install
func (partition *memoryPartition) Install(key []byte, entry Entry) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}

	partition.store.mu.Lock()
	defer partition.store.mu.Unlock()

	if partition.store.closed {
		return ErrClosed
	}

	partition.store.m(partition.id, true).Put(string(key), copyEntry(entry))

	return nil
}

// ForEach implements Partition.ForEach
func (partition *memoryPartition) ForEach(fn func(key []byte, entry Entry) error) error {
	partition.store.mu.RLock()

	if partition.store.closed {
		partition.store.mu.RUnlock()

		return ErrClosed
	}

	var keys [][]byte
	var entries []Entry

	if m := partition.store.m(partition.id, false); m != nil {
		iter := m.Iterator()

		for iter.Next() {
			keys = append(keys, []byte(iter.Key().(string)))
			entries = append(entries, copyEntry(iter.Value().(Entry)))
		}
	}

	partition.store.mu.RUnlock()

	for i := range keys {
		if err := fn(keys[i], entries[i]); err != nil {
			return err
		}
	}

	return nil
}

// store.mu must be held
func (partition *memoryPartition) read(key []byte) Entry {
	m := partition.store.m(partition.id, false)

	if m == nil {
		return Entry{}
	}

	v, ok := m.Get(string(key))

	if !ok {
		return Entry{}
	}

	return copyEntry(v.(Entry))
}

func copyEntry(entry Entry) Entry {
	if entry.Value != nil {
		value := make([]byte, len(entry.Value))
		copy(value, entry.Value)
		entry.Value = value
	}

	return entry
}
