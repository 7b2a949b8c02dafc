package cache

import (
	"context"
	"fmt"

	"github.com/jrife/plover/affinity"
	"github.com/jrife/plover/txn"
)

// Get returns the value stored under key
func (cache *Cache[K, V]) Get(ctx context.Context, tx *txn.Tx, key K) (V, bool, error) {
	var value V

	result, err := cache.Invoke(ctx, tx, key, ProcessorFunc[K, V](getProcessor[K, V]))

	if err != nil {
		return value, false, err
	}

	raw, err := result.Get()

	if err != nil || raw == nil {
		return value, false, err
	}

	return raw.(V), true, nil
}

// GetAll returns the values stored under keys. Keys
// without a value are left out of the map.
func (cache *Cache[K, V]) GetAll(ctx context.Context, tx *txn.Tx, keys []K) (map[K]V, error) {
	results, err := cache.InvokeAll(ctx, tx, keys, ProcessorFunc[K, V](getProcessor[K, V]))

	if err != nil {
		return nil, err
	}

	values := make(map[K]V, len(results))

	for key, result := range results {
		raw, err := result.Get()

		if err != nil {
			return nil, fmt.Errorf("could not get key %v: %w", key, err)
		}

		values[key] = raw.(V)
	}

	return values, nil
}

// Put stores value under key
func (cache *Cache[K, V]) Put(ctx context.Context, tx *txn.Tx, key K, value V) error {
	result, err := cache.Invoke(ctx, tx, key, ProcessorFunc[K, V](func(entry *MutableEntry[K, V], args Args) (interface{}, error) {
		entry.SetValue(value)

		return nil, nil
	}))

	if err != nil {
		return err
	}

	_, err = result.Get()

	return err
}

// Remove removes key and reports whether it existed
func (cache *Cache[K, V]) Remove(ctx context.Context, tx *txn.Tx, key K) (bool, error) {
	result, err := cache.Invoke(ctx, tx, key, ProcessorFunc[K, V](removeProcessor[K, V]))

	if err != nil {
		return false, err
	}

	return As[bool](result)
}

// RemoveAll removes every key
func (cache *Cache[K, V]) RemoveAll(ctx context.Context, tx *txn.Tx, keys []K) error {
	results, err := cache.InvokeAll(ctx, tx, keys, ProcessorFunc[K, V](removeProcessor[K, V]))

	if err != nil {
		return err
	}

	for key, result := range results {
		if _, err := result.Get(); err != nil {
			return fmt.Errorf("could not remove key %v: %w", key, err)
		}
	}

	return nil
}

// LocalPeek returns node's own copy of the value stored under
// key without routing or locking. It is meant for checking
// that primaries and backups agree.
func (cache *Cache[K, V]) LocalPeek(node affinity.NodeID, key K) (V, bool, error) {
	var value V

	n, ok := cache.cluster.Node(node)

	if !ok {
		return value, false, fmt.Errorf("no such node %s", node)
	}

	encoded, err := cache.codec.encodeKey(key)

	if err != nil {
		return value, false, err
	}

	partition, err := cache.Partition(key)

	if err != nil {
		return value, false, err
	}

	entry, err := n.Partition(partition).Read(encoded)

	if err != nil || !entry.Exists {
		return value, false, err
	}

	value, err = cache.codec.decodeValue(entry.Value)

	if err != nil {
		return value, false, err
	}

	return value, true, nil
}

func getProcessor[K comparable, V any](entry *MutableEntry[K, V], args Args) (interface{}, error) {
	if !entry.Exists() {
		return nil, nil
	}

	return entry.Value(), nil
}

func removeProcessor[K comparable, V any](entry *MutableEntry[K, V], args Args) (interface{}, error) {
	existed := entry.Exists()
	entry.Remove()

	return existed, nil
}
