package cache

import (
	"github.com/jrife/plover/storage/kv"
)

type effect struct {
	name  string
	apply func() error
}

// MutableEntry is a processor's view of one entry while the
// processor runs. Reads reflect the processor's own changes:
// after Remove, Exists reports false. If the processor returns
// an error every change it made is discarded.
type MutableEntry[K comparable, V any] struct {
	key          K
	invocationID string
	existed      bool
	exists       bool
	value        V
	mutated      bool
	effects      []effect
}

// Key returns the entry's key
func (entry *MutableEntry[K, V]) Key() K {
	return entry.key
}

// Exists reports whether the entry currently has a value
func (entry *MutableEntry[K, V]) Exists() bool {
	return entry.exists
}

// Value returns the current value, or the zero
// value of V if the entry does not exist
func (entry *MutableEntry[K, V]) Value() V {
	return entry.value
}

// SetValue replaces the entry's value
func (entry *MutableEntry[K, V]) SetValue(value V) {
	entry.value = value
	entry.exists = true
	entry.mutated = true
}

// Remove removes the entry
func (entry *MutableEntry[K, V]) Remove() {
	var zero V

	entry.value = zero
	entry.exists = false
	entry.mutated = true
}

// InvocationID identifies the logical invocation. It stays
// the same if the processor runs again for the same
// invocation, for example on a backup.
func (entry *MutableEntry[K, V]) InvocationID() string {
	return entry.invocationID
}

// Effect declares a side effect outside the entry's value.
// apply runs at most once per invocation and name no matter
// how many times the processor runs, and only if the
// processor returns without error.
func (entry *MutableEntry[K, V]) Effect(name string, apply func() error) {
	entry.effects = append(entry.effects, effect{name: name, apply: apply})
}

// write converts the entry's changes into a storage write.
// It returns false if there is nothing to write.
func (entry *MutableEntry[K, V]) write(c codec[K, V], key []byte, version uint64) (kv.Write, bool, error) {
	if !entry.mutated || (!entry.existed && !entry.exists) {
		return kv.Write{}, false, nil
	}

	write := kv.Write{Key: key, Delete: !entry.exists, ExpectedVersion: version}

	if entry.exists {
		value, err := c.encodeValue(entry.value)

		if err != nil {
			return kv.Write{}, false, err
		}

		write.Value = value
	}

	return write, true, nil
}
