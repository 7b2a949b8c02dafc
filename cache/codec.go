package cache

import (
	"reflect"

	"github.com/goccy/go-json"
	"github.com/jrife/plover/affinity"
	"github.com/pkg/errors"
)

// codec turns typed keys and values into the bytes
// kept by the storage layer. Keys are namespaced by
// cache name so caches can share a cluster.
type codec[K comparable, V any] struct {
	prefix []byte
}

func newCodec[K comparable, V any](name string) codec[K, V] {
	return codec[K, V]{prefix: append([]byte(name), 0)}
}

func (c codec[K, V]) encodeKey(key K) ([]byte, error) {
	raw, err := json.Marshal(canonical(key))

	if err != nil {
		return nil, errors.Wrap(err, "could not encode key")
	}

	return append(append([]byte{}, c.prefix...), raw...), nil
}

// affinityKey returns the bytes that pick the key's partition.
// Keys implementing affinity.Keyed route by their affinity key
// alone. The cache prefix is left out so that keys of different
// caches with the same affinity key are colocated.
func (c codec[K, V]) affinityKey(key K) ([]byte, error) {
	var v interface{} = key

	if keyed, ok := v.(affinity.Keyed); ok {
		v = keyed.AffinityKey()
	}

	raw, err := json.Marshal(canonical(v))

	if err != nil {
		return nil, errors.Wrap(err, "could not encode affinity key")
	}

	return raw, nil
}

func (c codec[K, V]) encodeValue(value V) ([]byte, error) {
	raw, err := json.Marshal(value)

	if err != nil {
		return nil, errors.Wrap(err, "could not encode value")
	}

	return raw, nil
}

func (c codec[K, V]) decodeValue(raw []byte) (V, error) {
	var value V

	if err := json.Unmarshal(raw, &value); err != nil {
		return value, errors.Wrap(err, "could not decode value")
	}

	return value, nil
}

// canonical rewrites a float key equal to zero as positive zero
// so that 0 and -0, which are equal keys, encode the same way
func canonical(key interface{}) interface{} {
	v := reflect.ValueOf(key)

	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		if v.Float() == 0 {
			return reflect.Zero(v.Type()).Interface()
		}
	}

	return key
}
