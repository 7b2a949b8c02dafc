package cache

import (
	"github.com/jrife/plover/storage/kv"
	"github.com/jrife/plover/utils/uuid"
)

// invocation is one logical processor invocation against
// one key. Its id is shared by every execution of it.
type invocation[K comparable, V any] struct {
	id        string
	key       K
	encoded   []byte
	partition uint32
	processor Processor[K, V]
}

func (cache *Cache[K, V]) newInvocation(key K, processor Processor[K, V]) (*invocation[K, V], error) {
	encoded, err := cache.codec.encodeKey(key)

	if err != nil {
		return nil, err
	}

	partition, err := cache.Partition(key)

	if err != nil {
		return nil, err
	}

	return &invocation[K, V]{
		id:        uuid.MustUUID(),
		key:       key,
		encoded:   encoded,
		partition: partition,
		processor: processor,
	}, nil
}

// process runs the processor against a view of current. It returns
// the view only if the processor succeeded.
func (cache *Cache[K, V]) process(inv *invocation[K, V], current kv.Entry, args Args) (*MutableEntry[K, V], Outcome) {
	entry := &MutableEntry[K, V]{key: inv.key, invocationID: inv.id}

	if current.Exists {
		value, err := cache.codec.decodeValue(current.Value)

		if err != nil {
			return nil, failureOutcome(err)
		}

		entry.existed = true
		entry.exists = true
		entry.value = value
	}

	result, err := invoke(inv.processor, entry, args)

	if err != nil {
		return nil, failureOutcome(newProcessorError(inv.key, err))
	}

	return entry, valueOutcome(result)
}

func invoke[K comparable, V any](processor Processor[K, V], entry *MutableEntry[K, V], args Args) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = panicError(r)
		}
	}()

	return processor.Process(entry, args)
}
