package cache

// Args is the ordered argument list passed to
// every processor of one call
type Args []interface{}

// Processor is a read-modify-write function run against a single
// entry on the node that owns it. Returning a nil result means the
// processor has no result, which is different from returning a
// zero value. Returning an error discards every change made to
// the entry.
type Processor[K comparable, V any] interface {
	Process(entry *MutableEntry[K, V], args Args) (interface{}, error)
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc[K comparable, V any] func(entry *MutableEntry[K, V], args Args) (interface{}, error)

// Process implements Processor.Process
func (fn ProcessorFunc[K, V]) Process(entry *MutableEntry[K, V], args Args) (interface{}, error) {
	return fn(entry, args)
}
