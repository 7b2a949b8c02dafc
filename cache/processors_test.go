package cache_test

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/jrife/plover/cache"
)

type TestValue struct {
	Val int `json:"val"`
}

// incrementProcessor increments the value and returns the old
// one, or -1 if there was none
var incrementProcessor = cache.ProcessorFunc[int, int](func(entry *cache.MutableEntry[int, int], args cache.Args) (interface{}, error) {
	if !entry.Exists() {
		entry.SetValue(1)

		return -1, nil
	}

	old := entry.Value()
	entry.SetValue(old + 1)

	return old, nil
})

// argumentsSumProcessor adds every argument to the
// value and returns the number of arguments
var argumentsSumProcessor = cache.ProcessorFunc[int, int](func(entry *cache.MutableEntry[int, int], args cache.Args) (interface{}, error) {
	value := entry.Value()

	for _, arg := range args {
		n, ok := arg.(int)

		if !ok {
			return nil, fmt.Errorf("argument %v is not an int", arg)
		}

		value += n
	}

	entry.SetValue(value)

	return len(args), nil
})

var toStringProcessor = cache.ProcessorFunc[int, int](func(entry *cache.MutableEntry[int, int], args cache.Args) (interface{}, error) {
	return strconv.Itoa(entry.Value()), nil
})

var userClassValueProcessor = cache.ProcessorFunc[int, int](func(entry *cache.MutableEntry[int, int], args cache.Args) (interface{}, error) {
	return TestValue{Val: entry.Value()}, nil
})

var collectionReturningProcessor = cache.ProcessorFunc[int, int](func(entry *cache.MutableEntry[int, int], args cache.Args) (interface{}, error) {
	values := make([]TestValue, 10)

	for i := range values {
		values[i] = TestValue{Val: entry.Value() + 1}
	}

	return values, nil
})

var errTestProcessor = errors.New("Test processor exception.")

var exceptionProcessor = cache.ProcessorFunc[int, int](func(entry *cache.MutableEntry[int, int], args cache.Args) (interface{}, error) {
	entry.SetValue(-100)

	return nil, errTestProcessor
})

var removeProcessor = cache.ProcessorFunc[int, int](func(entry *cache.MutableEntry[int, int], args cache.Args) (interface{}, error) {
	entry.Remove()

	if entry.Exists() {
		return nil, errors.New("entry exists after remove")
	}

	return nil, nil
})

var zeroProcessor = cache.ProcessorFunc[int, int](func(entry *cache.MutableEntry[int, int], args cache.Args) (interface{}, error) {
	return 0, nil
})

var panicProcessor = cache.ProcessorFunc[int, int](func(entry *cache.MutableEntry[int, int], args cache.Args) (interface{}, error) {
	entry.SetValue(7)

	panic("boom")
})
