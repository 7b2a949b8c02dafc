// Package schema keeps the cluster-wide registry of value types.
// Registering a type is the typical side effect of a processor:
// it happens outside the entry being processed and must happen
// once per invocation.
package schema

import (
	"fmt"
	"sync"

	"github.com/jrife/plover/storage/kv"
	"go.uber.org/zap"
)

const (
	// Partition is the metadata partition holding registered types
	Partition uint32 = 1
)

// Config configures a Registry
type Config struct {
	Store  kv.Partition
	Logger *zap.Logger
}

// Registry records value types by name. Registering an
// already known type is a no-op.
type Registry struct {
	store  kv.Partition
	logger *zap.Logger

	mu    sync.Mutex
	calls int
}

// New creates a Registry
func New(config Config) *Registry {
	if config.Logger == nil {
		config.Logger = zap.L()
	}

	return &Registry{store: config.Store, logger: config.Logger}
}

// Register records typeName. It returns true if the
// type was not registered before.
func (registry *Registry) Register(typeName string) (bool, error) {
	if typeName == "" {
		return false, fmt.Errorf("type name is empty")
	}

	registry.mu.Lock()
	registry.calls++
	registry.mu.Unlock()

	_, err := registry.store.Write(kv.Write{Key: []byte(typeName), Value: []byte(typeName)})

	switch err {
	case nil:
		registry.logger.Info("registered type", zap.String("type", typeName))

		return true, nil
	case kv.ErrConflict:
		return false, nil
	}

	return false, fmt.Errorf("could not register type %s: %s", typeName, err)
}

// Registered reports whether typeName is registered
func (registry *Registry) Registered(typeName string) (bool, error) {
	entry, err := registry.store.Read([]byte(typeName))

	if err != nil {
		return false, fmt.Errorf("could not read type %s: %s", typeName, err)
	}

	return entry.Exists, nil
}

// Types lists every registered type in name order
func (registry *Registry) Types() ([]string, error) {
	var types []string

	err := registry.store.ForEach(func(key []byte, entry kv.Entry) error {
		if entry.Exists {
			types = append(types, string(key))
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("could not list types: %s", err)
	}

	return types, nil
}

// Registrations returns how many times Register was called
func (registry *Registry) Registrations() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	return registry.calls
}
