package kv

import (
	"errors"
	"sync"
)

// ErrInjected is returned by a FaultPlugin store while
// the matching fault is switched on
var ErrInjected = errors.New("injected storage fault")

// Faults switches storage faults on and off. The zero
// value has every fault switched off.
type Faults struct {
	mu       sync.Mutex
	writes   bool
	installs bool
}

// FailWrites makes Write and Batch fail with ErrInjected
func (faults *Faults) FailWrites(fail bool) {
	faults.mu.Lock()
	defer faults.mu.Unlock()

	faults.writes = fail
}

// FailInstalls makes Install fail with ErrInjected
func (faults *Faults) FailInstalls(fail bool) {
	faults.mu.Lock()
	defer faults.mu.Unlock()

	faults.installs = fail
}

func (faults *Faults) failing(install bool) bool {
	faults.mu.Lock()
	defer faults.mu.Unlock()

	if install {
		return faults.installs
	}

	return faults.writes
}

var _ Plugin = (*FaultPlugin)(nil)

// FaultPlugin wraps another plugin. Every store it creates
// fails whatever Faults has switched on.
type FaultPlugin struct {
	Plugin Plugin
	Faults *Faults
}

// Name implements Plugin.Name
func (plugin *FaultPlugin) Name() string {
	return plugin.Plugin.Name()
}

// NewRootStore implements Plugin.NewRootStore
func (plugin *FaultPlugin) NewRootStore(options PluginOptions) (RootStore, error) {
	store, err := plugin.Plugin.NewRootStore(options)

	if err != nil {
		return nil, err
	}

	return &faultRootStore{RootStore: store, faults: plugin.Faults}, nil
}

// NewTempRootStore implements Plugin.NewTempRootStore
func (plugin *FaultPlugin) NewTempRootStore() (RootStore, error) {
	store, err := plugin.Plugin.NewTempRootStore()

	if err != nil {
		return nil, err
	}

	return &faultRootStore{RootStore: store, faults: plugin.Faults}, nil
}

type faultRootStore struct {
	RootStore
	faults *Faults
}

// Partition implements RootStore.Partition
func (store *faultRootStore) Partition(id uint32) Partition {
	return &faultPartition{Partition: store.RootStore.Partition(id), faults: store.faults}
}

type faultPartition struct {
	Partition
	faults *Faults
}

// Write implements Partition.Write
func (partition *faultPartition) Write(write Write) (uint64, error) {
	if partition.faults.failing(false) {
		return 0, ErrInjected
	}

	return partition.Partition.Write(write)
}

// Batch implements Partition.Batch
func (partition *faultPartition) Batch(writes []Write) ([]uint64, error) {
	if partition.faults.failing(false) {
		return nil, ErrInjected
	}

	return partition.Partition.Batch(writes)
}

// Install implements Partition.Install
func (partition *faultPartition) Install(key []byte, entry Entry) error {
	if partition.faults.failing(true) {
		return ErrInjected
	}

	return partition.Partition.Install(key, entry)
}
