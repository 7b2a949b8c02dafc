package bbolt

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/jrife/plover/storage/kv"
	"github.com/jrife/plover/utils/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// DriverName is the name of this plugin
	DriverName = "bbolt"
)

// Plugins returns every plugin provided by this package
func Plugins() []kv.Plugin {
	return []kv.Plugin{
		&BBoltPlugin{},
	}
}

var _ kv.Plugin = (*BBoltPlugin)(nil)

// BBoltPlugin creates root stores backed by a bbolt
// database file
type BBoltPlugin struct {
}

// Name implements kv.Plugin.Name
func (plugin *BBoltPlugin) Name() string {
	return DriverName
}

// NewRootStore implements kv.Plugin.NewRootStore
func (plugin *BBoltPlugin) NewRootStore(options kv.PluginOptions) (kv.RootStore, error) {
	var config BBoltRootStoreConfig

	if path, ok := options["path"]; !ok {
		return nil, fmt.Errorf("\"path\" is required")
	} else if pathString, ok := path.(string); !ok {
		return nil, fmt.Errorf("\"path\" must be a string")
	} else {
		config.Path = pathString
	}

	store, err := New(config)

	if err != nil {
		return nil, err
	}

	return store, nil
}

// NewTempRootStore implements kv.Plugin.NewTempRootStore
func (plugin *BBoltPlugin) NewTempRootStore() (kv.RootStore, error) {
	return plugin.NewRootStore(kv.PluginOptions{
		"path": fmt.Sprintf("%s/bbolt-%s", os.TempDir(), uuid.MustUUID()),
	})
}

// BBoltRootStoreConfig configures a BBoltRootStore
type BBoltRootStoreConfig struct {
	Path string
}

var _ kv.RootStore = (*BBoltRootStore)(nil)

// BBoltRootStore is a root store whose partitions
// are top-level buckets in a single bbolt database
type BBoltRootStore struct {
	db *bolt.DB
}

// New opens or creates the bbolt database at config.Path
func New(config BBoltRootStoreConfig) (*BBoltRootStore, error) {
	db, err := bolt.Open(config.Path, 0666, nil)

	if err != nil {
		return nil, fmt.Errorf("could not open bbolt store at %s: %s", config.Path, err)
	}

	return &BBoltRootStore{db: db}, nil
}

// Partition implements kv.RootStore.Partition
func (store *BBoltRootStore) Partition(id uint32) kv.Partition {
	return &BBoltPartition{db: store.db, id: id}
}

// Partitions implements kv.RootStore.Partitions
func (store *BBoltRootStore) Partitions() ([]uint32, error) {
	var ids []uint32

	err := store.db.View(func(txn *bolt.Tx) error {
		return txn.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if len(name) == 4 {
				ids = append(ids, binary.BigEndian.Uint32(name))
			}

			return nil
		})
	})

	if err != nil {
		return nil, wrapError("could not list partitions", err)
	}

	return ids, nil
}

// Close implements kv.RootStore.Close
func (store *BBoltRootStore) Close() error {
	return store.db.Close()
}

// Delete implements kv.RootStore.Delete
func (store *BBoltRootStore) Delete() error {
	path := store.db.Path()

	if err := store.Close(); err != nil {
		return fmt.Errorf("could not close store: %s", err)
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("could not remove path %s: %s", path, err)
	}

	return nil
}

var _ kv.Partition = (*BBoltPartition)(nil)

// BBoltPartition is a single bucket inside the
// database. Entries are encoded as an 8 byte version,
// a flags byte, then the value.
type BBoltPartition struct {
	db *bolt.DB
	id uint32
}

// ID implements kv.Partition.ID
func (partition *BBoltPartition) ID() uint32 {
	return partition.id
}

func (partition *BBoltPartition) name() []byte {
	name := make([]byte, 4)
	binary.BigEndian.PutUint32(name, partition.id)

	return name
}

// Read implements kv.Partition.Read
func (partition *BBoltPartition) Read(key []byte) (kv.Entry, error) {
	if len(key) == 0 {
		return kv.Entry{}, kv.ErrEmptyKey
	}

	var entry kv.Entry

	err := partition.db.View(func(txn *bolt.Tx) error {
		bucket := txn.Bucket(partition.name())

		if bucket == nil {
			return nil
		}

		var err error
		entry, err = decodeEntry(bucket.Get(key))

		return err
	})

	if err != nil {
		return kv.Entry{}, wrapError("could not read key", err)
	}

	return entry, nil
}

// Write implements kv.Partition.Write
func (partition *BBoltPartition) Write(write kv.Write) (uint64, error) {
	versions, err := partition.Batch([]kv.Write{write})

	if err != nil {
		return 0, err
	}

	return versions[0], nil
}

// Batch implements kv.Partition.Batch
func (partition *BBoltPartition) Batch(writes []kv.Write) ([]uint64, error) {
	versions := make([]uint64, len(writes))

	err := partition.db.Update(func(txn *bolt.Tx) error {
		bucket, err := txn.CreateBucketIfNotExists(partition.name())

		if err != nil {
			return fmt.Errorf("could not ensure partition bucket exists: %s", err)
		}

		for i, write := range writes {
			if len(write.Key) == 0 {
				return kv.ErrEmptyKey
			}

			current, err := decodeEntry(bucket.Get(write.Key))

			if err != nil {
				return err
			}

			next, err := kv.Apply(current, write)

			if err != nil {
				return err
			}

			if err := bucket.Put(write.Key, encodeEntry(next)); err != nil {
				return fmt.Errorf("could not put key: %s", err)
			}

			versions[i] = next.Version
		}

		return nil
	})

	if err != nil {
		return nil, wrapError("could not apply batch", err)
	}

	return versions, nil
}

// Install implements kv.Partition.Install
func (partition *BBoltPartition) Install(key []byte, entry kv.Entry) error {
	if len(key) == 0 {
		return kv.ErrEmptyKey
	}

	err := partition.db.Update(func(txn *bolt.Tx) error {
		bucket, err := txn.CreateBucketIfNotExists(partition.name())

		if err != nil {
			return fmt.Errorf("could not ensure partition bucket exists: %s", err)
		}

		return bucket.Put(key, encodeEntry(entry))
	})

	if err != nil {
		return wrapError("could not install entry", err)
	}

	return nil
}

// ForEach implements kv.Partition.ForEach
func (partition *BBoltPartition) ForEach(fn func(key []byte, entry kv.Entry) error) error {
	err := partition.db.View(func(txn *bolt.Tx) error {
		bucket := txn.Bucket(partition.name())

		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			entry, err := decodeEntry(v)

			if err != nil {
				return err
			}

			key := make([]byte, len(k))
			copy(key, k)

			return fn(key, entry)
		})
	})

	return wrapError("could not iterate partition", err)
}

const flagExists byte = 1

func encodeEntry(entry kv.Entry) []byte {
	b := make([]byte, 9+len(entry.Value))
	binary.BigEndian.PutUint64(b[:8], entry.Version)

	if entry.Exists {
		b[8] = flagExists
		copy(b[9:], entry.Value)
	}

	return b
}

// decodeEntry copies out of v since bbolt
// memory is only valid inside the transaction
func decodeEntry(v []byte) (kv.Entry, error) {
	if v == nil {
		return kv.Entry{}, nil
	}

	if len(v) < 9 {
		return kv.Entry{}, fmt.Errorf("corrupt entry: expected at least 9 bytes, got %d", len(v))
	}

	entry := kv.Entry{Version: binary.BigEndian.Uint64(v[:8])}

	if v[8]&flagExists != 0 {
		entry.Exists = true
		entry.Value = make([]byte, len(v)-9)
		copy(entry.Value, v[9:])
	}

	return entry, nil
}

func wrapError(wrap string, err error) error {
	switch err {
	case bolt.ErrDatabaseNotOpen:
		return kv.ErrClosed
	case kv.ErrConflict:
		fallthrough
	case kv.ErrEmptyKey:
		fallthrough
	case nil:
		return err
	}

	return fmt.Errorf("%s: %s", wrap, err)
}
