package txn_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/storage/kv"
	"github.com/jrife/plover/txn"
	"github.com/jrife/plover/utils/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*cluster.Cluster, *txn.Manager) {
	c, err := cluster.New(cluster.Config{Nodes: 3, Partitions: 8, Backups: 1})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	manager, err := txn.NewManager(txn.ManagerConfig{Cluster: c, LockTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	return c, manager
}

func primary(t *testing.T, c *cluster.Cluster, partition uint32) kv.Partition {
	node, _, err := c.Route(c.Topology(), partition)
	require.NoError(t, err)

	return node.Partition(partition)
}

func put(t *testing.T, c *cluster.Cluster, partition uint32, key string, value string) {
	p := primary(t, c, partition)
	current, err := p.Read([]byte(key))
	require.NoError(t, err)
	_, err = p.Write(kv.Write{Key: []byte(key), Value: []byte(value), ExpectedVersion: current.Version})
	require.NoError(t, err)
}

func read(t *testing.T, c *cluster.Cluster, partition uint32, key string) kv.Entry {
	entry, err := primary(t, c, partition).Read([]byte(key))
	require.NoError(t, err)

	return entry
}

func TestBegin(t *testing.T) {
	_, manager := setup(t)

	_, err := manager.Begin(context.Background(), txn.Optimistic, txn.Isolation(7))
	assert.Equal(t, txn.ErrUnsupportedIsolation, err)

	tx, err := manager.Begin(context.Background(), txn.Pessimistic, txn.RepeatableRead)
	require.NoError(t, err)
	assert.Equal(t, txn.Active, tx.State())
	assert.Equal(t, txn.Pessimistic, tx.Concurrency())
	assert.True(t, uuid.Valid(tx.ID()))
}

func TestRepeatableRead(t *testing.T) {
	c, manager := setup(t)
	put(t, c, 1, "a", "1")

	tx, err := manager.Begin(context.Background(), txn.Optimistic, txn.RepeatableRead)
	require.NoError(t, err)

	first, err := tx.Entry(context.Background(), 1, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(first.Value))

	put(t, c, 1, "a", "2")

	second, err := tx.Entry(context.Background(), 1, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(second.Value))

	require.NoError(t, tx.Stage([]byte("a"), []byte("3"), false))

	staged, err := tx.Entry(context.Background(), 1, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "3", string(staged.Value))
	require.NoError(t, tx.Rollback())
}

func TestCommit(t *testing.T) {
	for _, concurrency := range []txn.Concurrency{txn.Optimistic, txn.Pessimistic} {
		t.Run(concurrency.String(), func(t *testing.T) {
			c, manager := setup(t)
			put(t, c, 2, "b", "old")

			tx, err := manager.Begin(context.Background(), concurrency, txn.RepeatableRead)
			require.NoError(t, err)

			for partition, key := range map[uint32]string{1: "a", 2: "b", 3: "c"} {
				_, err := tx.Entry(context.Background(), partition, []byte(key))
				require.NoError(t, err)
			}

			require.NoError(t, tx.Stage([]byte("a"), []byte("1"), false))
			require.NoError(t, tx.Stage([]byte("b"), nil, true))

			// Nothing is visible before commit
			assert.False(t, read(t, c, 1, "a").Exists)
			assert.True(t, read(t, c, 2, "b").Exists)

			require.NoError(t, tx.Commit(context.Background()))
			assert.Equal(t, txn.Committed, tx.State())

			assert.Equal(t, kv.Entry{Value: []byte("1"), Version: 1, Exists: true}, read(t, c, 1, "a"))
			assert.Equal(t, kv.Entry{Version: 2}, read(t, c, 2, "b"))
			assert.Equal(t, kv.Entry{}, read(t, c, 3, "c"))

			_, backups, err := c.Route(c.Topology(), 1)
			require.NoError(t, err)
			replicated, err := backups[0].Partition(1).Read([]byte("a"))
			require.NoError(t, err)
			assert.Equal(t, "1", string(replicated.Value))

			for _, node := range c.Nodes() {
				assert.Equal(t, 0, node.Locks().Len())
			}
		})
	}
}

func TestOptimisticConflict(t *testing.T) {
	c, manager := setup(t)
	put(t, c, 1, "a", "1")

	tx, err := manager.Begin(context.Background(), txn.Optimistic, txn.RepeatableRead)
	require.NoError(t, err)

	_, err = tx.Entry(context.Background(), 1, []byte("a"))
	require.NoError(t, err)
	_, err = tx.Entry(context.Background(), 2, []byte("b"))
	require.NoError(t, err)
	require.NoError(t, tx.Stage([]byte("a"), []byte("tx"), false))
	require.NoError(t, tx.Stage([]byte("b"), []byte("tx"), false))

	put(t, c, 1, "a", "external")

	assert.Equal(t, txn.ErrEntryConflict, tx.Commit(context.Background()))
	assert.Equal(t, txn.RolledBack, tx.State())
	assert.Equal(t, "external", string(read(t, c, 1, "a").Value))
	assert.False(t, read(t, c, 2, "b").Exists)
}

func TestPessimisticLocking(t *testing.T) {
	c, manager := setup(t)

	tx1, err := manager.Begin(context.Background(), txn.Pessimistic, txn.RepeatableRead)
	require.NoError(t, err)
	_, err = tx1.Entry(context.Background(), 1, []byte("a"))
	require.NoError(t, err)

	node, _, err := c.Route(c.Topology(), 1)
	require.NoError(t, err)
	owner, ok := node.Locks().Owner("a")
	require.True(t, ok)
	assert.Equal(t, tx1.ID(), owner)

	tx2, err := manager.Begin(context.Background(), txn.Pessimistic, txn.RepeatableRead)
	require.NoError(t, err)
	_, err = tx2.Entry(context.Background(), 1, []byte("a"))
	assert.Equal(t, txn.ErrLockTimeout, err)

	require.NoError(t, tx1.Rollback())

	_, err = tx2.Entry(context.Background(), 1, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, tx2.Rollback())
}

func TestRollback(t *testing.T) {
	c, manager := setup(t)
	put(t, c, 1, "a", "1")

	tx, err := manager.Begin(context.Background(), txn.Pessimistic, txn.RepeatableRead)
	require.NoError(t, err)
	_, err = tx.Entry(context.Background(), 1, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, tx.Stage([]byte("a"), nil, true))
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback())

	assert.Equal(t, kv.Entry{Value: []byte("1"), Version: 1, Exists: true}, read(t, c, 1, "a"))

	_, err = tx.Entry(context.Background(), 1, []byte("a"))
	assert.Equal(t, txn.ErrTxNotActive, err)
	assert.Equal(t, txn.ErrTxNotActive, tx.Stage([]byte("a"), nil, true))
	assert.Equal(t, txn.ErrTxNotActive, tx.Commit(context.Background()))
}

func TestCommitHookFailure(t *testing.T) {
	c, manager := setup(t)
	hookErr := errors.New("hook failed")

	tx, err := manager.Begin(context.Background(), txn.Optimistic, txn.RepeatableRead)
	require.NoError(t, err)
	_, err = tx.Entry(context.Background(), 1, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, tx.Stage([]byte("a"), []byte("1"), false))
	require.NoError(t, tx.BeforeCommit(func(ctx context.Context) error { return hookErr }))

	err = tx.Commit(context.Background())
	assert.True(t, errors.Is(err, hookErr))
	assert.Equal(t, txn.RolledBack, tx.State())
	assert.False(t, read(t, c, 1, "a").Exists)
}

func TestUnreachablePrimary(t *testing.T) {
	c, manager := setup(t)
	node, _, err := c.Route(c.Topology(), 1)
	require.NoError(t, err)
	node.InjectFaults(1)

	tx, err := manager.Begin(context.Background(), txn.Optimistic, txn.RepeatableRead)
	require.NoError(t, err)

	_, err = tx.Entry(context.Background(), 1, []byte("a"))
	assert.Equal(t, cluster.ErrUnreachable, err)

	_, err = tx.Entry(context.Background(), 1, []byte("a"))
	assert.NoError(t, err)
}

func TestReplicationFailureStillCommits(t *testing.T) {
	faults := &kv.Faults{}
	c, err := cluster.New(cluster.Config{
		Nodes:      3,
		Partitions: 8,
		Backups:    1,
		Plugin:     &kv.FaultPlugin{Plugin: &kv.MemoryPlugin{}, Faults: faults},
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	manager, err := txn.NewManager(txn.ManagerConfig{Cluster: c})
	require.NoError(t, err)

	tx, err := manager.Begin(context.Background(), txn.Pessimistic, txn.RepeatableRead)
	require.NoError(t, err)
	_, err = tx.Entry(context.Background(), 1, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, tx.Stage([]byte("a"), []byte("1"), false))

	faults.FailInstalls(true)

	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, txn.Committed, tx.State())
	assert.Equal(t, kv.Entry{Value: []byte("1"), Version: 1, Exists: true}, read(t, c, 1, "a"))

	for _, node := range c.Nodes() {
		assert.Equal(t, 0, node.Locks().Len())
	}
}

func TestCommitHooksRunAfterWrites(t *testing.T) {
	c, manager := setup(t)

	tx, err := manager.Begin(context.Background(), txn.Pessimistic, txn.RepeatableRead)
	require.NoError(t, err)
	_, err = tx.Entry(context.Background(), 1, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, tx.Stage([]byte("a"), []byte("1"), false))

	partition := primary(t, c, 1)
	var seen kv.Entry

	require.NoError(t, tx.BeforeCommit(func(ctx context.Context) error {
		var err error
		seen, err = partition.Read([]byte("a"))

		return err
	}))

	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, "1", string(seen.Value))
}

func TestCommitAfterTopologyChange(t *testing.T) {
	c, manager := setup(t)

	tx, err := manager.Begin(context.Background(), txn.Optimistic, txn.RepeatableRead)
	require.NoError(t, err)
	_, err = tx.Entry(context.Background(), 1, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, tx.Stage([]byte("a"), []byte("2"), false))

	node, _, err := c.Route(c.Topology(), 1)
	require.NoError(t, err)
	require.NoError(t, c.Stop(node.ID()))

	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, kv.Entry{Value: []byte("2"), Version: 1, Exists: true}, read(t, c, 1, "a"))
}
