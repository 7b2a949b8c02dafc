package affinity_test

import (
	"fmt"
	"testing"

	"github.com/jrife/plover/affinity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodes(n int) []affinity.NodeID {
	result := make([]affinity.NodeID, n)

	for i := range result {
		result[i] = affinity.NodeID(fmt.Sprintf("node-%d", i))
	}

	return result
}

func TestPartitionIsDeterministic(t *testing.T) {
	fn := affinity.New(64, 1)

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		p := fn.Partition(key)

		assert.Less(t, p, uint32(64))
		assert.Equal(t, p, fn.Partition(append([]byte(nil), key...)))
	}
}

func TestDefaultPartitions(t *testing.T) {
	assert.Equal(t, affinity.DefaultPartitions, affinity.New(0, 0).Partitions())
	assert.Equal(t, 0, affinity.New(8, -3).Backups())
}

func TestAssign(t *testing.T) {
	testCases := map[string]struct {
		nodes    int
		backups  int
		expected int
	}{
		"no-nodes":         {nodes: 0, backups: 2, expected: 0},
		"single-node":      {nodes: 1, backups: 2, expected: 1},
		"enough-nodes":     {nodes: 5, backups: 2, expected: 3},
		"no-backups":       {nodes: 5, backups: 0, expected: 1},
		"exact-node-count": {nodes: 3, backups: 2, expected: 3},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			fn := affinity.New(32, testCase.backups)

			for p := uint32(0); p < 32; p++ {
				owners := fn.Assign(p, nodes(testCase.nodes))

				require.Len(t, owners, testCase.expected)

				seen := map[affinity.NodeID]bool{}

				for _, owner := range owners {
					assert.False(t, seen[owner], "owner %s appears twice", owner)
					seen[owner] = true
				}
			}
		})
	}
}

func TestAssignOnlyMovesPartitionsOfRemovedNode(t *testing.T) {
	fn := affinity.New(128, 1)
	all := nodes(4)
	removed := all[2]
	remaining := []affinity.NodeID{all[0], all[1], all[3]}

	for p := uint32(0); p < 128; p++ {
		before := fn.Assign(p, all)
		after := fn.Assign(p, remaining)

		if before[0] != removed {
			assert.Equal(t, before[0], after[0], "partition %d moved although its primary stayed", p)
		} else {
			// The old backup takes over
			assert.Equal(t, before[1], after[0])
		}
	}
}

func TestTopology(t *testing.T) {
	fn := affinity.New(16, 1)
	topology := affinity.NewTopology(fn, 3, []affinity.NodeID{"c", "a", "b"})

	assert.Equal(t, uint64(3), topology.Version())
	assert.Equal(t, []affinity.NodeID{"a", "b", "c"}, topology.Nodes())

	for p := uint32(0); p < 16; p++ {
		owners := topology.Owners(p)
		primary, ok := topology.Primary(p)

		require.True(t, ok)
		assert.Equal(t, owners[0], primary)
		assert.True(t, topology.IsPrimary(primary, p))
		assert.True(t, topology.IsPrimaryOrBackup(owners[1], p))
		assert.False(t, topology.IsPrimary(owners[1], p))
	}

	_, ok := affinity.NewTopology(fn, 0, nil).Primary(0)

	assert.False(t, ok)
}
