package rebalance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartition(t *testing.T) {
	in := []string{"c1", "c2", "c3", "c4", "c5"}
	batches := Partition(in, 2)
	assert.Equal(t, [][]string{{"c1", "c2", "c3"}, {"c4", "c5"}}, batches)
}

func TestPartitionEmptyTrailingBatches(t *testing.T) {
	batches := Partition([]string{"a", "b"}, 4)
	assert.Len(t, batches, 4)
	assert.Equal(t, []string{"a"}, batches[0])
	assert.Equal(t, []string{"b"}, batches[1])
	assert.Empty(t, batches[2])
	assert.Empty(t, batches[3])

	batches = Partition([]string{}, 3)
	assert.Len(t, batches, 3)
	for _, b := range batches {
		assert.Empty(t, b)
	}
}

func TestPartitionNoNodes(t *testing.T) {
	assert.Nil(t, Partition([]int{1, 2}, 0))
	assert.Equal(t, 0, BatchSize(5, 0))
}

func TestPartitionConservation(t *testing.T) {
	for total := 0; total < 30; total++ {
		for nodes := 1; nodes < 8; nodes++ {
			in := make([]int, total)
			for i := range in {
				in[i] = i
			}
			batches := Partition(in, nodes)
			assert.Len(t, batches, nodes)
			var seen []int
			for _, b := range batches {
				assert.LessOrEqual(t, len(b), BatchSize(total, nodes))
				seen = append(seen, b...)
			}
			if total == 0 {
				assert.Empty(t, seen)
			} else {
				assert.Equal(t, in, seen, "total=%d nodes=%d", total, nodes)
			}
		}
	}
}

func TestPartitionBatchesDoNotAlias(t *testing.T) {
	in := []int{1, 2, 3, 4}
	batches := Partition(in, 2)
	batches[0] = append(batches[0], 99)
	assert.Equal(t, []int{1, 2, 3, 4}, in)
}
