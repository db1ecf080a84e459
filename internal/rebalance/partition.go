package rebalance

// BatchSize is ceil(total / nodes), the most configurations any node holds.
func BatchSize(total, nodes int) int {
	if nodes <= 0 {
		return 0
	}
	return (total + nodes - 1) / nodes
}

// Partition splits items into exactly n contiguous batches of at most
// BatchSize(len(items), n), preserving order. Trailing batches may be empty
// so that every node is told what it should run.
func Partition[T any](items []T, n int) [][]T {
	if n <= 0 {
		return nil
	}
	size := BatchSize(len(items), n)
	batches := make([][]T, n)
	for i := range batches {
		start := i * size
		if start > len(items) {
			start = len(items)
		}
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches[i] = items[start:end:end]
	}
	return batches
}
