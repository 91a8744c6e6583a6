package worker

import "github.com/JakeFAU/catalog-harvester/internal/harvest"

// Partition assigns item i to worker i mod workers. It always returns workers slices;
// some may be empty when there are fewer items than workers.
func Partition(items []harvest.WorkItem, workers int) [][]harvest.WorkItem {
	if workers < 1 {
		workers = 1
	}
	parts := make([][]harvest.WorkItem, workers)
	for i, item := range items {
		parts[i%workers] = append(parts[i%workers], item)
	}
	return parts
}
