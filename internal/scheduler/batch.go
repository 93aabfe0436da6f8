package scheduler

// PlanBatches slices titles into consecutive batches of at most
// maxParallel, preserving order. A non-positive maxParallel is treated as 1.
func PlanBatches(titles []string, maxParallel int) [][]string {
	if maxParallel < 1 {
		maxParallel = 1
	}
	var batches [][]string
	for start := 0; start < len(titles); start += maxParallel {
		end := min(start+maxParallel, len(titles))
		batches = append(batches, titles[start:end:end])
	}
	return batches
}
