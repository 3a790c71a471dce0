package models

// ChunkPlan is the persisted ordered list of chunk byte sizes for a file.
// It is computed once, before the first chunk is accepted, and immutable
// afterwards so resumed sessions reproduce identical byte boundaries.
type ChunkPlan struct {
	FileID string
	Sizes  []int64
}

// TotalSize returns the sum of all planned chunk sizes.
func (p *ChunkPlan) TotalSize() int64 {
	var total int64
	for _, s := range p.Sizes {
		total += s
	}
	return total
}
