// Package chunkplan computes deterministic chunk-size plans and the offset
// arithmetic the streaming engine needs to map byte ranges onto chunks.
//
// A plan is drawn once per file: chunk sizes are random within configured
// bounds so chunk boundaries do not leak structure, and the final chunk is
// clamped to the remaining bytes. Because the plan is persisted immediately,
// a resumed upload reproduces identical byte boundaries no matter when or
// from where it resumes.
package chunkplan

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/chunkvault/chunkvault/internal/common"
)

// Default chunk size bounds.
const (
	DefaultMinChunkSize int64 = 2 << 20 // 2 MiB
	DefaultMaxChunkSize int64 = 3 << 20 // 3 MiB
)

// Planner draws chunk-size plans within fixed bounds.
type Planner struct {
	minSize int64
	maxSize int64
}

// NewPlanner validates the bounds and returns a planner.
func NewPlanner(minSize, maxSize int64) (*Planner, error) {
	if minSize <= 0 || maxSize < minSize {
		return nil, fmt.Errorf("%w: invalid chunk bounds [%d, %d]", common.ErrValidation, minSize, maxSize)
	}
	return &Planner{minSize: minSize, maxSize: maxSize}, nil
}

// Plan returns an ordered list of chunk sizes summing to totalSize. Every
// entry is within [minSize, maxSize] except possibly the last, which is
// clamped to the remaining bytes. totalSize of zero yields an empty plan
// (a zero-chunk file).
func (p *Planner) Plan(totalSize int64) ([]int64, error) {
	if totalSize < 0 {
		return nil, fmt.Errorf("%w: negative total size %d", common.ErrValidation, totalSize)
	}

	spread := big.NewInt(p.maxSize - p.minSize + 1)

	sizes := make([]int64, 0, totalSize/p.minSize+1)
	var planned int64
	for planned < totalSize {
		draw, err := rand.Int(rand.Reader, spread)
		if err != nil {
			return nil, fmt.Errorf("drawing chunk size: %w", err)
		}
		size := p.minSize + draw.Int64()
		if remaining := totalSize - planned; size > remaining {
			size = remaining
		}
		sizes = append(sizes, size)
		planned += size
	}
	return sizes, nil
}

// Extent describes one chunk's byte range within the assembled file.
type Extent struct {
	// Seq is the 1-based chunk sequence number.
	Seq int
	// Offset is the chunk's first byte position in the file.
	Offset int64
	// Size is the chunk's byte count.
	Size int64
}

// Offsets returns the cumulative start offset of each chunk in the plan.
func Offsets(sizes []int64) []int64 {
	offsets := make([]int64, len(sizes))
	var cum int64
	for i, s := range sizes {
		offsets[i] = cum
		cum += s
	}
	return offsets
}

// Intersecting returns the extents of the chunks whose byte ranges overlap
// the inclusive range [start, end], in order. The range must satisfy
// 0 <= start <= end and start < total plan size; anything else reports
// common.ErrRangeNotSatisfiable.
func Intersecting(sizes []int64, start, end int64) ([]Extent, error) {
	var total int64
	for _, s := range sizes {
		total += s
	}
	if start < 0 || start > end || start >= total {
		return nil, fmt.Errorf("%w: [%d, %d] of %d bytes", common.ErrRangeNotSatisfiable, start, end, total)
	}
	if end >= total {
		end = total - 1
	}

	var result []Extent
	var offset int64
	for i, s := range sizes {
		if offset+s > start && offset <= end {
			result = append(result, Extent{Seq: i + 1, Offset: offset, Size: s})
		}
		offset += s
		if offset > end {
			break
		}
	}
	return result, nil
}
