package chunk

import (
	"bytes"
	"fmt"
)

type RangeBound []byte

// ChunkRange is a half-open key interval [Min, Max) owned by exactly one
// shard at a time. Bounds are opaque byte keys.
type ChunkRange struct {
	Min RangeBound
	Max RangeBound
}

func NewChunkRange(min, max []byte) *ChunkRange {
	return &ChunkRange{
		Min: min,
		Max: max,
	}
}

// CmpBounds orders bounds by length, then bytewise. This is the order the
// document store applies to binary values, so native range queries and
// client-side checks agree across backends.
func CmpBounds(b []byte, other []byte) int {
	if len(b) == len(other) {
		return bytes.Compare(b, other)
	}
	if len(b) < len(other) {
		return -1
	}
	return 1
}

// Overlaps reports whether two half-open ranges intersect. Ranges that only
// touch at a bound, e.g. [0,10) and [10,20), do not overlap.
func (r *ChunkRange) Overlaps(other *ChunkRange) bool {
	return CmpBounds(other.Max, r.Min) > 0 && CmpBounds(other.Min, r.Max) < 0
}

func (r *ChunkRange) Contains(key []byte) bool {
	return CmpBounds(r.Min, key) <= 0 && CmpBounds(key, r.Max) < 0
}

func (r *ChunkRange) Valid() bool {
	return CmpBounds(r.Min, r.Max) < 0
}

func (r *ChunkRange) String() string {
	return fmt.Sprintf("[%s, %s)", string(r.Min), string(r.Max))
}
