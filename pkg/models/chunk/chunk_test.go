package chunk_test

import (
	"testing"

	"github.com/range-sharding/chunkmover/pkg/models/chunk"
	"github.com/stretchr/testify/assert"
)

func TestOverlaps(t *testing.T) {
	assert := assert.New(t)

	for _, tcase := range []struct {
		a        *chunk.ChunkRange
		b        *chunk.ChunkRange
		overlaps bool
	}{
		// identical
		{chunk.NewChunkRange([]byte("a"), []byte("m")), chunk.NewChunkRange([]byte("a"), []byte("m")), true},
		// strictly inside
		{chunk.NewChunkRange([]byte("a"), []byte("z")), chunk.NewChunkRange([]byte("d"), []byte("f")), true},
		// partial overlap on the right
		{chunk.NewChunkRange([]byte("a"), []byte("m")), chunk.NewChunkRange([]byte("h"), []byte("z")), true},
		// partial overlap on the left
		{chunk.NewChunkRange([]byte("h"), []byte("z")), chunk.NewChunkRange([]byte("a"), []byte("m")), true},
		// touching bounds are disjoint: [0,10) vs [10,20)
		{chunk.NewChunkRange([]byte("0"), []byte("10")), chunk.NewChunkRange([]byte("10"), []byte("20")), false},
		{chunk.NewChunkRange([]byte("a"), []byte("h")), chunk.NewChunkRange([]byte("h"), []byte("z")), false},
		// fully disjoint
		{chunk.NewChunkRange([]byte("a"), []byte("c")), chunk.NewChunkRange([]byte("x"), []byte("z")), false},
	} {
		assert.Equal(tcase.overlaps, tcase.a.Overlaps(tcase.b))
		assert.Equal(tcase.overlaps, tcase.b.Overlaps(tcase.a))
	}
}

func TestCmpBounds(t *testing.T) {
	assert := assert.New(t)

	// same length orders bytewise, shorter orders first
	assert.Equal(-1, chunk.CmpBounds([]byte("a"), []byte("b")))
	assert.Equal(0, chunk.CmpBounds([]byte("ab"), []byte("ab")))
	assert.Equal(1, chunk.CmpBounds([]byte("b"), []byte("a")))
	assert.Equal(-1, chunk.CmpBounds([]byte("9"), []byte("10")))
	assert.Equal(1, chunk.CmpBounds([]byte("100"), []byte("99")))
}

func TestContains(t *testing.T) {
	assert := assert.New(t)

	r := chunk.NewChunkRange([]byte("b"), []byte("f"))

	assert.True(r.Contains([]byte("b")))
	assert.True(r.Contains([]byte("d")))
	assert.False(r.Contains([]byte("f")))
	assert.False(r.Contains([]byte("a")))
}

func TestValid(t *testing.T) {
	assert := assert.New(t)

	assert.True(chunk.NewChunkRange([]byte("a"), []byte("b")).Valid())
	assert.False(chunk.NewChunkRange([]byte("b"), []byte("a")).Valid())
	assert.False(chunk.NewChunkRange([]byte("a"), []byte("a")).Valid())
}
