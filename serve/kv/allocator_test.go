package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocksForTokens(t *testing.T) {
	a := NewBlockAllocator(8, 16)

	tests := []struct {
		tokens int
		blocks int
	}{
		{0, 0},
		{1, 1},
		{16, 1},
		{17, 2},
		{32, 2},
		{33, 3},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.blocks, a.BlocksForTokens(tc.tokens), "tokens=%d", tc.tokens)
	}
}

func TestAllocate_AllOrNothing(t *testing.T) {
	// GIVEN a pool of 4 with 3 already allocated.
	a := NewBlockAllocator(4, 16)
	held, ok := a.Allocate(3)
	require.True(t, ok)
	require.Len(t, held, 3)

	// WHEN more is requested than remains.
	blocks, ok := a.Allocate(2)

	// THEN nothing is handed out and the pool is untouched.
	assert.False(t, ok)
	assert.Nil(t, blocks)
	assert.Equal(t, 1, a.FreeBlocks())

	// The remainder is still allocatable.
	_, ok = a.Allocate(1)
	assert.True(t, ok)
	assert.Equal(t, 0, a.FreeBlocks())
}

func TestFree_RecyclesInReleaseOrder(t *testing.T) {
	a := NewBlockAllocator(4, 16)
	first, ok := a.Allocate(2)
	require.True(t, ok)
	second, ok := a.Allocate(2)
	require.True(t, ok)

	// Release the second set before the first.
	a.Free(second)
	a.Free(first)
	require.Equal(t, 4, a.FreeBlocks())

	// The free list is FIFO: blocks come back in release order.
	recycled, ok := a.Allocate(4)
	require.True(t, ok)
	assert.Equal(t, append(append([]int{}, second...), first...), recycled)
}

func TestFree_DoubleFreePanics(t *testing.T) {
	a := NewBlockAllocator(2, 16)
	blocks, ok := a.Allocate(1)
	require.True(t, ok)
	a.Free(blocks)

	assert.Panics(t, func() { a.Free(blocks) })
}

func TestNewBlockAllocator_RejectsBadGeometry(t *testing.T) {
	assert.Panics(t, func() { NewBlockAllocator(0, 16) })
	assert.Panics(t, func() { NewBlockAllocator(8, 0) })
}
