// Package kv provides the paged KV block allocator backing the paged
// batching strategy. Blocks are fixed-size token slots handed out at
// admission and returned at teardown; admission defers when the pool is
// exhausted.
package kv

import "fmt"

// BlockAllocator tracks a fixed pool of KV blocks. Free blocks are kept in
// a FIFO free list so block ids are recycled in release order.
type BlockAllocator struct {
	totalBlocks     int
	blockSizeTokens int
	free            []int
	inUse           map[int]bool
}

// NewBlockAllocator initializes the allocator with every block free.
func NewBlockAllocator(totalBlocks, blockSizeTokens int) *BlockAllocator {
	if totalBlocks <= 0 || blockSizeTokens <= 0 {
		panic(fmt.Sprintf("kv: invalid allocator geometry %d blocks x %d tokens", totalBlocks, blockSizeTokens))
	}
	a := &BlockAllocator{
		totalBlocks:     totalBlocks,
		blockSizeTokens: blockSizeTokens,
		free:            make([]int, totalBlocks),
		inUse:           make(map[int]bool, totalBlocks),
	}
	for i := range a.free {
		a.free[i] = i
	}
	return a
}

// BlockSizeTokens returns the tokens-per-block geometry.
func (a *BlockAllocator) BlockSizeTokens() int { return a.blockSizeTokens }

// TotalBlocks returns the pool capacity.
func (a *BlockAllocator) TotalBlocks() int { return a.totalBlocks }

// FreeBlocks returns the number of unallocated blocks.
func (a *BlockAllocator) FreeBlocks() int { return len(a.free) }

// BlocksForTokens returns how many blocks cover n tokens.
func (a *BlockAllocator) BlocksForTokens(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + a.blockSizeTokens - 1) / a.blockSizeTokens
}

// Allocate hands out n blocks, or reports failure without allocating
// anything when fewer than n are free.
func (a *BlockAllocator) Allocate(n int) ([]int, bool) {
	if n > len(a.free) {
		return nil, false
	}
	blocks := make([]int, n)
	copy(blocks, a.free[:n])
	a.free = a.free[n:]
	for _, id := range blocks {
		a.inUse[id] = true
	}
	return blocks, true
}

// Free returns blocks to the pool. Freeing a block that is not in use
// panics: double-free means request teardown ran twice, which breaks the
// remove-exactly-once discipline upstream.
func (a *BlockAllocator) Free(blocks []int) {
	for _, id := range blocks {
		if !a.inUse[id] {
			panic(fmt.Sprintf("kv: double free of block %d", id))
		}
		delete(a.inUse, id)
		a.free = append(a.free, id)
	}
}
