package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockPool_Allocate_FailsFastWithoutPartialAllocation(t *testing.T) {
	// GIVEN a pool of 3 blocks
	pool := NewBlockPool(3, 4, nil)

	// WHEN 4 blocks are requested
	blocks, err := pool.Allocate(4)

	// THEN nothing is handed out
	assert.ErrorIs(t, err, ErrOutOfBlocks)
	assert.Nil(t, blocks)
	assert.Equal(t, 3, pool.NumFree())
}

func TestBlockPool_Free_UnhashedReusedFirstHashedLast(t *testing.T) {
	// GIVEN all 4 blocks allocated, block 0 registered in the prefix index
	idx := NewPrefixCacheIndex(4, true)
	pool := NewBlockPool(4, 4, idx)
	blocks, err := pool.Allocate(4)
	require.NoError(t, err)
	idx.Insert(99, []int{1, 2, 3, 4}, blocks[0])

	// WHEN blocks 0 and 1 are released
	pool.Free(blocks[:2])

	// THEN the unhashed block is reused first and the cached block survives until last
	next, err := pool.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, blocks[1].ID, next[0].ID)
	cached, ok := idx.Lookup(99)
	require.True(t, ok)
	assert.Equal(t, blocks[0], cached)

	// WHEN the cached block is reused
	last, err := pool.Allocate(1)
	require.NoError(t, err)

	// THEN its hash leaves the index
	assert.Equal(t, blocks[0].ID, last[0].ID)
	_, ok = idx.Lookup(99)
	assert.False(t, ok)
	assert.False(t, last[0].Hashed)
}

func TestBlockPool_Free_ReleasesChainTailFirst(t *testing.T) {
	idx := NewPrefixCacheIndex(2, true)
	pool := NewBlockPool(3, 2, idx)
	chain, err := pool.Allocate(3)
	require.NoError(t, err)
	for i, b := range chain {
		idx.Insert(uint64(i+1), []int{i, i}, b)
	}

	// WHEN the whole chain is released
	assert.Equal(t, 3, pool.Free(chain))

	// THEN the last block of the chain is evicted first
	got, err := pool.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, chain[2].ID, got[0].ID)
}

func TestBlockPool_SharedBlocks_NotReclaimedWhileReferenced(t *testing.T) {
	// GIVEN a parent and a forked child sharing two blocks
	pool := NewBlockPool(4, 4, nil)
	parent := newSequence(0, "r", []int{1, 2, 3, 4, 5})
	blocks, err := pool.Allocate(2)
	require.NoError(t, err)
	parent.blocks = blocks
	child := parent.fork(1)
	pool.Fork(child.blocks)

	// WHEN the parent is evicted
	reclaimed := pool.Evict(parent)

	// THEN nothing returns to the pool until the child lets go
	assert.Zero(t, reclaimed)
	assert.Equal(t, 2, pool.NumFree())
	assert.Nil(t, parent.blocks)
	assert.Equal(t, 2, pool.Evict(child))
	assert.Equal(t, 4, pool.NumFree())
	assert.NoError(t, pool.CheckIntegrity())
}

func TestBlockPool_CopyOnWrite_MovesOneReference(t *testing.T) {
	pool := NewBlockPool(2, 4, nil)
	blocks, err := pool.Allocate(1)
	require.NoError(t, err)
	shared := blocks[0]
	pool.Attach(shared)

	fresh, err := pool.CopyOnWrite(shared)
	require.NoError(t, err)

	assert.NotEqual(t, shared.ID, fresh.ID)
	assert.Equal(t, 1, shared.RefCount)
	assert.Equal(t, 1, fresh.RefCount)
	assert.Zero(t, pool.NumFree())

	_, err = pool.CopyOnWrite(shared)
	assert.ErrorIs(t, err, ErrOutOfBlocks)
}

func TestBlockPool_Attach_PullsCachedBlockOffFreeList(t *testing.T) {
	idx := NewPrefixCacheIndex(4, true)
	pool := NewBlockPool(2, 4, idx)
	blocks, err := pool.Allocate(1)
	require.NoError(t, err)
	idx.Insert(7, []int{1, 2, 3, 4}, blocks[0])
	pool.Free(blocks)
	require.Equal(t, 2, pool.NumFree())

	pool.Attach(blocks[0])

	assert.Equal(t, 1, pool.NumFree())
	assert.Equal(t, 1, blocks[0].RefCount)
	assert.NoError(t, pool.CheckIntegrity())
}

func TestBlockPool_DoubleFree_IsCorruption(t *testing.T) {
	pool := NewBlockPool(2, 4, nil)
	blocks, err := pool.Allocate(1)
	require.NoError(t, err)
	pool.Free(blocks)
	pool.Free(blocks)

	assert.ErrorIs(t, pool.CheckIntegrity(), ErrBlockPoolCorrupted)
}

func TestBlockPool_Usage(t *testing.T) {
	pool := NewBlockPool(4, 4, nil)
	_, err := pool.Allocate(1)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, pool.Usage(), 1e-9)
	assert.Equal(t, 1, pool.NumUsed())
	assert.Equal(t, 4, pool.TotalBlocks())
}

func TestNewBlockPool_InvalidSize_Panics(t *testing.T) {
	assert.Panics(t, func() { NewBlockPool(0, 4, nil) })
}
