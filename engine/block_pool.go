// engine/block_pool.go
package engine

import (
	"fmt"
)

// Block is a fixed-capacity unit of KV cache storage.
// A block is owned by one sequence (RefCount == 1) or shared read-only
// by several (forked beams, prefix-cache hits). Once full and computed it
// carries a chained prefix hash and may be found through the
// PrefixCacheIndex, even after its last owner released it.
type Block struct {
	ID       int    // Stable index into the pool
	RefCount int    // Number of sequences referencing this block
	Hash     uint64 // Prefix hash of this block and its lineage (valid if Hashed)
	Hashed   bool   // Whether the block is registered in the prefix index
	Tokens   []int  // Token ids stored in a hashed block, used to verify cache hits

	prevFree *Block // free list: previous free block
	nextFree *Block // free list: next free block
	free     bool   // whether the block sits on the free list
}

// BlockPool is the fixed arena of KV cache blocks of one pipeline.
// Free blocks live on a doubly linked list: blocks without cached content
// sit at the head and are reused first; hashed blocks are appended at the
// tail so that the least recently released cached block is evicted first.
//
// BlockPool is not safe for concurrent use.
type BlockPool struct {
	blockSize int
	blocks    []*Block
	freeHead  *Block
	freeTail  *Block
	numFree   int
	index     *PrefixCacheIndex

	corrupted error // first refcount violation seen; fatal for the pipeline
}

// NewBlockPool creates a pool of numBlocks blocks, all free. index may be
// nil when prefix caching is not used.
func NewBlockPool(numBlocks, blockSize int, index *PrefixCacheIndex) *BlockPool {
	if numBlocks <= 0 || blockSize <= 0 {
		panic(fmt.Sprintf("NewBlockPool: numBlocks and blockSize must be > 0, got %d, %d", numBlocks, blockSize))
	}
	p := &BlockPool{
		blockSize: blockSize,
		blocks:    make([]*Block, numBlocks),
		index:     index,
	}
	for i := 0; i < numBlocks; i++ {
		blk := &Block{ID: i}
		p.blocks[i] = blk
		p.appendToFreeList(blk)
	}
	return p
}

// BlockSize returns the number of token slots per block.
func (p *BlockPool) BlockSize() int { return p.blockSize }

// TotalBlocks returns the pool capacity.
func (p *BlockPool) TotalBlocks() int { return len(p.blocks) }

// NumFree returns the number of blocks with no references, cached or not.
func (p *BlockPool) NumFree() int { return p.numFree }

// NumUsed returns the number of referenced blocks.
func (p *BlockPool) NumUsed() int { return len(p.blocks) - p.numFree }

// Usage returns the fraction of blocks in use, in [0, 1].
func (p *BlockPool) Usage() float64 {
	return float64(p.NumUsed()) / float64(len(p.blocks))
}

// Block returns the block with the given id.
func (p *BlockPool) Block(id int) *Block { return p.blocks[id] }

// Allocate hands out n fresh blocks with RefCount 1. It never blocks: if
// fewer than n blocks are free it allocates nothing and returns
// ErrOutOfBlocks. Reusing a cached block evicts it from the prefix index.
func (p *BlockPool) Allocate(n int) ([]*Block, error) {
	if n > p.numFree {
		return nil, fmt.Errorf("%w: need %d, free %d", ErrOutOfBlocks, n, p.numFree)
	}
	out := make([]*Block, 0, n)
	for i := 0; i < n; i++ {
		blk := p.freeHead
		p.removeFromFreeList(blk)
		if blk.Hashed {
			if p.index != nil {
				p.index.Remove(blk.Hash, blk)
			}
			blk.Hashed = false
			blk.Hash = 0
		}
		blk.Tokens = nil
		blk.RefCount = 1
		out = append(out, blk)
	}
	return out, nil
}

// Attach adds a reference to blk, pulling it off the free list if it was
// an unreferenced cached block.
func (p *BlockPool) Attach(blk *Block) {
	if blk.RefCount == 0 {
		p.removeFromFreeList(blk)
	}
	blk.RefCount++
}

// Fork adds one reference to every block in blocks, for a child sequence
// that shares its parent's block table.
func (p *BlockPool) Fork(blocks []*Block) {
	for _, blk := range blocks {
		p.Attach(blk)
	}
}

// Free drops one reference from each block. Blocks are released in
// reverse order: the tail of a chain hashes the most tokens and is the
// least likely to be reused, so it should be evicted first.
// It returns the number of blocks whose refcount reached zero.
func (p *BlockPool) Free(blocks []*Block) int {
	reclaimed := 0
	for i := len(blocks) - 1; i >= 0; i-- {
		blk := blocks[i]
		if blk.RefCount <= 0 {
			if p.corrupted == nil {
				p.corrupted = fmt.Errorf("%w: block %d released with refcount %d", ErrBlockPoolCorrupted, blk.ID, blk.RefCount)
			}
			continue
		}
		blk.RefCount--
		if blk.RefCount == 0 {
			reclaimed++
			if blk.Hashed {
				p.appendToFreeList(blk)
			} else {
				p.prependToFreeList(blk)
			}
		}
	}
	return reclaimed
}

// Evict releases every block of a victim sequence and clears its block
// table. Blocks still referenced by other sequences survive; the return
// value counts only blocks actually returned to the free list.
func (p *BlockPool) Evict(seq *Sequence) int {
	reclaimed := p.Free(seq.blocks)
	seq.blocks = nil
	return reclaimed
}

// CopyOnWrite replaces a shared block by a private copy. The caller owns
// the returned block; the old block loses one reference.
func (p *BlockPool) CopyOnWrite(old *Block) (*Block, error) {
	fresh, err := p.Allocate(1)
	if err != nil {
		return nil, err
	}
	p.Free([]*Block{old})
	return fresh[0], nil
}

// CheckIntegrity verifies refcount and free-list conservation.
// A non-nil result wraps ErrBlockPoolCorrupted.
func (p *BlockPool) CheckIntegrity() error {
	if p.corrupted != nil {
		return p.corrupted
	}
	onList := 0
	for blk := p.freeHead; blk != nil; blk = blk.nextFree {
		if !blk.free || blk.RefCount != 0 {
			return fmt.Errorf("%w: block %d on free list with refcount %d", ErrBlockPoolCorrupted, blk.ID, blk.RefCount)
		}
		onList++
		if onList > len(p.blocks) {
			return fmt.Errorf("%w: free list cycle", ErrBlockPoolCorrupted)
		}
	}
	if onList != p.numFree {
		return fmt.Errorf("%w: free list holds %d blocks, counter says %d", ErrBlockPoolCorrupted, onList, p.numFree)
	}
	for _, blk := range p.blocks {
		if blk.RefCount < 0 || (blk.RefCount == 0) != blk.free {
			return fmt.Errorf("%w: block %d refcount %d free=%v", ErrBlockPoolCorrupted, blk.ID, blk.RefCount, blk.free)
		}
	}
	return nil
}

// appendToFreeList inserts a block at the tail of the free list.
func (p *BlockPool) appendToFreeList(blk *Block) {
	blk.nextFree = nil
	blk.prevFree = p.freeTail
	// in a doubly linked list, either both head and tail are nil, or neither is
	if p.freeTail != nil {
		p.freeTail.nextFree = blk
	} else {
		p.freeHead = blk
	}
	p.freeTail = blk
	blk.free = true
	p.numFree++
}

// prependToFreeList inserts a block at the head of the free list.
func (p *BlockPool) prependToFreeList(blk *Block) {
	blk.prevFree = nil
	blk.nextFree = p.freeHead
	if p.freeHead != nil {
		p.freeHead.prevFree = blk
	} else {
		p.freeTail = blk
	}
	p.freeHead = blk
	blk.free = true
	p.numFree++
}

// removeFromFreeList detaches a block from the free list.
func (p *BlockPool) removeFromFreeList(blk *Block) {
	if blk.prevFree != nil {
		// a - blk - c => a - c
		blk.prevFree.nextFree = blk.nextFree
	} else {
		// blk - c => c
		p.freeHead = blk.nextFree
	}
	if blk.nextFree != nil {
		blk.nextFree.prevFree = blk.prevFree
	} else {
		// a - blk => a
		p.freeTail = blk.prevFree
	}
	blk.nextFree = nil
	blk.prevFree = nil
	blk.free = false
	p.numFree--
}
