package engine

import (
	"slices"

	"github.com/inference-sim/cbengine/engine/internal/hash"
)

// PrefixCacheIndex maps chained block hashes to the blocks holding that
// content. A block stays indexed while it sits on the free list and is
// dropped only when the pool hands it out again.
type PrefixCacheIndex struct {
	blockSize int
	enabled   bool
	entries   map[uint64]*Block

	hits   int64 // blocks reused from cache
	misses int64 // blocks looked up and not found
}

// NewPrefixCacheIndex creates an index. A disabled index never matches
// and never stores anything.
func NewPrefixCacheIndex(blockSize int, enabled bool) *PrefixCacheIndex {
	return &PrefixCacheIndex{
		blockSize: blockSize,
		enabled:   enabled,
		entries:   make(map[uint64]*Block),
	}
}

// Enabled reports whether prefix caching is on.
func (idx *PrefixCacheIndex) Enabled() bool { return idx.enabled }

// Len returns the number of indexed blocks.
func (idx *PrefixCacheIndex) Len() int { return len(idx.entries) }

// Lookup returns the block registered under h.
func (idx *PrefixCacheIndex) Lookup(h uint64) (*Block, bool) {
	if !idx.enabled {
		return nil, false
	}
	b, ok := idx.entries[h]
	return b, ok
}

// LookupChain returns the blocks of the longest prefix of hashes that is
// fully indexed. It does not update hit counters.
func (idx *PrefixCacheIndex) LookupChain(hashes []uint64) []*Block {
	var chain []*Block
	for _, h := range hashes {
		blk, ok := idx.Lookup(h)
		if !ok {
			break
		}
		chain = append(chain, blk)
	}
	return chain
}

// Insert registers a full, computed block under its chained hash. An
// existing entry wins; Insert reports whether blk was registered.
func (idx *PrefixCacheIndex) Insert(h uint64, tokens []int, blk *Block) bool {
	if !idx.enabled {
		return false
	}
	if _, ok := idx.entries[h]; ok {
		return false
	}
	blk.Hash = h
	blk.Hashed = true
	blk.Tokens = slices.Clone(tokens)
	idx.entries[h] = blk
	return true
}

// Remove drops h if it still maps to blk.
func (idx *PrefixCacheIndex) Remove(h uint64, blk *Block) {
	if cur, ok := idx.entries[h]; ok && cur == blk {
		delete(idx.entries, h)
	}
}

// Match returns the longest chain of cached blocks covering a prefix of
// tokens, at most maxBlocks long. Stored tokens are compared so that a
// hash collision never yields a wrong hit.
func (idx *PrefixCacheIndex) Match(tokens []int, maxBlocks int) []*Block {
	if !idx.enabled || maxBlocks <= 0 {
		return nil
	}
	var chain []*Block
	var prev uint64
	for i := 0; i < maxBlocks; i++ {
		start := i * idx.blockSize
		if start+idx.blockSize > len(tokens) {
			break
		}
		content := tokens[start : start+idx.blockSize]
		prev = hash.HashBlock(prev, content)
		blk, ok := idx.entries[prev]
		if !ok || !slices.Equal(blk.Tokens, content) {
			idx.misses += int64(maxBlocks - i)
			break
		}
		chain = append(chain, blk)
	}
	idx.hits += int64(len(chain))
	return chain
}

// HitRate returns the fraction of looked-up blocks served from cache.
func (idx *PrefixCacheIndex) HitRate() float64 {
	total := idx.hits + idx.misses
	if total == 0 {
		return 0
	}
	return float64(idx.hits) / float64(total)
}

// Hits returns the number of blocks served from cache.
func (idx *PrefixCacheIndex) Hits() int64 { return idx.hits }

// Commit registers the sequence's full, computed blocks that are not yet
// indexed. Blocks shared with other sequences are skipped: their content
// is registered by whoever computed them.
func (idx *PrefixCacheIndex) Commit(seq *Sequence) {
	if !idx.enabled {
		return
	}
	full := min(seq.computed/idx.blockSize, len(seq.blocks))
	for seq.numHashed < full {
		i := seq.numHashed
		content := seq.tokens[i*idx.blockSize : (i+1)*idx.blockSize]
		h := hash.HashBlock(seq.lastHash, content)
		if blk := seq.blocks[i]; !blk.Hashed && blk.RefCount == 1 {
			idx.Insert(h, content, blk)
		}
		seq.lastHash = h
		seq.numHashed++
	}
}
