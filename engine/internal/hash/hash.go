// Package hash provides chained block hashing for KV cache prefix matching.
// The block pool, prefix cache index and synthetic executor share these
// functions so that equal token prefixes always hash identically.
package hash

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// HashBlock computes the hash of one block of tokens chained with the
// previous block's hash. A zero prevHash marks the first block of a chain.
func HashBlock(prevHash uint64, tokens []int) uint64 {
	h := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], prevHash)
	_, _ = h.Write(buf[:])
	for _, t := range tokens {
		binary.LittleEndian.PutUint32(buf[:4], uint32(t))
		_, _ = h.Write(buf[:4])
	}
	return h.Sum64()
}

// ComputeBlockHashes returns hierarchical block hashes for a token sequence.
// Each hash chains with the previous block's hash: two sequences sharing the
// first K full blocks produce identical hashes for those K blocks.
// Tokens that don't fill a complete block are ignored.
func ComputeBlockHashes(blockSize int, tokens []int) []uint64 {
	numBlocks := len(tokens) / blockSize
	if numBlocks == 0 {
		return nil
	}
	hashes := make([]uint64, numBlocks)
	var prev uint64
	for i := 0; i < numBlocks; i++ {
		start := i * blockSize
		hashes[i] = HashBlock(prev, tokens[start:start+blockSize])
		prev = hashes[i]
	}
	return hashes
}

// HashTokens hashes an arbitrary token window. Used by the synthetic
// executor to derive logits from recent history.
func HashTokens(seed uint64, tokens []int) uint64 {
	return HashBlock(seed, tokens)
}
