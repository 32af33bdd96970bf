package engine

import (
	"hash/fnv"
	"math/rand"
)

// SubsystemWorkload is the RNG subsystem used to synthesize prompts.
// It uses the master seed directly.
const SubsystemWorkload = "workload"

// PartitionedRNG provides deterministic, isolated RNG instances per
// subsystem and per request.
//
// Derivation formula:
//   - For SubsystemWorkload: uses the master seed directly
//   - For all other names: masterSeed XOR fnv1a64(name)
//
// A request's stream depends only on the seed and its id, never on how
// it was batched or whether it was preempted.
//
// Thread-safety: NOT thread-safe. Must be called from single goroutine.
type PartitionedRNG struct {
	seed       int64
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a master seed.
func NewPartitionedRNG(seed int64) *PartitionedRNG {
	return &PartitionedRNG{
		seed:       seed,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns a deterministically-seeded RNG for the named subsystem.
// The same subsystem name always returns the same *rand.Rand instance (cached).
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(p.derive(name)))
	p.subsystems[name] = rng
	return rng
}

// ForRequest returns a fresh RNG for a request. It is not cached: the
// request owns it for its lifetime.
func (p *PartitionedRNG) ForRequest(requestID string) *rand.Rand {
	return rand.New(rand.NewSource(p.derive("request/" + requestID)))
}

// Seed returns the master seed.
func (p *PartitionedRNG) Seed() int64 {
	return p.seed
}

func (p *PartitionedRNG) derive(name string) int64 {
	if name == SubsystemWorkload {
		return p.seed
	}
	return p.seed ^ fnv1a64(name)
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
