package sim

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// PersonRNG hands out one random stream per person. A person's stream is
// seeded from the run seed and their id alone, so what they draw does not
// depend on how many others drew first or in what order they travel.
// Kernel goroutine only.
type PersonRNG struct {
	seed    int64
	streams map[PersonID]*rand.Rand
}

// NewPersonRNG creates the streams of a run seeded with seed.
func NewPersonRNG(seed int64) *PersonRNG {
	return &PersonRNG{seed: seed, streams: make(map[PersonID]*rand.Rand)}
}

// For returns person's stream, creating it on first use.
func (p *PersonRNG) For(person PersonID) *rand.Rand {
	if r, ok := p.streams[person]; ok {
		return r
	}
	r := rand.New(rand.NewSource(p.seed ^ streamSalt(person)))
	p.streams[person] = r
	return r
}

// Seed is the run seed the streams derive from.
func (p *PersonRNG) Seed() int64 { return p.seed }

func streamSalt(person PersonID) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "person/%d", int(person))
	return int64(h.Sum64())
}
