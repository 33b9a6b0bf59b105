// Package segpool holds the bounded window of recent rollout segments that
// candidate queries are drawn from.
package segpool

import (
	"fmt"
	"math/rand"

	"drlhp/internal/model"
)

// DefaultSampleSize is the number of candidate segments considered per query.
const DefaultSampleSize = 10

// Pool is a fixed-capacity ring of segments. When full, Append overwrites the
// oldest entry. Logical index 0 is always the oldest retained segment.
//
// Pool is not safe for concurrent use; it is owned by the query engine.
type Pool struct {
	ring  []model.Segment
	head  int
	count int
}

func New(segsMax int) *Pool {
	if segsMax < 1 {
		segsMax = 1
	}
	return &Pool{ring: make([]model.Segment, segsMax)}
}

func (p *Pool) Cap() int {
	return len(p.ring)
}

func (p *Pool) Len() int {
	return p.count
}

// Append adds seg as the newest entry and evicts the oldest one if the pool
// would exceed its capacity. It reports whether an eviction happened.
func (p *Pool) Append(seg model.Segment) bool {
	if p.count < len(p.ring) {
		p.ring[(p.head+p.count)%len(p.ring)] = seg
		p.count++
		return false
	}
	p.ring[p.head] = seg
	p.head = (p.head + 1) % len(p.ring)
	return true
}

// At returns the segment at logical index i.
func (p *Pool) At(i int) model.Segment {
	if i < 0 || i >= p.count {
		panic(fmt.Sprintf("segpool: index %d out of range [0,%d)", i, p.count))
	}
	return p.ring[(p.head+i)%len(p.ring)]
}

// Segments copies the retained segments in insertion order.
func (p *Pool) Segments() []model.Segment {
	out := make([]model.Segment, p.count)
	for i := range out {
		out[i] = p.At(i)
	}
	return out
}

// Sample returns k distinct indices drawn uniformly without replacement. When
// the pool holds k or fewer segments every index is returned in order.
func (p *Pool) Sample(rng *rand.Rand, k int) []int {
	if k <= 0 {
		k = DefaultSampleSize
	}
	if p.count <= k {
		idxs := make([]int, p.count)
		for i := range idxs {
			idxs[i] = i
		}
		return idxs
	}

	// Partial Fisher-Yates over the index space.
	perm := make([]int, p.count)
	for i := range perm {
		perm[i] = i
	}
	for i := 0; i < k; i++ {
		j := i + rng.Intn(p.count-i)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm[:k]
}
