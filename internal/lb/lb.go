package lb

import (
	"math/rand"
	"sync"

	"github.com/fabian4/dynaproxy/internal/model"
)

// Balancer picks one backend out of a cluster's backend list.
// Next returns the chosen index, or -1 when nothing is selectable under the health policy.
// The slice may change length between calls (control-plane edits); state is reset when it does.
type Balancer interface {
	Next(backends []model.Backend) int
}

// New builds the balancer for a cluster's strategy. Unknown strategies fall back to round robin.
func New(c model.Cluster) Balancer {
	policy := c.HealthPolicy
	if policy == "" {
		policy = model.PolicyAdvisory
	}
	switch c.Strategy {
	case model.StrategyWeighted:
		return &smoothWRR{policy: policy}
	case model.StrategyRandom:
		return &random{policy: policy}
	default:
		return &roundRobin{policy: policy}
	}
}

// eligible marks the backends selection may consider.
// Advisory: live ones, or all of them when none is live. Strict: live ones only.
func eligible(bs []model.Backend, policy model.HealthPolicy) []bool {
	out := make([]bool, len(bs))
	live := 0
	for i, b := range bs {
		if b.Healthy {
			out[i] = true
			live++
		}
	}
	if live == 0 && policy != model.PolicyStrict {
		for i := range out {
			out[i] = true
		}
	}
	return out
}

type roundRobin struct {
	mu     sync.Mutex
	policy model.HealthPolicy
	next   int
}

func (b *roundRobin) Next(bs []model.Backend) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(bs)
	if n == 0 {
		return -1
	}
	ok := eligible(bs, b.policy)
	for i := 0; i < n; i++ {
		idx := (b.next + i) % n
		if ok[idx] {
			b.next = (idx + 1) % n
			return idx
		}
	}
	return -1
}

// smoothWRR is nginx-style smooth weighted round robin.
type smoothWRR struct {
	mu      sync.Mutex
	policy  model.HealthPolicy
	current []int
}

func (b *smoothWRR) Next(bs []model.Backend) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.current) != len(bs) {
		b.current = make([]int, len(bs))
	}
	ok := eligible(bs, b.policy)
	best, total := -1, 0
	for i, be := range bs {
		if !ok[i] {
			continue
		}
		w := be.Weight
		if w <= 0 {
			w = 1
		}
		b.current[i] += w
		total += w
		if best < 0 || b.current[i] > b.current[best] {
			best = i
		}
	}
	if best < 0 {
		return -1
	}
	b.current[best] -= total
	return best
}

type random struct {
	policy model.HealthPolicy
}

func (b *random) Next(bs []model.Backend) int {
	ok := eligible(bs, b.policy)
	idx := make([]int, 0, len(bs))
	for i := range bs {
		if ok[i] {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return -1
	}
	return idx[rand.Intn(len(idx))]
}
