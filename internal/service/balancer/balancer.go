// Package balancer selects one account from a candidate list under a
// configurable strategy. It is stateless across requests except for the
// per-(strategy, service type) round-robin counters.
package balancer

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"

	"github.com/fairyhunter13/carpool-router/internal/domain"
)

// Strategy names one selection algorithm.
type Strategy string

// Selection strategies.
const (
	RoundRobin         Strategy = "round_robin"
	LeastConnections   Strategy = "least_connections"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	LeastResponseTime  Strategy = "least_response_time"
	ConsistentHash     Strategy = "consistent_hash"
)

// Options refine one selection call.
type Options struct {
	Strategy Strategy
	// RequestKey pins consistent-hash selection; when empty the strategy
	// falls back to least_connections.
	RequestKey string
	// ServiceType keys the round-robin counter so rotation is independent
	// per provider family.
	ServiceType domain.ServiceType
}

// Balancer holds the mutable counters. One instance is shared process-wide.
type Balancer struct {
	mu       sync.Mutex
	counters map[string]uint64
	loadCap  int
}

// New constructs a Balancer. loadCap below 1 falls back to the domain cap.
func New(loadCap int) *Balancer {
	if loadCap <= 0 {
		loadCap = domain.MaxSelectableLoad
	}
	return &Balancer{counters: make(map[string]uint64), loadCap: loadCap}
}

// Select returns one account from candidates or nil when none is eligible.
// Preconditions drop disabled, non-active, and overloaded accounts before
// the strategy runs.
func (b *Balancer) Select(accounts []domain.Account, opts Options) *domain.Account {
	eligible := b.filter(accounts)
	switch len(eligible) {
	case 0:
		return nil
	case 1:
		return &eligible[0]
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = Recommend(eligible)
	}

	var picked *domain.Account
	switch strategy {
	case RoundRobin:
		picked = b.roundRobin(eligible, string(RoundRobin)+string(opts.ServiceType))
	case LeastConnections:
		picked = leastConnections(eligible)
	case WeightedRoundRobin:
		picked = b.weightedRoundRobin(eligible, string(WeightedRoundRobin)+string(opts.ServiceType))
	case LeastResponseTime:
		picked = leastResponseTime(eligible)
	case ConsistentHash:
		if opts.RequestKey == "" {
			picked = leastConnections(eligible)
		} else {
			picked = consistentHash(eligible, opts.RequestKey)
		}
	default:
		slog.Warn("unknown balancing strategy, using least_connections", slog.String("strategy", string(strategy)))
		picked = leastConnections(eligible)
	}
	return picked
}

func (b *Balancer) filter(accounts []domain.Account) []domain.Account {
	out := make([]domain.Account, 0, len(accounts))
	for _, a := range accounts {
		if !a.IsEnabled || a.Status != domain.StatusActive || a.CurrentLoad >= b.loadCap {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (b *Balancer) next(key string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.counters[key]
	b.counters[key] = n + 1
	return n
}

func (b *Balancer) roundRobin(accounts []domain.Account, key string) *domain.Account {
	idx := b.next(key) % uint64(len(accounts))
	return &accounts[idx]
}

func leastConnections(accounts []domain.Account) *domain.Account {
	best := &accounts[0]
	for i := 1; i < len(accounts); i++ {
		a := &accounts[i]
		if a.CurrentLoad < best.CurrentLoad ||
			(a.CurrentLoad == best.CurrentLoad && a.TotalRequests < best.TotalRequests) {
			best = a
		}
	}
	return best
}

func (b *Balancer) weightedRoundRobin(accounts []domain.Account, key string) *domain.Account {
	// Expand each account weight times, then rotate over the expanded pool.
	total := 0
	for _, a := range accounts {
		total += weightOf(a)
	}
	slot := int(b.next(key) % uint64(total))
	for i := range accounts {
		slot -= weightOf(accounts[i])
		if slot < 0 {
			return &accounts[i]
		}
	}
	return &accounts[len(accounts)-1]
}

func weightOf(a domain.Account) int {
	if a.Weight <= 0 {
		return 1
	}
	return a.Weight
}

func leastResponseTime(accounts []domain.Account) *domain.Account {
	best := &accounts[0]
	bestCost := rtCost(*best)
	for i := 1; i < len(accounts); i++ {
		if c := rtCost(accounts[i]); c < bestCost {
			best = &accounts[i]
			bestCost = c
		}
	}
	return best
}

// rtCost weighs measured latency by current load so a fast but busy account
// loses to a slightly slower idle one.
func rtCost(a domain.Account) float64 {
	return float64(a.AvgResponseTime) * (1.0 + float64(a.CurrentLoad)/100.0)
}

func consistentHash(accounts []domain.Account, key string) *domain.Account {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := h.Sum32() % uint32(len(accounts))
	return &accounts[idx]
}

// Recommend picks a strategy when the caller does not specify one.
func Recommend(accounts []domain.Account) Strategy {
	if len(accounts) <= 2 {
		return RoundRobin
	}
	minLoad, maxLoad := accounts[0].CurrentLoad, accounts[0].CurrentLoad
	hasWeight := false
	hasRT := false
	for _, a := range accounts {
		if a.CurrentLoad < minLoad {
			minLoad = a.CurrentLoad
		}
		if a.CurrentLoad > maxLoad {
			maxLoad = a.CurrentLoad
		}
		if a.Weight > 1 {
			hasWeight = true
		}
		if a.AvgResponseTime > 0 {
			hasRT = true
		}
	}
	switch {
	case maxLoad-minLoad > 30:
		return LeastConnections
	case hasWeight:
		return WeightedRoundRobin
	case hasRT:
		return LeastResponseTime
	default:
		return LeastConnections
	}
}

// SortByPriority orders accounts by priority ascending (lower is higher),
// breaking ties by current load ascending. Strategies then pick among the
// minimum-priority set.
func SortByPriority(accounts []domain.Account) []domain.Account {
	out := make([]domain.Account, len(accounts))
	copy(out, accounts)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CurrentLoad < out[j].CurrentLoad
	})
	return out
}

// TopPriority returns the subset sharing the minimum priority value.
func TopPriority(accounts []domain.Account) []domain.Account {
	if len(accounts) == 0 {
		return nil
	}
	min := accounts[0].Priority
	for _, a := range accounts {
		if a.Priority < min {
			min = a.Priority
		}
	}
	out := make([]domain.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.Priority == min {
			out = append(out, a)
		}
	}
	return out
}

// HealthScore is a diagnostic 0-100 score for observability; it does not
// influence selection.
func HealthScore(a domain.Account) int {
	if !a.IsEnabled {
		return 0
	}
	score := 100
	score -= a.CurrentLoad
	switch {
	case a.AvgResponseTime > 2000:
		score -= 20
	case a.AvgResponseTime > 1000:
		score -= 10
	}
	if a.Status != domain.StatusActive {
		score -= 50
	}
	if score < 0 {
		score = 0
	}
	return score
}
