package scheduler

import (
	"fmt"
	"sync"

	"github.com/ding113/claude-relay-service/internal/account"
)

// Balancer rotates selection within the minimum-priority group using a
// per-(platform, priority) counter. Counters are process-local and reset on
// restart; a timestamp-based least-recently-used pick would not round-robin
// cleanly when many accounts share a priority.
type Balancer struct {
	mu       sync.Mutex
	counters map[string]uint64
}

func NewBalancer() *Balancer {
	return &Balancer{counters: make(map[string]uint64)}
}

// Pick returns one account from candidates, which must be non-empty and
// pre-sorted by ascending priority.
func (b *Balancer) Pick(candidates []*account.Account) *account.Account {
	group := candidates[:1]
	minPriority := candidates[0].Priority
	for _, a := range candidates[1:] {
		if a.Priority != minPriority {
			break
		}
		group = candidates[:len(group)+1]
	}

	if len(group) == 1 {
		return group[0]
	}

	key := fmt.Sprintf("%s:%d", group[0].Platform, minPriority)
	b.mu.Lock()
	n := b.counters[key]
	b.counters[key] = n + 1
	b.mu.Unlock()

	return group[n%uint64(len(group))]
}

// Reset empties all counters (test affordance).
func (b *Balancer) Reset() {
	b.mu.Lock()
	b.counters = make(map[string]uint64)
	b.mu.Unlock()
}
