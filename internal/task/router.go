package task

import (
	"sort"
	"sync"
	"time"

	"github.com/agentic-qe/fleet/internal/fleeterrors"
)

// Selector picks an action (here, an agent type) epsilon-greedily given a
// state key and candidate set. *learning.Engine satisfies this.
type Selector interface {
	SelectAction(stateKey string, candidateActions []string) string
}

// AgentSnapshot is the routing-relevant view of one pool-managed agent.
type AgentSnapshot struct {
	ID           string
	Type         string
	Capabilities []string
	Load         int
}

// Router chooses which agent should run a claimed task: it filters agents
// by RequiredCapabilities, consults a Selector for a learned preference
// among the agent types that remain, then picks the lowest current load,
// falling back to round-robin when every remaining candidate is equally
// loaded.
type Router struct {
	selector Selector

	mu          sync.Mutex
	roundRobin  map[string]int
	cooldowns   map[string]time.Time // fingerprint(taskType,agentType) -> cooldown expiry
}

// NewRouter constructs a Router. selector may be nil, in which case routing
// falls back to pure load/round-robin tie-break.
func NewRouter(selector Selector) *Router {
	return &Router{
		selector:   selector,
		roundRobin: make(map[string]int),
		cooldowns:  make(map[string]time.Time),
	}
}

// Route selects one of candidates capable of running t, or a CapabilityUnmet
// error if none qualify.
func (r *Router) Route(now time.Time, t Task, candidates []AgentSnapshot) (AgentSnapshot, error) {
	eligible := make([]AgentSnapshot, 0, len(candidates))
	for _, a := range candidates {
		if !hasAllCapabilities(a.Capabilities, t.RequiredCapabilities) {
			continue
		}
		if r.onCooldown(now, t.Type, a.Type) {
			continue
		}
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		return AgentSnapshot{}, fleeterrors.New(fleeterrors.KindCapabilityUnmet, "no agent satisfies required capabilities for task type "+t.Type)
	}

	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })

	preferredType := ""
	if r.selector != nil {
		types := uniqueTypes(eligible)
		preferredType = r.selector.SelectAction(t.Type, types)
	}

	pool := eligible
	if preferredType != "" {
		filtered := filterByType(eligible, preferredType)
		if len(filtered) > 0 {
			pool = filtered
		}
	}

	best := pool[0]
	for _, a := range pool[1:] {
		if a.Load < best.Load {
			best = a
		}
	}
	allBestLoad := true
	for _, a := range pool {
		if a.Load != best.Load {
			allBestLoad = false
			break
		}
	}
	if allBestLoad && len(pool) > 1 {
		best = r.roundRobinPick(t.Type, pool)
	}
	return best, nil
}

// Cooldown blacklists agentType from taskType routing until expiry, used
// after repeated identical failures from that pairing.
func (r *Router) Cooldown(taskType, agentType string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldowns[taskType+"\x1f"+agentType] = until
}

func (r *Router) onCooldown(now time.Time, taskType, agentType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.cooldowns[taskType+"\x1f"+agentType]
	return ok && until.After(now)
}

func (r *Router) roundRobinPick(taskType string, pool []AgentSnapshot) AgentSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.roundRobin[taskType] % len(pool)
	r.roundRobin[taskType] = idx + 1
	return pool[idx]
}

func hasAllCapabilities(have, required []string) bool {
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range required {
		if !set[c] {
			return false
		}
	}
	return true
}

func uniqueTypes(agents []AgentSnapshot) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range agents {
		if !seen[a.Type] {
			seen[a.Type] = true
			out = append(out, a.Type)
		}
	}
	return out
}

func filterByType(agents []AgentSnapshot, t string) []AgentSnapshot {
	var out []AgentSnapshot
	for _, a := range agents {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}
