package behavior

import (
	"fmt"
	"sync"

	"epochmesh/engine/models"
)

// NPC roles.
const (
	RoleWorker  = "worker"
	RoleWarrior = "warrior"
	RoleGuard   = "guard"
)

// Registry holds the behavioral state of every known NPC. Safe for concurrent
// use. States are created lazily on first reference with neutral defaults.
type Registry struct {
	mu   sync.RWMutex
	npcs map[string]models.BehaviorState
}

func NewRegistry() *Registry {
	return &Registry{npcs: make(map[string]models.BehaviorState)}
}

// Register adds an NPC with default values (0.5 efficiency, 0.5 morale,
// worker role). Existing entries are returned unmodified.
func (r *Registry) Register(npcID string) models.BehaviorState {
	return r.RegisterWithRole(npcID, "")
}

// RegisterWithRole adds an NPC with a specific role; on an existing entry the
// role is updated when non-empty.
func (r *Registry) RegisterWithRole(npcID, role string) models.BehaviorState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.npcs[npcID]; ok {
		if role != "" {
			existing.Role = role
			r.npcs[npcID] = existing
		}
		return existing
	}
	if role == "" {
		role = RoleWorker
	}
	state := models.BehaviorState{NPCID: npcID, Role: role, WorkEfficiency: 0.5, Morale: 0.5}
	r.npcs[npcID] = state
	return state
}

// Get returns the behavioral state of the specified NPC.
func (r *Registry) Get(npcID string) (models.BehaviorState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.npcs[npcID]
	return s, ok
}

// Put replaces an NPC's state. The NPC must already be registered.
func (r *Registry) Put(state models.BehaviorState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.npcs[state.NPCID]; !ok {
		return fmt.Errorf("behavior: NPC %q not found", state.NPCID)
	}
	r.npcs[state.NPCID] = state
	return nil
}

// ByRole returns all NPCs with the given role.
func (r *Registry) ByRole(role string) []models.BehaviorState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.BehaviorState, 0)
	for _, s := range r.npcs {
		if s.Role == role {
			out = append(out, s)
		}
	}
	return out
}

// All returns every registered NPC state.
func (r *Registry) All() []models.BehaviorState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.BehaviorState, 0, len(r.npcs))
	for _, s := range r.npcs {
		out = append(out, s)
	}
	return out
}

// Count returns the number of registered NPCs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.npcs)
}

// Averages returns mean trauma and mean rebellion-relevant aggregates across
// the population; zeros when empty.
func (r *Registry) Averages() (avgTrauma, avgMorale, avgEfficiency float64, n int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n = len(r.npcs)
	if n == 0 {
		return 0, 0, 0, 0
	}
	for _, s := range r.npcs {
		avgTrauma += s.AvgTrauma
		avgMorale += s.Morale
		avgEfficiency += s.WorkEfficiency
	}
	f := float64(n)
	return avgTrauma / f, avgMorale / f, avgEfficiency / f, n
}
