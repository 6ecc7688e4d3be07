// Package registry holds the workflow catalog. Definitions are registered at
// startup and resolved per request into an ordered execution plan.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/memyselfmike/agiled/pkg/models"
)

var (
	ErrDuplicateWorkflow    = fmt.Errorf("workflow id already registered")
	ErrNoApplicableWorkflow = fmt.Errorf("no applicable workflow for request")
)

// entry pairs a definition with its registration order, which breaks priority
// ties deterministically.
type entry struct {
	def   *models.WorkflowDefinition
	order int
}

// Registry indexes workflow definitions by scale level so resolution does not
// scan the whole catalog on every request. Definitions declaring no scale
// levels land in a wildcard bucket consulted for every level.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	byID     map[string]*entry
	byScale  map[models.ScaleLevel][]*entry
	anyScale []*entry
	next     int
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger.With("module", "registry"),
		byID:    make(map[string]*entry),
		byScale: make(map[models.ScaleLevel][]*entry),
	}
}

// Register adds a definition to the catalog and its indexes. Identifiers are
// unique for the process lifetime.
func (r *Registry) Register(def *models.WorkflowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[def.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateWorkflow, def.ID)
	}

	e := &entry{def: def, order: r.next}
	r.next++
	r.byID[def.ID] = e

	if len(def.ScaleLevels) == 0 {
		r.anyScale = append(r.anyScale, e)
	} else {
		for _, level := range def.ScaleLevels {
			r.byScale[level] = append(r.byScale[level], e)
		}
	}

	r.logger.Info("Registered workflow definition",
		"workflow_id", def.ID, "priority", def.Priority, "steps", len(def.Steps))

	return nil
}

// Resolve selects every definition applicable to the request, ordered by
// priority descending with registration order breaking ties. The result for a
// given catalog and context is always the same.
func (r *Registry) Resolve(rc models.RequestContext) (*models.ExecutionPlan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := make([]*entry, 0, len(r.byScale[rc.ScaleLevel])+len(r.anyScale))
	candidates = append(candidates, r.byScale[rc.ScaleLevel]...)
	candidates = append(candidates, r.anyScale...)

	matched := make([]*entry, 0, len(candidates))

	for _, e := range candidates {
		if e.def.AppliesTo(rc) {
			matched = append(matched, e)
		}
	}

	if len(matched) == 0 {
		return nil, fmt.Errorf("%w: scale_level=%d tags=%v",
			ErrNoApplicableWorkflow, rc.ScaleLevel, rc.Tags)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].def.Priority != matched[j].def.Priority {
			return matched[i].def.Priority > matched[j].def.Priority
		}

		return matched[i].order < matched[j].order
	})

	definitions := make([]*models.WorkflowDefinition, len(matched))
	for i, e := range matched {
		definitions[i] = e.def
	}

	return &models.ExecutionPlan{
		ID:          uuid.New().String(),
		Definitions: definitions,
		Mode:        rc.Mode,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Get returns the definition registered under id, if any.
func (r *Registry) Get(id string) (*models.WorkflowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[id]
	if !ok {
		return nil, false
	}

	return e.def, true
}

// Definitions returns all registered definitions in registration order.
func (r *Registry) Definitions() []*models.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*entry, 0, len(r.byID))
	for _, e := range r.byID {
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })

	definitions := make([]*models.WorkflowDefinition, len(entries))
	for i, e := range entries {
		definitions[i] = e.def
	}

	return definitions
}
