package file

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/memyselfmike/agiled/pkg/models"
	"github.com/memyselfmike/agiled/pkg/persistence"
)

const entitiesDir = "entities"

// EntityRepository stores one JSON document per entity under
// <root>/entities/<id>.json. A single mutex serializes file writes; the
// revision guard in UpdateCommitted makes lost updates impossible even if a
// second process shares the directory.
type EntityRepository struct {
	root string
	mu   sync.Mutex
}

func NewEntityRepository(root string) *EntityRepository {
	return &EntityRepository{root: root}
}

func (r *EntityRepository) path(id string) string {
	return filepath.Join(r.root, entitiesDir, id+".json")
}

func (r *EntityRepository) Create(ctx context.Context, entity *models.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(r.path(entity.ID)); err == nil {
		return persistence.NewEntityError("Create", entity.ID, persistence.ErrEntityAlreadyExists)
	}

	return r.writeLocked(entity)
}

func (r *EntityRepository) GetByID(ctx context.Context, id string) (*models.Entity, error) {
	data, err := os.ReadFile(r.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewEntityError("GetByID", id, persistence.ErrEntityNotFound)
		}

		return nil, persistence.NewEntityError("GetByID", id, err)
	}

	var entity models.Entity
	if err := json.Unmarshal(data, &entity); err != nil {
		return nil, persistence.NewEntityError("GetByID", id, err)
	}

	return &entity, nil
}

func (r *EntityRepository) List(ctx context.Context, opts persistence.ListEntitiesOptions) ([]*models.Entity, error) {
	dir := filepath.Join(r.root, entitiesDir)

	jsonFiles, err := fs.Glob(os.DirFS(dir), "*.json")
	if err != nil {
		return nil, err
	}

	entities := make([]*models.Entity, 0, len(jsonFiles))

	for _, name := range jsonFiles {
		id := name[:len(name)-len(".json")]

		entity, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if opts.Kind != "" && entity.Kind != opts.Kind {
			continue
		}

		if opts.State != "" && entity.State != opts.State {
			continue
		}

		entities = append(entities, entity)
	}

	sort.Slice(entities, func(i, j int) bool {
		return entities[i].CreatedAt.Before(entities[j].CreatedAt)
	})

	return entities, nil
}

func (r *EntityRepository) UpdateCommitted(ctx context.Context, entity *models.Entity, expectedRevision int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.GetByID(ctx, entity.ID)
	if err != nil {
		return err
	}

	if stored.Revision != expectedRevision {
		return persistence.NewEntityError("UpdateCommitted", entity.ID, persistence.ErrRevisionConflict)
	}

	return r.writeLocked(entity)
}

// writeLocked persists via a temp file and rename so a crash never leaves a
// half-written document.
func (r *EntityRepository) writeLocked(entity *models.Entity) error {
	if err := os.MkdirAll(filepath.Join(r.root, entitiesDir), 0o755); err != nil {
		return persistence.NewEntityError("write", entity.ID, err)
	}

	data, err := json.MarshalIndent(entity, "", "  ")
	if err != nil {
		return persistence.NewEntityError("write", entity.ID, err)
	}

	target := r.path(entity.ID)
	tmp := target + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return persistence.NewEntityError("write", entity.ID, err)
	}

	if err := os.Rename(tmp, target); err != nil {
		return persistence.NewEntityError("write", entity.ID, err)
	}

	return nil
}
