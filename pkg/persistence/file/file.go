// Package file provides file-based persistence: one JSON document per entity
// and an append-only JSONL changelog per entity.
package file

import (
	"context"
	"os"
	"strings"

	"github.com/memyselfmike/agiled/pkg/persistence"
)

// Persistence implements persistence.Persistence on the local file system.
type Persistence struct {
	root       string
	entityRepo *EntityRepository
	changelog  *Changelog
}

// NewPersistence creates a file persistence layer rooted at the given
// directory. Accepts a plain path or a file:// URL.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:       cleanRoot,
		entityRepo: NewEntityRepository(cleanRoot),
		changelog:  NewChangelog(cleanRoot),
	}
}

func (fp *Persistence) Entities() persistence.EntityRepository {
	return fp.entityRepo
}

func (fp *Persistence) Changelog() persistence.Changelog {
	return fp.changelog
}

// HealthCheck verifies the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close is a no-op for file persistence.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}
