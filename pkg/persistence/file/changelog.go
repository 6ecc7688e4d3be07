package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/memyselfmike/agiled/pkg/persistence"
)

const changelogDir = "changelog"

// Changelog appends one JSON line per committed transition to
// <root>/changelog/<entity-id>.jsonl. Append-only; records are never
// rewritten.
type Changelog struct {
	root string
	mu   sync.Mutex
}

func NewChangelog(root string) *Changelog {
	return &Changelog{root: root}
}

func (c *Changelog) path(entityID string) string {
	return filepath.Join(c.root, changelogDir, entityID+".jsonl")
}

func (c *Changelog) Append(ctx context.Context, record persistence.ChangelogRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(c.root, changelogDir), 0o755); err != nil {
		return persistence.NewEntityError("Append", record.EntityID, err)
	}

	line, err := json.Marshal(record)
	if err != nil {
		return persistence.NewEntityError("Append", record.EntityID, err)
	}

	f, err := os.OpenFile(c.path(record.EntityID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return persistence.NewEntityError("Append", record.EntityID, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return persistence.NewEntityError("Append", record.EntityID, err)
	}

	return f.Sync()
}

func (c *Changelog) Records(ctx context.Context, entityID string) ([]persistence.ChangelogRecord, error) {
	f, err := os.Open(c.path(entityID))
	if err != nil {
		if os.IsNotExist(err) {
			return []persistence.ChangelogRecord{}, nil
		}

		return nil, persistence.NewEntityError("Records", entityID, err)
	}
	defer func() { _ = f.Close() }()

	var records []persistence.ChangelogRecord

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var record persistence.ChangelogRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return nil, persistence.NewEntityError("Records", entityID,
				fmt.Errorf("%w: %v", persistence.ErrChangelogCorrupt, err))
		}

		records = append(records, record)
	}

	if err := scanner.Err(); err != nil {
		return nil, persistence.NewEntityError("Records", entityID, err)
	}

	return records, nil
}
