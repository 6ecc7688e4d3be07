package postgresql

import (
	"context"
	"database/sql"

	"github.com/memyselfmike/agiled/pkg/persistence"
)

// Changelog stores the append-only audit records in the changelog table.
type Changelog struct {
	db *sql.DB
}

func NewChangelog(db *sql.DB) *Changelog {
	return &Changelog{db: db}
}

func (c *Changelog) Append(ctx context.Context, record persistence.ChangelogRecord) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO changelog (entity_id, revision, from_state, to_state, actor, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		record.EntityID, record.Revision, record.From, record.To, record.Actor, record.OccurredAt,
	)
	if err != nil {
		return persistence.NewEntityError("Append", record.EntityID, err)
	}

	return nil
}

func (c *Changelog) Records(ctx context.Context, entityID string) ([]persistence.ChangelogRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT entity_id, revision, from_state, to_state, actor, occurred_at
		FROM changelog WHERE entity_id = $1 ORDER BY revision ASC`, entityID)
	if err != nil {
		return nil, persistence.NewEntityError("Records", entityID, err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]persistence.ChangelogRecord, 0)

	for rows.Next() {
		var record persistence.ChangelogRecord

		err := rows.Scan(&record.EntityID, &record.Revision, &record.From,
			&record.To, &record.Actor, &record.OccurredAt)
		if err != nil {
			return nil, persistence.NewEntityError("Records", entityID, err)
		}

		records = append(records, record)
	}

	return records, rows.Err()
}
