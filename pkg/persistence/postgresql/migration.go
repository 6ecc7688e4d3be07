package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE entities (
				id VARCHAR(255) PRIMARY KEY,
				kind VARCHAR(50) NOT NULL CHECK (kind IN ('epic', 'story')),
				title VARCHAR(255) NOT NULL,
				state VARCHAR(50) NOT NULL,
				revision BIGINT NOT NULL DEFAULT 0,
				history JSONB NOT NULL DEFAULT '[]',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_entities_kind ON entities(kind);
			CREATE INDEX idx_entities_state ON entities(state);
			CREATE INDEX idx_entities_created_at ON entities(created_at);

			CREATE TABLE changelog (
				entity_id VARCHAR(255) NOT NULL,
				revision BIGINT NOT NULL,
				from_state VARCHAR(50) NOT NULL,
				to_state VARCHAR(50) NOT NULL,
				actor VARCHAR(255) NOT NULL,
				occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (entity_id, revision)
			);

			CREATE INDEX idx_changelog_entity_id ON changelog(entity_id);
		`,
	}
}
