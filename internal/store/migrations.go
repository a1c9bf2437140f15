package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Versions are sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_messages (
	message_id   TEXT PRIMARY KEY,
	processed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id  TEXT NOT NULL,
	message_id TEXT NOT NULL,
	role       TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_thread ON conversation_history (thread_id, created_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
