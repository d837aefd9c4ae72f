// journal/schema.go
package journal

const Schema = `
CREATE TABLE IF NOT EXISTS attempts (
	id TEXT PRIMARY KEY,
	item_id TEXT NOT NULL,
	item_index INTEGER NOT NULL,
	run_id TEXT NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	source_path TEXT NOT NULL,
	outcome TEXT NOT NULL,
	study_id TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_item ON attempts(item_id);
CREATE INDEX IF NOT EXISTS idx_attempts_started ON attempts(started_at);
`
