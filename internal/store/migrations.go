package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create plugin events",
		SQL: `
			CREATE TABLE plugin_events (
				id          TEXT PRIMARY KEY,
				plugin_id   TEXT NOT NULL,
				action      TEXT NOT NULL,
				success     INTEGER NOT NULL,
				detail      TEXT NOT NULL DEFAULT '',
				created_at  INTEGER NOT NULL
			);

			CREATE INDEX idx_events_plugin ON plugin_events (plugin_id, created_at);
		`,
	},
	{
		Version: 2,
		Name:    "add reload attempt tracking",
		SQL: `
			ALTER TABLE plugin_events ADD COLUMN attempt_id TEXT NOT NULL DEFAULT '';
			ALTER TABLE plugin_events ADD COLUMN duration_ms INTEGER NOT NULL DEFAULT 0;

			CREATE INDEX idx_events_action ON plugin_events (action);
		`,
	},
}
