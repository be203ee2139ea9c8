package store

import (
	"context"
	"fmt"
)

type migration struct {
	version int
	name    string
	sql     string
}

// Schema history. Append only; never edit a shipped migration.
var migrations = []migration{
	{
		version: 1,
		name:    "base schema",
		sql: `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	email      TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL DEFAULT '',
	role       TEXT NOT NULL DEFAULT 'member',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS user_identities (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	provider   TEXT NOT NULL,
	subject    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(provider, subject)
);

CREATE TABLE IF NOT EXISTS projects (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	requirements   TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'draft',
	planning_rigor TEXT NOT NULL DEFAULT 'L2',
	config_json    TEXT NOT NULL DEFAULT '{}',
	owner_id       TEXT REFERENCES users(id) ON DELETE SET NULL,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL,
	completed_at   TIMESTAMP
);

CREATE TABLE IF NOT EXISTS plans (
	id                TEXT PRIMARY KEY,
	project_id        TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	version           INTEGER NOT NULL,
	status            TEXT NOT NULL DEFAULT 'draft',
	summary           TEXT NOT NULL DEFAULT '',
	plan_json         TEXT NOT NULL DEFAULT '{}',
	model_used        TEXT NOT NULL DEFAULT '',
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd          REAL NOT NULL DEFAULT 0,
	created_at        TIMESTAMP NOT NULL,
	UNIQUE(project_id, version)
);

CREATE TABLE IF NOT EXISTS tasks (
	id                    TEXT PRIMARY KEY,
	project_id            TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	plan_id               TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
	title                 TEXT NOT NULL,
	description           TEXT NOT NULL DEFAULT '',
	task_type             TEXT NOT NULL DEFAULT 'code',
	complexity            TEXT NOT NULL DEFAULT 'medium',
	model_tier            TEXT NOT NULL DEFAULT 'haiku',
	model_used            TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL DEFAULT 'pending',
	priority              INTEGER NOT NULL DEFAULT 0,
	wave                  INTEGER NOT NULL DEFAULT 0,
	phase                 TEXT NOT NULL DEFAULT '',
	context_json          TEXT NOT NULL DEFAULT '[]',
	tools_json            TEXT NOT NULL DEFAULT '[]',
	system_prompt         TEXT NOT NULL DEFAULT '',
	output_text           TEXT,
	output_artifacts_json TEXT NOT NULL DEFAULT '[]',
	prompt_tokens         INTEGER NOT NULL DEFAULT 0,
	completion_tokens     INTEGER NOT NULL DEFAULT 0,
	cost_usd              REAL NOT NULL DEFAULT 0,
	max_tokens            INTEGER NOT NULL DEFAULT 4096,
	retry_count           INTEGER NOT NULL DEFAULT 0,
	max_retries           INTEGER NOT NULL DEFAULT 2,
	verification_status   TEXT,
	verification_notes    TEXT,
	requirement_ids_json  TEXT NOT NULL DEFAULT '[]',
	error                 TEXT,
	created_at            TIMESTAMP NOT NULL,
	updated_at            TIMESTAMP NOT NULL,
	started_at            TIMESTAMP,
	completed_at          TIMESTAMP
);

CREATE TABLE IF NOT EXISTS task_deps (
	task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	depends_on TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	PRIMARY KEY (task_id, depends_on)
);

CREATE TABLE IF NOT EXISTS usage_log (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id        TEXT REFERENCES projects(id) ON DELETE SET NULL,
	task_id           TEXT,
	model             TEXT NOT NULL,
	provider          TEXT NOT NULL DEFAULT 'anthropic',
	purpose           TEXT NOT NULL DEFAULT 'execution',
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd          REAL NOT NULL DEFAULT 0,
	timestamp         TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS budget_periods (
	period_key              TEXT PRIMARY KEY,
	period_type             TEXT NOT NULL,
	total_cost_usd          REAL NOT NULL DEFAULT 0,
	total_prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	total_completion_tokens INTEGER NOT NULL DEFAULT 0,
	api_call_count          INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS task_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	task_id    TEXT,
	event_type TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	data_json  TEXT NOT NULL DEFAULT '{}',
	timestamp  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id              TEXT PRIMARY KEY,
	project_id      TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	task_id         TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	checkpoint_type TEXT NOT NULL DEFAULT 'retry_exhausted',
	summary         TEXT NOT NULL DEFAULT '',
	question        TEXT NOT NULL DEFAULT '',
	context_json    TEXT NOT NULL DEFAULT '{}',
	response        TEXT,
	created_at      TIMESTAMP NOT NULL,
	resolved_at     TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority);
CREATE INDEX IF NOT EXISTS idx_tasks_wave ON tasks(project_id, wave);
CREATE INDEX IF NOT EXISTS idx_deps_depends ON task_deps(depends_on);
CREATE INDEX IF NOT EXISTS idx_usage_project ON usage_log(project_id);
CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_budget_type ON budget_periods(period_type);
CREATE INDEX IF NOT EXISTS idx_events_project ON task_events(project_id, id);
CREATE INDEX IF NOT EXISTS idx_events_task ON task_events(task_id);
CREATE INDEX IF NOT EXISTS idx_checkpoints_project ON checkpoints(project_id);
CREATE INDEX IF NOT EXISTS idx_plans_project ON plans(project_id);
`,
	},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.version, m.name, now()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		s.logger.Info("Applied migration %d: %s", m.version, m.name)
	}
	return nil
}
