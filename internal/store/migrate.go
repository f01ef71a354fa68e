package store

import (
	"database/sql"
	"fmt"
)

// schemaVersion is the latest schema this binary knows how to read/write.
const schemaVersion = 2

// migrate reads the schema_version row (creating it at 0 if absent) and
// applies every pending migration in order. Each migration is idempotent: it
// checks whether its target tables/columns already exist before creating
// them, so re-running migrate on an up-to-date database is a no-op.
func (s *Store) migrate() error {
	if err := s.ensureVersionTable(); err != nil {
		return err
	}

	current, err := s.currentVersion()
	if err != nil {
		return err
	}

	migrations := []struct {
		version int
		apply   func(*sql.Tx) error
	}{
		{1, migrateV1},
		{2, migrateV2},
	}

	for _, m := range migrations {
		if current >= m.version {
			continue
		}
		if err := s.withTx(func(tx *sql.Tx) error {
			if err := m.apply(tx); err != nil {
				return fmt.Errorf("migration v%d: %w", m.version, err)
			}
			_, err := tx.Exec(`UPDATE schema_version SET version = ?`, m.version)
			return err
		}); err != nil {
			return err
		}
		current = m.version
	}
	return nil
}

func (s *Store) ensureVersionTable() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			id      INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}
	_, err = s.conn.Exec(`INSERT OR IGNORE INTO schema_version (id, version) VALUES (1, 0)`)
	if err != nil {
		return fmt.Errorf("seed schema_version: %w", err)
	}
	return nil
}

func (s *Store) currentVersion() (int, error) {
	var v int
	err := s.conn.QueryRow(`SELECT version FROM schema_version WHERE id = 1`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}

// migrateV1 creates the original job schema.
func migrateV1(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			name             TEXT NOT NULL,
			work_dir         TEXT NOT NULL UNIQUE,
			status           TEXT NOT NULL,
			input_blob       TEXT,
			created_at       DATETIME NOT NULL,
			started_at       DATETIME,
			ended_at         DATETIME,
			exit_code        INTEGER,
			pid              INTEGER,
			final_energy     REAL,
			results_blob     TEXT,
			cluster_id       INTEGER,
			runner_type      TEXT NOT NULL DEFAULT 'local',
			parallelism_json TEXT,
			queue_time       DATETIME,
			parent_workflow  INTEGER,
			parent_node      TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	`)
	return err
}

// migrateV2 adds cluster, remote-job, dependency, workflow, queue-state, and
// metrics tables on top of the v1 job schema. Existing job
// rows already default runner_type='local' and allow a null cluster_id, so no
// backfill beyond the defaults baked into v1 is needed.
func migrateV2(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS clusters (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			name               TEXT NOT NULL UNIQUE,
			type               TEXT NOT NULL,
			host               TEXT NOT NULL,
			port               INTEGER NOT NULL DEFAULT 22,
			user               TEXT NOT NULL,
			connection_config  TEXT,
			status             TEXT NOT NULL DEFAULT 'active',
			max_concurrent     INTEGER NOT NULL DEFAULT 4,
			available_resources TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS remote_jobs (
			job_id          INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			cluster_id      INTEGER NOT NULL REFERENCES clusters(id),
			remote_handle   TEXT,
			remote_work_dir TEXT,
			queue_name      TEXT,
			node_list       TEXT,
			stdout_path     TEXT,
			stderr_path     TEXT,
			metadata        TEXT,
			PRIMARY KEY (job_id)
		)`,
		`CREATE TABLE IF NOT EXISTS job_dependencies (
			job_id            INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			depends_on_job_id INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			kind              TEXT NOT NULL,
			PRIMARY KEY (job_id, depends_on_job_id)
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			name           TEXT NOT NULL,
			spec           TEXT NOT NULL,
			status         TEXT NOT NULL,
			created_at     DATETIME NOT NULL,
			failure_policy TEXT NOT NULL DEFAULT 'fail_fast'
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_nodes (
			node_id            TEXT NOT NULL,
			workflow_id        INTEGER NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			name               TEXT NOT NULL,
			template_ref       TEXT,
			parameter_template TEXT,
			dependencies       TEXT,
			job_id             INTEGER REFERENCES jobs(id),
			status             TEXT NOT NULL DEFAULT 'pending',
			results            TEXT,
			retry_count        INTEGER NOT NULL DEFAULT 0,
			max_retries        INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (workflow_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS queue_state (
			job_id                INTEGER PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
			priority              INTEGER NOT NULL,
			enqueued_at           DATETIME NOT NULL,
			retry_count           INTEGER NOT NULL DEFAULT 0,
			max_retries           INTEGER NOT NULL DEFAULT 3,
			runner_type           TEXT NOT NULL,
			cluster_id            INTEGER,
			user_id               TEXT,
			resource_requirements TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS cluster_state (
			cluster_id           INTEGER PRIMARY KEY REFERENCES clusters(id) ON DELETE CASCADE,
			max_concurrent       INTEGER NOT NULL,
			paused               INTEGER NOT NULL DEFAULT 0,
			available_resources  TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS scheduler_metrics (
			id                      INTEGER PRIMARY KEY AUTOINCREMENT,
			tick_at                 DATETIME NOT NULL,
			queue_depth_by_priority TEXT,
			running_by_cluster      TEXT,
			dispatched              INTEGER NOT NULL DEFAULT 0,
			retried                 INTEGER NOT NULL DEFAULT 0,
			permanently_failed      INTEGER NOT NULL DEFAULT 0,
			avg_wait_seconds        REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_remote_jobs_cluster ON remote_jobs(cluster_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deps_depends_on ON job_dependencies(depends_on_job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_nodes_workflow ON workflow_nodes(workflow_id)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
