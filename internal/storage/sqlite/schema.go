package sqlite

const schemaSQL = `
-- Research tasks
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	query TEXT NOT NULL,
	status TEXT NOT NULL,
	budget_pages INTEGER NOT NULL,
	max_seconds INTEGER NOT NULL,
	stop_reason TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at DESC);

-- Job queue. queued_at carries nanosecond precision so FIFO ordering
-- holds inside a single enqueue batch; rowid breaks remaining ties.
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	priority INTEGER NOT NULL,
	slot TEXT NOT NULL,
	state TEXT NOT NULL,
	dedup_key TEXT NOT NULL,
	input_json TEXT NOT NULL,
	result_json TEXT,
	error_code TEXT,
	error TEXT,
	cancel_requested INTEGER DEFAULT 0,
	queued_at INTEGER NOT NULL,
	started_at INTEGER,
	finished_at INTEGER
);

-- At most one live job per dedup key
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_dedup ON jobs(dedup_key) WHERE state IN ('queued', 'running');
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(slot, state, priority, queued_at);
CREATE INDEX IF NOT EXISTS idx_jobs_task ON jobs(task_id, state);

-- Fetched pages. Metadata only; bodies live in the content store.
CREATE TABLE IF NOT EXISTS pages (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	search_id TEXT,
	url TEXT NOT NULL,
	title TEXT,
	doi TEXT,
	content_type TEXT,
	http_status INTEGER DEFAULT 0,
	fetched_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_pages_task_url ON pages(task_id, url);
CREATE INDEX IF NOT EXISTS idx_pages_task ON pages(task_id, fetched_at DESC);

CREATE TABLE IF NOT EXISTS fragments (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	page_id TEXT NOT NULL,
	text TEXT NOT NULL,
	score REAL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fragments_task ON fragments(task_id, created_at);
CREATE INDEX IF NOT EXISTS idx_fragments_page ON fragments(page_id);

CREATE TABLE IF NOT EXISTS claims (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	text TEXT NOT NULL,
	confidence REAL DEFAULT 0,
	adoption TEXT NOT NULL DEFAULT 'adopted',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_claims_task ON claims(task_id, adoption);

-- Typed relations between fragments, claims and pages
CREATE TABLE IF NOT EXISTS edges (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	relation TEXT NOT NULL,
	source_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	target_type TEXT NOT NULL,
	target_id TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_edges_task ON edges(task_id, relation);
CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_type, source_id);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_type, target_id);

-- Resource index for URL / DOI page deduplication
CREATE TABLE IF NOT EXISTS resource_index (
	task_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	key TEXT NOT NULL,
	page_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (task_id, kind, key)
);

-- Sub-search progress, the durable half of the exploration state
CREATE TABLE IF NOT EXISTS searches (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	text TEXT NOT NULL,
	status TEXT NOT NULL,
	pages_fetched INTEGER DEFAULT 0,
	fragments_kept INTEGER DEFAULT 0,
	independent_sources INTEGER DEFAULT 0,
	primary_source INTEGER DEFAULT 0,
	satisfaction REAL DEFAULT 0,
	harvest_rate REAL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_searches_task ON searches(task_id, created_at);

-- Calibration versions are append-only; is_current is the rollback pointer
CREATE TABLE IF NOT EXISTS calibration_versions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL,
	version INTEGER NOT NULL,
	brier_after REAL DEFAULT 0,
	method TEXT,
	is_current INTEGER DEFAULT 0,
	reason TEXT,
	created_at INTEGER NOT NULL,
	UNIQUE (source, version)
);

CREATE INDEX IF NOT EXISTS idx_calibration_current ON calibration_versions(source, is_current);

CREATE TABLE IF NOT EXISTS calibration_evaluations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL,
	task_id TEXT,
	claim_id TEXT,
	predicted REAL NOT NULL,
	outcome INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_source ON calibration_evaluations(source, created_at DESC);

-- Human-intervention queue (logins, CAPTCHAs, paywalls)
CREATE TABLE IF NOT EXISTS intervention_queue (
	queue_id TEXT PRIMARY KEY,
	task_id TEXT,
	url TEXT NOT NULL,
	domain TEXT NOT NULL,
	auth_type TEXT,
	priority TEXT NOT NULL DEFAULT 'medium',
	status TEXT NOT NULL DEFAULT 'pending',
	success INTEGER,
	created_at INTEGER NOT NULL,
	resolved_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_intervention_status ON intervention_queue(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_intervention_domain ON intervention_queue(domain, status);

-- User-managed domain rules
CREATE TABLE IF NOT EXISTS domain_rules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pattern TEXT NOT NULL UNIQUE,
	rule_type TEXT NOT NULL,
	source TEXT,
	reason TEXT,
	created_at INTEGER NOT NULL
);

-- Ground-truth samples harvested from edge corrections
CREATE TABLE IF NOT EXISTS correction_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT,
	edge_id TEXT NOT NULL,
	old_relation TEXT NOT NULL,
	new_relation TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_corrections_task ON correction_log(task_id, created_at DESC);
`

// InitSchema initializes the database schema
func (s *SQLiteDB) InitSchema() error {
	_, err := s.db.Exec(schemaSQL)
	if err != nil {
		return err
	}
	s.logger.Info().Msg("Database schema initialized")

	// Run migrations for schema evolution
	if err := s.runMigrations(); err != nil {
		return err
	}

	return nil
}

// runMigrations checks for and applies schema migrations for existing databases
func (s *SQLiteDB) runMigrations() error {
	hasCancelRequested, err := s.hasColumn("jobs", "cancel_requested")
	if err != nil {
		return err
	}
	if !hasCancelRequested {
		s.logger.Info().Msg("Running migration: Adding cancel_requested column to jobs")
		if _, err := s.db.Exec(`ALTER TABLE jobs ADD COLUMN cancel_requested INTEGER DEFAULT 0`); err != nil {
			return err
		}
	}

	hasStopReason, err := s.hasColumn("tasks", "stop_reason")
	if err != nil {
		return err
	}
	if !hasStopReason {
		s.logger.Info().Msg("Running migration: Adding stop_reason column to tasks")
		if _, err := s.db.Exec(`ALTER TABLE tasks ADD COLUMN stop_reason TEXT`); err != nil {
			return err
		}
	}

	hasHarvestRate, err := s.hasColumn("searches", "harvest_rate")
	if err != nil {
		return err
	}
	if !hasHarvestRate {
		s.logger.Info().Msg("Running migration: Adding harvest_rate column to searches")
		if _, err := s.db.Exec(`ALTER TABLE searches ADD COLUMN harvest_rate REAL DEFAULT 0`); err != nil {
			return err
		}
	}

	return nil
}

// hasColumn reports whether a table already carries the named column
func (s *SQLiteDB) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(`PRAGMA table_info(` + table + `)`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, typ string
		var notnull, dfltValue, pk interface{}
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
