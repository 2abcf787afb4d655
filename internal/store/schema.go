package store

// baselineSchema creates every table at schema version 1. Columns added in
// later migrations are intentionally absent here; see migrations.go.
const baselineSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL UNIQUE,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	name TEXT PRIMARY KEY,
	agent_class TEXT NOT NULL,
	model TEXT,
	description TEXT,
	transport TEXT NOT NULL DEFAULT 'terminal',
	status TEXT,
	current_zone TEXT,
	registered_at TEXT NOT NULL,
	last_seen TEXT,
	last_inbox_check TEXT,
	context_summary TEXT,
	context_updated_at TEXT,
	hp_input_tokens INTEGER,
	hp_output_tokens INTEGER,
	hp_tokens_limit INTEGER,
	hp_turn_input INTEGER,
	hp_turn_output INTEGER,
	hp_updated_at TEXT,
	hp_alerts_fired TEXT,
	session_id TEXT,
	rss_bytes INTEGER
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	from_agent TEXT NOT NULL,
	to_agent TEXT NOT NULL,
	content_file TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	read_flag INTEGER NOT NULL DEFAULT 0,
	is_cc INTEGER NOT NULL DEFAULT 0,
	cc_original_to TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_agent, read_flag);

CREATE TABLE IF NOT EXISTS broadcast_reads (
	agent_name TEXT NOT NULL,
	message_id INTEGER NOT NULL,
	read_at TEXT NOT NULL,
	PRIMARY KEY (agent_name, message_id)
);

CREATE TABLE IF NOT EXISTS battle_plan (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	set_by TEXT NOT NULL,
	plan_file TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS raid_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_name TEXT NOT NULL,
	entry_file TEXT NOT NULL,
	priority TEXT NOT NULL DEFAULT 'normal',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS file_claims (
	file_path TEXT PRIMARY KEY,
	agent_name TEXT NOT NULL,
	claimed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS file_waitlist (
	file_path TEXT NOT NULL,
	agent_name TEXT NOT NULL,
	added_at TEXT NOT NULL,
	PRIMARY KEY (file_path, agent_name)
);

CREATE TABLE IF NOT EXISTS flags (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	set_by TEXT,
	set_at TEXT
);

CREATE TABLE IF NOT EXISTS agent_retire (
	agent_name TEXT PRIMARY KEY,
	set_by TEXT,
	set_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS fenix_down_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_name TEXT NOT NULL,
	files TEXT NOT NULL,
	manifest TEXT,
	consumed INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_interrupt (
	agent_name TEXT PRIMARY KEY,
	set_by TEXT,
	set_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	task_file TEXT,
	project TEXT,
	zone TEXT,
	status TEXT NOT NULL DEFAULT 'open',
	blocked_by TEXT,
	assigned_to TEXT,
	created_by TEXT,
	files TEXT,
	progress TEXT,
	class_required TEXT,
	flow_type TEXT NOT NULL DEFAULT 'bugfix',
	task_type TEXT NOT NULL DEFAULT 'bugfix',
	activity_count INTEGER NOT NULL DEFAULT 0,
	result_file TEXT,
	requirement_id INTEGER,
	requirement_path TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to, status);
CREATE INDEX IF NOT EXISTS idx_tasks_requirement ON tasks(requirement_id);

CREATE TABLE IF NOT EXISTS task_transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id INTEGER NOT NULL,
	entity_type TEXT NOT NULL,
	from_status TEXT,
	to_status TEXT NOT NULL,
	triggered_by TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_entity ON task_transitions(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS requirements (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_path TEXT NOT NULL UNIQUE,
	origin TEXT,
	stage TEXT NOT NULL DEFAULT 'seed',
	flow_type TEXT NOT NULL DEFAULT 'requirement',
	parent_id INTEGER,
	created_by TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requirements_parent ON requirements(parent_id);

CREATE TABLE IF NOT EXISTS invocation_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_name TEXT NOT NULL,
	pid INTEGER,
	model TEXT,
	generation INTEGER NOT NULL,
	rss_bytes INTEGER,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	exit_code INTEGER,
	compacted INTEGER NOT NULL DEFAULT 0,
	timed_out INTEGER NOT NULL DEFAULT 0,
	interrupted INTEGER NOT NULL DEFAULT 0,
	started_at TEXT NOT NULL,
	ended_at TEXT
);

CREATE TABLE IF NOT EXISTS compaction_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_name TEXT NOT NULL,
	model TEXT,
	pid INTEGER,
	rss_pre INTEGER,
	tokens_pre INTEGER,
	tokens_post INTEGER,
	generation INTEGER,
	compacted_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS backlog_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_path TEXT NOT NULL UNIQUE,
	item_type TEXT NOT NULL,
	title TEXT NOT NULL,
	priority TEXT NOT NULL DEFAULT 'normal',
	status TEXT NOT NULL DEFAULT 'open',
	source TEXT,
	promoted_to TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS intel_docs (
	slug TEXT PRIMARY KEY,
	doc_path TEXT NOT NULL,
	tags TEXT,
	description TEXT,
	created_by TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS intel_links (
	intel_slug TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id INTEGER NOT NULL,
	PRIMARY KEY (intel_slug, entity_type, entity_id)
);
`
