package store

// Schema creates every table the store owns. Timestamps are stored as
// fixed-width UTC text so that lexical order is chronological.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_executions (
	execution_id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	workflow_name TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	duration_seconds REAL,
	context_json TEXT,
	result_json TEXT,
	error_message TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_workflow ON workflow_executions(workflow_id);
CREATE INDEX IF NOT EXISTS idx_executions_started ON workflow_executions(started_at);

CREATE TABLE IF NOT EXISTS workflow_step_executions (
	step_execution_id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES workflow_executions(execution_id) ON DELETE CASCADE,
	step_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	action TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	duration_ms REAL,
	parameters_json TEXT,
	result_json TEXT,
	error_message TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_steps_execution ON workflow_step_executions(execution_id);

CREATE TABLE IF NOT EXISTS agent_cache (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL,
	cache_key TEXT NOT NULL,
	cache_value BLOB NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_cache_key ON agent_cache(agent_id, cache_key);

CREATE TABLE IF NOT EXISTS market_quotes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	name TEXT,
	timestamp TEXT NOT NULL,
	price REAL NOT NULL,
	previous_close REAL,
	day_high REAL,
	day_low REAL,
	bid REAL,
	ask REAL,
	bid_size INTEGER,
	ask_size INTEGER,
	volume INTEGER,
	currency TEXT,
	source TEXT NOT NULL DEFAULT 'unknown',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_quotes_symbol_created ON market_quotes(symbol, created_at);

CREATE TABLE IF NOT EXISTS historical_prices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	date TEXT NOT NULL,
	open REAL NOT NULL,
	high REAL NOT NULL,
	low REAL NOT NULL,
	close REAL NOT NULL,
	volume INTEGER NOT NULL,
	adj_close REAL,
	interval TEXT NOT NULL DEFAULT '1d',
	source TEXT NOT NULL DEFAULT 'unknown',
	created_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_symbol_date_interval ON historical_prices(symbol, date, interval);

CREATE TABLE IF NOT EXISTS data_quality_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	data_type TEXT NOT NULL,
	symbol TEXT,
	issue_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	description TEXT NOT NULL,
	raw_data TEXT
);
CREATE INDEX IF NOT EXISTS idx_quality_timestamp_severity ON data_quality_logs(timestamp, severity);
`
