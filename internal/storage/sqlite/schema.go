package sqlite

// Schema creates the catalog tables in SQLite. Lists are stored as JSON text
// and decimals as canonical strings.
const Schema = `
CREATE TABLE IF NOT EXISTS products (
	id               TEXT PRIMARY KEY,
	source           TEXT NOT NULL,
	native_id        TEXT NOT NULL,
	identity_key     TEXT NOT NULL UNIQUE,
	title            TEXT NOT NULL,
	title_key        TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	url              TEXT NOT NULL,
	developer        TEXT NOT NULL DEFAULT '',
	developer_key    TEXT NOT NULL DEFAULT '',
	publisher        TEXT NOT NULL DEFAULT '',
	genres           TEXT NOT NULL DEFAULT '[]',
	release_date     TEXT,
	release_status   TEXT NOT NULL DEFAULT 'unknown',
	platforms        TEXT NOT NULL DEFAULT '[]',
	degraded_media   INTEGER NOT NULL DEFAULT 0,
	missed_runs      INTEGER NOT NULL DEFAULT 0,
	delisted         INTEGER NOT NULL DEFAULT 0,
	first_seen       TIMESTAMP NOT NULL,
	last_seen        TIMESTAMP NOT NULL,
	last_run_id      TEXT NOT NULL DEFAULT '',
	UNIQUE (source, native_id)
);
CREATE INDEX IF NOT EXISTS products_title_key_idx ON products (title_key);

CREATE TABLE IF NOT EXISTS pricing_snapshots (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	product_id     TEXT NOT NULL REFERENCES products (id),
	run_id         TEXT NOT NULL,
	currency       TEXT NOT NULL,
	current_price  TEXT NOT NULL,
	original_price TEXT NOT NULL,
	discount_pct   TEXT NOT NULL,
	is_free        INTEGER NOT NULL,
	observed_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS review_snapshots (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	product_id     TEXT NOT NULL REFERENCES products (id),
	run_id         TEXT NOT NULL,
	overall_score  TEXT,
	overall_raw    TEXT,
	overall_scale  TEXT,
	overall_label  TEXT,
	critic_score   TEXT,
	critic_raw     TEXT,
	critic_scale   TEXT,
	critic_label   TEXT,
	user_score     TEXT,
	user_raw       TEXT,
	user_scale     TEXT,
	user_label     TEXT,
	review_count   INTEGER,
	observed_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS media_assets (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	product_id   TEXT NOT NULL REFERENCES products (id),
	kind         TEXT NOT NULL,
	source_url   TEXT NOT NULL,
	blob_path    TEXT NOT NULL,
	blob_uri     TEXT NOT NULL,
	byte_size    INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	UNIQUE (product_id, content_hash)
);

CREATE TABLE IF NOT EXISTS feature_tags (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	name     TEXT NOT NULL UNIQUE,
	category TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS product_features (
	product_id TEXT NOT NULL REFERENCES products (id),
	tag_id     INTEGER NOT NULL REFERENCES feature_tags (id),
	PRIMARY KEY (product_id, tag_id)
);

CREATE TABLE IF NOT EXISTS identity_links (
	product_id        TEXT NOT NULL REFERENCES products (id),
	linked_product_id TEXT NOT NULL REFERENCES products (id),
	confidence        REAL NOT NULL,
	status            TEXT NOT NULL,
	created_at        TIMESTAMP NOT NULL,
	PRIMARY KEY (product_id, linked_product_id)
);

CREATE TABLE IF NOT EXISTS crawl_failures (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id  TEXT NOT NULL,
	source  TEXT NOT NULL,
	url     TEXT NOT NULL,
	stage   TEXT NOT NULL,
	reason  TEXT NOT NULL,
	detail  TEXT NOT NULL DEFAULT '',
	at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS crawl_runs (
	id              TEXT PRIMARY KEY,
	source          TEXT NOT NULL,
	started_at      TIMESTAMP NOT NULL,
	finished_at     TIMESTAMP,
	status          TEXT NOT NULL,
	error_message   TEXT,
	items_succeeded INTEGER NOT NULL DEFAULT 0,
	items_failed    INTEGER NOT NULL DEFAULT 0,
	items_degraded  INTEGER NOT NULL DEFAULT 0,
	bytes_total     INTEGER NOT NULL DEFAULT 0,
	last_update     TIMESTAMP NOT NULL
);
`
