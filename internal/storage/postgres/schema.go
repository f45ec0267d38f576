package postgres

// Schema creates the catalog tables. Statements are idempotent so Migrate can
// run on every start.
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
	genres           TEXT[] NOT NULL DEFAULT '{}',
	release_date     DATE,
	release_status   TEXT NOT NULL DEFAULT 'unknown',
	platform_windows BOOLEAN NOT NULL DEFAULT FALSE,
	platform_mac     BOOLEAN NOT NULL DEFAULT FALSE,
	platform_linux   BOOLEAN NOT NULL DEFAULT FALSE,
	platform_ps      BOOLEAN NOT NULL DEFAULT FALSE,
	platform_xbox    BOOLEAN NOT NULL DEFAULT FALSE,
	platform_switch  BOOLEAN NOT NULL DEFAULT FALSE,
	degraded_media   BOOLEAN NOT NULL DEFAULT FALSE,
	missed_runs      INTEGER NOT NULL DEFAULT 0,
	delisted         BOOLEAN NOT NULL DEFAULT FALSE,
	first_seen       TIMESTAMPTZ NOT NULL,
	last_seen        TIMESTAMPTZ NOT NULL,
	last_run_id      TEXT NOT NULL DEFAULT '',
	UNIQUE (source, native_id)
);
CREATE INDEX IF NOT EXISTS products_title_key_idx ON products (title_key);

CREATE TABLE IF NOT EXISTS pricing_snapshots (
	id             BIGSERIAL PRIMARY KEY,
	product_id     TEXT NOT NULL REFERENCES products (id),
	run_id         TEXT NOT NULL,
	currency       CHAR(3) NOT NULL,
	current_price  NUMERIC(12, 2) NOT NULL,
	original_price NUMERIC(12, 2) NOT NULL,
	discount_pct   NUMERIC(5, 2) NOT NULL,
	is_free        BOOLEAN NOT NULL,
	observed_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS pricing_snapshots_product_idx ON pricing_snapshots (product_id, observed_at);

CREATE TABLE IF NOT EXISTS review_snapshots (
	id             BIGSERIAL PRIMARY KEY,
	product_id     TEXT NOT NULL REFERENCES products (id),
	run_id         TEXT NOT NULL,
	overall_score  NUMERIC(5, 2),
	overall_raw    NUMERIC(8, 2),
	overall_scale  TEXT,
	overall_label  TEXT,
	critic_score   NUMERIC(5, 2),
	critic_raw     NUMERIC(8, 2),
	critic_scale   TEXT,
	critic_label   TEXT,
	user_score     NUMERIC(5, 2),
	user_raw       NUMERIC(8, 2),
	user_scale     TEXT,
	user_label     TEXT,
	review_count   BIGINT,
	observed_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS review_snapshots_product_idx ON review_snapshots (product_id, observed_at);

CREATE TABLE IF NOT EXISTS media_assets (
	id           BIGSERIAL PRIMARY KEY,
	product_id   TEXT NOT NULL REFERENCES products (id),
	kind         TEXT NOT NULL,
	source_url   TEXT NOT NULL,
	blob_path    TEXT NOT NULL,
	blob_uri     TEXT NOT NULL,
	byte_size    BIGINT NOT NULL,
	content_hash TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (product_id, content_hash)
);

CREATE TABLE IF NOT EXISTS feature_tags (
	id       BIGSERIAL PRIMARY KEY,
	name     TEXT NOT NULL UNIQUE,
	category TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS product_features (
	product_id TEXT NOT NULL REFERENCES products (id),
	tag_id     BIGINT NOT NULL REFERENCES feature_tags (id),
	PRIMARY KEY (product_id, tag_id)
);

CREATE TABLE IF NOT EXISTS identity_links (
	product_id        TEXT NOT NULL REFERENCES products (id),
	linked_product_id TEXT NOT NULL REFERENCES products (id),
	confidence        DOUBLE PRECISION NOT NULL,
	status            TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (product_id, linked_product_id)
);
CREATE INDEX IF NOT EXISTS identity_links_status_idx ON identity_links (status, created_at);

CREATE TABLE IF NOT EXISTS crawl_failures (
	id      BIGSERIAL PRIMARY KEY,
	run_id  TEXT NOT NULL,
	source  TEXT NOT NULL,
	url     TEXT NOT NULL,
	stage   TEXT NOT NULL,
	reason  TEXT NOT NULL,
	detail  TEXT NOT NULL DEFAULT '',
	at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS crawl_failures_run_idx ON crawl_failures (run_id);

CREATE TABLE IF NOT EXISTS crawl_runs (
	id              UUID PRIMARY KEY,
	source          TEXT NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ,
	status          TEXT NOT NULL,
	error_message   TEXT,
	items_succeeded BIGINT NOT NULL DEFAULT 0,
	items_failed    BIGINT NOT NULL DEFAULT 0,
	items_degraded  BIGINT NOT NULL DEFAULT 0,
	bytes_total     BIGINT NOT NULL DEFAULT 0,
	last_update     TIMESTAMPTZ NOT NULL
);
`
