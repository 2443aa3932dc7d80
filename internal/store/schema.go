package store

// schemaStatements provisions the dev/test tables. The canonical catalog
// schema is owned by the main application; these mirror the columns this
// worker touches so it can run against a blank database.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		brand TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		normalized_key TEXT NOT NULL,
		price NUMERIC(12,2) NOT NULL DEFAULT 0,
		attributes JSONB NOT NULL DEFAULT '{}',
		image_urls JSONB NOT NULL DEFAULT '[]',
		ranking_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS products_normalized_key_idx
		ON products (normalized_key)`,
	`CREATE INDEX IF NOT EXISTS products_brand_category_idx
		ON products (lower(brand), lower(category))`,
	`CREATE TABLE IF NOT EXISTS import_logs (
		id UUID PRIMARY KEY,
		job_id TEXT NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		matched INT NOT NULL DEFAULT 0,
		created INT NOT NULL DEFAULT 0,
		skipped INT NOT NULL DEFAULT 0,
		failed INT NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS import_logs_job_idx ON import_logs (job_id)`,
	`CREATE INDEX IF NOT EXISTS import_logs_started_idx ON import_logs (started_at)`,
	`CREATE TABLE IF NOT EXISTS import_log_rows (
		log_id UUID NOT NULL REFERENCES import_logs(id) ON DELETE CASCADE,
		seq INT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		product_id BIGINT,
		PRIMARY KEY (log_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS analytics_samples (
		id BIGSERIAL PRIMARY KEY,
		product_id BIGINT NOT NULL,
		kind TEXT NOT NULL,
		value DOUBLE PRECISION NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS analytics_samples_window_idx
		ON analytics_samples (created_at)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id UUID PRIMARY KEY,
		kind TEXT NOT NULL,
		vendors JSONB NOT NULL DEFAULT '[]',
		state TEXT NOT NULL,
		records_processed INT NOT NULL DEFAULT 0,
		errors JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_created_idx ON jobs (created_at)`,
}
