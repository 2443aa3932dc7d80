package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dvermarket/catalogworker/logger"
)

const productColumns = `id, name, brand, category, normalized_key, price,
	attributes, image_urls, ranking_score, created_at, updated_at`

// Postgres is the pgx-backed catalog store
type Postgres struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewPostgres connects a pooled Postgres store
func NewPostgres(ctx context.Context, dsn string, maxConns int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &Postgres{pool: pool, log: logger.ForStore()}, nil
}

// EnsureSchema provisions the tables this worker needs
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	p.log.Debug().Int("statements", len(schemaStatements)).Msg("Schema ensured")
	return nil
}

// Ping checks the database connection
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the connection pool
func (p *Postgres) Close() {
	p.pool.Close()
}

// FindProductByKey returns the product with the given normalized key,
// or ErrNotFound
func (p *Postgres) FindProductByKey(ctx context.Context, key string) (*CatalogProduct, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE normalized_key = $1`, key)
	product, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding product by key: %w", err)
	}
	return product, nil
}

// FindProductsByBrandCategory returns fuzzy-match candidates sharing a brand
// and category, ordered by id for deterministic tie-breaking
func (p *Postgres) FindProductsByBrandCategory(ctx context.Context, brand, category string) ([]CatalogProduct, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+productColumns+` FROM products
		 WHERE lower(brand) = lower($1) AND lower(category) = lower($2)
		 ORDER BY id`, brand, category)
	if err != nil {
		return nil, fmt.Errorf("finding products by brand/category: %w", err)
	}
	defer rows.Close()
	return collectProducts(rows)
}

// ListProducts returns all catalog products ordered by id
func (p *Postgres) ListProducts(ctx context.Context) ([]CatalogProduct, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+productColumns+` FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	defer rows.Close()
	return collectProducts(rows)
}

// CreateProduct inserts a new product and returns it with identity and
// timestamps filled in
func (p *Postgres) CreateProduct(ctx context.Context, product *CatalogProduct) (*CatalogProduct, error) {
	attrs, err := marshalMap(product.Attributes)
	if err != nil {
		return nil, fmt.Errorf("encoding attributes: %w", err)
	}
	images, err := marshalSlice(product.ImageURLs)
	if err != nil {
		return nil, fmt.Errorf("encoding image urls: %w", err)
	}

	created := *product
	err = p.pool.QueryRow(ctx,
		`INSERT INTO products (name, brand, category, normalized_key, price, attributes, image_urls)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, ranking_score, created_at, updated_at`,
		product.Name, product.Brand, product.Category, product.NormalizedKey,
		product.Price, attrs, images,
	).Scan(&created.ID, &created.RankingScore, &created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating product: %w", err)
	}
	return &created, nil
}

// UpdateProduct applies the non-nil fields of update to a product and
// returns the updated row
func (p *Postgres) UpdateProduct(ctx context.Context, id int64, update ProductUpdate) (*CatalogProduct, error) {
	sets := []string{"updated_at = now()"}
	args := []interface{}{id}
	idx := 2

	if update.Price != nil {
		sets = append(sets, fmt.Sprintf("price = $%d", idx))
		args = append(args, *update.Price)
		idx++
	}
	if update.Attributes != nil {
		attrs, err := marshalMap(update.Attributes)
		if err != nil {
			return nil, fmt.Errorf("encoding attributes: %w", err)
		}
		sets = append(sets, fmt.Sprintf("attributes = $%d", idx))
		args = append(args, attrs)
		idx++
	}
	if update.ImageURLs != nil {
		images, err := marshalSlice(update.ImageURLs)
		if err != nil {
			return nil, fmt.Errorf("encoding image urls: %w", err)
		}
		sets = append(sets, fmt.Sprintf("image_urls = $%d", idx))
		args = append(args, images)
		idx++
	}

	row := p.pool.QueryRow(ctx,
		`UPDATE products SET `+strings.Join(sets, ", ")+
			` WHERE id = $1 RETURNING `+productColumns, args...)
	product, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("updating product %d: %w", id, err)
	}
	return product, nil
}

// WriteRankingScore stores a recomputed score for one product
func (p *Postgres) WriteRankingScore(ctx context.Context, productID int64, score float64) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE products SET ranking_score = $2, updated_at = now() WHERE id = $1`,
		productID, score)
	if err != nil {
		return fmt.Errorf("writing ranking score for product %d: %w", productID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordAnalyticsSample stores one interaction event
func (p *Postgres) RecordAnalyticsSample(ctx context.Context, sample AnalyticsSample) error {
	value := sample.Value
	if value == 0 {
		value = 1
	}
	createdAt := sample.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO analytics_samples (product_id, kind, value, created_at)
		 VALUES ($1, $2, $3, $4)`,
		sample.ProductID, string(sample.Kind), value, createdAt)
	if err != nil {
		return fmt.Errorf("recording analytics sample: %w", err)
	}
	return nil
}

// ListAnalyticsSamples returns all samples inside [from, to) ordered by id
func (p *Postgres) ListAnalyticsSamples(ctx context.Context, from, to time.Time) ([]AnalyticsSample, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, product_id, kind, value, created_at FROM analytics_samples
		 WHERE created_at >= $1 AND created_at < $2 ORDER BY id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("listing analytics samples: %w", err)
	}
	defer rows.Close()

	var samples []AnalyticsSample
	for rows.Next() {
		var s AnalyticsSample
		var kind string
		if err := rows.Scan(&s.ID, &s.ProductID, &kind, &s.Value, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning analytics sample: %w", err)
		}
		s.Kind = SampleKind(kind)
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// CreateImportLog inserts the header row of a new import run
func (p *Postgres) CreateImportLog(ctx context.Context, log *ImportLog) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO import_logs (id, job_id, source, status, started_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		log.ID, log.JobID, log.Source, log.Status, log.StartedAt)
	if err != nil {
		return fmt.Errorf("creating import log: %w", err)
	}
	return nil
}

// AppendImportRow appends one per-row outcome to an active import run
func (p *Postgres) AppendImportRow(ctx context.Context, logID string, row ImportRow) error {
	var productID interface{}
	if row.ProductID != 0 {
		productID = row.ProductID
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO import_log_rows (log_id, seq, name, outcome, reason, product_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		logID, row.Seq, row.Name, string(row.Outcome), row.Reason, productID)
	if err != nil {
		return fmt.Errorf("appending import row: %w", err)
	}
	return nil
}

// FinishImportLog seals an import run with its terminal status and totals
func (p *Postgres) FinishImportLog(ctx context.Context, logID, status string, totals ImportTotals) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE import_logs
		 SET status = $2, matched = $3, created = $4, skipped = $5, failed = $6,
		     finished_at = now()
		 WHERE id = $1`,
		logID, status, totals.Matched, totals.Created, totals.Skipped, totals.Failed)
	if err != nil {
		return fmt.Errorf("finishing import log: %w", err)
	}
	return nil
}

// GetImportLog returns one import run with its ordered rows
func (p *Postgres) GetImportLog(ctx context.Context, id string) (*ImportLog, error) {
	log, err := p.scanImportLogHeader(ctx,
		`SELECT id, job_id, source, status, matched, created, skipped, failed,
		        started_at, finished_at
		 FROM import_logs WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if err := p.loadImportRows(ctx, log); err != nil {
		return nil, err
	}
	return log, nil
}

// GetImportLogByJob returns the import run belonging to a job
func (p *Postgres) GetImportLogByJob(ctx context.Context, jobID string) (*ImportLog, error) {
	log, err := p.scanImportLogHeader(ctx,
		`SELECT id, job_id, source, status, matched, created, skipped, failed,
		        started_at, finished_at
		 FROM import_logs WHERE job_id = $1
		 ORDER BY started_at DESC LIMIT 1`, jobID)
	if err != nil {
		return nil, err
	}
	if err := p.loadImportRows(ctx, log); err != nil {
		return nil, err
	}
	return log, nil
}

// ListImportLogs returns run headers inside [from, to); rows are loaded
// per run via GetImportLog
func (p *Postgres) ListImportLogs(ctx context.Context, from, to time.Time) ([]ImportLog, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, job_id, source, status, matched, created, skipped, failed,
		        started_at, finished_at
		 FROM import_logs
		 WHERE started_at >= $1 AND started_at < $2
		 ORDER BY started_at`, from, to)
	if err != nil {
		return nil, fmt.Errorf("listing import logs: %w", err)
	}
	defer rows.Close()

	var logs []ImportLog
	for rows.Next() {
		var log ImportLog
		if err := rows.Scan(&log.ID, &log.JobID, &log.Source, &log.Status,
			&log.Matched, &log.Created, &log.Skipped, &log.Failed,
			&log.StartedAt, &log.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning import log: %w", err)
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// SaveJob upserts a persisted job-status record
func (p *Postgres) SaveJob(ctx context.Context, rec JobRecord) error {
	vendors, err := marshalSlice(rec.Vendors)
	if err != nil {
		return fmt.Errorf("encoding vendors: %w", err)
	}
	jobErrors, err := marshalSlice(rec.Errors)
	if err != nil {
		return fmt.Errorf("encoding job errors: %w", err)
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO jobs (id, kind, vendors, state, records_processed, errors,
		                   created_at, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   state = EXCLUDED.state,
		   records_processed = EXCLUDED.records_processed,
		   errors = EXCLUDED.errors,
		   started_at = EXCLUDED.started_at,
		   finished_at = EXCLUDED.finished_at`,
		rec.ID, rec.Kind, vendors, rec.State, rec.RecordsProcessed, jobErrors,
		rec.CreatedAt, rec.StartedAt, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("saving job %s: %w", rec.ID, err)
	}
	return nil
}

// GetJob returns a persisted job-status record, or ErrNotFound
func (p *Postgres) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	var rec JobRecord
	var vendors, jobErrors []byte
	err := p.pool.QueryRow(ctx,
		`SELECT id, kind, vendors, state, records_processed, errors,
		        created_at, started_at, finished_at
		 FROM jobs WHERE id = $1`, id).
		Scan(&rec.ID, &rec.Kind, &vendors, &rec.State, &rec.RecordsProcessed,
			&jobErrors, &rec.CreatedAt, &rec.StartedAt, &rec.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting job %s: %w", id, err)
	}
	if err := json.Unmarshal(vendors, &rec.Vendors); err != nil {
		return nil, fmt.Errorf("decoding vendors: %w", err)
	}
	if err := json.Unmarshal(jobErrors, &rec.Errors); err != nil {
		return nil, fmt.Errorf("decoding job errors: %w", err)
	}
	return &rec, nil
}

// ListJobs returns the most recent jobs, newest first
func (p *Postgres) ListJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, kind, vendors, state, records_processed, errors,
		        created_at, started_at, finished_at
		 FROM jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var rec JobRecord
		var vendors, jobErrors []byte
		if err := rows.Scan(&rec.ID, &rec.Kind, &vendors, &rec.State,
			&rec.RecordsProcessed, &jobErrors, &rec.CreatedAt,
			&rec.StartedAt, &rec.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		if err := json.Unmarshal(vendors, &rec.Vendors); err != nil {
			return nil, fmt.Errorf("decoding vendors: %w", err)
		}
		if err := json.Unmarshal(jobErrors, &rec.Errors); err != nil {
			return nil, fmt.Errorf("decoding job errors: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) scanImportLogHeader(ctx context.Context, query string, arg interface{}) (*ImportLog, error) {
	var log ImportLog
	err := p.pool.QueryRow(ctx, query, arg).
		Scan(&log.ID, &log.JobID, &log.Source, &log.Status,
			&log.Matched, &log.Created, &log.Skipped, &log.Failed,
			&log.StartedAt, &log.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning import log: %w", err)
	}
	return &log, nil
}

func (p *Postgres) loadImportRows(ctx context.Context, log *ImportLog) error {
	rows, err := p.pool.Query(ctx,
		`SELECT seq, name, outcome, reason, product_id FROM import_log_rows
		 WHERE log_id = $1 ORDER BY seq`, log.ID)
	if err != nil {
		return fmt.Errorf("loading import rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row ImportRow
		var outcome string
		var productID *int64
		if err := rows.Scan(&row.Seq, &row.Name, &outcome, &row.Reason, &productID); err != nil {
			return fmt.Errorf("scanning import row: %w", err)
		}
		row.Outcome = RowOutcome(outcome)
		if productID != nil {
			row.ProductID = *productID
		}
		log.Rows = append(log.Rows, row)
	}
	return rows.Err()
}

// scanProduct reads one product row, decoding the JSONB columns
func scanProduct(row pgx.Row) (*CatalogProduct, error) {
	var product CatalogProduct
	var attrs, images []byte
	err := row.Scan(&product.ID, &product.Name, &product.Brand, &product.Category,
		&product.NormalizedKey, &product.Price, &attrs, &images,
		&product.RankingScore, &product.CreatedAt, &product.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(attrs, &product.Attributes); err != nil {
		return nil, fmt.Errorf("decoding attributes: %w", err)
	}
	if err := json.Unmarshal(images, &product.ImageURLs); err != nil {
		return nil, fmt.Errorf("decoding image urls: %w", err)
	}
	return &product, nil
}

func collectProducts(rows pgx.Rows) ([]CatalogProduct, error) {
	var products []CatalogProduct
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning product: %w", err)
		}
		products = append(products, *product)
	}
	return products, rows.Err()
}

func marshalMap(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func marshalSlice(s []string) ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}
