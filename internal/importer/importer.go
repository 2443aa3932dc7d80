package importer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dvermarket/catalogworker/internal/normalize"
	"dvermarket/catalogworker/internal/scraper"
	"dvermarket/catalogworker/internal/store"
	"dvermarket/catalogworker/logger"
)

// Store is the slice of the catalog store the import pipeline needs.
type Store interface {
	FindProductByKey(ctx context.Context, key string) (*store.CatalogProduct, error)
	FindProductsByBrandCategory(ctx context.Context, brand, category string) ([]store.CatalogProduct, error)
	CreateProduct(ctx context.Context, product *store.CatalogProduct) (*store.CatalogProduct, error)
	UpdateProduct(ctx context.Context, id int64, update store.ProductUpdate) (*store.CatalogProduct, error)
	CreateImportLog(ctx context.Context, log *store.ImportLog) error
	AppendImportRow(ctx context.Context, logID string, row store.ImportRow) error
	FinishImportLog(ctx context.Context, logID, status string, totals store.ImportTotals) error
}

// Importer matches incoming records against the catalog and applies the
// resulting mutations, one audited row at a time.
type Importer struct {
	store     Store
	norm      *normalize.Normalizer
	threshold float64
	keys      *keyedMutex
	log       *logger.Logger
}

// New creates an importer. threshold is the minimum similarity for a fuzzy
// match against same-brand, same-category candidates.
func New(st Store, norm *normalize.Normalizer, threshold float64) *Importer {
	return &Importer{
		store:     st,
		norm:      norm,
		threshold: threshold,
		keys:      newKeyedMutex(64),
		log:       logger.ForImporter(),
	}
}

// Run is one import run. Ingest may be called from multiple goroutines;
// rows are sequenced by arrival and catalog writes are serialized per
// normalized key.
type Run struct {
	imp *Importer
	log *store.ImportLog

	mu     sync.Mutex
	seq    int
	totals store.ImportTotals
}

// BeginRun opens a new audited import run. Failing to create the run log
// means the catalog store is unusable, which aborts the whole job.
func (imp *Importer) BeginRun(ctx context.Context, jobID, source string) (*Run, error) {
	entry := &store.ImportLog{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Source:    source,
		Status:    store.ImportStatusRunning,
		StartedAt: time.Now(),
	}
	if err := imp.store.CreateImportLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to create import log: %w", err)
	}
	imp.log.Info().Str("import_log_id", entry.ID).Str("source", source).Msg("import run started")
	return &Run{imp: imp, log: entry}, nil
}

// LogID returns the identifier of the run's import log.
func (r *Run) LogID() string {
	return r.log.ID
}

// Totals returns a snapshot of the per-outcome counters.
func (r *Run) Totals() store.ImportTotals {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totals
}

// Ingest processes one record: normalize, match, mutate, audit. Every call
// appends exactly one row to the import log; failures are contained to the
// row.
func (r *Run) Ingest(ctx context.Context, rec scraper.VendorRecord) store.ImportRow {
	name := normalize.Clean(rec.Name)
	key := r.imp.norm.ProductKey(rec.Name, rec.Brand)
	if key == "" {
		return r.append(ctx, store.ImportRow{
			Name:    name,
			Outcome: store.RowSkippedInvalid,
			Reason:  "name is empty after normalization",
		})
	}

	unlock := r.imp.keys.Lock(key)
	defer unlock()

	existing, err := r.findMatch(ctx, key, rec)
	if err != nil {
		r.imp.log.Error().Err(err).Str("key", key).Msg("catalog lookup failed")
		return r.append(ctx, store.ImportRow{
			Name:    name,
			Outcome: store.RowFailed,
			Reason:  fmt.Sprintf("catalog lookup failed: %v", err),
		})
	}

	if existing != nil {
		return r.updateExisting(ctx, name, rec, existing)
	}
	return r.createNew(ctx, name, key, rec)
}

// findMatch resolves a record to an existing product: exact key match first,
// then the best fuzzy candidate sharing brand and category.
func (r *Run) findMatch(ctx context.Context, key string, rec scraper.VendorRecord) (*store.CatalogProduct, error) {
	existing, err := r.imp.store.FindProductByKey(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if rec.Brand == "" || rec.Category == "" {
		return nil, nil
	}

	candidates, err := r.imp.store.FindProductsByBrandCategory(ctx, rec.Brand, rec.Category)
	if err != nil {
		return nil, err
	}

	var best *store.CatalogProduct
	bestScore := 0.0
	for i := range candidates {
		score := normalize.Similarity(key, candidates[i].NormalizedKey)
		if score >= r.imp.threshold && score > bestScore {
			best = &candidates[i]
			bestScore = score
		}
	}
	if best != nil {
		r.imp.log.Debug().Str("key", key).Int64("product_id", best.ID).Float64("score", bestScore).Msg("fuzzy match")
	}
	return best, nil
}

// updateExisting refreshes the mutable fields of a matched product. Brand
// and category are trusted catalog data: a disagreeing vendor value is
// logged as a conflict and the stored value kept.
func (r *Run) updateExisting(ctx context.Context, name string, rec scraper.VendorRecord, existing *store.CatalogProduct) store.ImportRow {
	var conflicts []string
	if rec.Brand != "" && !strings.EqualFold(rec.Brand, existing.Brand) {
		conflicts = append(conflicts, fmt.Sprintf("brand conflict: vendor sent %q, kept %q", rec.Brand, existing.Brand))
	}
	if rec.Category != "" && !strings.EqualFold(rec.Category, existing.Category) {
		conflicts = append(conflicts, fmt.Sprintf("category conflict: vendor sent %q, kept %q", rec.Category, existing.Category))
	}
	for _, c := range conflicts {
		r.imp.log.Warn().Str("vendor", rec.Vendor).Int64("product_id", existing.ID).Msg(c)
	}

	var update store.ProductUpdate
	if rec.Price > 0 && !math.IsNaN(rec.Price) {
		price := rec.Price
		update.Price = &price
	}
	if len(rec.Attributes) > 0 {
		merged := make(map[string]string, len(existing.Attributes)+len(rec.Attributes))
		for k, v := range existing.Attributes {
			merged[k] = v
		}
		for k, v := range rec.Attributes {
			merged[k] = v
		}
		update.Attributes = merged
	}
	if len(rec.ImageURLs) > 0 {
		update.ImageURLs = rec.ImageURLs
	}

	if _, err := r.imp.store.UpdateProduct(ctx, existing.ID, update); err != nil {
		r.imp.log.Error().Err(err).Int64("product_id", existing.ID).Msg("product update failed")
		return r.append(ctx, store.ImportRow{
			Name:      name,
			Outcome:   store.RowFailed,
			Reason:    fmt.Sprintf("product update failed: %v", err),
			ProductID: existing.ID,
		})
	}

	return r.append(ctx, store.ImportRow{
		Name:      name,
		Outcome:   store.RowMatchedExisting,
		Reason:    strings.Join(conflicts, "; "),
		ProductID: existing.ID,
	})
}

// createNew validates the required fields and creates a catalog product.
func (r *Run) createNew(ctx context.Context, name, key string, rec scraper.VendorRecord) store.ImportRow {
	if reason := validateNew(rec); reason != "" {
		return r.append(ctx, store.ImportRow{
			Name:    name,
			Outcome: store.RowSkippedInvalid,
			Reason:  reason,
		})
	}

	created, err := r.imp.store.CreateProduct(ctx, &store.CatalogProduct{
		Name:          name,
		Brand:         rec.Brand,
		Category:      rec.Category,
		NormalizedKey: key,
		Price:         rec.Price,
		Attributes:    rec.Attributes,
		ImageURLs:     rec.ImageURLs,
	})
	if err != nil {
		r.imp.log.Error().Err(err).Str("key", key).Msg("product create failed")
		return r.append(ctx, store.ImportRow{
			Name:    name,
			Outcome: store.RowFailed,
			Reason:  fmt.Sprintf("product create failed: %v", err),
		})
	}

	return r.append(ctx, store.ImportRow{
		Name:      name,
		Outcome:   store.RowCreatedNew,
		ProductID: created.ID,
	})
}

// Skip records a row that could not even be turned into a record, such as a
// malformed CSV line.
func (r *Run) Skip(ctx context.Context, name, reason string) store.ImportRow {
	return r.append(ctx, store.ImportRow{
		Name:    name,
		Outcome: store.RowSkippedInvalid,
		Reason:  reason,
	})
}

// Complete finishes the run. Row-level failures do not fail the run; they
// are visible in the totals and per-row outcomes.
func (r *Run) Complete(ctx context.Context) (*store.ImportLog, error) {
	return r.finish(ctx, store.ImportStatusCompleted)
}

// Fail finishes the run as failed after a run-level error.
func (r *Run) Fail(ctx context.Context) (*store.ImportLog, error) {
	return r.finish(ctx, store.ImportStatusFailed)
}

func (r *Run) finish(ctx context.Context, status string) (*store.ImportLog, error) {
	r.mu.Lock()
	totals := r.totals
	r.mu.Unlock()

	// The log must reach its terminal state even when the run's context
	// has been cancelled.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	if err := r.imp.store.FinishImportLog(ctx, r.log.ID, status, totals); err != nil {
		return nil, fmt.Errorf("failed to finish import log: %w", err)
	}

	r.log.Status = status
	r.log.Matched = totals.Matched
	r.log.Created = totals.Created
	r.log.Skipped = totals.Skipped
	r.log.Failed = totals.Failed
	now := time.Now()
	r.log.FinishedAt = &now

	r.imp.log.Info().
		Str("import_log_id", r.log.ID).
		Int("matched", totals.Matched).
		Int("created", totals.Created).
		Int("skipped", totals.Skipped).
		Int("failed", totals.Failed).
		Msg("import run finished")
	return r.log, nil
}

// append sequences the row, persists it, and bumps the totals.
func (r *Run) append(ctx context.Context, row store.ImportRow) store.ImportRow {
	r.mu.Lock()
	r.seq++
	row.Seq = r.seq
	switch row.Outcome {
	case store.RowMatchedExisting:
		r.totals.Matched++
	case store.RowCreatedNew:
		r.totals.Created++
	case store.RowSkippedInvalid:
		r.totals.Skipped++
	case store.RowFailed:
		r.totals.Failed++
	}
	r.mu.Unlock()

	if err := r.imp.store.AppendImportRow(ctx, r.log.ID, row); err != nil {
		r.imp.log.Error().Err(err).Str("import_log_id", r.log.ID).Int("seq", row.Seq).Msg("failed to persist import row")
	}
	return row
}

// validateNew returns a reason string when a record must not become a new
// product.
func validateNew(rec scraper.VendorRecord) string {
	if strings.TrimSpace(rec.Category) == "" {
		return "missing required field: category"
	}
	if math.IsNaN(rec.Price) || math.IsInf(rec.Price, 0) || rec.Price < 0 {
		return fmt.Sprintf("invalid price: %v", rec.Price)
	}
	return ""
}

// keyedMutex serializes work across a fixed set of lock stripes keyed by
// normalized key, so two concurrent rows for the same logical product can
// never both observe it as absent.
type keyedMutex struct {
	stripes []sync.Mutex
}

func newKeyedMutex(n int) *keyedMutex {
	return &keyedMutex{stripes: make([]sync.Mutex, n)}
}

// Lock locks the stripe for key and returns the unlock function.
func (k *keyedMutex) Lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.stripes[h.Sum32()%uint32(len(k.stripes))]
	m.Lock()
	return m.Unlock
}
