package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvermarket/catalogworker/internal/normalize"
	"dvermarket/catalogworker/internal/scraper"
	"dvermarket/catalogworker/internal/store"
)

// memStore is an in-memory Store with a unique index on normalized key,
// mirroring the real catalog constraints.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	products map[int64]*store.CatalogProduct
	byKey    map[string]int64
	logs     map[string]*store.ImportLog
	rows     map[string][]store.ImportRow

	failUpdateID int64
	failCreate   bool
}

func newMemStore() *memStore {
	return &memStore{
		products: make(map[int64]*store.CatalogProduct),
		byKey:    make(map[string]int64),
		logs:     make(map[string]*store.ImportLog),
		rows:     make(map[string][]store.ImportRow),
	}
}

func (m *memStore) seed(p store.CatalogProduct) *store.CatalogProduct {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	m.products[p.ID] = &p
	m.byKey[p.NormalizedKey] = p.ID
	return &p
}

func (m *memStore) FindProductByKey(_ context.Context, key string) (*store.CatalogProduct, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m.products[id]
	return &cp, nil
}

func (m *memStore) FindProductsByBrandCategory(_ context.Context, brand, category string) ([]store.CatalogProduct, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.CatalogProduct
	for _, p := range m.products {
		if strings.EqualFold(p.Brand, brand) && strings.EqualFold(p.Category, category) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CreateProduct(_ context.Context, product *store.CatalogProduct) (*store.CatalogProduct, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate {
		return nil, errors.New("connection reset")
	}
	if _, exists := m.byKey[product.NormalizedKey]; exists {
		return nil, fmt.Errorf("duplicate key value violates unique constraint: %s", product.NormalizedKey)
	}
	m.nextID++
	cp := *product
	cp.ID = m.nextID
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.products[cp.ID] = &cp
	m.byKey[cp.NormalizedKey] = cp.ID
	result := cp
	return &result, nil
}

func (m *memStore) UpdateProduct(_ context.Context, id int64, update store.ProductUpdate) (*store.CatalogProduct, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == m.failUpdateID {
		return nil, errors.New("connection reset")
	}
	p, ok := m.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if update.Price != nil {
		p.Price = *update.Price
	}
	if update.Attributes != nil {
		p.Attributes = update.Attributes
	}
	if update.ImageURLs != nil {
		p.ImageURLs = update.ImageURLs
	}
	p.UpdatedAt = time.Now()
	cp := *p
	return &cp, nil
}

func (m *memStore) CreateImportLog(_ context.Context, log *store.ImportLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *log
	m.logs[log.ID] = &cp
	return nil
}

func (m *memStore) AppendImportRow(_ context.Context, logID string, row store.ImportRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[logID] = append(m.rows[logID], row)
	return nil
}

func (m *memStore) FinishImportLog(_ context.Context, logID, status string, totals store.ImportTotals) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.logs[logID]
	if !ok {
		return store.ErrNotFound
	}
	log.Status = status
	log.Matched = totals.Matched
	log.Created = totals.Created
	log.Skipped = totals.Skipped
	log.Failed = totals.Failed
	now := time.Now()
	log.FinishedAt = &now
	return nil
}

func (m *memStore) product(id int64) store.CatalogProduct {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.products[id]
}

func (m *memStore) sortedRows(logID string) []store.ImportRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := append([]store.ImportRow(nil), m.rows[logID]...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })
	return rows
}

func newTestImporter(st Store, synonyms map[string]string) *Importer {
	var table *normalize.SynonymTable
	if synonyms != nil {
		table = normalize.NewSynonymTable(synonyms)
	}
	return New(st, normalize.New(table), 0.6)
}

func record(name, brand, category string, price float64) scraper.VendorRecord {
	return scraper.VendorRecord{
		Vendor:    "labirint",
		Name:      name,
		Brand:     brand,
		Category:  category,
		Price:     price,
		ScrapedAt: time.Now(),
	}
}

func TestIngestMatchesViaSynonymAndFuzzyKey(t *testing.T) {
	st := newMemStore()
	imp := newTestImporter(st, map[string]string{"Mira": "Mira Lux"})

	seeded := st.seed(store.CatalogProduct{
		Name:          "Intecron Mira Lux",
		Brand:         "Intecron",
		Category:      "interior",
		NormalizedKey: imp.norm.ProductKey("Intecron Mira Lux", "Intecron"),
		Price:         59990,
	})

	run, err := imp.BeginRun(context.Background(), "job-1", "scrape")
	require.NoError(t, err)

	row := run.Ingest(context.Background(), record("Дверь Intecron Mira", "Intecron", "interior", 54990))

	assert.Equal(t, store.RowMatchedExisting, row.Outcome)
	assert.Equal(t, seeded.ID, row.ProductID)

	updated := st.product(seeded.ID)
	assert.Equal(t, float64(54990), updated.Price)
	assert.Equal(t, "Intecron", updated.Brand)
	assert.Equal(t, "interior", updated.Category)

	_, err = run.Complete(context.Background())
	require.NoError(t, err)
}

func TestIngestExactKeyMatchWinsOverFuzzy(t *testing.T) {
	st := newMemStore()
	imp := newTestImporter(st, nil)

	exact := st.seed(store.CatalogProduct{
		Name:          "Labirint PIANO",
		Brand:         "Labirint",
		Category:      "entry",
		NormalizedKey: imp.norm.ProductKey("Labirint PIANO", "Labirint"),
	})
	st.seed(store.CatalogProduct{
		Name:          "Labirint PIANO 2",
		Brand:         "Labirint",
		Category:      "entry",
		NormalizedKey: imp.norm.ProductKey("Labirint PIANO 2", "Labirint"),
	})

	run, err := imp.BeginRun(context.Background(), "job-1", "scrape")
	require.NoError(t, err)

	row := run.Ingest(context.Background(), record("Labirint PIANO", "Labirint", "entry", 41000))

	assert.Equal(t, store.RowMatchedExisting, row.Outcome)
	assert.Equal(t, exact.ID, row.ProductID)
}

func TestIngestCreatesThenMatchesSameKey(t *testing.T) {
	st := newMemStore()
	imp := newTestImporter(st, nil)

	run, err := imp.BeginRun(context.Background(), "job-1", "scrape")
	require.NoError(t, err)

	first := run.Ingest(context.Background(), record("Bunker HIT B-01", "Bunker", "entry", 32500))
	require.Equal(t, store.RowCreatedNew, first.Outcome)
	require.NotZero(t, first.ProductID)

	// The same logical product arriving again must not create a duplicate.
	second := run.Ingest(context.Background(), record("Бункер HIT B-01", "Bunker", "entry", 32900))
	assert.Equal(t, store.RowMatchedExisting, second.Outcome)
	assert.Equal(t, first.ProductID, second.ProductID)
	assert.Equal(t, float64(32900), st.product(first.ProductID).Price)

	log, err := run.Complete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, log.Created)
	assert.Equal(t, 1, log.Matched)
}

func TestIngestSkipsInvalidRecords(t *testing.T) {
	st := newMemStore()
	imp := newTestImporter(st, nil)

	run, err := imp.BeginRun(context.Background(), "job-1", "scrape")
	require.NoError(t, err)

	empty := run.Ingest(context.Background(), record("   ", "Labirint", "entry", 1000))
	assert.Equal(t, store.RowSkippedInvalid, empty.Outcome)
	assert.Contains(t, empty.Reason, "empty")

	noCategory := run.Ingest(context.Background(), record("Дверь Эталон", "Labirint", "", 1000))
	assert.Equal(t, store.RowSkippedInvalid, noCategory.Outcome)
	assert.Contains(t, noCategory.Reason, "category")

	log, err := run.Complete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, log.Skipped)
	assert.Zero(t, log.Created)
}

func TestIngestConflictKeepsCatalogValues(t *testing.T) {
	st := newMemStore()
	imp := newTestImporter(st, nil)

	seeded := st.seed(store.CatalogProduct{
		Name:          "Intecron Sparta",
		Brand:         "Intecron",
		Category:      "entry",
		NormalizedKey: imp.norm.ProductKey("Intecron Sparta", "Intecron"),
		Price:         48000,
	})

	run, err := imp.BeginRun(context.Background(), "job-1", "scrape")
	require.NoError(t, err)

	rec := record("Intecron Sparta", "Intecron", "interior", 47500)
	row := run.Ingest(context.Background(), rec)

	require.Equal(t, store.RowMatchedExisting, row.Outcome)
	assert.Contains(t, row.Reason, "category conflict")

	updated := st.product(seeded.ID)
	assert.Equal(t, "entry", updated.Category, "catalog category must win")
	assert.Equal(t, float64(47500), updated.Price, "price still updates on conflict")
}

func TestIngestRowFailureDoesNotStopRun(t *testing.T) {
	st := newMemStore()
	imp := newTestImporter(st, nil)

	broken := st.seed(store.CatalogProduct{
		Name:          "Labirint ROYAL",
		Brand:         "Labirint",
		Category:      "entry",
		NormalizedKey: imp.norm.ProductKey("Labirint ROYAL", "Labirint"),
	})
	st.failUpdateID = broken.ID

	run, err := imp.BeginRun(context.Background(), "job-1", "scrape")
	require.NoError(t, err)

	failed := run.Ingest(context.Background(), record("Labirint ROYAL", "Labirint", "entry", 54990))
	assert.Equal(t, store.RowFailed, failed.Outcome)
	assert.Contains(t, failed.Reason, "update failed")

	ok := run.Ingest(context.Background(), record("Labirint PIANO", "Labirint", "entry", 42990))
	assert.Equal(t, store.RowCreatedNew, ok.Outcome)

	log, err := run.Complete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, log.Failed)
	assert.Equal(t, 1, log.Created)
	assert.Equal(t, store.ImportStatusCompleted, log.Status)
}

func TestIngestConcurrentSameKeyCreatesOnce(t *testing.T) {
	st := newMemStore()
	imp := newTestImporter(st, nil)

	run, err := imp.BeginRun(context.Background(), "job-1", "scrape")
	require.NoError(t, err)

	const pairs = 20
	var wg sync.WaitGroup
	outcomes := make(chan store.RowOutcome, pairs*2)
	for i := 0; i < pairs; i++ {
		name := fmt.Sprintf("Bunker HIT B-%02d", i)
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(n string) {
				defer wg.Done()
				outcomes <- run.Ingest(context.Background(), record(n, "Bunker", "entry", 30000)).Outcome
			}(name)
		}
	}
	wg.Wait()
	close(outcomes)

	counts := map[store.RowOutcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, pairs, counts[store.RowCreatedNew], "each key must be created exactly once")
	assert.Equal(t, pairs, counts[store.RowMatchedExisting])
	assert.Zero(t, counts[store.RowFailed])
}

func TestRunRowsAreSequencedByArrival(t *testing.T) {
	st := newMemStore()
	imp := newTestImporter(st, nil)

	run, err := imp.BeginRun(context.Background(), "job-1", "scrape")
	require.NoError(t, err)

	run.Ingest(context.Background(), record("Дверь А", "Labirint", "entry", 100))
	run.Skip(context.Background(), "Дверь Б", "broken row")
	run.Ingest(context.Background(), record("Дверь В", "Labirint", "entry", 300))

	log, err := run.Complete(context.Background())
	require.NoError(t, err)

	rows := st.sortedRows(log.ID)
	require.Len(t, rows, 3)
	for i, row := range rows {
		assert.Equal(t, i+1, row.Seq)
	}
	assert.Equal(t, store.RowSkippedInvalid, rows[1].Outcome)
}
