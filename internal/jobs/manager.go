package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"dvermarket/catalogworker/config"
	"dvermarket/catalogworker/internal/importer"
	"dvermarket/catalogworker/internal/scraper"
	"dvermarket/catalogworker/internal/store"
	"dvermarket/catalogworker/logger"
	cerrors "dvermarket/catalogworker/pkg/errors"
	"dvermarket/catalogworker/services/publisher"
	"dvermarket/catalogworker/services/worker"
)

// Store is the slice of the catalog store the manager needs for job
// persistence.
type Store interface {
	SaveJob(ctx context.Context, rec store.JobRecord) error
	GetJob(ctx context.Context, id string) (*store.JobRecord, error)
}

// ErrAlreadyFinished is returned when cancelling a job that reached a
// terminal state.
var ErrAlreadyFinished = errors.New("already finished")

// Manager owns the job registry and turns enqueue calls into pool tasks.
// Every state transition is written through to the store so job history
// survives restarts.
type Manager struct {
	cfg      *config.Config
	adapters map[string]scraper.Adapter
	order    []string
	imp      *importer.Importer
	pool     *worker.Pool
	store    Store
	pub      publisher.Publisher
	mu       sync.RWMutex
	jobs     map[string]*Job
	log      *logger.Logger
}

func NewManager(cfg *config.Config, adapters []scraper.Adapter, imp *importer.Importer, pool *worker.Pool, st Store, pub publisher.Publisher) *Manager {
	byVendor := make(map[string]scraper.Adapter, len(adapters))
	order := make([]string, 0, len(adapters))
	for _, ad := range adapters {
		byVendor[ad.Vendor()] = ad
		order = append(order, ad.Vendor())
	}

	return &Manager{
		cfg:      cfg,
		adapters: byVendor,
		order:    order,
		imp:      imp,
		pool:     pool,
		store:    st,
		pub:      pub,
		jobs:     make(map[string]*Job),
		log:      logger.ForWorker(),
	}
}

// EnqueueScrapeJob queues a scrape over the given vendors; an empty list
// means every configured vendor. The job ID is returned immediately and
// progress is polled via GetJobStatus.
func (m *Manager) EnqueueScrapeJob(ctx context.Context, vendors []string) (string, error) {
	resolved, err := m.resolveVendors(vendors)
	if err != nil {
		return "", err
	}

	job := newJob(KindScrape, resolved)
	if err := m.register(ctx, job); err != nil {
		return "", err
	}

	if err := m.pool.Submit(func(poolCtx context.Context) {
		m.runScrape(poolCtx, job)
	}); err != nil {
		m.abandon(job, err)
		return "", fmt.Errorf("failed to queue scrape job: %w", err)
	}

	m.log.Info().Str("job_id", job.ID()).Strs("vendors", resolved).Msg("scrape job enqueued")
	return job.ID(), nil
}

// EnqueueCSVImport buffers the upload and queues an import job over it.
func (m *Manager) EnqueueCSVImport(ctx context.Context, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", cerrors.NewValidation(importer.CSVVendor, fmt.Sprintf("failed to read upload: %v", err))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return "", cerrors.NewValidation(importer.CSVVendor, "empty upload")
	}

	job := newJob(KindCSVImport, nil)
	if err := m.register(ctx, job); err != nil {
		return "", err
	}

	if err := m.pool.Submit(func(poolCtx context.Context) {
		m.runCSV(poolCtx, job, data)
	}); err != nil {
		m.abandon(job, err)
		return "", fmt.Errorf("failed to queue import job: %w", err)
	}

	m.log.Info().Str("job_id", job.ID()).Int("bytes", len(data)).Msg("csv import job enqueued")
	return job.ID(), nil
}

// GetJobStatus returns the live status from the registry, falling back to
// the persisted record for jobs from a previous process.
func (m *Manager) GetJobStatus(ctx context.Context, id string) (*store.JobRecord, error) {
	m.mu.RLock()
	job, ok := m.jobs[id]
	m.mu.RUnlock()
	if ok {
		rec := job.Snapshot()
		return &rec, nil
	}
	return m.store.GetJob(ctx, id)
}

// CancelJob stops a pending or running job. Work committed before the
// cancellation is observed stays.
func (m *Manager) CancelJob(id string) error {
	m.mu.RLock()
	job, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return store.ErrNotFound
	}
	if !job.requestCancel() {
		return fmt.Errorf("job %s: %w", id, ErrAlreadyFinished)
	}

	m.log.Info().Str("job_id", id).Msg("job cancellation requested")
	return nil
}

func (m *Manager) resolveVendors(vendors []string) ([]string, error) {
	if len(vendors) == 0 {
		return append([]string(nil), m.order...), nil
	}

	out := make([]string, 0, len(vendors))
	seen := make(map[string]bool, len(vendors))
	for _, v := range vendors {
		v = strings.ToLower(strings.TrimSpace(v))
		if _, ok := m.adapters[v]; !ok {
			return nil, cerrors.NewValidation(v, "unknown vendor")
		}
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *Manager) register(ctx context.Context, job *Job) error {
	if err := m.store.SaveJob(ctx, job.Snapshot()); err != nil {
		return fmt.Errorf("failed to persist job: %w", err)
	}

	m.mu.Lock()
	m.jobs[job.ID()] = job
	m.mu.Unlock()
	return nil
}

// abandon marks a job that never made it into the pool.
func (m *Manager) abandon(job *Job, cause error) {
	job.addError(cause.Error())
	job.finish(StateFailed)
	m.persist(job)
}

func (m *Manager) runScrape(poolCtx context.Context, job *Job) {
	ctx, cancel := context.WithTimeout(poolCtx, m.cfg.JobTimeout)
	defer cancel()

	if job.start(cancel) {
		// Cancelled while still queued; nothing ran.
		job.addError("job cancelled")
		job.finish(StateFailed)
		m.persist(job)
		m.publishFinished(job, "")
		return
	}
	m.persist(job)
	m.publishStarted(job)

	run, err := m.imp.BeginRun(ctx, job.ID(), "scrape")
	if err != nil {
		job.addError(err.Error())
		job.finish(StateFailed)
		m.persist(job)
		m.publishFinished(job, "")
		return
	}

	// Adapters run concurrently, capped by the pool's parallelism limit.
	sem := make(chan struct{}, m.parallel())
	var wg sync.WaitGroup
	for _, vendor := range job.Vendors() {
		ad, ok := m.adapters[vendor]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(ad scraper.Adapter) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			m.scrapeVendor(ctx, job, run, ad)
		}(ad)
	}
	wg.Wait()

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	switch {
	case timedOut:
		job.addError(cerrors.NewTimeout("", fmt.Sprintf("job exceeded %s", m.cfg.JobTimeout)).Error())
	case ctx.Err() != nil:
		job.addError("job cancelled")
	}

	state := terminalFor(job.recordCount(), job.errorCount(), timedOut)
	logID := m.finishRun(run, state)
	job.finish(state)
	m.persist(job)
	m.publishFinished(job, logID)
}

// scrapeVendor walks one adapter's pages and feeds every record into the
// import run. A failed page is recorded and the walk continues; the
// iterator itself stops the walk when the vendor session is gone.
func (m *Manager) scrapeVendor(ctx context.Context, job *Job, run *importer.Run, ad scraper.Adapter) {
	pages := ad.ListPages(ctx)
	defer pages.Close()

	for {
		page, err := pages.Next(ctx)
		if errors.Is(err, scraper.ErrNoMorePages) {
			return
		}
		if err != nil && page == nil {
			// Context cancellation; the terminal state accounts for it.
			return
		}
		if err != nil {
			job.addError(err.Error())
			continue
		}

		records, err := ad.ParsePage(page)
		if err != nil {
			job.addError(err.Error())
			continue
		}

		for _, rec := range records {
			if ctx.Err() != nil {
				return
			}
			run.Ingest(ctx, rec)
			job.addRecords(1)
		}
	}
}

func (m *Manager) runCSV(poolCtx context.Context, job *Job, data []byte) {
	ctx, cancel := context.WithTimeout(poolCtx, m.cfg.JobTimeout)
	defer cancel()

	if job.start(cancel) {
		job.addError("job cancelled")
		job.finish(StateFailed)
		m.persist(job)
		m.publishFinished(job, "")
		return
	}
	m.persist(job)
	m.publishStarted(job)

	ilog, err := m.imp.IngestCSV(ctx, job.ID(), bytes.NewReader(data))
	if err != nil {
		job.addError(err.Error())
		job.finish(StateFailed)
		m.persist(job)
		m.publishFinished(job, "")
		return
	}

	job.addRecords(ilog.Matched + ilog.Created + ilog.Skipped + ilog.Failed)
	if ilog.Failed > 0 {
		job.addError(fmt.Sprintf("%d rows failed", ilog.Failed))
	}

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	switch {
	case timedOut:
		job.addError(cerrors.NewTimeout(importer.CSVVendor, fmt.Sprintf("job exceeded %s", m.cfg.JobTimeout)).Error())
	case ctx.Err() != nil:
		job.addError("job cancelled")
	}

	state := terminalFor(ilog.Matched+ilog.Created, job.errorCount(), timedOut)
	job.finish(state)
	m.persist(job)
	m.publishFinished(job, ilog.ID)
}

func (m *Manager) parallel() int {
	if m.cfg.WorkerCount > 0 {
		return m.cfg.WorkerCount
	}
	return 1
}

// finishRun closes the import log in the state matching the job outcome.
func (m *Manager) finishRun(run *importer.Run, state string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var ilog *store.ImportLog
	var err error
	if state == StateFailed {
		ilog, err = run.Fail(ctx)
	} else {
		ilog, err = run.Complete(ctx)
	}
	if err != nil {
		m.log.Error().Err(err).Msg("failed to finish import log")
		return ""
	}
	return ilog.ID
}

// persist writes the job record through to the store. Failures are logged;
// the in-memory registry remains authoritative for this process.
func (m *Manager) persist(job *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.store.SaveJob(ctx, job.Snapshot()); err != nil {
		m.log.Error().Err(err).Str("job_id", job.ID()).Msg("failed to persist job state")
	}
}

func (m *Manager) publishStarted(job *Job) {
	rec := job.Snapshot()
	m.publishEvent(publisher.Event{
		Type:    publisher.EventJobStarted,
		JobID:   rec.ID,
		Kind:    rec.Kind,
		Vendors: rec.Vendors,
		State:   rec.State,
		At:      time.Now(),
	})
}

func (m *Manager) publishFinished(job *Job, importLogID string) {
	rec := job.Snapshot()
	m.publishEvent(publisher.Event{
		Type:             publisher.EventJobFinished,
		JobID:            rec.ID,
		Kind:             rec.Kind,
		Vendors:          rec.Vendors,
		State:            rec.State,
		RecordsProcessed: rec.RecordsProcessed,
		Errors:           rec.Errors,
		At:               time.Now(),
	})

	if importLogID != "" {
		m.publishEvent(publisher.Event{
			Type:        publisher.EventImportFinished,
			JobID:       rec.ID,
			Kind:        rec.Kind,
			State:       rec.State,
			ImportLogID: importLogID,
			At:          time.Now(),
		})
	}
}

// publishEvent is best effort; a dead event stream never affects job state.
func (m *Manager) publishEvent(ev publisher.Event) {
	if m.pub == nil {
		return
	}
	payload, err := ev.Marshal()
	if err != nil {
		m.log.Error().Err(err).Str("event", ev.Type).Msg("failed to encode event")
		return
	}
	if err := m.pub.Publish(ev.Type, payload); err != nil {
		m.log.Warn().Err(err).Str("event", ev.Type).Msg("failed to publish event")
	}
}
