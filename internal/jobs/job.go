package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"dvermarket/catalogworker/internal/store"
)

// Job states. Pending and running are live; the rest are terminal.
const (
	StatePending             = "pending"
	StateRunning             = "running"
	StateCompleted           = "completed"
	StateCompletedWithErrors = "completed_with_errors"
	StateFailed              = "failed"
)

// Job kinds.
const (
	KindScrape    = "scrape"
	KindCSVImport = "csv-import"
)

// Job is one tracked unit of background work. All mutation goes through
// the methods; Snapshot returns a consistent copy for readers.
type Job struct {
	mu         sync.Mutex
	id         string
	kind       string
	vendors    []string
	state      string
	records    int
	errs       []string
	createdAt  time.Time
	startedAt  *time.Time
	finishedAt *time.Time
	cancel     context.CancelFunc
	cancelled  bool
}

func newJob(kind string, vendors []string) *Job {
	return &Job{
		id:        uuid.NewString(),
		kind:      kind,
		vendors:   vendors,
		state:     StatePending,
		createdAt: time.Now(),
	}
}

func (j *Job) ID() string {
	return j.id
}

func (j *Job) Vendors() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.vendors...)
}

// start moves the job to running and wires its cancel function. It
// reports whether the job was cancelled while still pending.
func (j *Job) start(cancel context.CancelFunc) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancel = cancel
	now := time.Now()
	j.startedAt = &now
	j.state = StateRunning
	return j.cancelled
}

// requestCancel cancels a running job, or flags a pending one so it stops
// as soon as it is picked up. It reports false when the job has already
// finished.
func (j *Job) requestCancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.state {
	case StateCompleted, StateCompletedWithErrors, StateFailed:
		return false
	}
	j.cancelled = true
	if j.cancel != nil {
		j.cancel()
	}
	return true
}

// finish moves the job to a terminal state.
func (j *Job) finish(state string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now()
	j.finishedAt = &now
	j.state = state
}

func (j *Job) addRecords(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records += n
}

func (j *Job) addError(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errs = append(j.errs, msg)
}

func (j *Job) recordCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.records
}

func (j *Job) errorCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.errs)
}

// Snapshot returns the job as a persistable status record.
func (j *Job) Snapshot() store.JobRecord {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec := store.JobRecord{
		ID:               j.id,
		Kind:             j.kind,
		Vendors:          append([]string(nil), j.vendors...),
		State:            j.state,
		RecordsProcessed: j.records,
		Errors:           append([]string(nil), j.errs...),
		CreatedAt:        j.createdAt,
	}
	if j.startedAt != nil {
		t := *j.startedAt
		rec.StartedAt = &t
	}
	if j.finishedAt != nil {
		t := *j.finishedAt
		rec.FinishedAt = &t
	}
	return rec
}

// terminalFor picks the terminal state from what the run produced. A
// timed-out job is failed regardless of progress; otherwise errors
// downgrade a completed run to completed-with-errors as long as at least
// one record made it through.
func terminalFor(records, errCount int, timedOut bool) string {
	if timedOut {
		return StateFailed
	}
	if errCount == 0 {
		return StateCompleted
	}
	if records > 0 {
		return StateCompletedWithErrors
	}
	return StateFailed
}
