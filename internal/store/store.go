package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// CatalogProduct is a catalog entry. The import pipeline creates and updates
// products; nothing in this worker ever deletes one.
type CatalogProduct struct {
	ID            int64             `json:"id"`
	Name          string            `json:"name"`
	Brand         string            `json:"brand"`
	Category      string            `json:"category"`
	NormalizedKey string            `json:"normalized_key"`
	Price         float64           `json:"price"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	ImageURLs     []string          `json:"image_urls,omitempty"`
	RankingScore  float64           `json:"ranking_score"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ProductUpdate carries the mutable fields of a product. Nil fields are
// left unchanged. Brand and category are deliberately absent: conflicts are
// logged by the importer and the stored values win.
type ProductUpdate struct {
	Price      *float64
	Attributes map[string]string
	ImageURLs  []string
}

// RowOutcome classifies what happened to one import row
type RowOutcome string

const (
	RowMatchedExisting RowOutcome = "matched-existing"
	RowCreatedNew      RowOutcome = "created-new"
	RowSkippedInvalid  RowOutcome = "skipped-invalid"
	RowFailed          RowOutcome = "failed"
)

// Import log statuses
const (
	ImportStatusRunning   = "running"
	ImportStatusCompleted = "completed"
	ImportStatusFailed    = "failed"
)

// ImportRow is one per-row outcome within an import run
type ImportRow struct {
	Seq       int        `json:"seq"`
	Name      string     `json:"name"`
	Outcome   RowOutcome `json:"outcome"`
	Reason    string     `json:"reason,omitempty"`
	ProductID int64      `json:"product_id,omitempty"`
}

// ImportLog is the audit record of one import run. Rows are appended while
// the run is active and the log is immutable once finished.
type ImportLog struct {
	ID         string      `json:"id"`
	JobID      string      `json:"job_id"`
	Source     string      `json:"source"`
	Status     string      `json:"status"`
	Matched    int         `json:"matched"`
	Created    int         `json:"created"`
	Skipped    int         `json:"skipped"`
	Failed     int         `json:"failed"`
	Rows       []ImportRow `json:"rows,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// ImportTotals summarizes an import run's per-outcome counts
type ImportTotals struct {
	Matched int
	Created int
	Skipped int
	Failed  int
}

// SampleKind is the analytics event type
type SampleKind string

const (
	SampleView     SampleKind = "view"
	SamplePurchase SampleKind = "purchase"
	SampleReview   SampleKind = "review"
)

// AnalyticsSample is a time-stamped interaction event for a product.
// Value carries the rating for review samples and is 1 otherwise.
type AnalyticsSample struct {
	ID        int64      `json:"id"`
	ProductID int64      `json:"product_id"`
	Kind      SampleKind `json:"kind"`
	Value     float64    `json:"value"`
	CreatedAt time.Time  `json:"created_at"`
}

// JobRecord is the persisted status of one job, written through on every
// state transition so history survives restarts.
type JobRecord struct {
	ID               string     `json:"id"`
	Kind             string     `json:"kind"`
	Vendors          []string   `json:"vendors,omitempty"`
	State            string     `json:"state"`
	RecordsProcessed int        `json:"records_processed"`
	Errors           []string   `json:"errors,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}
