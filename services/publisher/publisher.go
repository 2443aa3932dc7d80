package publisher

import (
	"encoding/json"
	"time"
)

// Event types published on the stream.
const (
	EventJobStarted     = "job.started"
	EventJobFinished    = "job.finished"
	EventImportFinished = "import.finished"
)

// Event is one job-lifecycle notification for the external admin surface.
type Event struct {
	Type             string    `json:"type"`
	JobID            string    `json:"job_id"`
	Kind             string    `json:"kind,omitempty"`
	Vendors          []string  `json:"vendors,omitempty"`
	State            string    `json:"state,omitempty"`
	RecordsProcessed int       `json:"records_processed,omitempty"`
	Errors           []string  `json:"errors,omitempty"`
	ImportLogID      string    `json:"import_log_id,omitempty"`
	At               time.Time `json:"at"`
}

// Marshal renders the event as its wire payload.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher represents a service for publishing events
type Publisher interface {
	// Publish publishes a message under the given event key
	Publish(key string, message []byte) error

	// TrimStreams trims all streams to the configured maximum length
	TrimStreams() error

	// Close closes the publisher connection
	Close() error
}
