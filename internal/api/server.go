package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"dvermarket/catalogworker/internal/jobs"
	"dvermarket/catalogworker/internal/store"
	"dvermarket/catalogworker/logger"
	cerrors "dvermarket/catalogworker/pkg/errors"
)

// JobManager is the slice of the job orchestrator the API exposes.
type JobManager interface {
	EnqueueScrapeJob(ctx context.Context, vendors []string) (string, error)
	EnqueueCSVImport(ctx context.Context, r io.Reader) (string, error)
	GetJobStatus(ctx context.Context, id string) (*store.JobRecord, error)
	CancelJob(id string) error
}

// Store is the read side served directly by the API.
type Store interface {
	Ping(ctx context.Context) error
	ListJobs(ctx context.Context, limit int) ([]store.JobRecord, error)
	GetImportLog(ctx context.Context, id string) (*store.ImportLog, error)
	GetImportLogByJob(ctx context.Context, jobID string) (*store.ImportLog, error)
	ListImportLogs(ctx context.Context, from, to time.Time) ([]store.ImportLog, error)
}

// Recomputer triggers an out-of-schedule ranking pass.
type Recomputer interface {
	RunNow()
}

// Server is the admin HTTP surface over the job-control interface.
type Server struct {
	jobs JobManager
	st   Store
	rank Recomputer
	log  *logger.Logger
}

func New(jobManager JobManager, st Store, rank Recomputer) *Server {
	return &Server{
		jobs: jobManager,
		st:   st,
		rank: rank,
		log:  logger.ForAPI(),
	}
}

// Router builds the echo instance with all routes and middleware mounted.
func (s *Server) Router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:  true,
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			evt := s.log.Info()
			switch {
			case v.Status >= http.StatusInternalServerError:
				evt = s.log.Error()
			case v.Status >= http.StatusBadRequest:
				evt = s.log.Warn()
			}
			evt.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))

	e.GET("/healthz", s.health)

	v1 := e.Group("/api/v1")
	v1.POST("/scrape", s.enqueueScrape)
	v1.POST("/scrape/:vendor", s.enqueueScrape)
	v1.POST("/import/csv", s.importCSV)
	v1.GET("/jobs", s.listJobs)
	v1.GET("/jobs/:id", s.getJob)
	v1.DELETE("/jobs/:id", s.cancelJob)
	v1.GET("/import-logs", s.listImportLogs)
	v1.GET("/import-logs/:id", s.getImportLog)
	v1.POST("/ranking/recompute", s.recomputeRanking)

	return e
}

// errorHandler maps pipeline errors onto HTTP status codes. Anything not
// recognized is a 500 with the detail kept out of the response body.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	message := "internal server error"

	var he *echo.HTTPError
	var ie *cerrors.IngestError
	switch {
	case errors.As(err, &he):
		code = he.Code
		if msg, ok := he.Message.(string); ok {
			message = msg
		} else {
			message = http.StatusText(code)
		}
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
		message = "not found"
	case errors.Is(err, jobs.ErrAlreadyFinished):
		code = http.StatusConflict
		message = err.Error()
	case errors.As(err, &ie) && ie.Type == cerrors.ErrorTypeValidation:
		code = http.StatusBadRequest
		message = ie.Message
		if ie.Vendor != "" {
			message = ie.Vendor + ": " + ie.Message
		}
	}

	if code >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("uri", c.Request().RequestURI).Msg("request failed")
	}

	if err := c.JSON(code, errorResponse{Error: message}); err != nil {
		s.log.Error().Err(err).Msg("failed to write error response")
	}
}
