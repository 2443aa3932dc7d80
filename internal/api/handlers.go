package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"dvermarket/catalogworker/internal/store"
)

// enqueueScrape handles POST /api/v1/scrape and POST /api/v1/scrape/:vendor.
// Without a vendor parameter the optional JSON body selects vendors; an
// empty selection scrapes every configured vendor.
func (s *Server) enqueueScrape(c echo.Context) error {
	var vendors []string
	if v := c.Param("vendor"); v != "" {
		vendors = []string{v}
	} else if c.Request().ContentLength != 0 {
		var req scrapeRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		vendors = req.Vendors
	}

	jobID, err := s.jobs.EnqueueScrapeJob(c.Request().Context(), vendors)
	if err != nil {
		return err
	}

	resolved := vendors
	if rec, err := s.jobs.GetJobStatus(c.Request().Context(), jobID); err == nil {
		resolved = rec.Vendors
	}

	return c.JSON(http.StatusAccepted, enqueueResponse{
		JobID:   jobID,
		Vendors: resolved,
		Message: "scrape job enqueued",
	})
}

// importCSV handles POST /api/v1/import/csv. The catalog file is uploaded
// as the multipart field "file".
func (s *Server) importCSV(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "no file uploaded")
	}

	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload %s: %w", file.Filename, err)
	}
	defer src.Close()

	jobID, err := s.jobs.EnqueueCSVImport(c.Request().Context(), src)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusAccepted, enqueueResponse{
		JobID:   jobID,
		Message: "csv import job enqueued",
	})
}

// getJob handles GET /api/v1/jobs/:id.
func (s *Server) getJob(c echo.Context) error {
	rec, err := s.jobs.GetJobStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// listJobs handles GET /api/v1/jobs. The limit query parameter caps the
// result; the store default applies when it is absent.
func (s *Server) listJobs(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	recs, err := s.st.ListJobs(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, jobListResponse{Jobs: recs})
}

// cancelJob handles DELETE /api/v1/jobs/:id.
func (s *Server) cancelJob(c echo.Context) error {
	if err := s.jobs.CancelJob(c.Param("id")); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, messageResponse{Message: "cancellation requested"})
}

// listImportLogs handles GET /api/v1/import-logs. A job_id filter returns
// that job's run; otherwise from/to (RFC3339) bound the window, defaulting
// to the last 24 hours.
func (s *Server) listImportLogs(c echo.Context) error {
	ctx := c.Request().Context()

	if jobID := c.QueryParam("job_id"); jobID != "" {
		ilog, err := s.st.GetImportLogByJob(ctx, jobID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, importLogListResponse{ImportLogs: []store.ImportLog{*ilog}})
	}

	to := time.Now()
	from := to.Add(-24 * time.Hour)
	if raw := c.QueryParam("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "from must be an RFC3339 timestamp")
		}
		from = t
	}
	if raw := c.QueryParam("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "to must be an RFC3339 timestamp")
		}
		to = t
	}

	logs, err := s.st.ListImportLogs(ctx, from, to)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, importLogListResponse{ImportLogs: logs})
}

// getImportLog handles GET /api/v1/import-logs/:id, returning the run with
// its per-row outcomes.
func (s *Server) getImportLog(c echo.Context) error {
	ilog, err := s.st.GetImportLog(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ilog)
}

// recomputeRanking handles POST /api/v1/ranking/recompute.
func (s *Server) recomputeRanking(c echo.Context) error {
	s.rank.RunNow()
	return c.JSON(http.StatusAccepted, messageResponse{Message: "ranking recompute started"})
}

// health handles GET /healthz with a store round trip.
func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	if err := s.st.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}
