package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvermarket/catalogworker/internal/jobs"
	"dvermarket/catalogworker/internal/store"
	cerrors "dvermarket/catalogworker/pkg/errors"
)

type mockJobs struct {
	enqueueScrape func(ctx context.Context, vendors []string) (string, error)
	enqueueCSV    func(ctx context.Context, r io.Reader) (string, error)
	status        func(ctx context.Context, id string) (*store.JobRecord, error)
	cancel        func(id string) error
}

func (m *mockJobs) EnqueueScrapeJob(ctx context.Context, vendors []string) (string, error) {
	return m.enqueueScrape(ctx, vendors)
}

func (m *mockJobs) EnqueueCSVImport(ctx context.Context, r io.Reader) (string, error) {
	return m.enqueueCSV(ctx, r)
}

func (m *mockJobs) GetJobStatus(ctx context.Context, id string) (*store.JobRecord, error) {
	if m.status == nil {
		return nil, store.ErrNotFound
	}
	return m.status(ctx, id)
}

func (m *mockJobs) CancelJob(id string) error {
	return m.cancel(id)
}

type mockStore struct {
	ping       func(ctx context.Context) error
	listJobs   func(ctx context.Context, limit int) ([]store.JobRecord, error)
	getLog     func(ctx context.Context, id string) (*store.ImportLog, error)
	getByJob   func(ctx context.Context, jobID string) (*store.ImportLog, error)
	listInside func(ctx context.Context, from, to time.Time) ([]store.ImportLog, error)
}

func (m *mockStore) Ping(ctx context.Context) error {
	if m.ping == nil {
		return nil
	}
	return m.ping(ctx)
}

func (m *mockStore) ListJobs(ctx context.Context, limit int) ([]store.JobRecord, error) {
	return m.listJobs(ctx, limit)
}

func (m *mockStore) GetImportLog(ctx context.Context, id string) (*store.ImportLog, error) {
	return m.getLog(ctx, id)
}

func (m *mockStore) GetImportLogByJob(ctx context.Context, jobID string) (*store.ImportLog, error) {
	return m.getByJob(ctx, jobID)
}

func (m *mockStore) ListImportLogs(ctx context.Context, from, to time.Time) ([]store.ImportLog, error) {
	return m.listInside(ctx, from, to)
}

type mockRecomputer struct {
	calls int
}

func (m *mockRecomputer) RunNow() {
	m.calls++
}

func newTestRouter(j JobManager, st Store, r Recomputer) *echo.Echo {
	if st == nil {
		st = &mockStore{}
	}
	if r == nil {
		r = &mockRecomputer{}
	}
	return New(j, st, r).Router()
}

func doJSON(e *echo.Echo, method, target string, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestEnqueueScrapeForVendor(t *testing.T) {
	var got []string
	j := &mockJobs{
		enqueueScrape: func(_ context.Context, vendors []string) (string, error) {
			got = vendors
			return "job-1", nil
		},
		status: func(_ context.Context, id string) (*store.JobRecord, error) {
			return &store.JobRecord{ID: id, Vendors: []string{"labirint"}}, nil
		},
	}
	e := newTestRouter(j, nil, nil)

	rec := doJSON(e, http.MethodPost, "/api/v1/scrape/labirint", "")

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"labirint"}, got)

	var resp enqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, []string{"labirint"}, resp.Vendors)
	assert.NotEmpty(t, resp.Message)
}

func TestEnqueueScrapeAllVendors(t *testing.T) {
	var got []string
	j := &mockJobs{
		enqueueScrape: func(_ context.Context, vendors []string) (string, error) {
			got = vendors
			return "job-2", nil
		},
		status: func(_ context.Context, id string) (*store.JobRecord, error) {
			return &store.JobRecord{ID: id, Vendors: []string{"labirint", "bunker", "intecron", "asdoors"}}, nil
		},
	}
	e := newTestRouter(j, nil, nil)

	rec := doJSON(e, http.MethodPost, "/api/v1/scrape", "")

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, got)

	var resp enqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Vendors, 4)
}

func TestEnqueueScrapeWithBody(t *testing.T) {
	var got []string
	j := &mockJobs{
		enqueueScrape: func(_ context.Context, vendors []string) (string, error) {
			got = vendors
			return "job-3", nil
		},
	}
	e := newTestRouter(j, nil, nil)

	rec := doJSON(e, http.MethodPost, "/api/v1/scrape", `{"vendors":["bunker","intecron"]}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"bunker", "intecron"}, got)
}

func TestEnqueueScrapeUnknownVendor(t *testing.T) {
	j := &mockJobs{
		enqueueScrape: func(_ context.Context, vendors []string) (string, error) {
			return "", cerrors.NewValidation("doors-r-us", "unknown vendor")
		},
	}
	e := newTestRouter(j, nil, nil)

	rec := doJSON(e, http.MethodPost, "/api/v1/scrape/doors-r-us", "")

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "unknown vendor")
	assert.Contains(t, resp.Error, "doors-r-us")
}

func TestImportCSVUpload(t *testing.T) {
	csvData := "name,price,category,brand\nДверь Интекрон Спарта,39990,entry,Intecron\n"

	var uploaded []byte
	j := &mockJobs{
		enqueueCSV: func(_ context.Context, r io.Reader) (string, error) {
			var err error
			uploaded, err = io.ReadAll(r)
			return "job-4", err
		},
	}
	e := newTestRouter(j, nil, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "catalog.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte(csvData))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/import/csv", &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, csvData, string(uploaded))

	var resp enqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-4", resp.JobID)
}

func TestImportCSVRequiresFile(t *testing.T) {
	j := &mockJobs{
		enqueueCSV: func(_ context.Context, r io.Reader) (string, error) {
			t.Fatal("enqueue must not be called without a file")
			return "", nil
		},
	}
	e := newTestRouter(j, nil, nil)

	rec := doJSON(e, http.MethodPost, "/api/v1/import/csv", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob(t *testing.T) {
	j := &mockJobs{
		status: func(_ context.Context, id string) (*store.JobRecord, error) {
			if id != "job-5" {
				return nil, store.ErrNotFound
			}
			return &store.JobRecord{
				ID:               id,
				Kind:             jobs.KindScrape,
				State:            jobs.StateCompletedWithErrors,
				RecordsProcessed: 17,
				Errors:           []string{"[transient_fetch] labirint: status code 502"},
			}, nil
		},
	}
	e := newTestRouter(j, nil, nil)

	rec := doJSON(e, http.MethodGet, "/api/v1/jobs/job-5", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp store.JobRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, jobs.StateCompletedWithErrors, resp.State)
	assert.Equal(t, 17, resp.RecordsProcessed)
	assert.Len(t, resp.Errors, 1)

	rec = doJSON(e, http.MethodGet, "/api/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs(t *testing.T) {
	var gotLimit int
	st := &mockStore{
		listJobs: func(_ context.Context, limit int) ([]store.JobRecord, error) {
			gotLimit = limit
			return []store.JobRecord{{ID: "a"}, {ID: "b"}}, nil
		},
	}
	e := newTestRouter(&mockJobs{}, st, nil)

	rec := doJSON(e, http.MethodGet, "/api/v1/jobs?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, gotLimit)

	var resp jobListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 2)

	rec = doJSON(e, http.MethodGet, "/api/v1/jobs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelJob(t *testing.T) {
	j := &mockJobs{
		cancel: func(id string) error {
			switch id {
			case "running":
				return nil
			case "done":
				return fmt.Errorf("job %s: %w", id, jobs.ErrAlreadyFinished)
			default:
				return store.ErrNotFound
			}
		},
	}
	e := newTestRouter(j, nil, nil)

	rec := doJSON(e, http.MethodDelete, "/api/v1/jobs/running", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(e, http.MethodDelete, "/api/v1/jobs/done", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(e, http.MethodDelete, "/api/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListImportLogsByJob(t *testing.T) {
	st := &mockStore{
		getByJob: func(_ context.Context, jobID string) (*store.ImportLog, error) {
			if jobID != "job-6" {
				return nil, store.ErrNotFound
			}
			return &store.ImportLog{ID: "log-1", JobID: jobID, Source: "scrape", Status: store.ImportStatusCompleted}, nil
		},
	}
	e := newTestRouter(&mockJobs{}, st, nil)

	rec := doJSON(e, http.MethodGet, "/api/v1/import-logs?job_id=job-6", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp importLogListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.ImportLogs, 1)
	assert.Equal(t, "log-1", resp.ImportLogs[0].ID)

	rec = doJSON(e, http.MethodGet, "/api/v1/import-logs?job_id=missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListImportLogsWindow(t *testing.T) {
	var gotFrom, gotTo time.Time
	st := &mockStore{
		listInside: func(_ context.Context, from, to time.Time) ([]store.ImportLog, error) {
			gotFrom, gotTo = from, to
			return nil, nil
		},
	}
	e := newTestRouter(&mockJobs{}, st, nil)

	rec := doJSON(e, http.MethodGet,
		"/api/v1/import-logs?from=2026-05-01T00:00:00Z&to=2026-05-02T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), gotFrom.UTC())
	assert.Equal(t, time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC), gotTo.UTC())

	rec = doJSON(e, http.MethodGet, "/api/v1/import-logs?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetImportLog(t *testing.T) {
	st := &mockStore{
		getLog: func(_ context.Context, id string) (*store.ImportLog, error) {
			if id != "log-2" {
				return nil, store.ErrNotFound
			}
			return &store.ImportLog{
				ID:      id,
				Source:  "csv",
				Status:  store.ImportStatusCompleted,
				Matched: 1,
				Created: 2,
				Rows: []store.ImportRow{
					{Seq: 1, Name: "Лабиринт PIANO", Outcome: store.RowMatchedExisting, ProductID: 7},
					{Seq: 2, Name: "Бункер HIT B-01", Outcome: store.RowCreatedNew, ProductID: 8},
				},
			}, nil
		},
	}
	e := newTestRouter(&mockJobs{}, st, nil)

	rec := doJSON(e, http.MethodGet, "/api/v1/import-logs/log-2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp store.ImportLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Rows, 2)
	assert.Equal(t, store.RowMatchedExisting, resp.Rows[0].Outcome)

	rec = doJSON(e, http.MethodGet, "/api/v1/import-logs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecomputeRanking(t *testing.T) {
	r := &mockRecomputer{}
	e := newTestRouter(&mockJobs{}, nil, r)

	rec := doJSON(e, http.MethodPost, "/api/v1/ranking/recompute", "")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, r.calls)
}

func TestHealthz(t *testing.T) {
	e := newTestRouter(&mockJobs{}, &mockStore{}, nil)

	rec := doJSON(e, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	down := &mockStore{ping: func(ctx context.Context) error { return errors.New("connection refused") }}
	e = newTestRouter(&mockJobs{}, down, nil)

	rec = doJSON(e, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestInternalErrorIsOpaque(t *testing.T) {
	st := &mockStore{
		listJobs: func(_ context.Context, limit int) ([]store.JobRecord, error) {
			return nil, errors.New("pq: connection reset by peer")
		},
	}
	e := newTestRouter(&mockJobs{}, st, nil)

	rec := doJSON(e, http.MethodGet, "/api/v1/jobs", "")

	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "internal server error", resp.Error)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}
