package httpx

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/review-pulse/config"
	"github.com/target/review-pulse/internal/adapters/storage"
	"github.com/target/review-pulse/internal/domain/job"
	"github.com/target/review-pulse/internal/domain/model"
	"github.com/target/review-pulse/internal/service"
	"github.com/target/review-pulse/internal/testutil"
)

const sampleCSV = "TEXT,PLACE NAME,PLACE ADDRESS,SCORE\nThe showers were filthy,Leeds,1 High St,2\n"

type apiHarness struct {
	jobs    *testutil.MemJobStore
	broker  *testutil.MemBroker
	store   *storage.FSStore
	hub     *job.Hub
	handler http.Handler
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	store, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)

	h := &apiHarness{
		jobs:   testutil.NewMemJobStore(),
		broker: testutil.NewMemBroker(),
		store:  store,
		hub:    job.NewHub(job.HubOptions{Buffer: 8}),
	}
	t.Cleanup(h.hub.Close)

	submitter := service.MustNewSubmitterService(service.SubmitterServiceOptions{
		Jobs:   h.jobs,
		Queue:  h.broker,
		Store:  store,
		Events: h.hub,
		Logger: discardLogger(),
		Retry:  job.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 2},
	})
	jobs := service.MustNewJobService(service.JobServiceOptions{Repo: h.jobs, Store: store, Logger: discardLogger()})

	h.handler = NewRouter(RouterServices{
		Jobs:      jobs,
		Submitter: submitter,
		Hub:       h.hub,
		HTTP:      config.HTTPConfig{MaxUploadBytes: 4096, DefaultPageSize: 2, MaxPageSize: 10},
		Dashboard: fstest.MapFS{"index.html": {Data: []byte("<h1>Review Pulse</h1>")}},
		Logger:    discardLogger(),
	})
	return h
}

func (h *apiHarness) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func multipartRequest(t *testing.T, field, fileName string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		fw, err := mw.CreateFormFile(field, fileName)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	} else {
		require.NoError(t, mw.WriteField("note", "no file here"))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateJob_MultipartUpload(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, multipartRequest(t, "file", "gym reviews.csv", []byte(sampleCSV)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[createJobResponse](t, rec)
	require.NotEmpty(t, created.ID)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/"+created.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[model.Job](t, rec)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.Equal(t, "gym reviews.csv", got.SourceName)
	assert.NotNil(t, got.ExternalTaskID)
	assert.Equal(t, 1, h.broker.PendingCount())
}

func TestCreateJob_JSONSourceRef(t *testing.T) {
	h := newAPIHarness(t)
	require.NoError(t, h.store.Put(context.Background(), "uploads/batch.json", strings.NewReader(`[{"text":"ok"}]`), 15, "application/json"))

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"source_ref":"uploads/batch.json","file_name":"batch.json"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := h.do(t, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decodeBody[createJobResponse](t, rec).ID)
}

func TestCreateJob_Rejections(t *testing.T) {
	h := newAPIHarness(t)

	jsonReq := func(body string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return req
	}
	plain := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader("hello"))
	plain.Header.Set("Content-Type", "text/plain")

	tests := []struct {
		name    string
		req     *http.Request
		status  int
		errCode string
		field   string
	}{
		{name: "unsupported extension", req: jsonReq(`{"source_ref":"uploads/a.pdf"}`), status: http.StatusBadRequest, errCode: "validation", field: "file_name"},
		{name: "missing artifact", req: jsonReq(`{"source_ref":"uploads/a.csv"}`), status: http.StatusBadRequest, errCode: "validation", field: "source_ref"},
		{name: "missing source ref", req: jsonReq(`{}`), status: http.StatusBadRequest, errCode: "validation", field: "source_ref"},
		{name: "unknown field", req: jsonReq(`{"url":"x"}`), status: http.StatusBadRequest, errCode: "invalid_json"},
		{name: "multipart without file", req: multipartRequest(t, "", "", nil), status: http.StatusBadRequest, errCode: "validation", field: "file"},
		{name: "multipart bad extension", req: multipartRequest(t, "file", "notes.txt", []byte("x")), status: http.StatusBadRequest, errCode: "validation", field: "file"},
		{name: "upload too large", req: multipartRequest(t, "file", "big.csv", bytes.Repeat([]byte("a"), 5000)), status: http.StatusRequestEntityTooLarge, errCode: "upload_too_large"},
		{name: "unsupported media type", req: plain, status: http.StatusUnsupportedMediaType, errCode: "unsupported_media_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, tt.req)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			body := decodeBody[errorBody](t, rec)
			assert.Equal(t, tt.errCode, body.Error)
			assert.Equal(t, tt.field, body.Field)
		})
	}
	assert.Equal(t, 0, h.broker.PendingCount())
}

func TestCreateJob_QueueUnavailable(t *testing.T) {
	h := newAPIHarness(t)
	h.broker.EnqueueErr = func(string) error { return errors.New("redis: connection refused") }

	rec := h.do(t, multipartRequest(t, "file", "reviews.csv", []byte(sampleCSV)))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", decodeBody[errorBody](t, rec).Error)

	failed := model.JobStatusFailed
	jobs, err := h.jobs.List(context.Background(), model.JobListOptions{Status: &failed, Limit: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.ErrorCodeEnqueueFailed, jobs[0].Error.Code)
}

func TestListJobs(t *testing.T) {
	ctx := context.Background()
	h := newAPIHarness(t)
	var ids []string
	for _, name := range []string{"a.csv", "b.csv", "c.csv"} {
		j, err := h.jobs.Create(ctx, &model.CreateJobRequest{SourceRef: "uploads/" + name, SourceName: name})
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}
	_, _, err := h.jobs.ApplyStatus(ctx, ids[1], model.ProcessingUpdate())
	require.NoError(t, err)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[[]model.Job](t, rec)
	require.Len(t, page, 2, "default page size")
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs?limit=10&offset=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	page = decodeBody[[]model.Job](t, rec)
	require.Len(t, page, 1)
	assert.Equal(t, ids[0], page[0].ID)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs?status=processing", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	page = decodeBody[[]model.Job](t, rec)
	require.Len(t, page, 1)
	assert.Equal(t, model.JobStatusProcessing, page[0].Status)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs?status=Completed", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs?status=done", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "status", decodeBody[errorBody](t, rec).Field)
}

func TestGetJob_NotFound(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/does-not-exist", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody[errorBody](t, rec).Error)
}

func TestDownloadCharts(t *testing.T) {
	ctx := context.Background()
	h := newAPIHarness(t)

	j, err := h.jobs.Create(ctx, &model.CreateJobRequest{SourceRef: "uploads/a.csv", SourceName: "a.csv"})
	require.NoError(t, err)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/"+j.ID+"/charts", nil))
	require.Equal(t, http.StatusConflict, rec.Code, "charts only exist for Completed jobs")

	ref := storage.ChartsRef(j.ID)
	bundle := `{"categories":[{"key":"price","label":"Price"}]}`
	require.NoError(t, h.store.Put(ctx, ref, strings.NewReader(bundle), int64(len(bundle)), "application/json"))
	_, _, err = h.jobs.ApplyStatus(ctx, j.ID, model.CompletedUpdate(&model.JobResult{}, ref))
	require.NoError(t, err)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/"+j.ID+"/charts", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename=charts-`+j.ID+`.json`, rec.Header().Get("Content-Disposition"))
	assert.JSONEq(t, bundle, rec.Body.String())
}

func TestRouter_HealthAndDashboard(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Review Pulse")

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, httptest.NewRequest(http.MethodDelete, "/api/jobs", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRouter_GzipsJSON(t *testing.T) {
	h := newAPIHarness(t)
	_, err := h.jobs.Create(context.Background(), &model.CreateJobRequest{SourceRef: "uploads/a.csv", SourceName: "a.csv"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Accept-Encoding", "br, gzip;q=0.8")
	rec := h.do(t, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)

	var jobs []model.Job
	require.NoError(t, json.Unmarshal(raw, &jobs))
	assert.Len(t, jobs, 1)
}
