package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/fetchpipe/fetchpipe/internal/control"
	"github.com/fetchpipe/fetchpipe/internal/db"
	"github.com/fetchpipe/fetchpipe/internal/fetch"
	"github.com/fetchpipe/fetchpipe/internal/mocks"
)

// stubPipeline fakes the control plane for handler tests.
type stubPipeline struct {
	outcomes  []control.SubmitOutcome
	fixed     int64
	repairErr error
	gotURLs   []string
}

func (s *stubPipeline) Submit(_ context.Context, rawURLs []string) []control.SubmitOutcome {
	s.gotURLs = rawURLs
	return s.outcomes
}

func (s *stubPipeline) RepairInconsistencies(context.Context) (int64, error) {
	return s.fixed, s.repairErr
}

func newTestHandler(repo db.Repository, pipeline Pipeline) http.Handler {
	h := NewHandler(repo, pipeline, nil)
	mux := http.NewServeMux()
	h.SetupRoutes(mux)
	return mux
}

func TestHealthCheck(t *testing.T) {
	srv := newTestHandler(new(mocks.MockRepository), &stubPipeline{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "fetchpipe", resp.Service)
}

func TestSubmitBatch(t *testing.T) {
	pipeline := &stubPipeline{
		outcomes: []control.SubmitOutcome{
			{URL: "https://a.test", Status: control.OutcomeQueued, RecordID: "65f000000000000000000001"},
			{URL: "https://b.test", Status: control.OutcomeSkipped, Reason: "Already queued (status=pending)"},
		},
	}
	srv := newTestHandler(new(mocks.MockRepository), pipeline)

	body := `{"urls": ["https://a.test", "https://b.test"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/url-content", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, pipeline.gotURLs)

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"https://a.test"}, resp.Submitted)
	assert.Equal(t, []string{"65f000000000000000000001"}, resp.Queued)
	require.Len(t, resp.Skipped, 1)
	assert.Equal(t, "https://b.test", resp.Skipped[0].URL)
	assert.Equal(t, "Already queued (status=pending)", resp.Skipped[0].Reason)
}

func TestSubmitBatchAllSkippedHasEmptyLists(t *testing.T) {
	pipeline := &stubPipeline{
		outcomes: []control.SubmitOutcome{
			{URL: "https://a.test", Status: control.OutcomeSkipped, Reason: "Invalid URL: missing scheme"},
		},
	}
	srv := newTestHandler(new(mocks.MockRepository), pipeline)

	req := httptest.NewRequest(http.MethodPost, "/api/url-content", strings.NewReader(`{"urls": ["https://a.test"]}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	// Empty lists must serialise as [] rather than null.
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.JSONEq(t, `[]`, string(raw["submitted"]))
	assert.JSONEq(t, `[]`, string(raw["queued"]))
}

func TestSubmitBatchValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty body", `{}`},
		{"empty urls", `{"urls": []}`},
		{"malformed json", `{"urls": [`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestHandler(new(mocks.MockRepository), &stubPipeline{})

			req := httptest.NewRequest(http.MethodPost, "/api/url-content", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSubmitBatchTooLarge(t *testing.T) {
	urls := make([]string, 101)
	for i := range urls {
		urls[i] = "https://example.com"
	}
	body, err := json.Marshal(SubmitRequest{URLs: urls})
	require.NoError(t, err)

	srv := newTestHandler(new(mocks.MockRepository), &stubPipeline{})

	req := httptest.NewRequest(http.MethodPost, "/api/url-content", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "maximum of 100")
}

func TestListRecords(t *testing.T) {
	repo := new(mocks.MockRepository)
	repo.On("FindAll", mock.Anything, db.RecordFilter{Status: fetch.StatusSuccess}, int64(10), int64(5)).
		Return([]fetch.Record{{URL: "https://a.test", Status: fetch.StatusSuccess}}, nil)

	srv := newTestHandler(repo, &stubPipeline{})

	req := httptest.NewRequest(http.MethodGet, "/api/url-content?status=success&limit=10&offset=5", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp []fetch.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "https://a.test", resp[0].URL)
	repo.AssertExpectations(t)
}

func TestListRecordsRejectsInvalidParams(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"non-numeric limit", "?limit=abc"},
		{"zero limit", "?limit=0"},
		{"negative limit", "?limit=-5"},
		{"non-numeric offset", "?offset=xyz"},
		{"negative offset", "?offset=-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(mocks.MockRepository)
			srv := newTestHandler(repo, &stubPipeline{})

			req := httptest.NewRequest(http.MethodGet, "/api/url-content"+tt.query, nil)
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			repo.AssertNotCalled(t, "FindAll", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestListRecordsClampsLimit(t *testing.T) {
	repo := new(mocks.MockRepository)
	repo.On("FindAll", mock.Anything, mock.Anything, int64(100), int64(0)).
		Return([]fetch.Record{}, nil)

	srv := newTestHandler(repo, &stubPipeline{})

	req := httptest.NewRequest(http.MethodGet, "/api/url-content?limit=5000", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	repo.AssertExpectations(t)
}

func TestGetHistory(t *testing.T) {
	repo := new(mocks.MockRepository)
	repo.On("GetHistory", mock.Anything, "https://example.com").
		Return([]fetch.Record{
			{URL: "https://example.com", Status: fetch.StatusSuccess},
			{URL: "https://example.com", Status: fetch.StatusFailed},
		}, nil)

	srv := newTestHandler(repo, &stubPipeline{})

	req := httptest.NewRequest(http.MethodGet, "/api/url-content/by-url?url=https%3A%2F%2Fexample.com", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.TotalScrapes)
	assert.Len(t, resp.Scrapes, 2)
}

func TestGetHistoryRequiresURL(t *testing.T) {
	srv := newTestHandler(new(mocks.MockRepository), &stubPipeline{})

	req := httptest.NewRequest(http.MethodGet, "/api/url-content/by-url", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetLatest(t *testing.T) {
	id := primitive.NewObjectID()
	repo := new(mocks.MockRepository)
	repo.On("FindLatestSuccessByURL", mock.Anything, "example.com").
		Return(&fetch.Record{ID: id, URL: "https://example.com", Status: fetch.StatusSuccess}, nil)

	srv := newTestHandler(repo, &stubPipeline{})

	req := httptest.NewRequest(http.MethodGet, "/api/url-content/latest?url=example.com", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp fetch.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "https://example.com", resp.URL)
}

func TestGetLatestNotFound(t *testing.T) {
	repo := new(mocks.MockRepository)
	repo.On("FindLatestSuccessByURL", mock.Anything, mock.Anything).Return(nil, db.ErrNotFound)

	srv := newTestHandler(repo, &stubPipeline{})

	req := httptest.NewRequest(http.MethodGet, "/api/url-content/latest?url=example.com", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRecordByID(t *testing.T) {
	id := primitive.NewObjectID()
	repo := new(mocks.MockRepository)
	repo.On("FindByID", mock.Anything, id.Hex()).
		Return(&fetch.Record{ID: id, URL: "https://example.com", Status: fetch.StatusSuccess}, nil)

	srv := newTestHandler(repo, &stubPipeline{})

	req := httptest.NewRequest(http.MethodGet, "/api/url-content/"+id.Hex(), nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetRecordInvalidID(t *testing.T) {
	repo := new(mocks.MockRepository)
	repo.On("FindByID", mock.Anything, "not-hex").Return(nil, db.ErrInvalidID)

	srv := newTestHandler(repo, &stubPipeline{})

	req := httptest.NewRequest(http.MethodGet, "/api/url-content/not-hex", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "24-character hex")
}

func TestGetRecordNotFound(t *testing.T) {
	repo := new(mocks.MockRepository)
	repo.On("FindByID", mock.Anything, mock.Anything).Return(nil, db.ErrNotFound)

	srv := newTestHandler(repo, &stubPipeline{})

	req := httptest.NewRequest(http.MethodGet, "/api/url-content/65f000000000000000000099", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFixInconsistencies(t *testing.T) {
	srv := newTestHandler(new(mocks.MockRepository), &stubPipeline{fixed: 7})

	req := httptest.NewRequest(http.MethodPost, "/api/url-content/fix-inconsistencies", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Fixed   int64  `json:"fixed"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(7), resp.Fixed)
	assert.Equal(t, "Fixed 7 inconsistent records", resp.Message)
}

func TestFixInconsistenciesError(t *testing.T) {
	srv := newTestHandler(new(mocks.MockRepository), &stubPipeline{repairErr: errors.New("timeout")})

	req := httptest.NewRequest(http.MethodPost, "/api/url-content/fix-inconsistencies", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestFixInconsistenciesRequiresPost(t *testing.T) {
	srv := newTestHandler(new(mocks.MockRepository), &stubPipeline{})

	req := httptest.NewRequest(http.MethodGet, "/api/url-content/fix-inconsistencies", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestURLContentMethodNotAllowed(t *testing.T) {
	srv := newTestHandler(new(mocks.MockRepository), &stubPipeline{})

	req := httptest.NewRequest(http.MethodDelete, "/api/url-content", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
