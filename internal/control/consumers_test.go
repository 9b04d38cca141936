package control

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fetchpipe/fetchpipe/internal/db"
	"github.com/fetchpipe/fetchpipe/internal/fetch"
	"github.com/fetchpipe/fetchpipe/internal/mocks"
)

func marshal(t *testing.T, msg any) []byte {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return body
}

func TestHandleStartedMarksProcessing(t *testing.T) {
	repo := new(mocks.MockRepository)
	plane := newTestPlane(repo, new(mocks.MockBus))

	id := oid(t, "65f000000000000000000010")
	startedAt := time.Now().UTC()

	repo.On("FindByID", mock.Anything, id.Hex()).
		Return(&fetch.Record{ID: id, URL: "https://example.com", Status: fetch.StatusPending}, nil)
	repo.On("Update", mock.Anything, id.Hex(), mock.MatchedBy(func(u db.RecordUpdate) bool {
		return u.Status != nil && *u.Status == fetch.StatusProcessing &&
			u.LastScrapedAt != nil && u.LastScrapedAt.Equal(startedAt) &&
			u.UserAgent != nil && *u.UserAgent == "UA/1.0" &&
			u.ClearErrorMessage
	})).Return(&fetch.Record{ID: id, Status: fetch.StatusProcessing}, nil)

	body := marshal(t, fetch.Started{ID: id.Hex(), URL: "https://example.com", StartedAt: startedAt, UserAgent: "UA/1.0"})
	err := plane.handleStarted(context.Background(), body, "msg-1")

	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestHandleStartedIgnoresTerminalRecord(t *testing.T) {
	repo := new(mocks.MockRepository)
	plane := newTestPlane(repo, new(mocks.MockBus))

	id := oid(t, "65f000000000000000000011")
	repo.On("FindByID", mock.Anything, id.Hex()).
		Return(&fetch.Record{ID: id, Status: fetch.StatusSuccess}, nil)

	body := marshal(t, fetch.Started{ID: id.Hex(), StartedAt: time.Now()})
	err := plane.handleStarted(context.Background(), body, "msg-2")

	require.NoError(t, err)
	repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleStartedDropsDuplicateDelivery(t *testing.T) {
	repo := new(mocks.MockRepository)
	plane := newTestPlane(repo, new(mocks.MockBus))

	id := oid(t, "65f000000000000000000012")
	repo.On("FindByID", mock.Anything, id.Hex()).
		Return(&fetch.Record{ID: id, Status: fetch.StatusPending}, nil).Once()
	repo.On("Update", mock.Anything, id.Hex(), mock.Anything).
		Return(&fetch.Record{ID: id, Status: fetch.StatusProcessing}, nil).Once()

	body := marshal(t, fetch.Started{ID: id.Hex(), StartedAt: time.Now()})
	require.NoError(t, plane.handleStarted(context.Background(), body, "dup-1"))
	require.NoError(t, plane.handleStarted(context.Background(), body, "dup-1"))

	repo.AssertNumberOfCalls(t, "Update", 1)
}

func TestHandleStartedUnknownRecordAcks(t *testing.T) {
	repo := new(mocks.MockRepository)
	plane := newTestPlane(repo, new(mocks.MockBus))

	repo.On("FindByID", mock.Anything, mock.Anything).Return(nil, db.ErrNotFound)

	body := marshal(t, fetch.Started{ID: "65f000000000000000000013", StartedAt: time.Now()})
	assert.NoError(t, plane.handleStarted(context.Background(), body, "msg-3"))
}

func TestHandleStartedMalformedBodyRejects(t *testing.T) {
	plane := newTestPlane(new(mocks.MockRepository), new(mocks.MockBus))

	assert.Error(t, plane.handleStarted(context.Background(), []byte("{"), "msg-4"))
	assert.Error(t, plane.handleStarted(context.Background(), []byte("{}"), "msg-5"))
}

func TestHandleResultMarksSuccess(t *testing.T) {
	repo := new(mocks.MockRepository)
	plane := newTestPlane(repo, new(mocks.MockBus))

	id := oid(t, "65f000000000000000000020")
	fetchedAt := time.Now().UTC()

	var applied db.RecordUpdate
	repo.On("Update", mock.Anything, id.Hex(), mock.AnythingOfType("db.RecordUpdate")).
		Run(func(args mock.Arguments) {
			applied = args.Get(2).(db.RecordUpdate)
		}).Return(&fetch.Record{ID: id, Status: fetch.StatusSuccess}, nil)

	body := marshal(t, fetch.Result{
		ID:            id.Hex(),
		URL:           "https://example.com",
		Success:       true,
		Content:       "<html></html>",
		ContentType:   "text/html",
		HTTPStatus:    200,
		FinalURL:      "https://example.com/home",
		RedirectChain: []string{"https://example.com"},
		ContentHash:   "abc123",
		ContentLength: 13,
		ResponseTime:  450,
		UserAgent:     "UA/1.0",
		FetchedAt:     fetchedAt,
	})
	require.NoError(t, plane.handleResult(context.Background(), body, "msg-10"))

	require.NotNil(t, applied.Status)
	assert.Equal(t, fetch.StatusSuccess, *applied.Status)
	assert.Equal(t, "<html></html>", *applied.Content)
	assert.Equal(t, "text/html", *applied.ContentType)
	assert.Equal(t, 200, *applied.HTTPStatus)
	assert.Equal(t, "https://example.com/home", *applied.FinalURL)
	assert.Equal(t, []string{"https://example.com"}, *applied.RedirectChain)
	assert.Equal(t, "abc123", *applied.ContentHash)
	assert.Equal(t, int64(13), *applied.ContentLength)
	assert.Equal(t, int64(450), *applied.ResponseTime)
	assert.True(t, applied.FetchedAt.Equal(fetchedAt))
	require.NotNil(t, applied.LastScrapedAt)
	assert.True(t, applied.LastScrapedAt.Equal(fetchedAt))
	assert.True(t, applied.ClearErrorMessage, "a success must not carry an error message")
}

func TestHandleResultDropsDuplicateDelivery(t *testing.T) {
	repo := new(mocks.MockRepository)
	plane := newTestPlane(repo, new(mocks.MockBus))

	id := oid(t, "65f000000000000000000021")
	repo.On("Update", mock.Anything, id.Hex(), mock.Anything).
		Return(&fetch.Record{ID: id, Status: fetch.StatusSuccess}, nil).Once()

	body := marshal(t, fetch.Result{ID: id.Hex(), Success: true, FetchedAt: time.Now()})
	require.NoError(t, plane.handleResult(context.Background(), body, "dup-2"))
	require.NoError(t, plane.handleResult(context.Background(), body, "dup-2"))

	repo.AssertNumberOfCalls(t, "Update", 1)
}

func TestHandleResultRetriesAfterStoreError(t *testing.T) {
	repo := new(mocks.MockRepository)
	plane := newTestPlane(repo, new(mocks.MockBus))

	id := oid(t, "65f000000000000000000022")
	repo.On("Update", mock.Anything, id.Hex(), mock.Anything).
		Return(nil, errors.New("connection reset")).Once()
	repo.On("Update", mock.Anything, id.Hex(), mock.Anything).
		Return(&fetch.Record{ID: id, Status: fetch.StatusSuccess}, nil).Once()

	body := marshal(t, fetch.Result{ID: id.Hex(), Success: true, FetchedAt: time.Now()})

	// A failed write must not poison the dedup cache; the redelivery
	// gets processed.
	require.Error(t, plane.handleResult(context.Background(), body, "dup-3"))
	require.NoError(t, plane.handleResult(context.Background(), body, "dup-3"))

	repo.AssertNumberOfCalls(t, "Update", 2)
}

func TestHandleFailureRequeuesRetryable(t *testing.T) {
	repo := new(mocks.MockRepository)
	bus := new(mocks.MockBus)
	plane := newTestPlane(repo, bus)

	id := oid(t, "65f000000000000000000030")

	repo.On("FindByID", mock.Anything, id.Hex()).
		Return(&fetch.Record{ID: id, URL: "https://example.com", Status: fetch.StatusProcessing, RetryCount: 1}, nil)

	var applied db.RecordUpdate
	repo.On("Update", mock.Anything, id.Hex(), mock.AnythingOfType("db.RecordUpdate")).
		Run(func(args mock.Arguments) {
			applied = args.Get(2).(db.RecordUpdate)
		}).Return(&fetch.Record{ID: id, Status: fetch.StatusPending, RetryCount: 2}, nil)

	bus.On("Publish", mock.Anything, fetch.QueueRequests, mock.MatchedBy(func(msg any) bool {
		req, ok := msg.(fetch.Request)
		return ok && req.ID == id.Hex() && req.RetryCount == 2 && req.Priority == 2
	})).Return(nil)

	body := marshal(t, fetch.Failure{
		ID:           id.Hex(),
		URL:          "https://example.com",
		ErrorMessage: "HTTP 503: Service unavailable",
		Retryable:    true,
		HTTPStatus:   503,
	})
	require.NoError(t, plane.handleFailure(context.Background(), body, "msg-20"))

	require.NotNil(t, applied.Status)
	assert.Equal(t, fetch.StatusPending, *applied.Status)
	assert.Equal(t, 2, *applied.RetryCount)
	assert.Equal(t, "Retry 2/3: HTTP 503: Service unavailable", *applied.ErrorMessage)
	assert.Equal(t, 503, *applied.HTTPStatus)

	// A non-terminal record never carries content fields.
	assert.True(t, applied.ClearContent)
	assert.True(t, applied.ClearContentType)
	assert.True(t, applied.ClearContentHash)
	assert.True(t, applied.ClearFetchedAt)

	bus.AssertExpectations(t)
}

func TestHandleFailureExhaustedRetriesMarksFailed(t *testing.T) {
	repo := new(mocks.MockRepository)
	bus := new(mocks.MockBus)
	plane := newTestPlane(repo, bus)

	id := oid(t, "65f000000000000000000031")

	repo.On("FindByID", mock.Anything, id.Hex()).
		Return(&fetch.Record{ID: id, URL: "https://example.com", Status: fetch.StatusProcessing, RetryCount: 3}, nil)

	var applied db.RecordUpdate
	repo.On("Update", mock.Anything, id.Hex(), mock.AnythingOfType("db.RecordUpdate")).
		Run(func(args mock.Arguments) {
			applied = args.Get(2).(db.RecordUpdate)
		}).Return(&fetch.Record{ID: id, Status: fetch.StatusFailed}, nil)

	body := marshal(t, fetch.Failure{
		ID:           id.Hex(),
		ErrorMessage: "HTTP 500: Internal server error",
		Retryable:    true,
		HTTPStatus:   500,
	})
	require.NoError(t, plane.handleFailure(context.Background(), body, "msg-21"))

	assert.Equal(t, fetch.StatusFailed, *applied.Status)
	assert.Equal(t, "Maximum retries (3) exceeded: HTTP 500: Internal server error", *applied.ErrorMessage)
	assert.True(t, applied.ClearContent)
	assert.True(t, applied.ClearContentType)
	assert.True(t, applied.ClearContentHash)
	assert.True(t, applied.ClearFetchedAt)

	bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleFailureNonRetryableMarksFailed(t *testing.T) {
	repo := new(mocks.MockRepository)
	bus := new(mocks.MockBus)
	plane := newTestPlane(repo, bus)

	id := oid(t, "65f000000000000000000032")

	repo.On("FindByID", mock.Anything, id.Hex()).
		Return(&fetch.Record{ID: id, URL: "https://example.com", Status: fetch.StatusProcessing}, nil)

	var applied db.RecordUpdate
	repo.On("Update", mock.Anything, id.Hex(), mock.AnythingOfType("db.RecordUpdate")).
		Run(func(args mock.Arguments) {
			applied = args.Get(2).(db.RecordUpdate)
		}).Return(&fetch.Record{ID: id, Status: fetch.StatusFailed}, nil)

	body := marshal(t, fetch.Failure{
		ID:           id.Hex(),
		ErrorMessage: "DNS resolution failed",
		Retryable:    false,
		HTTPStatus:   404,
	})
	require.NoError(t, plane.handleFailure(context.Background(), body, "msg-22"))

	assert.Equal(t, fetch.StatusFailed, *applied.Status)
	assert.Equal(t, "Error is not retryable: DNS resolution failed", *applied.ErrorMessage)
	assert.Equal(t, 404, *applied.HTTPStatus)

	bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleFailureIgnoresTerminalRecord(t *testing.T) {
	repo := new(mocks.MockRepository)
	plane := newTestPlane(repo, new(mocks.MockBus))

	id := oid(t, "65f000000000000000000033")
	repo.On("FindByID", mock.Anything, id.Hex()).
		Return(&fetch.Record{ID: id, Status: fetch.StatusSuccess}, nil)

	body := marshal(t, fetch.Failure{ID: id.Hex(), ErrorMessage: "late failure", Retryable: true})
	require.NoError(t, plane.handleFailure(context.Background(), body, "msg-23"))

	repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}
