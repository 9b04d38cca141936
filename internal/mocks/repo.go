// Package mocks provides testify mocks for the pipeline's seams: the
// record repository, the message bus, and the browser.
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/fetchpipe/fetchpipe/internal/db"
	"github.com/fetchpipe/fetchpipe/internal/fetch"
)

// MockRepository is a testify mock of db.Repository.
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, rec *fetch.Record) (*fetch.Record, error) {
	args := m.Called(ctx, rec)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fetch.Record), args.Error(1)
}

func (m *MockRepository) FindByID(ctx context.Context, id string) (*fetch.Record, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fetch.Record), args.Error(1)
}

func (m *MockRepository) FindByURL(ctx context.Context, rawURL string) (*fetch.Record, error) {
	args := m.Called(ctx, rawURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fetch.Record), args.Error(1)
}

func (m *MockRepository) FindLatestSuccessByURL(ctx context.Context, rawURL string) (*fetch.Record, error) {
	args := m.Called(ctx, rawURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fetch.Record), args.Error(1)
}

func (m *MockRepository) FindAll(ctx context.Context, filter db.RecordFilter, limit, offset int64) ([]fetch.Record, error) {
	args := m.Called(ctx, filter, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]fetch.Record), args.Error(1)
}

func (m *MockRepository) Update(ctx context.Context, id string, update db.RecordUpdate) (*fetch.Record, error) {
	args := m.Called(ctx, id, update)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fetch.Record), args.Error(1)
}

func (m *MockRepository) GetRecentByURL(ctx context.Context, rawURL string, window time.Duration) (*fetch.Record, error) {
	args := m.Called(ctx, rawURL, window)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fetch.Record), args.Error(1)
}

func (m *MockRepository) FindStalePending(ctx context.Context, timeout time.Duration) ([]fetch.Record, error) {
	args := m.Called(ctx, timeout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]fetch.Record), args.Error(1)
}

func (m *MockRepository) GetHistory(ctx context.Context, rawURL string) ([]fetch.Record, error) {
	args := m.Called(ctx, rawURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]fetch.Record), args.Error(1)
}

func (m *MockRepository) FixInconsistencies(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}
