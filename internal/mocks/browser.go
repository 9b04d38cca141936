package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/fetchpipe/fetchpipe/internal/scraper"
)

// MockBrowser is a testify mock of scraper.Browser.
type MockBrowser struct {
	mock.Mock
}

func (m *MockBrowser) NewPage(ctx context.Context) (scraper.Page, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(scraper.Page), args.Error(1)
}

func (m *MockBrowser) UserAgent() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockBrowser) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockPage is a testify mock of scraper.Page.
type MockPage struct {
	mock.Mock
}

func (m *MockPage) Navigate(ctx context.Context, targetURL string) (*scraper.PageResponse, error) {
	args := m.Called(ctx, targetURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*scraper.PageResponse), args.Error(1)
}

func (m *MockPage) Content(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPage) Close() error {
	args := m.Called()
	return args.Error(0)
}
