package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/fetchpipe/fetchpipe/internal/queue"
)

// MockBus is a testify mock of queue.Bus.
type MockBus struct {
	mock.Mock
}

func (m *MockBus) Publish(ctx context.Context, queueName string, msg any) error {
	args := m.Called(ctx, queueName, msg)
	return args.Error(0)
}

func (m *MockBus) Consume(ctx context.Context, queueName, tag string, handler queue.Handler) error {
	args := m.Called(ctx, queueName, tag, handler)
	return args.Error(0)
}
