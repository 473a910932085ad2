// Package mocks provides test doubles for the store.
package mocks

import (
	"context"
	"time"

	mock "github.com/stretchr/testify/mock"

	model "github.com/sells-group/detection-orchestrator/internal/model"
	resilience "github.com/sells-group/detection-orchestrator/internal/resilience"
	store "github.com/sells-group/detection-orchestrator/internal/store"
)

// MockStore is a mock type for the Store interface.
type MockStore struct {
	mock.Mock
}

var _ store.Store = (*MockStore)(nil)

// SaveDetection provides a mock function with given fields: ctx, rec
func (_m *MockStore) SaveDetection(ctx context.Context, rec *model.DetectionRecord) error {
	ret := _m.Called(ctx, rec)

	if len(ret) == 0 {
		panic("no return value specified for SaveDetection")
	}

	if rf, ok := ret.Get(0).(func(context.Context, *model.DetectionRecord) error); ok {
		return rf(ctx, rec)
	}
	return ret.Error(0)
}

// GetDetection provides a mock function with given fields: ctx, id
func (_m *MockStore) GetDetection(ctx context.Context, id string) (*model.DetectionRecord, error) {
	ret := _m.Called(ctx, id)

	if len(ret) == 0 {
		panic("no return value specified for GetDetection")
	}

	var r0 *model.DetectionRecord
	if rf, ok := ret.Get(0).(func(context.Context, string) (*model.DetectionRecord, error)); ok {
		return rf(ctx, id)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*model.DetectionRecord)
	}
	return r0, ret.Error(1)
}

// ListDetections provides a mock function with given fields: ctx, filter
func (_m *MockStore) ListDetections(ctx context.Context, filter store.DetectionFilter) ([]model.DetectionRecord, error) {
	ret := _m.Called(ctx, filter)

	if len(ret) == 0 {
		panic("no return value specified for ListDetections")
	}

	var r0 []model.DetectionRecord
	if rf, ok := ret.Get(0).(func(context.Context, store.DetectionFilter) ([]model.DetectionRecord, error)); ok {
		return rf(ctx, filter)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]model.DetectionRecord)
	}
	return r0, ret.Error(1)
}

// EnqueueDLQ provides a mock function with given fields: ctx, entry
func (_m *MockStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	ret := _m.Called(ctx, entry)

	if len(ret) == 0 {
		panic("no return value specified for EnqueueDLQ")
	}

	if rf, ok := ret.Get(0).(func(context.Context, resilience.DLQEntry) error); ok {
		return rf(ctx, entry)
	}
	return ret.Error(0)
}

// ListDLQ provides a mock function with given fields: ctx, filter
func (_m *MockStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	ret := _m.Called(ctx, filter)

	if len(ret) == 0 {
		panic("no return value specified for ListDLQ")
	}

	var r0 []resilience.DLQEntry
	if rf, ok := ret.Get(0).(func(context.Context, resilience.DLQFilter) ([]resilience.DLQEntry, error)); ok {
		return rf(ctx, filter)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]resilience.DLQEntry)
	}
	return r0, ret.Error(1)
}

// DequeueDLQ provides a mock function with given fields: ctx, filter
func (_m *MockStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	ret := _m.Called(ctx, filter)

	if len(ret) == 0 {
		panic("no return value specified for DequeueDLQ")
	}

	var r0 []resilience.DLQEntry
	if rf, ok := ret.Get(0).(func(context.Context, resilience.DLQFilter) ([]resilience.DLQEntry, error)); ok {
		return rf(ctx, filter)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]resilience.DLQEntry)
	}
	return r0, ret.Error(1)
}

// IncrementDLQRetry provides a mock function with given fields: ctx, id, nextRetryAt, lastErr
func (_m *MockStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	ret := _m.Called(ctx, id, nextRetryAt, lastErr)

	if len(ret) == 0 {
		panic("no return value specified for IncrementDLQRetry")
	}

	if rf, ok := ret.Get(0).(func(context.Context, string, time.Time, string) error); ok {
		return rf(ctx, id, nextRetryAt, lastErr)
	}
	return ret.Error(0)
}

// RemoveDLQ provides a mock function with given fields: ctx, id
func (_m *MockStore) RemoveDLQ(ctx context.Context, id string) error {
	ret := _m.Called(ctx, id)

	if len(ret) == 0 {
		panic("no return value specified for RemoveDLQ")
	}

	if rf, ok := ret.Get(0).(func(context.Context, string) error); ok {
		return rf(ctx, id)
	}
	return ret.Error(0)
}

// CountDLQ provides a mock function with given fields: ctx
func (_m *MockStore) CountDLQ(ctx context.Context) (int, error) {
	ret := _m.Called(ctx)

	if len(ret) == 0 {
		panic("no return value specified for CountDLQ")
	}

	if rf, ok := ret.Get(0).(func(context.Context) (int, error)); ok {
		return rf(ctx)
	}
	return ret.Int(0), ret.Error(1)
}

// Ping provides a mock function with given fields: ctx
func (_m *MockStore) Ping(ctx context.Context) error {
	ret := _m.Called(ctx)

	if len(ret) == 0 {
		panic("no return value specified for Ping")
	}
	return ret.Error(0)
}

// Migrate provides a mock function with given fields: ctx
func (_m *MockStore) Migrate(ctx context.Context) error {
	ret := _m.Called(ctx)

	if len(ret) == 0 {
		panic("no return value specified for Migrate")
	}
	return ret.Error(0)
}

// Close provides a mock function with no fields
func (_m *MockStore) Close() error {
	ret := _m.Called()

	if len(ret) == 0 {
		panic("no return value specified for Close")
	}
	return ret.Error(0)
}

// NewMockStore creates a new instance of MockStore. It also registers a
// testing interface on the mock and a cleanup function to assert the mocks
// expectations.
func NewMockStore(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockStore {
	m := &MockStore{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
