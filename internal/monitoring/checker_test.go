package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/detection-orchestrator/internal/config"
	"github.com/sells-group/detection-orchestrator/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	collector := NewCollector(&fakeSource{}, nil)
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, ErrorRateThreshold: 0.10}
	checker := NewChecker(collector, NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	collector := NewCollector(&fakeSource{}, nil)

	// Zero interval falls back to one minute.
	checker := NewChecker(collector, NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.NotNil(t, checker)

	// Start and immediately cancel to verify it doesn't panic.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	src := &fakeSource{
		health: model.HealthStatus{Status: model.HealthStatusDegraded, TotalEndpoints: 2},
	}
	cfg := config.MonitoringConfig{WebhookURL: ts.URL, DLQDepthThreshold: 5}
	checker := NewChecker(NewCollector(src, fakeDLQ{count: 9}), NewAlerter(cfg), cfg)

	alerts := checker.Check(context.Background())
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertDegradedEndpoints, alerts[0].Type)
	assert.Equal(t, AlertDLQDepth, alerts[1].Type)
	assert.Equal(t, int32(2), received.Load())
}

func TestChecker_CheckCollectError(t *testing.T) {
	cfg := config.MonitoringConfig{}
	checker := NewChecker(NewCollector(&fakeSource{}, fakeDLQ{err: errors.New("boom")}), NewAlerter(cfg), cfg)

	assert.Nil(t, checker.Check(context.Background()))
}
