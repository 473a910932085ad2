package resilience

import (
	"sync"
	"testing"
	"time"
)

func newTestBreaker(cfg CircuitBreakerConfig, now *time.Time) *CircuitBreaker {
	cb := NewCircuitBreaker(cfg)
	cb.nowFunc = func() time.Time { return *now }
	return cb
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
	if !cb.CanAttempt() {
		t.Error("closed circuit should allow attempts")
	}
}

func TestCircuitBreaker_StaysClosedBelowThreshold(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig()
	cb := NewCircuitBreaker(cfg)

	for i := 1; i < cfg.FailureThreshold; i++ {
		cb.RecordFailure()
		if cb.State() != CircuitClosed {
			t.Fatalf("expected closed after %d failures, got %s", i, cb.State())
		}
		if !cb.CanAttempt() {
			t.Fatalf("expected attempts allowed after %d failures", i)
		}
	}
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	now := time.Now()
	cfg := CircuitBreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  1 * time.Minute,
	}
	cb := newTestBreaker(cfg, &now)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	if cb.State() != CircuitOpen {
		t.Errorf("expected open state after %d failures, got %s", cfg.FailureThreshold, cb.State())
	}
	if cb.CanAttempt() {
		t.Error("open circuit should reject attempts")
	}
}

func TestCircuitBreaker_SuccessResetsCounter(t *testing.T) {
	cfg := CircuitBreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  1 * time.Minute,
	}
	cb := NewCircuitBreaker(cfg)

	cb.RecordFailure()
	cb.RecordFailure()

	failures, _, state := cb.Counters()
	if failures != 2 {
		t.Errorf("expected 2 consecutive failures, got %d", failures)
	}
	if state != CircuitClosed {
		t.Errorf("expected closed state, got %s", state)
	}

	cb.RecordSuccess()

	failures, _, _ = cb.Counters()
	if failures != 0 {
		t.Errorf("expected 0 consecutive failures after success, got %d", failures)
	}

	// Two more failures must not trip it since the counter was reset.
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	now := time.Now()
	cfg := CircuitBreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  60 * time.Second,
	}
	cb := newTestBreaker(cfg, &now)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state, got %s", cb.State())
	}

	now = now.Add(59 * time.Second)
	if cb.CanAttempt() {
		t.Error("expected attempts rejected before recovery timeout")
	}
	if cb.State() != CircuitOpen {
		t.Errorf("expected still open, got %s", cb.State())
	}

	now = now.Add(1 * time.Second)
	if !cb.CanAttempt() {
		t.Error("expected attempt allowed once recovery timeout elapsed")
	}
	if cb.State() != CircuitHalfOpen {
		t.Errorf("expected half-open state, got %s", cb.State())
	}
}

func TestCircuitBreaker_TransitionsToHalfOpenOnce(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	var halfOpenTransitions int
	cfg := CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Second,
		OnStateChange: func(_, to CircuitState) {
			mu.Lock()
			defer mu.Unlock()
			if to == CircuitHalfOpen {
				halfOpenTransitions++
			}
		},
	}
	cb := newTestBreaker(cfg, &now)
	cb.RecordFailure()

	now = now.Add(11 * time.Second)
	for i := 0; i < 5; i++ {
		if !cb.CanAttempt() {
			t.Fatalf("expected half-open circuit to allow attempt %d", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if halfOpenTransitions != 1 {
		t.Errorf("expected exactly 1 half-open transition, got %d", halfOpenTransitions)
	}
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	now := time.Now()
	cfg := CircuitBreakerConfig{
		FailureThreshold:    2,
		RecoveryTimeout:     10 * time.Second,
		HalfOpenMaxAttempts: 3,
	}
	cb := newTestBreaker(cfg, &now)
	cb.RecordFailure()
	cb.RecordFailure()

	now = now.Add(10 * time.Second)
	cb.CanAttempt()
	cb.RecordFailure() // one failed probe, still half-open

	cb.RecordSuccess()

	failures, halfOpen, state := cb.Counters()
	if state != CircuitClosed {
		t.Errorf("expected closed state, got %s", state)
	}
	if failures != 0 || halfOpen != 0 {
		t.Errorf("expected counters reset, got failures=%d halfOpen=%d", failures, halfOpen)
	}
}

func TestCircuitBreaker_HalfOpenReopensAfterMaxAttempts(t *testing.T) {
	now := time.Now()
	cfg := CircuitBreakerConfig{
		FailureThreshold:    1,
		RecoveryTimeout:     10 * time.Second,
		HalfOpenMaxAttempts: 3,
	}
	cb := newTestBreaker(cfg, &now)
	cb.RecordFailure()

	now = now.Add(10 * time.Second)
	if !cb.CanAttempt() {
		t.Fatal("expected half-open probe to be allowed")
	}

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after 2 probe failures, got %s", cb.State())
	}

	cb.RecordFailure()
	_, halfOpen, state := cb.Counters()
	if state != CircuitOpen {
		t.Errorf("expected open after 3 probe failures, got %s", state)
	}
	if halfOpen != 0 {
		t.Errorf("expected half-open counter reset, got %d", halfOpen)
	}

	// Reopened circuit waits a full recovery timeout again.
	if cb.CanAttempt() {
		t.Error("expected reopened circuit to reject attempts")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cfg := CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  1 * time.Hour,
	}
	cb := NewCircuitBreaker(cfg)
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state, got %s", cb.State())
	}

	cb.Reset()
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after reset, got %s", cb.State())
	}
	if !cb.CanAttempt() {
		t.Error("expected attempts allowed after reset")
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cfg := CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  1 * time.Millisecond,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	}
	now := time.Now()
	cb := newTestBreaker(cfg, &now)

	cb.RecordFailure()
	now = now.Add(time.Second)
	cb.CanAttempt()
	cb.RecordSuccess()

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cfg := CircuitBreakerConfig{
		FailureThreshold: 1000,
		RecoveryTimeout:  1 * time.Minute,
	}
	cb := NewCircuitBreaker(cfg)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				cb.CanAttempt()
				cb.RecordFailure()
			}
		}()
	}
	wg.Wait()

	failures, _, state := cb.Counters()
	if failures != 500 {
		t.Errorf("expected 500 failures, got %d", failures)
	}
	if state != CircuitClosed {
		t.Errorf("expected closed state, got %s", state)
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("CircuitState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestServiceBreakers_GetReturnsSameInstance(t *testing.T) {
	sb := NewServiceBreakers(DefaultCircuitBreakerConfig())

	a := sb.Get("http://damage-1:8000")
	b := sb.Get("http://damage-1:8000")
	c := sb.Get("http://damage-2:8000")

	if a != b {
		t.Error("expected same breaker for same endpoint")
	}
	if a == c {
		t.Error("expected distinct breakers for distinct endpoints")
	}

	states := sb.States()
	if len(states) != 2 {
		t.Errorf("expected 2 states, got %d", len(states))
	}
	if states["http://damage-1:8000"] != CircuitClosed {
		t.Errorf("expected closed, got %s", states["http://damage-1:8000"])
	}
}

func TestServiceBreakers_Reset(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig()
	cfg.FailureThreshold = 1
	sb := NewServiceBreakers(cfg)

	sb.Get("http://damage-1:8000").RecordFailure()
	sb.Get("http://damage-2:8000").RecordFailure()

	if !sb.Reset("http://damage-1:8000") {
		t.Fatal("expected reset of known endpoint to succeed")
	}
	if sb.Reset("http://unknown:8000") {
		t.Error("expected reset of unknown endpoint to report false")
	}
	if _, ok := sb.States()["http://unknown:8000"]; ok {
		t.Error("reset must not create breakers")
	}

	states := sb.States()
	if states["http://damage-1:8000"] != CircuitClosed {
		t.Errorf("damage-1: expected closed, got %s", states["http://damage-1:8000"])
	}
	if states["http://damage-2:8000"] != CircuitOpen {
		t.Errorf("damage-2: expected open, got %s", states["http://damage-2:8000"])
	}
}

func TestServiceBreakers_ResetAll(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig()
	cfg.FailureThreshold = 1
	sb := NewServiceBreakers(cfg)

	sb.Get("http://b:8000").RecordFailure()
	sb.Get("http://a:8000").RecordFailure()

	got := sb.ResetAll()
	if len(got) != 2 || got[0] != "http://a:8000" || got[1] != "http://b:8000" {
		t.Errorf("ResetAll() = %v, want sorted endpoints", got)
	}
	for endpoint, state := range sb.States() {
		if state != CircuitClosed {
			t.Errorf("%s: expected closed, got %s", endpoint, state)
		}
	}
}
