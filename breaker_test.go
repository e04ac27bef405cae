package main

import (
	"testing"
	"time"
)

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := NewCircuitBreaker(5, 30)
	if cb.State() != CircuitBreakerClosed {
		t.Errorf("Expected initial state to be Closed, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Error("Expected Allow() to return true when closed")
	}
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
		failures  int
		wantOpen  bool
	}{
		{"threshold 1, 1 failure", 1, 1, true},
		{"threshold 3, 2 failures", 3, 2, false},
		{"threshold 3, 3 failures", 3, 3, true},
		{"threshold 10, 9 failures", 10, 9, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := NewCircuitBreaker(tt.threshold, 30)
			for i := 0; i < tt.failures; i++ {
				cb.RecordFailure()
			}
			isOpen := cb.State() == CircuitBreakerOpen
			if isOpen != tt.wantOpen {
				t.Errorf("Expected open=%v, got open=%v (state=%v)", tt.wantOpen, isOpen, cb.State())
			}
		})
	}
}

func TestCircuitBreaker_OpenBlocksUntilCooldown(t *testing.T) {
	cb := NewCircuitBreaker(1, 1)
	cb.RecordFailure()

	if cb.Allow() {
		t.Error("Expected Allow() to return false while open")
	}

	time.Sleep(1100 * time.Millisecond)

	if !cb.Allow() {
		t.Error("Expected Allow() to return true after cooldown (half-open probe)")
	}
	if cb.State() != CircuitBreakerHalfOpen {
		t.Errorf("Expected state to be HalfOpen, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenOutcomes(t *testing.T) {
	cb := NewCircuitBreaker(1, 1)
	cb.RecordFailure()
	time.Sleep(1100 * time.Millisecond)
	cb.Allow()

	cb.RecordSuccess()
	if cb.State() != CircuitBreakerClosed {
		t.Errorf("Expected Closed after half-open success, got %v", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != CircuitBreakerOpen {
		t.Errorf("Expected Open again after failure, got %v", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, 30)
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()

	if got := cb.failures.Load(); got != 0 {
		t.Errorf("Expected failures reset to 0, got %d", got)
	}

	// Two more failures must not trip a threshold of three.
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitBreakerClosed {
		t.Errorf("Expected Closed, got %v", cb.State())
	}
}

func TestCircuitBreaker_Concurrency(t *testing.T) {
	cb := NewCircuitBreaker(100, 30)
	done := make(chan bool)

	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				cb.Allow()
				cb.RecordFailure()
				cb.RecordSuccess()
			}
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}
