package main

import (
	"sync/atomic"
	"time"
)

// CircuitBreakerState enumerates breaker states.
type CircuitBreakerState int32

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards presence-store writes so a NATS KV outage degrades
// presence to best-effort instead of stalling connection handling. After
// `threshold` consecutive failures it opens for `cooldown`; the first call
// allowed afterwards probes in half-open state.
type CircuitBreaker struct {
	threshold int64
	cooldown  time.Duration
	failures  atomic.Int64
	state     atomic.Int32
	openedAt  atomic.Int64 // unix nanos
}

// NewCircuitBreaker creates a closed breaker. cooldownSeconds is the time the
// breaker stays open before allowing a probe.
func NewCircuitBreaker(threshold, cooldownSeconds int) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: int64(threshold),
		cooldown:  time.Duration(cooldownSeconds) * time.Second,
	}
}

// Allow reports whether an operation may proceed. In the open state it flips
// to half-open once the cooldown has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	switch CircuitBreakerState(cb.state.Load()) {
	case CircuitBreakerClosed, CircuitBreakerHalfOpen:
		return true
	case CircuitBreakerOpen:
		opened := time.Unix(0, cb.openedAt.Load())
		if time.Since(opened) >= cb.cooldown {
			cb.state.Store(int32(CircuitBreakerHalfOpen))
			return true
		}
		return false
	}
	return true
}

// RecordFailure counts a failed operation. A failure in half-open reopens
// immediately; in closed state the breaker opens at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	failures := cb.failures.Add(1)
	if CircuitBreakerState(cb.state.Load()) == CircuitBreakerHalfOpen {
		cb.open()
		return
	}
	if failures >= cb.threshold {
		cb.open()
	}
}

// RecordSuccess resets the failure count and closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(int32(CircuitBreakerClosed))
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

func (cb *CircuitBreaker) open() {
	cb.openedAt.Store(time.Now().UnixNano())
	cb.state.Store(int32(CircuitBreakerOpen))
}
