package concurrency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks limiter performance counters
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
	mu              sync.RWMutex
}

// Limiter provides semaphore-based concurrency control with observability.
// The engine uses one limiter for instance drivers and another for parallel
// group members.
type Limiter struct {
	sem            chan struct{}
	active         int64
	metrics        *Metrics
	circuitBreaker *CircuitBreaker
}

// NewLimiter creates a limiter with the specified maximum concurrent operations
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Limiter{
		sem:            make(chan struct{}, maxConcurrent),
		metrics:        &Metrics{},
		circuitBreaker: NewCircuitBreaker(100, 30*time.Second), // 100 failures in 30s opens circuit
	}
}

// NewLimiterWithCircuitBreaker creates a limiter with custom circuit breaker settings
func NewLimiterWithCircuitBreaker(maxConcurrent int, cb *CircuitBreaker) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Limiter{
		sem:            make(chan struct{}, maxConcurrent),
		metrics:        &Metrics{},
		circuitBreaker: cb,
	}
}

// Acquire blocks until a slot is available or the context is cancelled.
// Returns an error if the circuit breaker is open.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.circuitBreaker.IsOpen() {
		return fmt.Errorf("circuit breaker is open")
	}

	start := time.Now()

	select {
	case l.sem <- struct{}{}:
		waitTime := time.Since(start)
		atomic.AddInt64(&l.metrics.TotalWaitTimeNs, waitTime.Nanoseconds())
		atomic.AddInt64(&l.metrics.TotalAcquired, 1)

		current := atomic.AddInt64(&l.active, 1)
		l.updatePeak(current)

		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire acquires a slot without blocking. Returns false if no slot is
// available or the circuit breaker is open.
func (l *Limiter) TryAcquire() bool {
	if l.circuitBreaker.IsOpen() {
		return false
	}

	select {
	case l.sem <- struct{}{}:
		atomic.AddInt64(&l.metrics.TotalAcquired, 1)
		current := atomic.AddInt64(&l.active, 1)
		l.updatePeak(current)
		return true
	default:
		return false
	}
}

// Release releases a slot back to the limiter
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		atomic.AddInt64(&l.active, -1)
		atomic.AddInt64(&l.metrics.TotalReleased, 1)
	default:
		// Should not happen in correct usage
	}
}

// RecordSuccess reports a healthy dependency interaction to the circuit
// breaker.
func (l *Limiter) RecordSuccess() {
	l.circuitBreaker.RecordSuccess()
}

// RecordFailure reports a failed dependency interaction to the circuit
// breaker. Enough consecutive failures open the circuit and Acquire
// starts rejecting.
func (l *Limiter) RecordFailure() {
	l.circuitBreaker.RecordFailure()
}

// Do executes fn synchronously under a slot, recording the outcome on the
// circuit breaker.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()

	if err := fn(); err != nil {
		l.circuitBreaker.RecordFailure()
		return err
	}

	l.circuitBreaker.RecordSuccess()
	return nil
}

// CurrentActive returns the current number of held slots
func (l *Limiter) CurrentActive() int64 {
	return atomic.LoadInt64(&l.active)
}

// GetMetrics returns a copy of the current metrics
func (l *Limiter) GetMetrics() Metrics {
	l.metrics.mu.RLock()
	defer l.metrics.mu.RUnlock()

	return Metrics{
		TotalAcquired:   atomic.LoadInt64(&l.metrics.TotalAcquired),
		TotalReleased:   atomic.LoadInt64(&l.metrics.TotalReleased),
		PeakConcurrent:  atomic.LoadInt64(&l.metrics.PeakConcurrent),
		TotalWaitTimeNs: atomic.LoadInt64(&l.metrics.TotalWaitTimeNs),
	}
}

// GetAverageWaitTime calculates the average wait time for acquiring a slot
func (l *Limiter) GetAverageWaitTime() time.Duration {
	metrics := l.GetMetrics()
	if metrics.TotalAcquired == 0 {
		return 0
	}

	avgNs := metrics.TotalWaitTimeNs / metrics.TotalAcquired
	return time.Duration(avgNs)
}

// Reset resets the metrics
func (l *Limiter) Reset() {
	atomic.StoreInt64(&l.metrics.TotalAcquired, 0)
	atomic.StoreInt64(&l.metrics.TotalReleased, 0)
	atomic.StoreInt64(&l.metrics.PeakConcurrent, 0)
	atomic.StoreInt64(&l.metrics.TotalWaitTimeNs, 0)
}

// updatePeak updates the peak concurrent count if current is higher
func (l *Limiter) updatePeak(current int64) {
	for {
		peak := atomic.LoadInt64(&l.metrics.PeakConcurrent)
		if current <= peak {
			break
		}
		if atomic.CompareAndSwapInt64(&l.metrics.PeakConcurrent, peak, current) {
			break
		}
	}
}

// GetCircuitBreakerState returns the current state of the circuit breaker
func (l *Limiter) GetCircuitBreakerState() string {
	if l.circuitBreaker.IsOpen() {
		return "open"
	}
	return "closed"
}
