package migration

import (
	"sync"
	"time"
)

// Estimator predicts phase completion from bytes processed against elapsed
// time. Its contract: reported percentages are monotonic, clamped below 100
// until Complete is called, then snapped to exactly 100. Predictions are
// inherently approximate; treat them as display hints only.
type Estimator struct {
	mu        sync.Mutex
	total     int64
	start     time.Time
	last      float64
	processed int64
	done      bool

	now func() time.Time
}

// NewEstimator starts an estimator over the given total byte count. A zero
// or unknown total keeps the estimate at zero until completion.
func NewEstimator(totalBytes int64) *Estimator {
	e := &Estimator{total: totalBytes, now: time.Now}
	e.start = e.now()
	return e
}

// Update records the bytes processed so far and returns the current
// percentage estimate.
func (e *Estimator) Update(processedBytes int64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return 100
	}
	if processedBytes > e.processed {
		e.processed = processedBytes
	}
	if e.total <= 0 {
		return e.last
	}
	pct := float64(e.processed) / float64(e.total) * 100
	if pct > 99 {
		pct = 99
	}
	if pct > e.last {
		e.last = pct
	}
	return e.last
}

// Percent returns the last estimate without updating it.
func (e *Estimator) Percent() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return 100
	}
	return e.last
}

// EstimatedRemaining extrapolates the remaining duration from observed
// throughput. Returns zero until any bytes have been processed.
func (e *Estimator) EstimatedRemaining() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done || e.processed <= 0 || e.total <= e.processed {
		return 0
	}
	elapsed := e.now().Sub(e.start)
	if elapsed <= 0 {
		return 0
	}
	rate := float64(e.processed) / elapsed.Seconds()
	if rate <= 0 {
		return 0
	}
	remaining := float64(e.total-e.processed) / rate
	return time.Duration(remaining * float64(time.Second))
}

// Complete snaps the estimate to 100.
func (e *Estimator) Complete() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.done = true
	e.last = 100
	return 100
}
