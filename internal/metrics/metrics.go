// Package metrics tracks attempt counts, durations, and per-queue depths in
// memory for periodic self-logging by the worker process. It has no
// persistence of its own — everything here resets when the process restarts,
// unlike the datastore-backed counts the status CLI reads directly from Redis.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

var (
	globalCollector *Collector
	once            sync.Once
)

// Collector tracks in-process attempt metrics for one Worker (or Watcher) instance.
type Collector struct {
	totalAttemptsStarted   atomic.Int64
	totalAttemptsCompleted atomic.Int64
	totalAttemptsFailed    atomic.Int64
	totalAttemptsReclaimed atomic.Int64

	mu             sync.RWMutex
	queueDepths    map[string]int64
	totalDuration  time.Duration
	operationCount int64
	startTime      time.Time
	activeFibers   int64
	totalFibers    int64
}

// Metrics is a point-in-time snapshot of a Collector.
type Metrics struct {
	TotalAttemptsStarted   int64            `json:"total_attempts_started"`
	TotalAttemptsCompleted int64            `json:"total_attempts_completed"`
	TotalAttemptsFailed    int64            `json:"total_attempts_failed"`
	TotalAttemptsReclaimed int64            `json:"total_attempts_reclaimed"`
	QueueDepths            map[string]int64 `json:"queue_depths"`
	AvgAttemptDuration     time.Duration    `json:"avg_attempt_duration"`
	FiberUtilization       float64          `json:"fiber_utilization"`
	ErrorRate              float64          `json:"error_rate"`
	Uptime                 time.Duration    `json:"uptime"`
}

// Default returns the process-wide metrics collector.
func Default() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
	})
	return globalCollector
}

// NewCollector creates a standalone collector, useful in tests that don't
// want to share state with the process-wide Default().
func NewCollector() *Collector {
	return &Collector{
		queueDepths: make(map[string]int64),
		startTime:   time.Now(),
	}
}

// RecordAttemptStarted records a fiber beginning a new attempt.
func (c *Collector) RecordAttemptStarted(queue string) {
	c.totalAttemptsStarted.Add(1)
}

// RecordAttemptCompleted records a successful attempt and its duration.
func (c *Collector) RecordAttemptCompleted(queue string, duration time.Duration) {
	c.totalAttemptsCompleted.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalDuration += duration
	c.operationCount++
}

// RecordAttemptFailed records a failed attempt (job execution error, not a
// Watcher reclaim) and its duration.
func (c *Collector) RecordAttemptFailed(queue string, duration time.Duration) {
	c.totalAttemptsFailed.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalDuration += duration
	c.operationCount++
}

// RecordAttemptReclaimed records a stale attempt the Watcher marked failed on
// a dead fiber's behalf. Tracked separately from RecordAttemptFailed since it
// reflects Worker death, not job logic.
func (c *Collector) RecordAttemptReclaimed(queue string) {
	c.totalAttemptsReclaimed.Add(1)
}

// RecordQueueDepth updates the cached ready-list depth for queue.
func (c *Collector) RecordQueueDepth(queue string, depth int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueDepths[queue] = depth
}

// RecordFiberActivity updates in-use/total fiber counts for utilization reporting.
func (c *Collector) RecordFiberActivity(active, total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeFibers = active
	c.totalFibers = total
}

// GetMetrics returns a snapshot of current metrics.
func (c *Collector) GetMetrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	queueDepths := make(map[string]int64, len(c.queueDepths))
	for k, v := range c.queueDepths {
		queueDepths[k] = v
	}

	var avgDuration time.Duration
	if c.operationCount > 0 {
		avgDuration = c.totalDuration / time.Duration(c.operationCount)
	}

	var utilization float64
	if c.totalFibers > 0 {
		utilization = float64(c.activeFibers) / float64(c.totalFibers) * 100
	}

	var errorRate float64
	if c.operationCount > 0 {
		errorRate = float64(c.totalAttemptsFailed.Load()) / float64(c.operationCount) * 100
	}

	return Metrics{
		TotalAttemptsStarted:   c.totalAttemptsStarted.Load(),
		TotalAttemptsCompleted: c.totalAttemptsCompleted.Load(),
		TotalAttemptsFailed:    c.totalAttemptsFailed.Load(),
		TotalAttemptsReclaimed: c.totalAttemptsReclaimed.Load(),
		QueueDepths:            queueDepths,
		AvgAttemptDuration:     avgDuration,
		FiberUtilization:       utilization,
		ErrorRate:              errorRate,
		Uptime:                 time.Since(c.startTime),
	}
}

// Reset clears all metrics. Useful in tests.
func (c *Collector) Reset() {
	c.totalAttemptsStarted.Store(0)
	c.totalAttemptsCompleted.Store(0)
	c.totalAttemptsFailed.Store(0)
	c.totalAttemptsReclaimed.Store(0)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueDepths = make(map[string]int64)
	c.totalDuration = 0
	c.startTime = time.Now()
	c.activeFibers = 0
	c.totalFibers = 0
	c.operationCount = 0
}

// GetMetrics returns metrics from the global collector.
func GetMetrics() Metrics {
	return Default().GetMetrics()
}

// ResetMetrics resets the global collector.
func ResetMetrics() {
	Default().Reset()
}
