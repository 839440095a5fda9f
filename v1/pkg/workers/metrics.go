package workers

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"artifact-scanner/v1/pkg/logger"
)

// Metrics tracks task counts, timings and bytes processed
type Metrics struct {
	totalTasks     atomic.Int64
	completedTasks atomic.Int64
	failedTasks    atomic.Int64
	retries        atomic.Int64
	bytes          atomic.Int64

	// nanoseconds
	totalDuration atomic.Int64
	minDuration   atomic.Int64
	maxDuration   atomic.Int64

	activeWorkers atomic.Int32
	peakWorkers   atomic.Int32
	totalWorkers  int32

	queueDepth     atomic.Int32
	peakQueueDepth atomic.Int32

	errorCounts   map[string]*atomic.Int64
	errorCountsMu sync.RWMutex

	mu        sync.Mutex
	startTime time.Time
	endTime   time.Time
	isRunning atomic.Bool

	log *logger.NamedLogger
}

// NewMetrics creates a new metrics collector
func NewMetrics(workers int) *Metrics {
	return &Metrics{
		totalWorkers: int32(workers),
		errorCounts:  make(map[string]*atomic.Int64),
		log:          logger.WithName("worker-metrics"),
	}
}

// MetricsSnapshot represents a point-in-time metrics snapshot
type MetricsSnapshot struct {
	TotalTasks     int64   `json:"total_tasks" yaml:"total_tasks"`
	CompletedTasks int64   `json:"completed_tasks" yaml:"completed_tasks"`
	FailedTasks    int64   `json:"failed_tasks" yaml:"failed_tasks"`
	Retries        int64   `json:"retries" yaml:"retries"`
	SuccessRate    float64 `json:"success_rate" yaml:"success_rate"`
	BytesProcessed int64   `json:"bytes_processed" yaml:"bytes_processed"`

	AvgDuration   time.Duration `json:"avg_duration" yaml:"avg_duration"`
	MinDuration   time.Duration `json:"min_duration" yaml:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration" yaml:"max_duration"`
	TotalDuration time.Duration `json:"total_duration" yaml:"total_duration"`

	TasksPerSecond float64 `json:"tasks_per_second" yaml:"tasks_per_second"`
	BytesPerSecond float64 `json:"bytes_per_second" yaml:"bytes_per_second"`

	ActiveWorkers  int32 `json:"active_workers" yaml:"active_workers"`
	PeakWorkers    int32 `json:"peak_workers" yaml:"peak_workers"`
	TotalWorkers   int32 `json:"total_workers" yaml:"total_workers"`
	PeakQueueDepth int32 `json:"peak_queue_depth" yaml:"peak_queue_depth"`

	TopErrors []ErrorCount `json:"top_errors,omitempty" yaml:"top_errors,omitempty"`

	Uptime    time.Duration `json:"uptime" yaml:"uptime"`
	StartTime time.Time     `json:"start_time" yaml:"start_time"`
	IsRunning bool          `json:"is_running" yaml:"is_running"`
}

// ErrorCount represents an error type and its count
type ErrorCount struct {
	ErrorType string `json:"error_type" yaml:"error_type"`
	Count     int64  `json:"count" yaml:"count"`
}

// Start marks the beginning of metrics collection
func (m *Metrics) Start() {
	m.mu.Lock()
	m.startTime = time.Now()
	m.mu.Unlock()
	m.isRunning.Store(true)
	m.log.V(3).InfoS("Metrics collection started")
}

// Stop marks the end of metrics collection
func (m *Metrics) Stop() {
	m.mu.Lock()
	m.endTime = time.Now()
	elapsed := m.endTime.Sub(m.startTime)
	m.mu.Unlock()
	m.isRunning.Store(false)
	m.log.V(3).InfoS("Metrics collection stopped", "duration", elapsed)
}

func (m *Metrics) RecordTaskStart() {
	m.totalTasks.Add(1)
}

func (m *Metrics) RecordTaskComplete(duration time.Duration) {
	m.completedTasks.Add(1)
	m.recordDuration(duration)
}

// RecordTaskFailed counts the failure and buckets err by its dynamic type
func (m *Metrics) RecordTaskFailed(duration time.Duration, err error) {
	m.failedTasks.Add(1)
	m.recordDuration(duration)
	if err != nil {
		m.recordErrorType(fmt.Sprintf("%T", err))
	}
}

func (m *Metrics) RecordRetry(attempt int, err error) {
	m.retries.Add(1)
	m.log.V(4).InfoS("Retry", "attempt", attempt, "retries", m.retries.Load(), "error", err)
}

// RecordBytes adds n to the processed byte counter
func (m *Metrics) RecordBytes(n int64) {
	m.bytes.Add(n)
}

func (m *Metrics) RecordWorkerStart() {
	active := m.activeWorkers.Add(1)
	storeMax32(&m.peakWorkers, active)
}

func (m *Metrics) RecordWorkerStop() {
	m.activeWorkers.Add(-1)
}

func (m *Metrics) RecordQueueDepth(depth int32) {
	m.queueDepth.Store(depth)
	storeMax32(&m.peakQueueDepth, depth)
}

func storeMax32(v *atomic.Int32, n int32) {
	for {
		current := v.Load()
		if n <= current || v.CompareAndSwap(current, n) {
			return
		}
	}
}

func (m *Metrics) recordDuration(duration time.Duration) {
	nanos := duration.Nanoseconds()
	m.totalDuration.Add(nanos)

	for {
		current := m.minDuration.Load()
		if current != 0 && nanos >= current {
			break
		}
		if m.minDuration.CompareAndSwap(current, nanos) {
			break
		}
	}

	for {
		current := m.maxDuration.Load()
		if nanos <= current || m.maxDuration.CompareAndSwap(current, nanos) {
			break
		}
	}
}

func (m *Metrics) recordErrorType(errorType string) {
	m.errorCountsMu.RLock()
	counter, exists := m.errorCounts[errorType]
	m.errorCountsMu.RUnlock()

	if !exists {
		m.errorCountsMu.Lock()
		if counter, exists = m.errorCounts[errorType]; !exists {
			counter = &atomic.Int64{}
			m.errorCounts[errorType] = counter
		}
		m.errorCountsMu.Unlock()
	}

	counter.Add(1)
}

// Snapshot returns a current metrics snapshot
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	start, end := m.startTime, m.endTime
	m.mu.Unlock()

	running := m.isRunning.Load()
	uptime := time.Duration(0)
	if !start.IsZero() {
		if running || end.IsZero() {
			uptime = time.Since(start)
		} else {
			uptime = end.Sub(start)
		}
	}

	total := m.totalTasks.Load()
	completed := m.completedTasks.Load()
	failed := m.failedTasks.Load()
	bytes := m.bytes.Load()

	var successRate float64
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	totalNanos := m.totalDuration.Load()
	var avg time.Duration
	if finished := completed + failed; finished > 0 {
		avg = time.Duration(totalNanos / finished)
	}

	var tasksPerSecond, bytesPerSecond float64
	if uptime > 0 {
		tasksPerSecond = float64(completed+failed) / uptime.Seconds()
		bytesPerSecond = float64(bytes) / uptime.Seconds()
	}

	var topErrors []ErrorCount
	m.errorCountsMu.RLock()
	for errorType, counter := range m.errorCounts {
		topErrors = append(topErrors, ErrorCount{ErrorType: errorType, Count: counter.Load()})
	}
	m.errorCountsMu.RUnlock()

	sort.Slice(topErrors, func(i, j int) bool {
		if topErrors[i].Count != topErrors[j].Count {
			return topErrors[i].Count > topErrors[j].Count
		}
		return topErrors[i].ErrorType < topErrors[j].ErrorType
	})
	if len(topErrors) > 10 {
		topErrors = topErrors[:10]
	}

	return MetricsSnapshot{
		TotalTasks:     total,
		CompletedTasks: completed,
		FailedTasks:    failed,
		Retries:        m.retries.Load(),
		SuccessRate:    successRate,
		BytesProcessed: bytes,
		AvgDuration:    avg,
		MinDuration:    time.Duration(m.minDuration.Load()),
		MaxDuration:    time.Duration(m.maxDuration.Load()),
		TotalDuration:  time.Duration(totalNanos),
		TasksPerSecond: tasksPerSecond,
		BytesPerSecond: bytesPerSecond,
		ActiveWorkers:  m.activeWorkers.Load(),
		PeakWorkers:    m.peakWorkers.Load(),
		TotalWorkers:   m.totalWorkers,
		PeakQueueDepth: m.peakQueueDepth.Load(),
		TopErrors:      topErrors,
		Uptime:         uptime,
		StartTime:      start,
		IsRunning:      running,
	}
}

// LogSummary logs a summary of the metrics at verbosity 1
func (m *Metrics) LogSummary() {
	snapshot := m.Snapshot()

	m.log.V(1).InfoS("Metrics summary",
		"total_tasks", snapshot.TotalTasks,
		"completed_tasks", snapshot.CompletedTasks,
		"failed_tasks", snapshot.FailedTasks,
		"retries", snapshot.Retries,
		"bytes", snapshot.BytesProcessed,
		"success_rate", fmt.Sprintf("%.2f%%", snapshot.SuccessRate),
		"avg_duration", snapshot.AvgDuration,
		"tasks_per_second", fmt.Sprintf("%.2f", snapshot.TasksPerSecond),
		"peak_workers", snapshot.PeakWorkers,
		"peak_queue_depth", snapshot.PeakQueueDepth,
		"uptime", snapshot.Uptime)

	for i, errCount := range snapshot.TopErrors {
		if i >= 5 {
			break
		}
		m.log.V(1).InfoS("Error type", "rank", i+1, "type", errCount.ErrorType, "count", errCount.Count)
	}
}
