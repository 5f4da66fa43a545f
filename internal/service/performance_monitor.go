package service

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SlowRunThreshold marks an owner run as slow
const SlowRunThreshold = 30 * time.Second

// PerformanceMonitor tracks per-owner briefing run durations
type PerformanceMonitor struct {
	mu         sync.RWMutex
	runTimes   []time.Duration
	totalRuns  int64
	failedRuns int64
	slowRuns   int64
	lastRunAt  time.Time
	maxSamples int
	slowCutoff time.Duration
}

// NewPerformanceMonitor creates a new performance monitor
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{
		runTimes:   make([]time.Duration, 0, 1000),
		maxSamples: 1000, // Keep last 1000 samples
		slowCutoff: SlowRunThreshold,
	}
}

// Record records one owner run
func (pm *PerformanceMonitor) Record(duration time.Duration, failed bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.totalRuns++
	pm.lastRunAt = time.Now().UTC()
	if failed {
		pm.failedRuns++
	}
	if duration > pm.slowCutoff {
		pm.slowRuns++
	}

	pm.runTimes = append(pm.runTimes, duration)
	if len(pm.runTimes) > pm.maxSamples {
		pm.runTimes = pm.runTimes[len(pm.runTimes)-pm.maxSamples:]
	}
}

// GetStats returns current run statistics
func (pm *PerformanceMonitor) GetStats() *PerformanceStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	stats := &PerformanceStats{
		TotalRuns:  pm.totalRuns,
		FailedRuns: pm.failedRuns,
		SlowRuns:   pm.slowRuns,
		LastRunAt:  pm.lastRunAt,
	}

	if pm.totalRuns > 0 {
		stats.FailureRate = float64(pm.failedRuns) / float64(pm.totalRuns) * 100
	}

	if len(pm.runTimes) > 0 {
		sorted := make([]time.Duration, len(pm.runTimes))
		copy(sorted, pm.runTimes)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var total time.Duration
		for _, d := range sorted {
			total += d
		}
		stats.AvgRunMs = float64(total.Milliseconds()) / float64(len(sorted))

		p95Index := int(float64(len(sorted)) * 0.95)
		if p95Index >= len(sorted) {
			p95Index = len(sorted) - 1
		}
		stats.P95RunMs = float64(sorted[p95Index].Milliseconds())
	}

	return stats
}

// Reset resets all run metrics
func (pm *PerformanceMonitor) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.runTimes = make([]time.Duration, 0, 1000)
	pm.totalRuns = 0
	pm.failedRuns = 0
	pm.slowRuns = 0
	pm.lastRunAt = time.Time{}
}

// CheckPerformance flags slow runs and a high failure rate
func (pm *PerformanceMonitor) CheckPerformance() *PerformanceCheck {
	stats := pm.GetStats()

	check := &PerformanceCheck{
		Passed: true,
		Issues: make([]string, 0),
	}

	if stats.P95RunMs > float64(pm.slowCutoff.Milliseconds()) {
		check.Passed = false
		check.Issues = append(check.Issues,
			fmt.Sprintf("P95 owner run time (%.0fms) exceeds %s", stats.P95RunMs, pm.slowCutoff))
	}

	if stats.TotalRuns >= 10 && stats.FailureRate > 20 {
		check.Passed = false
		check.Issues = append(check.Issues,
			fmt.Sprintf("Owner run failure rate (%.2f%%) is above 20%%", stats.FailureRate))
	}

	return check
}

// PerformanceStats contains run statistics
type PerformanceStats struct {
	TotalRuns   int64     `json:"totalRuns"`
	FailedRuns  int64     `json:"failedRuns"`
	SlowRuns    int64     `json:"slowRuns"`
	FailureRate float64   `json:"failureRate"` // Percentage
	AvgRunMs    float64   `json:"avgRunMs"`
	P95RunMs    float64   `json:"p95RunMs"`
	LastRunAt   time.Time `json:"lastRunAt"`
}

// PerformanceCheck contains performance check results
type PerformanceCheck struct {
	Passed bool     `json:"passed"`
	Issues []string `json:"issues"`
}
