package logging

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/portfolio-briefing/internal/types"
)

// Event tags emitted by RunLogger. Log queries filter on these.
const (
	EventBriefingStart   = "BRIEFING_START"
	EventPortfolioFetch  = "PORTFOLIO_FETCH"
	EventPortfolioChange = "PORTFOLIO_CHANGES"
	EventSnapshotStore   = "SNAPSHOT_STORE"
	EventError           = "ERROR"
	EventBriefingSuccess = "BRIEFING_SUCCESS"
	EventBriefingSummary = "BRIEFING_SUMMARY"
	EventRunStart        = "RUN_START"
	EventRunComplete     = "RUN_COMPLETE"
)

// RunError is one failure recorded during an owner's run
type RunError struct {
	ErrorType string    `json:"errorType"`
	Message   string    `json:"message"`
	Component string    `json:"component"`
	Timestamp time.Time `json:"timestamp"`
}

// RunMetrics accumulates what happened during one owner's briefing run
type RunMetrics struct {
	RunID          string          `json:"runId"`
	OwnerID        string          `json:"ownerId"`
	StartTime      time.Time       `json:"startTime"`
	EndTime        time.Time       `json:"endTime,omitempty"`
	Duration       time.Duration   `json:"duration,omitempty"`
	HoldingsCount  int             `json:"holdingsCount"`
	TotalValue     float64         `json:"totalValue"`
	IsFirstRun     bool            `json:"isFirstRun"`
	HasChanges     bool            `json:"hasChanges"`
	AddedCount     int             `json:"addedCount"`
	RemovedCount   int             `json:"removedCount"`
	ChangedCount   int             `json:"changedCount"`
	SnapshotStored bool            `json:"snapshotStored"`
	Delivered      bool            `json:"delivered"`
	Errors         []RunError      `json:"errors"`
	Status         types.RunStatus `json:"status"`
}

// RunLogger emits tagged events for one owner's run and keeps its metrics
type RunLogger struct {
	logger  *Logger
	mu      sync.Mutex
	metrics RunMetrics
}

// NewRunLogger starts a run for ownerID and logs BRIEFING_START
func NewRunLogger(base *Logger, ownerID string) *RunLogger {
	runID := uuid.NewString()
	rl := &RunLogger{
		logger: base.WithFields(map[string]interface{}{
			"run_id":   runID,
			"owner_id": ownerID,
		}),
		metrics: RunMetrics{
			RunID:     runID,
			OwnerID:   ownerID,
			StartTime: time.Now().UTC(),
			Errors:    []RunError{},
			Status:    types.RunStatusStarted,
		},
	}
	rl.logger.WithField("event", EventBriefingStart).Info("Briefing started")
	return rl
}

// Logger returns the run-scoped logger
func (rl *RunLogger) Logger() *Logger {
	return rl.logger
}

// RunID returns the run identifier
func (rl *RunLogger) RunID() string {
	return rl.metrics.RunID
}

// LogPortfolioFetch records the fetched snapshot size
func (rl *RunLogger) LogPortfolioFetch(holdingsCount int, totalValue float64) {
	rl.mu.Lock()
	rl.metrics.HoldingsCount = holdingsCount
	rl.metrics.TotalValue = totalValue
	rl.mu.Unlock()

	rl.logger.WithFields(map[string]interface{}{
		"event":          EventPortfolioFetch,
		"holdings_count": holdingsCount,
		"total_value":    totalValue,
	}).Info("Portfolio fetched")
}

// LogPortfolioChanges records the outcome of the snapshot comparison
func (rl *RunLogger) LogPortfolioChanges(isFirstRun, hasChanges bool, added, removed, changed int) {
	rl.mu.Lock()
	rl.metrics.IsFirstRun = isFirstRun
	rl.metrics.HasChanges = hasChanges
	rl.metrics.AddedCount = added
	rl.metrics.RemovedCount = removed
	rl.metrics.ChangedCount = changed
	rl.mu.Unlock()

	rl.logger.WithFields(map[string]interface{}{
		"event":        EventPortfolioChange,
		"is_first_run": isFirstRun,
		"has_changes":  hasChanges,
		"added":        added,
		"removed":      removed,
		"changed":      changed,
	}).Info("Portfolio changes detected")
}

// LogSnapshotStored records whether today's snapshot was persisted
func (rl *RunLogger) LogSnapshotStored(stored bool) {
	rl.mu.Lock()
	rl.metrics.SnapshotStored = stored
	rl.mu.Unlock()

	entry := rl.logger.WithFields(map[string]interface{}{
		"event":  EventSnapshotStore,
		"stored": stored,
	})
	if stored {
		entry.Info("Snapshot stored")
		return
	}
	entry.Warn("Snapshot not stored, tomorrow's run will have no baseline")
}

// LogError records a failure in component and marks the run as errored
func (rl *RunLogger) LogError(errorType string, err error, component string) {
	runErr := RunError{
		ErrorType: errorType,
		Message:   err.Error(),
		Component: component,
		Timestamp: time.Now().UTC(),
	}

	rl.mu.Lock()
	rl.metrics.Errors = append(rl.metrics.Errors, runErr)
	rl.metrics.Status = types.RunStatusError
	rl.mu.Unlock()

	rl.logger.WithError(err).WithFields(map[string]interface{}{
		"event":      EventError,
		"error_type": errorType,
		"component":  component,
	}).Error("Briefing step failed")
}

// LogSuccess closes the run. A delivered report with a failed best-effort
// step is a partial success.
func (rl *RunLogger) LogSuccess(delivered bool) {
	rl.mu.Lock()
	rl.metrics.Delivered = delivered
	rl.metrics.EndTime = time.Now().UTC()
	rl.metrics.Duration = rl.metrics.EndTime.Sub(rl.metrics.StartTime)
	switch {
	case delivered && rl.metrics.SnapshotStored && len(rl.metrics.Errors) == 0:
		rl.metrics.Status = types.RunStatusSuccess
	case delivered:
		rl.metrics.Status = types.RunStatusPartialSuccess
	default:
		rl.metrics.Status = types.RunStatusError
	}
	metrics := rl.metrics
	rl.mu.Unlock()

	rl.logger.WithFields(map[string]interface{}{
		"event":            EventBriefingSuccess,
		"status":           metrics.Status,
		"duration_seconds": metrics.Duration.Seconds(),
		"delivered":        delivered,
	}).Info("Briefing finished")
}

// LogSummary logs every collected metric in one entry
func (rl *RunLogger) LogSummary() {
	metrics := rl.Metrics()
	rl.logger.WithFields(map[string]interface{}{
		"event":   EventBriefingSummary,
		"metrics": metrics,
	}).Info("Briefing summary")
}

// Metrics returns a copy of the collected metrics
func (rl *RunLogger) Metrics() RunMetrics {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	metrics := rl.metrics
	metrics.Errors = append([]RunError(nil), rl.metrics.Errors...)
	return metrics
}

// LogRunStart logs the start of a batch over all owners
func LogRunStart(logger *Logger, trigger string, date time.Time) {
	logger.WithFields(map[string]interface{}{
		"event":   EventRunStart,
		"trigger": trigger,
		"date":    date.Format(types.DateLayout),
	}).Info("Daily briefing run started")
}

// LogRunComplete logs the outcome of a batch over all owners
func LogRunComplete(logger *Logger, ownerCount, successful, failed int, duration time.Duration) {
	var successRate float64
	if ownerCount > 0 {
		successRate = float64(successful) / float64(ownerCount) * 100
	}

	logger.WithFields(map[string]interface{}{
		"event":            EventRunComplete,
		"owner_count":      ownerCount,
		"successful":       successful,
		"failed":           failed,
		"duration_seconds": duration.Seconds(),
		"success_rate":     successRate,
	}).Info("Daily briefing run complete")
}
