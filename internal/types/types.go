// Package types provides common type definitions for the portfolio briefing system.
package types

// DateLayout is the calendar-day format used for snapshot keys (UTC)
const DateLayout = "2006-01-02"

// StoreBackend identifies the persistence engine behind the snapshot store
type StoreBackend string

const (
	// StoreBackendPostgres keeps snapshots in the portfolio_snapshots table
	StoreBackendPostgres StoreBackend = "postgres"
	// StoreBackendS3 keeps one JSON object per owner and date in a bucket
	StoreBackendS3 StoreBackend = "s3"
	// StoreBackendMemory keeps snapshots in process memory (local runs, tests)
	StoreBackendMemory StoreBackend = "memory"
)

// RunStatus represents the outcome of one owner's briefing run
type RunStatus string

const (
	// RunStatusStarted is the status of a run that has not finished yet
	RunStatusStarted RunStatus = "started"
	// RunStatusSuccess means the report was produced and delivered
	RunStatusSuccess RunStatus = "success"
	// RunStatusPartialSuccess means the report was delivered but a best-effort step failed
	RunStatusPartialSuccess RunStatus = "partial_success"
	// RunStatusError means the run was aborted for this owner
	RunStatusError RunStatus = "error"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
