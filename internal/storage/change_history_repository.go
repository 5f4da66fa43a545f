package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/portfolio-briefing/internal/models"
)

// ChangeHistoryRepository appends processed change reports to ClickHouse
type ChangeHistoryRepository struct {
	db *ClickHouseDB
}

// NewChangeHistoryRepository creates a new change history repository
func NewChangeHistoryRepository(db *ClickHouseDB) *ChangeHistoryRepository {
	return &ChangeHistoryRepository{db: db}
}

// Insert records one owner/day. The table is a ReplacingMergeTree keyed by
// (owner_id, report_date), so reruns of a day collapse to the newest row.
func (r *ChangeHistoryRepository) Insert(ctx context.Context, entry *models.ChangeHistoryEntry) error {
	reportJSON, err := json.Marshal(entry.Report)
	if err != nil {
		return fmt.Errorf("failed to marshal change report: %w", err)
	}

	rep := entry.Report
	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO change_history (
			owner_id, report_date, run_id, is_first_run, has_changes,
			total_value, total_value_change, total_value_change_pct,
			user_action_value, market_movement_value,
			added_count, removed_count, changed_count,
			report, created_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	if err := batch.Append(
		entry.OwnerID,
		models.TruncateDay(entry.Date),
		entry.RunID,
		boolToUInt8(rep.IsFirstRun),
		boolToUInt8(rep.HasChanges),
		entry.TotalValue,
		rep.TotalValueChange,
		rep.TotalValueChangePct,
		rep.Attribution.UserActionValue,
		rep.Attribution.MarketMovementValue,
		uint32(rep.Summary.AddedCount),   // #nosec G115 - list lengths
		uint32(rep.Summary.RemovedCount), // #nosec G115
		uint32(rep.Summary.ChangedCount), // #nosec G115
		string(reportJSON),
		entry.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to append to batch: %w", err)
	}

	return batch.Send()
}

// ListByOwner returns an owner's history between from and to inclusive, oldest first
func (r *ChangeHistoryRepository) ListByOwner(ctx context.Context, ownerID string, from, to time.Time) ([]*models.ChangeHistoryEntry, error) {
	query := `
		SELECT owner_id, report_date, run_id, total_value, report, created_at
		FROM change_history FINAL
		WHERE owner_id = ? AND report_date >= ? AND report_date <= ?
		ORDER BY report_date ASC
	`

	rows, err := r.db.Conn().Query(ctx, query, ownerID, models.TruncateDay(from), models.TruncateDay(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query change history: %w", err)
	}
	defer rows.Close()

	entries := []*models.ChangeHistoryEntry{}
	for rows.Next() {
		var (
			entry      models.ChangeHistoryEntry
			reportJSON string
		)
		if err := rows.Scan(&entry.OwnerID, &entry.Date, &entry.RunID, &entry.TotalValue, &reportJSON, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan change history: %w", err)
		}

		var report models.ChangeReport
		if err := json.Unmarshal([]byte(reportJSON), &report); err != nil {
			return nil, fmt.Errorf("failed to unmarshal change report for %s: %w", models.DateKey(entry.Date), err)
		}
		entry.Date = models.TruncateDay(entry.Date)
		entry.Report = &report
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change history: %w", err)
	}

	return entries, nil
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
