package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/portfolio-briefing/internal/models"
	"github.com/shopspring/decimal"
)

// SnapshotRepository stores one portfolio snapshot per owner per UTC day in Postgres
type SnapshotRepository struct {
	pool *pgxpool.Pool
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(pool *pgxpool.Pool) *SnapshotRepository {
	return &SnapshotRepository{
		pool: pool,
	}
}

// Put upserts the snapshot for (ownerID, date). Re-running a day overwrites it.
func (r *SnapshotRepository) Put(ctx context.Context, ownerID string, date time.Time, snapshot *models.Snapshot) error {
	holdingsJSON, err := encodeHoldings(snapshot.Holdings)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO portfolio_snapshots (
			owner_id,
			snapshot_date,
			holdings,
			total_value,
			account_count,
			captured_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_id, snapshot_date)
		DO UPDATE SET
			holdings = EXCLUDED.holdings,
			total_value = EXCLUDED.total_value,
			account_count = EXCLUDED.account_count,
			captured_at = EXCLUDED.captured_at
	`

	_, err = r.pool.Exec(
		ctx,
		query,
		ownerID,
		models.TruncateDay(date),
		holdingsJSON,
		decimal.NewFromFloat(snapshot.TotalValue),
		snapshot.AccountCount,
		snapshot.CapturedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot %s/%s: %w", ownerID, models.DateKey(date), err)
	}

	return nil
}

// Get returns the snapshot for (ownerID, date), or nil when none was stored
func (r *SnapshotRepository) Get(ctx context.Context, ownerID string, date time.Time) (*models.Snapshot, error) {
	query := `
		SELECT
			owner_id,
			snapshot_date,
			holdings,
			total_value,
			account_count,
			captured_at
		FROM portfolio_snapshots
		WHERE owner_id = $1 AND snapshot_date = $2
	`

	var (
		snapshot     models.Snapshot
		holdingsJSON []byte
		totalValue   decimal.Decimal
	)

	err := r.pool.QueryRow(ctx, query, ownerID, models.TruncateDay(date)).Scan(
		&snapshot.OwnerID,
		&snapshot.Date,
		&holdingsJSON,
		&totalValue,
		&snapshot.AccountCount,
		&snapshot.CapturedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot %s/%s: %w", ownerID, models.DateKey(date), err)
	}

	holdings, err := decodeHoldings(holdingsJSON)
	if err != nil {
		return nil, err
	}

	snapshot.Date = models.TruncateDay(snapshot.Date)
	snapshot.Holdings = holdings
	snapshot.TotalValue = totalValue.InexactFloat64()

	return &snapshot, nil
}

// ListDates returns up to limit stored snapshot dates for an owner, newest first.
// A non-positive limit returns all of them.
func (r *SnapshotRepository) ListDates(ctx context.Context, ownerID string, limit int) ([]time.Time, error) {
	query := `
		SELECT snapshot_date
		FROM portfolio_snapshots
		WHERE owner_id = $1
		ORDER BY snapshot_date DESC
		LIMIT $2
	`

	// LIMIT NULL means no limit
	var maxRows *int
	if limit > 0 {
		maxRows = &limit
	}

	rows, err := r.pool.Query(ctx, query, ownerID, maxRows)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot dates: %w", err)
	}
	defer rows.Close()

	dates := []time.Time{}
	for rows.Next() {
		var date time.Time
		if err := rows.Scan(&date); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot date: %w", err)
		}
		dates = append(dates, models.TruncateDay(date))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot dates: %w", err)
	}

	return dates, nil
}

// DeleteOlderThan removes an owner's snapshots dated before cutoff
func (r *SnapshotRepository) DeleteOlderThan(ctx context.Context, ownerID string, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM portfolio_snapshots WHERE owner_id = $1 AND snapshot_date < $2`,
		ownerID, models.TruncateDay(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}
