package service

import (
	"context"
	"time"

	"github.com/portfolio-briefing/internal/diff"
	apperrors "github.com/portfolio-briefing/internal/errors"
	"github.com/portfolio-briefing/internal/models"
)

// MaxHistoryRange bounds history queries
const MaxHistoryRange = 366 * 24 * time.Hour

// SnapshotLister is implemented by stores that can list an owner's snapshot dates
type SnapshotLister interface {
	ListDates(ctx context.Context, ownerID string, limit int) ([]time.Time, error)
}

// HistoryReader reads processed change reports
type HistoryReader interface {
	ListByOwner(ctx context.Context, ownerID string, from, to time.Time) ([]*models.ChangeHistoryEntry, error)
}

// QueryService answers read-only questions about stored snapshots and
// change history
type QueryService struct {
	store   SnapshotStore
	history HistoryReader
}

// NewQueryService creates a new query service. history may be nil.
func NewQueryService(store SnapshotStore, history HistoryReader) *QueryService {
	return &QueryService{
		store:   store,
		history: history,
	}
}

// GetSnapshot returns the stored snapshot for an owner and day
func (s *QueryService) GetSnapshot(ctx context.Context, ownerID string, date time.Time) (*models.Snapshot, error) {
	snapshot, err := s.store.Get(ctx, ownerID, date)
	if err != nil {
		return nil, apperrors.NewStoreUnavailableError("get snapshot", err)
	}
	if snapshot == nil {
		return nil, apperrors.NewSnapshotNotFoundError(ownerID, models.DateKey(date))
	}
	return snapshot, nil
}

// GetChanges recomputes the change report between the stored snapshot for
// date and the one for the previous day. A missing previous snapshot yields
// a first-run report.
func (s *QueryService) GetChanges(ctx context.Context, ownerID string, date time.Time) (*models.ChangeReport, error) {
	current, err := s.GetSnapshot(ctx, ownerID, date)
	if err != nil {
		return nil, err
	}

	previous, err := s.store.Get(ctx, ownerID, models.PreviousDay(date))
	if err != nil {
		return nil, apperrors.NewStoreUnavailableError("get previous snapshot", err)
	}

	return diff.Compute(current, previous), nil
}

// ListDates returns the owner's stored snapshot dates, newest first
func (s *QueryService) ListDates(ctx context.Context, ownerID string, limit int) ([]time.Time, error) {
	lister, ok := s.store.(SnapshotLister)
	if !ok {
		return nil, apperrors.NewServiceUnavailableError("snapshot listing")
	}

	dates, err := lister.ListDates(ctx, ownerID, limit)
	if err != nil {
		return nil, apperrors.NewStoreUnavailableError("list snapshot dates", err)
	}
	return dates, nil
}

// GetHistory returns the recorded change reports for an owner between from
// and to inclusive
func (s *QueryService) GetHistory(ctx context.Context, ownerID string, from, to time.Time) ([]*models.ChangeHistoryEntry, error) {
	if s.history == nil {
		return nil, apperrors.NewServiceUnavailableError("change history")
	}
	if to.Before(from) {
		return nil, apperrors.NewInvalidParameterError("to", "must not be before from")
	}
	if to.Sub(from) > MaxHistoryRange {
		return nil, apperrors.NewInvalidParameterError("from", "range must not exceed 366 days")
	}

	entries, err := s.history.ListByOwner(ctx, ownerID, from, to)
	if err != nil {
		return nil, apperrors.NewStoreUnavailableError("list change history", err)
	}
	if entries == nil {
		entries = []*models.ChangeHistoryEntry{}
	}
	return entries, nil
}
