package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/portfolio-briefing/internal/diff"
	apperrors "github.com/portfolio-briefing/internal/errors"
	"github.com/portfolio-briefing/internal/logging"
	"github.com/portfolio-briefing/internal/models"
	"github.com/portfolio-briefing/internal/types"
	"golang.org/x/sync/errgroup"
)

// SnapshotSource produces today's snapshot for an owner
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context, owner *models.Owner, date time.Time) (*models.Snapshot, error)
}

// SnapshotStore persists one snapshot per owner and day.
// Get returns (nil, nil) when no snapshot exists.
type SnapshotStore interface {
	Get(ctx context.Context, ownerID string, date time.Time) (*models.Snapshot, error)
	Put(ctx context.Context, ownerID string, date time.Time, snapshot *models.Snapshot) error
}

// RetentionStore is implemented by stores that can prune old snapshots
type RetentionStore interface {
	DeleteOlderThan(ctx context.Context, ownerID string, cutoff time.Time) (int64, error)
}

// OwnerLister lists the owners to brief
type OwnerLister interface {
	ListActive(ctx context.Context) ([]*models.Owner, error)
}

// HistoryRecorder appends processed change reports
type HistoryRecorder interface {
	Insert(ctx context.Context, entry *models.ChangeHistoryEntry) error
}

// ReportConsumer delivers an owner's change report together with the
// snapshot it was computed from
type ReportConsumer interface {
	Consume(ctx context.Context, owner *models.Owner, date time.Time, current *models.Snapshot, report *models.ChangeReport) error
}

// BriefingConfig holds daily run settings
type BriefingConfig struct {
	Concurrency   int
	RetentionDays int // negative keeps every snapshot
	RunOnStart    bool
}

// OwnerResult is the outcome of one owner's briefing
type OwnerResult struct {
	OwnerID         string               `json:"ownerId"`
	Date            time.Time            `json:"date"`
	RunID           string               `json:"runId"`
	Status          types.RunStatus      `json:"status"`
	Report          *models.ChangeReport `json:"report,omitempty"`
	Snapshot        *models.Snapshot     `json:"-"`
	SnapshotStored  bool                 `json:"snapshotStored"`
	HistoryRecorded bool                 `json:"historyRecorded"`
	Delivered       bool                 `json:"delivered"`
	Error           string               `json:"error,omitempty"`
	Duration        time.Duration        `json:"duration"`
}

// BatchResult is the outcome of a run over all active owners
type BatchResult struct {
	Date       time.Time      `json:"date"`
	OwnerCount int            `json:"ownerCount"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	Results    []*OwnerResult `json:"results"`
	Duration   time.Duration  `json:"duration"`
}

// BriefingService runs the daily fetch, compare, store and deliver cycle
type BriefingService struct {
	source    SnapshotSource
	store     SnapshotStore
	owners    OwnerLister
	history   HistoryRecorder
	consumers []ReportConsumer
	config    BriefingConfig
	monitor   *PerformanceMonitor
	now       func() time.Time

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
}

// NewBriefingService creates a new briefing service. history may be nil.
func NewBriefingService(
	source SnapshotSource,
	store SnapshotStore,
	owners OwnerLister,
	history HistoryRecorder,
	consumers []ReportConsumer,
	config BriefingConfig,
) *BriefingService {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return &BriefingService{
		source:    source,
		store:     store,
		owners:    owners,
		history:   history,
		consumers: consumers,
		config:    config,
		monitor:   NewPerformanceMonitor(),
		now:       time.Now,
	}
}

// Monitor returns the run duration monitor
func (s *BriefingService) Monitor() *PerformanceMonitor {
	return s.monitor
}

// Today returns the current UTC calendar day
func (s *BriefingService) Today() time.Time {
	return models.TruncateDay(s.now())
}

// ProcessOwner briefs one owner for date, which must be today. The source
// only reports live holdings, so a past date would overwrite that day's
// stored snapshot with today's positions.
func (s *BriefingService) ProcessOwner(ctx context.Context, owner *models.Owner, date time.Time) (*OwnerResult, error) {
	if err := s.checkRunDate(date); err != nil {
		return nil, err
	}
	return s.processOwner(ctx, owner, models.TruncateDay(date))
}

// checkRunDate rejects any day other than the current UTC day
func (s *BriefingService) checkRunDate(date time.Time) error {
	today := s.Today()
	if !models.TruncateDay(date).Equal(today) {
		return apperrors.NewInvalidParameterError("date",
			fmt.Sprintf("only today (%s) can be briefed; holdings are fetched live", models.DateKey(today)))
	}
	return nil
}

// processOwner runs the fetch, compare, store and deliver cycle. A failed
// fetch, previous-snapshot read or delivery fails the owner; a failed
// snapshot write or history append is logged and the run continues.
func (s *BriefingService) processOwner(ctx context.Context, owner *models.Owner, date time.Time) (*OwnerResult, error) {
	start := time.Now()

	rl := logging.NewRunLogger(logging.FromContext(ctx), owner.ID)
	ctx = logging.WithLogger(ctx, rl.Logger())

	result := &OwnerResult{
		OwnerID: owner.ID,
		Date:    date,
		RunID:   rl.RunID(),
	}
	finish := func(err error) (*OwnerResult, error) {
		rl.LogSuccess(result.Delivered)
		rl.LogSummary()
		result.Status = rl.Metrics().Status
		result.Duration = time.Since(start)
		s.monitor.Record(result.Duration, err != nil)
		if err != nil {
			result.Error = err.Error()
		}
		return result, err
	}

	current, err := s.source.FetchSnapshot(ctx, owner, date)
	if err != nil {
		rl.LogError("fetch_failed", err, "snapshot_source")
		return finish(fmt.Errorf("fetch snapshot for %s: %w", owner.ID, err))
	}
	if err := current.Validate(); err != nil {
		rl.LogError("invalid_snapshot", err, "snapshot_source")
		return finish(err)
	}
	rl.LogPortfolioFetch(len(current.Holdings), current.TotalValue)
	result.Snapshot = current

	previous, err := s.store.Get(ctx, owner.ID, models.PreviousDay(date))
	if err != nil {
		// A failed read is never treated as a first run
		storeErr := apperrors.NewStoreUnavailableError("get previous snapshot", err)
		rl.LogError("store_read_failed", storeErr, "snapshot_store")
		return finish(storeErr)
	}

	report := diff.Compute(current, previous)
	result.Report = report
	rl.LogPortfolioChanges(report.IsFirstRun, report.HasChanges,
		report.Summary.AddedCount, report.Summary.RemovedCount, report.Summary.ChangedCount)

	if err := s.store.Put(ctx, owner.ID, date, current); err != nil {
		rl.LogError("store_write_failed", err, "snapshot_store")
	} else {
		result.SnapshotStored = true
	}
	rl.LogSnapshotStored(result.SnapshotStored)

	if s.history != nil {
		entry := &models.ChangeHistoryEntry{
			OwnerID:    owner.ID,
			Date:       date,
			RunID:      rl.RunID(),
			TotalValue: current.TotalValue,
			Report:     report,
			CreatedAt:  s.now().UTC(),
		}
		if err := s.history.Insert(ctx, entry); err != nil {
			rl.LogError("history_write_failed", err, "change_history")
		} else {
			result.HistoryRecorded = true
		}
	}

	if err := s.deliver(ctx, owner, date, current, report); err != nil {
		rl.LogError("delivery_failed", err, "report_consumer")
		return finish(err)
	}
	result.Delivered = true

	return finish(nil)
}

// deliver hands the report to every consumer, attempting all of them
func (s *BriefingService) deliver(ctx context.Context, owner *models.Owner, date time.Time, current *models.Snapshot, report *models.ChangeReport) error {
	var errs []error
	for i, consumer := range s.consumers {
		if err := consumer.Consume(ctx, owner, date, current, report); err != nil {
			errs = append(errs, apperrors.NewDeliveryError(fmt.Sprintf("consumer_%d", i), err))
		}
	}
	return errors.Join(errs...)
}

// ProcessAll briefs every active owner for date, which must be today.
// Owners are processed concurrently up to the configured limit and one
// owner's failure never stops another. Only a failure to list owners fails
// the batch.
func (s *BriefingService) ProcessAll(ctx context.Context, date time.Time) (*BatchResult, error) {
	if err := s.checkRunDate(date); err != nil {
		return nil, err
	}
	return s.processAll(ctx, date, "manual")
}

func (s *BriefingService) processAll(ctx context.Context, date time.Time, trigger string) (*BatchResult, error) {
	date = models.TruncateDay(date)
	start := time.Now()
	logger := logging.FromContext(ctx)
	logging.LogRunStart(logger, trigger, date)

	owners, err := s.owners.ListActive(ctx)
	if err != nil {
		return nil, apperrors.NewStoreUnavailableError("list active owners", err)
	}

	batch := &BatchResult{
		Date:       date,
		OwnerCount: len(owners),
		Results:    make([]*OwnerResult, len(owners)),
	}

	var g errgroup.Group
	g.SetLimit(s.config.Concurrency)
	for i, owner := range owners {
		g.Go(func() error {
			result, err := s.processOwner(ctx, owner, date)
			batch.Results[i] = result
			if err != nil {
				return nil
			}
			if _, err := s.ApplyRetention(ctx, owner.ID); err != nil {
				logger.WithOwner(owner.ID).WithError(err).Warn("Snapshot retention failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, result := range batch.Results {
		if result.Error == "" {
			batch.Successful++
		} else {
			batch.Failed++
		}
	}
	batch.Duration = time.Since(start)

	logging.LogRunComplete(logger, batch.OwnerCount, batch.Successful, batch.Failed, batch.Duration)
	return batch, nil
}

// ApplyRetention deletes an owner's snapshots older than the retention
// window. Yesterday's snapshot is always kept so the next run has a baseline.
func (s *BriefingService) ApplyRetention(ctx context.Context, ownerID string) (int64, error) {
	if s.config.RetentionDays < 0 {
		return 0, nil
	}
	pruner, ok := s.store.(RetentionStore)
	if !ok {
		return 0, nil
	}

	days := s.config.RetentionDays
	if days < 1 {
		days = 1
	}
	cutoff := s.Today().AddDate(0, 0, -days)

	deleted, err := pruner.DeleteOlderThan(ctx, ownerID, cutoff)
	if err != nil {
		return deleted, fmt.Errorf("failed to delete old snapshots: %w", err)
	}
	if deleted > 0 {
		logging.FromContext(ctx).WithOwner(ownerID).WithFields(map[string]interface{}{
			"deleted": deleted,
			"cutoff":  models.DateKey(cutoff),
		}).Info("Applied snapshot retention")
	}
	return deleted, nil
}

// Start begins the daily scheduler. Runs fire at midnight UTC.
func (s *BriefingService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("briefing scheduler is already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})

	logger := logging.FromContext(ctx)
	go func() {
		defer close(s.done)

		if s.config.RunOnStart {
			s.runScheduled(ctx, "startup")
		}

		for {
			now := s.now().UTC()
			next := models.TruncateDay(now).AddDate(0, 0, 1)
			wait := next.Sub(now)
			logger.WithFields(map[string]interface{}{
				"next_run": next.Format(time.RFC3339),
				"wait":     wait.String(),
			}).Info("Briefing scheduler waiting for next run")

			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
				s.runScheduled(ctx, "scheduled")
			case <-s.stopChan:
				timer.Stop()
				logger.Info("Briefing scheduler stopped")
				return
			case <-ctx.Done():
				timer.Stop()
				logger.Info("Briefing scheduler context cancelled")
				return
			}
		}
	}()

	return nil
}

func (s *BriefingService) runScheduled(ctx context.Context, trigger string) {
	if _, err := s.processAll(ctx, s.Today(), trigger); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("trigger", trigger).Error("Daily briefing run failed")
	}
}

// Stop stops the scheduler and waits for an in-flight run to finish
func (s *BriefingService) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("briefing scheduler is not running")
	}
	close(s.stopChan)
	s.running = false
	done := s.done
	s.mu.Unlock()

	<-done
	return nil
}

// IsRunning returns whether the scheduler is currently running
func (s *BriefingService) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
