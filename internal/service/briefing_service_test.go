package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/portfolio-briefing/internal/errors"
	"github.com/portfolio-briefing/internal/models"
	"github.com/portfolio-briefing/internal/storage"
	"github.com/portfolio-briefing/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	today     = time.Date(2025, 12, 2, 0, 0, 0, 0, time.UTC)
	yesterday = today.AddDate(0, 0, -1)
)

// Mock collaborators for testing

type mockSource struct {
	holdings func(ownerID string, date time.Time) []models.Holding
	errs     map[string]error
	calls    int32
}

func (m *mockSource) FetchSnapshot(ctx context.Context, owner *models.Owner, date time.Time) (*models.Snapshot, error) {
	atomic.AddInt32(&m.calls, 1)
	if err := m.errs[owner.ID]; err != nil {
		return nil, err
	}
	return models.NewSnapshot(owner.ID, date, m.holdings(owner.ID, date), 1), nil
}

// staticSource returns the same holdings for every owner, with prices
// moved by one dollar per day after yesterday
func staticSource() *mockSource {
	return &mockSource{
		holdings: func(ownerID string, date time.Time) []models.Holding {
			bump := date.Sub(yesterday).Hours() / 24
			return []models.Holding{
				{Ticker: "AAPL", Name: "Apple Inc.", Quantity: 10, Price: 150 + bump, Value: 10 * (150 + bump)},
				{Ticker: "MSFT", Name: "Microsoft Corp.", Quantity: 5, Price: 300, Value: 1500},
			}
		},
		errs: map[string]error{},
	}
}

type faultyStore struct {
	*storage.MemorySnapshotStore
	getErr error
	putErr error
	puts   int32
}

func (f *faultyStore) Get(ctx context.Context, ownerID string, date time.Time) (*models.Snapshot, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.MemorySnapshotStore.Get(ctx, ownerID, date)
}

func (f *faultyStore) Put(ctx context.Context, ownerID string, date time.Time, snapshot *models.Snapshot) error {
	atomic.AddInt32(&f.puts, 1)
	if f.putErr != nil {
		return f.putErr
	}
	return f.MemorySnapshotStore.Put(ctx, ownerID, date, snapshot)
}

func newFaultyStore() *faultyStore {
	return &faultyStore{MemorySnapshotStore: storage.NewMemorySnapshotStore()}
}

type mockOwners struct {
	owners []*models.Owner
	err    error
}

func (m *mockOwners) ListActive(ctx context.Context) ([]*models.Owner, error) {
	return m.owners, m.err
}

type mockHistory struct {
	mu      sync.Mutex
	entries []*models.ChangeHistoryEntry
	err     error
}

func (m *mockHistory) Insert(ctx context.Context, entry *models.ChangeHistoryEntry) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

type recordingConsumer struct {
	mu        sync.Mutex
	reports   map[string]*models.ChangeReport
	snapshots map[string]*models.Snapshot
	err       error
}

func newRecordingConsumer() *recordingConsumer {
	return &recordingConsumer{
		reports:   map[string]*models.ChangeReport{},
		snapshots: map[string]*models.Snapshot{},
	}
}

func (c *recordingConsumer) Consume(ctx context.Context, owner *models.Owner, date time.Time, current *models.Snapshot, report *models.ChangeReport) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports[owner.ID+"/"+models.DateKey(date)] = report
	c.snapshots[owner.ID+"/"+models.DateKey(date)] = current
	return nil
}

func owner(id string) *models.Owner {
	return &models.Owner{ID: id, Active: true, AccessToken: "token-" + id}
}

func newTestService(source SnapshotSource, store SnapshotStore, owners OwnerLister, history HistoryRecorder, consumer ReportConsumer) *BriefingService {
	var consumers []ReportConsumer
	if consumer != nil {
		consumers = append(consumers, consumer)
	}
	svc := NewBriefingService(source, store, owners, history, consumers, BriefingConfig{Concurrency: 2, RetentionDays: 90})
	svc.now = func() time.Time { return today.Add(6 * time.Hour) }
	return svc
}

// runOn processes an owner with the service clock set to day
func runOn(ctx context.Context, svc *BriefingService, o *models.Owner, day time.Time) (*OwnerResult, error) {
	svc.now = func() time.Time { return day.Add(6 * time.Hour) }
	defer func() { svc.now = func() time.Time { return today.Add(6 * time.Hour) } }()
	return svc.ProcessOwner(ctx, o, day)
}

func TestProcessOwner_FirstRunThenChanges(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStore()
	consumer := newRecordingConsumer()
	svc := newTestService(staticSource(), store, &mockOwners{}, nil, consumer)

	first, err := runOn(ctx, svc, owner("alice"), yesterday)
	require.NoError(t, err)
	assert.True(t, first.Report.IsFirstRun)
	assert.True(t, first.SnapshotStored)
	assert.True(t, first.Delivered)
	assert.Equal(t, types.RunStatusSuccess, first.Status)
	assert.NotEmpty(t, first.RunID)

	second, err := svc.ProcessOwner(ctx, owner("alice"), today)
	require.NoError(t, err)
	report := second.Report
	assert.False(t, report.IsFirstRun)
	assert.True(t, report.HasChanges)
	require.Len(t, report.Modified, 1)
	assert.Equal(t, "AAPL", report.Modified[0].Ticker)
	assert.InDelta(t, 10.0, report.TotalValueChange, 1e-9)
	assert.InDelta(t, 10.0, report.Attribution.MarketMovementValue, 1e-9)
	assert.Zero(t, report.Attribution.UserActionValue)

	assert.Same(t, report, consumer.reports["alice/2025-12-02"])
	delivered := consumer.snapshots["alice/2025-12-02"]
	require.NotNil(t, delivered, "consumers receive the snapshot for the overview")
	assert.InDelta(t, 3010.0, delivered.TotalValue, 1e-9)
	assert.Same(t, delivered, second.Snapshot)

	stored, err := store.Get(ctx, "alice", today)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.InDelta(t, 3010.0, stored.TotalValue, 1e-9)
}

func TestProcessOwner_RerunSameDayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStore()
	svc := newTestService(staticSource(), store, &mockOwners{}, nil, nil)

	_, err := runOn(ctx, svc, owner("alice"), yesterday)
	require.NoError(t, err)
	first, err := svc.ProcessOwner(ctx, owner("alice"), today)
	require.NoError(t, err)
	again, err := svc.ProcessOwner(ctx, owner("alice"), today)
	require.NoError(t, err)

	assert.Equal(t, first.Report, again.Report)
	dates, err := store.ListDates(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, dates, 2)
}

func TestProcessOwner_PastDateLeavesStoredSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStore()
	day := time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)
	stored := models.NewSnapshot("alice", day, []models.Holding{
		{Ticker: "AAPL", Name: "Apple Inc.", Quantity: 10, Price: 150, Value: 1500},
	}, 1)
	require.NoError(t, store.MemorySnapshotStore.Put(ctx, "alice", day, stored))

	source := &mockSource{
		holdings: func(ownerID string, date time.Time) []models.Holding {
			return []models.Holding{{Ticker: "NVDA", Name: "NVIDIA Corp.", Quantity: 10, Price: 150, Value: 1500}}
		},
		errs: map[string]error{},
	}
	consumer := newRecordingConsumer()
	svc := newTestService(source, store, &mockOwners{owners: []*models.Owner{owner("alice")}}, nil, consumer)

	result, err := svc.ProcessOwner(ctx, owner("alice"), day)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, apperrors.CodeInvalidParameter, apperrors.Categorize(err).Code)

	_, err = svc.ProcessAll(ctx, day)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidParameter, apperrors.Categorize(err).Code)

	assert.Zero(t, atomic.LoadInt32(&source.calls), "nothing is fetched for a past day")
	assert.Zero(t, atomic.LoadInt32(&store.puts))
	assert.Empty(t, consumer.reports)

	got, err := store.Get(ctx, "alice", day)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Holdings, 1)
	assert.Equal(t, "AAPL", got.Holdings[0].Ticker)
}

func TestProcessOwner_StoreReadFailureIsNotFirstRun(t *testing.T) {
	store := newFaultyStore()
	store.getErr = errors.New("connection refused")
	consumer := newRecordingConsumer()
	svc := newTestService(staticSource(), store, &mockOwners{}, nil, consumer)

	result, err := svc.ProcessOwner(context.Background(), owner("alice"), today)
	require.Error(t, err)

	assert.Equal(t, apperrors.CodeStoreUnavailable, apperrors.Categorize(err).Code)
	assert.Nil(t, result.Report, "no report is produced without a baseline read")
	assert.Zero(t, atomic.LoadInt32(&store.puts))
	assert.Empty(t, consumer.reports)
	assert.Equal(t, types.RunStatusError, result.Status)
}

func TestProcessOwner_StoreWriteFailureContinues(t *testing.T) {
	store := newFaultyStore()
	store.putErr = errors.New("disk full")
	consumer := newRecordingConsumer()
	svc := newTestService(staticSource(), store, &mockOwners{}, nil, consumer)

	result, err := svc.ProcessOwner(context.Background(), owner("alice"), today)
	require.NoError(t, err)

	assert.False(t, result.SnapshotStored)
	assert.True(t, result.Delivered)
	assert.True(t, result.Report.IsFirstRun)
	assert.Equal(t, types.RunStatusPartialSuccess, result.Status)
	assert.Len(t, consumer.reports, 1)
}

func TestProcessOwner_FetchFailure(t *testing.T) {
	source := staticSource()
	source.errs["alice"] = apperrors.NewProviderError("holdings_api", errors.New("502"))
	store := newFaultyStore()
	svc := newTestService(source, store, &mockOwners{}, nil, nil)

	result, err := svc.ProcessOwner(context.Background(), owner("alice"), today)
	require.Error(t, err)

	assert.Equal(t, apperrors.CodeProvider, apperrors.Categorize(err).Code)
	assert.Nil(t, result.Report)
	assert.Zero(t, atomic.LoadInt32(&store.puts))
	assert.NotEmpty(t, result.Error)
}

func TestProcessOwner_InvalidSnapshot(t *testing.T) {
	source := &mockSource{
		holdings: func(string, time.Time) []models.Holding {
			return []models.Holding{{Ticker: "BAD", Quantity: 1, Price: -5, Value: -5}}
		},
	}
	store := newFaultyStore()
	svc := newTestService(source, store, &mockOwners{}, nil, nil)

	_, err := svc.ProcessOwner(context.Background(), owner("alice"), today)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidSnapshot, apperrors.Categorize(err).Code)
	assert.Zero(t, atomic.LoadInt32(&store.puts))
}

func TestProcessOwner_DeliveryFailure(t *testing.T) {
	store := newFaultyStore()
	consumer := newRecordingConsumer()
	consumer.err = errors.New("smtp unavailable")
	svc := newTestService(staticSource(), store, &mockOwners{}, nil, consumer)

	result, err := svc.ProcessOwner(context.Background(), owner("alice"), today)
	require.Error(t, err)

	assert.Equal(t, apperrors.CodeDelivery, apperrors.Categorize(err).Code)
	assert.True(t, result.SnapshotStored, "the snapshot is stored before delivery")
	assert.False(t, result.Delivered)
}

func TestProcessOwner_RecordsHistory(t *testing.T) {
	history := &mockHistory{}
	svc := newTestService(staticSource(), newFaultyStore(), &mockOwners{}, history, nil)

	result, err := svc.ProcessOwner(context.Background(), owner("alice"), today)
	require.NoError(t, err)
	assert.True(t, result.HistoryRecorded)

	require.Len(t, history.entries, 1)
	entry := history.entries[0]
	assert.Equal(t, "alice", entry.OwnerID)
	assert.Equal(t, today, entry.Date)
	assert.Equal(t, result.RunID, entry.RunID)
	assert.InDelta(t, 3010.0, entry.TotalValue, 1e-9)
	assert.Same(t, result.Report, entry.Report)
}

func TestProcessOwner_HistoryFailureIsBestEffort(t *testing.T) {
	history := &mockHistory{err: errors.New("clickhouse down")}
	svc := newTestService(staticSource(), newFaultyStore(), &mockOwners{}, history, nil)

	result, err := svc.ProcessOwner(context.Background(), owner("alice"), today)
	require.NoError(t, err)
	assert.False(t, result.HistoryRecorded)
	assert.True(t, result.Delivered)
	assert.Equal(t, types.RunStatusPartialSuccess, result.Status)
}

func TestProcessAll_IsolatesOwnerFailures(t *testing.T) {
	source := staticSource()
	source.errs["bob"] = apperrors.NewProviderError("holdings_api", errors.New("timeout"))
	owners := &mockOwners{owners: []*models.Owner{owner("alice"), owner("bob"), owner("carol"), owner("dave")}}
	consumer := newRecordingConsumer()
	svc := newTestService(source, newFaultyStore(), owners, nil, consumer)

	batch, err := svc.ProcessAll(context.Background(), today)
	require.NoError(t, err)

	assert.Equal(t, 4, batch.OwnerCount)
	assert.Equal(t, 3, batch.Successful)
	assert.Equal(t, 1, batch.Failed)
	require.Len(t, batch.Results, 4)
	assert.Equal(t, "bob", batch.Results[1].OwnerID)
	assert.NotEmpty(t, batch.Results[1].Error)
	assert.Len(t, consumer.reports, 3)
	assert.Equal(t, int32(4), atomic.LoadInt32(&source.calls))
	assert.Equal(t, int64(4), svc.Monitor().GetStats().TotalRuns)
}

func TestProcessAll_OwnerListFailure(t *testing.T) {
	owners := &mockOwners{err: errors.New("postgres down")}
	svc := newTestService(staticSource(), newFaultyStore(), owners, nil, nil)

	batch, err := svc.ProcessAll(context.Background(), today)
	require.Error(t, err)
	assert.Nil(t, batch)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestProcessAll_NoOwners(t *testing.T) {
	svc := newTestService(staticSource(), newFaultyStore(), &mockOwners{}, nil, nil)

	batch, err := svc.ProcessAll(context.Background(), today)
	require.NoError(t, err)
	assert.Zero(t, batch.OwnerCount)
	assert.Empty(t, batch.Results)
}

func TestApplyRetention(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStore()
	for i := 0; i < 5; i++ {
		date := today.AddDate(0, 0, -i)
		require.NoError(t, store.MemorySnapshotStore.Put(ctx, "alice", date, models.NewSnapshot("alice", date, nil, 0)))
	}

	svc := newTestService(staticSource(), store, &mockOwners{}, nil, nil)
	svc.config.RetentionDays = 2

	deleted, err := svc.ApplyRetention(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	dates, err := store.ListDates(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{today, yesterday, today.AddDate(0, 0, -2)}, dates)
}

func TestApplyRetention_KeepsYesterday(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStore()
	require.NoError(t, store.MemorySnapshotStore.Put(ctx, "alice", yesterday, models.NewSnapshot("alice", yesterday, nil, 0)))

	svc := newTestService(staticSource(), store, &mockOwners{}, nil, nil)
	svc.config.RetentionDays = 0

	deleted, err := svc.ApplyRetention(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestApplyRetention_Unlimited(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStore()
	old := today.AddDate(-2, 0, 0)
	require.NoError(t, store.MemorySnapshotStore.Put(ctx, "alice", old, models.NewSnapshot("alice", old, nil, 0)))

	svc := newTestService(staticSource(), store, &mockOwners{}, nil, nil)
	svc.config.RetentionDays = -1

	deleted, err := svc.ApplyRetention(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestScheduler_StartStop(t *testing.T) {
	source := staticSource()
	owners := &mockOwners{owners: []*models.Owner{owner("alice")}}
	svc := NewBriefingService(source, newFaultyStore(), owners, nil, nil, BriefingConfig{Concurrency: 1, RunOnStart: true})

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	assert.True(t, svc.IsRunning())
	assert.Error(t, svc.Start(ctx), "already running")

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&source.calls) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Stop())
	assert.False(t, svc.IsRunning())
	assert.Error(t, svc.Stop(), "not running")
}
