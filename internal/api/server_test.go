package api

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/portfolio-briefing/internal/circuitbreaker"
	apperrors "github.com/portfolio-briefing/internal/errors"
	"github.com/portfolio-briefing/internal/models"
	"github.com/portfolio-briefing/internal/ratelimit"
	"github.com/portfolio-briefing/internal/service"
	"github.com/portfolio-briefing/internal/storage"
	"github.com/portfolio-briefing/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	today     = time.Date(2025, 12, 2, 0, 0, 0, 0, time.UTC)
	yesterday = today.AddDate(0, 0, -1)
)

// Mock services for testing

type mockBriefingService struct {
	processOwnerFunc func(ctx context.Context, owner *models.Owner, date time.Time) (*service.OwnerResult, error)
	monitor          *service.PerformanceMonitor
}

func (m *mockBriefingService) ProcessOwner(ctx context.Context, owner *models.Owner, date time.Time) (*service.OwnerResult, error) {
	if m.processOwnerFunc != nil {
		return m.processOwnerFunc(ctx, owner, date)
	}
	return &service.OwnerResult{
		OwnerID:        owner.ID,
		Date:           date,
		RunID:          "run-123",
		Status:         types.RunStatusSuccess,
		SnapshotStored: true,
		Delivered:      true,
	}, nil
}

func (m *mockBriefingService) Today() time.Time {
	return today
}

func (m *mockBriefingService) Monitor() *service.PerformanceMonitor {
	return m.monitor
}

type mockOwnerRepository struct {
	owners map[string]*models.Owner
	err    error
}

func (m *mockOwnerRepository) GetByID(ctx context.Context, id string) (*models.Owner, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.owners[id], nil
}

type mockHistoryReader struct {
	entries []*models.ChangeHistoryEntry
}

func (m *mockHistoryReader) ListByOwner(ctx context.Context, ownerID string, from, to time.Time) ([]*models.ChangeHistoryEntry, error) {
	var result []*models.ChangeHistoryEntry
	for _, e := range m.entries {
		if e.OwnerID == ownerID && !e.Date.Before(from) && !e.Date.After(to) {
			result = append(result, e)
		}
	}
	return result, nil
}

type mockProviderStatus struct {
	stats    *circuitbreaker.Stats
	usage    *ratelimit.BudgetUsage
	usageErr error
}

func (m *mockProviderStatus) BreakerStats() *circuitbreaker.Stats {
	return m.stats
}

func (m *mockProviderStatus) BudgetUsage(ctx context.Context) (*ratelimit.BudgetUsage, error) {
	return m.usage, m.usageErr
}

type failingStore struct{}

func (failingStore) Get(ctx context.Context, ownerID string, date time.Time) (*models.Snapshot, error) {
	return nil, errors.New("connection refused")
}

func (failingStore) Put(ctx context.Context, ownerID string, date time.Time, snapshot *models.Snapshot) error {
	return errors.New("connection refused")
}

type testEnv struct {
	server   *Server
	store    *storage.MemorySnapshotStore
	briefing *mockBriefingService
	owners   *mockOwnerRepository
}

// newTestEnv creates a server backed by an in-memory store holding two days for alice
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemorySnapshotStore()
	require.NoError(t, store.Put(ctx, "alice", yesterday, models.NewSnapshot("alice", yesterday, []models.Holding{
		{Ticker: "AAPL", Name: "Apple Inc.", Quantity: 10, Price: 150, Value: 1500},
	}, 1)))
	require.NoError(t, store.Put(ctx, "alice", today, models.NewSnapshot("alice", today, []models.Holding{
		{Ticker: "AAPL", Name: "Apple Inc.", Quantity: 12, Price: 155, Value: 1860},
	}, 1)))

	history := &mockHistoryReader{entries: []*models.ChangeHistoryEntry{
		{OwnerID: "alice", Date: today, RunID: "run-1", TotalValue: 1860},
	}}

	env := &testEnv{
		store:    store,
		briefing: &mockBriefingService{monitor: service.NewPerformanceMonitor()},
		owners:   &mockOwnerRepository{owners: map[string]*models.Owner{"alice": {ID: "alice", Active: true}}},
	}
	env.server = NewServer(testServerConfig(), service.NewQueryService(store, history), env.briefing, env.owners)
	return env
}

func testServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:         "localhost",
		Port:         "8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (e *testEnv) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "portfolio-briefing", body["service"])
	assert.Contains(t, body, "runs")
	assert.Contains(t, body, "performance")
	assert.NotContains(t, body, "provider")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func decodeHealth(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestHealthCheck_ProviderStatus(t *testing.T) {
	env := newTestEnv(t)
	provider := &mockProviderStatus{
		stats: &circuitbreaker.Stats{Name: "holdings_api", State: circuitbreaker.StateClosed},
		usage: &ratelimit.BudgetUsage{TotalUsed: 3, SharedUsed: 3, TotalBudget: 10, ReservedBudget: 4, SharedBudget: 6},
	}
	env.server.SetProviderStatus(provider)

	body := decodeHealth(t, env.do(t, http.MethodGet, "/health"))
	assert.Equal(t, "healthy", body["status"])
	status, ok := body["provider"].(map[string]interface{})
	require.True(t, ok)
	breaker := status["breaker"].(map[string]interface{})
	assert.Equal(t, "closed", breaker["state"])
	budget := status["budget"].(map[string]interface{})
	assert.Equal(t, 3.0, budget["totalUsed"])
	assert.Equal(t, 10.0, budget["totalBudget"])

	provider.stats.State = circuitbreaker.StateOpen
	provider.usage = nil
	provider.usageErr = errors.New("redis: connection refused")
	body = decodeHealth(t, env.do(t, http.MethodGet, "/health"))
	assert.Equal(t, "degraded", body["status"])
	status = body["provider"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"error": "unavailable"}, status["budget"])
}

func TestHealthCheck_DegradedRuns(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 10; i++ {
		env.briefing.monitor.Record(time.Millisecond, true)
	}

	body := decodeHealth(t, env.do(t, http.MethodGet, "/health"))
	assert.Equal(t, "degraded", body["status"])
	check := body["performance"].(map[string]interface{})
	assert.Equal(t, false, check["passed"])
}

func TestGetSnapshot(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/owners/alice/snapshots/2025-12-02")
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot models.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snapshot))
	assert.Equal(t, "alice", snapshot.OwnerID)
	assert.Equal(t, 1860.0, snapshot.TotalValue)
}

func TestGetSnapshot_NotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/owners/alice/snapshots/2025-11-01")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.CodeSnapshotNotFound, decodeError(t, rec).Error.Code)
}

func TestGetSnapshot_InvalidDate(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/owners/alice/snapshots/12-02-2025")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, apperrors.CodeInvalidParameter, resp.Error.Code)
	assert.Equal(t, "date", resp.Error.Details["parameter"])
}

func TestListSnapshots(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/owners/alice/snapshots?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		OwnerID string   `json:"ownerId"`
		Dates   []string `json:"dates"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, []string{"2025-12-02"}, body.Dates)

	rec = env.do(t, http.MethodGet, "/api/owners/alice/snapshots?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetChanges(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/owners/alice/changes/2025-12-02")
	require.Equal(t, http.StatusOK, rec.Code)

	var report models.ChangeReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.True(t, report.HasChanges)
	require.Len(t, report.Modified, 1)
	// 2 shares * $150 bought, $5 * 10 shares of price drift
	assert.InDelta(t, 300.0, report.Attribution.UserActionValue, 1e-9)
	assert.InDelta(t, 50.0, report.Attribution.MarketMovementValue, 1e-9)
}

func TestGetChanges_FirstRun(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/owners/alice/changes/2025-12-01")
	require.Equal(t, http.StatusOK, rec.Code)

	var report models.ChangeReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.True(t, report.IsFirstRun)
}

func TestGetChanges_MissingDate(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/owners/alice/changes/2025-12-05")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetChanges_StoreUnavailable(t *testing.T) {
	server := NewServer(testServerConfig(), service.NewQueryService(failingStore{}, nil), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/owners/alice/changes/2025-12-02", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, apperrors.CodeStoreUnavailable, decodeError(t, rec).Error.Code)
}

func TestGetChanges_Formats(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/owners/alice/changes/2025-12-02?format=markdown")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/markdown")
	assert.Contains(t, rec.Body.String(), "bought 2.00 shares, price up $5.00 (3.3%)")
	assert.Contains(t, rec.Body.String(), "**Total Value:** $1,860.00")
	assert.Contains(t, rec.Body.String(), "| 1 | **AAPL** | Apple Inc. | 12.00 | $155.00 | $1,860.00 | 100.0% |")

	rec = env.do(t, http.MethodGet, "/api/owners/alice/changes/2025-12-02?format=html")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "<strong>AAPL</strong>")

	rec = env.do(t, http.MethodGet, "/api/owners/alice/changes/2025-12-02?format=pdf")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetHistory(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/owners/alice/history?from=2025-12-01&to=2025-12-02")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		From    string                       `json:"from"`
		To      string                       `json:"to"`
		Entries []*models.ChangeHistoryEntry `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "2025-12-01", body.From)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "run-1", body.Entries[0].RunID)

	rec = env.do(t, http.MethodGet, "/api/owners/alice/history?from=2025-12-03&to=2025-12-02")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/owners/alice/history?from=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunOwner(t *testing.T) {
	env := newTestEnv(t)
	var gotDate time.Time
	env.briefing.processOwnerFunc = func(ctx context.Context, owner *models.Owner, date time.Time) (*service.OwnerResult, error) {
		gotDate = date
		return &service.OwnerResult{OwnerID: owner.ID, Date: date, Status: types.RunStatusSuccess}, nil
	}

	rec := env.do(t, http.MethodPost, "/api/owners/alice/run")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, today, gotDate)

	gotDate = time.Time{}
	rec = env.do(t, http.MethodPost, "/api/owners/alice/run?date=2025-12-02")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, today, gotDate)

	var result service.OwnerResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, types.RunStatusSuccess, result.Status)
}

func TestRunOwner_PastDateRejected(t *testing.T) {
	env := newTestEnv(t)
	called := false
	env.briefing.processOwnerFunc = func(ctx context.Context, owner *models.Owner, date time.Time) (*service.OwnerResult, error) {
		called = true
		return &service.OwnerResult{OwnerID: owner.ID, Date: date}, nil
	}

	rec := env.do(t, http.MethodPost, "/api/owners/alice/run?date=2025-12-01")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), apperrors.CodeInvalidParameter)
	assert.False(t, called, "a past day is never re-fetched")

	// yesterday's stored snapshot is untouched
	rec = env.do(t, http.MethodGet, "/api/owners/alice/snapshots/2025-12-01")
	require.Equal(t, http.StatusOK, rec.Code)
	var snapshot models.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snapshot))
	require.Len(t, snapshot.Holdings, 1)
	assert.Equal(t, 10.0, snapshot.Holdings[0].Quantity)
}

func TestRunOwner_Errors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/owners/nobody/run")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.briefing.processOwnerFunc = func(ctx context.Context, owner *models.Owner, date time.Time) (*service.OwnerResult, error) {
		return nil, apperrors.NewProviderTimeoutError("holdings_api")
	}
	rec = env.do(t, http.MethodPost, "/api/owners/alice/run")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	env.owners.err = errors.New("postgres down")
	rec = env.do(t, http.MethodPost, "/api/owners/alice/run")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/owners/alice/run")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRespondServiceError_HidesInternalCauses(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	respondServiceError(rec, req, errors.New("pq: password authentication failed"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, ErrCodeInternalError, resp.Error.Code)
	assert.NotContains(t, resp.Error.Message, "password")
}

func TestCORSHeaders(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Client-ID")
}

func TestCompression(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/owners/alice/snapshots/2025-12-02", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `"ownerId":"alice"`))
}

func TestRateLimit(t *testing.T) {
	config := testServerConfig()
	config.RequestsPerSecond = 1
	server := NewServer(config, service.NewQueryService(storage.NewMemorySnapshotStore(), nil), nil, nil)

	var limited int
	for i := 0; i < 15; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Client-ID", "client-a")
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Greater(t, limited, 0, "burst of 10 is exceeded")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Client-ID", "client-b")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "limits are per client")
}

func TestClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	assert.Equal(t, "10.0.0.7", clientID(req))

	req.Header.Set("X-Client-ID", "dashboard")
	assert.Equal(t, "dashboard", clientID(req))
}
