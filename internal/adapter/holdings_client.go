// Package adapter implements the brokerage holdings source used to build daily snapshots.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/portfolio-briefing/internal/circuitbreaker"
	"github.com/portfolio-briefing/internal/config"
	apperrors "github.com/portfolio-briefing/internal/errors"
	"github.com/portfolio-briefing/internal/logging"
	"github.com/portfolio-briefing/internal/models"
	"github.com/portfolio-briefing/internal/ratelimit"
	"github.com/portfolio-briefing/internal/retry"
	"golang.org/x/time/rate"
)

const (
	providerName     = "holdings_api"
	holdingsEndpoint = "/investments/holdings/get"
)

// holdingsRequest is the investments holdings request body
type holdingsRequest struct {
	ClientID    string `json:"client_id"`
	Secret      string `json:"secret"`
	AccessToken string `json:"access_token"`
}

// holdingsResponse is the subset of the investments holdings response we use
type holdingsResponse struct {
	Accounts   []apiAccount  `json:"accounts"`
	Holdings   []apiHolding  `json:"holdings"`
	Securities []apiSecurity `json:"securities"`
}

type apiAccount struct {
	AccountID string `json:"account_id"`
}

type apiHolding struct {
	AccountID        string   `json:"account_id"`
	SecurityID       string   `json:"security_id"`
	Quantity         float64  `json:"quantity"`
	InstitutionPrice float64  `json:"institution_price"`
	InstitutionValue *float64 `json:"institution_value"`
}

type apiSecurity struct {
	SecurityID   string  `json:"security_id"`
	TickerSymbol *string `json:"ticker_symbol"`
	Name         *string `json:"name"`
}

// apiError is the error body returned with non-2xx responses
type apiError struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// HoldingsClient fetches an owner's current holdings from the brokerage
// aggregation API and turns them into a snapshot
type HoldingsClient struct {
	client      *resty.Client
	clientID    string
	secret      string
	limiter     *rate.Limiter
	breaker     *circuitbreaker.CircuitBreaker
	retryConfig *retry.RetryConfig

	// optional, shared with other processes through Redis
	budget   *ratelimit.ProviderBudget
	priority ratelimit.Priority
}

// NewHoldingsClient creates a client from source configuration
func NewHoldingsClient(cfg config.SourceConfig) *HoldingsClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "portfolio-briefing/1.0")

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}

	retryConfig := retry.DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		retryConfig.MaxAttempts = cfg.MaxAttempts
	}
	retryConfig.ShouldRetry = shouldRetry

	return &HoldingsClient{
		client:      client,
		clientID:    cfg.ClientID,
		secret:      cfg.Secret,
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		breaker:     circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig(providerName)),
		retryConfig: retryConfig,
	}
}

// SetBudget makes every provider call draw from a budget shared with other
// processes. The local limiter still applies.
func (c *HoldingsClient) SetBudget(budget *ratelimit.ProviderBudget, priority ratelimit.Priority) {
	c.budget = budget
	c.priority = priority
}

// waitBudget blocks on the shared budget. A Redis failure is logged and the
// call goes ahead under the local limiter only.
func (c *HoldingsClient) waitBudget(ctx context.Context) error {
	if c.budget == nil {
		return nil
	}
	err := c.budget.Wait(ctx, c.priority)
	if err != nil && ctx.Err() == nil {
		logging.FromContext(ctx).WithError(err).Warn("Provider budget unavailable, using local limit only")
		return nil
	}
	return err
}

// shouldRetry retries transient provider failures only. Rejected requests
// and an open circuit fail fast.
func shouldRetry(err error) bool {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return apperrors.IsRetryable(err)
}

// BreakerStats exposes the provider circuit breaker for health reporting
func (c *HoldingsClient) BreakerStats() *circuitbreaker.Stats {
	return c.breaker.GetStats()
}

// BudgetUsage reports the shared call budget for the current window, or nil
// when no budget is configured
func (c *HoldingsClient) BudgetUsage(ctx context.Context) (*ratelimit.BudgetUsage, error) {
	if c.budget == nil {
		return nil, nil
	}
	return c.budget.Usage(ctx)
}

// FetchSnapshot returns today's snapshot for owner. Securities without a
// ticker symbol (cash sweeps, some funds) are skipped.
func (c *HoldingsClient) FetchSnapshot(ctx context.Context, owner *models.Owner, date time.Time) (*models.Snapshot, error) {
	if owner.AccessToken == "" {
		return nil, apperrors.NewInvalidParameterError("access_token", "owner has no brokerage access token")
	}

	logger := logging.FromContext(ctx).WithOwner(owner.ID)
	start := time.Now()

	var resp *holdingsResponse
	err := retry.Do(ctx, c.retryConfig, func(ctx context.Context, attempt int) error {
		if err := c.waitBudget(ctx); err != nil {
			return err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		return c.breaker.Execute(ctx, func() error {
			var callErr error
			resp, callErr = c.fetchHoldings(ctx, owner.AccessToken)
			return callErr
		})
	})
	if err != nil {
		logger.WithError(err).WithField("duration_ms", time.Since(start).Milliseconds()).Error("Holdings fetch failed")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if apperrors.Categorize(err).Code == apperrors.CodeInternal {
			return nil, apperrors.NewProviderError(providerName, err)
		}
		return nil, err
	}

	snapshot := buildSnapshot(owner.ID, date, resp)
	logger.WithFields(map[string]interface{}{
		"holdings":    len(snapshot.Holdings),
		"accounts":    snapshot.AccountCount,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Holdings fetched")

	return snapshot, nil
}

func (c *HoldingsClient) fetchHoldings(ctx context.Context, accessToken string) (*holdingsResponse, error) {
	var (
		result holdingsResponse
		failed apiError
	)

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(holdingsRequest{
			ClientID:    c.clientID,
			Secret:      c.secret,
			AccessToken: accessToken,
		}).
		SetResult(&result).
		SetError(&failed).
		Post(holdingsEndpoint)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, apperrors.NewProviderTimeoutError(providerName)
		}
		return nil, apperrors.NewProviderError(providerName, err)
	}

	switch status := resp.StatusCode(); {
	case status == http.StatusTooManyRequests:
		return nil, apperrors.NewProviderRateLimitError(providerName)
	case status >= 500:
		return nil, apperrors.NewProviderError(providerName, fmt.Errorf("status %d: %s", status, failed.ErrorCode))
	case status >= 400:
		return nil, apperrors.NewProviderRejectedError(providerName, status, fmt.Sprintf("%s: %s", failed.ErrorCode, failed.ErrorMessage))
	}

	return &result, nil
}

// buildSnapshot joins holdings to their securities
func buildSnapshot(ownerID string, date time.Time, resp *holdingsResponse) *models.Snapshot {
	securities := make(map[string]apiSecurity, len(resp.Securities))
	for _, s := range resp.Securities {
		securities[s.SecurityID] = s
	}

	holdings := make([]models.Holding, 0, len(resp.Holdings))
	for _, h := range resp.Holdings {
		security, ok := securities[h.SecurityID]
		if !ok || security.TickerSymbol == nil || *security.TickerSymbol == "" {
			continue
		}

		name := "Unknown"
		if security.Name != nil && *security.Name != "" {
			name = *security.Name
		}

		value := h.Quantity * h.InstitutionPrice
		if h.InstitutionValue != nil {
			value = *h.InstitutionValue
		}

		holdings = append(holdings, models.Holding{
			Ticker:   *security.TickerSymbol,
			Name:     name,
			Quantity: h.Quantity,
			Price:    h.InstitutionPrice,
			Value:    value,
		})
	}

	return models.NewSnapshot(ownerID, date, holdings, len(resp.Accounts))
}
