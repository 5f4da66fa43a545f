// Package ratelimit shares the holdings provider's call budget between
// processes. The API server and the daily worker both call the provider;
// counters live in Redis so their combined rate stays under the provider limit.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultTotalBudget    = 10              // calls per window across all processes
	DefaultReservedBudget = 4               // kept for on-demand runs
	DefaultWindowSize     = time.Second     // fixed window
	DefaultKeyTTL         = 2 * time.Second // window + buffer
	DefaultKeyPrefix      = "budget:holdings"
)

// Priority selects the pool a call draws from.
type Priority int

const (
	// PriorityInteractive is for runs triggered through the API (reserved pool).
	PriorityInteractive Priority = iota
	// PriorityScheduled is for the daily batch (shared pool).
	PriorityScheduled
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityInteractive:
		return "interactive"
	case PriorityScheduled:
		return "scheduled"
	default:
		return "unknown"
	}
}

// consumeScript checks both the total and the pool counter and increments
// them together, so concurrent callers never overshoot.
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local n = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + n > totalBudget or poolUsed + n > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, n)
	redis.call('EXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, n)
	redis.call('EXPIRE', poolKey, ttl)

	return {1, totalUsed + n, poolUsed + n}
`)

// BudgetConfig holds configuration for a ProviderBudget.
type BudgetConfig struct {
	// Redis is required; the budget cannot coordinate without it.
	Redis redis.Cmdable

	// TotalBudget is the number of calls allowed per window. Default: 10.
	TotalBudget int

	// ReservedBudget is the part of TotalBudget only interactive calls may use. Default: 4.
	ReservedBudget int

	WindowSize time.Duration
	KeyTTL     time.Duration
	KeyPrefix  string
}

// Validate checks if the configuration is valid.
func (c *BudgetConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TotalBudget < 0 {
		return errors.New("total budget cannot be negative")
	}
	if c.ReservedBudget < 0 {
		return errors.New("reserved budget cannot be negative")
	}

	total, reserved := c.budgets()
	if reserved >= total {
		return fmt.Errorf("reserved budget (%d) must be below total budget (%d)", reserved, total)
	}
	return nil
}

func (c *BudgetConfig) budgets() (total, reserved int) {
	total, reserved = c.TotalBudget, c.ReservedBudget
	if total == 0 {
		total = DefaultTotalBudget
	}
	if reserved == 0 && c.TotalBudget == 0 {
		reserved = DefaultReservedBudget
	}
	return total, reserved
}

// ProviderBudget is a fixed-window call budget kept in Redis with a reserved
// pool for interactive calls and a shared pool for scheduled ones.
type ProviderBudget struct {
	redis          redis.Cmdable
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
	keyPrefix      string
}

// BudgetUsage is the consumption in the current window.
type BudgetUsage struct {
	TotalUsed      int       `json:"totalUsed"`
	ReservedUsed   int       `json:"reservedUsed"`
	SharedUsed     int       `json:"sharedUsed"`
	TotalBudget    int       `json:"totalBudget"`
	ReservedBudget int       `json:"reservedBudget"`
	SharedBudget   int       `json:"sharedBudget"`
	WindowStart    time.Time `json:"windowStart"`
}

// NewProviderBudget creates a budget from cfg.
func NewProviderBudget(cfg *BudgetConfig) (*ProviderBudget, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	total, reserved := cfg.budgets()

	windowSize := cfg.WindowSize
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}
	keyTTL := cfg.KeyTTL
	if keyTTL == 0 {
		keyTTL = DefaultKeyTTL
	}
	if keyTTL < windowSize {
		keyTTL = windowSize + time.Second
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	return &ProviderBudget{
		redis:          cfg.Redis,
		totalBudget:    total,
		reservedBudget: reserved,
		sharedBudget:   total - reserved,
		windowSize:     windowSize,
		keyTTL:         keyTTL,
		keyPrefix:      prefix,
	}, nil
}

func (b *ProviderBudget) windowStart(now time.Time) time.Time {
	return now.Truncate(b.windowSize)
}

func (b *ProviderBudget) keys(window time.Time) (totalKey, reservedKey, sharedKey string) {
	ts := strconv.FormatInt(window.UnixMilli(), 10)
	return b.keyPrefix + ":total:" + ts,
		b.keyPrefix + ":reserved:" + ts,
		b.keyPrefix + ":shared:" + ts
}

// TryAcquire takes one call from the pool for priority. When the pool is
// exhausted it returns false and the time until the next window. A Redis
// failure is returned as an error so the caller can decide to fail open.
func (b *ProviderBudget) TryAcquire(ctx context.Context, priority Priority) (bool, time.Duration, error) {
	window := b.windowStart(time.Now())
	totalKey, reservedKey, sharedKey := b.keys(window)

	poolKey, poolBudget := sharedKey, b.sharedBudget
	if priority == PriorityInteractive && b.reservedBudget > 0 {
		poolKey, poolBudget = reservedKey, b.reservedBudget
	}

	ttlSeconds := int(b.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := consumeScript.Run(ctx, b.redis, []string{totalKey, poolKey},
		1, b.totalBudget, poolBudget, ttlSeconds).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("budget check failed: %w", err)
	}

	if result[0] != 1 {
		return false, b.untilNextWindow(window), nil
	}
	return true, 0, nil
}

// Wait blocks until a call is available for priority or ctx is done.
func (b *ProviderBudget) Wait(ctx context.Context, priority Priority) error {
	for {
		ok, wait, err := b.TryAcquire(ctx, priority)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (b *ProviderBudget) untilNextWindow(window time.Time) time.Duration {
	wait := time.Until(window.Add(b.windowSize))
	if wait < 0 {
		wait = 0
	}
	// land inside the next window
	return wait + time.Millisecond
}

// Usage returns consumption for the current window.
func (b *ProviderBudget) Usage(ctx context.Context) (*BudgetUsage, error) {
	window := b.windowStart(time.Now())
	totalKey, reservedKey, sharedKey := b.keys(window)

	pipe := b.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)

	// redis.Nil only means a counter has not been touched in this window
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read budget usage: %w", err)
	}

	return &BudgetUsage{
		TotalUsed:      intOrZero(totalCmd),
		ReservedUsed:   intOrZero(reservedCmd),
		SharedUsed:     intOrZero(sharedCmd),
		TotalBudget:    b.totalBudget,
		ReservedBudget: b.reservedBudget,
		SharedBudget:   b.sharedBudget,
		WindowStart:    window,
	}, nil
}

func intOrZero(cmd *redis.StringCmd) int {
	val, err := cmd.Int()
	if err != nil {
		return 0
	}
	return val
}
