package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	apperrors "github.com/portfolio-briefing/internal/errors"
	"github.com/portfolio-briefing/internal/types"
)

// Snapshot represents an owner's portfolio at one calendar day
type Snapshot struct {
	OwnerID      string    `json:"ownerId" db:"owner_id"`
	Date         time.Time `json:"date" db:"snapshot_date"`
	Holdings     []Holding `json:"holdings" db:"holdings"`
	TotalValue   float64   `json:"totalValue" db:"total_value"`
	AccountCount int       `json:"accountCount" db:"account_count"`
	CapturedAt   time.Time `json:"capturedAt" db:"captured_at"`
}

// NewSnapshot builds a snapshot from source holdings.
// TotalValue sums every source holding, so a ticker held in several
// accounts counts once per account. The holdings list then keeps the last
// occurrence of each ticker, ordered by value descending.
func NewSnapshot(ownerID string, date time.Time, holdings []Holding, accountCount int) *Snapshot {
	var total float64
	index := make(map[string]int, len(holdings))
	kept := make([]Holding, 0, len(holdings))
	for _, h := range holdings {
		total += h.Value
		if i, ok := index[h.Ticker]; ok {
			kept[i] = h
			continue
		}
		index[h.Ticker] = len(kept)
		kept = append(kept, h)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Value > kept[j].Value
	})

	return &Snapshot{
		OwnerID:      ownerID,
		Date:         TruncateDay(date),
		Holdings:     kept,
		TotalValue:   total,
		AccountCount: accountCount,
		CapturedAt:   time.Now().UTC(),
	}
}

// ByTicker returns a lookup of the snapshot's holdings keyed by ticker.
// With duplicate tickers the later holding wins.
func (s *Snapshot) ByTicker() map[string]Holding {
	lookup := make(map[string]Holding, len(s.Holdings))
	for _, h := range s.Holdings {
		lookup[h.Ticker] = h
	}
	return lookup
}

// DateKey returns the snapshot's store key date
func (s *Snapshot) DateKey() string {
	return DateKey(s.Date)
}

// Validate checks the invariants the diff engine relies on
func (s *Snapshot) Validate() error {
	if s.OwnerID == "" {
		return apperrors.NewInvalidSnapshotError("owner id is required")
	}

	var problems []string
	seen := make(map[string]bool, len(s.Holdings))
	for i, h := range s.Holdings {
		if h.Ticker == "" {
			problems = append(problems, fmt.Sprintf("holding %d has no ticker", i))
			continue
		}
		if seen[h.Ticker] {
			problems = append(problems, fmt.Sprintf("duplicate ticker %s", h.Ticker))
		}
		seen[h.Ticker] = true
		if h.Price < 0 {
			problems = append(problems, fmt.Sprintf("negative price for %s", h.Ticker))
		}
	}

	if len(problems) > 0 {
		return apperrors.NewInvalidSnapshotError(strings.Join(problems, "; "))
	}
	return nil
}

// DateKey formats a time as a UTC calendar day (YYYY-MM-DD)
func DateKey(t time.Time) string {
	return t.UTC().Format(types.DateLayout)
}

// ParseDateKey parses a YYYY-MM-DD key into midnight UTC
func ParseDateKey(key string) (time.Time, error) {
	t, err := time.Parse(types.DateLayout, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", key, err)
	}
	return t, nil
}

// TruncateDay drops the time of day, keeping the UTC calendar day
func TruncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// PreviousDay returns the calendar day before t
func PreviousDay(t time.Time) time.Time {
	return TruncateDay(t).AddDate(0, 0, -1)
}
