// Package diff compares two portfolio snapshots and attributes the value
// change to user trades or to market movement.
//
// Compute is pure: it performs no I/O, holds no state and never mutates its
// inputs, so it may be called concurrently for different owners.
package diff

import (
	"math"

	"github.com/portfolio-briefing/internal/models"
)

// Materiality thresholds. Deltas at or below them are upstream noise.
const (
	QuantityThreshold = 0.001
	PriceThreshold    = 0.01
)

// Compute builds the change report between current and previous.
// A nil previous is a first run. current must not be nil, and both snapshots
// must have unique tickers; duplicates are silently collapsed by the lookup.
//
// Attribution values a trade at the previous price and a price move over the
// previous quantity. The cross term quantityDiff*priceDiff belongs to neither
// bucket, so the two do not sum to the value change when a ticker is traded
// and reprices in the same period.
//
// Thresholds compare raw float64 differences without rounding. A nominal
// move equal to a threshold may land on either side of it: 100 -> 100.01 is
// 0.010000000000005116 and counts as material, while 10 -> 10.001 does not.
func Compute(current, previous *models.Snapshot) *models.ChangeReport {
	if current == nil {
		panic("diff: current snapshot is nil")
	}

	report := &models.ChangeReport{
		Added:    []models.Holding{},
		Removed:  []models.Holding{},
		Modified: []models.HoldingChange{},
	}

	if previous == nil {
		report.IsFirstRun = true
		return report
	}

	today := current.ByTicker()
	yesterday := previous.ByTicker()

	var userAction, marketMovement float64

	// Added and modified follow today's holding order, removed follows
	// yesterday's, so the output is deterministic for a given pair.
	for _, ticker := range orderedTickers(current) {
		todayHolding := today[ticker]
		yesterdayHolding, existed := yesterday[ticker]

		if !existed {
			report.Added = append(report.Added, todayHolding)
			userAction += todayHolding.Value
			continue
		}

		quantityDiff := todayHolding.Quantity - yesterdayHolding.Quantity
		priceDiff := todayHolding.Price - yesterdayHolding.Price

		quantityChanged := IsMaterialQuantity(quantityDiff)
		priceChanged := IsMaterialPrice(priceDiff)
		if !quantityChanged && !priceChanged {
			continue
		}

		if quantityChanged {
			userAction += quantityDiff * yesterdayHolding.Price
		}
		if priceChanged {
			marketMovement += priceDiff * yesterdayHolding.Quantity
		}

		report.Modified = append(report.Modified, models.HoldingChange{
			Ticker:       ticker,
			Name:         todayHolding.Name,
			Previous:     yesterdayHolding,
			Current:      todayHolding,
			QuantityDiff: quantityDiff,
			PriceDiff:    priceDiff,
			ValueDiff:    todayHolding.Value - yesterdayHolding.Value,
		})
	}

	for _, ticker := range orderedTickers(previous) {
		if _, stillHeld := today[ticker]; stillHeld {
			continue
		}
		removed := yesterday[ticker]
		report.Removed = append(report.Removed, removed)
		userAction -= removed.Value
	}

	report.HasChanges = len(report.Added) > 0 || len(report.Removed) > 0 || len(report.Modified) > 0
	report.TotalValueChange = current.TotalValue - previous.TotalValue
	report.TotalValueChangePct = PercentChange(report.TotalValueChange, previous.TotalValue)
	report.Attribution = models.Attribution{
		UserActionValue:     userAction,
		MarketMovementValue: marketMovement,
	}
	report.Summary = models.ChangeSummary{
		AddedCount:   len(report.Added),
		RemovedCount: len(report.Removed),
		ChangedCount: len(report.Modified),
	}

	return report
}

// IsMaterialQuantity reports whether a quantity delta exceeds QuantityThreshold
func IsMaterialQuantity(delta float64) bool {
	return math.Abs(delta) > QuantityThreshold
}

// IsMaterialPrice reports whether a price delta exceeds PriceThreshold
func IsMaterialPrice(delta float64) bool {
	return math.Abs(delta) > PriceThreshold
}

// PercentChange returns change as a percentage of base, or 0 when base <= 0
func PercentChange(change, base float64) float64 {
	if base <= 0 {
		return 0
	}
	return change / base * 100
}

// orderedTickers lists each ticker of s once, at its last position, so that
// the ordering agrees with the last-write-wins lookup.
func orderedTickers(s *models.Snapshot) []string {
	last := make(map[string]int, len(s.Holdings))
	for i, h := range s.Holdings {
		last[h.Ticker] = i
	}

	tickers := make([]string, 0, len(last))
	for i, h := range s.Holdings {
		if last[h.Ticker] == i {
			tickers = append(tickers, h.Ticker)
		}
	}
	return tickers
}
