package storage

import (
	"context"
	"testing"
	"time"

	"github.com/portfolio-briefing/internal/models"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var (
	testToday     = time.Date(2025, 12, 2, 0, 0, 0, 0, time.UTC)
	testYesterday = time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
)

func sampleSnapshot(ownerID string, date time.Time) *models.Snapshot {
	s := models.NewSnapshot(ownerID, date, []models.Holding{
		{Ticker: "AAPL", Name: "Apple Inc.", Quantity: 10, Price: 160.25, Value: 1602.5},
		{Ticker: "MSFT", Name: "Microsoft", Quantity: 5.125, Price: 300.1, Value: 1538.0125},
		{Ticker: "VTI", Name: "Vanguard Total Market", Quantity: 0.333, Price: 0.1, Value: 0.0333},
	}, 2)
	s.CapturedAt = time.Date(2025, 12, 2, 7, 30, 0, 0, time.UTC)
	return s
}
