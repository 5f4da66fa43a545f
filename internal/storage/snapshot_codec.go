package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/portfolio-briefing/internal/models"
	"github.com/shopspring/decimal"
)

// Amounts are persisted as decimal strings so a stored snapshot reads back
// exactly what was written, whatever the backend's float handling.

type holdingDocument struct {
	Ticker   string          `json:"ticker"`
	Name     string          `json:"name"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Value    decimal.Decimal `json:"value"`
}

type snapshotDocument struct {
	OwnerID      string            `json:"ownerId"`
	Date         string            `json:"date"`
	Holdings     []holdingDocument `json:"holdings"`
	TotalValue   decimal.Decimal   `json:"totalValue"`
	AccountCount int               `json:"accountCount"`
	CapturedAt   time.Time         `json:"capturedAt"`
}

func toHoldingDocuments(holdings []models.Holding) []holdingDocument {
	docs := make([]holdingDocument, 0, len(holdings))
	for _, h := range holdings {
		docs = append(docs, holdingDocument{
			Ticker:   h.Ticker,
			Name:     h.Name,
			Quantity: decimal.NewFromFloat(h.Quantity),
			Price:    decimal.NewFromFloat(h.Price),
			Value:    decimal.NewFromFloat(h.Value),
		})
	}
	return docs
}

func fromHoldingDocuments(docs []holdingDocument) []models.Holding {
	holdings := make([]models.Holding, 0, len(docs))
	for _, d := range docs {
		holdings = append(holdings, models.Holding{
			Ticker:   d.Ticker,
			Name:     d.Name,
			Quantity: d.Quantity.InexactFloat64(),
			Price:    d.Price.InexactFloat64(),
			Value:    d.Value.InexactFloat64(),
		})
	}
	return holdings
}

// encodeHoldings serializes holdings for a JSONB column
func encodeHoldings(holdings []models.Holding) ([]byte, error) {
	data, err := json.Marshal(toHoldingDocuments(holdings))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal holdings: %w", err)
	}
	return data, nil
}

func decodeHoldings(data []byte) ([]models.Holding, error) {
	var docs []holdingDocument
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal holdings: %w", err)
	}
	return fromHoldingDocuments(docs), nil
}

// encodeSnapshot serializes a whole snapshot stored under (ownerID, date)
func encodeSnapshot(ownerID string, date time.Time, snapshot *models.Snapshot) ([]byte, error) {
	doc := snapshotDocument{
		OwnerID:      ownerID,
		Date:         models.DateKey(date),
		Holdings:     toHoldingDocuments(snapshot.Holdings),
		TotalValue:   decimal.NewFromFloat(snapshot.TotalValue),
		AccountCount: snapshot.AccountCount,
		CapturedAt:   snapshot.CapturedAt.UTC(),
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (*models.Snapshot, error) {
	var doc snapshotDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	date, err := models.ParseDateKey(doc.Date)
	if err != nil {
		return nil, fmt.Errorf("stored snapshot has bad date %q: %w", doc.Date, err)
	}

	return &models.Snapshot{
		OwnerID:      doc.OwnerID,
		Date:         date,
		Holdings:     fromHoldingDocuments(doc.Holdings),
		TotalValue:   doc.TotalValue.InexactFloat64(),
		AccountCount: doc.AccountCount,
		CapturedAt:   doc.CapturedAt,
	}, nil
}
