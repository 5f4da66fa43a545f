// Package models provides data models for the portfolio briefing system.
package models

// Holding represents one security position within a snapshot.
// Ticker is the matching key across snapshots; Name is display only.
// Value is stored as reported by the source and may differ slightly from
// Quantity*Price (rounding, accrued components).
type Holding struct {
	Ticker   string  `json:"ticker" db:"ticker"`
	Name     string  `json:"name" db:"name"`
	Quantity float64 `json:"quantity" db:"quantity"`
	Price    float64 `json:"price" db:"price"`
	Value    float64 `json:"value" db:"value"`
}
