package models

import (
	"time"
)

// ChangeHistoryEntry is one processed owner/day kept for trend queries
type ChangeHistoryEntry struct {
	OwnerID    string        `json:"ownerId"`
	Date       time.Time     `json:"date"`
	RunID      string        `json:"runId"`
	TotalValue float64       `json:"totalValue"`
	Report     *ChangeReport `json:"report"`
	CreatedAt  time.Time     `json:"createdAt"`
}
