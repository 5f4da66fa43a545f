package models

// Attribution splits a value change into trades and price drift
type Attribution struct {
	UserActionValue     float64 `json:"userActionValue"`
	MarketMovementValue float64 `json:"marketMovementValue"`
}

// HoldingChange is a ticker present in both snapshots with a material change
type HoldingChange struct {
	Ticker       string  `json:"ticker"`
	Name         string  `json:"name"`
	Previous     Holding `json:"previous"`
	Current      Holding `json:"current"`
	QuantityDiff float64 `json:"quantityDiff"`
	PriceDiff    float64 `json:"priceDiff"`
	ValueDiff    float64 `json:"valueDiff"`
}

// ChangeSummary holds the list lengths of a change report
type ChangeSummary struct {
	AddedCount   int `json:"addedCount"`
	RemovedCount int `json:"removedCount"`
	ChangedCount int `json:"changedCount"`
}

// ChangeReport is the result of comparing today's snapshot with the previous one.
// On a first run every field except IsFirstRun is zero and the lists are empty.
type ChangeReport struct {
	IsFirstRun          bool            `json:"isFirstRun"`
	HasChanges          bool            `json:"hasChanges"`
	Added               []Holding       `json:"added"`
	Removed             []Holding       `json:"removed"`
	Modified            []HoldingChange `json:"modified"`
	TotalValueChange    float64         `json:"totalValueChange"`
	TotalValueChangePct float64         `json:"totalValueChangePct"`
	Attribution         Attribution     `json:"attribution"`
	Summary             ChangeSummary   `json:"summary"`
}
