package types

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: formatting a UTC day with DateLayout and parsing it back yields the same day
func TestDateLayoutRoundTrip(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("day survives format and parse", prop.ForAll(
		func(days int) bool {
			day := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)
			parsed, err := time.Parse(DateLayout, day.Format(DateLayout))
			return err == nil && parsed.Equal(day)
		},
		gen.IntRange(0, 20000),
	))

	properties.TestingRun(t)
}
