package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the wire format used by the fiscal data API for record dates
// and everywhere fxflow renders a date.
const DateLayout = "2006-01-02"

// Currency pairs a short code with the country_currency_desc label the
// Treasury API uses to identify a series (e.g. "EUR" / "Euro Zone-Euro").
type Currency struct {
	Code string `yaml:"code" json:"code"`
	Name string `yaml:"name" json:"name"`
}

// ExchangeRateRecord is a single quarter-end exchange rate observation in
// foreign currency units per USD. Records are unique per (currency, date).
// Rate keeps the exact decimal string the API returned; FetchedAt records
// when the payload carrying the observation was retrieved so duplicate dates
// can be resolved in favour of the most recent fetch.
type ExchangeRateRecord struct {
	CurrencyCode string
	Date         time.Time
	Rate         decimal.Decimal
	FetchedAt    time.Time
}

// Observation is a dated float sample taken from the canonical series.
type Observation struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// ParseDate parses a YYYY-MM-DD string into a UTC timestamp at midnight.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}
