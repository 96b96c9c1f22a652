package treasury

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fxflow/internal/model"
)

// Row is one exchange-rate observation as served by the Fiscal Data API.
// All fields arrive as strings.
type Row struct {
	CountryCurrencyDesc string `json:"country_currency_desc"`
	ExchangeRate        string `json:"exchange_rate"`
	RecordDate          string `json:"record_date"`
}

// Payload is the canonical cached form of a fetch: every row from every
// page folded into a single data array.
type Payload struct {
	Data []Row `json:"data"`
}

type pageMeta struct {
	Count      int `json:"count"`
	TotalCount int `json:"total-count"`
	TotalPages int `json:"total-pages"`
}

type pageLinks struct {
	Self string `json:"self"`
	Next string `json:"next"`
}

type page struct {
	Data  []Row
	Meta  pageMeta
	Links pageLinks
}

// decodePage parses one API page. A body that is not JSON or is missing
// the data array fails outright; rows are not repaired.
func decodePage(body []byte) (*page, error) {
	var probe struct {
		Data  json.RawMessage `json:"data"`
		Meta  pageMeta        `json:"meta"`
		Links pageLinks       `json:"links"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	if probe.Data == nil {
		return nil, fmt.Errorf("response has no data array")
	}

	var rows []Row
	if err := json.Unmarshal(probe.Data, &rows); err != nil {
		return nil, fmt.Errorf("decode data rows: %w", err)
	}

	return &page{Data: rows, Meta: probe.Meta, Links: probe.Links}, nil
}

// parseRow checks one row against the requested currency and parses its
// date and rate. The client fails the whole fetch on the first violation.
func parseRow(row Row, currencyName string) (time.Time, decimal.Decimal, error) {
	if row.CountryCurrencyDesc != currencyName {
		return time.Time{}, decimal.Decimal{}, fmt.Errorf("unexpected country_currency_desc %q, want %q", row.CountryCurrencyDesc, currencyName)
	}
	date, err := time.Parse(model.DateLayout, row.RecordDate)
	if err != nil {
		return time.Time{}, decimal.Decimal{}, fmt.Errorf("invalid record_date %q: %w", row.RecordDate, err)
	}
	rate, err := decimal.NewFromString(row.ExchangeRate)
	if err != nil {
		return time.Time{}, decimal.Decimal{}, fmt.Errorf("invalid exchange_rate %q: %w", row.ExchangeRate, err)
	}
	return date, rate, nil
}

// ParsePayload decodes a cached payload back into rows. Unlike decodePage
// it only checks structure; row-level checks belong to the pipeline's
// validation pass.
func ParsePayload(payload []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode cached payload: %w", err)
	}
	if p.Data == nil {
		return nil, fmt.Errorf("cached payload has no data array")
	}
	return &p, nil
}
