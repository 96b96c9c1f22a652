package model

import (
	"time"

	"github.com/google/uuid"
)

// Source kinds recorded in the run manifest per currency.
const (
	SourceFreshFetch = "fresh_fetch"
	SourceFreshCache = "fresh_cache"
	SourceStaleCache = "stale_cache"
)

// CurrencyManifest accounts for one currency's trip through the pipeline.
type CurrencyManifest struct {
	Code          string         `json:"code"`
	Source        string         `json:"source,omitempty"`
	RowsFetched   int            `json:"rows_fetched"`
	RowsFromCache int            `json:"rows_from_cache"`
	RowsDropped   map[string]int `json:"rows_dropped,omitempty"`
	RowsUsable    int            `json:"rows_usable"`
	FirstDate     string         `json:"first_date,omitempty"`
	LastDate      string         `json:"last_date,omitempty"`
	Degraded      bool           `json:"degraded,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Drop records a dropped row under the given reason.
func (m *CurrencyManifest) Drop(reason string, n int) {
	if n <= 0 {
		return
	}
	if m.RowsDropped == nil {
		m.RowsDropped = make(map[string]int)
	}
	m.RowsDropped[reason] += n
}

// DroppedTotal sums drops across reasons.
func (m *CurrencyManifest) DroppedTotal() int {
	total := 0
	for _, n := range m.RowsDropped {
		total += n
	}
	return total
}

// SetRange records the covered date range from sorted records.
func (m *CurrencyManifest) SetRange(records []ExchangeRateRecord) {
	m.RowsUsable = len(records)
	if len(records) == 0 {
		return
	}
	m.FirstDate = records[0].Date.Format(DateLayout)
	m.LastDate = records[len(records)-1].Date.Format(DateLayout)
}

// RunManifest describes a whole pipeline run: what was requested, where each
// currency's rows came from and what was dropped on the way in.
type RunManifest struct {
	RunID       string                       `json:"run_id"`
	StartedAt   time.Time                    `json:"started_at"`
	FinishedAt  time.Time                    `json:"finished_at"`
	WindowStart string                       `json:"window_start"`
	WindowEnd   string                       `json:"window_end"`
	Currencies  map[string]*CurrencyManifest `json:"currencies"`
	Warnings    []string                     `json:"warnings,omitempty"`
}

// NewRunManifest starts a manifest for the given query window.
func NewRunManifest(start, end time.Time) *RunManifest {
	return &RunManifest{
		RunID:       uuid.NewString(),
		StartedAt:   time.Now().UTC(),
		WindowStart: start.Format(DateLayout),
		WindowEnd:   end.Format(DateLayout),
		Currencies:  make(map[string]*CurrencyManifest),
	}
}

// Currency returns (creating on first use) the per-currency manifest.
func (r *RunManifest) Currency(code string) *CurrencyManifest {
	if m, ok := r.Currencies[code]; ok {
		return m
	}
	m := &CurrencyManifest{Code: code}
	r.Currencies[code] = m
	return m
}

// Warn appends a run-level warning.
func (r *RunManifest) Warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Finish stamps the completion time.
func (r *RunManifest) Finish() {
	r.FinishedAt = time.Now().UTC()
}

// UsableCurrencies lists codes that contributed rows, in no particular order.
func (r *RunManifest) UsableCurrencies() []string {
	out := make([]string, 0, len(r.Currencies))
	for code, m := range r.Currencies {
		if m.RowsUsable > 0 {
			out = append(out, code)
		}
	}
	return out
}
