package model

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// CanonicalSeries is the joined quarterly table: one row per quarter-end date,
// one column per currency code. Dates are strictly increasing and unique.
// Missing observations are NaN. Holes spanning a single grid row are forward
// filled from the previous actual observation; longer gaps stay missing so
// cross-currency computations can skip those rows while single-currency ones
// keep working on whatever each currency observed.
type CanonicalSeries struct {
	dates []time.Time
	codes []string
	cols  map[string][]float64
}

// BuildCanonicalSeries joins per-currency records onto a shared date axis.
// Records must already be validated and sorted ascending by date. Currencies
// without any records are skipped; if nothing usable remains the constructor
// fails with ErrEmptySeries.
func BuildCanonicalSeries(codes []string, perCurrency map[string][]ExchangeRateRecord) (*CanonicalSeries, error) {
	dateSet := make(map[time.Time]struct{})
	kept := make([]string, 0, len(codes))
	for _, code := range codes {
		records := perCurrency[code]
		if len(records) == 0 {
			continue
		}
		kept = append(kept, code)
		for _, r := range records {
			dateSet[r.Date] = struct{}{}
		}
	}
	if len(kept) == 0 || len(dateSet) == 0 {
		return nil, fmt.Errorf("%w: no usable currencies", ErrEmptySeries)
	}

	dates := make([]time.Time, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	index := make(map[time.Time]int, len(dates))
	for i, d := range dates {
		index[d] = i
	}

	cols := make(map[string][]float64, len(kept))
	for _, code := range kept {
		col := make([]float64, len(dates))
		observed := make([]bool, len(dates))
		for i := range col {
			col[i] = math.NaN()
		}
		for _, r := range perCurrency[code] {
			i := index[r.Date]
			col[i] = r.Rate.InexactFloat64()
			observed[i] = true
		}
		// Bridge single-row holes from the last actual observation. Filled
		// values never seed further fills, so a two-quarter gap keeps its
		// second hole.
		for i := 1; i < len(col); i++ {
			if !observed[i] && math.IsNaN(col[i]) && observed[i-1] {
				col[i] = col[i-1]
			}
		}
		cols[code] = col
	}

	return &CanonicalSeries{dates: dates, codes: kept, cols: cols}, nil
}

// Len reports the number of grid rows.
func (s *CanonicalSeries) Len() int { return len(s.dates) }

// Dates returns a copy of the shared date axis.
func (s *CanonicalSeries) Dates() []time.Time {
	out := make([]time.Time, len(s.dates))
	copy(out, s.dates)
	return out
}

// Codes returns the currency columns in their configured order.
func (s *CanonicalSeries) Codes() []string {
	out := make([]string, len(s.codes))
	copy(out, s.codes)
	return out
}

// Column returns the raw grid column for a currency, NaN for missing rows.
func (s *CanonicalSeries) Column(code string) ([]float64, bool) {
	col, ok := s.cols[code]
	if !ok {
		return nil, false
	}
	out := make([]float64, len(col))
	copy(out, col)
	return out, true
}

// Value reports the grid cell for a currency at row i.
func (s *CanonicalSeries) Value(code string, i int) (float64, bool) {
	col, ok := s.cols[code]
	if !ok || i < 0 || i >= len(col) || math.IsNaN(col[i]) {
		return 0, false
	}
	return col[i], true
}

// Observations returns the currency's present grid cells in date order.
func (s *CanonicalSeries) Observations(code string) []Observation {
	col, ok := s.cols[code]
	if !ok {
		return nil
	}
	out := make([]Observation, 0, len(col))
	for i, v := range col {
		if math.IsNaN(v) {
			continue
		}
		out = append(out, Observation{Date: s.dates[i], Value: v})
	}
	return out
}

// Returns computes quarter-over-quarter percentage changes between
// consecutive observations of one currency, dated by the later observation.
func (s *CanonicalSeries) Returns(code string) []Observation {
	obs := s.Observations(code)
	if len(obs) < 2 {
		return nil
	}
	out := make([]Observation, 0, len(obs)-1)
	for i := 1; i < len(obs); i++ {
		prev := obs[i-1].Value
		if prev == 0 {
			continue
		}
		out = append(out, Observation{
			Date:  obs[i].Date,
			Value: (obs[i].Value - prev) / prev * 100,
		})
	}
	return out
}

// ReturnRows computes grid-aligned percentage changes for every currency.
// The returned axis is the grid minus its first row; a cell is NaN when
// either endpoint of the change is missing. Cross-currency statistics use
// only the rows where every currency has a value.
func (s *CanonicalSeries) ReturnRows() ([]time.Time, map[string][]float64) {
	if len(s.dates) < 2 {
		return nil, nil
	}
	axis := make([]time.Time, len(s.dates)-1)
	copy(axis, s.dates[1:])
	out := make(map[string][]float64, len(s.codes))
	for _, code := range s.codes {
		col := s.cols[code]
		rets := make([]float64, len(col)-1)
		for i := 1; i < len(col); i++ {
			prev, cur := col[i-1], col[i]
			if math.IsNaN(prev) || math.IsNaN(cur) || prev == 0 {
				rets[i-1] = math.NaN()
				continue
			}
			rets[i-1] = (cur - prev) / prev * 100
		}
		out[code] = rets
	}
	return axis, out
}

// FullReturnRows keeps only the return rows where every currency is present.
func (s *CanonicalSeries) FullReturnRows() ([]time.Time, map[string][]float64) {
	axis, rows := s.ReturnRows()
	if len(axis) == 0 {
		return nil, nil
	}
	keep := make([]int, 0, len(axis))
	for i := range axis {
		full := true
		for _, code := range s.codes {
			if math.IsNaN(rows[code][i]) {
				full = false
				break
			}
		}
		if full {
			keep = append(keep, i)
		}
	}
	outAxis := make([]time.Time, len(keep))
	out := make(map[string][]float64, len(s.codes))
	for _, code := range s.codes {
		vals := make([]float64, len(keep))
		for j, i := range keep {
			vals[j] = rows[code][i]
		}
		out[code] = vals
	}
	for j, i := range keep {
		outAxis[j] = axis[i]
	}
	return outAxis, out
}

// Filter returns the currency's observations restricted to [from, to].
// Zero bounds are open.
func (s *CanonicalSeries) Filter(code string, from, to time.Time) []Observation {
	obs := s.Observations(code)
	out := make([]Observation, 0, len(obs))
	for _, o := range obs {
		if !from.IsZero() && o.Date.Before(from) {
			continue
		}
		if !to.IsZero() && o.Date.After(to) {
			continue
		}
		out = append(out, o)
	}
	return out
}
