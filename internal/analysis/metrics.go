package analysis

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"fxflow/internal/model"
)

// trendHorizons are the look-back distances, in quarters, used for trend
// analysis: one quarter, one year, two years.
var trendHorizons = []int{1, 4, 8}

// rollingWindow is the trailing window, in return observations, for
// rolling volatility.
const rollingWindow = 4

// annualFactor scales quarterly volatility to a yearly figure (sqrt of 4).
const annualFactor = 2.0

// Summary holds the headline statistics for one currency.
type Summary struct {
	CurrentRate  float64  `json:"current_rate"`
	CurrentDate  string   `json:"current_date"`
	MinRate      float64  `json:"min_rate"`
	MaxRate      float64  `json:"max_rate"`
	MeanRate     float64  `json:"mean_rate"`
	StdRate      *float64 `json:"std_rate,omitempty"`
	Observations int      `json:"observations"`
	FirstDate    string   `json:"first_date"`
	LastDate     string   `json:"last_date"`
}

// Trend is the percentage change over one look-back horizon.
type Trend struct {
	HorizonQuarters int     `json:"horizon_quarters"`
	ChangePct       float64 `json:"change_pct"`
	Direction       string  `json:"direction"`
}

// Volatility carries the rolling volatility series for one currency plus
// headline figures derived from it. Values are sample standard deviations
// of quarter-over-quarter percentage changes over a trailing window.
type Volatility struct {
	Points            []model.Observation `json:"points"`
	Current           float64             `json:"current"`
	Average           float64             `json:"average"`
	AnnualizedCurrent float64             `json:"annualized_current"`
	Percentile        float64             `json:"percentile"`
}

// Correlation is the Pearson matrix over quarter-over-quarter returns,
// computed from rows where every currency has a value.
type Correlation struct {
	Currencies  []string    `json:"currencies,omitempty"`
	Matrix      [][]float64 `json:"matrix,omitempty"`
	Samples     int         `json:"samples"`
	Unavailable bool        `json:"unavailable,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// Extremes marks the single highest and lowest observation of a currency.
// Ties resolve to the earliest date.
type Extremes struct {
	HighestRate float64 `json:"highest_rate"`
	HighestDate string  `json:"highest_date"`
	LowestRate  float64 `json:"lowest_rate"`
	LowestDate  string  `json:"lowest_date"`
	RangePct    float64 `json:"range_pct"`
}

// YoYChange is the percentage change between the last observations of two
// consecutive calendar years.
type YoYChange struct {
	Year      int     `json:"year"`
	Rate      float64 `json:"rate"`
	ChangePct float64 `json:"yoy_change_pct"`
}

// MetricsBundle is the full analysis output for one series.
type MetricsBundle struct {
	ComputedAt  time.Time              `json:"computed_at"`
	WindowStart string                 `json:"window_start"`
	WindowEnd   string                 `json:"window_end"`
	Summaries   map[string]*Summary    `json:"summary_stats"`
	Trends      map[string][]Trend     `json:"trends"`
	Volatility  map[string]*Volatility `json:"volatility"`
	Correlation *Correlation           `json:"correlations"`
	Extremes    map[string]*Extremes   `json:"extremes"`
	YoY         map[string][]YoYChange `json:"yoy_changes"`
}

// Compute derives every metric the series supports. Statistics that need
// more data than a currency has are left out rather than zeroed. The only
// error is an empty series.
func Compute(series *model.CanonicalSeries) (*MetricsBundle, error) {
	if series == nil || series.Len() == 0 {
		return nil, fmt.Errorf("compute metrics: %w", model.ErrEmptySeries)
	}

	dates := series.Dates()
	bundle := &MetricsBundle{
		ComputedAt:  time.Now().UTC(),
		WindowStart: dates[0].Format(model.DateLayout),
		WindowEnd:   dates[len(dates)-1].Format(model.DateLayout),
		Summaries:   make(map[string]*Summary),
		Trends:      make(map[string][]Trend),
		Volatility:  make(map[string]*Volatility),
		Extremes:    make(map[string]*Extremes),
		YoY:         make(map[string][]YoYChange),
	}

	for _, code := range series.Codes() {
		obs := series.Observations(code)
		if len(obs) == 0 {
			continue
		}

		bundle.Summaries[code] = summarize(obs)
		bundle.Extremes[code] = extremes(obs)

		if tr := trends(obs); len(tr) > 0 {
			bundle.Trends[code] = tr
		}
		if vol := rollingVolatility(series.Returns(code)); vol != nil {
			bundle.Volatility[code] = vol
		}
		if yoy := yoyChanges(obs); len(yoy) > 0 {
			bundle.YoY[code] = yoy
		}
	}

	bundle.Correlation = correlation(series)

	return bundle, nil
}

func summarize(obs []model.Observation) *Summary {
	values := make([]float64, len(obs))
	for i, o := range obs {
		values[i] = o.Value
	}

	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	s := &Summary{
		CurrentRate:  obs[len(obs)-1].Value,
		CurrentDate:  obs[len(obs)-1].Date.Format(model.DateLayout),
		MinRate:      min,
		MaxRate:      max,
		MeanRate:     stat.Mean(values, nil),
		Observations: len(obs),
		FirstDate:    obs[0].Date.Format(model.DateLayout),
		LastDate:     obs[len(obs)-1].Date.Format(model.DateLayout),
	}

	if len(values) >= 2 {
		sd := stat.StdDev(values, nil)
		s.StdRate = &sd
	}

	return s
}

func trends(obs []model.Observation) []Trend {
	out := make([]Trend, 0, len(trendHorizons))
	latest := obs[len(obs)-1].Value

	for _, h := range trendHorizons {
		if len(obs) < h+1 {
			continue
		}
		past := obs[len(obs)-1-h].Value
		if past == 0 {
			continue
		}
		change := (latest - past) / past * 100

		direction := "flat"
		if change > 0 {
			direction = "up"
		} else if change < 0 {
			direction = "down"
		}

		out = append(out, Trend{HorizonQuarters: h, ChangePct: change, Direction: direction})
	}

	return out
}

// rollingVolatility computes the trailing sample standard deviation of the
// return series, dated by the window's last return. Returns nil when the
// series is too short for a single window.
func rollingVolatility(returns []model.Observation) *Volatility {
	if len(returns) < rollingWindow {
		return nil
	}

	window := make([]float64, rollingWindow)
	points := make([]model.Observation, 0, len(returns)-rollingWindow+1)
	for i := rollingWindow - 1; i < len(returns); i++ {
		for j := 0; j < rollingWindow; j++ {
			window[j] = returns[i-rollingWindow+1+j].Value
		}
		points = append(points, model.Observation{
			Date:  returns[i].Date,
			Value: stat.StdDev(window, nil),
		})
	}

	current := points[len(points)-1].Value

	sum := 0.0
	below := 0
	for _, p := range points {
		sum += p.Value
		if p.Value < current {
			below++
		}
	}

	return &Volatility{
		Points:            points,
		Current:           current,
		Average:           sum / float64(len(points)),
		AnnualizedCurrent: current * annualFactor,
		Percentile:        float64(below) / float64(len(points)) * 100,
	}
}

func correlation(series *model.CanonicalSeries) *Correlation {
	codes := series.Codes()
	axis, rows := series.FullReturnRows()

	if len(axis) < 2 {
		return &Correlation{
			Samples:     len(axis),
			Unavailable: true,
			Reason:      "fewer than 2 complete return observations",
		}
	}

	matrix := make([][]float64, len(codes))
	for i := range matrix {
		matrix[i] = make([]float64, len(codes))
		matrix[i][i] = 1
	}

	for i := 0; i < len(codes); i++ {
		for j := i + 1; j < len(codes); j++ {
			c := stat.Correlation(rows[codes[i]], rows[codes[j]], nil)
			if math.IsNaN(c) {
				return &Correlation{
					Samples:     len(axis),
					Unavailable: true,
					Reason:      "zero variance in quarter-over-quarter returns",
				}
			}
			matrix[i][j] = c
			matrix[j][i] = c
		}
	}

	return &Correlation{Currencies: codes, Matrix: matrix, Samples: len(axis)}
}

func extremes(obs []model.Observation) *Extremes {
	hi, lo := obs[0], obs[0]
	for _, o := range obs[1:] {
		if o.Value > hi.Value {
			hi = o
		}
		if o.Value < lo.Value {
			lo = o
		}
	}

	e := &Extremes{
		HighestRate: hi.Value,
		HighestDate: hi.Date.Format(model.DateLayout),
		LowestRate:  lo.Value,
		LowestDate:  lo.Date.Format(model.DateLayout),
	}
	if lo.Value != 0 {
		e.RangePct = (hi.Value - lo.Value) / lo.Value * 100
	}

	return e
}

func yoyChanges(obs []model.Observation) []YoYChange {
	lastPerYear := make(map[int]float64)
	years := make([]int, 0, 8)
	for _, o := range obs {
		y := o.Date.Year()
		if _, seen := lastPerYear[y]; !seen {
			years = append(years, y)
		}
		lastPerYear[y] = o.Value
	}
	sort.Ints(years)

	out := make([]YoYChange, 0, len(years))
	for _, y := range years {
		prev, ok := lastPerYear[y-1]
		if !ok || prev == 0 {
			continue
		}
		out = append(out, YoYChange{
			Year:      y,
			Rate:      lastPerYear[y],
			ChangePct: (lastPerYear[y] - prev) / prev * 100,
		})
	}

	return out
}

// HistogramBin is one equal-width bucket of a return distribution.
type HistogramBin struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Count int     `json:"count"`
}

// HistogramBins buckets values into n equal-width bins spanning
// [min, max]. The last bin includes the maximum.
func HistogramBins(values []float64, n int) []HistogramBin {
	if n <= 0 || len(values) == 0 {
		return nil
	}

	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	bins := make([]HistogramBin, n)
	width := (max - min) / float64(n)
	for i := range bins {
		bins[i].Lower = min + float64(i)*width
		bins[i].Upper = min + float64(i+1)*width
	}
	bins[n-1].Upper = max

	if width == 0 {
		bins[0].Count = len(values)
		return bins[:1]
	}

	for _, v := range values {
		idx := int((v - min) / width)
		if idx >= n {
			idx = n - 1
		}
		bins[idx].Count++
	}

	return bins
}
