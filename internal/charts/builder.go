// Package charts renders the analysis output as self-contained HTML
// documents via go-echarts. Builders only shape data for presentation;
// statistics come in through the metrics bundle.
package charts

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"fxflow/internal/analysis"
	"fxflow/internal/model"
	"fxflow/logger"
)

// Chart names double as output file names (<name>.html) and as the
// :name parameter of the dashboard chart endpoint.
const (
	ChartTimeSeries   = "time_series"
	ChartVolatility   = "volatility"
	ChartYoY          = "yoy_comparison"
	ChartCorrelation  = "correlation"
	ChartDistribution = "distribution"
	ChartPerformance  = "performance_summary"
)

// ErrUnknownChart reports a chart name outside Names().
var ErrUnknownChart = errors.New("unknown chart")

// Names lists every chart in render order.
func Names() []string {
	return []string{
		ChartTimeSeries,
		ChartVolatility,
		ChartYoY,
		ChartCorrelation,
		ChartDistribution,
		ChartPerformance,
	}
}

// currencyColors pins the flagship currencies to stable colors. Anything
// else picks from the fallback palette by column order.
var currencyColors = map[string]string{
	"EUR": "#003399",
	"GBP": "#C8102E",
	"CAD": "#FF0000",
}

var fallbackPalette = []string{
	"#2f4554", "#61a0a8", "#d48265", "#91c7ae", "#749f83", "#ca8622",
}

func colorFor(code string, ordinal int) string {
	if c, ok := currencyColors[code]; ok {
		return c
	}
	return fallbackPalette[ordinal%len(fallbackPalette)]
}

// distributionBins is the bucket count for the returns histogram.
// Quarterly windows rarely exceed a few dozen observations.
const distributionBins = 12

// emptyAxis is the echarts placeholder for a missing data point.
const emptyAxis = "-"

// Builder renders charts from a canonical series and its metrics bundle.
type Builder struct {
	log *logger.Entry
}

func NewBuilder(log *logger.Log) *Builder {
	return &Builder{log: log.WithComponent("charts")}
}

// Render writes the named chart as a complete HTML document. A nil series
// or bundle produces an explanatory empty chart instead of an error.
func (b *Builder) Render(w io.Writer, name string, series *model.CanonicalSeries, bundle *analysis.MetricsBundle) error {
	switch name {
	case ChartTimeSeries:
		return b.TimeSeries(series, bundle).Render(w)
	case ChartVolatility:
		return b.RollingVolatility(series, bundle).Render(w)
	case ChartYoY:
		return b.YearOverYear(series, bundle).Render(w)
	case ChartCorrelation:
		return b.CorrelationHeatmap(series, bundle).Render(w)
	case ChartDistribution:
		return b.ReturnDistribution(series, bundle).Render(w)
	case ChartPerformance:
		return b.PerformanceDashboard(series, bundle).Render(w)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownChart, name)
	}
}

// RenderAll writes every chart under dir and returns the written paths.
func (b *Builder) RenderAll(series *model.CanonicalSeries, bundle *analysis.MetricsBundle, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create charts dir: %w", err)
	}

	paths := make([]string, 0, len(Names()))
	for _, name := range Names() {
		var buf bytes.Buffer
		if err := b.Render(&buf, name, series, bundle); err != nil {
			return paths, fmt.Errorf("render chart %s: %w", name, err)
		}

		path := filepath.Join(dir, name+".html")
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			return paths, fmt.Errorf("write chart %s: %w", name, err)
		}

		logger.IncrementReportWrite(int64(buf.Len()))
		logger.RecordFlow("report_write", buf.Len())
		b.log.WithFields(logger.Fields{"chart": name, "path": path, "bytes": buf.Len()}).Debug("chart rendered")
		paths = append(paths, path)
	}

	b.log.WithFields(logger.Fields{"charts": len(paths), "dir": dir}).Info("charts rendered")
	return paths, nil
}

// TimeSeries draws one exchange rate line per currency over the shared
// date axis with a data-zoom slider.
func (b *Builder) TimeSeries(series *model.CanonicalSeries, _ *analysis.MetricsBundle) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "USD Exchange Rates", Width: "1100px", Height: "520px"}),
		charts.WithTitleOpts(opts.Title{Title: "USD Exchange Rates", Subtitle: subtitleOrEmpty(series != nil && series.Len() > 0, "Foreign currency units per 1 USD, quarter end")}),
		charts.WithTooltipOpts(opts.Tooltip{Show: true, Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: true, Left: "1%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Date"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Rate", Scale: true}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", Start: 0, End: 100}),
	)

	if series == nil || series.Len() == 0 {
		return line
	}

	line.SetXAxis(dateLabels(series.Dates()))
	for i, code := range series.Codes() {
		col, _ := series.Column(code)
		data := make([]opts.LineData, len(col))
		for j, v := range col {
			if math.IsNaN(v) {
				data[j] = opts.LineData{Value: emptyAxis}
				continue
			}
			data[j] = opts.LineData{Value: v}
		}
		c := colorFor(code, i)
		line.AddSeries(code+"/USD", data,
			charts.WithLineStyleOpts(opts.LineStyle{Color: c, Width: 2}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: c}),
		)
	}

	return line
}

// RollingVolatility draws the trailing volatility series per currency,
// aligned on the shared date axis so currencies stay comparable.
func (b *Builder) RollingVolatility(series *model.CanonicalSeries, bundle *analysis.MetricsBundle) *charts.Line {
	line := charts.NewLine()

	hasData := series != nil && bundle != nil && len(bundle.Volatility) > 0
	subtitle := "Sample std dev of quarter-over-quarter % changes, trailing 4 quarters"
	if !hasData {
		subtitle = "Needs at least five observations per currency"
	}

	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Rolling Volatility", Width: "1100px", Height: "520px"}),
		charts.WithTitleOpts(opts.Title{Title: "4-Quarter Rolling Volatility", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: true, Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: true, Left: "1%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Date"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Volatility (% quarterly std dev)", Scale: true}),
	)

	if !hasData {
		return line
	}

	labels := dateLabels(series.Dates())
	line.SetXAxis(labels)
	for i, code := range series.Codes() {
		vol := bundle.Volatility[code]
		if vol == nil {
			continue
		}
		byDate := make(map[string]float64, len(vol.Points))
		for _, p := range vol.Points {
			byDate[p.Date.Format(model.DateLayout)] = roundTo(p.Value, 4)
		}
		data := make([]opts.LineData, len(labels))
		for j, d := range labels {
			if v, ok := byDate[d]; ok {
				data[j] = opts.LineData{Value: v}
				continue
			}
			data[j] = opts.LineData{Value: emptyAxis}
		}
		c := colorFor(code, i)
		line.AddSeries(code, data,
			charts.WithLineStyleOpts(opts.LineStyle{Color: c, Width: 2}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: c}),
		)
	}

	return line
}

// YearOverYear draws grouped bars of year-end percentage changes.
func (b *Builder) YearOverYear(series *model.CanonicalSeries, bundle *analysis.MetricsBundle) *charts.Bar {
	bar := charts.NewBar()

	hasData := series != nil && bundle != nil && len(bundle.YoY) > 0
	subtitle := "Change between the last observations of consecutive years"
	if !hasData {
		subtitle = "Needs observations in at least two consecutive years"
	}

	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Year-over-Year Changes", Width: "1100px", Height: "520px"}),
		charts.WithTitleOpts(opts.Title{Title: "Year-over-Year Exchange Rate Changes", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: true, Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: true, Left: "1%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Year"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Change (%)"}),
	)

	if !hasData {
		return bar
	}

	yearSet := make(map[int]struct{})
	for _, changes := range bundle.YoY {
		for _, c := range changes {
			yearSet[c.Year] = struct{}{}
		}
	}
	years := make([]int, 0, len(yearSet))
	for y := range yearSet {
		years = append(years, y)
	}
	sort.Ints(years)

	labels := make([]string, len(years))
	for i, y := range years {
		labels[i] = strconv.Itoa(y)
	}
	bar.SetXAxis(labels)

	for i, code := range series.Codes() {
		byYear := make(map[int]float64, len(bundle.YoY[code]))
		for _, c := range bundle.YoY[code] {
			byYear[c.Year] = roundTo(c.ChangePct, 4)
		}
		data := make([]opts.BarData, len(years))
		for j, y := range years {
			if v, ok := byYear[y]; ok {
				data[j] = opts.BarData{Value: v}
				continue
			}
			data[j] = opts.BarData{Value: emptyAxis}
		}
		bar.AddSeries(code, data, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorFor(code, i)}))
	}

	return bar
}

// CorrelationHeatmap draws the currency correlation matrix with the
// coefficient printed in each cell.
func (b *Builder) CorrelationHeatmap(series *model.CanonicalSeries, bundle *analysis.MetricsBundle) *charts.HeatMap {
	hm := charts.NewHeatMap()

	var corr *analysis.Correlation
	if bundle != nil {
		corr = bundle.Correlation
	}
	hasData := corr != nil && !corr.Unavailable && len(corr.Matrix) > 0

	subtitle := "Pearson, quarter-over-quarter % changes, complete rows only"
	if corr != nil && corr.Unavailable {
		subtitle = "Unavailable: " + corr.Reason
	} else if !hasData {
		subtitle = "No data available yet"
	}

	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Currency Correlation Matrix", Width: "640px", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Currency Correlation Matrix", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: true, Trigger: "item"}),
	)

	if !hasData {
		return hm
	}

	codes := corr.Currencies
	hm.SetGlobalOptions(
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Data: codes, SplitArea: &opts.SplitArea{Show: true}}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: codes, SplitArea: &opts.SplitArea{Show: true}}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Calculable: true,
			Min:        -1,
			Max:        1,
			InRange:    &opts.VisualMapInRange{Color: []string{"#C8102E", "#f7f7f7", "#003399"}},
		}),
	)

	data := make([]opts.HeatMapData, 0, len(codes)*len(codes))
	for i := range codes {
		for j := range codes {
			data = append(data, opts.HeatMapData{Value: [3]interface{}{i, j, roundTo(corr.Matrix[j][i], 2)}})
		}
	}

	hm.SetXAxis(codes).AddSeries("correlation", data,
		charts.WithLabelOpts(opts.Label{
			Show:      true,
			Formatter: opts.FuncOpts("function (params) { return params.value[2]; }"),
		}),
	)

	return hm
}

// ReturnDistribution buckets quarter-over-quarter returns into shared
// equal-width bins and draws one bar series per currency.
func (b *Builder) ReturnDistribution(series *model.CanonicalSeries, _ *analysis.MetricsBundle) *charts.Bar {
	bar := charts.NewBar()

	var pooled []float64
	var perCode map[string][]float64
	if series != nil {
		perCode = make(map[string][]float64, len(series.Codes()))
		for _, code := range series.Codes() {
			rets := series.Returns(code)
			vals := make([]float64, len(rets))
			for i, r := range rets {
				vals[i] = r.Value
			}
			perCode[code] = vals
			pooled = append(pooled, vals...)
		}
	}

	subtitle := "Quarter-over-quarter % changes"
	if len(pooled) == 0 {
		subtitle = "Needs at least two observations per currency"
	}

	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Distribution of Quarterly Returns", Width: "1100px", Height: "520px"}),
		charts.WithTitleOpts(opts.Title{Title: "Distribution of Quarterly Returns (%)", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: true, Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: true, Left: "1%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Quarterly Return (%)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Frequency"}),
	)

	if len(pooled) == 0 {
		return bar
	}

	bins := analysis.HistogramBins(pooled, distributionBins)
	labels := make([]string, len(bins))
	for i, bin := range bins {
		labels[i] = fmt.Sprintf("%.1f to %.1f", bin.Lower, bin.Upper)
	}
	bar.SetXAxis(labels)

	for i, code := range series.Codes() {
		counts := countIntoBins(bins, perCode[code])
		data := make([]opts.BarData, len(counts))
		for j, n := range counts {
			data[j] = opts.BarData{Value: n}
		}
		bar.AddSeries(code, data, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorFor(code, i), Opacity: 0.85}))
	}

	return bar
}

// PerformanceDashboard assembles four small bar panels: current rates,
// observed ranges, and the one-quarter and one-year trends.
func (b *Builder) PerformanceDashboard(series *model.CanonicalSeries, bundle *analysis.MetricsBundle) *components.Page {
	page := components.NewPage()
	page.PageTitle = "Currency Performance Dashboard"
	page.SetLayout(components.PageFlexLayout)

	var codes []string
	if series != nil {
		codes = series.Codes()
	}

	current := make([]opts.BarData, len(codes))
	ranges := make([]opts.BarData, len(codes))
	oneQuarter := make([]opts.BarData, len(codes))
	oneYear := make([]opts.BarData, len(codes))

	for i, code := range codes {
		style := &opts.ItemStyle{Color: colorFor(code, i)}

		current[i] = opts.BarData{Value: emptyAxis, ItemStyle: style}
		ranges[i] = opts.BarData{Value: emptyAxis, ItemStyle: style}
		oneQuarter[i] = opts.BarData{Value: emptyAxis, ItemStyle: style}
		oneYear[i] = opts.BarData{Value: emptyAxis, ItemStyle: style}

		if bundle == nil {
			continue
		}
		if s := bundle.Summaries[code]; s != nil {
			current[i].Value = roundTo(s.CurrentRate, 4)
			ranges[i].Value = roundTo(s.MaxRate-s.MinRate, 4)
		}
		for _, tr := range bundle.Trends[code] {
			switch tr.HorizonQuarters {
			case 1:
				oneQuarter[i].Value = roundTo(tr.ChangePct, 4)
			case 4:
				oneYear[i].Value = roundTo(tr.ChangePct, 4)
			}
		}
	}

	page.AddCharts(
		panelBar("Current Rates", "Rate", codes, current),
		panelBar("Rate Ranges", "Max minus min", codes, ranges),
		panelBar("1-Quarter Change", "Change (%)", codes, oneQuarter),
		panelBar("1-Year Change", "Change (%)", codes, oneYear),
	)

	return page
}

func panelBar(title, yName string, codes []string, data []opts.BarData) *charts.Bar {
	bar := charts.NewBar()
	subtitle := ""
	if len(codes) == 0 {
		subtitle = "No data available yet"
	}
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "540px", Height: "340px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: true, Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Name: yName}),
	)
	if len(codes) == 0 {
		return bar
	}
	bar.SetXAxis(codes).AddSeries(title, data)
	return bar
}

func countIntoBins(bins []analysis.HistogramBin, values []float64) []int {
	counts := make([]int, len(bins))
	if len(bins) == 0 {
		return counts
	}
	min := bins[0].Lower
	max := bins[len(bins)-1].Upper
	width := (max - min) / float64(len(bins))
	for _, v := range values {
		if v < min || v > max {
			continue
		}
		idx := 0
		if width > 0 {
			idx = int((v - min) / width)
			if idx >= len(bins) {
				idx = len(bins) - 1
			}
		}
		counts[idx]++
	}
	return counts
}

func dateLabels(dates []time.Time) []string {
	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = d.Format(model.DateLayout)
	}
	return out
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func subtitleOrEmpty(hasData bool, subtitle string) string {
	if hasData {
		return subtitle
	}
	return "No data available yet"
}
