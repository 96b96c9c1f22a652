// Package report persists a run's outputs: the JSON summary, dataset
// exports (CSV, Parquet) and optional S3 publication of the artifacts.
package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"fxflow/internal/analysis"
	"fxflow/internal/metrics"
	"fxflow/internal/model"
	"fxflow/logger"
)

// Artifact file names under the output dir.
const (
	SummaryFile = "summary_report.json"
	CSVFile     = "exchange_rates.csv"
	ParquetFile = "exchange_rates.parquet"
)

// Writer persists run artifacts under a single output directory.
type Writer struct {
	dir string
	log *logger.Log
}

func NewWriter(dir string, log *logger.Log) *Writer {
	return &Writer{dir: dir, log: log}
}

type artifact struct {
	path    string
	bytes   int64
	records int
}

// WriteAll persists every artifact and returns their paths in write order.
// Writer statistics are reported whether or not a step fails.
func (w *Writer) WriteAll(series *model.CanonicalSeries, bundle *analysis.MetricsBundle, manifest *model.RunManifest) ([]string, error) {
	stats := metrics.WriterStats{}
	paths := make([]string, 0, 3)

	steps := []struct {
		name string
		run  func() (artifact, error)
	}{
		{SummaryFile, func() (artifact, error) { return w.summaryArtifact(bundle, manifest) }},
		{CSVFile, func() (artifact, error) { return w.csvArtifact(series) }},
		{ParquetFile, func() (artifact, error) { return w.parquetArtifact(series) }},
	}

	for _, step := range steps {
		a, err := step.run()
		if err != nil {
			stats.ErrorsCount++
			metrics.ReportWriter(w.log, "report", stats)
			return paths, fmt.Errorf("write %s: %w", step.name, err)
		}
		stats.ArtifactsWritten++
		stats.RowsWritten += int64(a.records)
		stats.BytesWritten += a.bytes
		paths = append(paths, a.path)
	}

	metrics.ReportWriter(w.log, "report", stats)
	return paths, nil
}

// WriteSummary writes summary_report.json.
func (w *Writer) WriteSummary(bundle *analysis.MetricsBundle, manifest *model.RunManifest) (string, error) {
	a, err := w.summaryArtifact(bundle, manifest)
	return a.path, err
}

// WriteCSV writes exchange_rates.csv: one row per date, one column per
// currency, empty cells for missing observations.
func (w *Writer) WriteCSV(series *model.CanonicalSeries) (string, error) {
	a, err := w.csvArtifact(series)
	return a.path, err
}

// WriteParquet writes exchange_rates.parquet in long format.
func (w *Writer) WriteParquet(series *model.CanonicalSeries) (string, error) {
	a, err := w.parquetArtifact(series)
	return a.path, err
}

func (w *Writer) summaryArtifact(bundle *analysis.MetricsBundle, manifest *model.RunManifest) (artifact, error) {
	if bundle == nil {
		return artifact{}, fmt.Errorf("no metrics bundle")
	}

	data, err := json.MarshalIndent(buildSummaryDocument(bundle, manifest), "", "  ")
	if err != nil {
		return artifact{}, fmt.Errorf("encode summary report: %w", err)
	}

	return w.writeArtifact(SummaryFile, data, len(bundle.Summaries), "json")
}

func (w *Writer) csvArtifact(series *model.CanonicalSeries) (artifact, error) {
	if series == nil || series.Len() == 0 {
		return artifact{}, fmt.Errorf("export dataset: %w", model.ErrEmptySeries)
	}

	codes := series.Codes()
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)

	header := append([]string{"date"}, codes...)
	if err := cw.Write(header); err != nil {
		return artifact{}, fmt.Errorf("write csv header: %w", err)
	}

	for i, d := range series.Dates() {
		row := make([]string, 0, len(codes)+1)
		row = append(row, d.Format(model.DateLayout))
		for _, code := range codes {
			if v, ok := series.Value(code, i); ok {
				row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
				continue
			}
			row = append(row, "")
		}
		if err := cw.Write(row); err != nil {
			return artifact{}, fmt.Errorf("write csv row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return artifact{}, fmt.Errorf("flush csv: %w", err)
	}

	return w.writeArtifact(CSVFile, buf.Bytes(), series.Len(), "csv")
}

func (w *Writer) parquetArtifact(series *model.CanonicalSeries) (artifact, error) {
	if series == nil || series.Len() == 0 {
		return artifact{}, fmt.Errorf("export dataset: %w", model.ErrEmptySeries)
	}

	data, rows, err := buildParquet(series)
	if err != nil {
		return artifact{}, err
	}

	return w.writeArtifact(ParquetFile, data, rows, "parquet")
}

func (w *Writer) writeArtifact(name string, data []byte, records int, kind string) (artifact, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return artifact{}, fmt.Errorf("create output dir: %w", err)
	}

	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return artifact{}, fmt.Errorf("write artifact: %w", err)
	}

	logger.IncrementReportWrite(int64(len(data)))
	logger.RecordFlow("report_write", len(data))

	entry := w.log.WithComponent("report")
	logger.LogDataFlowEntry(entry, "pipeline", name, records, kind)
	entry.WithFields(logger.Fields{
		"artifact": name,
		"path":     path,
		"bytes":    len(data),
		"records":  records,
	}).Info("artifact written")

	return artifact{path: path, bytes: int64(len(data)), records: records}, nil
}

type windowDoc struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// summaryDocument is the on-disk report shape. All rates and percentages
// are rounded to 4 decimal places.
type summaryDocument struct {
	GeneratedAt  time.Time                          `json:"generated_at"`
	RunID        string                             `json:"run_id,omitempty"`
	Window       windowDoc                          `json:"window"`
	Degraded     bool                               `json:"degraded"`
	Warnings     []string                           `json:"warnings,omitempty"`
	DataSummary  map[string]*model.CurrencyManifest `json:"data_summary,omitempty"`
	SummaryStats map[string]*analysis.Summary       `json:"summary_stats"`
	Trends       map[string][]analysis.Trend        `json:"trends"`
	Volatility   map[string]*analysis.Volatility    `json:"volatility"`
	Correlations *analysis.Correlation              `json:"correlations"`
	Extremes     map[string]*analysis.Extremes      `json:"extremes"`
	YoYChanges   map[string][]analysis.YoYChange    `json:"yoy_changes"`
}

func buildSummaryDocument(bundle *analysis.MetricsBundle, manifest *model.RunManifest) *summaryDocument {
	doc := &summaryDocument{
		GeneratedAt:  bundle.ComputedAt,
		Window:       windowDoc{Start: bundle.WindowStart, End: bundle.WindowEnd},
		SummaryStats: make(map[string]*analysis.Summary, len(bundle.Summaries)),
		Trends:       make(map[string][]analysis.Trend, len(bundle.Trends)),
		Volatility:   make(map[string]*analysis.Volatility, len(bundle.Volatility)),
		Correlations: roundCorrelation(bundle.Correlation),
		Extremes:     make(map[string]*analysis.Extremes, len(bundle.Extremes)),
		YoYChanges:   make(map[string][]analysis.YoYChange, len(bundle.YoY)),
	}

	for code, s := range bundle.Summaries {
		doc.SummaryStats[code] = roundSummary(s)
	}
	for code, ts := range bundle.Trends {
		doc.Trends[code] = roundTrends(ts)
	}
	for code, v := range bundle.Volatility {
		doc.Volatility[code] = roundVolatility(v)
	}
	for code, e := range bundle.Extremes {
		doc.Extremes[code] = roundExtremes(e)
	}
	for code, ys := range bundle.YoY {
		doc.YoYChanges[code] = roundYoY(ys)
	}

	if manifest != nil {
		doc.RunID = manifest.RunID
		doc.Window = windowDoc{Start: manifest.WindowStart, End: manifest.WindowEnd}
		doc.Warnings = manifest.Warnings
		doc.DataSummary = manifest.Currencies
		for _, m := range manifest.Currencies {
			if m.Degraded {
				doc.Degraded = true
			}
		}
	}

	return doc
}

func round4(v float64) float64 {
	return decimal.NewFromFloat(v).Round(4).InexactFloat64()
}

func roundSummary(s *analysis.Summary) *analysis.Summary {
	out := *s
	out.CurrentRate = round4(s.CurrentRate)
	out.MinRate = round4(s.MinRate)
	out.MaxRate = round4(s.MaxRate)
	out.MeanRate = round4(s.MeanRate)
	if s.StdRate != nil {
		sd := round4(*s.StdRate)
		out.StdRate = &sd
	}
	return &out
}

func roundTrends(ts []analysis.Trend) []analysis.Trend {
	out := make([]analysis.Trend, len(ts))
	for i, t := range ts {
		t.ChangePct = round4(t.ChangePct)
		out[i] = t
	}
	return out
}

func roundVolatility(v *analysis.Volatility) *analysis.Volatility {
	out := *v
	out.Points = make([]model.Observation, len(v.Points))
	for i, p := range v.Points {
		p.Value = round4(p.Value)
		out.Points[i] = p
	}
	out.Current = round4(v.Current)
	out.Average = round4(v.Average)
	out.AnnualizedCurrent = round4(v.AnnualizedCurrent)
	out.Percentile = round4(v.Percentile)
	return &out
}

func roundCorrelation(c *analysis.Correlation) *analysis.Correlation {
	if c == nil {
		return nil
	}
	out := *c
	out.Matrix = make([][]float64, len(c.Matrix))
	for i, row := range c.Matrix {
		out.Matrix[i] = make([]float64, len(row))
		for j, v := range row {
			out.Matrix[i][j] = round4(v)
		}
	}
	return &out
}

func roundExtremes(e *analysis.Extremes) *analysis.Extremes {
	out := *e
	out.HighestRate = round4(e.HighestRate)
	out.LowestRate = round4(e.LowestRate)
	out.RangePct = round4(e.RangePct)
	return &out
}

func roundYoY(ys []analysis.YoYChange) []analysis.YoYChange {
	out := make([]analysis.YoYChange, len(ys))
	for i, y := range ys {
		y.Rate = round4(y.Rate)
		y.ChangePct = round4(y.ChangePct)
		out[i] = y
	}
	return out
}
