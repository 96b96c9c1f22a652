package dashboard

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"fxflow/internal/charts"
	"fxflow/internal/model"
)

// rateRow is one explorer record in long format, mirroring the export files.
type rateRow struct {
	Date     string  `json:"date"`
	Currency string  `json:"currency"`
	Rate     float64 `json:"rate"`
}

// handleSummary serves the latest metrics bundle together with the run
// manifest. Sections that failed carry their error text under
// section_errors while the surviving sections serve normally.
func (s *Server) handleSummary(c *gin.Context) {
	view := s.state.view()

	payload := gin.H{
		"section_errors": view.sections,
	}
	if !view.updated.IsZero() {
		payload["updated_at"] = view.updated.Format(time.RFC3339Nano)
	}

	if view.result != nil {
		if m := view.result.Manifest; m != nil {
			payload["run_id"] = m.RunID
			payload["window"] = gin.H{"start": m.WindowStart, "end": m.WindowEnd}
			payload["data_summary"] = m.Currencies
			if len(m.Warnings) > 0 {
				payload["warnings"] = m.Warnings
			}
		}
		degraded := make(map[string]string, len(view.result.Degraded))
		for code, err := range view.result.Degraded {
			degraded[code] = err.Error()
		}
		payload["degraded"] = degraded
		if view.result.Series != nil {
			payload["currencies"] = view.result.Series.Codes()
			payload["quarters"] = view.result.Series.Len()
		}
	}

	if view.bundle != nil {
		payload["metrics"] = view.bundle
	}

	c.JSON(http.StatusOK, payload)
}

// handleRates serves the explorer table: observations filtered by currency
// and date range.
func (s *Server) handleRates(c *gin.Context) {
	view := s.state.view()
	if view.result == nil || view.result.Series == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":          "no rate data loaded",
			"section_errors": view.sections,
		})
		return
	}

	codes, from, to, err := parseRateFilters(c, view.result.Series)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rows := collectRates(view.result.Series, codes, from, to)
	c.JSON(http.StatusOK, gin.H{
		"rates":      rows,
		"count":      len(rows),
		"currencies": codes,
	})
}

// handleRatesExport streams the filtered dataset as a CSV or JSON download.
func (s *Server) handleRatesExport(c *gin.Context) {
	view := s.state.view()
	if view.result == nil || view.result.Series == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no rate data loaded"})
		return
	}

	format := strings.ToLower(strings.TrimSpace(c.DefaultQuery("format", "csv")))
	if format != "csv" && format != "json" {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported export format: %s", format)})
		return
	}

	codes, from, to, err := parseRateFilters(c, view.result.Series)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rows := collectRates(view.result.Series, codes, from, to)
	filename := fmt.Sprintf("exchange_rates_%s.%s", time.Now().Format("20060102"), format)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))

	if format == "json" {
		c.JSON(http.StatusOK, rows)
		return
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"date", "currency", "rate"})
	for _, row := range rows {
		_ = w.Write([]string{row.Date, row.Currency, strconv.FormatFloat(row.Rate, 'f', -1, 64)})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

// handleChart renders one named chart as a standalone HTML page. Charts
// render an explanatory empty state when the backing data is missing, so a
// failed section never 500s the chart route.
func (s *Server) handleChart(c *gin.Context) {
	view := s.state.view()

	var series *model.CanonicalSeries
	if view.result != nil {
		series = view.result.Series
	}

	var buf bytes.Buffer
	if err := s.charts.Render(&buf, c.Param("name"), series, view.bundle); err != nil {
		if errors.Is(err, charts.ErrUnknownChart) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

// handleRefresh re-runs the pipeline. force=true clears the cache first.
// Refreshes are single-flight; a concurrent attempt answers 409.
func (s *Server) handleRefresh(c *gin.Context) {
	force := c.Query("force") == "true"

	err := s.state.runRefresh(c.Request.Context(), force)
	switch {
	case err == nil:
		view := s.state.view()
		payload := gin.H{"status": "ok"}
		if !view.updated.IsZero() {
			payload["updated_at"] = view.updated.Format(time.RFC3339Nano)
		}
		if view.result != nil && len(view.result.Degraded) > 0 {
			codes := make([]string, 0, len(view.result.Degraded))
			for code := range view.result.Degraded {
				codes = append(codes, code)
			}
			sort.Strings(codes)
			payload["status"] = "degraded"
			payload["degraded"] = codes
		}
		c.JSON(http.StatusOK, payload)
	case errors.Is(err, errRefreshInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, errRefreshUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

// parseRateFilters reads the currency/from/to query parameters against the
// loaded series. An empty currency filter selects every loaded currency.
func parseRateFilters(c *gin.Context, series *model.CanonicalSeries) ([]string, time.Time, time.Time, error) {
	var from, to time.Time

	known := series.Codes()
	codes := known
	if raw := strings.TrimSpace(c.Query("currency")); raw != "" {
		selected := make([]string, 0, len(known))
		for _, part := range strings.Split(raw, ",") {
			code := strings.ToUpper(strings.TrimSpace(part))
			if code == "" {
				continue
			}
			found := false
			for _, k := range known {
				if k == code {
					found = true
					break
				}
			}
			if !found {
				return nil, from, to, fmt.Errorf("unknown currency: %s", code)
			}
			selected = append(selected, code)
		}
		if len(selected) > 0 {
			codes = selected
		}
	}

	if raw := strings.TrimSpace(c.Query("from")); raw != "" {
		t, err := model.ParseDate(raw)
		if err != nil {
			return nil, from, to, fmt.Errorf("invalid from date: %s", raw)
		}
		from = t
	}
	if raw := strings.TrimSpace(c.Query("to")); raw != "" {
		t, err := model.ParseDate(raw)
		if err != nil {
			return nil, from, to, fmt.Errorf("invalid to date: %s", raw)
		}
		to = t
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return nil, from, to, fmt.Errorf("%w: from %s is after to %s", model.ErrInvalidRange, from.Format(model.DateLayout), to.Format(model.DateLayout))
	}

	return codes, from, to, nil
}

// collectRates flattens the filtered observations into long-format rows
// ordered by date, then currency.
func collectRates(series *model.CanonicalSeries, codes []string, from, to time.Time) []rateRow {
	rows := make([]rateRow, 0, series.Len()*len(codes))
	for _, code := range codes {
		for _, obs := range series.Filter(code, from, to) {
			rows = append(rows, rateRow{
				Date:     obs.Date.Format(model.DateLayout),
				Currency: code,
				Rate:     obs.Value,
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Date != rows[j].Date {
			return rows[i].Date < rows[j].Date
		}
		return rows[i].Currency < rows[j].Currency
	})
	return rows
}
