package pipeline

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"fxflow/internal/metrics"
	"fxflow/internal/model"
	"fxflow/internal/treasury"
	"fxflow/logger"
)

// validateRows turns raw payload rows into clean records for one currency.
// Rows with an unparseable date, a non-numeric or non-positive rate, or a
// date outside [start, end] are dropped; same-date rows keep the most
// recently fetched, last payload row winning ties. Every drop is counted
// in the manifest and in the drop metrics. Output is sorted ascending.
func validateRows(log *logger.Log, m *model.CurrencyManifest, rows []treasury.Row, code string, fetchedAt, start, end time.Time) []model.ExchangeRateRecord {
	byDate := make(map[time.Time]model.ExchangeRateRecord, len(rows))
	dropped := make(map[metrics.DropReason]int)

	for _, row := range rows {
		date, err := time.Parse(model.DateLayout, row.RecordDate)
		if err != nil {
			dropped[metrics.DropReasonInvalidDate]++
			continue
		}

		rate, err := decimal.NewFromString(row.ExchangeRate)
		if err != nil || !rate.IsPositive() {
			dropped[metrics.DropReasonInvalidRate]++
			continue
		}

		if date.Before(start) || date.After(end) {
			dropped[metrics.DropReasonOutOfRange]++
			continue
		}

		rec := model.ExchangeRateRecord{
			CurrencyCode: code,
			Date:         date,
			Rate:         rate,
			FetchedAt:    fetchedAt,
		}

		if existing, ok := byDate[date]; ok {
			dropped[metrics.DropReasonDuplicate]++
			if rec.FetchedAt.Before(existing.FetchedAt) {
				continue
			}
		}
		byDate[date] = rec
	}

	for reason, n := range dropped {
		m.Drop(string(reason), n)
		metrics.EmitDropMetric(log, reason, code, n)
	}

	records := make([]model.ExchangeRateRecord, 0, len(byDate))
	for _, rec := range byDate {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Date.Before(records[j].Date) })

	return records
}
