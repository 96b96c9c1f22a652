package metrics

import "fxflow/logger"

// DropReason identifies why a decoded exchange-rate row was discarded
// during validation.
type DropReason string

const (
	// DropReasonInvalidRate records rows whose rate was non-numeric or not positive.
	DropReasonInvalidRate DropReason = "invalid_rate"
	// DropReasonInvalidDate records rows whose record_date would not parse.
	// Only cached payloads can carry these; fresh fetches reject them earlier.
	DropReasonInvalidDate DropReason = "invalid_date"
	// DropReasonOutOfRange records rows dated outside the requested window.
	DropReasonOutOfRange DropReason = "out_of_range"
	// DropReasonDuplicate records rows replaced by a more recently fetched
	// observation for the same date.
	DropReasonDuplicate DropReason = "duplicate"
)

// EmitDropMetric logs and emits a metric for rows discarded during validation,
// and ticks the matching Prometheus counter. The currency code is attached as
// a field so downstream aggregation can split drops per series.
func EmitDropMetric(log *logger.Log, reason DropReason, currency string, count int) {
	if count <= 0 {
		return
	}

	AddRowsDropped(currency, string(reason), count)

	EmitMetric(log, "validation", "rows_dropped", count, "counter", logger.Fields{
		"currency": currency,
		"reason":   string(reason),
	})
}
