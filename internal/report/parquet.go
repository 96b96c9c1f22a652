package report

import (
	"bytes"
	"fmt"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"fxflow/internal/model"
)

// rateParquetRecord is the long-format export row: one observation per
// (date, currency).
type rateParquetRecord struct {
	Date     int64   `parquet:"name=date, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Currency string  `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	Rate     float64 `parquet:"name=rate, type=DOUBLE"`
}

// memFile adapts a byte buffer to the parquet source interface so the file
// is assembled in memory before hitting disk.
type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// buildParquet encodes the series as a Snappy-compressed Parquet file and
// returns its bytes plus the number of rows written.
func buildParquet(series *model.CanonicalSeries) ([]byte, int, error) {
	mem := newMemFile()
	pw, err := writer.NewParquetWriter(mem, new(rateParquetRecord), 1)
	if err != nil {
		return nil, 0, fmt.Errorf("new parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	rows := 0
	for _, code := range series.Codes() {
		for _, obs := range series.Observations(code) {
			rec := rateParquetRecord{
				Date:     obs.Date.UnixMilli(),
				Currency: code,
				Rate:     obs.Value,
			}
			if err := pw.Write(rec); err != nil {
				pw.WriteStop()
				return nil, 0, fmt.Errorf("write parquet record: %w", err)
			}
			rows++
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, 0, fmt.Errorf("finalize parquet: %w", err)
	}

	return mem.Bytes(), rows, nil
}
