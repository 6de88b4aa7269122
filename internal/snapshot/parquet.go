package snapshot

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"fundingflow/internal/models"
)

type fundingParquetRecord struct {
	Symbol            string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	FundingRate       float64 `parquet:"name=funding_rate, type=DOUBLE"`
	MarkPrice         float64 `parquet:"name=mark_price, type=DOUBLE"`
	Timestamp         int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	SnapshotTimestamp int64   `parquet:"name=snapshot_timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// memFile is a write-only in-memory parquet sink.
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

// EncodeParquet renders every record of snap as one parquet row.
func EncodeParquet(snap models.Snapshot, compression string) ([]byte, error) {
	mem := newMemFile()
	pw, err := writer.NewParquetWriter(mem, new(fundingParquetRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}

	switch strings.ToLower(compression) {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, rec := range snap.Records {
		row := fundingParquetRecord{
			Symbol:            rec.Symbol,
			FundingRate:       rec.FundingRate,
			MarkPrice:         rec.MarkPrice,
			Timestamp:         rec.Timestamp,
			SnapshotTimestamp: snap.SnapshotTimestamp,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write funding record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize funding parquet: %w", err)
	}
	return mem.Bytes(), nil
}
