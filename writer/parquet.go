package writer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"fxflow/models"
)

// SnapshotRecord is one archived snapshot row.
type SnapshotRecord struct {
	Pair               string   `parquet:"name=pair, type=BYTE_ARRAY, convertedtype=UTF8"`
	AsOf               int64    `parquet:"name=as_of, type=INT64"`
	Rate               *float64 `parquet:"name=rate, type=DOUBLE, repetitiontype=OPTIONAL"`
	RateSource         string   `parquet:"name=rate_source, type=BYTE_ARRAY, convertedtype=UTF8"`
	SentimentAggregate *float64 `parquet:"name=sentiment_aggregate, type=DOUBLE, repetitiontype=OPTIONAL"`
	SentimentLabel     string   `parquet:"name=sentiment_label, type=BYTE_ARRAY, convertedtype=UTF8"`
	NewsCount          int32    `parquet:"name=news_count, type=INT32"`
	RecentNews         string   `parquet:"name=recent_news, type=BYTE_ARRAY, convertedtype=UTF8"`
	Sequence           int64    `parquet:"name=sequence, type=INT64"`
	PublishedAt        int64    `parquet:"name=published_at, type=INT64"`
}

func toRecord(s models.MergedSnapshot) SnapshotRecord {
	news, err := json.Marshal(s.RecentNews)
	if err != nil {
		news = []byte("[]")
	}
	rec := SnapshotRecord{
		Pair:           string(s.Pair),
		AsOf:           s.AsOf.UnixMilli(),
		RateSource:     s.RateSource,
		SentimentLabel: s.SentimentLabel,
		NewsCount:      int32(len(s.RecentNews)),
		RecentNews:     string(news),
		Sequence:       int64(s.Sequence),
		PublishedAt:    s.PublishedAt.UnixMilli(),
	}
	if s.Rate != nil {
		v := *s.Rate
		rec.Rate = &v
	}
	if s.SentimentAggregate != nil {
		v := *s.SentimentAggregate
		rec.SentimentAggregate = &v
	}
	return rec
}

// memoryFileWriter implements ParquetFile interface for in-memory writing
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }

// Seek is only consulted for the current offset while writing.
func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "zstd":
		return parquet.CompressionCodec_ZSTD
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

func writeRows(fw source.ParquetFile, rows []SnapshotRecord, compression string) error {
	pw, err := writer.NewParquetWriter(fw, new(SnapshotRecord), 1)
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return nil
}

// encodeParquet renders rows into an in-memory parquet file.
func encodeParquet(rows []SnapshotRecord, compression string) ([]byte, error) {
	fw := newMemoryFileWriter()
	if err := writeRows(fw, rows, compression); err != nil {
		return nil, err
	}
	return fw.Bytes(), nil
}

// spoolParquet writes rows to dir/name on local disk.
func spoolParquet(dir, name string, rows []SnapshotRecord, compression string) (string, error) {
	path := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create spool dir: %w", err)
	}
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return "", fmt.Errorf("open spool file: %w", err)
	}
	if err := writeRows(fw, rows, compression); err != nil {
		fw.Close()
		return "", err
	}
	if err := fw.Close(); err != nil {
		return "", fmt.Errorf("close spool file: %w", err)
	}
	return path, nil
}
