package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/parquet-go/parquet-go"

	"github.com/lootfox/revmatch/pkg/metrics"
	"github.com/lootfox/revmatch/pkg/reconcile"
)

// artifactStamp names each snapshot so concurrent readers can distinguish
// runs; the replace step removes earlier stamps first.
const artifactStamp = "20060102T150405Z"

// Config configures an Exporter.
type Config struct {
	Logger *slog.Logger
	Store  PartitionStore

	// Clock is the time source, defaulting to the real clock.
	Clock clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Exporter serializes comparison rows to zstd-compressed parquet and
// replaces partitions through its store.
type Exporter struct {
	log   *slog.Logger
	store PartitionStore
	clock clockwork.Clock
}

func New(cfg Config) (*Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid export config: %w", err)
	}
	return &Exporter{log: cfg.Logger, store: cfg.Store, clock: cfg.Clock}, nil
}

// Encode serializes rows in their given order to a single parquet table.
func Encode(rows []reconcile.ComparisonRow) ([]byte, error) {
	records := make([]Row, 0, len(rows))
	for _, row := range rows {
		rec, err := RowFromComparison(row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[Row](&buf, parquet.Compression(&parquet.Zstd))
	if len(records) > 0 {
		if _, err := w.Write(records); err != nil {
			return nil, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads an encoded partition back, for tests and verification tools.
func Decode(data []byte) ([]Row, error) {
	rows, err := parquet.Read[Row](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	return rows, nil
}

// WritePartition replaces one date's partition with a snapshot of rows:
// list prior artifacts, delete them, upload the new timestamp-suffixed
// file. A crash between delete and put leaves the partition empty; the next
// run rewrites it.
func (e *Exporter) WritePartition(ctx context.Context, date string, rows []reconcile.ComparisonRow) (string, error) {
	data, err := Encode(rows)
	if err != nil {
		return "", &Error{Date: date, Err: err}
	}

	prior, err := e.store.List(ctx, date)
	if err != nil {
		metrics.PartitionWritesTotal.WithLabelValues(e.store.Name(), "error").Inc()
		return "", &Error{Date: date, Err: err}
	}
	if err := e.store.Delete(ctx, prior); err != nil {
		metrics.PartitionWritesTotal.WithLabelValues(e.store.Name(), "error").Inc()
		return "", &Error{Date: date, Err: err}
	}

	key := fmt.Sprintf("%s/comparison_%s.parquet", PartitionKey(date), e.clock.Now().UTC().Format(artifactStamp))
	if err := e.store.Put(ctx, key, data); err != nil {
		metrics.PartitionWritesTotal.WithLabelValues(e.store.Name(), "error").Inc()
		return "", &Error{Date: date, Err: err}
	}

	metrics.PartitionWritesTotal.WithLabelValues(e.store.Name(), "success").Inc()
	metrics.RowsExportedTotal.WithLabelValues(e.store.Name()).Add(float64(len(rows)))
	e.log.Info("export: partition written",
		"store", e.store.Name(), "date", date, "rows", len(rows),
		"replaced", len(prior), "key", key)
	return key, nil
}

// WriteAll partitions rows by date and writes each partition, returning the
// written keys in date order. The first failure stops the pass.
func (e *Exporter) WriteAll(ctx context.Context, rows []reconcile.ComparisonRow) ([]string, error) {
	groups, dates := GroupByDate(rows)
	keys := make([]string, 0, len(dates))
	for _, date := range dates {
		key, err := e.WritePartition(ctx, date, groups[date])
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}
