package db2pgtunnel

import (
	"context"
	"fmt"
	"time"

	common "github.com/Ants24/data-tunnel-common"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize = 1000
	// batches buffered between the reader and the writer
	defaultChannelDepth = 4
)

type TransferOptions struct {
	BatchSize    int
	SourceSchema string
	TargetSchema string
}

type TransferStats struct {
	RowsTransferred int64
	TimeTaken       time.Duration
}

// RowsPerSecond is zero when nothing was measured.
func (s TransferStats) RowsPerSecond() float64 {
	if s.TimeTaken <= 0 {
		return 0
	}
	return float64(s.RowsTransferred) / s.TimeTaken.Seconds()
}

// DataTransfer copies whole tables from a source to a target connector in
// batches, reporting cumulative progress after every written batch.
type DataTransfer struct {
	logger  common.Logger
	source  Connector
	target  Connector
	options TransferOptions
}

func NewDataTransfer(logger common.Logger, source, target Connector, options TransferOptions) *DataTransfer {
	if options.BatchSize <= 0 {
		options.BatchSize = DefaultBatchSize
	}
	if options.SourceSchema == "" {
		options.SourceSchema = source.Schema()
	}
	if options.TargetSchema == "" {
		options.TargetSchema = target.Schema()
	}
	return &DataTransfer{logger: logger, source: source, target: target, options: options}
}

func (t *DataTransfer) BatchSize() int { return t.options.BatchSize }

// TransferTable streams table from the source and bulk-writes it to the
// target. recorder may be nil. An interrupted transfer is not resumable from
// the middle; calling it again reads the table from the start.
func (t *DataTransfer) TransferTable(ctx context.Context, table string, recorder ProgressRecorder) (TransferStats, error) {
	startTime := time.Now()
	t.logger.Logger.Sugar().Infof("Starting data transfer for table %s (batch size %d)", table, t.options.BatchSize)

	batches := make(chan Batch, defaultChannelDepth)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(batches)
		if err := t.source.FetchBatches(gctx, table, t.options.SourceSchema, t.options.BatchSize, batches); err != nil {
			return fmt.Errorf("read %s: %w", table, err)
		}
		return nil
	})

	var total int64
	g.Go(func() error {
		return t.writeBatches(gctx, table, batches, recorder, &total)
	})

	err := g.Wait()
	stats := TransferStats{RowsTransferred: total, TimeTaken: time.Since(startTime)}
	if err != nil {
		t.logger.Logger.Sugar().Errorf("Data transfer for table %s failed after %s rows: %v", table, humanize.Comma(total), err)
		return stats, err
	}
	t.logger.Logger.Sugar().Infof("Transferred %s rows for table %s in %s (%s rows/s)",
		humanize.Comma(total), table, stats.TimeTaken.Round(time.Millisecond), humanize.CommafWithDigits(stats.RowsPerSecond(), 1))
	return stats, nil
}

func (t *DataTransfer) writeBatches(ctx context.Context, table string, batches <-chan Batch, recorder ProgressRecorder, total *int64) error {
	for {
		var batch Batch
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok = <-batches:
		}
		if !ok {
			return nil
		}
		if len(batch) == 0 {
			continue
		}
		if _, err := t.target.BulkInsert(ctx, table, t.options.TargetSchema, batch); err != nil {
			return fmt.Errorf("write %s: %w", table, err)
		}
		*total += int64(len(batch))
		t.logger.Logger.Sugar().Debugf("Table %s: %s rows written", table, humanize.Comma(*total))
		if recorder == nil {
			continue
		}
		if err := recorder.UpdateProgress(table, *total); err != nil {
			return fmt.Errorf("record progress for %s: %w", table, err)
		}
	}
}

// TransferTables transfers each table in order and stops at the first error.
// The returned map holds stats for every table that completed.
func (t *DataTransfer) TransferTables(ctx context.Context, tables []string, recorder ProgressRecorder) (map[string]TransferStats, error) {
	results := make(map[string]TransferStats, len(tables))
	for _, table := range tables {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}
		stats, err := t.TransferTable(ctx, table, recorder)
		if err != nil {
			return results, err
		}
		results[table] = stats
	}
	return results, nil
}

func TruncateTable(ctx context.Context, logger common.Logger, conn Connector, truncateSql string) error {
	logger.Logger.Sugar().Debugf("Truncate table sql: %s", truncateSql)
	if err := conn.ExecuteDDL(ctx, truncateSql); err != nil {
		logger.Error(err.Error())
		return err
	}
	return nil
}
