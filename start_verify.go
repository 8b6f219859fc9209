package db2pgtunnel

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	common "github.com/Ants24/data-tunnel-common"
	"github.com/dustin/go-humanize"
	semaphore "github.com/marusama/semaphore/v2"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cast"
	"golang.org/x/sync/errgroup"
)

const DefaultSampleSize = 100

type RowCountResult struct {
	Valid       bool
	SourceCount int64
	TargetCount int64
}

type StructureReport struct {
	Valid            bool
	ColumnCountMatch bool
	SourceColumns    int
	TargetColumns    int
	// columns present on only one side, compared case-insensitively
	Missing []string
	Extra   []string
	Err     error
}

type SampleReport struct {
	Valid   bool
	Matched int
	Total   int
	Err     error
}

type TableValidation struct {
	Table     string
	RowCount  *RowCountResult
	Structure *StructureReport
	Sample    *SampleReport
}

func (v TableValidation) Valid() bool {
	if v.RowCount != nil && !v.RowCount.Valid {
		return false
	}
	if v.Structure != nil && !v.Structure.Valid {
		return false
	}
	if v.Sample != nil && !v.Sample.Valid {
		return false
	}
	return true
}

// Validator compares a migrated table on both sides. Mismatches are reported
// as data; no check returns an error.
type Validator struct {
	logger       common.Logger
	source       Connector
	target       Connector
	sourceSchema string
	targetSchema string
	factory      SessionFactory
}

func NewValidator(logger common.Logger, source, target Connector) *Validator {
	return &Validator{
		logger:       logger,
		source:       source,
		target:       target,
		sourceSchema: source.Schema(),
		targetSchema: target.Schema(),
	}
}

// ValidateRowCounts counts both sides concurrently. A side whose count fails
// is reported as -1.
func (v *Validator) ValidateRowCounts(ctx context.Context, table string) (bool, int64, int64) {
	sourceCount, targetCount := int64(-1), int64(-1)
	var g errgroup.Group
	g.Go(func() error {
		count, err := v.source.RowCount(ctx, table, v.sourceSchema)
		if err != nil {
			v.logger.Logger.Sugar().Errorf("source row count for %s failed: %v", table, err)
			return nil
		}
		sourceCount = count
		return nil
	})
	g.Go(func() error {
		count, err := v.target.RowCount(ctx, table, v.targetSchema)
		if err != nil {
			v.logger.Logger.Sugar().Errorf("target row count for %s failed: %v", table, err)
			return nil
		}
		targetCount = count
		return nil
	})
	_ = g.Wait()
	valid := sourceCount >= 0 && sourceCount == targetCount
	v.logger.Logger.Sugar().Infof("source count: %s, dest count: %s", humanize.Comma(sourceCount), humanize.Comma(targetCount))
	return valid, sourceCount, targetCount
}

func (v *Validator) ValidateTableStructure(ctx context.Context, table string) StructureReport {
	sourceColumns, err := v.source.TableColumns(ctx, table, v.sourceSchema)
	if err != nil {
		v.logger.Logger.Sugar().Errorf("read source columns of %s: %v", table, err)
		return StructureReport{Err: err}
	}
	targetColumns, err := v.target.TableColumns(ctx, table, v.targetSchema)
	if err != nil {
		v.logger.Logger.Sugar().Errorf("read target columns of %s: %v", table, err)
		return StructureReport{Err: err}
	}
	report := StructureReport{
		SourceColumns:    len(sourceColumns),
		TargetColumns:    len(targetColumns),
		ColumnCountMatch: len(sourceColumns) == len(targetColumns),
	}
	targetNames := make(map[string]struct{}, len(targetColumns))
	for _, column := range targetColumns {
		targetNames[strings.ToLower(column.Name)] = struct{}{}
	}
	sourceNames := make(map[string]struct{}, len(sourceColumns))
	for _, column := range sourceColumns {
		name := strings.ToLower(column.Name)
		sourceNames[name] = struct{}{}
		if _, ok := targetNames[name]; !ok {
			report.Missing = append(report.Missing, column.Name)
		}
	}
	for _, column := range targetColumns {
		if _, ok := sourceNames[strings.ToLower(column.Name)]; !ok {
			report.Extra = append(report.Extra, column.Name)
		}
	}
	report.Valid = report.ColumnCountMatch
	if report.Valid {
		for i := range sourceColumns {
			if !strings.EqualFold(sourceColumns[i].Name, targetColumns[i].Name) {
				report.Valid = false
				break
			}
		}
	}
	return report
}

// normalizeValue renders a column value for cross-engine comparison. DB2
// pads CHAR columns with blanks, so trailing spaces are ignored.
func normalizeValue(value any) string {
	if value == nil {
		return "<NULL>"
	}
	return strings.TrimRight(cast.ToString(value), " ")
}

func recordsEqual(a, b Record) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if normalizeValue(a[i]) != normalizeValue(b[i]) {
			return false
		}
	}
	return true
}

// ValidateSampleData compares up to n rows position by position.
func (v *Validator) ValidateSampleData(ctx context.Context, table string, n int) SampleReport {
	if n <= 0 {
		n = DefaultSampleSize
	}
	var sourceRows, targetRows []Record
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := v.source.FetchSample(gctx, table, v.sourceSchema, n)
		sourceRows = rows
		return err
	})
	g.Go(func() error {
		rows, err := v.target.FetchSample(gctx, table, v.targetSchema, n)
		targetRows = rows
		return err
	})
	if err := g.Wait(); err != nil {
		v.logger.Logger.Sugar().Errorf("sample %s: %v", table, err)
		return SampleReport{Err: err}
	}
	report := SampleReport{Total: min(len(sourceRows), len(targetRows))}
	for i := 0; i < report.Total; i++ {
		if recordsEqual(sourceRows[i], targetRows[i]) {
			report.Matched++
		}
	}
	report.Valid = report.Matched == report.Total
	return report
}

func (v *Validator) ValidateTable(ctx context.Context, table string, options ValidationOptions) TableValidation {
	result := TableValidation{Table: table}
	if options.RowCount {
		valid, sourceCount, targetCount := v.ValidateRowCounts(ctx, table)
		result.RowCount = &RowCountResult{Valid: valid, SourceCount: sourceCount, TargetCount: targetCount}
	}
	if options.Structure {
		report := v.ValidateTableStructure(ctx, table)
		result.Structure = &report
	}
	if options.Sampling {
		report := v.ValidateSampleData(ctx, table, options.SampleSize)
		result.Sample = &report
	}
	return result
}

// SetSessionFactory lets ValidateTables spread tables over private
// connections. Without a factory tables are validated one at a time, since
// the shared connections cannot serve concurrent queries.
func (v *Validator) SetSessionFactory(factory SessionFactory) {
	v.factory = factory
}

// ValidateTables runs ValidateTable over tables with at most parallel tables
// in flight. Results keep the input order.
func (v *Validator) ValidateTables(ctx context.Context, tables []string, options ValidationOptions, parallel int) ([]TableValidation, error) {
	results := make([]TableValidation, len(tables))
	workers := min(parallel, len(tables))
	if v.factory == nil || workers <= 1 {
		for i, table := range tables {
			if err := ctx.Err(); err != nil {
				return results, err
			}
			results[i] = v.ValidateTable(ctx, table, options)
		}
		return results, nil
	}

	sessions, err := openSessions(ctx, v.factory, workers)
	if err != nil {
		return nil, err
	}
	defer closeSessions(ctx, v.logger, sessions)

	var wg sync.WaitGroup
	semaphores := semaphore.New(workers)
	for i, table := range tables {
		if err := semaphores.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return results, err
		}
		wg.Add(1)
		go func(i int, table string) {
			defer wg.Done()
			defer semaphores.Release(1)
			session := <-sessions
			defer func() { sessions <- session }()
			results[i] = session.Validator.ValidateTable(ctx, table, options)
		}(i, table)
	}
	wg.Wait()
	return results, nil
}

func passFail(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}

// GenerateValidationReport renders one row per check and table.
func GenerateValidationReport(results []TableValidation) string {
	var buf bytes.Buffer
	buf.WriteString("VALIDATION REPORT\n")
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"Table", "Check", "Status", "Details"})
	table.SetAutoWrapText(false)
	table.SetAutoMergeCells(true)
	table.SetRowLine(true)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, result := range results {
		if result.RowCount != nil {
			table.Append([]string{result.Table, "row_count", passFail(result.RowCount.Valid),
				fmt.Sprintf("DB2: %d, PostgreSQL: %d", result.RowCount.SourceCount, result.RowCount.TargetCount)})
		}
		if result.Structure != nil {
			s := result.Structure
			details := fmt.Sprintf("columns DB2: %d, PostgreSQL: %d", s.SourceColumns, s.TargetColumns)
			if len(s.Missing) > 0 {
				details += "; missing: " + strings.Join(s.Missing, ",")
			}
			if len(s.Extra) > 0 {
				details += "; extra: " + strings.Join(s.Extra, ",")
			}
			if s.Err != nil {
				details = s.Err.Error()
			}
			table.Append([]string{result.Table, "structure", passFail(s.Valid), details})
		}
		if result.Sample != nil {
			s := result.Sample
			details := fmt.Sprintf("%d/%d rows match", s.Matched, s.Total)
			if s.Err != nil {
				details = s.Err.Error()
			}
			table.Append([]string{result.Table, "sample", passFail(s.Valid), details})
		}
	}
	table.Render()
	return buf.String()
}
