package db2pgtunnel

import (
	"fmt"
	"time"
)

type Mode string

const (
	ModeFull       Mode = "full"
	ModeSchemaOnly Mode = "schema_only"
	ModeDataOnly   Mode = "data_only"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFull, ModeSchemaOnly, ModeDataOnly:
		return Mode(s), nil
	case "schema-only":
		return ModeSchemaOnly, nil
	case "data-only":
		return ModeDataOnly, nil
	case "":
		return ModeFull, nil
	}
	return "", fmt.Errorf("unknown migration mode %q", s)
}

type TableState string

const (
	StateNotStarted        TableState = "NOT_STARTED"
	StateSchemaExtracted   TableState = "SCHEMA_EXTRACTED"
	StateDDLApplied        TableState = "DDL_APPLIED"
	StateSkippedExisting   TableState = "SKIPPED_EXISTING"
	StateDataTransferred   TableState = "DATA_TRANSFERRED"
	StateSkippedData       TableState = "SKIPPED_DATA"
	StateValidated         TableState = "VALIDATED"
	StateSkippedValidation TableState = "SKIPPED_VALIDATION"
	StateComplete          TableState = "COMPLETE"
	StateFailed            TableState = "FAILED"
)

const (
	StatusCompleted           = "completed"
	StatusCompletedWithErrors = "completed_with_errors"
	StatusFailed              = "failed"
)

// MigrationJob is the caller-owned description of one run. It is not modified
// by the Migrator.
type MigrationJob struct {
	Tables []string
	Mode   Mode

	CreateSequences    bool
	DropExisting       bool
	SkipExisting       bool
	ForceData          bool
	ContinueOnError    bool
	ValidateEnabled    bool
	TruncateBeforeLoad bool
	CreateIndexes      bool
	CreateForeignKeys  bool

	Parallel   int
	Validation ValidationOptions
}

func (j MigrationJob) Validate() error {
	if _, err := ParseMode(string(j.Mode)); err != nil {
		return err
	}
	if j.DropExisting && j.SkipExisting {
		return fmt.Errorf("drop existing and skip existing are mutually exclusive")
	}
	if j.Parallel < 0 {
		return fmt.Errorf("parallel must not be negative, got %d", j.Parallel)
	}
	return nil
}

type ValidationOptions struct {
	RowCount   bool
	Structure  bool
	Sampling   bool
	SampleSize int
}

type TableResult struct {
	Table     string
	State     TableState
	Trail     []TableState
	Rows      int64
	Resumed   bool
	RowCount  *RowCountResult
	Structure *StructureReport
	Sample    *SampleReport
	Err       error
	Duration  time.Duration
}

func (r *TableResult) transition(state TableState) {
	r.State = state
	r.Trail = append(r.Trail, state)
}

type MigrationSummary struct {
	Status             string
	TablesMigrated     int
	TablesFailed       int
	TablesResumed      int
	RowsTransferred    int64
	FailedTables       []string
	ForeignKeyFailures int
	Tables             []TableResult
	TotalTime          time.Duration
}

func (s *MigrationSummary) finish() {
	switch {
	case s.TablesFailed == 0:
		s.Status = StatusCompleted
	default:
		s.Status = StatusCompletedWithErrors
	}
}

func (s *MigrationSummary) record(result TableResult) {
	s.Tables = append(s.Tables, result)
	if result.Err != nil {
		s.TablesFailed++
		s.FailedTables = append(s.FailedTables, result.Table)
		return
	}
	s.TablesMigrated++
	if result.Resumed {
		s.TablesResumed++
	}
	s.RowsTransferred += result.Rows
}
