package db2pgtunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	common "github.com/Ants24/data-tunnel-common"
	"github.com/dustin/go-humanize"
	semaphore "github.com/marusama/semaphore/v2"
	"go.uber.org/multierr"
)

const PhaseCompleted = "completed"

// Session is one pair of open connections and the components bound to them.
// A session is used by one table pipeline at a time.
type Session struct {
	Source    Connector
	Target    Connector
	Extractor SchemaExtractor
	Transfer  *DataTransfer
	Sequences *SequenceManager
	Validator *Validator
}

type SessionOptions struct {
	BatchSize    int
	CounterTable string
}

func NewSession(logger common.Logger, source, target Connector, extractor SchemaExtractor, options SessionOptions) *Session {
	return &Session{
		Source:    source,
		Target:    target,
		Extractor: extractor,
		Transfer:  NewDataTransfer(logger, source, target, TransferOptions{BatchSize: options.BatchSize}),
		Sequences: NewSequenceManager(logger, source, target, SequenceOptions{CounterTable: options.CounterTable}),
		Validator: NewValidator(logger, source, target),
	}
}

func (s *Session) Close(ctx context.Context) error {
	return multierr.Combine(s.Source.Disconnect(ctx), s.Target.Disconnect(ctx))
}

// SessionFactory opens a fresh, connected Session for a parallel worker.
type SessionFactory func(ctx context.Context) (*Session, error)

type Migrator struct {
	logger     common.Logger
	session    *Session
	converter  SchemaConverter
	checkpoint *CheckpointStore
	factory    SessionFactory
}

func NewMigrator(logger common.Logger, session *Session, converter SchemaConverter, checkpoint *CheckpointStore) *Migrator {
	return &Migrator{
		logger:     logger,
		session:    session,
		converter:  converter,
		checkpoint: checkpoint,
	}
}

// SetSessionFactory enables parallel table pipelines for jobs with
// Parallel > 1.
func (m *Migrator) SetSessionFactory(factory SessionFactory) {
	m.factory = factory
}

func (m *Migrator) tableLogger(table string) common.Logger {
	return common.Logger{Logger: m.logger.Logger.Named(table)}
}

// RunMigration drives every table of the job through its phases. With
// ContinueOnError unset the first failing table halts the job; the partial
// summary is returned together with that table's error.
func (m *Migrator) RunMigration(ctx context.Context, job MigrationJob) (*MigrationSummary, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	job.Mode, _ = ParseMode(string(job.Mode))
	startTime := time.Now()
	summary := &MigrationSummary{}
	m.logger.Logger.Sugar().Infof("Starting migration in %s mode for %d tables", job.Mode, len(job.Tables))

	if err := m.checkpoint.SetPhase(string(job.Mode)); err != nil {
		return nil, fmt.Errorf("record job phase: %w", err)
	}

	var pending []pendingForeignKey
	var runErr error
	if job.Parallel > 1 && m.factory != nil {
		pending, runErr = m.runParallel(ctx, job, summary)
	} else {
		pending, runErr = m.runSequential(ctx, job, summary)
	}
	if runErr != nil {
		summary.Status = StatusFailed
		summary.TotalTime = time.Since(startTime)
		m.logger.Logger.Sugar().Errorf("Migration halted after %d tables: %v", len(summary.Tables), runErr)
		return summary, runErr
	}

	if job.CreateForeignKeys {
		summary.ForeignKeyFailures = m.applyForeignKeys(ctx, pending)
	}
	summary.finish()
	if summary.TablesFailed == 0 {
		if err := m.checkpoint.MarkCompleted(string(job.Mode)); err != nil {
			m.logger.Logger.Sugar().Warnf("Could not record completed phase: %v", err)
		}
	}
	if err := m.checkpoint.SetPhase(PhaseCompleted); err != nil {
		m.logger.Logger.Sugar().Warnf("Could not record completed phase: %v", err)
	}
	summary.TotalTime = time.Since(startTime)
	m.logger.Logger.Sugar().Infof("Migration %s: %d tables migrated, %d failed, %s rows in %s",
		summary.Status, summary.TablesMigrated, summary.TablesFailed,
		humanize.Comma(summary.RowsTransferred), summary.TotalTime.Round(time.Millisecond))
	return summary, nil
}

func (m *Migrator) runSequential(ctx context.Context, job MigrationJob, summary *MigrationSummary) ([]pendingForeignKey, error) {
	var pending []pendingForeignKey
	for _, table := range job.Tables {
		select {
		case <-ctx.Done():
			return pending, ctx.Err()
		default:
		}
		result, fks := m.migrateTable(ctx, m.session, job, table)
		summary.record(result)
		pending = append(pending, fks...)
		if result.Err == nil {
			continue
		}
		m.rollback(ctx, m.session, table)
		if !job.ContinueOnError {
			return pending, result.Err
		}
	}
	return pending, nil
}

// runParallel runs table pipelines on at most job.Parallel workers, each
// holding its own session. Results are recorded in job order.
func (m *Migrator) runParallel(ctx context.Context, job MigrationJob, summary *MigrationSummary) ([]pendingForeignKey, error) {
	workers := min(job.Parallel, len(job.Tables))
	if workers == 0 {
		return nil, nil
	}
	sessions, err := openSessions(ctx, m.factory, workers)
	if err != nil {
		return nil, err
	}
	defer closeSessions(ctx, m.logger, sessions)

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]*TableResult, len(job.Tables))
	foreignKeys := make([][]pendingForeignKey, len(job.Tables))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	semaphores := semaphore.New(workers)
	for i, table := range job.Tables {
		if err := semaphores.Acquire(workCtx, 1); err != nil {
			break
		}
		mu.Lock()
		halted := firstErr != nil
		mu.Unlock()
		if halted {
			semaphores.Release(1)
			break
		}
		wg.Add(1)
		go func(i int, table string) {
			defer wg.Done()
			defer semaphores.Release(1)
			session := <-sessions
			defer func() { sessions <- session }()

			result, fks := m.migrateTable(workCtx, session, job, table)
			results[i] = &result
			foreignKeys[i] = fks
			if result.Err == nil {
				return
			}
			m.rollback(workCtx, session, table)
			if !job.ContinueOnError {
				mu.Lock()
				if firstErr == nil {
					firstErr = result.Err
					cancel()
				}
				mu.Unlock()
			}
		}(i, table)
	}
	wg.Wait()

	var pending []pendingForeignKey
	for i, result := range results {
		if result == nil {
			continue
		}
		summary.record(*result)
		pending = append(pending, foreignKeys[i]...)
	}
	if firstErr != nil {
		return pending, firstErr
	}
	return pending, ctx.Err()
}

// openSessions fills a pool of n worker sessions. On failure the sessions
// opened so far are closed again.
func openSessions(ctx context.Context, factory SessionFactory, n int) (chan *Session, error) {
	sessions := make(chan *Session, n)
	for i := 0; i < n; i++ {
		session, err := factory(ctx)
		if err != nil {
			close(sessions)
			for opened := range sessions {
				_ = opened.Close(ctx)
			}
			return nil, fmt.Errorf("open worker session: %w", err)
		}
		sessions <- session
	}
	return sessions, nil
}

// closeSessions drains the pool; every worker must have returned its session.
func closeSessions(ctx context.Context, logger common.Logger, sessions chan *Session) {
	close(sessions)
	for session := range sessions {
		if err := session.Close(ctx); err != nil {
			logger.Logger.Sugar().Warnf("close worker session: %v", err)
		}
	}
}

func (m *Migrator) rollback(ctx context.Context, session *Session, table string) {
	rollbacker, ok := session.Target.(TxRollbacker)
	if !ok {
		return
	}
	if err := rollbacker.Rollback(ctx); err != nil {
		m.logger.Logger.Sugar().Warnf("Rollback after %s failed: %v", table, err)
	}
}

func (m *Migrator) migrateTable(ctx context.Context, session *Session, job MigrationJob, table string) (result TableResult, foreignKeys []pendingForeignKey) {
	startTime := time.Now()
	logger := m.tableLogger(table)
	defer logger.Sync()
	result = TableResult{Table: table}
	result.transition(StateNotStarted)
	defer func() { result.Duration = time.Since(startTime) }()

	fail := func(err error) {
		logger.Error(err.Error())
		result.Err = &TableMigrationError{Table: table, Phase: result.State, Err: err}
		result.transition(StateFailed)
		foreignKeys = nil
	}

	if job.Mode != ModeSchemaOnly && m.checkpoint.IsTableComplete(table) {
		progress, _ := m.checkpoint.TableProgress(table)
		logger.Logger.Sugar().Infof("Table %s already migrated (%s/%s rows), skipping",
			table, humanize.Comma(progress.RowsMigrated), humanize.Comma(progress.TotalRows))
		result.Resumed = true
		result.transition(StateComplete)
		return result, nil
	}
	// an unfinished checkpoint entry means the target table holds this job's
	// partial load, which is reloaded from the start
	restart := false
	if progress, ok := m.checkpoint.TableProgress(table); ok && job.Mode != ModeSchemaOnly {
		restart = progress.RowsMigrated < progress.TotalRows
		if restart {
			logger.Logger.Sugar().Infof("Table %s was interrupted at %s/%s rows, reloading",
				table, humanize.Comma(progress.RowsMigrated), humanize.Comma(progress.TotalRows))
		}
	}

	schema, err := extractTableSchema(ctx, logger, session.Extractor, table)
	if err != nil {
		fail(err)
		return result, nil
	}
	result.transition(StateSchemaExtracted)

	transferData := job.Mode != ModeSchemaOnly
	created := false
	if job.Mode != ModeDataOnly {
		created, err = m.applyTableObjects(ctx, logger, session, job, table, schema)
		if err != nil {
			fail(err)
			return result, nil
		}
		if created {
			result.transition(StateDDLApplied)
			if job.CreateForeignKeys {
				for _, fk := range schema.ForeignKeys {
					foreignKeys = append(foreignKeys, pendingForeignKey{Table: table, Key: fk})
				}
			}
		} else {
			result.transition(StateSkippedExisting)
			if !job.ForceData && !restart {
				transferData = false
			}
		}
		if err := m.checkpoint.MarkCompleted("schema:" + table); err != nil {
			fail(err)
			return result, nil
		}
	}

	if transferData {
		if err := m.transferTable(ctx, logger, session, job, table, schema, (job.TruncateBeforeLoad || restart) && !created, &result); err != nil {
			fail(err)
			return result, nil
		}
		result.transition(StateDataTransferred)
	} else {
		result.transition(StateSkippedData)
	}

	if job.ValidateEnabled && job.Mode != ModeSchemaOnly {
		m.validateTable(ctx, logger, session, job, table, &result)
		result.transition(StateValidated)
	} else {
		result.transition(StateSkippedValidation)
	}
	result.transition(StateComplete)
	return result, foreignKeys
}

func (m *Migrator) transferTable(ctx context.Context, logger common.Logger, session *Session, job MigrationJob, table string, schema tableSchema, truncate bool, result *TableResult) error {
	total, err := session.Source.RowCount(ctx, table, session.Source.Schema())
	if err != nil {
		return fmt.Errorf("count source rows: %w", err)
	}
	if err := m.checkpoint.UpdateTableProgress(table, 0, total); err != nil {
		return err
	}
	if truncate {
		truncateSql := m.converter.RenderTruncateTable(table, session.Target.Schema())
		if err := TruncateTable(ctx, logger, session.Target, truncateSql); err != nil {
			return fmt.Errorf("truncate target: %w", err)
		}
	}
	stats, err := session.Transfer.TransferTable(ctx, table, m.checkpoint)
	result.Rows = stats.RowsTransferred
	if err != nil {
		return err
	}
	if job.CreateSequences && len(schema.PrimaryKeys) > 0 {
		syncStats := session.Sequences.SyncSequencesForTable(ctx, table, schema.PrimaryKeys, "")
		logger.Logger.Sugar().Infof("Sequence sync for %s: %d synced, %d failed, %d skipped",
			table, syncStats.Synced, syncStats.Failed, syncStats.Skipped)
	}
	return m.checkpoint.MarkCompleted("data:" + table)
}

func (m *Migrator) validateTable(ctx context.Context, logger common.Logger, session *Session, job MigrationJob, table string, result *TableResult) {
	options := job.Validation
	if !options.RowCount && !options.Structure && !options.Sampling {
		options.RowCount = true
	}
	validation := session.Validator.ValidateTable(ctx, table, options)
	result.RowCount = validation.RowCount
	result.Structure = validation.Structure
	result.Sample = validation.Sample
	if !validation.Valid() {
		logger.Logger.Sugar().Warnf("Validation of %s reported mismatches", table)
	}
}
