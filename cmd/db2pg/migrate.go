package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	tunnel "github.com/Ants24/db2pg-tunnel"
	"github.com/Ants24/db2pg-tunnel/config"
	"github.com/Ants24/db2pg-tunnel/converter"
)

var errIncomplete = errors.New("migration finished with failed tables")

type migrateOptions struct {
	schemaOnly   bool
	dataOnly     bool
	tables       []string
	batchSize    int
	parallel     int
	noSequences  bool
	dropExisting bool
	skipExisting bool
	forceData    bool
	truncate     bool
	stateFile    string
}

func addMigrateFlags(cmd *cobra.Command, opts *migrateOptions) {
	flags := cmd.Flags()
	flags.BoolVar(&opts.schemaOnly, "schema-only", false, "create tables without copying data")
	flags.BoolVar(&opts.dataOnly, "data-only", false, "copy data into existing tables")
	flags.StringSliceVarP(&opts.tables, "tables", "t", nil, "tables to migrate (repeatable)")
	flags.IntVar(&opts.batchSize, "batch-size", tunnel.DefaultBatchSize, "rows per batch")
	flags.IntVarP(&opts.parallel, "parallel", "p", 1, "tables migrated concurrently")
	flags.BoolVar(&opts.noSequences, "no-sequences", false, "do not create or resync sequences")
	flags.BoolVar(&opts.dropExisting, "drop-existing", false, "drop and recreate existing target tables")
	flags.BoolVar(&opts.skipExisting, "skip-existing", false, "leave existing target tables untouched")
	flags.BoolVar(&opts.forceData, "force-data", false, "copy data even into tables that already existed")
	flags.BoolVar(&opts.truncate, "truncate", false, "truncate existing target tables before loading")
	flags.StringVar(&opts.stateFile, "state-file", tunnel.DefaultStateFile, "checkpoint file")
	cmd.MarkFlagsMutuallyExclusive("schema-only", "data-only")
	cmd.MarkFlagsMutuallyExclusive("drop-existing", "skip-existing")
}

// apply overrides the configuration with the flags the user actually set.
func (o *migrateOptions) apply(cfg *config.Config, changed func(name string) bool) error {
	switch {
	case o.schemaOnly && o.dataOnly:
		return fmt.Errorf("--schema-only and --data-only are mutually exclusive")
	case o.schemaOnly:
		cfg.Migration.Mode = string(tunnel.ModeSchemaOnly)
	case o.dataOnly:
		cfg.Migration.Mode = string(tunnel.ModeDataOnly)
	}
	if changed("batch-size") {
		cfg.Migration.BatchSize = o.batchSize
	}
	if changed("parallel") {
		cfg.Migration.ParallelWorkers = o.parallel
	}
	if o.noSequences {
		cfg.Migration.CreateSequences = false
	}
	if o.dropExisting {
		cfg.Migration.DropExisting = true
		cfg.Migration.SkipExisting = false
	}
	if o.skipExisting {
		cfg.Migration.SkipExisting = true
		cfg.Migration.DropExisting = false
	}
	if o.forceData {
		cfg.Migration.ForceData = true
	}
	if o.truncate {
		cfg.Migration.TruncateBeforeLoad = true
	}
	if changed("state-file") {
		cfg.Resume.CheckpointFile = o.stateFile
	}
	return cfg.Validate()
}

func setupMigrateCommand(parent *cobra.Command) {
	opts := &migrateOptions{}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate schema and data from DB2 to PostgreSQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, opts, false)
		},
	}
	addMigrateFlags(cmd, opts)
	parent.AddCommand(cmd)
}

func setupResumeCommand(parent *cobra.Command) {
	opts := &migrateOptions{}
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue an interrupted migration from its checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, opts, true)
		},
	}
	addMigrateFlags(cmd, opts)
	parent.AddCommand(cmd)
}

func runMigrate(cmd *cobra.Command, opts *migrateOptions, resume bool) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := opts.apply(cfg, cmd.Flags().Changed); err != nil {
		return err
	}
	if resume {
		cfg.Resume.Enabled = true
		if _, err := os.Stat(cfg.Resume.CheckpointFile); err != nil {
			return fmt.Errorf("nothing to resume: %w", err)
		}
	}

	jobCode := newJobCode()
	log, err := newLogger(cfg, jobCode)
	if err != nil {
		return err
	}
	defer log.Sync()

	checkpoint := tunnel.NewCheckpointStore(cfg.Resume.CheckpointFile, nil)
	loaded := checkpoint.Load()
	switch loaded.Outcome {
	case tunnel.LoadReset:
		log.Logger.Sugar().Warnf("Checkpoint %s could not be read, starting over: %v", checkpoint.Path(), loaded.Err)
	case tunnel.LoadRestored:
		progress := checkpoint.Summary()
		log.Logger.Sugar().Infof("Restored checkpoint %s: %d/%d tables complete (%.2f%%)",
			checkpoint.Path(), progress.CompletedTables, progress.TotalTables, progress.OverallPercentage)
	}
	if !cfg.Resume.Enabled {
		if err := checkpoint.Reset(); err != nil {
			return err
		}
	}

	cache := tunnel.NewConnectorCache()
	defer func() {
		if err := cache.Close(ctx); err != nil {
			log.Logger.Sugar().Warnf("Disconnect: %v", err)
		}
	}()
	session, err := openSession(ctx, log, cfg, cache)
	if err != nil {
		log.Error(err.Error())
		return err
	}
	tables, err := resolveTables(ctx, cfg, opts.tables, session.Extractor.(tableLister))
	if err != nil {
		return err
	}
	if len(tables) == 0 {
		log.Info("No tables to migrate")
		return nil
	}

	job := cfg.Job(tables)
	migrator := tunnel.NewMigrator(log, session, converter.NewSchemaConverter(nil), checkpoint)
	if job.Parallel > 1 {
		migrator.SetSessionFactory(sessionFactory(log, cfg))
	}
	log.Logger.Sugar().Infof("Job %s: migrating %d tables", jobCode, len(tables))
	summary, runErr := migrator.RunMigration(ctx, job)
	if summary != nil {
		printSummary(cmd.OutOrStdout(), summary)
	}
	if runErr != nil {
		return runErr
	}
	if summary.Status != tunnel.StatusCompleted {
		return errIncomplete
	}
	return nil
}
