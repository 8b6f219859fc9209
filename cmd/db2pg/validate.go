package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	tunnel "github.com/Ants24/db2pg-tunnel"
)

type validateOptions struct {
	tables   []string
	parallel int
}

func setupValidateCommand(parent *cobra.Command) {
	opts := &validateOptions{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and both database connections",
		Long: "Check the configuration and both database connections. With --tables, " +
			"also compare the named tables between DB2 and PostgreSQL.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, opts)
		},
	}
	cmd.Flags().StringSliceVarP(&opts.tables, "tables", "t", nil, "tables to compare after the connection check")
	cmd.Flags().IntVarP(&opts.parallel, "parallel", "p", 1, "tables compared concurrently")
	parent.AddCommand(cmd)
}

func runValidate(cmd *cobra.Command, opts *validateOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Configuration: OK")

	log, err := newLogger(cfg, newJobCode())
	if err != nil {
		return err
	}
	defer log.Sync()

	cache := tunnel.NewConnectorCache()
	defer cache.Close(ctx)

	var errs error
	connected := make(map[string]tunnel.Connector, 2)
	for _, side := range []struct {
		name string
		cfg  tunnel.ConnectionConfig
	}{
		{"DB2", cfg.SourceConnection()},
		{"PostgreSQL", cfg.TargetConnection()},
	} {
		conn, err := cache.Get(ctx, log, side.cfg)
		if err != nil {
			fmt.Fprintf(out, "%s connection: FAILED (%v)\n", side.name, err)
			errs = multierr.Append(errs, err)
			continue
		}
		fmt.Fprintf(out, "%s connection: OK\n", side.name)
		connected[side.name] = conn
	}
	if errs != nil || len(opts.tables) == 0 {
		return errs
	}

	job := cfg.Job(cfg.FilterTables(opts.tables))
	validator := tunnel.NewValidator(log, connected["DB2"], connected["PostgreSQL"])
	if opts.parallel > 1 {
		validator.SetSessionFactory(sessionFactory(log, cfg))
	}
	results, err := validator.ValidateTables(ctx, job.Tables, job.Validation, opts.parallel)
	if err != nil {
		return err
	}
	fmt.Fprint(out, tunnel.GenerateValidationReport(results))
	for _, result := range results {
		if !result.Valid() {
			return fmt.Errorf("validation of %s reported mismatches", result.Table)
		}
	}
	return nil
}
