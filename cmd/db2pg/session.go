package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	common "github.com/Ants24/data-tunnel-common"
	"github.com/google/uuid"

	tunnel "github.com/Ants24/db2pg-tunnel"
	"github.com/Ants24/db2pg-tunnel/config"
	"github.com/Ants24/db2pg-tunnel/connector/db2"
	_ "github.com/Ants24/db2pg-tunnel/connector/postgres"
	"github.com/Ants24/db2pg-tunnel/logger"
)

// loadConfig reads the configuration and prints every validation problem on
// its own line before failing.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			for _, problem := range cfgErr.Problems {
				fmt.Fprintln(os.Stderr, "  -", problem)
			}
		}
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newJobCode() string {
	return "db2pg-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

func newLogger(cfg *config.Config, jobCode string) (common.Logger, error) {
	lc := logger.NewConfig()
	lc.Level = cfg.Logging.Level
	lc.File = cfg.Logging.File
	lc.Console = cfg.Logging.Console
	l, err := logger.New(jobCode, lc)
	if err != nil {
		return common.Logger{}, fmt.Errorf("build logger: %w", err)
	}
	return *l, nil
}

func newCatalog(conn tunnel.Connector) (*db2.Catalog, error) {
	source, ok := conn.(*db2.Connector)
	if !ok {
		return nil, fmt.Errorf("source connector %T has no DB2 catalog", conn)
	}
	return db2.NewCatalog(source), nil
}

func sessionOptions(cfg *config.Config) tunnel.SessionOptions {
	return tunnel.SessionOptions{
		BatchSize:    cfg.Migration.BatchSize,
		CounterTable: cfg.Migration.CounterTable,
	}
}

// openSession connects both sides through the shared cache.
func openSession(ctx context.Context, log common.Logger, cfg *config.Config, cache *tunnel.ConnectorCache) (*tunnel.Session, error) {
	source, err := cache.Get(ctx, log, cfg.SourceConnection())
	if err != nil {
		return nil, err
	}
	target, err := cache.Get(ctx, log, cfg.TargetConnection())
	if err != nil {
		return nil, err
	}
	catalog, err := newCatalog(source)
	if err != nil {
		return nil, err
	}
	return tunnel.NewSession(log, source, target, catalog, sessionOptions(cfg)), nil
}

// sessionFactory opens private connections for each parallel worker.
func sessionFactory(log common.Logger, cfg *config.Config) tunnel.SessionFactory {
	return func(ctx context.Context) (*tunnel.Session, error) {
		source, err := tunnel.NewConnector(log, cfg.SourceConnection())
		if err != nil {
			return nil, err
		}
		if err := source.Connect(ctx); err != nil {
			return nil, err
		}
		target, err := tunnel.NewConnector(log, cfg.TargetConnection())
		if err == nil {
			err = target.Connect(ctx)
		}
		if err != nil {
			_ = source.Disconnect(ctx)
			return nil, err
		}
		catalog, err := newCatalog(source)
		if err != nil {
			_ = source.Disconnect(ctx)
			_ = target.Disconnect(ctx)
			return nil, err
		}
		return tunnel.NewSession(log, source, target, catalog, sessionOptions(cfg)), nil
	}
}

type tableLister interface {
	Tables(ctx context.Context) ([]string, error)
}

// resolveTables picks the table list: the command line, then the
// configuration, then every base table of the source schema. Exclusions
// apply in every case.
func resolveTables(ctx context.Context, cfg *config.Config, flagTables []string, lister tableLister) ([]string, error) {
	tables := flagTables
	if len(tables) == 0 {
		tables = cfg.Migration.Tables
	}
	if len(tables) == 0 {
		discovered, err := lister.Tables(ctx)
		if err != nil {
			return nil, fmt.Errorf("discover source tables: %w", err)
		}
		tables = discovered
	}
	return cfg.FilterTables(tables), nil
}
