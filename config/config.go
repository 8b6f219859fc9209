// Package config loads the YAML job configuration with environment
// overrides (DB2PG_POSTGRESQL_PASSWORD and friends).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	tunnel "github.com/Ants24/db2pg-tunnel"
)

const EnvPrefix = "DB2PG"

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Schema   string `mapstructure:"schema"`
	SSL      bool   `mapstructure:"ssl"`
	Driver   string `mapstructure:"driver"`

	Timeout time.Duration `mapstructure:"-"`
}

type MigrationConfig struct {
	Mode               string   `mapstructure:"mode"`
	BatchSize          int      `mapstructure:"batch_size"`
	ContinueOnError    bool     `mapstructure:"continue_on_error"`
	ParallelWorkers    int      `mapstructure:"parallel_workers"`
	Tables             []string `mapstructure:"tables"`
	ExcludeTables      []string `mapstructure:"exclude_tables"`
	CreateSequences    bool     `mapstructure:"create_sequences"`
	DropExisting       bool     `mapstructure:"drop_existing"`
	SkipExisting       bool     `mapstructure:"skip_existing"`
	ForceData          bool     `mapstructure:"force_data"`
	TruncateBeforeLoad bool     `mapstructure:"truncate_before_load"`
	CreateIndexes      bool     `mapstructure:"create_indexes"`
	CreateForeignKeys  bool     `mapstructure:"create_foreign_keys"`
	CounterTable       string   `mapstructure:"counter_table"`
}

type ConnectionConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"-"`
}

type ResumeConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	CheckpointFile string `mapstructure:"checkpoint_file"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"`
	Console bool   `mapstructure:"console"`
}

type ValidationConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	RowCount     bool `mapstructure:"row_count"`
	Structure    bool `mapstructure:"structure"`
	DataSampling bool `mapstructure:"data_sampling"`
	SampleSize   int  `mapstructure:"sample_size"`
}

type Config struct {
	DB2        DatabaseConfig   `mapstructure:"db2"`
	PostgreSQL DatabaseConfig   `mapstructure:"postgresql"`
	Migration  MigrationConfig  `mapstructure:"migration"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Resume     ResumeConfig     `mapstructure:"resume"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Validation ValidationConfig `mapstructure:"validation"`
}

var requiredKeys = []string{"host", "port", "database", "user", "password"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db2.timeout", 30)
	v.SetDefault("db2.driver", "go_ibm_db")
	v.SetDefault("postgresql.schema", "public")
	v.SetDefault("postgresql.timeout", 30)

	v.SetDefault("migration.mode", string(tunnel.ModeFull))
	v.SetDefault("migration.batch_size", tunnel.DefaultBatchSize)
	v.SetDefault("migration.parallel_workers", 1)
	v.SetDefault("migration.create_sequences", true)
	v.SetDefault("migration.create_indexes", true)
	v.SetDefault("migration.create_foreign_keys", true)
	v.SetDefault("migration.counter_table", tunnel.DefaultCounterTable)

	v.SetDefault("connection.max_retries", tunnel.DefaultMaxRetries)
	v.SetDefault("connection.retry_delay", tunnel.DefaultRetryDelay.String())

	v.SetDefault("resume.enabled", true)
	v.SetDefault("resume.checkpoint_file", tunnel.DefaultStateFile)

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.console", true)

	v.SetDefault("validation.enabled", true)
	v.SetDefault("validation.row_count", true)
	v.SetDefault("validation.data_sampling", true)
	v.SetDefault("validation.sample_size", tunnel.DefaultSampleSize)
}

// Load reads path, applies DB2PG_* environment overrides and validates the
// result. Every problem found is reported in one *ConfigurationError.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	// env-only values are invisible to Unmarshal unless bound
	for _, section := range []string{"db2", "postgresql"} {
		for _, key := range append(requiredKeys, "schema") {
			if err := v.BindEnv(section + "." + key); err != nil {
				return nil, err
			}
		}
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, &ConfigurationError{Problems: []string{err.Error()}, err: err}
	}
	var errs error
	var err error
	if c.DB2.Timeout, err = seconds(v.Get("db2.timeout")); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("db2.timeout: %w", err))
	}
	if c.PostgreSQL.Timeout, err = seconds(v.Get("postgresql.timeout")); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("postgresql.timeout: %w", err))
	}
	if c.Connection.RetryDelay, err = seconds(v.Get("connection.retry_delay")); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("connection.retry_delay: %w", err))
	}
	if err := multierr.Append(errs, c.validate()); err != nil {
		return nil, newConfigurationError(err)
	}
	return &c, nil
}

// seconds accepts either a duration string ("5s") or a bare number of
// seconds.
func seconds(value any) (time.Duration, error) {
	if value == nil {
		return 0, nil
	}
	if s, ok := value.(string); ok {
		s = strings.TrimSpace(s)
		if d, err := time.ParseDuration(s); err == nil {
			return d, nil
		}
	}
	n, err := cast.ToFloat64E(value)
	if err != nil {
		return 0, err
	}
	return time.Duration(n * float64(time.Second)), nil
}

func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return newConfigurationError(err)
	}
	return nil
}

func (d DatabaseConfig) validate(section string) error {
	var errs error
	missing := func(key string) {
		errs = multierr.Append(errs, fmt.Errorf("missing required field: %s.%s", section, key))
	}
	if d.Host == "" {
		missing("host")
	}
	if d.Port == 0 {
		missing("port")
	} else if d.Port < 0 || d.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("%s.port out of range: %d", section, d.Port))
	}
	if d.Database == "" {
		missing("database")
	}
	if d.User == "" {
		missing("user")
	}
	if d.Password == "" {
		missing("password")
	}
	return errs
}

func (c *Config) validate() error {
	errs := multierr.Combine(c.DB2.validate("db2"), c.PostgreSQL.validate("postgresql"))
	if _, err := tunnel.ParseMode(c.Migration.Mode); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("migration.mode: %w", err))
	}
	if c.Migration.BatchSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("migration.batch_size must be positive, got %d", c.Migration.BatchSize))
	}
	if c.Migration.ParallelWorkers < 1 {
		errs = multierr.Append(errs, fmt.Errorf("migration.parallel_workers must be at least 1, got %d", c.Migration.ParallelWorkers))
	}
	if c.Migration.DropExisting && c.Migration.SkipExisting {
		errs = multierr.Append(errs, fmt.Errorf("migration.drop_existing and migration.skip_existing are mutually exclusive"))
	}
	if c.Connection.MaxRetries < 1 {
		errs = multierr.Append(errs, fmt.Errorf("connection.max_retries must be at least 1, got %d", c.Connection.MaxRetries))
	}
	if c.Connection.RetryDelay < 0 {
		errs = multierr.Append(errs, fmt.Errorf("connection.retry_delay must not be negative"))
	}
	if c.Validation.DataSampling && c.Validation.SampleSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("validation.sample_size must be positive, got %d", c.Validation.SampleSize))
	}
	return errs
}

func (c *Config) connection(dialect string, d DatabaseConfig) tunnel.ConnectionConfig {
	return tunnel.ConnectionConfig{
		Dialect:    dialect,
		Driver:     d.Driver,
		Host:       d.Host,
		Port:       d.Port,
		Database:   d.Database,
		User:       d.User,
		Password:   d.Password,
		Schema:     d.Schema,
		SSL:        d.SSL,
		Timeout:    d.Timeout,
		MaxRetries: c.Connection.MaxRetries,
		RetryDelay: c.Connection.RetryDelay,
	}
}

func (c *Config) SourceConnection() tunnel.ConnectionConfig {
	return c.connection("db2", c.DB2)
}

func (c *Config) TargetConnection() tunnel.ConnectionConfig {
	cfg := c.connection("postgres", c.PostgreSQL)
	cfg.Driver = ""
	return cfg
}

// Job builds the migration job for tables from the configured policy.
func (c *Config) Job(tables []string) tunnel.MigrationJob {
	mode, _ := tunnel.ParseMode(c.Migration.Mode)
	return tunnel.MigrationJob{
		Tables:             tables,
		Mode:               mode,
		CreateSequences:    c.Migration.CreateSequences,
		DropExisting:       c.Migration.DropExisting,
		SkipExisting:       c.Migration.SkipExisting,
		ForceData:          c.Migration.ForceData,
		ContinueOnError:    c.Migration.ContinueOnError,
		ValidateEnabled:    c.Validation.Enabled,
		TruncateBeforeLoad: c.Migration.TruncateBeforeLoad,
		CreateIndexes:      c.Migration.CreateIndexes,
		CreateForeignKeys:  c.Migration.CreateForeignKeys,
		Parallel:           c.Migration.ParallelWorkers,
		Validation: tunnel.ValidationOptions{
			RowCount:   c.Validation.RowCount,
			Structure:  c.Validation.Structure,
			Sampling:   c.Validation.DataSampling,
			SampleSize: c.Validation.SampleSize,
		},
	}
}

// FilterTables drops excluded tables, compared case-insensitively.
func (c *Config) FilterTables(tables []string) []string {
	if len(c.Migration.ExcludeTables) == 0 {
		return tables
	}
	excluded := make(map[string]struct{}, len(c.Migration.ExcludeTables))
	for _, table := range c.Migration.ExcludeTables {
		excluded[strings.ToUpper(table)] = struct{}{}
	}
	kept := make([]string, 0, len(tables))
	for _, table := range tables {
		if _, skip := excluded[strings.ToUpper(table)]; !skip {
			kept = append(kept, table)
		}
	}
	return kept
}
