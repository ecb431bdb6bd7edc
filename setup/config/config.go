package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// VPO is the top level configuration for the video policy orchestrator
// job engine. All durations in the YAML are expressed in seconds unless
// the field name says otherwise.
type VPO struct {
	// The version of the configuration file format.
	Version int `yaml:"version"`

	Database DatabaseOptions `yaml:"database"`
	JobQueue JobQueue        `yaml:"job_queue"`
	Worker   Worker          `yaml:"worker"`
	API      API             `yaml:"api"`
	Logging  Logging         `yaml:"logging"`
}

// ConfigVersion is the current version of the config file format that
// this build understands.
const ConfigVersion = 1

// Load parses the given file as the main configuration.
func Load(configPath string) (*VPO, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	var cfg VPO
	cfg.Defaults()
	if err = yaml.Unmarshal(configData, &cfg); err != nil {
		return nil, err
	}
	if cfg.Version != ConfigVersion {
		return nil, fmt.Errorf(
			"config version is %d, expected %d",
			cfg.Version, ConfigVersion,
		)
	}
	configErrs := &ConfigErrors{}
	cfg.Verify(configErrs)
	if len(*configErrs) > 0 {
		return nil, configErrs
	}
	return &cfg, nil
}

// Defaults sets default values on every section.
func (c *VPO) Defaults() {
	c.Version = ConfigVersion
	c.Database.Defaults()
	c.JobQueue.Defaults()
	c.Worker.Defaults()
	c.API.Defaults()
	c.Logging.Defaults()
}

// Verify checks the configuration and appends any problems found to
// the supplied ConfigErrors.
func (c *VPO) Verify(configErrs *ConfigErrors) {
	c.Database.Verify(configErrs)
	c.JobQueue.Verify(configErrs)
	c.Worker.Verify(configErrs)
	c.API.Verify(configErrs)
	c.Logging.Verify(configErrs)
}

// A DataSource is a connection string. Connection strings beginning
// with "file:" open a SQLite database, those beginning with
// "postgres:" open a PostgreSQL database.
type DataSource string

func (d DataSource) IsSQLite() bool {
	return strings.HasPrefix(string(d), "file:")
}

func (d DataSource) IsPostgres() bool {
	return strings.HasPrefix(string(d), "postgres")
}

// DatabaseOptions contains the database connection options.
type DatabaseOptions struct {
	ConnectionString DataSource `yaml:"connection_string"`
	// Maximum open connections to the DB (0 = use default, negative means unlimited)
	MaxOpenConnections int `yaml:"max_open_conns"`
	// Maximum idle connections to the DB (0 = use default, negative means unlimited)
	MaxIdleConnections int `yaml:"max_idle_conns"`
	// maximum amount of time (in seconds) a connection may be reused
	ConnMaxLifetimeSeconds int `yaml:"conn_max_lifetime"`
}

func (d *DatabaseOptions) Defaults() {
	d.MaxOpenConnections = 10
	d.MaxIdleConnections = 2
	d.ConnMaxLifetimeSeconds = -1
}

func (d *DatabaseOptions) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "database.connection_string", string(d.ConnectionString))
}

// MaxIdleConns returns maximum idle connections to the DB.
func (d DatabaseOptions) MaxIdleConns() int {
	return d.MaxIdleConnections
}

// MaxOpenConns returns maximum open connections to the DB.
func (d DatabaseOptions) MaxOpenConns() int {
	return d.MaxOpenConnections
}

// ConnMaxLifetime returns maximum amount of time a connection may be reused.
func (d DatabaseOptions) ConnMaxLifetime() time.Duration {
	return time.Duration(d.ConnMaxLifetimeSeconds) * time.Second
}

// Logging configures the logrus output level.
type Logging struct {
	Level string `yaml:"level"`
	// Optional Sentry DSN for reporting executor panics. Empty disables
	// Sentry entirely.
	SentryDSN string `yaml:"sentry_dsn"`
}

func (l *Logging) Defaults() {
	l.Level = "info"
}

func (l *Logging) Verify(configErrs *ConfigErrors) {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		configErrs.Add(fmt.Sprintf("invalid value for config key 'logging.level': %s", l.Level))
	}
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

// Add appends an error to the list of errors in this ConfigErrors.
// It is a wrapper to the builtin append and hides pointers from
// the client code.
// This method is safe to use with an uninitialized ConfigErrors because
// if it is nil, it will be properly allocated.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// ConfigErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies the given value is positive (zero included)
// in the configuration. If it is not, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}
