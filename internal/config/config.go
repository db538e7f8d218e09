package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override, e.g. UWBSYNC_SCAN_TIME.
const EnvPrefix = "UWBSYNC_"

// Config is the server configuration. Every field is optional; the Get*
// methods supply defaults for anything the JSON file or the environment
// leaves unset, so partial configs are safe.
type Config struct {
	// Transport
	Listen     *string `json:"listen,omitempty"`
	GRPCListen *string `json:"grpc_listen,omitempty"`
	Advertise  *bool   `json:"advertise,omitempty"`

	// Storage
	DBDriver *string `json:"db_driver,omitempty"` // sqlite | postgres | memory
	DBPath   *string `json:"db_path,omitempty"`
	DBDSN    *string `json:"db_dsn,omitempty"`

	// Channel scheduling, duration strings like "300ms"
	SlowScanPeriod *string `json:"slow_scan_period,omitempty"`
	ScanPeriod     *string `json:"scan_period,omitempty"`
	ScanInterval   *string `json:"scan_interval,omitempty"`
	ScanTime       *string `json:"scan_time,omitempty"`
	SlowScanLead   *string `json:"slow_scan_lead,omitempty"`
	FastScanLead   *string `json:"fast_scan_lead,omitempty"`
	MeasureLead    *string `json:"measure_lead,omitempty"`
	MaxChannelLead *string `json:"max_channel_lead,omitempty"`

	// Rounds
	ReportGrace    *string `json:"report_grace,omitempty"`
	RoundHistory   *int    `json:"round_history,omitempty"`
	ReadingChannel *int    `json:"reading_channel,omitempty"`

	// Output pipeline
	ExportToDB        *bool   `json:"export_to_db,omitempty"`
	ExportToEstimator *bool   `json:"export_to_estimator,omitempty"`
	EstimatorURL      *string `json:"estimator_url,omitempty"`
	EstimatorToken    *string `json:"estimator_token,omitempty"`
	EstimatorTimeout  *string `json:"estimator_timeout,omitempty"`
	DBMaxRetries      *int    `json:"db_max_retries,omitempty"`
	DBRetryDelay      *string `json:"db_retry_delay,omitempty"`
	OutputWorkers     *int    `json:"output_workers,omitempty"`
	OutputQueue       *int    `json:"output_queue,omitempty"`
	ShutdownGrace     *string `json:"shutdown_grace,omitempty"`

	// Logging and tracing
	LogLevel        *string `json:"log_level,omitempty"`
	LogFormat       *string `json:"log_format,omitempty"`
	TracingEnabled  *bool   `json:"tracing_enabled,omitempty"`
	TracingExporter *string `json:"tracing_exporter,omitempty"`
	TracingEndpoint *string `json:"tracing_endpoint,omitempty"`
}

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads the JSON file at path (when non-empty), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Empty()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile loads a Config from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadFile(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables named EnvPrefix plus
// the upper-cased JSON key. lookup is os.LookupEnv outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]**string{
		"listen":            &c.Listen,
		"grpc_listen":       &c.GRPCListen,
		"db_driver":         &c.DBDriver,
		"db_path":           &c.DBPath,
		"db_dsn":            &c.DBDSN,
		"slow_scan_period":  &c.SlowScanPeriod,
		"scan_period":       &c.ScanPeriod,
		"scan_interval":     &c.ScanInterval,
		"scan_time":         &c.ScanTime,
		"slow_scan_lead":    &c.SlowScanLead,
		"fast_scan_lead":    &c.FastScanLead,
		"measure_lead":      &c.MeasureLead,
		"max_channel_lead":  &c.MaxChannelLead,
		"report_grace":      &c.ReportGrace,
		"estimator_url":     &c.EstimatorURL,
		"estimator_token":   &c.EstimatorToken,
		"estimator_timeout": &c.EstimatorTimeout,
		"db_retry_delay":    &c.DBRetryDelay,
		"shutdown_grace":    &c.ShutdownGrace,
		"log_level":         &c.LogLevel,
		"log_format":        &c.LogFormat,
		"tracing_exporter":  &c.TracingExporter,
		"tracing_endpoint":  &c.TracingEndpoint,
	}
	for key, field := range strs {
		if v, ok := lookup(envName(key)); ok {
			*field = ptrString(v)
		}
	}

	ints := map[string]**int{
		"round_history":   &c.RoundHistory,
		"reading_channel": &c.ReadingChannel,
		"db_max_retries":  &c.DBMaxRetries,
		"output_workers":  &c.OutputWorkers,
		"output_queue":    &c.OutputQueue,
	}
	for key, field := range ints {
		v, ok := lookup(envName(key))
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", envName(key), err)
		}
		*field = ptrInt(n)
	}

	bools := map[string]**bool{
		"advertise":           &c.Advertise,
		"export_to_db":        &c.ExportToDB,
		"export_to_estimator": &c.ExportToEstimator,
		"tracing_enabled":     &c.TracingEnabled,
	}
	for key, field := range bools {
		v, ok := lookup(envName(key))
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", envName(key), err)
		}
		*field = ptrBool(b)
	}
	return nil
}

func envName(key string) string {
	return EnvPrefix + strings.ToUpper(key)
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	durations := map[string]*string{
		"slow_scan_period":  c.SlowScanPeriod,
		"scan_period":       c.ScanPeriod,
		"scan_interval":     c.ScanInterval,
		"scan_time":         c.ScanTime,
		"slow_scan_lead":    c.SlowScanLead,
		"fast_scan_lead":    c.FastScanLead,
		"measure_lead":      c.MeasureLead,
		"max_channel_lead":  c.MaxChannelLead,
		"report_grace":      c.ReportGrace,
		"estimator_timeout": c.EstimatorTimeout,
		"db_retry_delay":    c.DBRetryDelay,
		"shutdown_grace":    c.ShutdownGrace,
	}
	for key, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", key, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", key, *v)
		}
	}

	if c.GetScanTime() <= 0 {
		return fmt.Errorf("scan_time must be positive")
	}
	if c.GetScanInterval() > c.GetScanPeriod() {
		return fmt.Errorf("scan_interval (%s) must not exceed scan_period (%s)", c.GetScanInterval(), c.GetScanPeriod())
	}
	if c.RoundHistory != nil && *c.RoundHistory < 1 {
		return fmt.Errorf("round_history must be at least 1, got %d", *c.RoundHistory)
	}
	if c.DBMaxRetries != nil && *c.DBMaxRetries < 1 {
		return fmt.Errorf("db_max_retries must be at least 1, got %d", *c.DBMaxRetries)
	}
	if c.OutputWorkers != nil && *c.OutputWorkers < 0 {
		return fmt.Errorf("output_workers must be non-negative, got %d", *c.OutputWorkers)
	}
	if c.OutputQueue != nil && *c.OutputQueue < 1 {
		return fmt.Errorf("output_queue must be at least 1, got %d", *c.OutputQueue)
	}

	switch c.GetDBDriver() {
	case "sqlite", "memory":
	case "postgres":
		if c.GetDBDSN() == "" {
			return fmt.Errorf("db_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown db_driver %q", c.GetDBDriver())
	}

	if c.GetExportToEstimator() && c.GetEstimatorURL() == "" {
		return fmt.Errorf("estimator_url is required when export_to_estimator is set")
	}
	return nil
}

// Helper functions to create pointers
func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

func stringOr(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

func durationOr(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (c *Config) GetListen() string     { return stringOr(c.Listen, ":8080") }
func (c *Config) GetGRPCListen() string { return stringOr(c.GRPCListen, "") }
func (c *Config) GetAdvertise() bool    { return boolOr(c.Advertise, false) }
func (c *Config) GetDBDriver() string   { return strings.ToLower(stringOr(c.DBDriver, "sqlite")) }
func (c *Config) GetDBPath() string     { return stringOr(c.DBPath, "uwbsync.db") }
func (c *Config) GetDBDSN() string      { return stringOr(c.DBDSN, "") }

func (c *Config) GetSlowScanPeriod() time.Duration {
	return durationOr(c.SlowScanPeriod, 60*time.Second)
}

// GetScanPeriod is the longest the server lets pass without a fast scan.
func (c *Config) GetScanPeriod() time.Duration {
	return durationOr(c.ScanPeriod, 30*time.Second)
}

// GetScanInterval is how long fast scans keep being issued after one starts.
func (c *Config) GetScanInterval() time.Duration {
	return durationOr(c.ScanInterval, 2*time.Second)
}

// GetScanTime is the channel time reserved for one ranging exchange.
func (c *Config) GetScanTime() time.Duration {
	return durationOr(c.ScanTime, 300*time.Millisecond)
}

// GetSlowScanLead defaults to slow_scan_period/scan_time milliseconds.
func (c *Config) GetSlowScanLead() time.Duration {
	return durationOr(c.SlowScanLead, periodLead(c.GetSlowScanPeriod(), c.GetScanTime()))
}

// GetFastScanLead defaults to scan_period/scan_time milliseconds.
func (c *Config) GetFastScanLead() time.Duration {
	return durationOr(c.FastScanLead, periodLead(c.GetScanPeriod(), c.GetScanTime()))
}

func periodLead(period, slot time.Duration) time.Duration {
	if slot.Milliseconds() <= 0 {
		return 0
	}
	return time.Duration(period.Milliseconds()/slot.Milliseconds()) * time.Millisecond
}

func (c *Config) GetMeasureLead() time.Duration {
	return durationOr(c.MeasureLead, c.GetScanTime())
}

func (c *Config) GetMaxChannelLead() time.Duration {
	return durationOr(c.MaxChannelLead, 1200*time.Millisecond)
}

func (c *Config) GetReportGrace() time.Duration { return durationOr(c.ReportGrace, time.Second) }
func (c *Config) GetRoundHistory() int          { return intOr(c.RoundHistory, 16) }
func (c *Config) GetReadingChannel() int        { return intOr(c.ReadingChannel, 5) }

func (c *Config) GetExportToDB() bool        { return boolOr(c.ExportToDB, true) }
func (c *Config) GetExportToEstimator() bool { return boolOr(c.ExportToEstimator, false) }
func (c *Config) GetEstimatorURL() string    { return stringOr(c.EstimatorURL, "") }
func (c *Config) GetEstimatorToken() string  { return stringOr(c.EstimatorToken, "") }

func (c *Config) GetEstimatorTimeout() time.Duration {
	return durationOr(c.EstimatorTimeout, 5*time.Second)
}

func (c *Config) GetDBMaxRetries() int { return intOr(c.DBMaxRetries, 5) }

func (c *Config) GetDBRetryDelay() time.Duration {
	return durationOr(c.DBRetryDelay, 10*time.Second)
}

// GetOutputWorkers defaults to eight workers per CPU; output tasks spend
// their time waiting on the database and the estimator.
func (c *Config) GetOutputWorkers() int {
	if n := intOr(c.OutputWorkers, 0); n > 0 {
		return n
	}
	return runtime.NumCPU() * 8
}

func (c *Config) GetOutputQueue() int { return intOr(c.OutputQueue, 4096) }

func (c *Config) GetShutdownGrace() time.Duration {
	return durationOr(c.ShutdownGrace, 30*time.Second)
}

func (c *Config) GetLogLevel() string        { return stringOr(c.LogLevel, "info") }
func (c *Config) GetLogFormat() string       { return stringOr(c.LogFormat, "text") }
func (c *Config) GetTracingEnabled() bool    { return boolOr(c.TracingEnabled, false) }
func (c *Config) GetTracingExporter() string { return stringOr(c.TracingExporter, "stdout") }
func (c *Config) GetTracingEndpoint() string { return stringOr(c.TracingEndpoint, "") }
