// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/extractor"
)

// EnvPrefix namespaces environment overrides, e.g. ARCHIVER_SERVER_PORT.
const EnvPrefix = "ARCHIVER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig               `mapstructure:"server"`
	Logging    LoggingConfig              `mapstructure:"logging"`
	Archive    ArchiveConfig              `mapstructure:"archive"`
	Archiving  ArchivingConfig            `mapstructure:"archiving"`
	Extractors map[string]ExtractorConfig `mapstructure:"extractors"`
	HTTP       HTTPConfig                 `mapstructure:"http"`
	Headless   HeadlessConfig             `mapstructure:"headless"`
	ArchiveOrg ArchiveOrgConfig           `mapstructure:"archive_org"`
	RateLimit  RateLimitConfig            `mapstructure:"ratelimit"`
	Index      IndexConfig                `mapstructure:"index"`
	Storage    StorageConfig              `mapstructure:"storage"`
	PubSub     PubSubConfig               `mapstructure:"pubsub"`
	Progress   ProgressConfig             `mapstructure:"progress"`
	Tracing    TracingConfig              `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ArchiveConfig locates the archive on disk.
type ArchiveConfig struct {
	Dir string `mapstructure:"dir"`
	// KeepFragment retains URL fragments during normalization.
	KeepFragment bool `mapstructure:"keep_fragment"`
	// StripParams replaces the default tracking parameter globs when set.
	StripParams []string `mapstructure:"strip_params"`
}

// ArchivingConfig holds the run policy and worker pool sizing.
type ArchivingConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxRetries     int `mapstructure:"max_retries"`
	// MaxRetriesLimit caps max_retries requested through the API.
	MaxRetriesLimit    int      `mapstructure:"max_retries_limit"`
	Required           []string `mapstructure:"required"`
	Overwrite          bool     `mapstructure:"overwrite"`
	Concurrency        int      `mapstructure:"concurrency"`
	ParallelExtractors int      `mapstructure:"parallel_extractors"`
	// MaxParallelism caps parallelism requested through the API.
	MaxParallelism      int `mapstructure:"max_parallelism"`
	QueueDepth          int `mapstructure:"queue_depth"`
	OutputLimitBytes    int `mapstructure:"output_limit_bytes"`
	KillGraceSeconds    int `mapstructure:"kill_grace_seconds"`
	MaxRequeues         int `mapstructure:"max_requeues"`
	RequeueDelaySeconds int `mapstructure:"requeue_delay_seconds"`
}

// ExtractorConfig overrides one extractor.
type ExtractorConfig struct {
	// Enabled is nil when the extractor keeps its default toggle.
	Enabled        *bool    `mapstructure:"enabled"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	Binary         string   `mapstructure:"binary"`
	ExtraArgs      []string `mapstructure:"extra_args"`
}

// HTTPConfig configures the fetcher used by HTTP-based extractors.
type HTTPConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the headless browser used by dom, screenshot and pdf.
type HeadlessConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	MaxParallel       int    `mapstructure:"max_parallel"`
	NavTimeoutSec     int    `mapstructure:"nav_timeout_seconds"`
	ChromePath        string `mapstructure:"chrome_path"`
	ScreenshotQuality int    `mapstructure:"screenshot_quality"`
}

// ArchiveOrgConfig points the archive-org extractor at a save endpoint.
type ArchiveOrgConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// RateLimitConfig throttles networked extractors per host.
type RateLimitConfig struct {
	DefaultRPS float64            `mapstructure:"default_rps"`
	Burst      int                `mapstructure:"burst"`
	Hosts      map[string]float64 `mapstructure:"hosts"`
}

// IndexConfig controls the Postgres index mirror.
type IndexConfig struct {
	DSN            string `mapstructure:"dsn"`
	SnapshotsTable string `mapstructure:"snapshots_table"`
	RunsTable      string `mapstructure:"runs_table"`
	MaxConns       int32  `mapstructure:"max_conns"`
	MinConns       int32  `mapstructure:"min_conns"`
	AutoMigrate    bool   `mapstructure:"auto_migrate"`
}

// StorageConfig selects where artifacts are mirrored. A GCS bucket wins over
// a local mirror directory; neither disables mirroring.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	MirrorDir string `mapstructure:"mirror_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for status notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	// Ordering keys messages by snapshot so subscribers see transitions in order.
	Ordering bool `mapstructure:"ordering"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize         int  `mapstructure:"buffer_size"`
	MaxBatchEvents     int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs     int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutSeconds int  `mapstructure:"sink_timeout_seconds"`
	LogEvents          bool `mapstructure:"log_events"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	// Exporter is "stdout", "gcp" or "none". "gcp" exports to Cloud Trace
	// in pubsub.project_id.
	Exporter string `mapstructure:"exporter"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("archive.dir", "./archive")
	v.SetDefault("archive.keep_fragment", false)
	v.SetDefault("archiving.timeout_seconds", 60)
	v.SetDefault("archiving.max_retries", 1)
	v.SetDefault("archiving.max_retries_limit", 10)
	v.SetDefault("archiving.required", []string{extractor.NameStatic, extractor.NameWget, extractor.NameDOM})
	v.SetDefault("archiving.overwrite", false)
	v.SetDefault("archiving.concurrency", 4)
	v.SetDefault("archiving.parallel_extractors", 1)
	v.SetDefault("archiving.max_parallelism", 8)
	v.SetDefault("archiving.queue_depth", 256)
	v.SetDefault("archiving.output_limit_bytes", 65536)
	v.SetDefault("archiving.kill_grace_seconds", 2)
	v.SetDefault("archiving.max_requeues", 0)
	v.SetDefault("archiving.requeue_delay_seconds", 5)
	v.SetDefault("extractors.media.timeout_seconds", int(extractor.MediaTimeout/time.Second))
	v.SetDefault("http.user_agent", "web-archiver/0.1")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_body_bytes", 0)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.screenshot_quality", 100)
	v.SetDefault("archive_org.endpoint", extractor.DefaultArchiveOrgEndpoint)
	v.SetDefault("ratelimit.default_rps", 1.0)
	v.SetDefault("ratelimit.burst", 2)
	v.SetDefault("index.snapshots_table", "snapshots")
	v.SetDefault("index.runs_table", "extractor_runs")
	v.SetDefault("index.max_conns", 4)
	v.SetDefault("index.auto_migrate", true)
	v.SetDefault("storage.prefix", "archive")
	v.SetDefault("pubsub.ordering", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_seconds", 10)
	v.SetDefault("progress.log_events", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "web-archiver")
	v.SetDefault("tracing.sample_ratio", 0.1)
	v.SetDefault("tracing.exporter", "none")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Archive.Dir) == "" {
		return fmt.Errorf("archive.dir must be set")
	}
	if c.Archiving.TimeoutSeconds <= 0 {
		return fmt.Errorf("archiving.timeout_seconds must be > 0")
	}
	if c.Archiving.MaxRetries < 0 {
		return fmt.Errorf("archiving.max_retries must be >= 0")
	}
	if c.Archiving.Concurrency <= 0 {
		return fmt.Errorf("archiving.concurrency must be > 0")
	}
	if c.Archiving.ParallelExtractors <= 0 {
		return fmt.Errorf("archiving.parallel_extractors must be > 0")
	}
	if c.Archiving.MaxRetriesLimit < c.Archiving.MaxRetries {
		return fmt.Errorf("archiving.max_retries_limit must be >= archiving.max_retries")
	}
	if c.Archiving.MaxParallelism < c.Archiving.ParallelExtractors {
		return fmt.Errorf("archiving.max_parallelism must be >= archiving.parallel_extractors")
	}
	if c.Archiving.QueueDepth < 0 {
		return fmt.Errorf("archiving.queue_depth must be >= 0")
	}
	for name, ext := range c.Extractors {
		if ext.TimeoutSeconds < 0 {
			return fmt.Errorf("extractors.%s.timeout_seconds must be >= 0", name)
		}
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.RateLimit.DefaultRPS < 0 {
		return fmt.Errorf("ratelimit.default_rps must be >= 0")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	case "gcp":
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set when tracing.exporter is gcp")
		}
	default:
		return fmt.Errorf("tracing.exporter must be one of none, stdout, gcp")
	}
	return nil
}

// Options converts the archiving policy and extractor overrides into run options.
func (c Config) Options() archive.Options {
	opts := archive.Options{
		Overwrite:      c.Archiving.Overwrite,
		Required:       append([]string(nil), c.Archiving.Required...),
		MaxRetries:     c.Archiving.MaxRetries,
		Parallelism:    c.Archiving.ParallelExtractors,
		DefaultTimeout: time.Duration(c.Archiving.TimeoutSeconds) * time.Second,
	}
	for name, ext := range c.Extractors {
		if ext.TimeoutSeconds > 0 {
			if opts.Timeouts == nil {
				opts.Timeouts = make(map[string]time.Duration)
			}
			opts.Timeouts[name] = time.Duration(ext.TimeoutSeconds) * time.Second
		}
		if ext.Enabled != nil {
			if opts.Enabled == nil {
				opts.Enabled = make(map[string]bool)
			}
			opts.Enabled[name] = *ext.Enabled
		}
	}
	return opts
}

// Normalizer returns the URL normalization rules.
func (c Config) Normalizer() archive.Normalizer {
	n := archive.NewNormalizer()
	n.KeepFragment = c.Archive.KeepFragment
	if len(c.Archive.StripParams) > 0 {
		n.StripParams = append([]string(nil), c.Archive.StripParams...)
	}
	return n
}

// ExtractorSettings collects binary names and extra arguments per extractor.
// Fetchers are attached by the caller.
func (c Config) ExtractorSettings() extractor.Settings {
	s := extractor.Settings{
		UserAgent:          c.HTTP.UserAgent,
		ArchiveOrgEndpoint: c.ArchiveOrg.Endpoint,
		Binaries:           make(map[string]string),
		ExtraArgs:          make(map[string][]string),
	}
	for name, ext := range c.Extractors {
		if ext.Binary != "" {
			s.Binaries[name] = ext.Binary
		}
		if len(ext.ExtraArgs) > 0 {
			s.ExtraArgs[name] = append([]string(nil), ext.ExtraArgs...)
		}
	}
	return s
}

// HTTPTimeout is the per-request budget of the fetcher.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// KillGrace is how long a canceled extractor may take to stop.
func (c Config) KillGrace() time.Duration {
	return time.Duration(c.Archiving.KillGraceSeconds) * time.Second
}

// RequeueDelay is waited before retrying a snapshot after a pipeline fault.
func (c Config) RequeueDelay() time.Duration {
	return time.Duration(c.Archiving.RequeueDelaySeconds) * time.Second
}

// ProgressBatchWait is the longest an event waits in a progress batch.
func (c Config) ProgressBatchWait() time.Duration {
	return time.Duration(c.Progress.MaxBatchWaitMs) * time.Millisecond
}
