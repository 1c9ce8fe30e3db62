package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Queue       QueueConfig     `toml:"queue"`
	Status      StatusConfig    `toml:"status"`
	State       StateConfig     `toml:"state"`
	Budget      BudgetConfig    `toml:"budget"`
	Schemas     SchemasConfig   `toml:"schemas"`
	Search      SearchConfig    `toml:"search"`
	Fetcher     FetcherConfig   `toml:"fetcher"`
	Rules       RulesConfig     `toml:"rules"`
	Notify      NotifyConfig    `toml:"notify"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Logging     LoggingConfig   `toml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Host string `toml:"host" validate:"required"`
	Port int    `toml:"port" validate:"required,min=1,max=65535"`
}

type StorageConfig struct {
	SQLite SQLiteConfig `toml:"sqlite"`
	Badger BadgerConfig `toml:"badger"`
}

// SQLiteConfig holds relational store settings
type SQLiteConfig struct {
	Path          string `toml:"path" validate:"required"` // Database file path
	CacheSizeMB   int    `toml:"cache_size_mb"`            // Page cache size in MB
	WALMode       bool   `toml:"wal_mode"`                 // Enable write-ahead logging
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`          // SQLITE_BUSY wait in milliseconds
}

// BadgerConfig holds page-content store settings
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"`         // Delete database on startup for clean test runs
}

// QueueConfig controls the dispatcher worker pool
type QueueConfig struct {
	Slots        map[string]int `toml:"slots"`         // Worker count per slot class (default 1 per slot)
	PollInterval string         `toml:"poll_interval"` // e.g., "250ms" - worker claim cadence when idle
	StaleAfter   string         `toml:"stale_after"`   // Running jobs older than this with no heartbeat are failed
}

// StatusConfig controls the long-poll status surface
type StatusConfig struct {
	MaxWaitSeconds     int `toml:"max_wait_seconds" validate:"min=0,max=60"` // Upper bound on get_status wait
	IdleWarningSeconds int `toml:"idle_warning_seconds" validate:"min=0"`    // Idle threshold before a warning is emitted
}

// StateConfig controls the in-memory exploration state cache
type StateConfig struct {
	CacheSize  int    `toml:"cache_size"`  // Max tasks held in memory
	EvictAfter string `toml:"evict_after"` // Idle duration before eviction, e.g. "30m"
}

// BudgetConfig carries the default per-task budget
type BudgetConfig struct {
	Pages      int `toml:"pages" validate:"min=1"`       // Default budget_pages
	MaxSeconds int `toml:"max_seconds" validate:"min=1"` // Default max_seconds
}

// SchemasConfig allows overriding the embedded tool schemas
type SchemasConfig struct {
	Dir string `toml:"dir"` // When set, load schemas/{tool}.json from this directory instead of the embedded copies
}

type SearchConfig struct {
	Endpoint       string `toml:"endpoint"`        // SERP provider base URL
	RequestTimeout string `toml:"request_timeout"` // e.g., "30s"
	MaxResults     int    `toml:"max_results"`     // Results requested per query
}

// FetcherConfig contains HTML fetching configuration
type FetcherConfig struct {
	UserAgent      string   `toml:"user_agent"`
	RequestTimeout string   `toml:"request_timeout"` // HTTP request timeout
	RequestDelay   string   `toml:"request_delay"`   // Minimum delay between requests to the same domain
	MaxBodySize    int      `toml:"max_body_size"`   // Maximum response body size in bytes
	AllowedTypes   []string `toml:"allowed_types"`   // Content types accepted for extraction
}

// RulesConfig points at startup domain-rule seed files
type RulesConfig struct {
	Dir string `toml:"dir"` // Directory containing rule files (YAML)
}

// NotifyConfig controls the notification outbox and sink
type NotifyConfig struct {
	SinkURL        string `toml:"sink_url"`        // Webhook sink; empty disables delivery (outbox still records)
	QueueName      string `toml:"queue_name"`      // Outbox queue name
	PollInterval   string `toml:"poll_interval"`   // Pump cadence
	MaxReceive     int    `toml:"max_receive"`     // Redelivery attempts before a message is dropped
	Timeout        string `toml:"timeout"`         // Sink request timeout
	RedeliverAfter string `toml:"redeliver_after"` // Wait before a failed delivery is retried
}

type SchedulerConfig struct {
	Enabled          bool   `toml:"enabled"`
	EvictionSchedule string `toml:"eviction_schedule"` // Cron spec for idle-state eviction
	StaleJobSchedule string `toml:"stale_job_schedule"`
	PruneSchedule    string `toml:"prune_schedule"` // Cron spec for retention pruning
	RetentionDays    int    `toml:"retention_days"` // Resolved interventions and old evaluations past this are pruned
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs
}

type WebSocketConfig struct {
	AllowedEvents []string `toml:"allowed_events"` // Whitelist of event types to broadcast (empty = allow all)
}

// NewDefaultConfig returns the configuration used when no file is supplied
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "localhost",
			Port: 8085,
		},
		Storage: StorageConfig{
			SQLite: SQLiteConfig{
				Path:          "./data/indago.db",
				CacheSizeMB:   64,
				WALMode:       true,
				BusyTimeoutMS: 5000,
			},
			Badger: BadgerConfig{
				Path: "./data/content",
			},
		},
		Queue: QueueConfig{
			Slots:        map[string]int{"network_client": 1},
			PollInterval: "250ms",
			StaleAfter:   "10m",
		},
		Status: StatusConfig{
			MaxWaitSeconds:     60,
			IdleWarningSeconds: 300,
		},
		State: StateConfig{
			CacheSize:  256,
			EvictAfter: "30m",
		},
		Budget: BudgetConfig{
			Pages:      120,
			MaxSeconds: 1200,
		},
		Search: SearchConfig{
			Endpoint:       "",
			RequestTimeout: "30s",
			MaxResults:     10,
		},
		Fetcher: FetcherConfig{
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			RequestTimeout: "30s",
			RequestDelay:   "1s",
			MaxBodySize:    10 * 1024 * 1024, // 10MB
			AllowedTypes:   []string{"text/html", "application/xhtml+xml"},
		},
		Rules: RulesConfig{
			Dir: "./rules",
		},
		Notify: NotifyConfig{
			QueueName:    "indago_notifications",
			PollInterval: "2s",
			MaxReceive:   3,
			Timeout:      "10s",
		},
		Scheduler: SchedulerConfig{
			Enabled:          true,
			EvictionSchedule: "0 */5 * * * *",  // Every 5 minutes
			StaleJobSchedule: "30 */2 * * * *", // Every 2 minutes, offset from eviction
			PruneSchedule:    "0 0 3 * * *",    // Daily at 03:00
			RetentionDays:    30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		WebSocket: WebSocketConfig{
			AllowedEvents: []string{},
		},
	}
}

// LoadFromFile loads configuration with priority: defaults -> file -> env
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files. Later files override
// earlier files; environment variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("INDAGO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("INDAGO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("INDAGO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if path := os.Getenv("INDAGO_SQLITE_PATH"); path != "" {
		config.Storage.SQLite.Path = path
	}
	if path := os.Getenv("INDAGO_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}

	if interval := os.Getenv("INDAGO_QUEUE_POLL_INTERVAL"); interval != "" {
		config.Queue.PollInterval = interval
	}
	if slots := os.Getenv("INDAGO_QUEUE_SLOTS"); slots != "" {
		// Format: "network_client=2,compute=1"
		parsed := parseSlotSpec(slots)
		if len(parsed) > 0 {
			config.Queue.Slots = parsed
		}
	}

	if wait := os.Getenv("INDAGO_STATUS_MAX_WAIT"); wait != "" {
		if w, err := strconv.Atoi(wait); err == nil {
			config.Status.MaxWaitSeconds = w
		}
	}
	if idle := os.Getenv("INDAGO_STATUS_IDLE_WARNING"); idle != "" {
		if w, err := strconv.Atoi(idle); err == nil {
			config.Status.IdleWarningSeconds = w
		}
	}

	if pages := os.Getenv("INDAGO_BUDGET_PAGES"); pages != "" {
		if p, err := strconv.Atoi(pages); err == nil {
			config.Budget.Pages = p
		}
	}
	if secs := os.Getenv("INDAGO_BUDGET_MAX_SECONDS"); secs != "" {
		if s, err := strconv.Atoi(secs); err == nil {
			config.Budget.MaxSeconds = s
		}
	}

	if dir := os.Getenv("INDAGO_SCHEMAS_DIR"); dir != "" {
		config.Schemas.Dir = dir
	}
	if dir := os.Getenv("INDAGO_RULES_DIR"); dir != "" {
		config.Rules.Dir = dir
	}

	if url := os.Getenv("INDAGO_NOTIFY_SINK_URL"); url != "" {
		config.Notify.SinkURL = url
	}
	if endpoint := os.Getenv("INDAGO_SEARCH_ENDPOINT"); endpoint != "" {
		config.Search.Endpoint = endpoint
	}

	if level := os.Getenv("INDAGO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("INDAGO_LOG_OUTPUT"); output != "" {
		parts := strings.Split(output, ",")
		outputs := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// parseSlotSpec parses "slot=count,slot=count" into a map
func parseSlotSpec(spec string) map[string]int {
	slots := make(map[string]int)
	for _, pair := range strings.Split(spec, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}
		count, err := strconv.Atoi(parts[1])
		if err != nil || count < 1 {
			continue
		}
		slots[parts[0]] = count
	}
	return slots
}

// ApplyFlagOverrides applies CLI flag values on top of the loaded config.
// Zero values leave the config untouched.
func ApplyFlagOverrides(config *Config, host string, port int, logLevel string) {
	if host != "" {
		config.Server.Host = host
	}
	if port > 0 {
		config.Server.Port = port
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}
}

// Validate checks structural constraints and duration fields
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"queue.poll_interval":     c.Queue.PollInterval,
		"queue.stale_after":       c.Queue.StaleAfter,
		"state.evict_after":       c.State.EvictAfter,
		"search.request_timeout":  c.Search.RequestTimeout,
		"fetcher.request_timeout": c.Fetcher.RequestTimeout,
		"fetcher.request_delay":   c.Fetcher.RequestDelay,
		"notify.poll_interval":    c.Notify.PollInterval,
		"notify.timeout":          c.Notify.Timeout,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid configuration: %s=%q: %w", key, value, err)
		}
	}

	for slot, count := range c.Queue.Slots {
		if count < 1 {
			return fmt.Errorf("invalid configuration: queue.slots[%s] must be >= 1, got %d", slot, count)
		}
	}

	return nil
}

// PollIntervalDuration returns the parsed worker poll interval
func (c *QueueConfig) PollIntervalDuration() time.Duration {
	if d, err := time.ParseDuration(c.PollInterval); err == nil && d > 0 {
		return d
	}
	return 250 * time.Millisecond
}

// StaleAfterDuration returns the parsed stale-job threshold
func (c *QueueConfig) StaleAfterDuration() time.Duration {
	if d, err := time.ParseDuration(c.StaleAfter); err == nil && d > 0 {
		return d
	}
	return 10 * time.Minute
}

// EvictAfterDuration returns the parsed idle-eviction threshold
func (c *StateConfig) EvictAfterDuration() time.Duration {
	if d, err := time.ParseDuration(c.EvictAfter); err == nil && d > 0 {
		return d
	}
	return 30 * time.Minute
}

// RetentionDuration converts retention_days to a pruning cutoff
func (c *SchedulerConfig) RetentionDuration() time.Duration {
	days := c.RetentionDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

// RequestTimeoutDuration returns the parsed fetch timeout
func (c *FetcherConfig) RequestTimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(c.RequestTimeout); err == nil && d > 0 {
		return d
	}
	return 30 * time.Second
}

// RequestDelayDuration returns the parsed per-domain delay
func (c *FetcherConfig) RequestDelayDuration() time.Duration {
	if d, err := time.ParseDuration(c.RequestDelay); err == nil && d >= 0 {
		return d
	}
	return time.Second
}

// RequestTimeoutDuration returns the parsed SERP request timeout
func (c *SearchConfig) RequestTimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(c.RequestTimeout); err == nil && d > 0 {
		return d
	}
	return 30 * time.Second
}

// PollIntervalDuration returns the parsed outbox pump cadence
func (c *NotifyConfig) PollIntervalDuration() time.Duration {
	if d, err := time.ParseDuration(c.PollInterval); err == nil && d > 0 {
		return d
	}
	return 2 * time.Second
}

// TimeoutDuration returns the parsed sink request timeout
func (c *NotifyConfig) TimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(c.Timeout); err == nil && d > 0 {
		return d
	}
	return 10 * time.Second
}

// RedeliverAfterDuration returns how long a received-but-undelivered message
// stays invisible. The default outlives one full delivery attempt.
func (c *NotifyConfig) RedeliverAfterDuration() time.Duration {
	if d, err := time.ParseDuration(c.RedeliverAfter); err == nil && d > 0 {
		return d
	}
	return c.TimeoutDuration() + 5*time.Second
}

// WorkersForSlot returns the configured worker count for a slot (default 1)
func (c *QueueConfig) WorkersForSlot(slot string) int {
	if count, ok := c.Slots[slot]; ok && count > 0 {
		return count
	}
	return 1
}
