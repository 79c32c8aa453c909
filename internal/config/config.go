// Package config holds the runtime configuration envelope. Values come
// from built-in defaults, then an optional YAML file, then environment
// overrides for deployment-sensitive fields.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML scalars like
// "10s" as well as bare nanosecond integers.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the full configuration envelope of the orchestrator.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Provider ProviderConfig `yaml:"provider"`
	Worker   WorkerConfig   `yaml:"worker"`
	Download DownloadConfig `yaml:"download"`
	Stream   StreamConfig   `yaml:"stream"`
	Redis    RedisConfig    `yaml:"redis"`
	API      APIConfig      `yaml:"api"`
}

type StorageConfig struct {
	Root            string `yaml:"root"`
	DatabasePath    string `yaml:"database_path"`
	LowSpaceFloorGB int    `yaml:"low_space_floor_gb"`
	// Live guard while streaming a file of unknown size.
	MinFreeBytes        int64 `yaml:"min_free_bytes"`
	RetentionDays       int   `yaml:"retention_days"`
	PartialMaxAgeHours  int   `yaml:"partial_max_age_hours"`
	JanitorIntervalMins int   `yaml:"janitor_interval_mins"`
}

type ProviderConfig struct {
	Name           string   `yaml:"name"`
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"api_key"`
	Agent          string   `yaml:"agent"`
	RatePerSec     int      `yaml:"rate_per_sec"`
	Burst          int      `yaml:"burst"`
	UnlockConc     int      `yaml:"unlock_conc"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	ReadTimeout    Duration `yaml:"read_timeout"`
}

type WorkerConfig struct {
	LoopInterval       Duration `yaml:"loop_interval"`
	MonitorInterval    Duration `yaml:"monitor_interval"`
	ResolvePollDelay   Duration `yaml:"resolve_poll_delay"`
	MaxResolveAttempts int      `yaml:"max_resolve_attempts"`
	SelectionTimeout   Duration `yaml:"selection_timeout"`
}

type DownloadConfig struct {
	GlobalQueueLimit int      `yaml:"global_queue_limit"`
	PerTaskMaxActive int      `yaml:"per_task_max_active"`
	PerTaskMaxQueued int      `yaml:"per_task_max_queued"`
	Segments         int      `yaml:"segments"`
	SegmentMinBytes  int64    `yaml:"segment_min_bytes"`
	Retries          int      `yaml:"retries"`
	ConnectTimeout   Duration `yaml:"connect_timeout"`
	ReadTimeout      Duration `yaml:"read_timeout"`
	// Global byte-rate cap across all downloads. 0 disables.
	BandwidthLimit int `yaml:"bandwidth_limit"`
}

type StreamConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	RefreshInterval   Duration `yaml:"refresh_interval"`
	EmptyFilesPoll    Duration `yaml:"empty_files_poll"`
	MaxEmptyWait      Duration `yaml:"max_empty_wait"`
}

type RedisConfig struct {
	// Empty URL selects the in-memory bus (single-process deployments).
	URL       string   `yaml:"url"`
	CancelTTL Duration `yaml:"cancel_ttl"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration with every knob at its documented default.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Root:                "/srv/storage",
			DatabasePath:        "fetchd.db",
			LowSpaceFloorGB:     10,
			MinFreeBytes:        5 * 1024 * 1024 * 1024,
			RetentionDays:       7,
			PartialMaxAgeHours:  24,
			JanitorIntervalMins: 60,
		},
		Provider: ProviderConfig{
			Name:           "alldebrid",
			BaseURL:        "https://api.alldebrid.com/v4",
			Agent:          "fetchd",
			RatePerSec:     10,
			Burst:          10,
			UnlockConc:     8,
			ConnectTimeout: Duration(10 * time.Second),
			ReadTimeout:    Duration(60 * time.Second),
		},
		Worker: WorkerConfig{
			LoopInterval:       Duration(2 * time.Second),
			MonitorInterval:    Duration(time.Second),
			ResolvePollDelay:   Duration(5 * time.Second),
			MaxResolveAttempts: 240,
			SelectionTimeout:   Duration(15 * time.Minute),
		},
		Download: DownloadConfig{
			GlobalQueueLimit: 25,
			PerTaskMaxActive: 3,
			PerTaskMaxQueued: 9,
			Segments:         4,
			SegmentMinBytes:  512 * 1024 * 1024,
			Retries:          2,
			ConnectTimeout:   Duration(10 * time.Second),
			ReadTimeout:      Duration(60 * time.Second),
		},
		Stream: StreamConfig{
			HeartbeatInterval: Duration(25 * time.Second),
			RefreshInterval:   Duration(5 * time.Second),
			EmptyFilesPoll:    Duration(500 * time.Millisecond),
			MaxEmptyWait:      Duration(60 * time.Second),
		},
		Redis: RedisConfig{
			CancelTTL: Duration(24 * time.Hour),
		},
		API: APIConfig{
			Addr: ":8080",
		},
	}
}

// Load builds the config from defaults, the YAML file at path (optional,
// pass "" to skip), and environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("STORAGE_ROOT"); v != "" {
		cfg.Storage.Root = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Storage.DatabasePath = v
	}
	if v := os.Getenv("LOW_SPACE_FLOOR_GB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Storage.LowSpaceFloorGB = n
		}
	}
	if v := os.Getenv("PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
}

// LowSpaceFloorBytes converts the configured GB floor to bytes.
func (c StorageConfig) LowSpaceFloorBytes() int64 {
	return int64(c.LowSpaceFloorGB) * 1024 * 1024 * 1024
}

// Validate rejects configurations the loops cannot run with.
func (c Config) Validate() error {
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	if c.Download.PerTaskMaxActive < 1 {
		return fmt.Errorf("download.per_task_max_active must be >= 1")
	}
	if c.Download.GlobalQueueLimit < 1 {
		return fmt.Errorf("download.global_queue_limit must be >= 1")
	}
	if c.Worker.MaxResolveAttempts < 1 {
		return fmt.Errorf("worker.max_resolve_attempts must be >= 1")
	}
	if c.Provider.RatePerSec < 1 || c.Provider.Burst < 1 {
		return fmt.Errorf("provider rate limit must be >= 1 req/s with burst >= 1")
	}
	return nil
}
