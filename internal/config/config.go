package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const configPathEnv = "TIERMEM_CONFIG"

// Config holds all externally supplied settings.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Tiers     TierConfig      `yaml:"tiers"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	APIToken string `yaml:"apiToken"`
}

type StorageConfig struct {
	DataDir string `yaml:"dataDir"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// TTLs for the two ephemeral namespaces.
	SessionTTLMinutes int `yaml:"sessionTtlMinutes"`
	ContentTTLHours   int `yaml:"contentTtlHours"`
}

// TierConfig sets how long a record may sit in each tier before aging
// to the next one, and how long trash is retained before deletion.
type TierConfig struct {
	HotDays   int `yaml:"hotDays"`
	WarmDays  int `yaml:"warmDays"`
	ColdDays  int `yaml:"coldDays"`
	TrashDays int `yaml:"trashDays"`
}

type SchedulerConfig struct {
	IntervalHours int `yaml:"intervalHours"`
	// CycleTimeoutMinutes bounds a single aging cycle.
	CycleTimeoutMinutes int `yaml:"cycleTimeoutMinutes"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4200,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Redis: RedisConfig{
			Addr:              "localhost:6379",
			SessionTTLMinutes: 120,
			ContentTTLHours:   24,
		},
		Tiers: TierConfig{
			HotDays:   7,
			WarmDays:  30,
			ColdDays:  90,
			TrashDays: 30,
		},
		Scheduler: SchedulerConfig{
			IntervalHours:       6,
			CycleTimeoutMinutes: 15,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tiermem"
	}
	return filepath.Join(home, ".tiermem")
}

// Load reads the YAML config file named by TIERMEM_CONFIG (if set),
// merges it over defaults, and applies TIERMEM_* environment overrides.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv(configPathEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	setString(&c.Redis.Addr, "TIERMEM_REDIS_ADDR")
	setString(&c.Redis.Password, "TIERMEM_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "TIERMEM_REDIS_DB")
	setInt(&c.Redis.SessionTTLMinutes, "TIERMEM_SESSION_TTL_MINUTES")
	setInt(&c.Redis.ContentTTLHours, "TIERMEM_CONTENT_TTL_HOURS")
	setString(&c.Storage.DataDir, "TIERMEM_DATA_DIR")
	setInt(&c.Server.Port, "TIERMEM_PORT")
	setString(&c.Server.APIToken, "TIERMEM_API_TOKEN")
	setInt(&c.Tiers.HotDays, "TIERMEM_HOT_DAYS")
	setInt(&c.Tiers.WarmDays, "TIERMEM_WARM_DAYS")
	setInt(&c.Tiers.ColdDays, "TIERMEM_COLD_DAYS")
	setInt(&c.Tiers.TrashDays, "TIERMEM_TRASH_DAYS")
	setInt(&c.Scheduler.IntervalHours, "TIERMEM_SCHEDULER_INTERVAL_HOURS")
	setString(&c.Log.Level, "TIERMEM_LOG_LEVEL")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (c *Config) validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("missing required config: redis address (set TIERMEM_REDIS_ADDR)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	for name, days := range map[string]int{
		"hotDays":   c.Tiers.HotDays,
		"warmDays":  c.Tiers.WarmDays,
		"coldDays":  c.Tiers.ColdDays,
		"trashDays": c.Tiers.TrashDays,
	} {
		if days <= 0 {
			return fmt.Errorf("tier threshold %s must be positive, got %d", name, days)
		}
	}
	if c.Scheduler.IntervalHours <= 0 {
		return fmt.Errorf("scheduler interval must be positive, got %d", c.Scheduler.IntervalHours)
	}
	return nil
}

// HotThreshold returns the maximum time-in-tier for hot records.
func (c TierConfig) HotThreshold() time.Duration { return days(c.HotDays) }

// WarmThreshold returns the maximum time-in-tier for warm records.
func (c TierConfig) WarmThreshold() time.Duration { return days(c.WarmDays) }

// ColdThreshold returns the maximum time-in-tier for cold records.
func (c TierConfig) ColdThreshold() time.Duration { return days(c.ColdDays) }

// TrashRetention returns how long trash records are kept before purge.
func (c TierConfig) TrashRetention() time.Duration { return days(c.TrashDays) }

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

// SessionTTL returns the ephemeral active-session TTL.
func (c RedisConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// ContentTTL returns the ephemeral content-cache TTL.
func (c RedisConfig) ContentTTL() time.Duration {
	return time.Duration(c.ContentTTLHours) * time.Hour
}

// Interval returns the aging scheduler tick interval.
func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalHours) * time.Hour
}

// CycleTimeout bounds the work done in one scheduler cycle.
func (c SchedulerConfig) CycleTimeout() time.Duration {
	if c.CycleTimeoutMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.CycleTimeoutMinutes) * time.Minute
}
